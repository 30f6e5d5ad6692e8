package systemd

import (
	"context"
	"os"
	"strconv"
	"testing"
	"time"
)

func TestNotifyWithoutSocket(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")

	sent, err := Ready()
	if err != nil || sent {
		t.Fatalf("Ready() = %v, %v, want false, nil", sent, err)
	}
	sent, err = Status("serving")
	if err != nil || sent {
		t.Fatalf("Status() = %v, %v, want false, nil", sent, err)
	}
}

func TestWatchdogInterval(t *testing.T) {
	tests := []struct {
		name string
		usec string
		pid  string
		want time.Duration
	}{
		{name: "disabled", usec: "", pid: "", want: 0},
		{name: "this process", usec: "2000000", pid: strconv.Itoa(os.Getpid()), want: time.Second},
		{name: "other process", usec: "2000000", pid: strconv.Itoa(os.Getpid() + 1), want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("WATCHDOG_USEC", tt.usec)
			t.Setenv("WATCHDOG_PID", tt.pid)
			if got := WatchdogInterval(); got != tt.want {
				t.Fatalf("WatchdogInterval() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWatchdogReturnsWhenDisabled(t *testing.T) {
	t.Setenv("WATCHDOG_USEC", "")

	done := make(chan error, 1)
	go func() { done <- Watchdog(context.Background(), nil) }()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Watchdog() = %v, want nil", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Watchdog did not return with the watchdog disabled")
	}
}
