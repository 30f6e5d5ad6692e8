package job

import (
	"testing"
	"time"
)

func TestOptionsWithDefaults(t *testing.T) {
	t.Parallel()
	o := Options{Delay: -time.Second, DedupKey: "  ev:1  "}.WithDefaults()
	if o.Delay != 0 {
		t.Fatalf("Delay = %v, want 0", o.Delay)
	}
	if o.MaxAttempts != 3 {
		t.Fatalf("MaxAttempts = %d, want 3", o.MaxAttempts)
	}
	if o.BackoffBase != 5*time.Second {
		t.Fatalf("BackoffBase = %v, want 5s", o.BackoffBase)
	}
	if o.DedupKey != "ev:1" {
		t.Fatalf("DedupKey = %q, want ev:1", o.DedupKey)
	}
}

func TestStatusPredicates(t *testing.T) {
	t.Parallel()
	tests := []struct {
		s        Status
		terminal bool
		leasable bool
	}{
		{StatusPending, false, true},
		{StatusLeased, false, false},
		{StatusFailedRetry, false, true},
		{StatusCompleted, true, false},
		{StatusDeadLettered, true, false},
	}
	for _, tt := range tests {
		if got := tt.s.Terminal(); got != tt.terminal {
			t.Fatalf("%s.Terminal() = %v, want %v", tt.s, got, tt.terminal)
		}
		if got := tt.s.Leasable(); got != tt.leasable {
			t.Fatalf("%s.Leasable() = %v, want %v", tt.s, got, tt.leasable)
		}
	}
}

func TestParseStatus(t *testing.T) {
	t.Parallel()
	if s, err := ParseStatus(" DLQ "); err != nil || s != StatusDeadLettered {
		t.Fatalf("ParseStatus(DLQ) = %v, %v", s, err)
	}
	if _, err := ParseStatus("running"); err == nil {
		t.Fatal("expected error for unknown status")
	}
}
