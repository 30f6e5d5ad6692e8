package ops

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/prometheus/client_golang/prometheus"

	logx "courier/pkg/logx"
)

func newTestServer(t *testing.T, cfg Config, src Sources) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(New(cfg, src, logx.Nop()).Handler())
	t.Cleanup(ts.Close)
	return ts
}

func get(t *testing.T, url, token string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		t.Fatal(err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	b, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, string(b)
}

func TestHealthz(t *testing.T) {
	t.Parallel()
	var healthy atomic.Bool
	healthy.Store(true)
	ts := newTestServer(t, Config{Token: "s3cret"}, Sources{Health: func(context.Context) error {
		if !healthy.Load() {
			return errors.New("store down")
		}
		return nil
	}})

	if code, body := get(t, ts.URL+"/healthz", ""); code != http.StatusOK || body != "ok" {
		t.Fatalf("healthz = %d %q", code, body)
	}
	healthy.Store(false)
	if code, body := get(t, ts.URL+"/healthz", ""); code != http.StatusServiceUnavailable || !strings.Contains(body, "store down") {
		t.Fatalf("healthz unhealthy = %d %q", code, body)
	}
}

func TestAuthAndSnapshots(t *testing.T) {
	t.Parallel()
	reg := prometheus.NewRegistry()
	c := prometheus.NewCounter(prometheus.CounterOpts{Name: "courier_test_total", Help: "test"})
	reg.MustRegister(c)
	c.Inc()

	ts := newTestServer(t, Config{Token: "s3cret", Pprof: true}, Sources{
		Gatherer: reg,
		Snapshots: map[string]func(context.Context) (any, error){
			"workers": func(context.Context) (any, error) { return map[string]int{"inflight": 2}, nil },
			"broken":  func(context.Context) (any, error) { return nil, errors.New("nope") },
		},
	})

	tests := []struct {
		path     string
		token    string
		wantCode int
		wantBody string
	}{
		{"/metrics", "", http.StatusUnauthorized, ""},
		{"/metrics", "wrong", http.StatusUnauthorized, ""},
		{"/metrics", "s3cret", http.StatusOK, "courier_test_total 1"},
		{"/metrics?token=s3cret", "", http.StatusOK, "courier_test_total"},
		{"/v1/snapshots/workers", "s3cret", http.StatusOK, `"inflight": 2`},
		{"/v1/snapshots/broken", "s3cret", http.StatusInternalServerError, "nope"},
		{"/v1/snapshots/missing", "s3cret", http.StatusNotFound, ""},
		{"/debug/pprof/", "s3cret", http.StatusOK, ""},
	}
	for _, tt := range tests {
		code, body := get(t, ts.URL+tt.path, tt.token)
		if code != tt.wantCode || !strings.Contains(body, tt.wantBody) {
			t.Fatalf("GET %s = %d %q, want %d containing %q", tt.path, code, body, tt.wantCode, tt.wantBody)
		}
	}
}

func TestPprofDisabledByDefault(t *testing.T) {
	t.Parallel()
	ts := newTestServer(t, Config{}, Sources{})
	if code, _ := get(t, ts.URL+"/debug/pprof/", ""); code != http.StatusNotFound {
		t.Fatalf("pprof without opt-in = %d, want 404", code)
	}
}

func TestIsLoopbackAddr(t *testing.T) {
	t.Parallel()
	tests := map[string]bool{
		"127.0.0.1:9090": true,
		"localhost:9090": true,
		"[::1]:9090":     true,
		":9090":          false,
		"0.0.0.0:9090":   false,
		"10.0.0.5:9090":  false,
		"garbage":        false,
	}
	for addr, want := range tests {
		if got := isLoopbackAddr(addr); got != want {
			t.Fatalf("isLoopbackAddr(%q) = %v, want %v", addr, got, want)
		}
	}
}
