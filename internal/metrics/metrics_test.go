package metrics

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"courier/internal/eventbus"
	"courier/internal/fanout"
	"courier/internal/job"
	"courier/internal/resourcepool"
	"courier/internal/storage"
)

func TestObserve(t *testing.T) {
	t.Parallel()
	c := New()
	c.Observe(eventbus.Event{Type: eventbus.JobEnqueued, Queue: "notify.bulk"})
	c.Observe(eventbus.Event{Type: eventbus.JobEnqueued, Queue: "notify.bulk"})
	c.Observe(eventbus.Event{Type: eventbus.JobDeadLettered, Queue: "fanout"})
	c.Observe(eventbus.Event{Type: eventbus.FanoutExpanded, Data: fanout.Result{Enqueued: 4, Duplicates: 2, Failed: 1}})
	c.Observe(eventbus.Event{Type: eventbus.ResourceDeleted, Data: resourcepool.Summary{Results: []resourcepool.Result{
		{Account: "a"},
		{Account: "b", Err: resourcepool.ErrResourceNotFound},
		{Account: "c", Err: errors.New("boom")},
	}}})
	c.Observe(eventbus.Event{Type: "something.else"})

	checks := []struct {
		name string
		got  float64
		want float64
	}{
		{"enqueued", testutil.ToFloat64(c.jobs.WithLabelValues("notify.bulk", eventbus.JobEnqueued)), 2},
		{"dead", testutil.ToFloat64(c.jobs.WithLabelValues("fanout", eventbus.JobDeadLettered)), 1},
		{"fanout enqueued", testutil.ToFloat64(c.recipients.WithLabelValues("enqueued")), 4},
		{"fanout duplicate", testutil.ToFloat64(c.recipients.WithLabelValues("duplicate")), 2},
		{"delete ok", testutil.ToFloat64(c.deletes.WithLabelValues("deleted")), 1},
		{"delete not found", testutil.ToFloat64(c.deletes.WithLabelValues("not_found")), 1},
		{"delete failed", testutil.ToFloat64(c.deletes.WithLabelValues("failed")), 1},
	}
	for _, tt := range checks {
		if tt.got != tt.want {
			t.Fatalf("%s = %v, want %v", tt.name, tt.got, tt.want)
		}
	}
}

func TestSetDepthReplacesSeries(t *testing.T) {
	t.Parallel()
	c := New()
	c.SetDepth([]storage.QueueStats{{Queue: "q", Status: job.StatusPending, Count: 3}, {Queue: "q", Status: job.StatusLeased, Count: 1}})
	c.SetDepth([]storage.QueueStats{{Queue: "q", Status: job.StatusPending, Count: 5}})
	if got := testutil.CollectAndCount(c.depth); got != 1 {
		t.Fatalf("series = %d, want 1", got)
	}
	if got := testutil.ToFloat64(c.depth.WithLabelValues("q", "pending")); got != 5 {
		t.Fatalf("pending = %v, want 5", got)
	}
}

func TestRunConsumesBus(t *testing.T) {
	t.Parallel()
	c := New()
	bus := eventbus.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		c.Run(ctx, bus)
		close(done)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(c.jobs.WithLabelValues("q", eventbus.JobCompleted)) < 1 {
		if time.Now().After(deadline) {
			t.Fatal("event never observed")
		}
		bus.Publish(eventbus.Event{Type: eventbus.JobCompleted, Queue: "q"})
		time.Sleep(10 * time.Millisecond)
	}
	cancel()
	<-done
}
