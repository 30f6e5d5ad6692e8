// Package metrics exposes job lifecycle counters and queue depth gauges in the
// Prometheus format. Counters are fed from the event bus.
package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"courier/internal/eventbus"
	"courier/internal/fanout"
	"courier/internal/resourcepool"
	"courier/internal/storage"
)

const namespace = "courier"

type Collector struct {
	reg *prometheus.Registry

	jobs       *prometheus.CounterVec
	recipients *prometheus.CounterVec
	deletes    *prometheus.CounterVec
	depth      *prometheus.GaugeVec
}

// New builds a collector on its own registry, with Go runtime and process collectors.
func New() *Collector {
	c := &Collector{
		reg: prometheus.NewRegistry(),
		jobs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_events_total",
			Help:      "Job lifecycle events by queue and event type.",
		}, []string{"queue", "event"}),
		recipients: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "fanout_recipients_total",
			Help:      "Fan-out recipients by enqueue outcome.",
		}, []string{"outcome"}),
		deletes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "resource_deletes_total",
			Help:      "Per-account results of broadcast resource deletes.",
		}, []string{"outcome"}),
		depth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "queue_jobs",
			Help:      "Jobs in the store by queue and status.",
		}, []string{"queue", "status"}),
	}
	c.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		c.jobs, c.recipients, c.deletes, c.depth,
	)
	return c
}

func (c *Collector) Registry() *prometheus.Registry { return c.reg }

// Observe accounts one bus event. Unknown event types are ignored.
func (c *Collector) Observe(e eventbus.Event) {
	switch e.Type {
	case eventbus.JobEnqueued, eventbus.JobStarted, eventbus.JobCompleted,
		eventbus.JobRetry, eventbus.JobDeadLettered, eventbus.JobReleased:
		c.jobs.WithLabelValues(e.Queue, e.Type).Inc()
	case eventbus.FanoutExpanded:
		res, ok := e.Data.(fanout.Result)
		if !ok {
			return
		}
		c.recipients.WithLabelValues("enqueued").Add(float64(res.Enqueued))
		c.recipients.WithLabelValues("duplicate").Add(float64(res.Duplicates))
		c.recipients.WithLabelValues("failed").Add(float64(res.Failed))
	case eventbus.ResourceDeleted:
		sum, ok := e.Data.(resourcepool.Summary)
		if !ok {
			return
		}
		failed := sum.Failed()
		deleted := sum.Deleted()
		c.deletes.WithLabelValues("deleted").Add(float64(deleted))
		c.deletes.WithLabelValues("failed").Add(float64(failed))
		c.deletes.WithLabelValues("not_found").Add(float64(len(sum.Results) - deleted - failed))
	}
}

// Run observes bus events until ctx is done.
func (c *Collector) Run(ctx context.Context, bus eventbus.Bus) {
	ch, unsubscribe := bus.Subscribe(256)
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			c.Observe(e)
		}
	}
}

// SetDepth replaces the queue depth gauges with stats.
func (c *Collector) SetDepth(stats []storage.QueueStats) {
	c.depth.Reset()
	for _, s := range stats {
		c.depth.WithLabelValues(s.Queue, string(s.Status)).Set(float64(s.Count))
	}
}
