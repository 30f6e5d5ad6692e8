// Package queue is the job store façade used by producers and workers.
//
// It owns id generation, the clock and the retry controller; the storage
// backend only persists what it is told.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"courier/internal/eventbus"
	"courier/internal/job"
	"courier/internal/retry"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

var (
	ErrEmptyQueue = errors.New("queue name is required")
	ErrNilPayload = errors.New("payload is required")
)

// Clock returns the current time. Tests inject a fake.
type Clock func() time.Time

// Queue is safe for concurrent use.
type Queue struct {
	store storage.Store
	retry *retry.Controller
	log   logx.Logger
	bus   eventbus.Bus
	now   Clock
}

type Option func(*Queue)

func WithClock(c Clock) Option { return func(q *Queue) { q.now = c } }

func WithBus(b eventbus.Bus) Option { return func(q *Queue) { q.bus = b } }

func WithRetry(c *retry.Controller) Option { return func(q *Queue) { q.retry = c } }

func New(store storage.Store, log logx.Logger, opts ...Option) *Queue {
	q := &Queue{
		store: store,
		log:   log,
		bus:   eventbus.Nop(),
		now:   time.Now,
	}
	for _, o := range opts {
		o(q)
	}
	if q.retry == nil {
		q.retry = retry.NewController(retry.Policy{})
	}
	if q.log.IsZero() {
		q.log = logx.Nop()
	}
	return q
}

// Now exposes the queue clock so workers and limiters agree on time.
func (q *Queue) Now() time.Time { return q.now() }

// Enqueue persists payload on queueName and returns the job id.
//
// payload may be a json.RawMessage, a []byte holding JSON, or any value that
// encodes to JSON. When opts.DedupKey collides with an existing job, the
// existing id is returned together with storage.ErrDuplicate.
func (q *Queue) Enqueue(ctx context.Context, queueName string, payload any, opts job.Options) (string, error) {
	queueName = strings.TrimSpace(queueName)
	if queueName == "" {
		return "", ErrEmptyQueue
	}
	raw, err := encodePayload(payload)
	if err != nil {
		return "", err
	}
	opts = opts.WithDefaults()
	now := q.now()
	j := job.Job{
		ID:          uuid.NewString(),
		Queue:       queueName,
		Payload:     raw,
		Status:      job.StatusPending,
		MaxAttempts: opts.MaxAttempts,
		BackoffBase: opts.BackoffBase,
		DelayUntil:  now.Add(opts.Delay),
		DedupKey:    opts.DedupKey,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	id, err := q.store.Enqueue(ctx, j)
	if errors.Is(err, storage.ErrDuplicate) {
		q.log.Debug("enqueue deduplicated", logx.String("queue", queueName), logx.String("job", id), logx.String("dedup_key", opts.DedupKey))
		return id, err
	}
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queueName, err)
	}
	q.bus.Publish(eventbus.Event{Type: eventbus.JobEnqueued, Time: now, Queue: queueName, JobID: id})
	return id, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return nil, ErrNilPayload
	case json.RawMessage:
		if len(p) == 0 {
			return nil, ErrNilPayload
		}
		if !json.Valid(p) {
			return nil, errors.New("payload is not valid JSON")
		}
		return append(json.RawMessage(nil), p...), nil
	case []byte:
		return encodePayload(json.RawMessage(p))
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, fmt.Errorf("encode payload: %w", err)
		}
		return b, nil
	}
}

// LeaseNext claims the next eligible job or returns (nil, nil).
func (q *Queue) LeaseNext(ctx context.Context, queueName, owner string) (*job.Job, error) {
	return q.store.LeaseNext(ctx, queueName, owner, q.now())
}

// Ack marks a leased job completed.
func (q *Queue) Ack(ctx context.Context, j *job.Job) error {
	now := q.now()
	if err := q.store.Ack(ctx, j.ID, now); err != nil {
		return fmt.Errorf("ack %s: %w", j.ID, err)
	}
	q.bus.Publish(eventbus.Event{Type: eventbus.JobCompleted, Time: now, Queue: j.Queue, JobID: j.ID})
	return nil
}

// Fail hands the failure to the retry controller and persists its decision.
func (q *Queue) Fail(ctx context.Context, j *job.Job, cause error) (job.Transition, error) {
	now := q.now()
	tr := q.retry.Decide(*j, cause, now)
	if err := q.store.ApplyTransition(ctx, j.ID, tr, now); err != nil {
		return tr, fmt.Errorf("fail %s: %w", j.ID, err)
	}

	fields := []logx.Field{
		logx.String("queue", j.Queue),
		logx.String("job", j.ID),
		logx.Int("attempt", tr.AttemptsMade),
		logx.Int("max_attempts", j.MaxAttempts),
		logx.Err(cause),
	}
	switch tr.Status {
	case job.StatusDeadLettered:
		q.log.Error("job dead-lettered", append(fields, logx.Bool("permanent", retry.IsPermanent(cause)))...)
		q.bus.Publish(eventbus.Event{Type: eventbus.JobDeadLettered, Time: now, Queue: j.Queue, JobID: j.ID, Data: tr})
	default:
		q.log.Warn("job failed; retry scheduled", append(fields, logx.Time("retry_at", tr.DelayUntil))...)
		q.bus.Publish(eventbus.Event{Type: eventbus.JobRetry, Time: now, Queue: j.Queue, JobID: j.ID, Data: tr})
	}
	return tr, nil
}

// Release returns a leased job to pending without consuming an attempt.
func (q *Queue) Release(ctx context.Context, j *job.Job) error {
	now := q.now()
	if err := q.store.Release(ctx, j.ID, now); err != nil {
		return fmt.Errorf("release %s: %w", j.ID, err)
	}
	q.bus.Publish(eventbus.Event{Type: eventbus.JobReleased, Time: now, Queue: j.Queue, JobID: j.ID})
	return nil
}

// Requeue gives a dead-lettered job a fresh attempt budget.
func (q *Queue) Requeue(ctx context.Context, id string) error {
	if err := q.store.Requeue(ctx, id, q.now()); err != nil {
		return fmt.Errorf("requeue %s: %w", id, err)
	}
	q.log.Info("dead-lettered job requeued", logx.String("job", id))
	return nil
}

// RecoverStale releases leases older than ttl back to pending.
func (q *Queue) RecoverStale(ctx context.Context, ttl time.Duration) (int, error) {
	now := q.now()
	return q.store.RecoverStale(ctx, now.Add(-ttl), now)
}

// PruneCompleted removes completed jobs older than retention.
func (q *Queue) PruneCompleted(ctx context.Context, retention time.Duration) (int, error) {
	return q.store.PruneCompleted(ctx, q.now().Add(-retention))
}

func (q *Queue) Get(ctx context.Context, id string) (*job.Job, error) { return q.store.Get(ctx, id) }

func (q *Queue) List(ctx context.Context, f storage.Filter) ([]job.Job, error) {
	return q.store.List(ctx, f)
}

func (q *Queue) Stats(ctx context.Context) ([]storage.QueueStats, error) { return q.store.Stats(ctx) }
