// Package fanout turns one domain event into one notification job per recipient.
//
// The expansion itself runs as a job on the fanout queue, so a directory
// outage retries the whole expansion while per-recipient dedup keys keep a
// re-run from notifying anyone twice.
package fanout

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
	"courier/internal/notify"
	"courier/internal/retry"
	"courier/internal/storage"
	"courier/internal/worker"
	logx "courier/pkg/logx"
)

// Queue is the standard queue carrying expansion jobs.
const Queue = "fanout"

var ErrMissingEventID = errors.New("event id is required")

// Directory resolves recipient addresses.
type Directory interface {
	AllAddressesExcept(ctx context.Context, actorID string) ([]string, error)
}

// Enqueuer is the part of the job queue the expander needs.
type Enqueuer interface {
	Enqueue(ctx context.Context, queueName string, payload any, opts job.Options) (string, error)
}

type Event struct {
	ID      string `json:"id"`
	ActorID string `json:"actorId"`
	Content string `json:"content"`
}

// Failure records one recipient whose job could not be enqueued.
type Failure struct {
	Address string `json:"address"`
	Err     string `json:"error"`
}

type Result struct {
	EventID    string    `json:"event_id"`
	Recipients int       `json:"recipients"`
	Enqueued   int       `json:"enqueued"`
	Duplicates int       `json:"duplicates"`
	Failed     int       `json:"failed"`
	Failures   []Failure `json:"failures,omitempty"`
}

// PartialFailure is returned when some recipients could not be enqueued.
// Jobs already enqueued stay queued.
type PartialFailure struct {
	Result Result
	errs   []error
}

func (e *PartialFailure) Error() string {
	return fmt.Sprintf("fanout %s: %d of %d enqueues failed", e.Result.EventID, e.Result.Failed, e.Result.Recipients)
}

func (e *PartialFailure) Unwrap() []error { return e.errs }

// DedupKey is the idempotency key of one recipient's job for one event.
func DedupKey(eventID, address string) string { return eventID + ":" + address }

type Expander struct {
	dir    Directory
	q      Enqueuer
	log    logx.Logger
	bus    eventbus.Bus
	target string
	opts   job.Options
}

type Option func(*Expander)

// WithTargetQueue sets the queue receiving per-recipient jobs. Default notify.bulk.
func WithTargetQueue(name string) Option { return func(e *Expander) { e.target = name } }

// WithJobOptions sets retry settings of per-recipient jobs. DedupKey is always overwritten.
func WithJobOptions(o job.Options) Option { return func(e *Expander) { e.opts = o } }

func WithBus(b eventbus.Bus) Option { return func(e *Expander) { e.bus = b } }

func NewExpander(dir Directory, q Enqueuer, log logx.Logger, opts ...Option) *Expander {
	if log.IsZero() {
		log = logx.Nop()
	}
	e := &Expander{
		dir:    dir,
		q:      q,
		log:    log.With(logx.String("comp", "fanout")),
		bus:    eventbus.Nop(),
		target: notify.QueueBulk,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Expand resolves the recipients once and enqueues one job per recipient.
// An empty recipient set is success. A directory error is returned as is so the
// expansion job is retried.
func (e *Expander) Expand(ctx context.Context, ev Event) (Result, error) {
	ev.ID = strings.TrimSpace(ev.ID)
	if ev.ID == "" {
		return Result{}, ErrMissingEventID
	}
	res := Result{EventID: ev.ID}

	recipients, err := e.dir.AllAddressesExcept(ctx, ev.ActorID)
	if err != nil {
		return res, fmt.Errorf("resolve recipients: %w", err)
	}
	res.Recipients = len(recipients)
	if len(recipients) == 0 {
		e.log.Info("fanout has no recipients", logx.String("event", ev.ID))
		return res, nil
	}

	var errs []error
	for _, addr := range recipients {
		opts := e.opts
		opts.DedupKey = DedupKey(ev.ID, addr)
		msg := notify.Message{EventID: ev.ID, Content: ev.Content, Address: addr}

		_, err := e.q.Enqueue(ctx, e.target, msg, opts)
		switch {
		case err == nil:
			res.Enqueued++
		case errors.Is(err, storage.ErrDuplicate):
			res.Duplicates++
		default:
			res.Failed++
			res.Failures = append(res.Failures, Failure{Address: addr, Err: err.Error()})
			errs = append(errs, err)
			e.log.Warn("fanout enqueue failed", logx.String("event", ev.ID), logx.String("address", addr), logx.Err(err))
		}
	}

	fields := []logx.Field{
		logx.String("event", ev.ID),
		logx.Int("recipients", res.Recipients),
		logx.Int("enqueued", res.Enqueued),
		logx.Int("duplicates", res.Duplicates),
		logx.Int("failed", res.Failed),
	}
	e.bus.Publish(eventbus.Event{Type: eventbus.FanoutExpanded, Time: time.Now(), Queue: e.target, Data: res})
	if res.Failed > 0 {
		e.log.Warn("fanout finished with failures", fields...)
		return res, &PartialFailure{Result: res, errs: errs}
	}
	e.log.Info("fanout finished", fields...)
	return res, nil
}

// Handler runs expansions from the fanout queue.
func (e *Expander) Handler() worker.Handler {
	return func(ctx context.Context, j *job.Job) error {
		var ev Event
		if err := json.Unmarshal(j.Payload, &ev); err != nil {
			return retry.Permanent(fmt.Errorf("decode event: %w", err))
		}
		if strings.TrimSpace(ev.ID) == "" {
			return retry.Permanent(ErrMissingEventID)
		}
		_, err := e.Expand(ctx, ev)
		return err
	}
}

// Submit enqueues an expansion job on the fanout queue and returns the event id.
// A repeated Submit of the same event id is deduplicated; Replay is not.
func Submit(ctx context.Context, q Enqueuer, ev Event) (string, error) {
	return submit(ctx, q, ev, true)
}

// Replay enqueues the expansion again. Recipients already notified are skipped
// by their dedup keys.
func Replay(ctx context.Context, q Enqueuer, ev Event) (string, error) {
	if strings.TrimSpace(ev.ID) == "" {
		return "", ErrMissingEventID
	}
	return submit(ctx, q, ev, false)
}

func submit(ctx context.Context, q Enqueuer, ev Event, dedup bool) (string, error) {
	ev.ID = strings.TrimSpace(ev.ID)
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	var opts job.Options
	if dedup {
		opts.DedupKey = "event:" + ev.ID
	}
	if _, err := q.Enqueue(ctx, Queue, ev, opts); err != nil && !errors.Is(err, storage.ErrDuplicate) {
		return "", err
	}
	return ev.ID, nil
}
