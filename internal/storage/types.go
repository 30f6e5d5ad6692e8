package storage

import (
	"context"
	"errors"
	"time"

	"courier/internal/job"
)

var (
	ErrNotFound  = errors.New("job not found")
	ErrNotLeased = errors.New("job is not leased")
	// ErrDuplicate is returned together with the existing job id when an
	// enqueue hits an existing (queue, dedup key) pair.
	ErrDuplicate = errors.New("duplicate job")
	// ErrNotDead is returned by Requeue for jobs that are not dead-lettered.
	ErrNotDead = errors.New("job is not dead-lettered")
)

// DefaultSQLitePath is used when the sqlite driver has no Path.
const DefaultSQLitePath = "./courier.db"

// Config configures the job store.
//
// Driver values:
//   - "sqlite" (default): SQLite database file at Path, DefaultSQLitePath when empty
//   - "postgres": PostgreSQL at DSN
//   - "memory" (or "none"): in-process, lost on restart
type Config struct {
	Driver      string
	Path        string
	DSN         string
	BusyTimeout time.Duration // sqlite only; 0 means default
	MaxConns    int32         // postgres only; 0 means pgx default
}

// Filter narrows List results. Zero fields match everything.
type Filter struct {
	Queue  string
	Status job.Status
	Limit  int
}

// QueueStats is a per-queue per-status job count.
type QueueStats struct {
	Queue  string     `json:"queue"`
	Status job.Status `json:"status"`
	Count  int        `json:"count"`
}

// Store persists jobs. Every method that changes state takes now so callers
// (and tests) own the clock.
type Store interface {
	// Enqueue inserts j. On a dedup conflict it returns the existing id and ErrDuplicate.
	Enqueue(ctx context.Context, j job.Job) (string, error)
	// LeaseNext atomically claims the oldest eligible job in queue, or returns (nil, nil).
	LeaseNext(ctx context.Context, queue, owner string, now time.Time) (*job.Job, error)
	Ack(ctx context.Context, id string, now time.Time) error
	// ApplyTransition persists a retry-controller decision for a leased job.
	ApplyTransition(ctx context.Context, id string, tr job.Transition, now time.Time) error
	// Release hands a leased job back to pending without consuming an attempt.
	Release(ctx context.Context, id string, now time.Time) error
	// Requeue moves a dead-lettered job back to pending with a fresh attempt budget.
	Requeue(ctx context.Context, id string, now time.Time) error
	// RecoverStale releases jobs leased before leasedBefore.
	RecoverStale(ctx context.Context, leasedBefore, now time.Time) (int, error)
	// PruneCompleted deletes completed jobs last updated before before.
	PruneCompleted(ctx context.Context, before time.Time) (int, error)
	Get(ctx context.Context, id string) (*job.Job, error)
	List(ctx context.Context, f Filter) ([]job.Job, error)
	Stats(ctx context.Context) ([]QueueStats, error)
	Close() error
}

const defaultListLimit = 100

func (f Filter) limit() int {
	if f.Limit <= 0 {
		return defaultListLimit
	}
	return f.Limit
}
