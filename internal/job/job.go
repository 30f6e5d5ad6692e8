// Package job holds the durable job record shared by the store, the retry
// controller and the worker pool.
package job

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

type Status string

const (
	StatusPending      Status = "pending"
	StatusLeased       Status = "leased"
	StatusCompleted    Status = "completed"
	StatusFailedRetry  Status = "failed_retry"
	StatusDeadLettered Status = "dead_lettered"
)

// Terminal reports whether no further processing happens without operator action.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusDeadLettered
}

// Leasable reports whether a worker may claim a job in this status.
func (s Status) Leasable() bool {
	return s == StatusPending || s == StatusFailedRetry
}

func ParseStatus(raw string) (Status, error) {
	switch s := Status(strings.ToLower(strings.TrimSpace(raw))); s {
	case StatusPending, StatusLeased, StatusCompleted, StatusFailedRetry, StatusDeadLettered:
		return s, nil
	case "dead", "dlq":
		return StatusDeadLettered, nil
	default:
		return "", fmt.Errorf("unknown job status %q", raw)
	}
}

const (
	DefaultMaxAttempts = 3
	DefaultBackoffBase = 5 * time.Second
)

type Job struct {
	ID           string          `json:"id"`
	Queue        string          `json:"queue"`
	Payload      json.RawMessage `json:"payload"`
	Status       Status          `json:"status"`
	AttemptsMade int             `json:"attempts_made"`
	MaxAttempts  int             `json:"max_attempts"`
	BackoffBase  time.Duration   `json:"backoff_base"`
	DelayUntil   time.Time       `json:"delay_until"`
	LastError    string          `json:"last_error,omitempty"`
	DedupKey     string          `json:"dedup_key,omitempty"`
	LeaseOwner   string          `json:"lease_owner,omitempty"`
	LeasedAt     time.Time       `json:"leased_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Options are per-enqueue settings. Zero values take the defaults.
type Options struct {
	Delay       time.Duration
	MaxAttempts int
	BackoffBase time.Duration
	// DedupKey makes Enqueue idempotent per queue.
	DedupKey string
}

func (o Options) WithDefaults() Options {
	if o.Delay < 0 {
		o.Delay = 0
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	o.DedupKey = strings.TrimSpace(o.DedupKey)
	return o
}

// Transition is the outcome of a failed attempt as decided by the retry controller.
type Transition struct {
	Status       Status
	AttemptsMade int
	DelayUntil   time.Time
	LastError    string
}
