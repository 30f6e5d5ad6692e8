package worker

import (
	"context"
	"errors"
	"time"

	"courier/internal/job"
	"courier/internal/ratelimit"
	"courier/internal/runtime/supervisor"
)

var (
	ErrStarted           = errors.New("worker pool already started")
	ErrStopped           = errors.New("worker pool stopped")
	ErrUnknownQueue      = errors.New("queue not registered")
	ErrAlreadyRegistered = errors.New("queue already registered")
	ErrNilHandler        = errors.New("handler is required")
)

// Handler processes one leased job. A nil return acks the job.
// Handlers must be idempotent: a job whose lease is lost is delivered again.
type Handler func(ctx context.Context, j *job.Job) error

// QueueConfig controls one queue's dispatcher.
type QueueConfig struct {
	// Concurrency is the number of jobs the queue may run at once. 0 means 1.
	Concurrency int
	RateLimit   ratelimit.Config

	// PollInterval is how long an idle dispatcher sleeps before leasing again.
	PollInterval time.Duration
	// LeaseTTL is how long a lease may be held before maintenance recovers it.
	LeaseTTL       time.Duration
	HandlerTimeout time.Duration

	Circuit CircuitConfig
}

// CircuitConfig configures the consecutive-failure breaker.
//
// If TripFailures < 0 the breaker is disabled. Zero values take defaults.
type CircuitConfig struct {
	TripFailures int
	BaseDelay    time.Duration
	MaxDelay     time.Duration
	ResetAfter   time.Duration
}

const (
	DefaultPollInterval   = time.Second
	DefaultLeaseTTL       = 5 * time.Minute
	DefaultHandlerTimeout = 30 * time.Second
	defaultHistorySize    = 200
)

func (c QueueConfig) withDefaults() QueueConfig {
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.LeaseTTL <= 0 {
		c.LeaseTTL = DefaultLeaseTTL
	}
	if c.HandlerTimeout <= 0 {
		c.HandlerTimeout = DefaultHandlerTimeout
	}
	return c
}

type HistoryItem struct {
	JobID    string        `json:"job_id"`
	Attempt  int           `json:"attempt"`
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Outcome  job.Status    `json:"outcome"`
	Error    string        `json:"error,omitempty"`
}

// QueueSnapshot is a lightweight per-queue view for diagnostics.
type QueueSnapshot struct {
	Queue       string `json:"queue"`
	Concurrency int    `json:"concurrency"`
	RateLimit   string `json:"rate_limit"`
	InFlight    int    `json:"inflight"`

	Leased       uint64 `json:"leased"`
	Completed    uint64 `json:"completed"`
	Retried      uint64 `json:"retried"`
	DeadLettered uint64 `json:"dead_lettered"`
	Released     uint64 `json:"released"`

	CircuitOpen      bool      `json:"circuit_open"`
	CircuitOpenUntil time.Time `json:"circuit_open_until,omitempty"`
	CircuitFailures  int       `json:"circuit_failures"`

	History []HistoryItem `json:"history,omitempty"`
}

type Snapshot struct {
	Owner      string              `json:"owner"`
	Running    bool                `json:"running"`
	Queues     []QueueSnapshot     `json:"queues"`
	Supervisor supervisor.Snapshot `json:"supervisor"`
}
