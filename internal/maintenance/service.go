// Package maintenance runs periodic job-store housekeeping on a cron schedule:
// recovering jobs whose lease expired and pruning old completed jobs.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "courier/pkg/logx"
)

const (
	TaskRecoverStale   = "recover_stale"
	TaskPruneCompleted = "prune_completed"

	DefaultRecoverSchedule = "@every 1m"
	DefaultPruneSchedule   = "@every 1h"
	DefaultRetention       = 7 * 24 * time.Hour
	DefaultLeaseTTL        = 5 * time.Minute

	taskTimeout = time.Minute
)

var ErrUnknownTask = errors.New("unknown maintenance task")

// SecondOptional allows both 5-field and 6-field (with seconds) cron specs.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// Store is the part of the job queue housekeeping needs.
type Store interface {
	RecoverStale(ctx context.Context, ttl time.Duration) (int, error)
	PruneCompleted(ctx context.Context, retention time.Duration) (int, error)
}

type Config struct {
	RecoverSchedule string
	PruneSchedule   string
	LeaseTTL        time.Duration
	// Retention <= 0 disables pruning.
	Retention time.Duration
	Timezone  string // IANA TZ, e.g. "Asia/Jakarta"
}

type TaskInfo struct {
	Name         string    `json:"name"`
	Spec         string    `json:"spec"`
	Next         time.Time `json:"next,omitempty"`
	Prev         time.Time `json:"prev,omitempty"`
	Runs         uint64    `json:"runs"`
	LastRun      time.Time `json:"last_run,omitempty"`
	LastAffected int       `json:"last_affected"`
	LastError    string    `json:"last_error,omitempty"`
}

type Snapshot struct {
	Running  bool       `json:"running"`
	Timezone string     `json:"timezone"`
	Tasks    []TaskInfo `json:"tasks"`
}

type taskStats struct {
	runs     uint64
	lastRun  time.Time
	affected int
	lastErr  string
}

type Service struct {
	mu sync.Mutex

	log   logx.Logger
	cfg   Config
	store Store
	loc   *time.Location

	c       *cron.Cron
	ctx     context.Context
	cancel  context.CancelFunc
	entries map[string]cron.EntryID
	specs   map[string]string

	smu   sync.Mutex
	stats map[string]*taskStats
}

func New(cfg Config, store Store, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:     cfg,
		store:   store,
		log:     log.With(logx.String("comp", "maintenance")),
		entries: map[string]cron.EntryID{},
		specs:   map[string]string{},
		stats:   map[string]*taskStats{},
	}
}

// Start registers the housekeeping tasks and starts triggering them.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}
	s.ctx, s.cancel = context.WithCancel(ctx)
	if err := s.startLocked(); err != nil {
		s.cancel()
		return err
	}
	return nil
}

func (s *Service) startLocked() error {
	s.loc = s.loadLocationLocked()
	c := cron.New(
		cron.WithParser(parser),
		cron.WithLocation(s.loc),
		cron.WithChain(cron.Recover(cronLogger{s.log}), cron.SkipIfStillRunning(cronLogger{s.log})),
	)
	entries := map[string]cron.EntryID{}
	specs := map[string]string{}

	add := func(name, raw, def string) error {
		if strings.TrimSpace(raw) == "" {
			raw = def
		}
		spec, err := ParseSchedule(raw)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		task := name
		id, err := c.AddFunc(spec, func() { s.run(task) })
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		entries[name] = id
		specs[name] = spec
		return nil
	}
	if err := add(TaskRecoverStale, s.cfg.RecoverSchedule, DefaultRecoverSchedule); err != nil {
		return err
	}
	if s.cfg.Retention > 0 {
		if err := add(TaskPruneCompleted, s.cfg.PruneSchedule, DefaultPruneSchedule); err != nil {
			return err
		}
	}

	c.Start()
	s.c = c
	s.entries = entries
	s.specs = specs
	s.log.Info("service started", logx.String("tz", s.loc.String()), logx.Int("tasks", len(entries)))
	return nil
}

// Stop stops triggering and waits for running tasks until ctx is done.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	s.c = nil
	cancel := s.cancel
	s.mu.Unlock()

	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
	case <-ctx.Done():
	}
	if cancel != nil {
		cancel()
	}
	s.log.Info("service stopped")
}

// Apply replaces the configuration and re-registers tasks when running.
func (s *Service) Apply(cfg Config) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	old := s.cfg
	s.cfg = cfg
	if s.c == nil {
		return nil
	}
	<-s.c.Stop().Done()
	s.c = nil
	if err := s.startLocked(); err != nil {
		s.cfg = old
		if rerr := s.startLocked(); rerr != nil {
			s.log.Error("maintenance restart failed", logx.Err(rerr))
		}
		return err
	}
	return nil
}

// RunNow executes one task synchronously and returns the number of affected jobs.
func (s *Service) RunNow(ctx context.Context, name string) (int, error) {
	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	var (
		n   int
		err error
	)
	switch name {
	case TaskRecoverStale:
		ttl := cfg.LeaseTTL
		if ttl <= 0 {
			ttl = DefaultLeaseTTL
		}
		n, err = s.store.RecoverStale(ctx, ttl)
	case TaskPruneCompleted:
		if cfg.Retention <= 0 {
			return 0, nil
		}
		n, err = s.store.PruneCompleted(ctx, cfg.Retention)
	default:
		return 0, fmt.Errorf("%w: %s", ErrUnknownTask, name)
	}
	s.record(name, n, err)
	return n, err
}

func (s *Service) run(name string) {
	s.mu.Lock()
	parent := s.ctx
	s.mu.Unlock()
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithTimeout(parent, taskTimeout)
	defer cancel()

	start := time.Now()
	n, err := s.RunNow(ctx, name)
	if err != nil {
		s.log.Warn("maintenance task failed", logx.String("task", name), logx.Err(err))
		return
	}
	if n > 0 {
		s.log.Info("maintenance task done", logx.String("task", name), logx.Int("affected", n), logx.Duration("took", time.Since(start)))
		return
	}
	s.log.Debug("maintenance task done", logx.String("task", name), logx.Duration("took", time.Since(start)))
}

func (s *Service) record(name string, n int, err error) {
	s.smu.Lock()
	defer s.smu.Unlock()
	st := s.stats[name]
	if st == nil {
		st = &taskStats{}
		s.stats[name] = st
	}
	st.runs++
	st.lastRun = time.Now()
	st.affected = n
	st.lastErr = ""
	if err != nil {
		st.lastErr = err.Error()
	}
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	snap := Snapshot{Running: s.c != nil}
	if s.loc != nil {
		snap.Timezone = s.loc.String()
	}
	for name, id := range s.entries {
		ti := TaskInfo{Name: name, Spec: s.specs[name]}
		if s.c != nil {
			e := s.c.Entry(id)
			ti.Next, ti.Prev = e.Next, e.Prev
		}
		snap.Tasks = append(snap.Tasks, ti)
	}
	s.mu.Unlock()

	s.smu.Lock()
	for i := range snap.Tasks {
		if st := s.stats[snap.Tasks[i].Name]; st != nil {
			snap.Tasks[i].Runs = st.runs
			snap.Tasks[i].LastRun = st.lastRun
			snap.Tasks[i].LastAffected = st.affected
			snap.Tasks[i].LastError = st.lastErr
		}
	}
	s.smu.Unlock()

	sort.Slice(snap.Tasks, func(i, j int) bool { return snap.Tasks[i].Name < snap.Tasks[j].Name })
	return snap
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone; falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// cronLogger routes robfig/cron's internal messages to logx.
type cronLogger struct{ log logx.Logger }

func (l cronLogger) Info(msg string, kv ...interface{}) {
	l.log.Debug("cron: "+msg, logx.Any("kv", kv))
}

func (l cronLogger) Error(err error, msg string, kv ...interface{}) {
	l.log.Error("cron: "+msg, logx.Err(err), logx.Any("kv", kv))
}
