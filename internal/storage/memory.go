package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"courier/internal/job"
)

type memoryStore struct {
	mu    sync.Mutex
	jobs  map[string]*memJob
	dedup map[string]string // queue + "\x00" + key -> id
	seq   uint64
}

type memJob struct {
	job.Job
	seq uint64
}

// NewMemory returns an in-process Store.
func NewMemory() Store {
	return &memoryStore{jobs: map[string]*memJob{}, dedup: map[string]string{}}
}

// snapshot copies the job so callers cannot reach the stored payload.
func (mj *memJob) snapshot() job.Job {
	out := mj.Job
	out.Payload = append([]byte(nil), mj.Payload...)
	return out
}

func dedupIndex(queue, key string) string { return queue + "\x00" + key }

func (s *memoryStore) Enqueue(_ context.Context, j job.Job) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.DedupKey != "" {
		if id, ok := s.dedup[dedupIndex(j.Queue, j.DedupKey)]; ok {
			return id, ErrDuplicate
		}
		s.dedup[dedupIndex(j.Queue, j.DedupKey)] = j.ID
	}
	s.seq++
	cp := j
	cp.Payload = append([]byte(nil), j.Payload...)
	s.jobs[j.ID] = &memJob{Job: cp, seq: s.seq}
	return j.ID, nil
}

func (s *memoryStore) LeaseNext(_ context.Context, queue, owner string, now time.Time) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var best *memJob
	for _, mj := range s.jobs {
		if mj.Queue != queue || !mj.Status.Leasable() || mj.DelayUntil.After(now) {
			continue
		}
		if best == nil || earlier(mj, best) {
			best = mj
		}
	}
	if best == nil {
		return nil, nil
	}
	best.Status = job.StatusLeased
	best.LeaseOwner = owner
	best.LeasedAt = now
	best.UpdatedAt = now
	out := best.snapshot()
	return &out, nil
}

func earlier(a, b *memJob) bool {
	if !a.DelayUntil.Equal(b.DelayUntil) {
		return a.DelayUntil.Before(b.DelayUntil)
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.seq < b.seq
}

func (s *memoryStore) leased(id string) (*memJob, error) {
	mj := s.jobs[id]
	if mj == nil {
		return nil, ErrNotFound
	}
	if mj.Status != job.StatusLeased {
		return nil, ErrNotLeased
	}
	return mj, nil
}

func (s *memoryStore) Ack(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, err := s.leased(id)
	if err != nil {
		return err
	}
	mj.Status = job.StatusCompleted
	mj.LeaseOwner = ""
	mj.UpdatedAt = now
	return nil
}

func (s *memoryStore) ApplyTransition(_ context.Context, id string, tr job.Transition, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, err := s.leased(id)
	if err != nil {
		return err
	}
	mj.Status = tr.Status
	mj.AttemptsMade = tr.AttemptsMade
	mj.LastError = tr.LastError
	if !tr.DelayUntil.IsZero() {
		mj.DelayUntil = tr.DelayUntil
	}
	mj.LeaseOwner = ""
	mj.UpdatedAt = now
	return nil
}

func (s *memoryStore) Release(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mj, err := s.leased(id)
	if err != nil {
		return err
	}
	mj.Status = job.StatusPending
	mj.LeaseOwner = ""
	mj.UpdatedAt = now
	return nil
}

func (s *memoryStore) Requeue(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	mj := s.jobs[id]
	if mj == nil {
		return ErrNotFound
	}
	if mj.Status != job.StatusDeadLettered {
		return ErrNotDead
	}
	mj.Status = job.StatusPending
	mj.AttemptsMade = 0
	mj.DelayUntil = now
	mj.UpdatedAt = now
	return nil
}

func (s *memoryStore) RecoverStale(_ context.Context, leasedBefore, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, mj := range s.jobs {
		if mj.Status == job.StatusLeased && mj.LeasedAt.Before(leasedBefore) {
			mj.Status = job.StatusPending
			mj.LeaseOwner = ""
			mj.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) PruneCompleted(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, mj := range s.jobs {
		if mj.Status == job.StatusCompleted && mj.UpdatedAt.Before(before) {
			if mj.DedupKey != "" {
				delete(s.dedup, dedupIndex(mj.Queue, mj.DedupKey))
			}
			delete(s.jobs, id)
			n++
		}
	}
	return n, nil
}

func (s *memoryStore) Get(_ context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mj := s.jobs[id]
	if mj == nil {
		return nil, ErrNotFound
	}
	out := mj.snapshot()
	return &out, nil
}

func (s *memoryStore) List(_ context.Context, f Filter) ([]job.Job, error) {
	s.mu.Lock()
	all := make([]*memJob, 0, len(s.jobs))
	for _, mj := range s.jobs {
		if f.Queue != "" && mj.Queue != f.Queue {
			continue
		}
		if f.Status != "" && mj.Status != f.Status {
			continue
		}
		all = append(all, mj)
	}
	// Newest first, like the SQL backends.
	sort.Slice(all, func(i, j int) bool { return all[i].seq > all[j].seq })
	out := make([]job.Job, 0, min(len(all), f.limit()))
	for _, mj := range all {
		if len(out) >= f.limit() {
			break
		}
		out = append(out, mj.snapshot())
	}
	s.mu.Unlock()
	return out, nil
}

func (s *memoryStore) Stats(_ context.Context) ([]QueueStats, error) {
	s.mu.Lock()
	counts := map[QueueStats]int{}
	for _, mj := range s.jobs {
		counts[QueueStats{Queue: mj.Queue, Status: mj.Status}]++
	}
	s.mu.Unlock()
	out := make([]QueueStats, 0, len(counts))
	for k, n := range counts {
		k.Count = n
		out = append(out, k)
	}
	sortStats(out)
	return out, nil
}

func sortStats(st []QueueStats) {
	sort.Slice(st, func(i, j int) bool {
		if st[i].Queue != st[j].Queue {
			return st[i].Queue < st[j].Queue
		}
		return st[i].Status < st[j].Status
	})
}

func (s *memoryStore) Close() error { return nil }
