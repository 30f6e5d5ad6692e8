package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	sq "github.com/Masterminds/squirrel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"courier/internal/job"
	logx "courier/pkg/logx"
)

// base is truncated to milliseconds so sqlite round-trips compare equal.
var base = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

func backends(t *testing.T) map[string]func(t *testing.T) Store {
	return map[string]func(t *testing.T) Store{
		"memory": func(t *testing.T) Store { return NewMemory() },
		"sqlite": func(t *testing.T) Store {
			st, err := Open(context.Background(), Config{Driver: "sqlite", Path: filepath.Join(t.TempDir(), "jobs.db")}, logx.Nop())
			require.NoError(t, err)
			t.Cleanup(func() { _ = st.Close() })
			return st
		},
	}
}

func newJob(id, queue string, delayUntil time.Time) job.Job {
	return job.Job{
		ID:          id,
		Queue:       queue,
		Payload:     json.RawMessage(`{"n":"` + id + `"}`),
		Status:      job.StatusPending,
		MaxAttempts: 3,
		BackoffBase: 5 * time.Second,
		DelayUntil:  delayUntil,
		CreatedAt:   base,
		UpdatedAt:   base,
	}
}

func TestStoreContract(t *testing.T) {
	for name, open := range backends(t) {
		open := open
		t.Run(name, func(t *testing.T) {
			t.Run("lease respects delay and order", func(t *testing.T) {
				ctx := context.Background()
				st := open(t)
				_, err := st.Enqueue(ctx, newJob("late", "q", base.Add(time.Minute)))
				require.NoError(t, err)
				_, err = st.Enqueue(ctx, newJob("first", "q", base))
				require.NoError(t, err)
				_, err = st.Enqueue(ctx, newJob("other", "other", base))
				require.NoError(t, err)

				j, err := st.LeaseNext(ctx, "q", "w1", base)
				require.NoError(t, err)
				require.NotNil(t, j)
				assert.Equal(t, "first", j.ID)
				assert.Equal(t, job.StatusLeased, j.Status)
				assert.Equal(t, "w1", j.LeaseOwner)
				assert.JSONEq(t, `{"n":"first"}`, string(j.Payload))

				j, err = st.LeaseNext(ctx, "q", "w1", base)
				require.NoError(t, err)
				assert.Nil(t, j, "delayed job must not be leased early")

				j, err = st.LeaseNext(ctx, "q", "w1", base.Add(time.Minute))
				require.NoError(t, err)
				require.NotNil(t, j)
				assert.Equal(t, "late", j.ID)
			})

			t.Run("ack completes leased job only", func(t *testing.T) {
				ctx := context.Background()
				st := open(t)
				_, err := st.Enqueue(ctx, newJob("a", "q", base))
				require.NoError(t, err)
				assert.ErrorIs(t, st.Ack(ctx, "a", base), ErrNotLeased)
				assert.ErrorIs(t, st.Ack(ctx, "missing", base), ErrNotFound)

				_, err = st.LeaseNext(ctx, "q", "w", base)
				require.NoError(t, err)
				require.NoError(t, st.Ack(ctx, "a", base.Add(time.Second)))

				got, err := st.Get(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, job.StatusCompleted, got.Status)
				assert.True(t, got.Status.Terminal())

				next, err := st.LeaseNext(ctx, "q", "w", base.Add(time.Hour))
				require.NoError(t, err)
				assert.Nil(t, next)
			})

			t.Run("transition and requeue", func(t *testing.T) {
				ctx := context.Background()
				st := open(t)
				_, err := st.Enqueue(ctx, newJob("a", "q", base))
				require.NoError(t, err)
				_, err = st.LeaseNext(ctx, "q", "w", base)
				require.NoError(t, err)

				retryAt := base.Add(5 * time.Second)
				require.NoError(t, st.ApplyTransition(ctx, "a", job.Transition{
					Status: job.StatusFailedRetry, AttemptsMade: 1, DelayUntil: retryAt, LastError: "boom",
				}, base))

				got, err := st.Get(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, job.StatusFailedRetry, got.Status)
				assert.Equal(t, 1, got.AttemptsMade)
				assert.Equal(t, "boom", got.LastError)
				assert.True(t, got.DelayUntil.Equal(retryAt), "delay_until = %v", got.DelayUntil)

				j, err := st.LeaseNext(ctx, "q", "w", retryAt.Add(-time.Millisecond))
				require.NoError(t, err)
				assert.Nil(t, j)
				j, err = st.LeaseNext(ctx, "q", "w", retryAt)
				require.NoError(t, err)
				require.NotNil(t, j)

				require.NoError(t, st.ApplyTransition(ctx, "a", job.Transition{
					Status: job.StatusDeadLettered, AttemptsMade: 2, LastError: "fatal",
				}, retryAt))
				dead, err := st.List(ctx, Filter{Status: job.StatusDeadLettered})
				require.NoError(t, err)
				require.Len(t, dead, 1)
				assert.Equal(t, "a", dead[0].ID)

				require.NoError(t, st.Requeue(ctx, "a", retryAt))
				got, err = st.Get(ctx, "a")
				require.NoError(t, err)
				assert.Equal(t, job.StatusPending, got.Status)
				assert.Equal(t, 0, got.AttemptsMade)
				assert.ErrorIs(t, st.Requeue(ctx, "a", retryAt), ErrNotDead)
			})

			t.Run("dedup returns existing id", func(t *testing.T) {
				ctx := context.Background()
				st := open(t)
				j1 := newJob("one", "q", base)
				j1.DedupKey = "ev1:alice@example.com"
				id, err := st.Enqueue(ctx, j1)
				require.NoError(t, err)
				assert.Equal(t, "one", id)

				j2 := newJob("two", "q", base)
				j2.DedupKey = j1.DedupKey
				id, err = st.Enqueue(ctx, j2)
				assert.ErrorIs(t, err, ErrDuplicate)
				assert.Equal(t, "one", id)

				// Same key on another queue is independent.
				j3 := newJob("three", "other", base)
				j3.DedupKey = j1.DedupKey
				id, err = st.Enqueue(ctx, j3)
				require.NoError(t, err)
				assert.Equal(t, "three", id)
			})

			t.Run("release recover and prune", func(t *testing.T) {
				ctx := context.Background()
				st := open(t)
				for _, id := range []string{"a", "b", "c"} {
					_, err := st.Enqueue(ctx, newJob(id, "q", base))
					require.NoError(t, err)
				}
				a, err := st.LeaseNext(ctx, "q", "w", base)
				require.NoError(t, err)
				require.NoError(t, st.Release(ctx, a.ID, base))
				got, err := st.Get(ctx, a.ID)
				require.NoError(t, err)
				assert.Equal(t, job.StatusPending, got.Status)
				assert.Equal(t, 0, got.AttemptsMade)

				_, err = st.LeaseNext(ctx, "q", "w", base)
				require.NoError(t, err)
				b, err := st.LeaseNext(ctx, "q", "w", base.Add(10*time.Minute))
				require.NoError(t, err)
				n, err := st.RecoverStale(ctx, base.Add(time.Minute), base.Add(11*time.Minute))
				require.NoError(t, err)
				assert.Equal(t, 1, n)

				require.NoError(t, st.Ack(ctx, b.ID, base.Add(10*time.Minute)))
				n, err = st.PruneCompleted(ctx, base.Add(time.Hour))
				require.NoError(t, err)
				assert.Equal(t, 1, n)
				_, err = st.Get(ctx, b.ID)
				assert.ErrorIs(t, err, ErrNotFound)

				stats, err := st.Stats(ctx)
				require.NoError(t, err)
				require.Len(t, stats, 1)
				assert.Equal(t, QueueStats{Queue: "q", Status: job.StatusPending, Count: 2}, stats[0])
			})

			t.Run("concurrent leases never overlap", func(t *testing.T) {
				ctx := context.Background()
				st := open(t)
				const total = 40
				for i := 0; i < total; i++ {
					_, err := st.Enqueue(ctx, newJob(fmt.Sprintf("j%02d", i), "q", base))
					require.NoError(t, err)
				}
				var (
					mu   sync.Mutex
					seen = map[string]int{}
					wg   sync.WaitGroup
				)
				for w := 0; w < 8; w++ {
					wg.Add(1)
					go func(w int) {
						defer wg.Done()
						for {
							j, err := st.LeaseNext(ctx, "q", fmt.Sprintf("w%d", w), base)
							if err != nil || j == nil {
								return
							}
							mu.Lock()
							seen[j.ID]++
							mu.Unlock()
						}
					}(w)
				}
				wg.Wait()
				assert.Len(t, seen, total)
				for id, n := range seen {
					assert.Equal(t, 1, n, "job %s leased %d times", id, n)
				}
			})
		})
	}
}

func TestListQueryPlaceholders(t *testing.T) {
	t.Parallel()
	q, args, err := listQuery(Filter{Queue: "notify.bulk", Status: job.StatusDeadLettered, Limit: 5}, sq.Dollar)
	require.NoError(t, err)
	assert.Contains(t, q, "queue = $1")
	assert.Contains(t, q, "status = $2")
	assert.Contains(t, q, "LIMIT 5")
	assert.Equal(t, []any{"notify.bulk", "dead_lettered"}, args)
}

func TestOpenUnknownDriver(t *testing.T) {
	t.Parallel()
	_, err := Open(context.Background(), Config{Driver: "cassandra"}, logx.Nop())
	assert.Error(t, err)
}

func TestOpenDefaultDriverIsDurable(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "courier.db")

	st, err := Open(ctx, Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	_, err = st.Enqueue(ctx, newJob("kept", "q", base))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(ctx, Config{Path: path}, logx.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	j, err := st.Get(ctx, "kept")
	require.NoError(t, err)
	assert.Equal(t, job.StatusPending, j.Status)
}

func TestMemoryReturnsPayloadCopies(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := NewMemory()
	_, err := st.Enqueue(ctx, newJob("j1", "q", base))
	require.NoError(t, err)

	got, err := st.Get(ctx, "j1")
	require.NoError(t, err)
	got.Payload[2] = 'X'

	leased, err := st.LeaseNext(ctx, "q", "w1", base)
	require.NoError(t, err)
	require.NotNil(t, leased)
	assert.JSONEq(t, `{"n":"j1"}`, string(leased.Payload))
	leased.Payload[2] = 'X'

	listed, err := st.List(ctx, Filter{Queue: "q"})
	require.NoError(t, err)
	require.Len(t, listed, 1)
	assert.JSONEq(t, `{"n":"j1"}`, string(listed[0].Payload))
}
