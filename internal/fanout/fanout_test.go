package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"courier/internal/directory"
	"courier/internal/job"
	"courier/internal/notify"
	"courier/internal/queue"
	"courier/internal/retry"
	"courier/internal/storage"
	logx "courier/pkg/logx"
)

func users(n int) []directory.User {
	out := make([]directory.User, n)
	for i := range out {
		out[i] = directory.User{ID: fmt.Sprintf("u%d", i), Address: fmt.Sprintf("user%d@example.com", i)}
	}
	return out
}

func bulkJobs(t *testing.T, q *queue.Queue) []notify.Message {
	t.Helper()
	jobs, err := q.List(context.Background(), storage.Filter{Queue: notify.QueueBulk, Limit: 1000})
	if err != nil {
		t.Fatalf("List error: %v", err)
	}
	out := make([]notify.Message, 0, len(jobs))
	for _, j := range jobs {
		var m notify.Message
		if err := json.Unmarshal(j.Payload, &m); err != nil {
			t.Fatalf("payload %s: %v", j.Payload, err)
		}
		out = append(out, m)
	}
	return out
}

func TestExpandOneJobPerRecipientExceptActor(t *testing.T) {
	t.Parallel()
	for _, n := range []int{1, 2, 7, 50} {
		q := queue.New(storage.NewMemory(), logx.Nop())
		e := NewExpander(directory.NewStatic(users(n)), q, logx.Nop())

		res, err := e.Expand(context.Background(), Event{ID: "ev1", ActorID: "u0", Content: "new request"})
		if err != nil {
			t.Fatalf("n=%d: Expand error: %v", n, err)
		}
		msgs := bulkJobs(t, q)
		if len(msgs) != n-1 || res.Enqueued != n-1 || res.Recipients != n-1 {
			t.Fatalf("n=%d: jobs = %d, result = %+v, want %d", n, len(msgs), res, n-1)
		}
		for _, m := range msgs {
			if m.Address == "user0@example.com" {
				t.Fatalf("n=%d: actor received a job for its own event", n)
			}
			if m.EventID != "ev1" || m.Content != "new request" {
				t.Fatalf("n=%d: message = %+v", n, m)
			}
		}
	}
}

func TestExpandIsIdempotentPerEvent(t *testing.T) {
	t.Parallel()
	q := queue.New(storage.NewMemory(), logx.Nop())
	e := NewExpander(directory.NewStatic(users(4)), q, logx.Nop())
	ctx := context.Background()
	ev := Event{ID: "ev1", ActorID: "u1", Content: "x"}

	if _, err := e.Expand(ctx, ev); err != nil {
		t.Fatalf("first Expand error: %v", err)
	}
	res, err := e.Expand(ctx, ev)
	if err != nil {
		t.Fatalf("second Expand error: %v", err)
	}
	if res.Enqueued != 0 || res.Duplicates != 3 {
		t.Fatalf("second Expand = %+v, want 0 enqueued, 3 duplicates", res)
	}
	if got := len(bulkJobs(t, q)); got != 3 {
		t.Fatalf("jobs = %d, want 3", got)
	}

	if _, err := e.Expand(ctx, Event{ID: "ev2", ActorID: "u1"}); err != nil {
		t.Fatalf("Expand ev2 error: %v", err)
	}
	if got := len(bulkJobs(t, q)); got != 6 {
		t.Fatalf("jobs after second event = %d, want 6", got)
	}
}

func TestExpandEmptyRecipientsSucceeds(t *testing.T) {
	t.Parallel()
	q := queue.New(storage.NewMemory(), logx.Nop())
	e := NewExpander(directory.NewStatic(users(1)), q, logx.Nop())
	res, err := e.Expand(context.Background(), Event{ID: "ev", ActorID: "u0"})
	if err != nil || res.Recipients != 0 {
		t.Fatalf("Expand = %+v, %v; want empty success", res, err)
	}
}

type failingDirectory struct{ err error }

func (d failingDirectory) AllAddressesExcept(context.Context, string) ([]string, error) {
	return nil, d.err
}

func TestExpandDirectoryFailureFailsWholeExpansion(t *testing.T) {
	t.Parallel()
	boom := errors.New("directory down")
	q := queue.New(storage.NewMemory(), logx.Nop())
	e := NewExpander(failingDirectory{err: boom}, q, logx.Nop())
	if _, err := e.Expand(context.Background(), Event{ID: "ev"}); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if _, err := e.Expand(context.Background(), Event{}); !errors.Is(err, ErrMissingEventID) {
		t.Fatalf("err = %v, want ErrMissingEventID", err)
	}
}

// flakyEnqueuer fails for one address and records the rest.
type flakyEnqueuer struct {
	failFor string
	got     []string
}

func (f *flakyEnqueuer) Enqueue(_ context.Context, _ string, payload any, opts job.Options) (string, error) {
	m := payload.(notify.Message)
	if m.Address == f.failFor {
		return "", errors.New("store unavailable")
	}
	f.got = append(f.got, opts.DedupKey)
	return "id-" + m.Address, nil
}

func TestExpandPartialFailureAttemptsEveryRecipient(t *testing.T) {
	t.Parallel()
	enq := &flakyEnqueuer{failFor: "user2@example.com"}
	e := NewExpander(directory.NewStatic(users(5)), enq, logx.Nop())

	res, err := e.Expand(context.Background(), Event{ID: "ev9", ActorID: "u0"})
	var pf *PartialFailure
	if !errors.As(err, &pf) {
		t.Fatalf("err = %v, want *PartialFailure", err)
	}
	if res.Enqueued != 3 || res.Failed != 1 || pf.Result.Failed != 1 {
		t.Fatalf("result = %+v", res)
	}
	if len(res.Failures) != 1 || res.Failures[0].Address != "user2@example.com" {
		t.Fatalf("failures = %+v", res.Failures)
	}
	want := []string{"ev9:user1@example.com", "ev9:user3@example.com", "ev9:user4@example.com"}
	if fmt.Sprint(enq.got) != fmt.Sprint(want) {
		t.Fatalf("dedup keys = %v, want %v", enq.got, want)
	}
}

func TestHandlerAndSubmit(t *testing.T) {
	t.Parallel()
	q := queue.New(storage.NewMemory(), logx.Nop())
	e := NewExpander(directory.NewStatic(users(3)), q, logx.Nop())
	ctx := context.Background()

	id, err := Submit(ctx, q, Event{ID: "ev1", ActorID: "u2", Content: "c"})
	if err != nil || id != "ev1" {
		t.Fatalf("Submit = %q, %v", id, err)
	}
	if _, err := Submit(ctx, q, Event{ID: "ev1", ActorID: "u2", Content: "c"}); err != nil {
		t.Fatalf("duplicate Submit error: %v", err)
	}
	if _, err := Replay(ctx, q, Event{ID: "ev1", ActorID: "u2", Content: "c"}); err != nil {
		t.Fatalf("Replay error: %v", err)
	}
	pending, _ := q.List(ctx, storage.Filter{Queue: Queue})
	if len(pending) != 2 {
		t.Fatalf("fanout jobs = %d, want 2 (submit + replay)", len(pending))
	}

	h := e.Handler()
	for i := range pending {
		if err := h(ctx, &pending[i]); err != nil {
			t.Fatalf("handler error: %v", err)
		}
	}
	if got := len(bulkJobs(t, q)); got != 2 {
		t.Fatalf("notification jobs = %d, want 2", got)
	}

	if err := h(ctx, &job.Job{Payload: json.RawMessage(`{"content":"no id"}`)}); !retry.IsPermanent(err) {
		t.Fatalf("handler err = %v, want permanent", err)
	}
	if _, err := Replay(ctx, q, Event{}); !errors.Is(err, ErrMissingEventID) {
		t.Fatalf("Replay err = %v", err)
	}
}
