package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/wneessen/go-mail"
	tele "gopkg.in/telebot.v4"

	"courier/internal/job"
	"courier/internal/retry"
	logx "courier/pkg/logx"
)

type recorder struct {
	mu   sync.Mutex
	sent []string
	err  error
}

func (r *recorder) Send(_ context.Context, address string, data TemplateData) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = append(r.sent, address+"|"+data.EventID+"|"+data.Content)
	return r.err
}

func TestRouterPicksProviderByScheme(t *testing.T) {
	t.Parallel()
	mailer, chats := &recorder{}, &recorder{}
	r := NewRouter(mailer)
	r.Handle("TG", chats)
	ctx := context.Background()

	tests := []struct {
		address string
		want    *recorder
	}{
		{"alice@example.com", mailer},
		{"tg:42", chats},
		{"Tg:43", chats},
		{"sms:555", mailer},
	}
	for _, tt := range tests {
		if err := r.Send(ctx, tt.address, TemplateData{}); err != nil {
			t.Fatalf("Send(%q) error: %v", tt.address, err)
		}
	}
	if len(mailer.sent) != 2 || len(chats.sent) != 2 {
		t.Fatalf("mailer = %v, chats = %v", mailer.sent, chats.sent)
	}

	empty := NewRouter(nil)
	err := empty.Send(ctx, "bob@example.com", TemplateData{})
	if !errors.Is(err, ErrNoProvider) || !retry.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent ErrNoProvider", err)
	}
}

func TestThrottleSpacesSends(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	p := Throttle(rec, 20, 1)
	start := time.Now()
	for i := 0; i < 3; i++ {
		if err := p.Send(context.Background(), "a@example.com", TemplateData{}); err != nil {
			t.Fatalf("Send error: %v", err)
		}
	}
	if el := time.Since(start); el < 90*time.Millisecond {
		t.Fatalf("3 sends at 20/s took %v, want >= ~100ms", el)
	}
	if Throttle(rec, 0, 0) != Provider(rec) {
		t.Fatal("zero rate should return the provider unchanged")
	}
}

func TestHandlerSendsDecodedMessage(t *testing.T) {
	t.Parallel()
	rec := &recorder{}
	h := Handler(rec, logx.Nop())
	payload, _ := json.Marshal(Message{EventID: "ev1", Content: "hello", Address: " bob@example.com "})

	if err := h(context.Background(), &job.Job{ID: "j1", Payload: payload}); err != nil {
		t.Fatalf("handler error: %v", err)
	}
	if got, want := rec.sent, []string{"bob@example.com|ev1|hello"}; len(got) != 1 || got[0] != want[0] {
		t.Fatalf("sent = %v, want %v", got, want)
	}
}

func TestHandlerRejectsBadPayloadPermanently(t *testing.T) {
	t.Parallel()
	h := Handler(&recorder{}, logx.Nop())
	tests := []struct {
		name    string
		payload string
	}{
		{"not json", `{`},
		{"no address", `{"content":"hi"}`},
	}
	for _, tt := range tests {
		err := h(context.Background(), &job.Job{ID: "j", Payload: json.RawMessage(tt.payload)})
		if !retry.IsPermanent(err) {
			t.Fatalf("%s: err = %v, want permanent", tt.name, err)
		}
	}
}

func TestHandlerPropagatesProviderError(t *testing.T) {
	t.Parallel()
	boom := errors.New("smtp down")
	h := Handler(&recorder{err: boom}, logx.Nop())
	err := h(context.Background(), &job.Job{ID: "j", Payload: json.RawMessage(`{"address":"a@example.com"}`)})
	if !errors.Is(err, boom) || retry.IsPermanent(err) {
		t.Fatalf("err = %v, want retryable %v", err, boom)
	}
}

func TestParseChatAddress(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"tg:12345", 12345, false},
		{"TG:-100200", -100200, false},
		{"tg:abc", 0, true},
		{"tg:0", 0, true},
		{"alice@example.com", 0, true},
	}
	for _, tt := range tests {
		got, err := ParseChatAddress(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Fatalf("ParseChatAddress(%q) = %d, %v; want %d, err=%v", tt.in, got, err, tt.want, tt.wantErr)
		}
	}
}

func TestClassifyTelegram(t *testing.T) {
	t.Parallel()
	if err := classifyTelegram(nil); err != nil {
		t.Fatalf("nil -> %v", err)
	}
	if err := classifyTelegram(tele.ErrBlockedByUser); !retry.IsPermanent(err) {
		t.Fatalf("blocked -> %v, want permanent", err)
	}
	if err := classifyTelegram(&tele.Error{Code: 403, Description: "Forbidden"}); !retry.IsPermanent(err) {
		t.Fatalf("403 -> %v, want permanent", err)
	}
	err := classifyTelegram(errors.New("connection reset"))
	if retry.IsPermanent(err) || !retry.IsTransient(err) {
		t.Fatalf("network error -> %v, want transient", err)
	}
}

func TestClassifySMTP(t *testing.T) {
	t.Parallel()
	if err := classifySMTP(&mail.SendError{Reason: mail.ErrSMTPRcptTo}); !retry.IsPermanent(err) {
		t.Fatalf("rcpt rejection -> %v, want permanent", err)
	}
	if err := classifySMTP(errors.New("dial tcp: timeout")); !retry.IsTransient(err) {
		t.Fatalf("dial error -> %v, want transient", err)
	}
}

func TestSMTPMessageRejectsInvalidAddress(t *testing.T) {
	t.Parallel()
	p := &SMTPProvider{cfg: SMTPConfig{From: "courier@example.com", Subject: "New request"}}
	if _, err := p.message("not-an-address", TemplateData{Content: "x"}); !retry.IsPermanent(err) {
		t.Fatalf("err = %v, want permanent", err)
	}
	if _, err := p.message("bob@example.com", TemplateData{Content: "x"}); err != nil {
		t.Fatalf("valid address error: %v", err)
	}
	if _, err := NewSMTP(SMTPConfig{From: "a@example.com"}); err == nil {
		t.Fatal("NewSMTP without host should fail")
	}
}
