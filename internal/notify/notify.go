// Package notify delivers per-recipient notifications produced by fan-out.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/time/rate"

	"courier/internal/job"
	"courier/internal/retry"
	"courier/internal/worker"
	logx "courier/pkg/logx"
)

// Standard queue names.
const (
	QueueBulk   = "notify.bulk"
	QueueDirect = "notify.direct"
)

var ErrNoProvider = errors.New("no provider for address")

// Message is the job payload of a notification queue.
type Message struct {
	EventID string `json:"eventId,omitempty"`
	Content string `json:"content"`
	Address string `json:"address"`
}

// TemplateData is what a provider renders for one recipient.
type TemplateData struct {
	EventID string
	Content string
}

// Provider sends one notification. Errors should be classified with the retry
// package; unclassified errors are retried.
type Provider interface {
	Send(ctx context.Context, address string, data TemplateData) error
}

type ProviderFunc func(ctx context.Context, address string, data TemplateData) error

func (f ProviderFunc) Send(ctx context.Context, address string, data TemplateData) error {
	return f(ctx, address, data)
}

// Router picks a provider by address scheme ("tg:123" -> "tg"). Addresses without
// a registered scheme go to the fallback.
type Router struct {
	mu       sync.RWMutex
	schemes  map[string]Provider
	fallback Provider
}

func NewRouter(fallback Provider) *Router {
	return &Router{schemes: map[string]Provider{}, fallback: fallback}
}

func (r *Router) Handle(scheme string, p Provider) {
	r.mu.Lock()
	r.schemes[strings.ToLower(strings.TrimSpace(scheme))] = p
	r.mu.Unlock()
}

func (r *Router) route(address string) Provider {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if scheme, _, ok := strings.Cut(address, ":"); ok {
		if p := r.schemes[strings.ToLower(scheme)]; p != nil {
			return p
		}
	}
	return r.fallback
}

func (r *Router) Send(ctx context.Context, address string, data TemplateData) error {
	p := r.route(address)
	if p == nil {
		return retry.Permanent(fmt.Errorf("%w: %s", ErrNoProvider, address))
	}
	return p.Send(ctx, address, data)
}

// Throttle caps the send rate of p. Callers block until a send is permitted.
func Throttle(p Provider, perSec float64, burst int) Provider {
	if perSec <= 0 {
		return p
	}
	if burst <= 0 {
		burst = 1
	}
	lim := rate.NewLimiter(rate.Limit(perSec), burst)
	return ProviderFunc(func(ctx context.Context, address string, data TemplateData) error {
		if err := lim.Wait(ctx); err != nil {
			return err
		}
		return p.Send(ctx, address, data)
	})
}

// Handler decodes a Message and sends it through p.
func Handler(p Provider, log logx.Logger) worker.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "notify"))
	return func(ctx context.Context, j *job.Job) error {
		var m Message
		if err := json.Unmarshal(j.Payload, &m); err != nil {
			return retry.Permanent(fmt.Errorf("decode message: %w", err))
		}
		m.Address = strings.TrimSpace(m.Address)
		if m.Address == "" {
			return retry.Permanent(errors.New("message has no address"))
		}
		if err := p.Send(ctx, m.Address, TemplateData{EventID: m.EventID, Content: m.Content}); err != nil {
			return err
		}
		log.Debug("notification sent", logx.String("job", j.ID), logx.String("event", m.EventID), logx.String("address", m.Address))
		return nil
	}
}
