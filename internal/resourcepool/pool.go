// Package resourcepool rotates uploads across interchangeable storage accounts
// and broadcasts deletes to all of them.
//
// With no complete account the pool runs in ambient mode: every operation
// goes to the process-wide default configuration, when one exists.
package resourcepool

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"courier/internal/eventbus"
	logx "courier/pkg/logx"
)

var (
	ErrNoAccounts       = errors.New("no storage account configured")
	ErrResourceNotFound = errors.New("resource not found")
)

// ConfigurationError means the requested feature has no usable account.
// It disables the feature; it never stops the process.
type ConfigurationError struct {
	Reason string
}

func (e *ConfigurationError) Error() string { return "resource pool: " + e.Reason }
func (e *ConfigurationError) Unwrap() error { return ErrNoAccounts }

type Account struct {
	Name      string `json:"name"`
	CloudName string `json:"cloud_name"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// Complete reports whether every credential is present.
func (a Account) Complete() bool {
	return strings.TrimSpace(a.CloudName) != "" && strings.TrimSpace(a.APIKey) != "" && strings.TrimSpace(a.APISecret) != ""
}

func (a Account) label() string {
	if a.Name != "" {
		return a.Name
	}
	return a.CloudName
}

// Selection is the result of Next. Ambient means "use the default configuration".
type Selection struct {
	Ambient bool
	Index   int
	Account Account
}

type Uploaded struct {
	URL        string `json:"url"`
	ResourceID string `json:"resource_id"`
}

type DeleteOptions struct {
	// ResourceType is the provider's resource kind, e.g. "image" or "raw". Default "image".
	ResourceType string
}

// Provider is the storage API of one account.
type Provider interface {
	Upload(ctx context.Context, r io.Reader, folder string) (Uploaded, error)
	Delete(ctx context.Context, resourceID string, opts DeleteOptions) error
}

// ProviderFactory builds the provider of one configured account.
type ProviderFactory func(a Account) (Provider, error)

// AmbientFactory builds the default provider. It returns a *ConfigurationError
// when no default configuration exists.
type AmbientFactory func() (Provider, Account, error)

// Result is the outcome of one account's delete. Err is nil on success.
type Result struct {
	Account string
	Err     error
}

// Summary aggregates a broadcast delete. It is informational: a broadcast is
// complete once every account was attempted.
type Summary struct {
	ResourceID string
	Ambient    bool
	Results    []Result
}

func (s Summary) Deleted() int {
	n := 0
	for _, r := range s.Results {
		if r.Err == nil {
			n++
		}
	}
	return n
}

// Failed counts results other than success or not-found.
func (s Summary) Failed() int {
	n := 0
	for _, r := range s.Results {
		if r.Err != nil && !errors.Is(r.Err, ErrResourceNotFound) {
			n++
		}
	}
	return n
}

type Pool struct {
	log        logx.Logger
	bus        eventbus.Bus
	newProv    ProviderFactory
	newAmbient AmbientFactory

	mu        sync.RWMutex
	accounts  []Account
	providers []Provider

	cursor atomic.Uint64
	// active is the index of the current account context, -1 for ambient.
	active atomic.Int64

	ambientOnce sync.Once
	ambient     Provider
	ambientAcc  Account
	ambientErr  error
}

type Option func(*Pool)

func WithBus(b eventbus.Bus) Option { return func(p *Pool) { p.bus = b } }

// WithAmbient sets how the default configuration is built. Without it ambient
// mode has no provider and operations return a ConfigurationError.
func WithAmbient(f AmbientFactory) Option { return func(p *Pool) { p.newAmbient = f } }

func New(newProvider ProviderFactory, log logx.Logger, opts ...Option) *Pool {
	if log.IsZero() {
		log = logx.Nop()
	}
	p := &Pool{
		log:     log.With(logx.String("comp", "resourcepool")),
		bus:     eventbus.Nop(),
		newProv: newProvider,
	}
	for _, o := range opts {
		o(p)
	}
	p.active.Store(-1)
	return p
}

// Configure replaces the account set. Incomplete accounts, and accounts whose
// provider cannot be built, are skipped. The cursor restarts at 0.
func (p *Pool) Configure(raw []Account) {
	accounts := make([]Account, 0, len(raw))
	providers := make([]Provider, 0, len(raw))
	for i, a := range raw {
		if !a.Complete() {
			p.log.Warn("storage account skipped: incomplete credentials", logx.Int("index", i), logx.String("account", a.label()))
			continue
		}
		if p.newProv == nil {
			p.log.Warn("storage account skipped: no provider factory", logx.String("account", a.label()))
			continue
		}
		prov, err := p.newProv(a)
		if err != nil {
			p.log.Warn("storage account skipped", logx.String("account", a.label()), logx.Err(err))
			continue
		}
		accounts = append(accounts, a)
		providers = append(providers, prov)
	}

	p.mu.Lock()
	p.accounts = accounts
	p.providers = providers
	p.mu.Unlock()
	p.cursor.Store(0)
	p.active.Store(-1)

	if len(accounts) == 0 {
		p.log.Warn("no complete storage account; using ambient configuration", logx.Int("configured", len(raw)))
		return
	}
	p.log.Info("storage account rotation enabled", logx.Int("accounts", len(accounts)), logx.Int("skipped", len(raw)-len(accounts)))
}

func (p *Pool) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.accounts)
}

func (p *Pool) Accounts() []Account {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]Account(nil), p.accounts...)
}

// Next returns the account at the cursor and advances it. The chosen account
// becomes the active context.
func (p *Pool) Next() Selection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	n := len(p.accounts)
	if n == 0 {
		return Selection{Ambient: true, Index: -1}
	}
	i := int((p.cursor.Add(1) - 1) % uint64(n))
	p.active.Store(int64(i))
	return Selection{Index: i, Account: p.accounts[i]}
}

// Active returns the current account context without advancing the cursor.
func (p *Pool) Active() Selection {
	p.mu.RLock()
	defer p.mu.RUnlock()
	i := int(p.active.Load())
	if i < 0 || i >= len(p.accounts) {
		return Selection{Ambient: true, Index: -1}
	}
	return Selection{Index: i, Account: p.accounts[i]}
}

func (p *Pool) ambientProvider() (Provider, Account, error) {
	p.ambientOnce.Do(func() {
		if p.newAmbient == nil {
			p.ambientErr = &ConfigurationError{Reason: "no accounts and no ambient configuration"}
			return
		}
		p.ambient, p.ambientAcc, p.ambientErr = p.newAmbient()
		if p.ambientErr != nil {
			var ce *ConfigurationError
			if !errors.As(p.ambientErr, &ce) {
				p.ambientErr = &ConfigurationError{Reason: p.ambientErr.Error()}
			}
			p.log.Warn("ambient storage configuration unavailable; uploads disabled", logx.Err(p.ambientErr))
		}
	})
	return p.ambient, p.ambientAcc, p.ambientErr
}

func (p *Pool) provider(sel Selection) (Provider, Account, error) {
	if sel.Ambient {
		return p.ambientProvider()
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if sel.Index >= len(p.providers) {
		return nil, Account{}, &ConfigurationError{Reason: "account set changed during selection"}
	}
	return p.providers[sel.Index], sel.Account, nil
}

// Upload stores r under folder on the next account in rotation.
func (p *Pool) Upload(ctx context.Context, r io.Reader, folder string) (Uploaded, error) {
	sel := p.Next()
	prov, acc, err := p.provider(sel)
	if err != nil {
		return Uploaded{}, err
	}
	up, err := prov.Upload(ctx, r, folder)
	if err != nil {
		return Uploaded{}, fmt.Errorf("upload via %s: %w", acc.label(), err)
	}
	p.log.Debug("resource uploaded", logx.String("account", acc.label()), logx.String("resource", up.ResourceID))
	return up, nil
}

// DeleteEverywhere deletes resourceID from every account, sequentially. Failures
// are recorded per account and never returned. The active account is restored
// afterwards.
func (p *Pool) DeleteEverywhere(ctx context.Context, resourceID string, opts DeleteOptions) Summary {
	if opts.ResourceType == "" {
		opts.ResourceType = "image"
	}
	sum := Summary{ResourceID: resourceID}
	prev := p.active.Load()
	defer p.active.Store(prev)

	p.mu.RLock()
	accounts := append([]Account(nil), p.accounts...)
	providers := append([]Provider(nil), p.providers...)
	p.mu.RUnlock()

	if len(accounts) == 0 {
		sum.Ambient = true
		res := Result{Account: "ambient"}
		prov, acc, err := p.ambientProvider()
		if err == nil {
			if acc.label() != "" {
				res.Account = acc.label()
			}
			err = safeDelete(ctx, prov, resourceID, opts)
		}
		res.Err = err
		p.logDelete(resourceID, res)
		sum.Results = append(sum.Results, res)
		p.publishDelete(sum)
		return sum
	}

	for i, a := range accounts {
		p.active.Store(int64(i))
		res := Result{Account: a.label(), Err: safeDelete(ctx, providers[i], resourceID, opts)}
		p.logDelete(resourceID, res)
		sum.Results = append(sum.Results, res)
	}
	p.log.Info("broadcast delete finished",
		logx.String("resource", resourceID),
		logx.Int("accounts", len(accounts)),
		logx.Int("deleted", sum.Deleted()),
		logx.Int("failed", sum.Failed()),
	)
	p.publishDelete(sum)
	return sum
}

// safeDelete turns a panicking provider into a failed result so the remaining
// accounts are still tried.
func safeDelete(ctx context.Context, prov Provider, resourceID string, opts DeleteOptions) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return prov.Delete(ctx, resourceID, opts)
}

func (p *Pool) logDelete(resourceID string, r Result) {
	switch {
	case r.Err == nil:
		p.log.Debug("resource deleted", logx.String("account", r.Account), logx.String("resource", resourceID))
	case errors.Is(r.Err, ErrResourceNotFound):
		p.log.Debug("resource not on account", logx.String("account", r.Account), logx.String("resource", resourceID))
	default:
		p.log.Warn("resource delete failed", logx.String("account", r.Account), logx.String("resource", resourceID), logx.Err(r.Err))
	}
}

func (p *Pool) publishDelete(s Summary) {
	p.bus.Publish(eventbus.Event{Type: eventbus.ResourceDeleted, Time: time.Now(), Data: s})
}
