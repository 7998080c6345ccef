// Package account models shared platform credentials. Several subscriptions
// may reference the same account; the account hands out at most one fetch
// permit at a time so concurrent cycles cannot corrupt a session or trip
// platform rate limits.
package account

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
)

// Account is a named credential bundle. Immutable after construction except
// for the permit channel.
type Account struct {
	name     string
	platform string
	cookies  string

	permit  chan struct{}
	limiter *rate.Limiter
}

// New creates an account. minInterval spaces out consecutive fetches against
// the same credentials; zero disables the pacing and leaves only mutual
// exclusion.
func New(name, platform, cookies string, minInterval time.Duration) *Account {
	limit := rate.Inf
	if minInterval > 0 {
		limit = rate.Every(minInterval)
	}
	a := &Account{
		name:     name,
		platform: platform,
		cookies:  cookies,
		permit:   make(chan struct{}, 1),
		limiter:  rate.NewLimiter(limit, 1),
	}
	a.permit <- struct{}{}
	return a
}

func (a *Account) Name() string     { return a.name }
func (a *Account) Platform() string { return a.platform }
func (a *Account) Cookies() string  { return a.cookies }

// Acquire takes the account's single fetch permit, waiting for the pacing
// limiter once the permit is held. The returned release func must be called
// exactly once.
func (a *Account) Acquire(ctx context.Context) (release func(), err error) {
	select {
	case <-a.permit:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := a.limiter.Wait(ctx); err != nil {
		a.permit <- struct{}{}
		return nil, err
	}
	return func() { a.permit <- struct{}{} }, nil
}

// Registry resolves account references from the configuration. Built once at
// load time, read-only afterwards.
type Registry struct {
	accounts map[string]*Account
}

func NewRegistry() *Registry {
	return &Registry{accounts: map[string]*Account{}}
}

func (r *Registry) Add(a *Account) error {
	if _, ok := r.accounts[a.name]; ok {
		return fmt.Errorf("duplicate account %q", a.name)
	}
	r.accounts[a.name] = a
	return nil
}

// Get resolves by name; the platform kind must match the referencing
// subscription's platform family.
func (r *Registry) Get(name, platform string) (*Account, error) {
	a, ok := r.accounts[name]
	if !ok {
		return nil, fmt.Errorf("account %q not found", name)
	}
	if platform != "" && a.platform != platform {
		return nil, fmt.Errorf("account %q is a %s account, %s required", name, a.platform, platform)
	}
	return a, nil
}
