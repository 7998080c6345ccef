// Package watcher runs the poll loops. One goroutine per subscription fetches
// on its interval, diffs against the stored snapshot, commits, and hands the
// events to the router. Commit happens before dispatch: a failed delivery is
// lost rather than repeated.
package watcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"subwatch/internal/account"
	"subwatch/internal/config"
	"subwatch/internal/notify"
	"subwatch/internal/platform"
	"subwatch/internal/snapshot"
	"subwatch/internal/store"
	"subwatch/pkg/logx"
)

// Subscription is one runnable watch unit. Name doubles as the store key and
// must be unique across the process.
type Subscription struct {
	Name     string
	Interval time.Duration
	Fetcher  platform.Fetcher
	Account  *account.Account
	Policy   snapshot.Policy
	Refs     []config.NotifyRef
}

// ErrorFunc receives fetch and delivery failures, for forwarding to the
// reporter. It must not block.
type ErrorFunc func(sub string, err error)

type Service struct {
	subs    []Subscription
	store   store.Store
	router  *notify.Router
	log     logx.Logger
	onError ErrorFunc

	mu      sync.Mutex
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	running bool
}

func New(subs []Subscription, st store.Store, router *notify.Router, log logx.Logger, onError ErrorFunc) *Service {
	if onError == nil {
		onError = func(string, error) {}
	}
	return &Service{subs: subs, store: st, router: router, log: log, onError: onError}
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("watcher already running")
	}
	if len(s.subs) == 0 {
		return errors.New("no subscriptions to watch")
	}
	rctx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s.cancel = cancel
	s.running = true

	for i := range s.subs {
		sub := &s.subs[i]
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.loop(rctx, sub)
		}()
	}
	s.log.Info("watcher started", logx.Int("subscriptions", len(s.subs)))
	return nil
}

// Stop cancels the loops and waits for in-flight cycles, up to ctx.
func (s *Service) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	cancel := s.cancel
	s.mu.Unlock()

	cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("watcher shutdown: %w", ctx.Err())
	}
}

// loop fires an immediate first cycle, then follows the ticker. A cycle runs
// detached from the tick so a hung fetch cannot stall the cadence; ticks that
// arrive while a cycle is still in flight are skipped.
func (s *Service) loop(ctx context.Context, sub *Subscription) {
	log := s.log.With(logx.String("subscription", sub.Name))
	log.Debug("loop starting", logx.Duration("interval", sub.Interval))

	var busy atomic.Bool
	var cycles sync.WaitGroup
	run := func() {
		if !busy.CompareAndSwap(false, true) {
			log.Warn("cycle still in flight, tick skipped")
			return
		}
		cycles.Add(1)
		go func() {
			defer cycles.Done()
			defer busy.Store(false)
			s.cycle(ctx, sub, log)
		}()
	}

	run()
	ticker := time.NewTicker(sub.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			cycles.Wait()
			return
		case <-ticker.C:
			run()
		}
	}
}

func (s *Service) cycle(ctx context.Context, sub *Subscription, log logx.Logger) {
	log = log.With(logx.String("cycle", uuid.NewString()[:8]))
	start := time.Now()

	snap, err := s.fetch(ctx, sub)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return
		}
		log.Error("fetch failed", logx.Err(err))
		s.onError(sub.Name, fmt.Errorf("fetch: %w", err))
		return
	}

	prev, err := s.store.Get(ctx, sub.Name)
	if err != nil {
		log.Error("load state failed", logx.Err(err))
		s.onError(sub.Name, fmt.Errorf("load state: %w", err))
		return
	}

	next, events, err := snapshot.Diff(sub.Name, prev, snap, sub.Policy, time.Now())
	if err != nil {
		log.Error("diff failed", logx.Err(err))
		s.onError(sub.Name, fmt.Errorf("diff: %w", err))
		return
	}

	// Shutdown between fetch and commit: drop the cycle whole. The next run
	// re-derives the same events.
	if ctx.Err() != nil {
		return
	}
	if err := s.store.Commit(ctx, sub.Name, next); err != nil {
		log.Error("commit failed", logx.Err(err))
		s.onError(sub.Name, fmt.Errorf("commit: %w", err))
		return
	}

	if len(events) > 0 {
		log.Info("changes detected",
			logx.Int("events", len(events)),
			logx.Duration("elapsed", time.Since(start)))
		if err := s.router.Dispatch(ctx, sub.Refs, events); err != nil {
			s.onError(sub.Name, fmt.Errorf("dispatch: %w", err))
		}
	} else {
		log.Trace("no changes", logx.Duration("elapsed", time.Since(start)))
	}
}

func (s *Service) fetch(ctx context.Context, sub *Subscription) (snapshot.Snapshot, error) {
	if sub.Account != nil {
		release, err := sub.Account.Acquire(ctx)
		if err != nil {
			return snapshot.Snapshot{}, err
		}
		defer release()
	}
	return sub.Fetcher.Fetch(ctx)
}
