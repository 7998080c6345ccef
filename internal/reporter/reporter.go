// Package reporter is the operational side channel: it forwards watcher
// failures to configured chat targets, pings a heartbeat URL, and compacts
// the store on a daily schedule.
package reporter

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"subwatch/internal/config"
	"subwatch/internal/notify"
	"subwatch/internal/snapshot"
	"subwatch/internal/store"
	"subwatch/pkg/logx"
)

// errorCooldown limits how often one subscription's failures are forwarded
// to chat. Errors are always logged regardless.
const errorCooldown = 30 * time.Minute

type Reporter struct {
	cfg    *config.ReporterConfig
	router *notify.Router
	st     store.Store
	client *http.Client
	log    logx.Logger

	c *cron.Cron

	mu       sync.Mutex
	lastSent map[string]time.Time

	reports sync.WaitGroup

	runCtx context.Context
	cancel context.CancelFunc
}

// New builds a reporter. cfg may be nil: Report still deduplicates and logs,
// it just has nowhere to forward.
func New(cfg *config.ReporterConfig, router *notify.Router, st store.Store, log logx.Logger) *Reporter {
	return &Reporter{
		cfg:      cfg,
		router:   router,
		st:       st,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log,
		lastSent: map[string]time.Time{},
	}
}

func (r *Reporter) Start(ctx context.Context) error {
	r.runCtx, r.cancel = context.WithCancel(context.WithoutCancel(ctx))
	r.c = cron.New()

	if _, err := r.c.AddFunc("@midnight", r.compact); err != nil {
		return fmt.Errorf("schedule compaction: %w", err)
	}
	if r.cfg != nil && r.cfg.Heartbeat != nil {
		hb := r.cfg.Heartbeat
		spec := fmt.Sprintf("@every %s", hb.ParsedInterval())
		if _, err := r.c.AddFunc(spec, r.heartbeat); err != nil {
			return fmt.Errorf("schedule heartbeat: %w", err)
		}
		r.log.Info("heartbeat enabled",
			logx.String("url", hb.URL),
			logx.Duration("interval", hb.ParsedInterval()))
	}

	r.c.Start()
	return nil
}

func (r *Reporter) Stop(ctx context.Context) error {
	if r.c == nil {
		return nil
	}
	r.cancel()

	done := make(chan struct{})
	go func() {
		r.reports.Wait()
		<-r.c.Stop().Done()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("reporter shutdown: %w", ctx.Err())
	}
}

// Report forwards a failure to the reporter's notify targets, rate limited
// per subscription. Safe for concurrent use and never blocks the caller:
// delivery runs in its own goroutine, awaited by Stop.
func (r *Reporter) Report(sub string, err error) {
	if r.cfg == nil || len(r.cfg.Notify) == 0 {
		return
	}

	r.mu.Lock()
	last, ok := r.lastSent[sub]
	now := time.Now()
	if ok && now.Sub(last) < errorCooldown {
		r.mu.Unlock()
		return
	}
	r.lastSent[sub] = now
	r.mu.Unlock()

	ev := snapshot.Event{
		Subscription: sub,
		Kind:         snapshot.EventLog,
		Message:      fmt.Sprintf("[%s] %v", sub, err),
		DetectedAt:   now,
	}
	r.reports.Add(1)
	go func() {
		defer r.reports.Done()
		if err := r.router.Dispatch(r.runCtx, r.cfg.Notify, []snapshot.Event{ev}); err != nil {
			r.log.Error("error report delivery failed", logx.Err(err))
		}
	}()
}

func (r *Reporter) heartbeat() {
	hb := r.cfg.Heartbeat
	ctx, cancel := context.WithTimeout(r.runCtx, 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, hb.URL, http.NoBody)
	if err != nil {
		r.log.Error("heartbeat request", logx.Err(err))
		return
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.log.Warn("heartbeat failed", logx.Err(err))
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		r.log.Warn("heartbeat rejected", logx.Int("status", resp.StatusCode))
		return
	}
	r.log.Trace("heartbeat sent")
}

func (r *Reporter) compact() {
	comp, ok := r.st.(store.Compactor)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(r.runCtx, 5*time.Minute)
	defer cancel()
	start := time.Now()
	if err := comp.Compact(ctx); err != nil {
		r.log.Error("store compaction failed", logx.Err(err))
		return
	}
	r.log.Info("store compacted", logx.Duration("elapsed", time.Since(start)))
}
