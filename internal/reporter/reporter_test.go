package reporter

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"subwatch/internal/config"
	"subwatch/internal/notify"
	"subwatch/internal/snapshot"
	"subwatch/internal/store"
	"subwatch/pkg/logx"
)

type sink struct {
	mu     sync.Mutex
	events []snapshot.Event
}

func (s *sink) Platform() string { return "telegram" }

func (s *sink) Deliver(_ context.Context, _ notify.Target, ev snapshot.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

func (s *sink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

// waitCount polls for the expected number of async deliveries, then settles
// briefly to catch extras.
func waitCount(t *testing.T, s *sink, want int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for s.count() < want {
		if time.Now().After(deadline) {
			t.Fatalf("got %d deliveries, want %d", s.count(), want)
		}
		time.Sleep(2 * time.Millisecond)
	}
	time.Sleep(20 * time.Millisecond)
	if got := s.count(); got != want {
		t.Fatalf("got %d deliveries, want %d", got, want)
	}
}

func newReporter(t *testing.T, cfg *config.ReporterConfig) (*Reporter, *sink) {
	t.Helper()
	ch := &sink{}
	targets := map[string]config.TargetConfig{
		"ops": {Platform: "telegram", Params: map[string]any{"id": int64(1)}},
	}
	router := notify.NewRouter(targets, []notify.Channel{ch}, logx.Nop())

	st, err := store.Open(store.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	r := New(cfg, router, st, logx.Nop())
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Stop(ctx)
	})
	return r, ch
}

func TestReportForwardsAsLogEvent(t *testing.T) {
	r, ch := newReporter(t, &config.ReporterConfig{
		Notify: []config.NotifyRef{{Target: "ops"}},
	})

	r.Report("somebody/twitter", errors.New("api is down"))

	waitCount(t, ch, 1)
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ev := ch.events[0]
	if ev.Kind != snapshot.EventLog {
		t.Errorf("kind = %v", ev.Kind)
	}
	if ev.Subscription != "somebody/twitter" {
		t.Errorf("subscription = %q", ev.Subscription)
	}
}

func TestReportCooldownPerSubscription(t *testing.T) {
	r, ch := newReporter(t, &config.ReporterConfig{
		Notify: []config.NotifyRef{{Target: "ops"}},
	})

	err := errors.New("still down")
	r.Report("a", err)
	r.Report("a", err)
	r.Report("a", err)
	r.Report("b", err)

	// One per subscription within the cooldown window.
	waitCount(t, ch, 2)
}

func TestReportWithoutConfigIsNoop(t *testing.T) {
	r, ch := newReporter(t, nil)
	r.Report("a", errors.New("x"))
	time.Sleep(20 * time.Millisecond)
	if ch.count() != 0 {
		t.Fatalf("nil config must not forward, got %d", ch.count())
	}
}

// slowChannel holds every delivery until released or the context ends.
type slowChannel struct {
	release chan struct{}
}

func (c *slowChannel) Platform() string { return "telegram" }

func (c *slowChannel) Deliver(ctx context.Context, _ notify.Target, _ snapshot.Event) error {
	select {
	case <-c.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func TestReportDoesNotBlockCaller(t *testing.T) {
	slow := &slowChannel{release: make(chan struct{})}
	targets := map[string]config.TargetConfig{
		"ops": {Platform: "telegram", Params: map[string]any{"id": int64(1)}},
	}
	router := notify.NewRouter(targets, []notify.Channel{slow}, logx.Nop())

	st, err := store.Open(store.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	r := New(&config.ReporterConfig{Notify: []config.NotifyRef{{Target: "ops"}}}, router, st, logx.Nop())
	if err := r.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := make(chan struct{})
	go func() {
		r.Report("a", errors.New("x"))
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Report blocked on a stalled delivery")
	}

	close(slow.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.Stop(ctx); err != nil {
		t.Fatal(err)
	}
}
