package watcher

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"subwatch/internal/account"
	"subwatch/internal/config"
	"subwatch/internal/notify"
	"subwatch/internal/snapshot"
	"subwatch/internal/store"
	"subwatch/pkg/logx"
)

// scriptFetcher replays a fixed sequence of snapshots, repeating the last one.
type scriptFetcher struct {
	mu    sync.Mutex
	snaps []snapshot.Snapshot
	calls int
	delay time.Duration
	err   error
}

func (f *scriptFetcher) Platform() string { return "test" }

func (f *scriptFetcher) Fetch(ctx context.Context) (snapshot.Snapshot, error) {
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return snapshot.Snapshot{}, ctx.Err()
		}
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return snapshot.Snapshot{}, f.err
	}
	i := f.calls
	if i >= len(f.snaps) {
		i = len(f.snaps) - 1
	}
	f.calls++
	return f.snaps[i], nil
}

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

func (s *sink) kinds() []snapshot.EventKind {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]snapshot.EventKind, len(s.events))
	for i, ev := range s.events {
		out[i] = ev.Kind
	}
	return out
}

func newHarness(t *testing.T) (store.Store, *sink, *notify.Router) {
	t.Helper()
	st, err := store.Open(store.Config{Driver: "memory"}, logx.Nop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { st.Close() })

	ch := &sink{}
	targets := map[string]config.TargetConfig{
		"chat": {Platform: "telegram", Params: map[string]any{"id": int64(1)}},
	}
	return st, ch, notify.NewRouter(targets, []notify.Channel{ch}, logx.Nop())
}

func live(online bool, title string) snapshot.Snapshot {
	return snapshot.Snapshot{
		Kind:      snapshot.KindLive,
		Live:      &snapshot.LiveStatus{Online: online, Title: title, Streamer: "s"},
		FetchedAt: time.Now(),
	}
}

func feed(ids ...string) snapshot.Snapshot {
	items := make([]snapshot.FeedItem, len(ids))
	for i, id := range ids {
		items[i] = snapshot.FeedItem{ID: id}
	}
	return snapshot.Snapshot{
		Kind:      snapshot.KindFeed,
		Feed:      &snapshot.FeedState{Items: items},
		FetchedAt: time.Now(),
	}
}

func refs() []config.NotifyRef { return []config.NotifyRef{{Target: "chat"}} }

func TestLiveSequenceEndToEnd(t *testing.T) {
	st, ch, router := newHarness(t)
	f := &scriptFetcher{snaps: []snapshot.Snapshot{
		live(false, "t"), live(false, "t"), live(true, "t"), live(true, "t"), live(false, "t"),
	}}
	sub := Subscription{Name: "s/live", Interval: time.Hour, Fetcher: f, Refs: refs()}
	svc := New([]Subscription{sub}, st, router, logx.Nop(), nil)

	ctx := context.Background()
	for range f.snaps {
		svc.cycle(ctx, &sub, logx.Nop())
	}

	kinds := ch.kinds()
	if len(kinds) != 1 || kinds[0] != snapshot.EventLiveStarted {
		t.Fatalf("kinds = %v, want exactly one live_started", kinds)
	}
}

func TestFirstFeedFetchIsSilentThenIncremental(t *testing.T) {
	st, ch, router := newHarness(t)
	f := &scriptFetcher{snaps: []snapshot.Snapshot{feed("1", "2"), feed("2", "3")}}
	sub := Subscription{Name: "s/feed", Interval: time.Hour, Fetcher: f, Refs: refs()}
	svc := New([]Subscription{sub}, st, router, logx.Nop(), nil)

	ctx := context.Background()
	svc.cycle(ctx, &sub, logx.Nop())
	if n := len(ch.kinds()); n != 0 {
		t.Fatalf("first fetch produced %d events, want 0", n)
	}

	svc.cycle(ctx, &sub, logx.Nop())
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.events) != 1 || ch.events[0].Item.ID != "3" {
		t.Fatalf("events = %+v, want one new_item for id 3", ch.events)
	}
}

func TestCommitHappensBeforeDispatch(t *testing.T) {
	st, _, _ := newHarness(t)
	boom := errors.New("chat is down")
	failing := &failingChannel{err: boom}
	targets := map[string]config.TargetConfig{
		"chat": {Platform: "telegram", Params: map[string]any{"id": int64(1)}},
	}
	router := notify.NewRouter(targets, []notify.Channel{failing}, logx.Nop())

	var reported []error
	f := &scriptFetcher{snaps: []snapshot.Snapshot{feed("1"), feed("1", "2"), feed("1", "2")}}
	sub := Subscription{Name: "s/feed", Interval: time.Hour, Fetcher: f, Refs: refs()}
	svc := New([]Subscription{sub}, st, router, logx.Nop(), func(_ string, err error) {
		reported = append(reported, err)
	})

	ctx := context.Background()
	svc.cycle(ctx, &sub, logx.Nop()) // baseline
	svc.cycle(ctx, &sub, logx.Nop()) // item 2 detected, delivery fails
	if len(reported) != 1 || !errors.Is(reported[0], boom) {
		t.Fatalf("reported = %v", reported)
	}

	// The failed delivery was committed anyway: the next cycle stays silent.
	failing.err = nil
	svc.cycle(ctx, &sub, logx.Nop())
	if failing.delivered != 0 {
		t.Fatalf("item 2 was re-dispatched after a failed delivery")
	}
}

type failingChannel struct {
	err       error
	delivered int
}

func (c *failingChannel) Platform() string { return "telegram" }

func (c *failingChannel) Deliver(context.Context, notify.Target, snapshot.Event) error {
	if c.err != nil {
		return c.err
	}
	c.delivered++
	return nil
}

func TestFetchFailureIsReportedAndIsolated(t *testing.T) {
	st, ch, router := newHarness(t)
	var mu sync.Mutex
	var failedSubs []string

	good := &scriptFetcher{snaps: []snapshot.Snapshot{feed("1"), feed("1", "2")}}
	bad := &scriptFetcher{err: errors.New("api is down")}
	subs := []Subscription{
		{Name: "s/good", Interval: time.Hour, Fetcher: good, Refs: refs()},
		{Name: "s/bad", Interval: time.Hour, Fetcher: bad, Refs: refs()},
	}
	svc := New(subs, st, router, logx.Nop(), func(sub string, _ error) {
		mu.Lock()
		failedSubs = append(failedSubs, sub)
		mu.Unlock()
	})

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		svc.cycle(ctx, &svc.subs[0], logx.Nop())
		svc.cycle(ctx, &svc.subs[1], logx.Nop())
	}

	if len(ch.kinds()) != 1 {
		t.Fatalf("healthy subscription should have delivered one event, got %v", ch.kinds())
	}
	mu.Lock()
	defer mu.Unlock()
	if len(failedSubs) != 2 || failedSubs[0] != "s/bad" || failedSubs[1] != "s/bad" {
		t.Fatalf("failedSubs = %v", failedSubs)
	}
}

func TestStartTicksAndStops(t *testing.T) {
	st, ch, router := newHarness(t)
	f := &scriptFetcher{snaps: []snapshot.Snapshot{feed("1"), feed("1", "2"), feed("1", "2", "3"), feed("1", "2", "3")}}
	sub := Subscription{Name: "s/feed", Interval: 20 * time.Millisecond, Fetcher: f, Refs: refs()}
	svc := New([]Subscription{sub}, st, router, logx.Nop(), nil)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for {
		if len(ch.kinds()) >= 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for deliveries, got %v", ch.kinds())
		}
		time.Sleep(5 * time.Millisecond)
	}

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
}

func TestOverlappingTicksAreSkipped(t *testing.T) {
	st, _, router := newHarness(t)
	var inFlight, maxInFlight atomic.Int32
	f := &countingFetcher{inFlight: &inFlight, maxInFlight: &maxInFlight, delay: 60 * time.Millisecond}
	sub := Subscription{Name: "s/slow", Interval: 10 * time.Millisecond, Fetcher: f, Refs: refs()}
	svc := New([]Subscription{sub}, st, router, logx.Nop(), nil)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(200 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("max in-flight cycles = %d, want 1", got)
	}
}

func TestSharedAccountSerializesFetches(t *testing.T) {
	st, _, router := newHarness(t)
	acct := account.New("shared", "test", "", 0)

	// Both subscriptions poll fast with a slow fetch. Their own overlapping
	// ticks are skipped, so any concurrency observed by the counters can only
	// come from the two loops fetching against the same account at once.
	var inFlight, maxInFlight atomic.Int32
	subs := []Subscription{
		{
			Name: "a/slow", Interval: 10 * time.Millisecond, Account: acct, Refs: refs(),
			Fetcher: &countingFetcher{inFlight: &inFlight, maxInFlight: &maxInFlight, delay: 30 * time.Millisecond},
		},
		{
			Name: "b/slow", Interval: 10 * time.Millisecond, Account: acct, Refs: refs(),
			Fetcher: &countingFetcher{inFlight: &inFlight, maxInFlight: &maxInFlight, delay: 30 * time.Millisecond},
		},
	}
	svc := New(subs, st, router, logx.Nop(), nil)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	time.Sleep(250 * time.Millisecond)

	stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Stop(stopCtx); err != nil {
		t.Fatal(err)
	}
	if got := maxInFlight.Load(); got != 1 {
		t.Fatalf("max concurrent fetches on the shared account = %d, want 1", got)
	}
}

type countingFetcher struct {
	inFlight    *atomic.Int32
	maxInFlight *atomic.Int32
	delay       time.Duration
}

func (f *countingFetcher) Platform() string { return "test" }

func (f *countingFetcher) Fetch(ctx context.Context) (snapshot.Snapshot, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		old := f.maxInFlight.Load()
		if n <= old || f.maxInFlight.CompareAndSwap(old, n) {
			break
		}
	}
	select {
	case <-time.After(f.delay):
	case <-ctx.Done():
		return snapshot.Snapshot{}, ctx.Err()
	}
	return feed("1"), nil
}
