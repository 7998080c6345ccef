package snapshot

import (
	"fmt"
	"sort"
	"time"
)

// SeenCap bounds the per-subscription set of already-notified feed item ids.
// Feeds return a window of recent items, so a few hundred markers is enough
// to never re-notify while keeping persisted state small.
const SeenCap = 400

// Policy controls which live transitions become events. New feed items are
// always reported.
type Policy struct {
	// LiveEnded reports the online -> offline transition.
	LiveEnded bool
	// LiveTitle reports a title change while the stream stays online.
	LiveTitle bool
}

// Diff compares the previous committed snapshot with a fresh one and returns
// the snapshot to commit plus the events it implies, oldest first.
//
// A nil prev establishes the baseline: the returned snapshot seeds the seen
// markers from the current items and no events are emitted. The returned
// snapshot always reflects every emitted event, so committing it before
// dispatch guarantees a crash cannot re-emit, and a crash before commit
// leaves the previous snapshot intact for the next cycle to re-derive from.
func Diff(sub string, prev *Snapshot, next Snapshot, pol Policy, now time.Time) (Snapshot, []Event, error) {
	if err := next.Validate(); err != nil {
		return Snapshot{}, nil, fmt.Errorf("subscription %q: %w", sub, err)
	}
	next.FetchedAt = now

	if prev == nil {
		if next.Kind == KindFeed {
			seedBaseline(next.Feed)
		}
		return next, nil, nil
	}
	if err := prev.Validate(); err != nil {
		return Snapshot{}, nil, fmt.Errorf("subscription %q: stored snapshot: %w", sub, err)
	}
	if prev.Kind != next.Kind {
		return Snapshot{}, nil, fmt.Errorf("subscription %q: snapshot kind changed from %q to %q", sub, prev.Kind, next.Kind)
	}

	switch next.Kind {
	case KindLive:
		events := diffLive(sub, prev.Live, next.Live, pol, now)
		return next, events, nil
	default:
		events := diffFeed(sub, prev.Feed, next.Feed, now)
		return next, events, nil
	}
}

func seedBaseline(f *FeedState) {
	sortItems(f.Items)
	f.Seen = f.Seen[:0]
	for _, it := range f.Items {
		f.Seen = append(f.Seen, it.ID)
	}
	capSeen(f)
}

func diffLive(sub string, prev, next *LiveStatus, pol Policy, now time.Time) []Event {
	var events []Event
	switch {
	case !prev.Online && next.Online:
		if next.StartedAt.IsZero() {
			next.StartedAt = now
		}
		events = append(events, Event{Subscription: sub, Kind: EventLiveStarted, Live: next, DetectedAt: now})
	case prev.Online && !next.Online:
		if pol.LiveEnded {
			events = append(events, Event{Subscription: sub, Kind: EventLiveEnded, Live: next, OldTitle: prev.Title, DetectedAt: now})
		}
	case prev.Online && next.Online:
		if pol.LiveTitle && prev.Title != next.Title {
			events = append(events, Event{Subscription: sub, Kind: EventLiveTitle, Live: next, OldTitle: prev.Title, DetectedAt: now})
		}
	}
	return events
}

func diffFeed(sub string, prev, next *FeedState, now time.Time) []Event {
	// Source APIs occasionally glitch and return an empty page without an
	// error. Treat that as "nothing observed" rather than "everything is
	// gone", otherwise the recovery fetch would re-notify the whole feed.
	if len(next.Items) == 0 {
		next.Items = prev.Items
		next.Seen = prev.Seen
		return nil
	}

	sortItems(next.Items)
	seen := prev.seenSet()
	next.Seen = append(next.Seen[:0], prev.Seen...)

	var events []Event
	for i := range next.Items {
		it := &next.Items[i]
		if _, ok := seen[it.ID]; ok {
			continue
		}
		next.Seen = append(next.Seen, it.ID)
		events = append(events, Event{Subscription: sub, Kind: EventNewItem, Item: it, DetectedAt: now})
	}
	capSeen(next)
	return events
}

// sortItems orders items oldest first, keeping the fetch order for items
// without a timestamp or with equal timestamps.
func sortItems(items []FeedItem) {
	sort.SliceStable(items, func(i, j int) bool {
		ti, tj := items[i].PublishedAt, items[j].PublishedAt
		if ti.IsZero() || tj.IsZero() {
			return false
		}
		return ti.Before(tj)
	})
}

func capSeen(f *FeedState) {
	if n := len(f.Seen) - SeenCap; n > 0 {
		f.Seen = append(f.Seen[:0], f.Seen[n:]...)
	}
}
