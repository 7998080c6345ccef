// Package snapshot holds the observed state of a watched source and derives
// change events between consecutive observations.
package snapshot

import (
	"fmt"
	"time"
)

type Kind string

const (
	KindLive Kind = "live"
	KindFeed Kind = "feed"
)

// Snapshot is a point-in-time observation of one source. Exactly one of Live
// or Feed is set, matching Kind. Snapshots are treated as immutable once
// committed to the store.
type Snapshot struct {
	Kind      Kind        `json:"kind"`
	Live      *LiveStatus `json:"live,omitempty"`
	Feed      *FeedState  `json:"feed,omitempty"`
	FetchedAt time.Time   `json:"fetched_at"`
}

type LiveStatus struct {
	Online    bool      `json:"online"`
	Title     string    `json:"title"`
	Streamer  string    `json:"streamer,omitempty"`
	CoverURL  string    `json:"cover_url,omitempty"`
	LiveURL   string    `json:"live_url,omitempty"`
	StartedAt time.Time `json:"started_at,omitzero"`
}

type FeedItem struct {
	ID          string    `json:"id"`
	Title       string    `json:"title,omitempty"`
	Text        string    `json:"text,omitempty"`
	URL         string    `json:"url,omitempty"`
	Author      string    `json:"author,omitempty"`
	PublishedAt time.Time `json:"published_at,omitzero"`
}

// FeedState carries the items of the most recent fetch plus the bounded set
// of identifiers that have already been handed to the router. Seen is ordered
// oldest first so eviction under SeenCap drops the oldest markers.
type FeedState struct {
	Items []FeedItem `json:"items,omitempty"`
	Seen  []string   `json:"seen"`
}

func (f *FeedState) seenSet() map[string]struct{} {
	m := make(map[string]struct{}, len(f.Seen))
	for _, id := range f.Seen {
		m[id] = struct{}{}
	}
	return m
}

type EventKind string

const (
	EventLiveStarted EventKind = "live_started"
	EventLiveEnded   EventKind = "live_ended"
	EventLiveTitle   EventKind = "live_title"
	EventNewItem     EventKind = "new_item"

	// EventLog is not produced by diffing; the reporter uses it to push
	// operational messages through the same routing pipeline.
	EventLog EventKind = "log"
)

// Event is a detected transition between two snapshots. Events are ephemeral:
// produced and consumed within a single poll cycle.
type Event struct {
	Subscription string
	Kind         EventKind
	Live         *LiveStatus
	OldTitle     string
	Item         *FeedItem
	Message      string
	DetectedAt   time.Time
}

func (e Event) String() string {
	switch e.Kind {
	case EventLiveStarted, EventLiveEnded, EventLiveTitle:
		return fmt.Sprintf("%s/%s %q", e.Subscription, e.Kind, e.Live.Title)
	case EventNewItem:
		return fmt.Sprintf("%s/%s %s", e.Subscription, e.Kind, e.Item.ID)
	default:
		return fmt.Sprintf("%s/%s", e.Subscription, e.Kind)
	}
}

// Validate checks that the snapshot payload matches its declared kind.
func (s *Snapshot) Validate() error {
	switch s.Kind {
	case KindLive:
		if s.Live == nil || s.Feed != nil {
			return fmt.Errorf("malformed live snapshot")
		}
	case KindFeed:
		if s.Feed == nil || s.Live != nil {
			return fmt.Errorf("malformed feed snapshot")
		}
	default:
		return fmt.Errorf("unknown snapshot kind %q", s.Kind)
	}
	return nil
}
