// Package notify routes detected events to chat channels. Targets come from
// the configuration's notify table; a Channel implements one chat platform.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"subwatch/internal/snapshot"
)

// Target is a resolved notification destination: a named entry from the
// notify table, possibly with reference overrides already merged in.
type Target struct {
	Name     string
	Platform string
	Params   map[string]any
}

// Channel delivers events to one chat platform.
type Channel interface {
	Platform() string
	Deliver(ctx context.Context, target Target, ev snapshot.Event) error
}

// Filters are the per-target notification switches. A disabled kind is
// silently skipped for that target only.
type Filters struct {
	LiveStarted bool
	LiveEnded   bool
	LiveTitle   bool
	NewItem     bool
	Log         bool
}

func defaultFilters() Filters {
	return Filters{LiveStarted: true, LiveEnded: true, LiveTitle: true, NewItem: true, Log: true}
}

// filtersFrom reads the "notifications" parameter. Validation already
// guaranteed the shape, so unknown values are simply ignored here.
func filtersFrom(params map[string]any) Filters {
	f := defaultFilters()
	m, ok := params["notifications"].(map[string]any)
	if !ok {
		return f
	}
	read := func(key string, dst *bool) {
		if v, ok := m[key].(bool); ok {
			*dst = v
		}
	}
	read("live_started", &f.LiveStarted)
	read("live_ended", &f.LiveEnded)
	read("live_title", &f.LiveTitle)
	read("new_item", &f.NewItem)
	read("log", &f.Log)
	return f
}

func (f Filters) allows(kind snapshot.EventKind) bool {
	switch kind {
	case snapshot.EventLiveStarted:
		return f.LiveStarted
	case snapshot.EventLiveEnded:
		return f.LiveEnded
	case snapshot.EventLiveTitle:
		return f.LiveTitle
	case snapshot.EventNewItem:
		return f.NewItem
	case snapshot.EventLog:
		return f.Log
	default:
		return false
	}
}

// paramString reads a string parameter, resolving numbers to their decimal
// form so "id: 123" and "id: \"123\"" behave the same.
func paramString(params map[string]any, key string) (string, bool) {
	switch v := params[key].(type) {
	case string:
		return v, v != ""
	case json.Number:
		return v.String(), true
	case float64:
		return fmt.Sprintf("%.0f", v), true
	default:
		return "", false
	}
}

func paramInt64(params map[string]any, key string) (int64, bool) {
	switch v := params[key].(type) {
	case json.Number:
		i, err := v.Int64()
		return i, err == nil
	case float64:
		return int64(v), true
	case int:
		return int64(v), true
	case int64:
		return v, true
	default:
		return 0, false
	}
}
