package notify

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"subwatch/internal/config"
	"subwatch/internal/snapshot"
	"subwatch/pkg/logx"
)

type recordedDelivery struct {
	target Target
	ev     snapshot.Event
}

// fakeChannel records deliveries and can fail for selected targets.
type fakeChannel struct {
	platform   string
	deliveries []recordedDelivery
	failFor    map[string]error
}

func (c *fakeChannel) Platform() string { return c.platform }

func (c *fakeChannel) Deliver(_ context.Context, target Target, ev snapshot.Event) error {
	if err := c.failFor[target.Name]; err != nil {
		return err
	}
	c.deliveries = append(c.deliveries, recordedDelivery{target: target, ev: ev})
	return nil
}

func testTargets() map[string]config.TargetConfig {
	return map[string]config.TargetConfig{
		"meow": {Platform: "telegram", Params: map[string]any{"id": int64(1234), "thread_id": int64(114)}},
		"woof": {Platform: "telegram", Params: map[string]any{
			"id":            int64(5678),
			"notifications": map[string]any{"new_item": false},
		}},
	}
}

func itemEvent(id string) snapshot.Event {
	return snapshot.Event{
		Subscription: "somebody",
		Kind:         snapshot.EventNewItem,
		Item:         &snapshot.FeedItem{ID: id, Title: "t-" + id, URL: "https://example.com/" + id},
		DetectedAt:   time.Now(),
	}
}

func liveEvent() snapshot.Event {
	return snapshot.Event{
		Subscription: "somebody",
		Kind:         snapshot.EventLiveStarted,
		Live:         &snapshot.LiveStatus{Online: true, Title: "live!", Streamer: "somebody"},
		DetectedAt:   time.Now(),
	}
}

func TestDispatchPreservesEventOrder(t *testing.T) {
	ch := &fakeChannel{platform: "telegram"}
	r := NewRouter(testTargets(), []Channel{ch}, logx.Nop())

	events := []snapshot.Event{itemEvent("1"), itemEvent("2"), itemEvent("3")}
	err := r.Dispatch(context.Background(), []config.NotifyRef{{Target: "meow"}}, events)
	require.NoError(t, err)

	require.Len(t, ch.deliveries, 3)
	for i, d := range ch.deliveries {
		assert.Equal(t, fmt.Sprint(i+1), d.ev.Item.ID)
	}
}

func TestDispatchOverrideMerge(t *testing.T) {
	ch := &fakeChannel{platform: "telegram"}
	r := NewRouter(testTargets(), []Channel{ch}, logx.Nop())

	refs := []config.NotifyRef{{Target: "meow", Overrides: map[string]any{"thread_id": int64(514)}}}
	require.NoError(t, r.Dispatch(context.Background(), refs, []snapshot.Event{itemEvent("1")}))

	require.Len(t, ch.deliveries, 1)
	params := ch.deliveries[0].target.Params
	id, ok := paramInt64(params, "id")
	require.True(t, ok)
	assert.Equal(t, int64(1234), id, "id is inherited from the base target")
	threadID, ok := paramInt64(params, "thread_id")
	require.True(t, ok)
	assert.Equal(t, int64(514), threadID, "thread_id is overridden")

	// The base target in the table is untouched.
	base, _ := paramInt64(testTargets()["meow"].Params, "thread_id")
	assert.Equal(t, int64(114), base)
}

func TestDispatchFailureIsolation(t *testing.T) {
	boom := errors.New("boom")
	ch := &fakeChannel{platform: "telegram", failFor: map[string]error{"meow": boom}}
	r := NewRouter(testTargets(), []Channel{ch}, logx.Nop())

	refs := []config.NotifyRef{{Target: "meow"}, {Target: "woof"}}
	err := r.Dispatch(context.Background(), refs, []snapshot.Event{liveEvent()})

	require.ErrorIs(t, err, boom)
	require.Len(t, ch.deliveries, 1, "the healthy target still receives the event")
	assert.Equal(t, "woof", ch.deliveries[0].target.Name)
}

func TestDispatchFilters(t *testing.T) {
	ch := &fakeChannel{platform: "telegram"}
	r := NewRouter(testTargets(), []Channel{ch}, logx.Nop())

	refs := []config.NotifyRef{{Target: "woof"}}
	events := []snapshot.Event{itemEvent("1"), liveEvent()}
	require.NoError(t, r.Dispatch(context.Background(), refs, events))

	require.Len(t, ch.deliveries, 1, "new_item is filtered out for woof")
	assert.Equal(t, snapshot.EventLiveStarted, ch.deliveries[0].ev.Kind)
}

func TestDispatchUnknownTargetAndChannel(t *testing.T) {
	ch := &fakeChannel{platform: "telegram"}
	targets := testTargets()
	targets["qq-group"] = config.TargetConfig{Platform: "qq", Params: map[string]any{"group_id": int64(9)}}
	r := NewRouter(targets, []Channel{ch}, logx.Nop())

	refs := []config.NotifyRef{{Target: "missing"}, {Target: "qq-group"}, {Target: "meow"}}
	err := r.Dispatch(context.Background(), refs, []snapshot.Event{liveEvent()})

	require.Error(t, err)
	assert.ErrorContains(t, err, `"missing"`)
	assert.ErrorContains(t, err, `no channel for platform "qq"`)
	require.Len(t, ch.deliveries, 1)
}

func TestFiltersDefaults(t *testing.T) {
	f := filtersFrom(map[string]any{})
	assert.True(t, f.LiveStarted)
	assert.True(t, f.NewItem)
	assert.True(t, f.Log)

	f = filtersFrom(map[string]any{"notifications": map[string]any{"log": false, "live_started": false}})
	assert.False(t, f.Log)
	assert.False(t, f.LiveStarted)
	assert.True(t, f.NewItem, "unmentioned flags keep their default")
}
