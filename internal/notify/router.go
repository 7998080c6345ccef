package notify

import (
	"context"
	"errors"
	"fmt"

	"subwatch/internal/config"
	"subwatch/internal/snapshot"
	"subwatch/pkg/logx"
)

// Router fans events out to the targets a subscription references. Delivery
// failures are isolated per target and per event; the joined error is
// returned so callers can report it, but one broken target never blocks the
// others.
type Router struct {
	targets  map[string]config.TargetConfig
	channels map[string]Channel
	log      logx.Logger
}

func NewRouter(targets map[string]config.TargetConfig, channels []Channel, log logx.Logger) *Router {
	byPlatform := make(map[string]Channel, len(channels))
	for _, ch := range channels {
		byPlatform[ch.Platform()] = ch
	}
	return &Router{targets: targets, channels: byPlatform, log: log}
}

// Resolve materializes a reference into a Target with overrides merged.
func (r *Router) Resolve(ref config.NotifyRef) (Target, error) {
	tc, ok := r.targets[ref.Target]
	if !ok {
		return Target{}, fmt.Errorf("notify target %q not found", ref.Target)
	}
	params := tc.Params
	if len(ref.Overrides) > 0 {
		params = config.MergeParams(params, ref.Overrides)
	}
	return Target{Name: ref.Target, Platform: tc.Platform, Params: params}, nil
}

// Dispatch delivers events, oldest first, to every referenced target.
func (r *Router) Dispatch(ctx context.Context, refs []config.NotifyRef, events []snapshot.Event) error {
	var errs []error
	for _, ev := range events {
		for _, ref := range refs {
			target, err := r.Resolve(ref)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if !filtersFrom(target.Params).allows(ev.Kind) {
				continue
			}
			ch, ok := r.channels[target.Platform]
			if !ok {
				errs = append(errs, fmt.Errorf("no channel for platform %q", target.Platform))
				continue
			}
			if err := ch.Deliver(ctx, target, ev); err != nil {
				r.log.Error("delivery failed",
					logx.String("target", target.Name),
					logx.String("event", string(ev.Kind)),
					logx.Err(err))
				errs = append(errs, fmt.Errorf("deliver to %q: %w", target.Name, err))
			}
		}
	}
	return errors.Join(errs...)
}
