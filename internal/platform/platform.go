// Package platform implements the update sources. A Fetcher turns one remote
// API (or page) into a point-in-time snapshot; everything stateful, from diffs
// to scheduling, lives above this package.
package platform

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"subwatch/internal/account"
	"subwatch/internal/config"
	"subwatch/internal/snapshot"
	"subwatch/pkg/logx"
)

const userAgent = "Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"

// Fetcher fetches the current state of one remote source.
type Fetcher interface {
	Platform() string
	Fetch(ctx context.Context) (snapshot.Snapshot, error)
}

// New builds the fetcher for a validated platform spec. acct may be nil for
// sources that work without credentials.
func New(spec config.PlatformSpec, acct *account.Account, client *http.Client, log logx.Logger) (Fetcher, error) {
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	log = log.With(logx.String("platform", spec.Name))

	switch spec.Name {
	case config.PlatformBilibiliLive:
		return &bilibiliLive{uid: spec.UserID, acct: acct, client: client, log: log, api: bilibiliLiveAPI}, nil
	case config.PlatformBilibiliSpace:
		return &bilibiliSpace{uid: spec.UserID, acct: acct, client: client, log: log, api: bilibiliSpaceAPI}, nil
	case config.PlatformBilibiliVideo:
		return &bilibiliVideo{uid: spec.UserID, seriesID: spec.SeriesID, acct: acct, client: client, log: log, api: bilibiliVideoAPI}, nil
	case config.PlatformTwitter:
		if acct == nil {
			return nil, fmt.Errorf("%s: twitter requires an account", spec)
		}
		return newTwitter(spec.Username, acct, client, log), nil
	case config.PlatformWebpage:
		return &webpage{spec: spec, client: client, log: log}, nil
	default:
		return nil, fmt.Errorf("unknown platform %q", spec.Name)
	}
}
