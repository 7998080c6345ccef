// Package app wires the configuration into running services: store, accounts,
// fetchers, channels, router, watcher, and reporter.
package app

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"

	"subwatch/internal/account"
	"subwatch/internal/config"
	"subwatch/internal/notify"
	"subwatch/internal/platform"
	"subwatch/internal/reporter"
	"subwatch/internal/snapshot"
	"subwatch/internal/store"
	"subwatch/internal/watcher"
	"subwatch/pkg/logx"
)

type App struct {
	cfg *config.Config

	log      logx.Logger
	logClose io.Closer

	st   store.Store
	wtch *watcher.Service
	rep  *reporter.Reporter
}

func New(cfgPath string) (*App, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}

	log, logClose, err := logx.New(logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console || !cfg.Logging.File.Enabled,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
	})
	if err != nil {
		return nil, err
	}

	a := &App{cfg: cfg, log: log, logClose: logClose}
	if err := a.build(); err != nil {
		if logClose != nil {
			logClose.Close()
		}
		return nil, err
	}
	return a, nil
}

func (a *App) build() error {
	cfg := a.cfg

	st, err := store.Open(store.Config{
		Driver:      cfg.Storage.Driver,
		Path:        cfg.Storage.Path,
		BusyTimeout: cfg.Storage.ParsedBusyTimeout(),
	}, a.log.With(logx.String("comp", "store")))
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	a.st = st

	registry := account.NewRegistry()
	for name, ac := range cfg.Accounts {
		cookies, err := ac.Cookies.Resolve()
		if err != nil {
			return fmt.Errorf("accounts.%s: %w", name, err)
		}
		if err := registry.Add(account.New(name, ac.Platform, cookies, ac.ParsedMinInterval())); err != nil {
			return err
		}
	}

	channels, err := a.buildChannels()
	if err != nil {
		return err
	}
	router := notify.NewRouter(cfg.Notify, channels, a.log.With(logx.String("comp", "router")))

	a.rep = reporter.New(cfg.Reporter, router, st, a.log.With(logx.String("comp", "reporter")))

	subs, err := a.buildSubscriptions(registry)
	if err != nil {
		return err
	}
	a.wtch = watcher.New(subs, st, router, a.log.With(logx.String("comp", "watcher")), a.rep.Report)
	return nil
}

func (a *App) buildChannels() ([]notify.Channel, error) {
	cfg := a.cfg
	var channels []notify.Channel

	token := ""
	if cfg.Telegram != nil && cfg.Telegram.Token.IsSet() {
		t, err := cfg.Telegram.Token.Resolve()
		if err != nil {
			return nil, fmt.Errorf("telegram.token: %w", err)
		}
		token = t
	}
	channels = append(channels, notify.NewTelegram(token, a.log))

	if cfg.QQ != nil {
		accessToken, err := cfg.QQ.Lagrange.AccessToken.Resolve()
		if err != nil {
			return nil, fmt.Errorf("qq.lagrange.access_token: %w", err)
		}
		channels = append(channels, notify.NewQQ(
			cfg.QQ.Lagrange.HTTPHost, cfg.QQ.Lagrange.HTTPPort, accessToken, a.log))
	}
	return channels, nil
}

func (a *App) buildSubscriptions(registry *account.Registry) ([]watcher.Subscription, error) {
	cfg := a.cfg
	client := &http.Client{Timeout: 30 * time.Second}

	var subs []watcher.Subscription
	seen := map[string]bool{}
	for _, name := range cfg.SubscriptionNames() {
		for _, sc := range cfg.Subscriptions[name] {
			key := name + "/" + sc.Platform.String()
			if seen[key] {
				return nil, fmt.Errorf("duplicate subscription %q", key)
			}
			seen[key] = true

			var acct *account.Account
			if sc.Platform.Account != "" {
				var err error
				acct, err = registry.Get(sc.Platform.Account, config.AccountFamily(sc.Platform.Name))
				if err != nil {
					return nil, fmt.Errorf("subscription %q: %w", key, err)
				}
			}

			fetcher, err := platform.New(sc.Platform, acct, client, a.log)
			if err != nil {
				return nil, fmt.Errorf("subscription %q: %w", key, err)
			}

			var policy snapshot.Policy
			if sc.Events != nil {
				policy = snapshot.Policy{LiveEnded: sc.Events.LiveEnded, LiveTitle: sc.Events.LiveTitle}
			}
			subs = append(subs, watcher.Subscription{
				Name:     key,
				Interval: sc.ParsedInterval(),
				Fetcher:  fetcher,
				Account:  acct,
				Policy:   policy,
				Refs:     sc.Notify,
			})
		}
	}
	return subs, nil
}

func (a *App) Start(ctx context.Context) error {
	if err := a.rep.Start(ctx); err != nil {
		return err
	}
	if err := a.wtch.Start(ctx); err != nil {
		return err
	}
	if _, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		a.log.Warn("sd_notify failed", logx.Err(err))
	}
	a.log.Info("started", logx.String("storage", a.cfg.Storage.Driver))
	return nil
}

func (a *App) Stop(ctx context.Context) error {
	daemon.SdNotify(false, daemon.SdNotifyStopping)

	var firstErr error
	if err := a.wtch.Stop(ctx); err != nil {
		firstErr = err
	}
	if err := a.rep.Stop(ctx); err != nil && firstErr == nil {
		firstErr = err
	}
	if err := a.st.Close(); err != nil && firstErr == nil {
		firstErr = err
	}
	a.log.Info("stopped")
	if a.logClose != nil {
		a.logClose.Close()
	}
	return firstErr
}
