// Package config loads and validates the declarative watch configuration.
// Everything is checked at load time; the core never sees an unresolved
// reference or an unparsable duration.
package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

type Config struct {
	// Interval is the global poll interval, a Go duration string.
	Interval string `json:"interval"`

	Logging LoggingConfig `json:"logging,omitempty"`
	Storage StorageConfig `json:"storage,omitempty"`

	// Accounts are shared credential bundles referenced by subscriptions.
	Accounts map[string]AccountConfig `json:"accounts,omitempty"`

	// Notify is the table of named notification targets.
	Notify map[string]TargetConfig `json:"notify,omitempty"`

	Telegram *TelegramConfig `json:"telegram,omitempty"`
	QQ       *QQConfig       `json:"qq,omitempty"`

	Reporter *ReporterConfig `json:"reporter,omitempty"`

	// Subscriptions maps a display name (the person being followed) to the
	// sources watched for them.
	Subscriptions map[string][]SubscriptionConfig `json:"subscriptions"`

	interval time.Duration
}

// GlobalInterval is valid after Validate.
func (c *Config) GlobalInterval() time.Duration { return c.interval }

type LoggingConfig struct {
	Level   string      `json:"level,omitempty"`
	Console bool        `json:"console,omitempty"`
	File    LoggingFile `json:"file,omitempty"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled,omitempty"`
	Path    string `json:"path,omitempty"`
}

type StorageConfig struct {
	Driver      string `json:"driver,omitempty"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only

	busyTimeout time.Duration
}

// ParsedBusyTimeout is valid after Validate.
func (s *StorageConfig) ParsedBusyTimeout() time.Duration { return s.busyTimeout }

type AccountConfig struct {
	Platform string `json:"platform"`
	Cookies  Secret `json:"cookies,omitempty"`
	// MinInterval spaces out fetches sharing these credentials.
	MinInterval string `json:"min_interval,omitempty"`

	minInterval time.Duration
}

// ParsedMinInterval is valid after Validate.
func (a *AccountConfig) ParsedMinInterval() time.Duration { return a.minInterval }

type TelegramConfig struct {
	Token Secret `json:"token"`
}

type QQConfig struct {
	Lagrange LagrangeConfig `json:"lagrange"`
}

type LagrangeConfig struct {
	HTTPHost    string `json:"http_host"`
	HTTPPort    int    `json:"http_port"`
	AccessToken Secret `json:"access_token,omitempty"`
}

type ReporterConfig struct {
	Notify    []NotifyRef      `json:"notify"`
	Heartbeat *HeartbeatConfig `json:"heartbeat,omitempty"`
}

type HeartbeatConfig struct {
	URL      string `json:"url"`
	Interval string `json:"interval"`

	interval time.Duration
}

// ParsedInterval is valid after Validate.
func (h *HeartbeatConfig) ParsedInterval() time.Duration { return h.interval }

type SubscriptionConfig struct {
	Platform PlatformSpec `json:"platform"`
	// Interval overrides the global interval for this subscription.
	Interval string        `json:"interval,omitempty"`
	Events   *EventsConfig `json:"events,omitempty"`
	Notify   []NotifyRef   `json:"notify"`

	interval time.Duration
}

// ParsedInterval returns the effective interval after Validate: the
// subscription override when present, the global interval otherwise.
func (s *SubscriptionConfig) ParsedInterval() time.Duration { return s.interval }

// EventsConfig opts a subscription into live transitions that are suppressed
// by default.
type EventsConfig struct {
	LiveEnded bool `json:"live_ended,omitempty"`
	LiveTitle bool `json:"live_title,omitempty"`
}

// PlatformSpec is the tagged union of source kinds, discriminated by Name.
type PlatformSpec struct {
	Name string `json:"name"`

	// bilibili.* sources
	UserID   int64 `json:"user_id,omitempty"`
	SeriesID int64 `json:"series_id,omitempty"`

	// twitter
	Username string `json:"username,omitempty"`

	// Account references a shared account by name where the source needs
	// (or can use) credentials.
	Account string `json:"account,omitempty"`

	// webpage
	URL           string `json:"url,omitempty"`
	ItemSelector  string `json:"item_selector,omitempty"`
	IDAttr        string `json:"id_attr,omitempty"`
	TitleSelector string `json:"title_selector,omitempty"`
	LinkSelector  string `json:"link_selector,omitempty"`
}

func (p PlatformSpec) String() string {
	switch p.Name {
	case PlatformTwitter:
		return fmt.Sprintf("%s:%s", p.Name, p.Username)
	case PlatformWebpage:
		return fmt.Sprintf("%s:%s", p.Name, p.URL)
	default:
		return fmt.Sprintf("%s:%d", p.Name, p.UserID)
	}
}

const (
	PlatformBilibiliLive  = "bilibili.live"
	PlatformBilibiliSpace = "bilibili.space"
	PlatformBilibiliVideo = "bilibili.video"
	PlatformTwitter       = "twitter"
	PlatformWebpage       = "webpage"
)

// AccountFamily returns the credential family a source draws from.
func AccountFamily(platformName string) string {
	switch platformName {
	case PlatformTwitter:
		return "twitter"
	case PlatformBilibiliLive, PlatformBilibiliSpace, PlatformBilibiliVideo:
		return "bilibili"
	default:
		return ""
	}
}

// TargetConfig is a notification destination. Params stays free-form because
// each channel kind has its own parameter set; per-kind validation happens in
// Validate and again when NotifyRef overrides are merged.
type TargetConfig struct {
	Platform string
	Params   map[string]any
}

func (t *TargetConfig) UnmarshalJSON(b []byte) error {
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return err
	}
	platform, _ := m["platform"].(string)
	if platform == "" {
		return errors.New(`notify target requires a "platform"`)
	}
	delete(m, "platform")
	*t = TargetConfig{Platform: platform, Params: m}
	return nil
}

// NotifyRef references a target by name, optionally overriding parameters.
// In YAML it is either a bare string or an object {ref: name, <overrides>}.
type NotifyRef struct {
	Target    string
	Overrides map[string]any
}

func (r *NotifyRef) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*r = NotifyRef{Target: s}
		return nil
	}
	var m map[string]any
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	if err := dec.Decode(&m); err != nil {
		return fmt.Errorf("notify ref must be a string or an object: %w", err)
	}
	name, _ := m["ref"].(string)
	if name == "" {
		return errors.New(`notify ref object requires "ref"`)
	}
	delete(m, "ref")
	*r = NotifyRef{Target: name, Overrides: m}
	return nil
}
