package config

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"
)

// Load reads, decodes, and validates a configuration file. YAML is the
// primary format; a .json file is accepted as-is. Unknown fields are
// rejected so typos surface at load time.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	if ext := strings.ToLower(filepath.Ext(path)); ext != ".json" {
		data, err = yamlToJSON(data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	var cfg Config
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return &cfg, nil
}

// Validate checks the whole document and caches parsed durations. It must
// succeed before any other accessor is used.
func (c *Config) Validate() error {
	var err error
	c.interval, err = parsePositiveDuration("interval", c.Interval)
	if err != nil {
		return err
	}

	if err := c.validateStorage(); err != nil {
		return err
	}
	if err := c.validateAccounts(); err != nil {
		return err
	}
	if err := c.validateTargets(); err != nil {
		return err
	}
	if err := c.validateSubscriptions(); err != nil {
		return err
	}
	return c.validateReporter()
}

func (c *Config) validateStorage() error {
	switch strings.ToLower(strings.TrimSpace(c.Storage.Driver)) {
	case "", "memory":
	case "file", "sqlite", "sqlite3":
		if strings.TrimSpace(c.Storage.Path) == "" {
			return fmt.Errorf("storage.path is required for driver %q", c.Storage.Driver)
		}
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	d, err := parseDuration("storage.busy_timeout", c.Storage.BusyTimeout)
	if err != nil {
		return err
	}
	c.Storage.busyTimeout = d
	return nil
}

func (c *Config) validateAccounts() error {
	for name, acct := range c.Accounts {
		path := "accounts." + name
		switch acct.Platform {
		case "twitter", "bilibili":
		default:
			return fmt.Errorf("%s.platform: unknown platform %q", path, acct.Platform)
		}
		d, err := parseDuration(path+".min_interval", acct.MinInterval)
		if err != nil {
			return err
		}
		acct.minInterval = d
		if acct.Cookies.IsSet() {
			if _, err := acct.Cookies.Resolve(); err != nil {
				return fmt.Errorf("%s.cookies: %w", path, err)
			}
		}
		c.Accounts[name] = acct
	}
	return nil
}

func (c *Config) validateTargets() error {
	for name, target := range c.Notify {
		if err := c.validateTargetParams(target.Platform, target.Params); err != nil {
			return fmt.Errorf("notify.%s: %w", name, err)
		}
	}
	return nil
}

func (c *Config) validateTargetParams(platform string, params map[string]any) error {
	switch platform {
	case "telegram":
		_, hasID := params["id"]
		_, hasUsername := params["username"]
		if !hasID && !hasUsername {
			return errors.New(`telegram target requires "id" or "username"`)
		}
		if raw, ok := params["token"]; ok {
			tok, ok := raw.(string)
			if !ok {
				return errors.New(`"token" must be a string`)
			}
			if _, err := Secret(tok).Resolve(); err != nil {
				return fmt.Errorf("token: %w", err)
			}
		} else if c.Telegram == nil || !c.Telegram.Token.IsSet() {
			return errors.New("telegram target has no token and no global telegram.token is set")
		}
		if c.Telegram != nil && c.Telegram.Token.IsSet() {
			if _, err := c.Telegram.Token.Resolve(); err != nil {
				return fmt.Errorf("telegram.token: %w", err)
			}
		}
	case "qq":
		_, hasUser := params["user_id"]
		_, hasGroup := params["group_id"]
		if !hasUser && !hasGroup {
			return errors.New(`qq target requires "user_id" or "group_id"`)
		}
		if c.QQ == nil || strings.TrimSpace(c.QQ.Lagrange.HTTPHost) == "" || c.QQ.Lagrange.HTTPPort <= 0 {
			return errors.New("qq target requires the global qq.lagrange endpoint")
		}
		if c.QQ.Lagrange.AccessToken.IsSet() {
			if _, err := c.QQ.Lagrange.AccessToken.Resolve(); err != nil {
				return fmt.Errorf("qq.lagrange.access_token: %w", err)
			}
		}
	default:
		return fmt.Errorf("unknown notify platform %q", platform)
	}
	return validateNotifications(params["notifications"])
}

func validateNotifications(raw any) error {
	if raw == nil {
		return nil
	}
	m, ok := raw.(map[string]any)
	if !ok {
		return errors.New(`"notifications" must be a mapping of flags`)
	}
	for k, v := range m {
		switch k {
		case "live_started", "live_ended", "live_title", "new_item", "log":
		default:
			return fmt.Errorf("notifications: unknown flag %q", k)
		}
		if _, ok := v.(bool); !ok {
			return fmt.Errorf("notifications.%s must be a boolean", k)
		}
	}
	return nil
}

func (c *Config) validateSubscriptions() error {
	if len(c.Subscriptions) == 0 {
		return errors.New("no subscriptions configured")
	}
	for name, subs := range c.Subscriptions {
		if strings.TrimSpace(name) == "" {
			return errors.New("subscription name must not be empty")
		}
		for i := range subs {
			sub := &subs[i]
			path := fmt.Sprintf("subscriptions.%s[%d]", name, i)

			d, err := parseDuration(path+".interval", sub.Interval)
			if err != nil {
				return err
			}
			if d == 0 {
				d = c.interval
			}
			sub.interval = d

			if err := c.validatePlatformSpec(path+".platform", &sub.Platform); err != nil {
				return err
			}
			for j, ref := range sub.Notify {
				if err := c.validateRef(fmt.Sprintf("%s.notify[%d]", path, j), ref); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func (c *Config) validatePlatformSpec(path string, spec *PlatformSpec) error {
	switch spec.Name {
	case PlatformBilibiliLive, PlatformBilibiliSpace:
		if spec.UserID <= 0 {
			return fmt.Errorf("%s.user_id is required", path)
		}
	case PlatformBilibiliVideo:
		if spec.UserID <= 0 || spec.SeriesID <= 0 {
			return fmt.Errorf("%s: user_id and series_id are required", path)
		}
	case PlatformTwitter:
		if strings.TrimSpace(spec.Username) == "" {
			return fmt.Errorf("%s.username is required", path)
		}
		if spec.Account == "" {
			return fmt.Errorf("%s.account is required (twitter needs cookie auth)", path)
		}
	case PlatformWebpage:
		if _, err := url.ParseRequestURI(spec.URL); err != nil {
			return fmt.Errorf("%s.url: %w", path, err)
		}
		if strings.TrimSpace(spec.ItemSelector) == "" {
			return fmt.Errorf("%s.item_selector is required", path)
		}
	default:
		return fmt.Errorf("%s.name: unknown platform %q", path, spec.Name)
	}

	if spec.Account != "" {
		acct, ok := c.Accounts[spec.Account]
		if !ok {
			return fmt.Errorf("%s.account: reference of account not found %q", path, spec.Account)
		}
		if family := AccountFamily(spec.Name); family != "" && acct.Platform != family {
			return fmt.Errorf("%s.account: account %q is a %s account, %s required",
				path, spec.Account, acct.Platform, family)
		}
	}
	return nil
}

func (c *Config) validateRef(path string, ref NotifyRef) error {
	target, ok := c.Notify[ref.Target]
	if !ok {
		return fmt.Errorf("%s: reference of notify not found %q", path, ref.Target)
	}
	if len(ref.Overrides) == 0 {
		return nil
	}
	// The merged result must still be a valid target of the same kind.
	if err := c.validateTargetParams(target.Platform, MergeParams(target.Params, ref.Overrides)); err != nil {
		return fmt.Errorf("%s: override: %w", path, err)
	}
	return nil
}

func (c *Config) validateReporter() error {
	if c.Reporter == nil {
		return nil
	}
	for i, ref := range c.Reporter.Notify {
		if err := c.validateRef(fmt.Sprintf("reporter.notify[%d]", i), ref); err != nil {
			return err
		}
	}
	if hb := c.Reporter.Heartbeat; hb != nil {
		u, err := url.Parse(hb.URL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			return fmt.Errorf("reporter.heartbeat.url: invalid URL %q", hb.URL)
		}
		hb.interval, err = parsePositiveDuration("reporter.heartbeat.interval", hb.Interval)
		if err != nil {
			return err
		}
	}
	return nil
}

// MergeParams shallow-merges override values over a base parameter map.
// Fields absent from the override are inherited; present fields replace.
// Neither input is mutated.
func MergeParams(base, overrides map[string]any) map[string]any {
	merged := make(map[string]any, len(base)+len(overrides))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// SubscriptionNames returns subscription group names in stable order, for
// deterministic startup logging.
func (c *Config) SubscriptionNames() []string {
	names := make([]string, 0, len(c.Subscriptions))
	for name := range c.Subscriptions {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func parseDuration(path, raw string) (time.Duration, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, fmt.Errorf("%s: invalid duration %q: %w", path, raw, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("%s: duration must be >= 0", path)
	}
	return d, nil
}

func parsePositiveDuration(path, raw string) (time.Duration, error) {
	d, err := parseDuration(path, raw)
	if err != nil {
		return 0, err
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s: a positive duration is required", path)
	}
	return d, nil
}
