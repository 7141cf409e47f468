package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	DefaultStorageDriver = "sqlite"
	DefaultStoragePath   = "./data/ilsw.db"
	DefaultLogLevel      = "info"

	minInterval = time.Second
)

// ApplyDefaults fills values the rest of the program expects to be present.
// Component-level tuning (workers, retries, timeouts) is defaulted by the
// components themselves.
func ApplyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.Logging.Level) == "" {
		cfg.Logging.Level = DefaultLogLevel
	}
	if strings.TrimSpace(cfg.Storage.Driver) == "" {
		cfg.Storage.Driver = DefaultStorageDriver
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		cfg.Storage.Path = DefaultStoragePath
	}
	if strings.TrimSpace(cfg.Tracked.Username) == "" {
		cfg.Tracked.Username = "lukasovich"
	}
	if len(cfg.Tracked.Aliases) == 0 {
		cfg.Tracked.Aliases = []string{"lukas", "lulu"}
	}
	if strings.TrimSpace(cfg.Tracked.Keyword) == "" {
		cfg.Tracked.Keyword = "wach"
	}
}

// Validate reports every problem in cfg at once.
func Validate(cfg *Config) error {
	if cfg == nil {
		return errors.New("config is nil")
	}
	var errs []error
	add := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		add(errors.New("telegram.token is required"))
	}
	if g := strings.TrimSpace(cfg.Telegram.GroupLog); g != "" {
		if _, err := strconv.ParseInt(g, 10, 64); err != nil {
			add(fmt.Errorf("telegram.group_log: not a chat id: %q", g))
		}
	}
	if cfg.Logging.Telegram.Enabled && strings.TrimSpace(cfg.Telegram.GroupLog) == "" {
		add(errors.New("logging.telegram.enabled requires telegram.group_log"))
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)) {
	case "", "sqlite", "sqlite3", "file":
	default:
		add(fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver))
	}

	if u := strings.TrimSpace(cfg.Status.URL); u == "" {
		add(errors.New("status.url is required"))
	} else if pu, err := url.Parse(u); err != nil || (pu.Scheme != "http" && pu.Scheme != "https") || pu.Host == "" {
		add(fmt.Errorf("status.url: must be an absolute http(s) url: %q", u))
	}
	if strings.TrimSpace(cfg.Status.AwakeToken) != "" && cfg.Status.AwakeToken == cfg.Status.AsleepToken {
		add(errors.New("status.awake_token and status.asleep_token must differ"))
	}

	if strings.TrimSpace(cfg.Tracked.Keyword) == "" {
		add(errors.New("tracked.keyword is required"))
	}
	hasAlias := false
	for _, a := range cfg.Tracked.Aliases {
		if strings.TrimSpace(a) != "" {
			hasAlias = true
		}
	}
	if !hasAlias {
		add(errors.New("tracked.aliases needs at least one name"))
	}

	durations := []struct{ path, raw string }{
		{"telegram.poll_timeout", cfg.Telegram.PollTimeout},
		{"storage.busy_timeout", cfg.Storage.BusyTimeout},
		{"status.timeout", cfg.Status.Timeout},
		{"notifier.retry_base", cfg.Notifier.RetryBase},
		{"notifier.retry_max_delay", cfg.Notifier.RetryMaxDelay},
		{"notifier.send_timeout", cfg.Notifier.SendTimeout},
		{"router.timeout", cfg.Router.Timeout},
	}
	for _, d := range durations {
		_, err := ParseDurationField(d.path, d.raw)
		add(err)
	}
	if iv, err := ParseDurationField("notifier.interval", cfg.Notifier.Interval); err != nil {
		add(err)
	} else if iv != 0 && iv < minInterval {
		add(fmt.Errorf("notifier.interval: must be at least %s", minInterval))
	}

	if cfg.Notifier.Workers < 0 || cfg.Notifier.RatePerSec < 0 || cfg.Notifier.RetryMax < 0 {
		add(errors.New("notifier: workers, rate_per_sec and retry_max must be >= 0"))
	}
	if cfg.Router.Workers < 0 || cfg.Router.QueueSize < 0 {
		add(errors.New("router: workers and queue_size must be >= 0"))
	}

	if cfg.Debug.Enabled && strings.TrimSpace(cfg.Debug.Addr) != "" {
		if _, _, err := net.SplitHostPort(strings.TrimSpace(cfg.Debug.Addr)); err != nil {
			add(fmt.Errorf("debug.addr: %w", err))
		}
	}

	return errors.Join(errs...)
}
