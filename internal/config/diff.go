package config

import (
	"reflect"
	"strings"

	logx "ilswbot/pkg/logx"
)

// ChangeSummary describes what differs between two configs.
type ChangeSummary struct {
	// Sections lists changed top-level sections in declaration order.
	Sections []string
	// RestartRequired lists changed sections that only take effect after a
	// restart (telegram token, storage, router).
	RestartRequired []string
	// Fields are safe structured attrs for logging; secrets are never included.
	Fields []logx.Field
}

func (s ChangeSummary) Changed(section string) bool {
	for _, c := range s.Sections {
		if c == section {
			return true
		}
	}
	return false
}

// SummarizeConfigChange compares oldCfg and newCfg section by section.
func SummarizeConfigChange(oldCfg, newCfg *Config) ChangeSummary {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}
	var s ChangeSummary
	mark := func(section string, restart bool, fields ...logx.Field) {
		s.Sections = append(s.Sections, section)
		if restart {
			s.RestartRequired = append(s.RestartRequired, section)
		}
		s.Fields = append(s.Fields, fields...)
	}

	ot, nt := oldCfg.Telegram, newCfg.Telegram
	if ot != nt {
		tokenChanged := strings.TrimSpace(ot.Token) != strings.TrimSpace(nt.Token)
		mark("telegram", tokenChanged || ot.PollTimeout != nt.PollTimeout,
			logx.Bool("telegram.token_changed", tokenChanged),
			logx.String("telegram.poll_timeout", strings.TrimSpace(nt.PollTimeout)),
			logx.Bool("telegram.group_log_set", strings.TrimSpace(nt.GroupLog) != ""),
		)
	}

	if oldCfg.Logging != newCfg.Logging {
		mark("logging", false,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
			logx.Bool("logging.telegram_enabled", newCfg.Logging.Telegram.Enabled),
		)
	}

	if oldCfg.Storage != newCfg.Storage {
		mark("storage", true,
			logx.String("storage.driver", newCfg.Storage.Driver),
			logx.String("storage.path", newCfg.Storage.Path),
		)
	}

	if oldCfg.Status != newCfg.Status {
		// the url may carry credentials; only report whether it changed
		mark("status", false,
			logx.Bool("status.url_changed", oldCfg.Status.URL != newCfg.Status.URL),
			logx.String("status.timeout", strings.TrimSpace(newCfg.Status.Timeout)),
		)
	}

	if !reflect.DeepEqual(oldCfg.Tracked, newCfg.Tracked) {
		mark("tracked", false,
			logx.String("tracked.username", newCfg.Tracked.Username),
			logx.Int("tracked.aliases", len(newCfg.Tracked.Aliases)),
			logx.String("tracked.keyword", newCfg.Tracked.Keyword),
		)
	}

	if oldCfg.Notifier != newCfg.Notifier {
		n := newCfg.Notifier
		mark("notifier", false,
			logx.String("notifier.interval", strings.TrimSpace(n.Interval)),
			logx.Int("notifier.workers", n.Workers),
			logx.Int("notifier.rate_per_sec", n.RatePerSec),
			logx.Int("notifier.retry_max", n.RetryMax),
		)
	}

	if oldCfg.Router != newCfg.Router {
		mark("router", true,
			logx.Int("router.workers", newCfg.Router.Workers),
			logx.Int("router.queue_size", newCfg.Router.QueueSize),
		)
	}

	if oldCfg.Texts != newCfg.Texts {
		mark("texts", false)
	}

	if oldCfg.Debug != newCfg.Debug {
		mark("debug", false,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}
	return s
}
