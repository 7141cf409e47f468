package app

import (
	"strconv"
	"strings"
	"time"

	"ilswbot/internal/config"
	"ilswbot/internal/notifier"
	"ilswbot/internal/observability/debug"
	"ilswbot/internal/probe"
	"ilswbot/internal/storage"
	"ilswbot/internal/subscription"
	"ilswbot/internal/transport/telegram/adapter"
	"ilswbot/internal/transport/telegram/router"
	logx "ilswbot/pkg/logx"
)

// Mapping helpers translate the validated on-disk config into component
// configs. Durations have already been checked by config.Validate, so
// malformed values simply fall back to the component default.

func mapAdapterConfig(cfg *config.Config) adapter.Config {
	return adapter.Config{
		Token:       strings.TrimSpace(cfg.Telegram.Token),
		PollTimeout: config.DurationOr(cfg.Telegram.PollTimeout, 10*time.Second),
	}
}

func mapLogConfig(cfg *config.Config) logx.Config {
	l := cfg.Logging
	return logx.Config{
		Level:   l.Level,
		Console: l.Console,
		File: logx.FileConfig{
			Enabled:    l.File.Enabled,
			Path:       l.File.Path,
			MaxSizeMB:  l.File.MaxSizeMB,
			MaxBackups: l.File.MaxBackups,
			MaxAgeDays: l.File.MaxAgeDays,
			Compress:   l.File.Compress,
		},
		Telegram: logx.TelegramConfig{
			Enabled:    l.Telegram.Enabled,
			ThreadID:   l.Telegram.ThreadID,
			MinLevel:   l.Telegram.MinLevel,
			RatePerSec: l.Telegram.RatePerSec,
		},
	}
}

// logTarget returns the operator log chat, or 0 when none is configured.
func logTarget(cfg *config.Config) int64 {
	id, err := strconv.ParseInt(strings.TrimSpace(cfg.Telegram.GroupLog), 10, 64)
	if err != nil {
		return 0
	}
	return id
}

func mapStorageConfig(cfg *config.Config) storage.Config {
	return storage.Config{
		Driver:      strings.ToLower(strings.TrimSpace(cfg.Storage.Driver)),
		Path:        strings.TrimSpace(cfg.Storage.Path),
		BusyTimeout: config.DurationOr(cfg.Storage.BusyTimeout, 0),
	}
}

func mapProbeConfig(cfg *config.Config) probe.Config {
	return probe.Config{
		URL:         cfg.Status.URL,
		AwakeToken:  cfg.Status.AwakeToken,
		AsleepToken: cfg.Status.AsleepToken,
		Timeout:     config.DurationOr(cfg.Status.Timeout, probe.DefaultTimeout),
	}
}

func mapSettings(cfg *config.Config) subscription.Settings {
	t := cfg.Texts
	return subscription.Settings{
		Tracked: subscription.Tracked{
			Username:       cfg.Tracked.Username,
			Aliases:        append([]string(nil), cfg.Tracked.Aliases...),
			Keyword:        cfg.Tracked.Keyword,
			FoldDiacritics: cfg.Tracked.FoldDiacritics,
		},
		Texts: subscription.Texts{
			Start:          t.Start,
			Stop:           t.Stop,
			Scold:          t.Scold,
			Awake:          t.Awake,
			Asleep:         t.Asleep,
			APIFailure:     t.APIFailure,
			StorageFailure: t.StorageFailure,
			StatusActive:   t.StatusActive,
			StatusInactive: t.StatusInactive,
			StatusWaiting:  t.StatusWaiting,
		},
	}
}

func mapNotifierConfig(cfg *config.Config) notifier.Config {
	n := cfg.Notifier
	return notifier.Config{
		Interval:      config.DurationOr(n.Interval, notifier.DefaultInterval),
		Workers:       n.Workers,
		RatePerSec:    n.RatePerSec,
		RetryMax:      n.RetryMax,
		RetryBase:     config.DurationOr(n.RetryBase, 0),
		RetryMaxDelay: config.DurationOr(n.RetryMaxDelay, 0),
		SendTimeout:   config.DurationOr(n.SendTimeout, 0),
		WakeText:      cfg.Texts.Wake,
	}
}

func mapRouterConfig(cfg *config.Config, botUsername string) router.Config {
	return router.Config{
		Workers:     cfg.Router.Workers,
		QueueSize:   cfg.Router.QueueSize,
		Timeout:     config.DurationOr(cfg.Router.Timeout, 0),
		BotUsername: botUsername,
	}
}

func mapDebugConfig(cfg *config.Config) debug.Config {
	return debug.Config{
		Enabled: cfg.Debug.Enabled,
		Addr:    strings.TrimSpace(cfg.Debug.Addr),
		Token:   strings.TrimSpace(cfg.Debug.Token),
	}
}
