package config

import (
	"strings"

	"github.com/kelseyhightower/envconfig"
)

// EnvPrefix is prepended to every override variable, e.g. ILSW_TELEGRAM_TOKEN.
const EnvPrefix = "ILSW"

// envOverrides are the settings that may come from the environment so that
// secrets and deployment-specific values can stay out of the config file.
// Unset variables leave the file value alone.
type envOverrides struct {
	TelegramToken string   `envconfig:"TELEGRAM_TOKEN"`
	GroupLog      string   `envconfig:"TELEGRAM_GROUP_LOG"`
	LogLevel      string   `envconfig:"LOG_LEVEL"`
	StorageDriver string   `envconfig:"STORAGE_DRIVER"`
	StoragePath   string   `envconfig:"STORAGE_PATH"`
	StatusURL     string   `envconfig:"STATUS_URL"`
	Username      string   `envconfig:"TRACKED_USERNAME"`
	Aliases       []string `envconfig:"TRACKED_ALIASES"`
	Keyword       string   `envconfig:"TRACKED_KEYWORD"`
	Interval      string   `envconfig:"NOTIFIER_INTERVAL"`
	DebugToken    string   `envconfig:"DEBUG_TOKEN"`
}

// ApplyEnv overlays ILSW_* environment variables onto cfg.
func ApplyEnv(cfg *Config) error {
	var o envOverrides
	if err := envconfig.Process(EnvPrefix, &o); err != nil {
		return err
	}
	set := func(dst *string, v string) {
		if v = strings.TrimSpace(v); v != "" {
			*dst = v
		}
	}
	set(&cfg.Telegram.Token, o.TelegramToken)
	set(&cfg.Telegram.GroupLog, o.GroupLog)
	set(&cfg.Logging.Level, o.LogLevel)
	set(&cfg.Storage.Driver, o.StorageDriver)
	set(&cfg.Storage.Path, o.StoragePath)
	set(&cfg.Status.URL, o.StatusURL)
	set(&cfg.Tracked.Username, o.Username)
	set(&cfg.Tracked.Keyword, o.Keyword)
	set(&cfg.Notifier.Interval, o.Interval)
	set(&cfg.Debug.Token, o.DebugToken)
	if len(o.Aliases) > 0 {
		cfg.Tracked.Aliases = o.Aliases
	}
	return nil
}
