package config

// Config is the on-disk configuration (JSON, YAML or TOML).
//
// All durations are Go duration strings (e.g. "500ms", "10s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Status   StatusConfig   `json:"status"`
	Tracked  TrackedConfig  `json:"tracked"`
	Notifier NotifierConfig `json:"notifier"`
	Router   RouterConfig   `json:"router,omitempty"`
	Texts    TextsConfig    `json:"texts,omitempty"`
	Debug    DebugConfig    `json:"debug,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`
	// GroupLog is the chat id operator logs are sent to (logging.telegram).
	GroupLog    string `json:"group_log,omitempty"`
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled    bool   `json:"enabled"`
	Path       string `json:"path"`
	MaxSizeMB  int    `json:"max_size_mb,omitempty"`
	MaxBackups int    `json:"max_backups,omitempty"`
	MaxAgeDays int    `json:"max_age_days,omitempty"`
	Compress   bool   `json:"compress,omitempty"`
}

type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig selects the subscriber store. Changes need a restart.
//
//	"storage": { "driver": "sqlite", "path": "./data/ilsw.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"`
}

// StatusConfig points at the endpoint answering "is the tracked person awake".
type StatusConfig struct {
	URL         string `json:"url"`
	AwakeToken  string `json:"awake_token,omitempty"`
	AsleepToken string `json:"asleep_token,omitempty"`
	Timeout     string `json:"timeout,omitempty"`
}

type TrackedConfig struct {
	Username string   `json:"username"`
	Aliases  []string `json:"aliases"`
	Keyword  string   `json:"keyword"`

	// FoldDiacritics makes matching accent-insensitive ("Lükas" ~ "lukas").
	FoldDiacritics bool `json:"fold_diacritics,omitempty"`
}

type NotifierConfig struct {
	Interval      string `json:"interval,omitempty"`
	Workers       int    `json:"workers,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	RetryMax      int    `json:"retry_max,omitempty"`
	RetryBase     string `json:"retry_base,omitempty"`
	RetryMaxDelay string `json:"retry_max_delay,omitempty"`
	SendTimeout   string `json:"send_timeout,omitempty"`
}

// RouterConfig sizes the inbound dispatch pool. Changes need a restart.
type RouterConfig struct {
	Workers   int    `json:"workers,omitempty"`
	QueueSize int    `json:"queue_size,omitempty"`
	Timeout   string `json:"timeout,omitempty"`
}

// TextsConfig overrides reply texts. Empty fields keep the built-in text.
type TextsConfig struct {
	Start          string `json:"start,omitempty"`
	Stop           string `json:"stop,omitempty"`
	Scold          string `json:"scold,omitempty"`
	Awake          string `json:"awake,omitempty"`
	Asleep         string `json:"asleep,omitempty"`
	APIFailure     string `json:"api_failure,omitempty"`
	StorageFailure string `json:"storage_failure,omitempty"`
	StatusActive   string `json:"status_active,omitempty"`
	StatusInactive string `json:"status_inactive,omitempty"`
	StatusWaiting  string `json:"status_waiting,omitempty"`
	Wake           string `json:"wake,omitempty"`
}

// DebugConfig controls the operator endpoint (/healthz and pprof).
// A non-loopback addr requires a token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}
