package config

// Config is the full bot configuration. Loaded from JSON or YAML; unknown
// fields are rejected so typos fail loudly instead of silently defaulting.
//
// All duration fields are Go duration strings (e.g. "500ms", "5s", "1m").
type Config struct {
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	API      APIConfig      `json:"api"`
	Poller   PollerConfig   `json:"poller,omitempty"`
	Notifier NotifierConfig `json:"notifier,omitempty"`
	WebApp   WebAppConfig   `json:"webapp,omitempty"`
}

type TelegramConfig struct {
	Token string `json:"token"`

	// PollTimeout is the Telegram long-poll timeout. Default: "10s".
	PollTimeout string `json:"poll_timeout,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    FileLogConfig `json:"file,omitempty"`
}

type FileLogConfig struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

// APIConfig points at the remote KPI account service.
type APIConfig struct {
	BaseURL string `json:"base_url"`

	// RequestTimeout bounds each HTTP call. Default: "15s".
	RequestTimeout string `json:"request_timeout,omitempty"`
}

// PollerConfig controls the per-user chat-list polling loops.
type PollerConfig struct {
	// Interval between poll cycles. Default: "5s".
	Interval string `json:"interval,omitempty"`
}

// NotifierConfig controls the outbound message pipeline.
// Zero values fall back to built-in defaults.
type NotifierConfig struct {
	Workers    int `json:"workers,omitempty"`
	QueueSize  int `json:"queue_size,omitempty"`
	RatePerSec int `json:"rate_per_sec,omitempty"`
}

// WebAppConfig is the web UI the inline button opens.
type WebAppConfig struct {
	URL string `json:"url"`
}
