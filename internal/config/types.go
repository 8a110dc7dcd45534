package config

type Config struct {
	Server     ServerConfig     `json:"server"`
	Storage    StorageConfig    `json:"storage"`
	Timezone   string           `json:"timezone"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Logging    LoggingConfig    `json:"logging"`
	Notifier   NotifierConfig   `json:"notifier"`
}

type ServerConfig struct {
	Addr string `json:"addr"`
	// RateLimit is requests per second across the API; 0 disables limiting.
	RateLimit float64 `json:"rate_limit"`
	RateBurst int     `json:"rate_burst"`
	Pprof     bool    `json:"pprof"`
}

type StorageConfig struct {
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout"`
}

type DispatcherConfig struct {
	Tick         string `json:"tick"`
	Workers      int    `json:"workers"`
	MaxExecution string `json:"max_execution"`
	ClaimTimeout string `json:"claim_timeout"`
}

type LoggingConfig struct {
	Level  string `json:"level"`
	Format string `json:"format"`
	File   string `json:"file"`
}

type NotifierConfig struct {
	ReconcileInterval string         `json:"reconcile_interval"`
	QueueSize         int            `json:"queue_size"`
	Telegram          TelegramConfig `json:"telegram"`
}

type TelegramConfig struct {
	Enabled     bool   `json:"enabled"`
	Token       string `json:"token"`
	ChatID      int64  `json:"chat_id"`
	MinPriority string `json:"min_priority"`
	RatePerSec  int    `json:"rate_per_sec"`
	APIURL      string `json:"api_url"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":8080", RateLimit: 50, RateBurst: 100},
		Storage: StorageConfig{Path: "taskpulse.db", BusyTimeout: "5s"},
		Dispatcher: DispatcherConfig{
			Tick:         "5s",
			Workers:      4,
			MaxExecution: "30m",
		},
		Timezone: "UTC",
		Logging:  LoggingConfig{Level: "info", Format: "console"},
		Notifier: NotifierConfig{
			ReconcileInterval: "5m",
			QueueSize:         256,
			Telegram:          TelegramConfig{MinPriority: "HIGH", RatePerSec: 1},
		},
	}
}
