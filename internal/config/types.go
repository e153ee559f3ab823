package config

// Config is the whole claimbot configuration.
//
// Durations are Go duration strings ("500ms", "90s", "24h"). Secrets may be
// left empty here and provided through the environment (see ApplyEnv).
type Config struct {
	Messenger MessengerConfig `json:"messenger"`
	Channels  ChannelsConfig  `json:"channels"`
	// Admins are user ids that receive infrastructure failure alerts by DM.
	Admins []string `json:"admins,omitempty"`

	Logging   LoggingConfig   `json:"logging"`
	Claims    ClaimsConfig    `json:"claims"`
	Browser   BrowserConfig   `json:"browser"`
	Delivery  DeliveryConfig  `json:"delivery"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Registry  RegistryConfig  `json:"registry"`
	Storage   StorageConfig   `json:"storage"`
	Archive   *ArchiveConfig  `json:"archive,omitempty"`
	API       APIConfig       `json:"api"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

// MessengerConfig selects the chat platform.
//
// platform: "discord", "telegram" or "memory" (records messages in-process,
// used for dry runs).
type MessengerConfig struct {
	Platform string `json:"platform"`
	Token    string `json:"token,omitempty"`
	Timeout  string `json:"timeout,omitempty"` // API request timeout
}

type ChannelsConfig struct {
	Results         string `json:"results,omitempty"`
	ResultsThreadID int    `json:"results_thread_id,omitempty"`
	Ops             string `json:"ops,omitempty"`
	OpsThreadID     int    `json:"ops_thread_id,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
	Chat    LoggingChat `json:"chat"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path,omitempty"`
}

type LoggingChat struct {
	Enabled    bool   `json:"enabled"`
	ChannelID  string `json:"channel_id,omitempty"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// ClaimsConfig controls the claim worker pool.
//
// Defaults: workers 4, queue_size 256, timeout "90s".
type ClaimsConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	Timeout       string `json:"timeout,omitempty"`
	ScreenshotDir string `json:"screenshot_dir,omitempty"`
	OutputDir     string `json:"output_dir,omitempty"`
}

// BrowserConfig drives the headless browser executor. Selectors are
// page-specific and belong to the deployment, not to the code.
type BrowserConfig struct {
	ExecPath       string   `json:"exec_path,omitempty"`
	Headless       *bool    `json:"headless,omitempty"`
	URLTemplate    string   `json:"url_template,omitempty"` // "{account}" is replaced
	WaitSelector   string   `json:"wait_selector,omitempty"`
	ClaimSelectors []string `json:"claim_selectors,omitempty"`
	ItemsSelector  string   `json:"items_selector,omitempty"`
	SettleDelay    string   `json:"settle_delay,omitempty"`
}

// DeliveryConfig controls the confirmation fan-out.
//
// Defaults: workers 2, queue_size 256, rate_per_sec 4, ready_timeout "2m",
// send_timeout "30s", enqueue_timeout "10s", retention "24h",
// sweep_interval "1h", timezone "UTC".
type DeliveryConfig struct {
	Workers       int    `json:"workers,omitempty"`
	QueueSize     int    `json:"queue_size,omitempty"`
	RatePerSec    int    `json:"rate_per_sec,omitempty"`
	ReadyTimeout   string `json:"ready_timeout,omitempty"`
	SendTimeout    string `json:"send_timeout,omitempty"`
	EnqueueTimeout string `json:"enqueue_timeout,omitempty"`
	Retention      string `json:"retention,omitempty"`
	SweepInterval  string `json:"sweep_interval,omitempty"`
	// Timezone renders the local timestamp in confirmation messages.
	Timezone string `json:"timezone,omitempty"`
}

type SchedulerConfig struct {
	Enabled  bool             `json:"enabled"`
	Timezone string           `json:"timezone,omitempty"` // default UTC
	Jobs     []ScheduleConfig `json:"jobs,omitempty"`
}

// ScheduleConfig is one named cron trigger for a claim-all run.
type ScheduleConfig struct {
	Name string `json:"name"`
	Cron string `json:"cron"`
}

type RegistryConfig struct {
	HistorySize int `json:"history_size,omitempty"`
}

// StorageConfig selects the account store.
//
//	"storage": { "driver": "sqlite", "path": "./data/claimbot.db" }
//	"storage": { "driver": "postgres", "dsn": "postgres://..." }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	DSN         string `json:"dsn,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite
	MaxConns    int    `json:"max_conns,omitempty"`    // postgres
}

// ArchiveConfig uploads delivered confirmation images to an S3-compatible bucket.
type ArchiveConfig struct {
	Enabled   bool   `json:"enabled"`
	Bucket    string `json:"bucket"`
	Region    string `json:"region,omitempty"`
	Endpoint  string `json:"endpoint,omitempty"`
	Prefix    string `json:"prefix,omitempty"`
	AccessKey string `json:"access_key,omitempty"`
	SecretKey string `json:"secret_key,omitempty"`
}

// APIConfig controls the admin HTTP API.
//
// Prefer binding to localhost; set token when exposing it.
type APIConfig struct {
	Enabled      bool     `json:"enabled"`
	Addr         string   `json:"addr,omitempty"` // default "127.0.0.1:8089"
	Token        string   `json:"token,omitempty"`
	ReadTimeout  string   `json:"read_timeout,omitempty"`
	WriteTimeout string   `json:"write_timeout,omitempty"`
	// CORSOrigins lists browser origins allowed to call the API (admin console).
	CORSOrigins  []string `json:"cors_origins,omitempty"`
	// Pprof mounts net/http/pprof under /debug, behind the token.
	Pprof        bool     `json:"pprof,omitempty"`
}

type RuntimeConfig struct {
	DataDir string `json:"data_dir,omitempty"` // default "./data"
}
