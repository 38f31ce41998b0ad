package config

type Config struct {
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
	Registry RegistryConfig `json:"registry"`
	Provider ProviderConfig `json:"provider"`
	Browser  BrowserConfig  `json:"browser"`
	Batch    BatchConfig    `json:"batch"`
	HTTP     HTTPConfig     `json:"http"`

	// Notifier is optional; nil disables job summaries.
	Notifier *NotifierConfig `json:"notifier,omitempty"`

	Schedules []ScheduleConfig `json:"schedules,omitempty"`
}

type LoggingConfig struct {
	Level   string        `json:"level"`
	Console bool          `json:"console"`
	File    LoggingFile   `json:"file"`
	Stream  LoggingStream `json:"stream"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingStream controls the live log feed served over HTTP.
type LoggingStream struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig selects the queue and history backend.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./data/postbot.db" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

type RegistryConfig struct {
	Path string `json:"path"`
}

// ProviderConfig points at the remote instruction provider.
// APIKey and ActorID are usually supplied through the environment.
type ProviderConfig struct {
	BaseURL string `json:"base_url"`
	APIKey  string `json:"api_key,omitempty"`
	ActorID string `json:"actor_id,omitempty"`
	Timeout string `json:"timeout,omitempty"`
}

type BrowserConfig struct {
	StatePath        string `json:"state_path"`
	Headless         *bool  `json:"headless,omitempty"`
	ExecutablePath   string `json:"executable_path,omitempty"`
	LoginURL         string `json:"login_url,omitempty"`
	LoginSuccessGlob string `json:"login_success_glob,omitempty"`
	LoginTimeout     string `json:"login_timeout,omitempty"`

	Timeouts BrowserTimeouts `json:"timeouts"`
}

// BrowserTimeouts override the interpreter defaults. Empty keeps the default.
type BrowserTimeouts struct {
	Navigate    string `json:"navigate,omitempty"`
	Click       string `json:"click,omitempty"`
	Element     string `json:"element,omitempty"`
	Content     string `json:"content,omitempty"`
	Settle      string `json:"settle,omitempty"`
	SettlePause string `json:"settle_pause,omitempty"`
}

type BatchConfig struct {
	// Concurrency is the startup chunk size (1..5). Zero keeps the default.
	Concurrency   int    `json:"concurrency,omitempty"`
	TabStaggerMin string `json:"tab_stagger_min,omitempty"`
	TabStaggerMax string `json:"tab_stagger_max,omitempty"`
	ChunkDelayMin string `json:"chunk_delay_min,omitempty"`
	ChunkDelayMax string `json:"chunk_delay_max,omitempty"`

	NameDetection NameDetectionConfig `json:"name_detection"`
}

type NameDetectionConfig struct {
	Enabled         bool   `json:"enabled"`
	GuildSelector   string `json:"guild_selector,omitempty"`
	ChannelSelector string `json:"channel_selector,omitempty"`
}

// HTTPConfig controls the admin/front-door API.
//
// Security note:
//   - Prefer binding to localhost.
//   - Set username plus password or password_hash (bcrypt) before exposing it.
type HTTPConfig struct {
	Enabled      bool     `json:"enabled"`
	Addr         string   `json:"addr,omitempty"`
	UploadDir    string   `json:"upload_dir,omitempty"`
	Username     string   `json:"username,omitempty"`
	Password     string   `json:"password,omitempty"`      // do not log
	PasswordHash string   `json:"password_hash,omitempty"` // bcrypt
	CORSOrigins  []string `json:"cors_origins,omitempty"`

	MaxUploadFiles int    `json:"max_upload_files,omitempty"`
	MaxUploadBytes int64  `json:"max_upload_bytes,omitempty"`
	ReadTimeout    string `json:"read_timeout,omitempty"`
	IdleTimeout    string `json:"idle_timeout,omitempty"`

	// Pprof mounts the runtime profiler under /api/debug (behind auth).
	Pprof bool `json:"pprof,omitempty"`
}

// NotifierConfig sends a one-line job summary to a Telegram chat.
type NotifierConfig struct {
	Enabled    bool   `json:"enabled"`
	Token      string `json:"token,omitempty"` // do not log
	ChatID     int64  `json:"chat_id"`
	ThreadID   int    `json:"thread_id,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
	OnlyFailed bool   `json:"only_failed,omitempty"`
}

// ScheduleConfig is one recurring post.
//
// Spec accepts a cron expression ("0 9 * * *"), "cron:<expr>",
// "every:<duration>", "interval:<duration>", "HH:MM" or a bare Go duration.
type ScheduleConfig struct {
	Name     string `json:"name"`
	Spec     string `json:"spec"`
	Message  string `json:"message"`
	PostType string `json:"post_type"`
	Disabled bool   `json:"disabled,omitempty"`
}
