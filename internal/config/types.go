package config

// Config is the on-disk configuration (JSON, or YAML by file extension).
// Durations are Go duration strings ("500ms", "5s", "24h").
type Config struct {
	HTTP     HTTPConfig     `json:"http"`
	Session  SessionConfig  `json:"session"`
	Dispatch DispatchConfig `json:"dispatch"`
	Telegram TelegramConfig `json:"telegram"`
	Logging  LoggingConfig  `json:"logging"`
	Storage  StorageConfig  `json:"storage"`
}

// HTTPConfig controls the operator HTTP server.
//
// Security note: Token guards every route except /healthz and /metrics.
// Leave it empty only when the listener is bound to a trusted interface.
type HTTPConfig struct {
	Addr           string `json:"addr"`
	Token          string `json:"token,omitempty"` // do not log
	StaticDir      string `json:"static_dir,omitempty"`
	MaxUploadBytes int64  `json:"max_upload_bytes,omitempty"`
	QRSize         int    `json:"qr_size,omitempty"`
	Pprof          bool   `json:"pprof,omitempty"`

	ReadTimeout     string `json:"read_timeout,omitempty"`
	WriteTimeout    string `json:"write_timeout,omitempty"`
	IdleTimeout     string `json:"idle_timeout,omitempty"`
	ShutdownTimeout string `json:"shutdown_timeout,omitempty"`
}

// SessionConfig controls the WhatsApp connection keeper.
type SessionConfig struct {
	// StorePath is the sqlite file holding the linked-device credentials.
	// Logout wipes the device from it.
	StorePath    string `json:"store_path"`
	DeviceName   string `json:"device_name,omitempty"`
	CheckNumbers bool   `json:"check_numbers,omitempty"`

	RestartMinBackoff string `json:"restart_min_backoff,omitempty"`
	RestartMaxBackoff string `json:"restart_max_backoff,omitempty"`
	TeardownTimeout   string `json:"teardown_timeout,omitempty"`
}

// DispatchConfig controls bulk sending. Block size, delay, send timeout and
// rate are applied live on reload.
type DispatchConfig struct {
	BlockSize      int     `json:"block_size"`
	BlockDelay     string  `json:"block_delay"`
	SendTimeout    string  `json:"send_timeout,omitempty"`
	SendRatePerSec float64 `json:"send_rate_per_sec,omitempty"`
	CSVColumn      string  `json:"csv_column,omitempty"`

	QueueSize int    `json:"queue_size,omitempty"`
	StatusMax int    `json:"status_max,omitempty"`
	StatusTTL string `json:"status_ttl,omitempty"`
}

// TelegramConfig enables the operator bot when Token is set.
type TelegramConfig struct {
	Token          string  `json:"token,omitempty"`
	OwnerUserIDs   []int64 `json:"owner_user_ids,omitempty"`
	OperatorChat   int64   `json:"operator_chat,omitempty"`
	OperatorThread int     `json:"operator_thread,omitempty"`
	PollTimeout    string  `json:"poll_timeout,omitempty"`
}

func (t TelegramConfig) Enabled() bool { return t.Token != "" }

type LoggingConfig struct {
	Level    string          `json:"level"`
	Console  bool            `json:"console"`
	File     LoggingFile     `json:"file"`
	Telegram LoggingTelegram `json:"telegram"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingTelegram mirrors log lines to telegram.operator_chat.
type LoggingTelegram struct {
	Enabled    bool   `json:"enabled"`
	ThreadID   int    `json:"thread_id"`
	MinLevel   string `json:"min_level"`
	RatePerSec int    `json:"rate_per_sec"`
}

// StorageConfig controls report and audit persistence.
//
// Example:
//
//	"storage": { "driver": "sqlite", "path": "./wablast.db", "retention": "720h" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // sqlite only
	// Retention drops reports older than this on every PruneSchedule tick.
	// "0s" keeps reports forever.
	Retention     string `json:"retention,omitempty"`
	PruneSchedule string `json:"prune_schedule,omitempty"`
}
