package config

import "time"

type Config struct {
	Logging    LoggingConfig     `json:"logging" yaml:"logging"`
	Storage    StorageConfig     `json:"storage" yaml:"storage"`
	Session    SessionConfig     `json:"session,omitempty" yaml:"session,omitempty"`
	Dispatch   DispatchConfig    `json:"dispatch,omitempty" yaml:"dispatch,omitempty"`
	Moderation ModerationConfig  `json:"moderation,omitempty" yaml:"moderation,omitempty"`
	Broadcast  BroadcastConfig   `json:"broadcast,omitempty" yaml:"broadcast,omitempty"`
	Ops        OpsConfig         `json:"ops,omitempty" yaml:"ops,omitempty"`
	Maintain   MaintenanceConfig `json:"maintenance,omitempty" yaml:"maintenance,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level" yaml:"level" env:"WABOT_LOG_LEVEL, overwrite"`
	Console bool        `json:"console" yaml:"console"`
	File    LoggingFile `json:"file" yaml:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path" env:"WABOT_LOG_FILE, overwrite"`
}

type StorageConfig struct {
	Path string `json:"path" yaml:"path" env:"WABOT_DB_PATH, overwrite"`
	// BusyTimeout is a Go duration string (e.g. "5s").
	BusyTimeout string `json:"busy_timeout,omitempty" yaml:"busy_timeout,omitempty"`
}

// SessionConfig controls pairing and live-session behavior.
//
// All durations are Go duration strings (e.g. "30s", "5m").
type SessionConfig struct {
	// QRAttempts is how many pairing challenges are surfaced before a
	// pairing attempt is abandoned. Default 3.
	QRAttempts int `json:"qr_attempts,omitempty" yaml:"qr_attempts,omitempty"`
	// KeepAliveInterval is the presence-check cadence for sessions that opt
	// into keep-alive. Default "5m".
	KeepAliveInterval string `json:"keep_alive_interval,omitempty" yaml:"keep_alive_interval,omitempty"`
	// ConnectTimeout bounds a single transport dial. Default "2m".
	ConnectTimeout string `json:"connect_timeout,omitempty" yaml:"connect_timeout,omitempty"`
}

// DispatchConfig controls command recognition.
type DispatchConfig struct {
	// Prefix marks prefixed commands. Default ".".
	Prefix string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
	// PublicCommands may be used by non-owners when a session runs in
	// public mode. Names are bare (no prefix).
	PublicCommands []string `json:"public_commands,omitempty" yaml:"public_commands,omitempty"`
}

type ModerationConfig struct {
	// WarnLimit is the warning count at which a link offender is removed.
	// Default 3.
	WarnLimit int `json:"warn_limit,omitempty" yaml:"warn_limit,omitempty"`
}

type BroadcastConfig struct {
	// SendDelay is the fixed gap between consecutive sends in a batch.
	// Default "2s".
	SendDelay string `json:"send_delay,omitempty" yaml:"send_delay,omitempty"`
	// FreeRecipientCap is the per-batch recipient ceiling without an active
	// quota grant. Default 5.
	FreeRecipientCap int `json:"free_recipient_cap,omitempty" yaml:"free_recipient_cap,omitempty"`
}

// OpsConfig controls the optional operational HTTP server
// (Prometheus metrics and pprof).
//
// Prefer binding to localhost; non-loopback binds should set a token.
type OpsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Addr    string `json:"addr,omitempty" yaml:"addr,omitempty" env:"WABOT_OPS_ADDR, overwrite"` // default: "127.0.0.1:6060"
	Token   string `json:"token,omitempty" yaml:"token,omitempty" env:"WABOT_OPS_TOKEN, overwrite"`

	// Server timeouts (Go duration strings). WriteTimeout defaults to 0
	// (disabled) so long pprof profiles work reliably.
	ReadTimeout  string `json:"read_timeout,omitempty" yaml:"read_timeout,omitempty"`
	WriteTimeout string `json:"write_timeout,omitempty" yaml:"write_timeout,omitempty"`
	IdleTimeout  string `json:"idle_timeout,omitempty" yaml:"idle_timeout,omitempty"`
}

// MaintenanceConfig controls background sweeps.
type MaintenanceConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// AuditRetention is how long audit entries are kept. Default "720h".
	AuditRetention string `json:"audit_retention,omitempty" yaml:"audit_retention,omitempty"`
	// SweepSpec is the cron spec for retention sweeps. Default "0 3 * * *".
	SweepSpec string `json:"sweep_spec,omitempty" yaml:"sweep_spec,omitempty"`
	Timezone  string `json:"timezone,omitempty" yaml:"timezone,omitempty"`
}

const (
	DefaultQRAttempts        = 3
	DefaultKeepAliveInterval = 5 * time.Minute
	DefaultConnectTimeout    = 2 * time.Minute
	DefaultPrefix            = "."
	DefaultWarnLimit         = 3
	DefaultSendDelay         = 2 * time.Second
	DefaultFreeRecipientCap  = 5
	DefaultAuditRetention    = 720 * time.Hour
	DefaultSweepSpec         = "0 3 * * *"
)

// DefaultPublicCommands are the non-owner commands allowed in public mode
// when the config omits dispatch.public_commands.
func DefaultPublicCommands() []string {
	return []string{"tiktok", "sc", "repo", "sticker", "toimg"}
}
