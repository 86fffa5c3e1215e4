package config

import (
	"fmt"
	"strings"
	"time"
)

// Validate checks field-level constraints. It does not mutate cfg; callers
// resolve defaults with the accessor helpers below.
func Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout); err != nil {
		return err
	}
	if cfg.Session.QRAttempts < 0 {
		return fmt.Errorf("session.qr_attempts must be >= 0")
	}
	if _, err := ParseDurationField("session.keep_alive_interval", cfg.Session.KeepAliveInterval); err != nil {
		return err
	}
	if _, err := ParseDurationField("session.connect_timeout", cfg.Session.ConnectTimeout); err != nil {
		return err
	}
	if p := cfg.Dispatch.Prefix; len(p) > 1 {
		return fmt.Errorf("dispatch.prefix must be a single character, got %q", p)
	}
	if cfg.Moderation.WarnLimit < 0 {
		return fmt.Errorf("moderation.warn_limit must be >= 0")
	}
	if _, err := ParseDurationField("broadcast.send_delay", cfg.Broadcast.SendDelay); err != nil {
		return err
	}
	if cfg.Broadcast.FreeRecipientCap < 0 {
		return fmt.Errorf("broadcast.free_recipient_cap must be >= 0")
	}
	if _, err := ParseDurationField("ops.read_timeout", cfg.Ops.ReadTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("ops.write_timeout", cfg.Ops.WriteTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("ops.idle_timeout", cfg.Ops.IdleTimeout); err != nil {
		return err
	}
	if _, err := ParseDurationField("maintenance.audit_retention", cfg.Maintain.AuditRetention); err != nil {
		return err
	}
	return nil
}

// Resolved accessors: zero values fall back to package defaults so an empty
// section in the file behaves the same as an omitted one.

func (c SessionConfig) ResolvedQRAttempts() int {
	if c.QRAttempts <= 0 {
		return DefaultQRAttempts
	}
	return c.QRAttempts
}

func (c SessionConfig) ResolvedKeepAliveInterval() (time.Duration, error) {
	return ParseDurationOrDefault("session.keep_alive_interval", c.KeepAliveInterval, DefaultKeepAliveInterval)
}

func (c SessionConfig) ResolvedConnectTimeout() (time.Duration, error) {
	return ParseDurationOrDefault("session.connect_timeout", c.ConnectTimeout, DefaultConnectTimeout)
}

func (c DispatchConfig) ResolvedPrefix() string {
	if strings.TrimSpace(c.Prefix) == "" {
		return DefaultPrefix
	}
	return c.Prefix
}

func (c DispatchConfig) ResolvedPublicCommands() []string {
	if len(c.PublicCommands) == 0 {
		return DefaultPublicCommands()
	}
	return c.PublicCommands
}

func (c ModerationConfig) ResolvedWarnLimit() int {
	if c.WarnLimit <= 0 {
		return DefaultWarnLimit
	}
	return c.WarnLimit
}

func (c BroadcastConfig) ResolvedSendDelay() (time.Duration, error) {
	return ParseDurationOrDefault("broadcast.send_delay", c.SendDelay, DefaultSendDelay)
}

func (c BroadcastConfig) ResolvedFreeRecipientCap() int {
	if c.FreeRecipientCap <= 0 {
		return DefaultFreeRecipientCap
	}
	return c.FreeRecipientCap
}

func (c MaintenanceConfig) ResolvedAuditRetention() (time.Duration, error) {
	return ParseDurationOrDefault("maintenance.audit_retention", c.AuditRetention, DefaultAuditRetention)
}

func (c MaintenanceConfig) ResolvedSweepSpec() string {
	if strings.TrimSpace(c.SweepSpec) == "" {
		return DefaultSweepSpec
	}
	return c.SweepSpec
}
