package app

import (
	"fmt"
	"strings"
	"time"

	"wabot/internal/config"
	"wabot/internal/maintenance"
	"wabot/internal/ops"
	"wabot/internal/session"
	"wabot/internal/storage"
)

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationField("storage.busy_timeout", cfg.Storage.BusyTimeout)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{
		Path:        cfg.Storage.Path,
		BusyTimeout: busy,
	}, nil
}

func mapSessionOptions(cfg *config.Config) (session.Options, error) {
	keepAlive, err := cfg.Session.ResolvedKeepAliveInterval()
	if err != nil {
		return session.Options{}, err
	}
	connect, err := cfg.Session.ResolvedConnectTimeout()
	if err != nil {
		return session.Options{}, err
	}
	return session.Options{
		QRAttempts:        cfg.Session.ResolvedQRAttempts(),
		KeepAliveInterval: keepAlive,
		ConnectTimeout:    connect,
	}, nil
}

func mapOpsConfig(cfg *config.Config) (ops.Config, error) {
	read, err := config.ParseDurationOrDefault("ops.read_timeout", cfg.Ops.ReadTimeout, 5*time.Second)
	if err != nil {
		return ops.Config{}, err
	}
	// WriteTimeout stays 0 unless set so long pprof profiles can stream.
	write, err := config.ParseDurationField("ops.write_timeout", cfg.Ops.WriteTimeout)
	if err != nil {
		return ops.Config{}, err
	}
	idle, err := config.ParseDurationOrDefault("ops.idle_timeout", cfg.Ops.IdleTimeout, time.Minute)
	if err != nil {
		return ops.Config{}, err
	}
	return ops.Config{
		Enabled:      cfg.Ops.Enabled,
		Addr:         cfg.Ops.Addr,
		Token:        cfg.Ops.Token,
		ReadTimeout:  read,
		WriteTimeout: write,
		IdleTimeout:  idle,
	}, nil
}

func mapMaintenanceOptions(cfg *config.Config) (maintenance.Options, error) {
	retention, err := cfg.Maintain.ResolvedAuditRetention()
	if err != nil {
		return maintenance.Options{}, err
	}
	loc := time.Local
	if tz := strings.TrimSpace(cfg.Maintain.Timezone); tz != "" {
		l, err := time.LoadLocation(tz)
		if err != nil {
			return maintenance.Options{}, fmt.Errorf("maintenance.timezone: invalid %q: %w", tz, err)
		}
		loc = l
	}
	return maintenance.Options{
		AuditRetention: retention,
		SweepSpec:      cfg.Maintain.ResolvedSweepSpec(),
		Location:       loc,
	}, nil
}
