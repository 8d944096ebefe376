package app

import (
	"fmt"
	"strings"

	"modbot/internal/config"
	"modbot/internal/janitor"
	"modbot/internal/scheduler"
	"modbot/internal/storage"
	logx "modbot/pkg/logx"
)

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Relay: logx.RelayConfig{
			Enabled:    cfg.Logging.Relay.Enabled,
			GuildID:    cfg.Discord.ModLogGuildID,
			ChannelID:  cfg.Discord.ModLogChannelID,
			MinLevel:   cfg.Logging.Relay.MinLevel,
			RatePerSec: cfg.Logging.Relay.RatePerSec,
		},
	}
}

// mapLoggingConfigChecked rejects relay configs with no destination so a bad
// hot-reload is caught before commit.
func mapLoggingConfigChecked(cfg *config.Config) (logx.Config, error) {
	lc := mapLoggingConfig(cfg)
	if lc.Relay.Enabled && strings.TrimSpace(cfg.Discord.ModLogChannelID) == "" {
		return logx.Config{}, fmt.Errorf("logging.relay.enabled requires discord.mod_log_channel_id")
	}
	return lc, nil
}

func mapSchedulerConfig(cfg *config.Config) (scheduler.Config, error) {
	tick, err := config.ParseDurationOrDefault("scheduler.tick_interval", cfg.Scheduler.TickInterval, 0)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		Enabled:      cfg.Scheduler.Enabled,
		TickInterval: tick,
	}, nil
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 0)
	if err != nil {
		return storage.Config{}, err
	}
	driver := strings.ToLower(strings.TrimSpace(cfg.Storage.Driver))
	switch driver {
	case "", "file", "sqlite", "sqlite3", "memory":
	default:
		return storage.Config{}, fmt.Errorf("storage.driver: unknown driver %q", cfg.Storage.Driver)
	}
	path := strings.TrimSpace(cfg.Storage.Path)
	if path == "" && driver != "memory" {
		path = "./data"
	}
	return storage.Config{
		Driver:      driver,
		Path:        path,
		BusyTimeout: busy,
	}, nil
}

func mapJanitorConfig(cfg *config.Config) (janitor.Config, error) {
	retention, err := config.ParseDurationOrDefault("janitor.audit_retention", cfg.Janitor.AuditRetention, 0)
	if err != nil {
		return janitor.Config{}, err
	}
	return janitor.Config{
		Enabled:        cfg.Janitor.Enabled,
		FlushSpec:      cfg.Janitor.FlushSpec,
		AuditPruneSpec: cfg.Janitor.AuditPruneSpec,
		AuditRetention: retention,
	}, nil
}
