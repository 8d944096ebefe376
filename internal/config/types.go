package config

type Config struct {
	Discord   DiscordConfig   `json:"discord"`
	Logging   LoggingConfig   `json:"logging"`
	Storage   StorageConfig   `json:"storage"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Janitor   JanitorConfig   `json:"janitor,omitempty"`
	Debug     DebugConfig     `json:"debug,omitempty"`
}

// DebugConfig controls the local debug HTTP server (health, scheduler
// status, pprof). A non-loopback Addr requires Token.
type DebugConfig struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr,omitempty"`
	Token   string `json:"token,omitempty"`
}

type DiscordConfig struct {
	Token string `json:"token,omitempty"`

	// ModLogGuildID/ModLogChannelID point at the moderation log channel
	// used by the log relay and by handlers reporting failures.
	ModLogGuildID   string `json:"mod_log_guild_id,omitempty"`
	ModLogChannelID string `json:"mod_log_channel_id,omitempty"`
}

type LoggingConfig struct {
	Level   string       `json:"level"`
	Console bool         `json:"console"`
	File    LoggingFile  `json:"file"`
	Relay   LoggingRelay `json:"relay"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// LoggingRelay mirrors logx.RelayConfig: log lines at or above min_level are
// forwarded to the mod-log channel, rate limited.
type LoggingRelay struct {
	Enabled    bool   `json:"enabled"`
	MinLevel   string `json:"min_level,omitempty"`
	RatePerSec int    `json:"rate_per_sec,omitempty"`
}

// StorageConfig controls the per-guild document store.
//
// Driver values:
//   - "file":   one JSON document per guild plus a JSONL audit log
//   - "sqlite": SQLite database file (requires the sqlite build tag)
//   - "memory": volatile, for tests and dry runs
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path,omitempty"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)
}

// SchedulerConfig controls the durable task scheduler.
//
// TickInterval is a Go duration string; it bounds how late a due task can
// fire under normal operation. Defaults to "2s".
type SchedulerConfig struct {
	Enabled      bool   `json:"enabled"`
	TickInterval string `json:"tick_interval,omitempty"`
}

// JanitorConfig controls background maintenance.
//
// FlushSpec and AuditPruneSpec accept robfig/cron expressions including
// descriptors ("@every 5m", "@daily"). AuditRetention is a Go duration
// string; audit entries older than it are pruned.
type JanitorConfig struct {
	Enabled        bool   `json:"enabled"`
	FlushSpec      string `json:"flush_spec,omitempty"`
	AuditPruneSpec string `json:"audit_prune_spec,omitempty"`
	AuditRetention string `json:"audit_retention,omitempty"`
}
