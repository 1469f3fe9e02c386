package config

type Config struct {
	Logging   LoggingConfig   `json:"logging"`
	Scheduler SchedulerConfig `json:"scheduler"`

	// Storage is optional. Omitted or driver "none" disables the event journal.
	Storage *StorageConfig `json:"storage,omitempty"`

	// Debug is the optional loopback HTTP server (health, status, pprof).
	Debug DebugConfig `json:"debug,omitempty"`

	// Plan is the path of the plan file loaded at startup. The -plan flag wins.
	Plan string `json:"plan,omitempty"`
}

type LoggingConfig struct {
	Level   string      `json:"level"`
	Console bool        `json:"console"`
	File    LoggingFile `json:"file"`
}

type LoggingFile struct {
	Enabled bool   `json:"enabled"`
	Path    string `json:"path"`
}

// SchedulerConfig controls the dispatcher.
//
// Example:
//
//	"scheduler": { "resolution": "fine", "poll_interval": "1ms", "lag_warn_ticks": 1000 }
type SchedulerConfig struct {
	// Resolution is "default", "fine" or "finer" (or the factor 1, 0.1, 0.01).
	// Anything else falls back to default.
	Resolution string `json:"resolution,omitempty"`

	// PollInterval is a Go duration string (e.g. "1ms"). Empty means 1ms.
	PollInterval string `json:"poll_interval,omitempty"`

	// LagWarnTicks: 0 keeps the default threshold, < 0 disables lag warnings.
	LagWarnTicks int64 `json:"lag_warn_ticks,omitempty"`
}

// StorageConfig controls the optional event journal.
//
// Example:
//
//	"storage": { "driver": "file", "path": "./tickq_store" }
type StorageConfig struct {
	Driver      string `json:"driver"`
	Path        string `json:"path"`
	BusyTimeout string `json:"busy_timeout,omitempty"` // Go duration string (sqlite)

	// Retain caps how many events are kept; 0 means 10000.
	Retain int `json:"retain,omitempty"`
}

// DebugConfig controls the debug HTTP server.
//
// Example:
//
//	"debug": { "enabled": true, "addr": "127.0.0.1:6060" }
type DebugConfig struct {
	Enabled       bool   `json:"enabled"`
	Addr          string `json:"addr,omitempty"`
	Token         string `json:"token,omitempty"`
	AllowInsecure bool   `json:"allow_insecure,omitempty"`
}
