package config

import (
	"sort"
	"strings"

	logx "tickq/pkg/logx"
)

// SummarizeConfigChange returns the changed sections and structured attrs
// for logging a reload.
func SummarizeConfigChange(oldCfg, newCfg *Config) ([]string, []logx.Field) {
	if oldCfg == nil {
		oldCfg = &Config{}
	}
	if newCfg == nil {
		newCfg = &Config{}
	}

	changed := make([]string, 0, 4)
	attrs := make([]logx.Field, 0, 12)

	if oldCfg.Logging != newCfg.Logging {
		changed = append(changed, "logging")
		attrs = append(attrs,
			logx.String("logging.level", newCfg.Logging.Level),
			logx.Bool("logging.console", newCfg.Logging.Console),
			logx.Bool("logging.file_enabled", newCfg.Logging.File.Enabled),
		)
	}

	o, n := oldCfg.Scheduler, newCfg.Scheduler
	if strings.TrimSpace(o.Resolution) != strings.TrimSpace(n.Resolution) ||
		strings.TrimSpace(o.PollInterval) != strings.TrimSpace(n.PollInterval) ||
		o.LagWarnTicks != n.LagWarnTicks {
		changed = append(changed, "scheduler")
		attrs = append(attrs,
			logx.String("scheduler.resolution", strings.TrimSpace(n.Resolution)),
			logx.String("scheduler.poll_interval", strings.TrimSpace(n.PollInterval)),
			logx.Int64("scheduler.lag_warn_ticks", n.LagWarnTicks),
		)
	}

	if StorageChanged(oldCfg, newCfg) {
		s := derefStorage(newCfg.Storage)
		changed = append(changed, "storage")
		attrs = append(attrs,
			logx.String("storage.driver", s.Driver),
			logx.Bool("storage.path_set", s.Path != ""),
			logx.String("storage.busy_timeout", s.BusyTimeout),
		)
	}

	if oldCfg.Debug != newCfg.Debug {
		changed = append(changed, "debug")
		attrs = append(attrs,
			logx.Bool("debug.enabled", newCfg.Debug.Enabled),
			logx.String("debug.addr", newCfg.Debug.Addr),
			logx.Bool("debug.token_set", newCfg.Debug.Token != ""),
		)
	}

	if strings.TrimSpace(oldCfg.Plan) != strings.TrimSpace(newCfg.Plan) {
		changed = append(changed, "plan")
		attrs = append(attrs, logx.String("plan", strings.TrimSpace(newCfg.Plan)))
	}

	sort.Strings(changed)
	return changed, attrs
}

// StorageChanged reports whether the storage section differs. A nil section
// and driver "none" are the same thing.
func StorageChanged(oldCfg, newCfg *Config) bool {
	var o, n StorageConfig
	if oldCfg != nil {
		o = derefStorage(oldCfg.Storage)
	}
	if newCfg != nil {
		n = derefStorage(newCfg.Storage)
	}
	return o != n
}

func derefStorage(s *StorageConfig) StorageConfig {
	if s == nil {
		return StorageConfig{Driver: "none"}
	}
	out := StorageConfig{
		Driver:      strings.ToLower(strings.TrimSpace(s.Driver)),
		Path:        strings.TrimSpace(s.Path),
		BusyTimeout: strings.TrimSpace(s.BusyTimeout),
		Retain:      s.Retain,
	}
	if out.Driver == "" {
		out.Driver = "none"
	}
	if out.Driver == "none" {
		return StorageConfig{Driver: "none"}
	}
	return out
}
