package config

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var ErrInvalid = errors.New("invalid config")

// Validate checks field formats. Resolution is not checked: unsupported
// values fall back to the default resolution at runtime.
func (c *Config) Validate() error {
	if c == nil {
		return fmt.Errorf("%w: config is nil", ErrInvalid)
	}
	var errs []error

	switch strings.ToLower(strings.TrimSpace(c.Logging.Level)) {
	case "", "trace", "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level: unknown level %q", c.Logging.Level))
	}

	if _, err := ParseDurationField("scheduler.poll_interval", c.Scheduler.PollInterval); err != nil {
		errs = append(errs, err)
	}

	if c.Storage != nil {
		s := derefStorage(c.Storage)
		switch s.Driver {
		case "none":
		case "file", "sqlite", "sqlite3":
			if s.Path == "" {
				errs = append(errs, fmt.Errorf("storage.path: required for driver %q", s.Driver))
			}
		default:
			errs = append(errs, fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver))
		}
		if _, err := ParseDurationField("storage.busy_timeout", s.BusyTimeout); err != nil {
			errs = append(errs, err)
		}
		if s.Retain < 0 {
			errs = append(errs, fmt.Errorf("storage.retain: must be >= 0"))
		}
	}

	if c.Debug.Enabled {
		if a := strings.TrimSpace(c.Debug.Addr); a != "" {
			if _, _, err := net.SplitHostPort(a); err != nil {
				errs = append(errs, fmt.Errorf("debug.addr: %w", err))
			}
		}
	}

	if len(errs) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalid, errors.Join(errs...))
}
