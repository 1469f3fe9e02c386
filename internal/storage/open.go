package storage

import (
	"context"
	"fmt"
	"strings"

	logx "tickq/pkg/logx"
)

// Store is the persistence API used by the journal.
type Store interface {
	AppendEvent(ctx context.Context, e EventRecord) error
	// RecentEvents returns up to n of the latest events, oldest first.
	RecentEvents(ctx context.Context, n int) ([]EventRecord, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, fmt.Errorf("unknown storage driver: %s", driver)
	}
}
