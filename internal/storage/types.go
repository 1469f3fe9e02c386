package storage

import (
	"errors"
	"time"
)

var ErrDisabled = errors.New("storage disabled")

const defaultRetain = 10000

// Config configures storage.
//
// If Driver is empty or "none", storage is disabled.
type Config struct {
	Driver      string
	Path        string
	BusyTimeout time.Duration // sqlite only; 0 means default

	// Retain is the number of most recent events kept; 0 means 10000.
	Retain int
}

func (c Config) retain() int {
	if c.Retain <= 0 {
		return defaultRetain
	}
	return c.Retain
}

// EventRecord is one journaled lifecycle event.
// Keep it compact and schema-stable.
type EventRecord struct {
	At       time.Time `json:"at"`
	Type     string    `json:"type"`
	Source   string    `json:"source"`              // "scheduler", "task" or "queue"
	SourceID string    `json:"source_id,omitempty"` // task id or queue id
	Tick     int64     `json:"tick"`
}
