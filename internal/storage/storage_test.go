package storage

import (
	"context"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	logx "tickq/pkg/logx"
)

func TestOpenDisabled(t *testing.T) {
	t.Parallel()
	for _, driver := range []string{"", "none", " NONE "} {
		st, err := Open(Config{Driver: driver}, logx.Nop())
		if err != nil || st != nil {
			t.Fatalf("Open(%q) = %v, %v; want nil, nil", driver, st, err)
		}
	}
	if _, err := Open(Config{Driver: "redis", Path: "x"}, logx.Nop()); err == nil {
		t.Fatal("unknown driver must fail")
	}
	if _, err := Open(Config{Driver: "file"}, logx.Nop()); err == nil {
		t.Fatal("file driver without path must fail")
	}
}

func drivers(t *testing.T) map[string]Config {
	dir := t.TempDir()
	return map[string]Config{
		"file":   {Driver: "file", Path: filepath.Join(dir, "file", "tickq.db"), Retain: 5},
		"sqlite": {Driver: "sqlite", Path: filepath.Join(dir, "sqlite", "tickq.db"), BusyTimeout: time.Second, Retain: 5},
	}
}

func TestAppendAndRecentEvents(t *testing.T) {
	t.Parallel()
	for name, cfg := range drivers(t) {
		name, cfg := name, cfg
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			st, err := Open(cfg, logx.Nop())
			if err != nil {
				t.Fatalf("Open: %v", err)
			}
			defer st.Close()

			got, err := st.RecentEvents(ctx, 10)
			if err != nil || len(got) != 0 {
				t.Fatalf("empty store: %v, %v", got, err)
			}

			at := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
			for i := 0; i < 4; i++ {
				e := EventRecord{At: at, Type: "stop", Source: "task", SourceID: strconv.Itoa(i), Tick: int64(i * 10)}
				if err := st.AppendEvent(ctx, e); err != nil {
					t.Fatalf("AppendEvent: %v", err)
				}
			}

			got, err = st.RecentEvents(ctx, 2)
			if err != nil {
				t.Fatalf("RecentEvents: %v", err)
			}
			if len(got) != 2 || got[0].SourceID != "2" || got[1].SourceID != "3" {
				t.Fatalf("RecentEvents(2) = %+v, want ids 2,3 oldest first", got)
			}
			if got[1].Tick != 30 || got[1].Type != "stop" || got[1].Source != "task" || !got[1].At.Equal(at) {
				t.Fatalf("unexpected record: %+v", got[1])
			}

			all, err := st.RecentEvents(ctx, 100)
			if err != nil || len(all) != 4 {
				t.Fatalf("RecentEvents(100) = %d records, %v; want 4", len(all), err)
			}
		})
	}
}

func TestFileStoreCompactsToRetain(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tickq.db")
	st, err := Open(Config{Driver: "file", Path: path, Retain: 4}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	for i := 0; i < 7; i++ {
		if err := st.AppendEvent(ctx, EventRecord{Type: "busy", Source: "scheduler", Tick: int64(i)}); err != nil {
			t.Fatalf("AppendEvent: %v", err)
		}
	}
	fs := st.(*fileStore)
	if fs.lines > 6 {
		t.Fatalf("lines = %d, want compaction at 7", fs.lines)
	}
	got, err := st.RecentEvents(ctx, 100)
	if err != nil {
		t.Fatalf("RecentEvents: %v", err)
	}
	if len(got) != 4 || got[0].Tick != 3 || got[3].Tick != 6 {
		t.Fatalf("after compaction = %+v, want ticks 3..6", got)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	// Reopen keeps history and appends after it.
	st, err = Open(Config{Driver: "file", Path: path, Retain: 4}, logx.Nop())
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer st.Close()
	if err := st.AppendEvent(ctx, EventRecord{Type: "idle", Source: "scheduler", Tick: 7}); err != nil {
		t.Fatalf("AppendEvent: %v", err)
	}
	got, _ = st.RecentEvents(ctx, 1)
	if len(got) != 1 || got[0].Tick != 7 {
		t.Fatalf("RecentEvents(1) after reopen = %+v", got)
	}
	if _, err := os.Stat(filepath.Join(filepath.Dir(path), "tickq.events.jsonl")); err != nil {
		t.Fatalf("events file: %v", err)
	}
}

func TestFileStoreClosed(t *testing.T) {
	t.Parallel()
	st, err := Open(Config{Driver: "file", Path: filepath.Join(t.TempDir(), "x")}, logx.Nop())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("second Close: %v", err)
	}
	if err := st.AppendEvent(context.Background(), EventRecord{Type: "busy"}); err == nil {
		t.Fatal("append after close must fail")
	}
}
