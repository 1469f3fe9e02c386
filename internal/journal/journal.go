// Package journal copies scheduler lifecycle events from the bus into storage.
package journal

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"tickq/internal/eventbus"
	"tickq/internal/scheduler"
	"tickq/internal/storage"
	logx "tickq/pkg/logx"
)

const (
	defaultBuffer = 256
	writeTimeout  = 2 * time.Second
)

type Service struct {
	store storage.Store
	bus   eventbus.Bus
	log   logx.Logger

	written atomic.Uint64
	failed  atomic.Uint64
}

func New(store storage.Store, bus eventbus.Bus, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{store: store, bus: bus, log: log}
}

// Run appends every event until ctx is done. A scheduler reset closes the
// subscription; Run subscribes again and keeps going.
func (s *Service) Run(ctx context.Context) error {
	if s.store == nil || s.bus == nil {
		<-ctx.Done()
		return nil
	}
	for ctx.Err() == nil {
		ch, unsub := s.bus.Subscribe(defaultBuffer)
		s.consume(ctx, ch)
		unsub()
		if ctx.Err() == nil {
			s.log.Debug("event bus reset; resubscribing")
		}
	}
	return nil
}

func (s *Service) consume(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case <-ctx.Done():
			s.flush(context.WithoutCancel(ctx), ch)
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.write(ctx, e)
		}
	}
}

// flush writes what is already buffered without waiting for more.
func (s *Service) flush(ctx context.Context, ch <-chan eventbus.Event) {
	for {
		select {
		case e, ok := <-ch:
			if !ok {
				return
			}
			s.write(ctx, e)
		default:
			return
		}
	}
}

func (s *Service) write(ctx context.Context, e eventbus.Event) {
	wctx, cancel := context.WithTimeout(ctx, writeTimeout)
	err := s.store.AppendEvent(wctx, Record(e))
	cancel()
	if err != nil {
		s.failed.Add(1)
		s.log.Warn("journal append failed", logx.String("type", e.Type), logx.Err(err))
		return
	}
	s.written.Add(1)
}

// Stats returns how many events were written and how many failed.
func (s *Service) Stats() (written, failed uint64) {
	return s.written.Load(), s.failed.Load()
}

// Record converts a bus event into its stored form.
func Record(e eventbus.Event) storage.EventRecord {
	r := storage.EventRecord{At: e.Time, Type: e.Type, Source: "scheduler", Tick: e.Tick}
	switch src := e.Data.(type) {
	case *scheduler.Task:
		r.Source = "task"
		r.SourceID = strconv.FormatUint(src.ID(), 10)
	case *scheduler.Queue:
		r.Source = "queue"
		r.SourceID = src.ID()
	}
	if r.At.IsZero() {
		r.At = time.Now()
	}
	return r
}
