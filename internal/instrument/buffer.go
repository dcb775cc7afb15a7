package instrument

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// EventSink persists a batch of events.
type EventSink interface {
	WriteEvents(ctx context.Context, events []Event) error
}

// EventBuffer collects events in memory and periodically flushes them
// to an EventSink in one batch.
type EventBuffer struct {
	mu      sync.Mutex
	events  []Event
	sink    EventSink
	maxSize int
	ticker  *time.Ticker
	done    chan struct{}
	stopped sync.Once
}

// NewEventBuffer creates a buffer that flushes on a timer or when full.
func NewEventBuffer(sink EventSink, maxSize int, flushIntervalMs int) *EventBuffer {
	if maxSize <= 0 {
		maxSize = 500
	}
	if flushIntervalMs <= 0 {
		flushIntervalMs = 100
	}
	eb := &EventBuffer{
		sink:    sink,
		maxSize: maxSize,
		done:    make(chan struct{}),
		ticker:  time.NewTicker(time.Duration(flushIntervalMs) * time.Millisecond),
	}
	go eb.run()
	return eb
}

func (eb *EventBuffer) run() {
	for {
		select {
		case <-eb.done:
			return
		case <-eb.ticker.C:
			eb.Flush()
		}
	}
}

// Enqueue adds an event to the buffer. A full buffer flushes asynchronously.
func (eb *EventBuffer) Enqueue(event Event) {
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
	eb.mu.Lock()
	eb.events = append(eb.events, event)
	shouldFlush := len(eb.events) >= eb.maxSize
	eb.mu.Unlock()
	if shouldFlush {
		go eb.Flush()
	}
}

// Flush hands all buffered events to the sink.
func (eb *EventBuffer) Flush() {
	eb.mu.Lock()
	if len(eb.events) == 0 {
		eb.mu.Unlock()
		return
	}
	batch := eb.events
	eb.events = nil
	eb.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := eb.sink.WriteEvents(ctx, batch); err != nil {
		log.Printf("ERROR: event buffer flush (%d events): %v", len(batch), err)
	}
}

// Stop halts the background ticker and flushes remaining events.
func (eb *EventBuffer) Stop() {
	eb.stopped.Do(func() {
		eb.ticker.Stop()
		close(eb.done)
		eb.Flush()
	})
}

// PgEventSink writes events into the _events table.
type PgEventSink struct {
	Pool *pgxpool.Pool
}

var eventColumns = []string{"trace_id", "span_id", "parent_span_id", "event_type", "source", "component",
	"action", "entity", "record_id", "user_id", "duration_ms", "status", "metadata", "created_at"}

func (s *PgEventSink) WriteEvents(ctx context.Context, events []Event) error {
	tx, err := s.Pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, "SET LOCAL synchronous_commit = off"); err != nil {
		return fmt.Errorf("set sync commit: %w", err)
	}

	placeholders := make([]string, 0, len(events))
	args := make([]any, 0, len(events)*len(eventColumns))
	for i, e := range events {
		offset := i * len(eventColumns)
		ph := make([]string, len(eventColumns))
		for j := range eventColumns {
			ph[j] = fmt.Sprintf("$%d", offset+j+1)
		}
		placeholders = append(placeholders, "("+strings.Join(ph, ",")+")")

		var metaJSON any
		if e.Metadata != nil {
			b, _ := json.Marshal(e.Metadata)
			metaJSON = string(b)
		}
		args = append(args, e.TraceID, e.SpanID, e.ParentSpanID, e.EventType, e.Source, e.Component, e.Action,
			e.Entity, e.RecordID, e.UserID, e.DurationMs, e.Status, metaJSON, e.CreatedAt)
	}

	sql := fmt.Sprintf("INSERT INTO _events (%s) VALUES %s",
		strings.Join(eventColumns, ","), strings.Join(placeholders, ","))
	if _, err := tx.Exec(ctx, sql, args...); err != nil {
		return fmt.Errorf("insert events: %w", err)
	}
	return tx.Commit(ctx)
}
