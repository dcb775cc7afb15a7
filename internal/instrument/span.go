package instrument

import (
	"sync"
	"time"
)

// SpanImpl times an operation and enqueues a system event when ended.
type SpanImpl struct {
	mu sync.Mutex

	traceID      string
	spanID       string
	parentSpanID string
	source       string
	component    string
	action       string
	entity       *string
	recordID     *string
	userID       *string
	status       *string
	startTime    time.Time
	metadata     map[string]any
	buffer       *EventBuffer
	ended        bool
}

func (s *SpanImpl) TraceID() string { return s.traceID }
func (s *SpanImpl) SpanID() string  { return s.spanID }

func (s *SpanImpl) SetStatus(status string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status = &status
}

func (s *SpanImpl) SetMetadata(key string, value any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metadata[key] = value
}

func (s *SpanImpl) SetEntity(entity, recordID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entity = &entity
	s.recordID = optional(recordID)
}

func (s *SpanImpl) End() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	s.ended = true

	durationMs := float64(time.Since(s.startTime).Microseconds()) / 1000.0
	s.buffer.Enqueue(Event{
		TraceID:      s.traceID,
		SpanID:       s.spanID,
		ParentSpanID: optional(s.parentSpanID),
		EventType:    "system",
		Source:       s.source,
		Component:    s.component,
		Action:       s.action,
		Entity:       s.entity,
		RecordID:     s.recordID,
		UserID:       s.userID,
		DurationMs:   &durationMs,
		Status:       s.status,
		Metadata:     s.metadata,
	})
}
