package instrument

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Instrumenter starts spans and records one-shot business events.
type Instrumenter interface {
	StartSpan(ctx context.Context, source, component, action string) (context.Context, Span)
	EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any)
}

// Span is a timed operation. End is idempotent.
type Span interface {
	End()
	SetStatus(status string)
	SetMetadata(key string, value any)
	SetEntity(entity, recordID string)
	TraceID() string
	SpanID() string
}

// Event represents a row in the _events table. Spans carry a duration;
// business events (webhook.reviewed, webhook.delivery_exhausted) do not.
type Event struct {
	TraceID      string         `json:"trace_id"`
	SpanID       string         `json:"span_id"`
	ParentSpanID *string        `json:"parent_span_id"`
	EventType    string         `json:"event_type"`
	Source       string         `json:"source"`
	Component    string         `json:"component"`
	Action       string         `json:"action"`
	Entity       *string        `json:"entity"`
	RecordID     *string        `json:"record_id"`
	UserID       *string        `json:"user_id"`
	DurationMs   *float64       `json:"duration_ms"`
	Status       *string        `json:"status"`
	Metadata     map[string]any `json:"metadata"`
	CreatedAt    time.Time      `json:"created_at"`
}

func newUUID() string {
	return uuid.New().String()
}

// InstrumenterImpl enqueues spans and business events into an EventBuffer.
type InstrumenterImpl struct {
	buffer *EventBuffer
}

func NewInstrumenter(buffer *EventBuffer) *InstrumenterImpl {
	return &InstrumenterImpl{buffer: buffer}
}

// StartSpan opens a span that becomes the parent of spans started from the returned context.
// Background callers without a trace get a fresh trace ID.
func (i *InstrumenterImpl) StartSpan(ctx context.Context, source, component, action string) (context.Context, Span) {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = newUUID()
		ctx = WithTraceID(ctx, traceID)
	}
	span := &SpanImpl{
		traceID:      traceID,
		spanID:       newUUID(),
		parentSpanID: getParentSpanID(ctx),
		source:       source,
		component:    component,
		action:       action,
		userID:       getUserID(ctx),
		startTime:    time.Now(),
		metadata:     make(map[string]any),
		buffer:       i.buffer,
	}
	return WithParentSpanID(ctx, span.spanID), span
}

// EmitBusinessEvent records a one-shot event with no duration.
func (i *InstrumenterImpl) EmitBusinessEvent(ctx context.Context, action, entity, recordID string, metadata map[string]any) {
	traceID := GetTraceID(ctx)
	if traceID == "" {
		traceID = newUUID()
	}
	event := Event{
		TraceID:   traceID,
		SpanID:    newUUID(),
		EventType: "business",
		Source:    "business",
		Component: "webhook",
		Action:    action,
		Entity:    optional(entity),
		RecordID:  optional(recordID),
		UserID:    getUserID(ctx),
		Metadata:  metadata,
	}
	event.ParentSpanID = optional(getParentSpanID(ctx))
	i.buffer.Enqueue(event)
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
