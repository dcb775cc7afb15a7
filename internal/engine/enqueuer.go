package engine

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"github.com/google/uuid"

	"formflow/internal/model"
	"formflow/internal/store"
)

// Enqueuer turns domain events into PENDING deliveries. Producers call it from
// their own request paths, so it reports problems in the log, never to the caller.
type Enqueuer struct {
	webhooks   WebhookStore
	deliveries DeliveryStore
	forms      FormSource
	now        func() time.Time
}

func NewEnqueuer(webhooks WebhookStore, deliveries DeliveryStore, forms FormSource) *Enqueuer {
	return &Enqueuer{webhooks: webhooks, deliveries: deliveries, forms: forms, now: time.Now}
}

// QueueDelivery records a delivery of event for one webhook. It is a no-op when
// the webhook is missing, inactive, not approved, not subscribed, or its
// condition does not match. Every call creates a new record.
func (e *Enqueuer) QueueDelivery(ctx context.Context, webhookID string, event model.EventType, submissionID string) bool {
	hook, err := e.webhooks.Get(ctx, webhookID)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			log.Printf("ERROR: enqueue %s for webhook %s: %v", event, webhookID, err)
		}
		return false
	}
	return e.queue(ctx, hook, event, submissionID)
}

// TriggerFormWebhooks queues event for every eligible webhook on a form and
// returns how many deliveries were created.
func (e *Enqueuer) TriggerFormWebhooks(ctx context.Context, formID string, event model.EventType, submissionID string) int {
	hooks, err := e.webhooks.ListByForm(ctx, formID)
	if err != nil {
		log.Printf("ERROR: list webhooks for form %s: %v", formID, err)
		return 0
	}
	queued := 0
	for _, hook := range hooks {
		if e.queue(ctx, hook, event, submissionID) {
			queued++
		}
	}
	return queued
}

// TriggerSubmissionWebhooks resolves the submission's form and fans out.
func (e *Enqueuer) TriggerSubmissionWebhooks(ctx context.Context, submissionID string, event model.EventType) int {
	if !event.IsSubmissionEvent() {
		log.Printf("WARN: %s is not a submission event", event)
		return 0
	}
	sub, err := e.forms.GetSubmission(ctx, submissionID)
	if err != nil {
		log.Printf("ERROR: load submission %s for %s: %v", submissionID, event, err)
		return 0
	}
	return e.TriggerFormWebhooks(ctx, sub.FormID, event, submissionID)
}

func (e *Enqueuer) queue(ctx context.Context, hook *model.Webhook, event model.EventType, submissionID string) bool {
	if !hook.Eligible(event) {
		return false
	}

	payload, err := e.buildPayload(ctx, hook, event, submissionID)
	if err != nil {
		log.Printf("ERROR: build %s payload for webhook %s: %v", event, hook.ID, err)
		return false
	}

	match, err := EvaluateCondition(hook.Condition, payload)
	if err != nil {
		log.Printf("ERROR: webhook %s condition evaluation: %v", hook.ID, err)
		return false
	}
	if !match {
		return false
	}

	body, err := json.Marshal(payload)
	if err != nil {
		log.Printf("ERROR: encode %s payload for webhook %s: %v", event, hook.ID, err)
		return false
	}

	now := e.now()
	del := &model.Delivery{
		ID:               uuid.NewString(),
		WebhookID:        hook.ID,
		SubmissionID:     submissionID,
		EventType:        event,
		Status:           model.DeliveryPending,
		RequestBody:      body,
		NextAttempt:      &now,
		RequestTimestamp: now,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.deliveries.Insert(ctx, del); err != nil {
		log.Printf("ERROR: queue delivery for webhook %s: %v", hook.ID, err)
		return false
	}
	return true
}

func (e *Enqueuer) buildPayload(ctx context.Context, hook *model.Webhook, event model.EventType, submissionID string) (*Payload, error) {
	form, err := e.forms.GetForm(ctx, hook.FormID)
	if err != nil {
		return nil, err
	}
	now := e.now()
	if !event.IsSubmissionEvent() {
		return BuildFormPayload(event, form, now), nil
	}

	if submissionID == "" {
		return nil, errors.New("submission event without submission id")
	}
	sub, err := e.forms.GetSubmission(ctx, submissionID)
	if err != nil {
		return nil, err
	}
	if sub.FormID != hook.FormID {
		return nil, errors.New("submission " + sub.ID + " belongs to another form")
	}
	fields, err := e.forms.ListFields(ctx, form.ID)
	if err != nil {
		return nil, err
	}
	return BuildSubmissionPayload(event, form, fields, sub, hook, now), nil
}
