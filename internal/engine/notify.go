package engine

import (
	"context"
	"log"

	"formflow/internal/instrument"
	"formflow/internal/model"
)

// Notifier tells a webhook's creator about a review decision.
type Notifier interface {
	WebhookReviewed(ctx context.Context, hook *model.Webhook, reviewer *model.Actor) error
}

// LogNotifier records review decisions in the log and as business events.
// Email delivery is handled by the notifications service reading _events.
type LogNotifier struct{}

func (LogNotifier) WebhookReviewed(ctx context.Context, hook *model.Webhook, reviewer *model.Actor) error {
	log.Printf("Webhook %s %s by %s (creator %s)", hook.ID, hook.Approval, reviewer.ID, hook.CreatedByID)
	instrument.GetInstrumenter(ctx).EmitBusinessEvent(ctx, "webhook.reviewed", "webhook", hook.ID, map[string]any{
		"approval":   string(hook.Approval),
		"form_id":    hook.FormID,
		"creator_id": hook.CreatedByID,
		"notes":      hook.AdminNotes,
	})
	return nil
}
