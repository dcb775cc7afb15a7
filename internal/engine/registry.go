package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"formflow/internal/model"
	"formflow/internal/store"
)

const (
	defaultRetryCount    = 3
	maxRetryCount        = 10
	defaultRetryInterval = 60
	maxRetryInterval     = 3600
)

// WebhookInput is the body of a create request.
type WebhookInput struct {
	URL                string            `json:"url"`
	Active             *bool             `json:"active"`
	AuthType           model.AuthType    `json:"auth_type"`
	AuthValue          string            `json:"auth_value"`
	SecretKey          string            `json:"secret_key"`
	EventTypes         []model.EventType `json:"event_types"`
	IncludeFields      []string          `json:"include_fields"`
	ExcludeFields      []string          `json:"exclude_fields"`
	Condition          string            `json:"condition"`
	RetryCount         *int              `json:"retry_count"`
	RetryInterval      *int              `json:"retry_interval"`
	AllowedIPAddresses []string          `json:"allowed_ip_addresses"`
}

// WebhookPatch is the body of an update request. Nil fields are left unchanged.
type WebhookPatch struct {
	URL                *string            `json:"url"`
	Active             *bool              `json:"active"`
	AuthType           *model.AuthType    `json:"auth_type"`
	AuthValue          *string            `json:"auth_value"`
	SecretKey          *string            `json:"secret_key"`
	EventTypes         *[]model.EventType `json:"event_types"`
	IncludeFields      *[]string          `json:"include_fields"`
	ExcludeFields      *[]string          `json:"exclude_fields"`
	Condition          *string            `json:"condition"`
	RetryCount         *int               `json:"retry_count"`
	RetryInterval      *int               `json:"retry_interval"`
	AllowedIPAddresses *[]string          `json:"allowed_ip_addresses"`
	AdminLocked        *bool              `json:"admin_locked"`
}

// Registry owns webhook subscriptions and their approval workflow.
type Registry struct {
	webhooks WebhookStore
	forms    FormSource
	notifier Notifier
	now      func() time.Time
}

func NewRegistry(webhooks WebhookStore, forms FormSource, notifier Notifier) *Registry {
	if notifier == nil {
		notifier = LogNotifier{}
	}
	return &Registry{webhooks: webhooks, forms: forms, notifier: notifier, now: time.Now}
}

// authorizeForm loads the form and checks the actor may manage its webhooks.
func (r *Registry) authorizeForm(ctx context.Context, formID string, actor *model.Actor) (*model.Form, error) {
	form, err := r.forms.GetForm(ctx, formID)
	if err != nil {
		return nil, notFoundOr(err, "form", formID)
	}
	if !actor.IsAdmin() && (actor == nil || form.OwnerID != actor.ID) {
		return nil, ForbiddenError("You do not own this form")
	}
	return form, nil
}

func (r *Registry) Create(ctx context.Context, formID string, in WebhookInput, actor *model.Actor) (*model.Webhook, error) {
	if _, err := r.authorizeForm(ctx, formID, actor); err != nil {
		return nil, err
	}

	now := r.now()
	wh := &model.Webhook{
		ID:                 uuid.NewString(),
		FormID:             formID,
		URL:                strings.TrimSpace(in.URL),
		Active:             true,
		AuthType:           in.AuthType,
		AuthValue:          in.AuthValue,
		SecretKey:          in.SecretKey,
		EventTypes:         in.EventTypes,
		IncludeFields:      in.IncludeFields,
		ExcludeFields:      in.ExcludeFields,
		Condition:          in.Condition,
		RetryCount:         defaultRetryCount,
		RetryInterval:      defaultRetryInterval,
		Approval:           model.ApprovalPending,
		AllowedIPAddresses: in.AllowedIPAddresses,
		CreatedByID:        actor.ID,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	if wh.AuthType == "" {
		wh.AuthType = model.AuthNone
	}
	if in.Active != nil {
		wh.Active = *in.Active
	}
	if in.RetryCount != nil {
		wh.RetryCount = *in.RetryCount
	}
	if in.RetryInterval != nil {
		wh.RetryInterval = *in.RetryInterval
	}
	if actor.IsAdmin() {
		wh.Approval = model.ApprovalApproved
		wh.ReviewedByID = actor.ID
		wh.ReviewedAt = &now
	}

	if details := validateWebhook(wh); len(details) > 0 {
		return nil, ValidationError(details)
	}
	if err := r.webhooks.Create(ctx, wh); err != nil {
		if errors.Is(err, store.ErrUniqueViolation) {
			return nil, ConflictError("webhook already exists")
		}
		return nil, err
	}
	return wh, nil
}

// Get loads a webhook the actor may see.
func (r *Registry) Get(ctx context.Context, id string, actor *model.Actor) (*model.Webhook, error) {
	wh, err := r.webhooks.Get(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "webhook", id)
	}
	if _, err := r.authorizeForm(ctx, wh.FormID, actor); err != nil {
		return nil, err
	}
	return wh, nil
}

func (r *Registry) ListForForm(ctx context.Context, formID string, actor *model.Actor) ([]*model.Webhook, error) {
	if _, err := r.authorizeForm(ctx, formID, actor); err != nil {
		return nil, err
	}
	return r.webhooks.ListByForm(ctx, formID)
}

// ListAll returns every webhook, or those in one approval state. Admin only.
func (r *Registry) ListAll(ctx context.Context, approval model.ApprovalState, actor *model.Actor) ([]*model.Webhook, error) {
	if !actor.IsAdmin() {
		return nil, ForbiddenError("Admin access required")
	}
	return r.webhooks.List(ctx, approval)
}

func (r *Registry) ListPending(ctx context.Context, actor *model.Actor) ([]*model.Webhook, error) {
	return r.ListAll(ctx, model.ApprovalPending, actor)
}

func (r *Registry) Update(ctx context.Context, id string, patch WebhookPatch, actor *model.Actor) (*model.Webhook, error) {
	wh, err := r.Get(ctx, id, actor)
	if err != nil {
		return nil, err
	}

	admin := actor.IsAdmin()
	if wh.AdminLocked && !admin {
		return nil, ForbiddenError("Webhook is locked by an administrator")
	}
	if patch.AdminLocked != nil && !admin {
		return nil, ForbiddenError("Only administrators can lock webhooks")
	}
	if patch.Active != nil && *patch.Active && !wh.Active && wh.DeactivatedByID != "" && !admin {
		return nil, ForbiddenError("Webhook was deactivated by an administrator")
	}

	if patch.URL != nil {
		newURL := strings.TrimSpace(*patch.URL)
		if newURL != wh.URL && !admin {
			wh.Approval = model.ApprovalPending
		}
		wh.URL = newURL
	}
	if patch.Active != nil {
		wh.Active = *patch.Active
		if admin {
			if wh.Active {
				wh.DeactivatedByID = ""
			} else {
				wh.DeactivatedByID = actor.ID
			}
		}
	}
	if patch.AuthType != nil {
		wh.AuthType = *patch.AuthType
	}
	if patch.AuthValue != nil {
		wh.AuthValue = *patch.AuthValue
	}
	if patch.SecretKey != nil {
		wh.SecretKey = *patch.SecretKey
	}
	if patch.EventTypes != nil {
		wh.EventTypes = *patch.EventTypes
	}
	if patch.IncludeFields != nil {
		wh.IncludeFields = *patch.IncludeFields
	}
	if patch.ExcludeFields != nil {
		wh.ExcludeFields = *patch.ExcludeFields
	}
	if patch.Condition != nil {
		wh.Condition = *patch.Condition
	}
	if patch.RetryCount != nil {
		wh.RetryCount = *patch.RetryCount
	}
	if patch.RetryInterval != nil {
		wh.RetryInterval = *patch.RetryInterval
	}
	if patch.AllowedIPAddresses != nil {
		wh.AllowedIPAddresses = *patch.AllowedIPAddresses
	}
	if patch.AdminLocked != nil {
		wh.AdminLocked = *patch.AdminLocked
	}

	if details := validateWebhook(wh); len(details) > 0 {
		return nil, ValidationError(details)
	}
	wh.UpdatedAt = r.now()
	if err := r.webhooks.Update(ctx, wh); err != nil {
		return nil, notFoundOr(err, "webhook", id)
	}
	return wh, nil
}

func (r *Registry) Delete(ctx context.Context, id string, actor *model.Actor) error {
	wh, err := r.Get(ctx, id, actor)
	if err != nil {
		return err
	}
	if wh.AdminLocked && !actor.IsAdmin() {
		return ForbiddenError("Webhook is locked by an administrator")
	}
	if err := r.webhooks.Delete(ctx, id); err != nil {
		return notFoundOr(err, "webhook", id)
	}
	return nil
}

// Review approves or rejects a webhook. The creator is notified in the
// background; a notification failure never undoes the decision.
func (r *Registry) Review(ctx context.Context, id string, decision model.ApprovalState, notes string, admin *model.Actor) (*model.Webhook, error) {
	if !admin.IsAdmin() {
		return nil, ForbiddenError("Admin access required")
	}
	if decision != model.ApprovalApproved && decision != model.ApprovalRejected {
		return nil, ValidationError([]ErrorDetail{{Field: "decision", Rule: "enum", Message: "decision must be APPROVED or REJECTED"}})
	}

	wh, err := r.webhooks.Get(ctx, id)
	if err != nil {
		return nil, notFoundOr(err, "webhook", id)
	}

	now := r.now()
	wh.Approval = decision
	wh.ReviewedByID = admin.ID
	wh.ReviewedAt = &now
	wh.UpdatedAt = now
	if decision == model.ApprovalApproved {
		wh.AdminNotes = ""
	} else {
		wh.AdminNotes = notes
	}

	if err := r.webhooks.Update(ctx, wh); err != nil {
		return nil, notFoundOr(err, "webhook", id)
	}

	reviewed := *wh
	go func() {
		if err := r.notifier.WebhookReviewed(context.WithoutCancel(ctx), &reviewed, admin); err != nil {
			log.Printf("WARN: notify review of webhook %s: %v", reviewed.ID, err)
		}
	}()
	return wh, nil
}

func validateWebhook(wh *model.Webhook) []ErrorDetail {
	var details []ErrorDetail
	add := func(field, rule, msg string) {
		details = append(details, ErrorDetail{Field: field, Rule: rule, Message: msg})
	}

	if u, err := url.Parse(wh.URL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		add("url", "url", "url must be an absolute http or https URL")
	}
	if len(wh.EventTypes) == 0 {
		add("event_types", "required", "at least one event type is required")
	}
	for _, e := range wh.EventTypes {
		if !e.Valid() {
			add("event_types", "enum", fmt.Sprintf("unknown event type %q", e))
		}
	}
	if !wh.AuthType.Valid() {
		add("auth_type", "enum", fmt.Sprintf("unknown auth type %q", wh.AuthType))
	} else if wh.AuthType != model.AuthNone && wh.AuthValue == "" {
		add("auth_value", "required", "auth_value is required for "+string(wh.AuthType))
	}
	if wh.RetryCount < 1 || wh.RetryCount > maxRetryCount {
		add("retry_count", "range", fmt.Sprintf("retry_count must be between 1 and %d", maxRetryCount))
	}
	if wh.RetryInterval < 1 || wh.RetryInterval > maxRetryInterval {
		add("retry_interval", "range", fmt.Sprintf("retry_interval must be between 1 and %d seconds", maxRetryInterval))
	}
	if wh.Condition != "" {
		if _, err := CompileCondition(wh.Condition); err != nil {
			add("condition", "expression", err.Error())
		}
	}
	for _, entry := range wh.AllowedIPAddresses {
		if !validIPEntry(entry) {
			add("allowed_ip_addresses", "ip", fmt.Sprintf("%q is not an IP address or CIDR range", entry))
		}
	}
	return details
}

func validIPEntry(entry string) bool {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		_, _, err := net.ParseCIDR(entry)
		return err == nil
	}
	return net.ParseIP(entry) != nil
}
