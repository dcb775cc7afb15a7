package engine

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"

	"formflow/internal/model"
)

type Handler struct {
	registry   *Registry
	deliveries *DeliveryLog
	dispatcher *Dispatcher
	enqueuer   *Enqueuer
}

func NewHandler(reg *Registry, deliveries *DeliveryLog, dispatcher *Dispatcher, enqueuer *Enqueuer) *Handler {
	return &Handler{registry: reg, deliveries: deliveries, dispatcher: dispatcher, enqueuer: enqueuer}
}

// WebhookView is the API representation of a webhook; secrets are replaced by flags.
type WebhookView struct {
	*model.Webhook
	HasSecretKey bool `json:"has_secret_key"`
	HasAuthValue bool `json:"has_auth_value"`
}

func NewWebhookView(wh *model.Webhook) WebhookView {
	return WebhookView{Webhook: wh, HasSecretKey: wh.SecretKey != "", HasAuthValue: wh.AuthValue != ""}
}

func NewWebhookViews(hooks []*model.Webhook) []WebhookView {
	views := make([]WebhookView, 0, len(hooks))
	for _, wh := range hooks {
		views = append(views, NewWebhookView(wh))
	}
	return views
}

func getUser(c *fiber.Ctx) *model.Actor {
	user, _ := c.Locals("user").(*model.Actor)
	return user
}

func parseBody(c *fiber.Ctx, dst any) error {
	if err := c.BodyParser(dst); err != nil {
		return InvalidPayloadError("Invalid JSON body")
	}
	return nil
}

// CreateWebhook handles POST /api/forms/:formId/webhooks
func (h *Handler) CreateWebhook(c *fiber.Ctx) error {
	var in WebhookInput
	if err := parseBody(c, &in); err != nil {
		return err
	}
	wh, err := h.registry.Create(c.UserContext(), c.Params("formId"), in, getUser(c))
	if err != nil {
		return err
	}
	return c.Status(201).JSON(fiber.Map{"data": NewWebhookView(wh)})
}

// ListFormWebhooks handles GET /api/forms/:formId/webhooks
func (h *Handler) ListFormWebhooks(c *fiber.Ctx) error {
	hooks, err := h.registry.ListForForm(c.UserContext(), c.Params("formId"), getUser(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": NewWebhookViews(hooks)})
}

func (h *Handler) GetWebhook(c *fiber.Ctx) error {
	wh, err := h.registry.Get(c.UserContext(), c.Params("id"), getUser(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": NewWebhookView(wh)})
}

func (h *Handler) UpdateWebhook(c *fiber.Ctx) error {
	var patch WebhookPatch
	if err := parseBody(c, &patch); err != nil {
		return err
	}
	wh, err := h.registry.Update(c.UserContext(), c.Params("id"), patch, getUser(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": NewWebhookView(wh)})
}

func (h *Handler) DeleteWebhook(c *fiber.Ctx) error {
	id := c.Params("id")
	if err := h.registry.Delete(c.UserContext(), id, getUser(c)); err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{"id": id, "deleted": true}})
}

// TestWebhook handles POST /api/webhooks/:id/test
func (h *Handler) TestWebhook(c *fiber.Ctx) error {
	var body struct {
		EventType model.EventType `json:"event_type"`
	}
	if len(c.Body()) > 0 {
		if err := parseBody(c, &body); err != nil {
			return err
		}
	}
	wh, err := h.registry.Get(c.UserContext(), c.Params("id"), getUser(c))
	if err != nil {
		return err
	}
	if err := checkCallerIP(c, wh); err != nil {
		return err
	}
	if body.EventType == "" && len(wh.EventTypes) > 0 {
		body.EventType = wh.EventTypes[0]
	}

	del, err := h.dispatcher.TestSend(c.UserContext(), wh, body.EventType)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": fiber.Map{
		"success":  del.Status == model.DeliverySuccess,
		"delivery": del,
	}})
}

// ListDeliveries handles GET /api/webhooks/:id/deliveries
func (h *Handler) ListDeliveries(c *fiber.Ctx) error {
	wh, err := h.registry.Get(c.UserContext(), c.Params("id"), getUser(c))
	if err != nil {
		return err
	}
	filter, err := parseDeliveryFilter(c)
	if err != nil {
		return err
	}
	page, err := h.deliveries.List(c.UserContext(), wh.ID, filter)
	if err != nil {
		return err
	}
	return c.JSON(page)
}

// DeliveryStats handles GET /api/webhooks/:id/deliveries/stats
func (h *Handler) DeliveryStats(c *fiber.Ctx) error {
	wh, err := h.registry.Get(c.UserContext(), c.Params("id"), getUser(c))
	if err != nil {
		return err
	}
	stats, err := h.deliveries.Stats(c.UserContext(), wh.ID, c.QueryInt("days", defaultStatsDays))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": stats})
}

// GetDelivery handles GET /api/deliveries/:id
func (h *Handler) GetDelivery(c *fiber.Ctx) error {
	del, _, err := h.loadDelivery(c)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": del})
}

// RetryDelivery handles POST /api/deliveries/:id/retry
func (h *Handler) RetryDelivery(c *fiber.Ctx) error {
	del, wh, err := h.loadDelivery(c)
	if err != nil {
		return err
	}
	if wh != nil {
		if err := checkCallerIP(c, wh); err != nil {
			return err
		}
	}
	updated, err := h.dispatcher.RetryDelivery(c.UserContext(), del.ID)
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": updated})
}

// loadDelivery returns a delivery and its webhook after checking access. The
// webhook is nil when it has been deleted; only admins can reach those logs.
func (h *Handler) loadDelivery(c *fiber.Ctx) (*model.Delivery, *model.Webhook, error) {
	user := getUser(c)
	del, err := h.deliveries.Get(c.UserContext(), c.Params("id"))
	if err != nil {
		return nil, nil, err
	}
	wh, err := h.registry.Get(c.UserContext(), del.WebhookID, user)
	if err != nil {
		var appErr *AppError
		if user.IsAdmin() && errors.As(err, &appErr) && appErr.Code == "NOT_FOUND" {
			return del, nil, nil
		}
		return nil, nil, err
	}
	return del, wh, nil
}

func checkCallerIP(c *fiber.Ctx, wh *model.Webhook) error {
	if !VerifyIP(c.IP(), wh.AllowedIPAddresses) {
		return ForbiddenError("Request address is not allowed for this webhook")
	}
	return nil
}

func parseDeliveryFilter(c *fiber.Ctx) (DeliveryFilter, error) {
	f := DeliveryFilter{
		Status: model.DeliveryStatus(strings.ToUpper(c.Query("status"))),
		Page:   c.QueryInt("page", 1),
		Limit:  c.QueryInt("limit", defaultPageLimit),
	}
	var details []ErrorDetail
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{{"from", &f.From}, {"to", &f.To}} {
		raw := c.Query(p.name)
		if raw == "" {
			continue
		}
		t, err := parseTimeParam(raw)
		if err != nil {
			details = append(details, ErrorDetail{Field: p.name, Rule: "datetime", Message: "expected RFC 3339 timestamp or YYYY-MM-DD date"})
			continue
		}
		*p.dst = &t
	}
	if len(details) > 0 {
		return f, ValidationError(details)
	}
	return f, nil
}

func parseTimeParam(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", raw)
}

// TriggerFormEvent handles POST /api/_events/forms/:formId/:event. Producers
// always get 202; the count says how many deliveries were queued.
func (h *Handler) TriggerFormEvent(c *fiber.Ctx) error {
	event := model.EventType(strings.ToUpper(c.Params("event")))
	if !event.Valid() {
		return ValidationError([]ErrorDetail{{Field: "event", Rule: "enum", Message: "unknown event type " + string(event)}})
	}
	var submissionID string
	if event.IsSubmissionEvent() {
		submissionID = c.Query("submission_id")
	}
	queued := h.enqueuer.TriggerFormWebhooks(c.UserContext(), c.Params("formId"), event, submissionID)
	return c.Status(202).JSON(fiber.Map{"data": fiber.Map{"queued": queued}})
}

// TriggerSubmissionEvent handles POST /api/_events/submissions/:submissionId/:event
func (h *Handler) TriggerSubmissionEvent(c *fiber.Ctx) error {
	event := model.EventType(strings.ToUpper(c.Params("event")))
	if !event.IsSubmissionEvent() {
		return ValidationError([]ErrorDetail{{Field: "event", Rule: "enum", Message: "expected a submission event type"}})
	}
	queued := h.enqueuer.TriggerSubmissionWebhooks(c.UserContext(), c.Params("submissionId"), event)
	return c.Status(202).JSON(fiber.Map{"data": fiber.Map{"queued": queued}})
}
