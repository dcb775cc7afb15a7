package admin

import (
	"github.com/gofiber/fiber/v2"

	"formflow/internal/engine"
	"formflow/internal/model"
)

// Handler serves the webhook review queue to administrators.
type Handler struct {
	registry *engine.Registry
}

func NewHandler(reg *engine.Registry) *Handler {
	return &Handler{registry: reg}
}

func RegisterAdminRoutes(app *fiber.App, h *Handler, authMW, adminMW fiber.Handler) {
	admin := app.Group("/api/_admin", authMW, adminMW)

	admin.Get("/webhooks", h.ListWebhooks)
	admin.Get("/webhooks/pending", h.ListPending)
	admin.Post("/webhooks/:id/approve", h.Approve)
	admin.Post("/webhooks/:id/reject", h.Reject)
}

func actor(c *fiber.Ctx) *model.Actor {
	user, _ := c.Locals("user").(*model.Actor)
	return user
}

// ListWebhooks handles GET /api/_admin/webhooks?approval=PENDING|APPROVED|REJECTED
func (h *Handler) ListWebhooks(c *fiber.Ctx) error {
	approval := model.ApprovalState(c.Query("approval"))
	if approval != "" && !approval.Valid() {
		return engine.ValidationError([]engine.ErrorDetail{{Field: "approval", Rule: "enum", Message: "unknown approval state " + string(approval)}})
	}
	hooks, err := h.registry.ListAll(c.UserContext(), approval, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": engine.NewWebhookViews(hooks)})
}

func (h *Handler) ListPending(c *fiber.Ctx) error {
	hooks, err := h.registry.ListPending(c.UserContext(), actor(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": engine.NewWebhookViews(hooks)})
}

func (h *Handler) Approve(c *fiber.Ctx) error {
	return h.review(c, model.ApprovalApproved)
}

func (h *Handler) Reject(c *fiber.Ctx) error {
	return h.review(c, model.ApprovalRejected)
}

func (h *Handler) review(c *fiber.Ctx, decision model.ApprovalState) error {
	var body struct {
		Notes string `json:"notes"`
	}
	if len(c.Body()) > 0 {
		if err := c.BodyParser(&body); err != nil {
			return engine.InvalidPayloadError("Invalid JSON body")
		}
	}
	wh, err := h.registry.Review(c.UserContext(), c.Params("id"), decision, body.Notes, actor(c))
	if err != nil {
		return err
	}
	return c.JSON(fiber.Map{"data": engine.NewWebhookView(wh)})
}
