package engine

import "github.com/gofiber/fiber/v2"

// RegisterWebhookRoutes mounts the operator API. authMW must set the actor;
// adminMW guards the producer event hooks.
func RegisterWebhookRoutes(app *fiber.App, h *Handler, authMW, adminMW fiber.Handler) {
	api := app.Group("/api", authMW)

	api.Post("/forms/:formId/webhooks", h.CreateWebhook)
	api.Get("/forms/:formId/webhooks", h.ListFormWebhooks)

	api.Get("/webhooks/:id", h.GetWebhook)
	api.Put("/webhooks/:id", h.UpdateWebhook)
	api.Delete("/webhooks/:id", h.DeleteWebhook)
	api.Post("/webhooks/:id/test", h.TestWebhook)
	api.Get("/webhooks/:id/deliveries", h.ListDeliveries)
	api.Get("/webhooks/:id/deliveries/stats", h.DeliveryStats)

	api.Get("/deliveries/:id", h.GetDelivery)
	api.Post("/deliveries/:id/retry", h.RetryDelivery)

	events := api.Group("/_events", adminMW)
	events.Post("/forms/:formId/:event", h.TriggerFormEvent)
	events.Post("/submissions/:submissionId/:event", h.TriggerSubmissionEvent)
}
