package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/lumapay/lumapay/internal/reconcile"
)

// RegisterWebhookRoutes wires the provider notification endpoint.
func RegisterWebhookRoutes(r fiber.Router, h *reconcile.Handler, rateLimit fiber.Handler) {
	r.Post("/webhooks/:provider", rateLimit, h.Webhook)
}
