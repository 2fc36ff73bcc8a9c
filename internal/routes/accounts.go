package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/lumapay/lumapay/internal/reconcile"
)

// RegisterAccountRoutes wires account balance lookup.
func RegisterAccountRoutes(r fiber.Router, h *reconcile.Handler) {
	r.Get("/accounts/:accountId/balance", h.Balance)
}
