package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/lumapay/lumapay/internal/reconcile"
)

// RegisterWithdrawalRoutes wires withdrawal creation, cancellation and
// payment status lookup.
func RegisterWithdrawalRoutes(r fiber.Router, h *reconcile.Handler) {
	r.Post("/accounts/:accountId/withdrawals", h.CreateWithdrawal)
	r.Post("/withdrawals/:provider/:ref/cancel", h.CancelWithdrawal)
	r.Get("/payments/:provider/:ref", h.PaymentStatus)
}
