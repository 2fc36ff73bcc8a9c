package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/lumapay/lumapay/internal/report"
)

// RegisterReportRoutes wires the operator reconciliation reports.
func RegisterReportRoutes(r fiber.Router, h *report.Handler) {
	r.Get("/reports/manual-review", h.ManualReview)
	r.Get("/reports/stuck", h.Stuck)
	r.Get("/reports/consistency", h.Consistency)
}
