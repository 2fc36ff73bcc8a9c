package report

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes the reconciliation reports to operators.
type Handler struct {
	reporter *Reporter
}

// NewHandler constructs a report handler.
func NewHandler(reporter *Reporter) *Handler {
	return &Handler{reporter: reporter}
}

// ManualReview returns the payments waiting on a human.
func (h *Handler) ManualReview(c *fiber.Ctx) error {
	records, err := h.reporter.ManualReview(c.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"count":    len(records),
		"payments": records,
	})
}

// Stuck returns non-terminal payments older than the SLA.
func (h *Handler) Stuck(c *fiber.Ctx) error {
	records, err := h.reporter.Stuck(c.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"count":    len(records),
		"payments": records,
	})
}

// Consistency returns accounts whose balance diverges from their journal.
func (h *Handler) Consistency(c *fiber.Ctx) error {
	findings, err := h.reporter.Consistency(c.UserContext())
	if err != nil {
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"consistent": len(findings) == 0,
		"findings":   findings,
	})
}
