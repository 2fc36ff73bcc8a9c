package reconcile

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/shopspring/decimal"

	"github.com/lumapay/lumapay/internal/ledger"
	"github.com/lumapay/lumapay/internal/payment"
	"github.com/lumapay/lumapay/internal/provider"
)

// Handler exposes the reconciliation engine over HTTP.
type Handler struct {
	engine *Engine
	logger *slog.Logger
}

// NewHandler constructs a reconciliation handler.
func NewHandler(engine *Engine, logger *slog.Logger) *Handler {
	return &Handler{engine: engine, logger: logger}
}

type withdrawalRequest struct {
	Provider    string `json:"provider"`
	Amount      string `json:"amount"`
	Currency    string `json:"currency"`
	Destination string `json:"destination"`
}

// Webhook ingests one provider notification. The raw body is handed to the
// provider strategy untouched; signature failures return before any parsing
// result can leak into the response.
func (h *Handler) Webhook(c *fiber.Ctx) error {
	providerID := c.Params("provider")
	signature := webhookSignature(c)

	out, err := h.engine.HandleNotification(c.UserContext(), providerID, c.Body(), signature)
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrUnknown):
			return fiber.NewError(http.StatusNotFound, "unknown provider")
		case errors.Is(err, ErrSignatureInvalid):
			return fiber.NewError(http.StatusUnauthorized, "invalid signature")
		case errors.Is(err, provider.ErrMalformedPayload):
			return fiber.NewError(http.StatusBadRequest, "malformed payload")
		case errors.Is(err, ledger.ErrLockTimeout):
			// The mutation did not happen; a 5xx asks the provider to retry.
			return fiber.NewError(http.StatusServiceUnavailable, "busy, retry")
		default:
			h.logger.Error("webhook processing failed", "provider", providerID, "error", err)
			return fiber.NewError(http.StatusInternalServerError, "processing failed")
		}
	}

	if out.Result == ledger.Rejected {
		return c.Status(http.StatusConflict).JSON(fiber.Map{
			"result":     out.Result,
			"payment_id": out.PaymentID,
			"reason":     out.Reason,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"result":     out.Result,
		"payment_id": out.PaymentID,
	})
}

// CreateWithdrawal reserves funds and queues the provider submission.
func (h *Handler) CreateWithdrawal(c *fiber.Ctx) error {
	var req withdrawalRequest
	if err := c.BodyParser(&req); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	amount, err := decimal.NewFromString(req.Amount)
	if err != nil {
		return fiber.NewError(http.StatusBadRequest, "invalid amount")
	}

	rec, err := h.engine.CreateWithdrawal(c.UserContext(), WithdrawalInput{
		AccountID:   c.Params("accountId"),
		Provider:    req.Provider,
		Amount:      amount,
		Currency:    req.Currency,
		Destination: req.Destination,
	})
	if err != nil {
		switch {
		case errors.Is(err, provider.ErrUnknown):
			return fiber.NewError(http.StatusBadRequest, "unknown provider")
		case errors.Is(err, ledger.ErrInsufficientFunds):
			return fiber.NewError(http.StatusBadRequest, "insufficient funds")
		case errors.Is(err, ledger.ErrInvalidAmount):
			return fiber.NewError(http.StatusBadRequest, "amount must be positive")
		case errors.Is(err, ledger.ErrCurrencyMismatch):
			return fiber.NewError(http.StatusBadRequest, "currency mismatch")
		case errors.Is(err, ledger.ErrAccountNotFound):
			return fiber.NewError(http.StatusNotFound, "account not found")
		case errors.Is(err, ledger.ErrLockTimeout):
			return fiber.NewError(http.StatusServiceUnavailable, "busy, retry")
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}

	return c.Status(http.StatusCreated).JSON(fiber.Map{
		"payment_id":   rec.ID,
		"provider":     rec.Provider,
		"external_ref": rec.ExternalRef,
		"status":       rec.Status,
		"amount":       rec.Amount,
		"currency":     rec.Currency,
	})
}

// CancelWithdrawal releases a reservation that has not been submitted.
func (h *Handler) CancelWithdrawal(c *fiber.Ctx) error {
	out, err := h.engine.CancelWithdrawal(c.UserContext(), c.Params("provider"), c.Params("ref"))
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrPaymentNotFound):
			return fiber.NewError(http.StatusNotFound, "withdrawal not found")
		case errors.Is(err, ledger.ErrLockTimeout):
			return fiber.NewError(http.StatusServiceUnavailable, "busy, retry")
		default:
			return fiber.NewError(http.StatusInternalServerError, err.Error())
		}
	}
	if out.Result == ledger.Rejected {
		return c.Status(http.StatusConflict).JSON(fiber.Map{
			"result": out.Result,
			"reason": out.Reason,
		})
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"result":     out.Result,
		"payment_id": out.PaymentID,
	})
}

// Balance returns an account's available and locked funds.
func (h *Handler) Balance(c *fiber.Ctx) error {
	acct, err := h.engine.AccountBalance(c.UserContext(), c.Params("accountId"))
	if err != nil {
		if errors.Is(err, ledger.ErrAccountNotFound) {
			return fiber.NewError(http.StatusNotFound, "account not found")
		}
		return fiber.NewError(http.StatusInternalServerError, err.Error())
	}
	return c.Status(http.StatusOK).JSON(fiber.Map{
		"account_id": acct.ID,
		"owner_id":   acct.OwnerID,
		"currency":   acct.Currency,
		"balance":    acct.Balance,
		"locked":     acct.Locked,
	})
}

// PaymentStatus returns a payment record, optionally polling the provider
// first when ?refresh=true and the record is not terminal.
func (h *Handler) PaymentStatus(c *fiber.Ctx) error {
	providerID := c.Params("provider")
	ref := c.Params("ref")

	var rec payment.Record
	var err error
	if c.QueryBool("refresh") {
		rec, err = h.engine.RefreshPayment(c.UserContext(), providerID, ref)
	} else {
		rec, err = h.engine.PaymentStatus(c.UserContext(), providerID, ref)
	}
	if err != nil {
		switch {
		case errors.Is(err, ledger.ErrPaymentNotFound):
			return fiber.NewError(http.StatusNotFound, "payment not found")
		case errors.Is(err, provider.ErrUnknown):
			return fiber.NewError(http.StatusNotFound, "unknown provider")
		default:
			h.logger.Error("payment status lookup failed", "provider", providerID, "external_ref", ref, "error", err)
			return fiber.NewError(http.StatusInternalServerError, "lookup failed")
		}
	}

	return c.Status(http.StatusOK).JSON(fiber.Map{
		"payment_id":      rec.ID,
		"provider":        rec.Provider,
		"external_ref":    rec.ExternalRef,
		"direction":       rec.Direction,
		"status":          rec.Status,
		"raw_status":      rec.RawStatus,
		"amount":          rec.Amount,
		"currency":        rec.Currency,
		"requires_review": rec.RequiresReview,
		"updated_at":      rec.UpdatedAt,
	})
}

// webhookSignature pulls the signature from the headers providers actually
// use. X-Signature is the documented name; the aliases cover gateways that
// ship their own.
func webhookSignature(c *fiber.Ctx) string {
	for _, header := range []string{"X-Signature", "X-Webhook-Signature", "X-Hub-Signature-256"} {
		if v := c.Get(header); v != "" {
			return v
		}
	}
	return ""
}
