package notification

import (
	"context"
	"log/slog"
	"time"

	"github.com/shopspring/decimal"
)

const (
	// KindDepositSettled indicates a deposit credited to an account.
	KindDepositSettled = "deposit_settled"
	// KindWithdrawalCompleted indicates a payout confirmed by the provider.
	KindWithdrawalCompleted = "withdrawal_completed"
	// KindWithdrawalRefunded indicates a failed payout credited back.
	KindWithdrawalRefunded = "withdrawal_refunded"
)

// Event describes a settled money movement worth telling the user about.
// Delivery is fire-and-forget: a failure here must never roll back the
// ledger mutation that produced it.
type Event struct {
	Kind        string          `json:"kind"`
	OwnerID     string          `json:"owner_id"`
	AccountID   string          `json:"account_id"`
	Provider    string          `json:"provider"`
	ExternalRef string          `json:"external_ref"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	OccurredAt  time.Time       `json:"occurred_at"`
}

// Notifier delivers settlement events to downstream systems.
type Notifier interface {
	Send(ctx context.Context, event Event) error
}

// LoggerNotifier is a stub implementation that writes events to the logger.
type LoggerNotifier struct {
	logger *slog.Logger
}

// NewLoggerNotifier constructs a logging notifier stub.
func NewLoggerNotifier(logger *slog.Logger) *LoggerNotifier {
	return &LoggerNotifier{logger: logger}
}

// Send writes the event to the structured logger.
func (n *LoggerNotifier) Send(_ context.Context, event Event) error {
	if n == nil || n.logger == nil {
		return nil
	}
	n.logger.Info("notification",
		"kind", event.Kind,
		"owner_id", event.OwnerID,
		"provider", event.Provider,
		"external_ref", event.ExternalRef,
		"amount", event.Amount.String(),
		"currency", event.Currency,
	)
	return nil
}
