package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lumapay/lumapay/internal/ledger"
	"github.com/lumapay/lumapay/internal/notification"
	"github.com/lumapay/lumapay/internal/payment"
	"github.com/lumapay/lumapay/internal/provider"
	"github.com/lumapay/lumapay/internal/retry"
)

// ErrSignatureInvalid rejects a webhook whose signature does not verify.
// Nothing is written: no payment record, no idempotency record.
var ErrSignatureInvalid = errors.New("invalid webhook signature")

// opSubmitWithdrawal is the retry task operation for payout submissions.
const opSubmitWithdrawal = "submit_withdrawal"

// Engine turns unreliable provider notifications into exactly-once ledger
// mutations. All dependencies are injected: it owns no globals and runs
// against the in-memory store in tests.
type Engine struct {
	store     ledger.Store
	providers *provider.Registry
	directory Directory
	notifier  notification.Notifier
	policy    retry.Policy
	logger    *slog.Logger
	now       func() time.Time
}

// NewEngine wires the reconciliation engine.
func NewEngine(store ledger.Store, providers *provider.Registry, directory Directory, notifier notification.Notifier, policy retry.Policy, logger *slog.Logger) *Engine {
	return &Engine{
		store:     store,
		providers: providers,
		directory: directory,
		notifier:  notifier,
		policy:    policy,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// HandleNotification authenticates, parses and applies one inbound webhook
// delivery. Duplicates short-circuit to the previously recorded outcome
// without touching the retry coordinator or the balance.
func (e *Engine) HandleNotification(ctx context.Context, providerID string, payload []byte, signature string) (ledger.Outcome, error) {
	p, err := e.providers.Get(providerID)
	if err != nil {
		return ledger.Outcome{}, err
	}
	if !p.VerifySignature(payload, signature) {
		return ledger.Outcome{}, ErrSignatureInvalid
	}

	n, err := p.ParseNotification(payload)
	if err != nil {
		return ledger.Outcome{}, err
	}
	return e.applyNotification(ctx, providerID, n)
}

// applyNotification routes an authenticated notification by the direction
// of the record it refers to. Unknown references are inbound: deposits are
// created by the provider side, withdrawals always originate locally.
func (e *Engine) applyNotification(ctx context.Context, providerID string, n provider.Notification) (ledger.Outcome, error) {
	rec, err := e.store.PaymentByRef(ctx, providerID, n.ExternalRef)
	if err == nil && rec.Direction == payment.Outbound {
		return e.applyWithdrawalUpdate(ctx, rec, n)
	}
	if err != nil && !errors.Is(err, ledger.ErrPaymentNotFound) {
		return ledger.Outcome{}, err
	}
	return e.applyDeposit(ctx, providerID, n)
}

func (e *Engine) applyDeposit(ctx context.Context, providerID string, n provider.Notification) (ledger.Outcome, error) {
	accountID, err := e.directory.Resolve(ctx, providerID, n.AccountKey, n.Currency)
	if err != nil {
		// Funds with no home are never dropped silently; the provider will
		// redeliver while a human investigates.
		e.logger.Error("account resolution failed",
			"provider", providerID, "external_ref", n.ExternalRef, "account_key", n.AccountKey, "error", err)
		return ledger.Outcome{}, err
	}

	if payment.CreditsOnEntry(n.Status) {
		out, err := e.store.SettleDeposit(ctx, ledger.DepositArgs{
			Provider:    providerID,
			ExternalRef: n.ExternalRef,
			AccountID:   accountID,
			Amount:      n.Amount,
			Currency:    n.Currency,
			RawStatus:   n.RawStatus,
		})
		if err != nil {
			return out, err
		}
		if out.Result == ledger.Applied {
			e.notify(ctx, notification.KindDepositSettled, providerID, n.ExternalRef, accountID, n.Amount, n.Currency)
		}
		return out, nil
	}

	rec, changed, err := e.store.RecordInboundStatus(ctx, ledger.StatusArgs{
		Provider:    providerID,
		ExternalRef: n.ExternalRef,
		AccountID:   accountID,
		Amount:      n.Amount,
		Currency:    n.Currency,
		Status:      n.Status,
		RawStatus:   n.RawStatus,
	})
	if err != nil {
		return ledger.Outcome{}, err
	}
	if rec.RequiresReview && changed {
		e.logger.Warn("payment parked for manual review",
			"provider", providerID, "external_ref", n.ExternalRef, "status", rec.Status, "raw_status", rec.RawStatus)
	}
	if !changed {
		return ledger.Outcome{Result: ledger.Duplicate, PaymentID: rec.ID, Reason: string(rec.Status)}, nil
	}
	return ledger.Outcome{Result: ledger.Applied, PaymentID: rec.ID, Reason: string(rec.Status)}, nil
}

func (e *Engine) applyWithdrawalUpdate(ctx context.Context, rec payment.Record, n provider.Notification) (ledger.Outcome, error) {
	switch n.Status {
	case payment.StatusFinished, payment.StatusCompleted:
		out, err := e.store.CompleteWithdrawal(ctx, rec.Provider, rec.ExternalRef, n.RawStatus)
		if err != nil {
			return out, err
		}
		if out.Result == ledger.Applied {
			_ = e.store.DeleteRetryTask(ctx, rec.ID)
			e.notify(ctx, notification.KindWithdrawalCompleted, rec.Provider, rec.ExternalRef, rec.AccountID, rec.Amount, rec.Currency)
		}
		return out, nil
	case payment.StatusFailed, payment.StatusExpired:
		out, err := e.store.RefundWithdrawal(ctx, rec.Provider, rec.ExternalRef, n.RawStatus, false)
		if err != nil {
			return out, err
		}
		if out.Result == ledger.Applied {
			_ = e.store.DeleteRetryTask(ctx, rec.ID)
			e.notify(ctx, notification.KindWithdrawalRefunded, rec.Provider, rec.ExternalRef, rec.AccountID, rec.Amount, rec.Currency)
		}
		return out, nil
	default:
		// Progress chatter for an in-flight payout carries no state we track.
		return ledger.Outcome{Result: ledger.Duplicate, PaymentID: rec.ID, Reason: string(n.Status)}, nil
	}
}

// WithdrawalInput captures a user-requested payout.
type WithdrawalInput struct {
	AccountID   string
	Provider    string
	Amount      decimal.Decimal
	Currency    string
	Destination string
}

// CreateWithdrawal reserves the funds atomically and queues the provider
// submission for the background submitter. The generated external reference
// doubles as the provider-side idempotency key.
func (e *Engine) CreateWithdrawal(ctx context.Context, input WithdrawalInput) (payment.Record, error) {
	if _, err := e.providers.Get(input.Provider); err != nil {
		return payment.Record{}, err
	}

	externalRef := "wd_" + uuid.NewString()
	rec, out, err := e.store.LockWithdrawal(ctx, ledger.WithdrawalArgs{
		Provider:    input.Provider,
		ExternalRef: externalRef,
		AccountID:   input.AccountID,
		Amount:      input.Amount,
		Currency:    input.Currency,
		Destination: input.Destination,
	})
	if err != nil {
		return payment.Record{}, err
	}
	if out.Result != ledger.Applied {
		return rec, nil
	}

	if err := e.store.UpsertRetryTask(ctx, ledger.RetryTask{
		ID:            rec.ID,
		PaymentID:     rec.ID,
		Provider:      input.Provider,
		Operation:     opSubmitWithdrawal,
		Attempts:      0,
		NextAttemptAt: e.now(),
	}); err != nil {
		// Funds are locked but nothing will submit; refund immediately
		// rather than stranding the reservation.
		e.logger.Error("queue submission failed, refunding", "external_ref", externalRef, "error", err)
		if _, refundErr := e.store.RefundWithdrawal(ctx, input.Provider, externalRef, "submission queue failure", true); refundErr != nil {
			e.logger.Error("refund after queue failure also failed", "external_ref", externalRef, "error", refundErr)
		}
		return payment.Record{}, err
	}
	return rec, nil
}

// CancelWithdrawal releases a reservation that has not reached the provider.
func (e *Engine) CancelWithdrawal(ctx context.Context, providerID, externalRef string) (ledger.Outcome, error) {
	out, err := e.store.CancelWithdrawal(ctx, providerID, externalRef)
	if err != nil {
		return out, err
	}
	if out.Result == ledger.Applied {
		_ = e.store.DeleteRetryTask(ctx, out.PaymentID)
	}
	return out, nil
}

// AccountBalance returns the available and locked funds for an account.
func (e *Engine) AccountBalance(ctx context.Context, accountID string) (ledger.Account, error) {
	return e.store.AccountByID(ctx, accountID)
}

// PaymentStatus returns the payment record for a provider-scoped reference.
func (e *Engine) PaymentStatus(ctx context.Context, providerID, externalRef string) (payment.Record, error) {
	return e.store.PaymentByRef(ctx, providerID, externalRef)
}

// RefreshPayment polls the provider for the current status of a non-terminal
// payment and applies the answer through the same reconciliation path a
// webhook would take. The poll goes through the retry coordinator; the local
// mutation, as always, does not.
func (e *Engine) RefreshPayment(ctx context.Context, providerID, externalRef string) (payment.Record, error) {
	rec, err := e.store.PaymentByRef(ctx, providerID, externalRef)
	if err != nil {
		return payment.Record{}, err
	}
	if payment.Terminal(rec.Status, rec.Direction) {
		return rec, nil
	}

	p, err := e.providers.Get(providerID)
	if err != nil {
		return payment.Record{}, err
	}

	var polled provider.Notification
	pollPolicy := e.policy
	pollPolicy.MaxRetries = 2
	err = retry.Do(ctx, pollPolicy, func(ctx context.Context) error {
		var fetchErr error
		polled, fetchErr = p.FetchStatus(ctx, externalRef)
		return fetchErr
	})
	if err != nil {
		return rec, fmt.Errorf("poll %s/%s: %w", providerID, externalRef, err)
	}

	if _, err := e.applyNotification(ctx, providerID, polled); err != nil {
		return rec, err
	}
	return e.store.PaymentByRef(ctx, providerID, externalRef)
}

// notify publishes a settlement event, best effort. Failures are logged and
// never propagate into the committed mutation's result.
func (e *Engine) notify(ctx context.Context, kind, providerID, externalRef, accountID string, amount decimal.Decimal, currency string) {
	if e.notifier == nil {
		return
	}
	event := notification.Event{
		Kind:        kind,
		AccountID:   accountID,
		Provider:    providerID,
		ExternalRef: externalRef,
		Amount:      amount,
		Currency:    currency,
		OccurredAt:  e.now(),
	}
	if acct, err := e.store.AccountByID(ctx, accountID); err == nil {
		event.OwnerID = acct.OwnerID
	}
	if err := e.notifier.Send(ctx, event); err != nil {
		e.logger.Warn("notification delivery failed", "kind", kind, "external_ref", externalRef, "error", err)
	}
}
