package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/lumapay/lumapay/internal/ledger"
	"github.com/lumapay/lumapay/internal/notification"
	"github.com/lumapay/lumapay/internal/payment"
	"github.com/lumapay/lumapay/internal/provider"
	"github.com/lumapay/lumapay/internal/retry"
)

// dueTaskBatch bounds how many tasks one sweep picks up.
const dueTaskBatch = 50

// RunSubmitter drains due retry tasks on a fixed interval until the context
// is cancelled. One sweep per tick; a slow provider delays the next sweep
// rather than piling up goroutines.
func (e *Engine) RunSubmitter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := e.ProcessDueTasks(ctx); err != nil {
				e.logger.Error("retry sweep failed", "error", err)
			}
		}
	}
}

// ProcessDueTasks runs one sweep over tasks whose next attempt is due.
func (e *Engine) ProcessDueTasks(ctx context.Context) error {
	tasks, err := e.store.DueRetryTasks(ctx, e.now(), dueTaskBatch)
	if err != nil {
		return err
	}
	for _, task := range tasks {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		e.processTask(ctx, task)
	}
	return nil
}

// processTask attempts one provider submission. Transient failures reschedule
// with exponential backoff until the policy is exhausted; permanent failures
// and exhaustion refund the reservation and flag the payment for review.
func (e *Engine) processTask(ctx context.Context, task ledger.RetryTask) {
	rec, err := e.store.PaymentByID(ctx, task.PaymentID)
	if err != nil {
		if errors.Is(err, ledger.ErrPaymentNotFound) {
			_ = e.store.DeleteRetryTask(ctx, task.ID)
			return
		}
		e.logger.Error("load payment for retry task failed", "task", task.ID, "error", err)
		return
	}
	if rec.Status != payment.StatusLocked {
		// Cancelled, refunded or already submitted via another path.
		_ = e.store.DeleteRetryTask(ctx, task.ID)
		return
	}

	p, err := e.providers.Get(task.Provider)
	if err != nil {
		e.failTask(ctx, task, rec, err)
		return
	}

	receipt, err := p.SubmitWithdrawal(ctx, provider.Order{
		Reference:   rec.ExternalRef,
		Destination: rec.Destination,
		Amount:      rec.Amount,
		Currency:    rec.Currency,
	})
	if err == nil {
		if err := e.store.MarkSubmitted(ctx, rec.ID, receipt.ProviderRef); err != nil {
			e.logger.Error("mark submitted failed", "payment", rec.ID, "error", err)
			return
		}
		_ = e.store.DeleteRetryTask(ctx, task.ID)
		e.logger.Info("withdrawal submitted",
			"provider", task.Provider, "external_ref", rec.ExternalRef, "provider_ref", receipt.ProviderRef, "attempts", task.Attempts)
		return
	}

	if !retry.IsTransient(err) {
		e.failTask(ctx, task, rec, err)
		return
	}

	task.Attempts++
	task.LastError = err.Error()
	if e.policy.Exhausted(task.Attempts) {
		e.failTask(ctx, task, rec, err)
		return
	}

	task.NextAttemptAt = e.now().Add(e.policy.Delay(task.Attempts - 1))
	if err := e.store.UpsertRetryTask(ctx, task); err != nil {
		e.logger.Error("reschedule retry task failed", "task", task.ID, "error", err)
		return
	}
	e.logger.Warn("withdrawal submission failed, rescheduled",
		"provider", task.Provider, "external_ref", rec.ExternalRef, "attempts", task.Attempts, "next_attempt_at", task.NextAttemptAt, "error", err)
}

// failTask gives up on a submission: the reservation is refunded and the
// payment is parked for manual review so the money is never stranded.
func (e *Engine) failTask(ctx context.Context, task ledger.RetryTask, rec payment.Record, cause error) {
	e.logger.Error("withdrawal submission abandoned",
		"provider", task.Provider, "external_ref", rec.ExternalRef, "attempts", task.Attempts, "error", cause)

	out, err := e.store.RefundWithdrawal(ctx, rec.Provider, rec.ExternalRef, "submission failed: "+cause.Error(), true)
	if err != nil {
		e.logger.Error("refund after abandoned submission failed", "external_ref", rec.ExternalRef, "error", err)
		return
	}
	_ = e.store.DeleteRetryTask(ctx, task.ID)
	if out.Result == ledger.Applied {
		e.notify(ctx, notification.KindWithdrawalRefunded, rec.Provider, rec.ExternalRef, rec.AccountID, rec.Amount, rec.Currency)
	}
}
