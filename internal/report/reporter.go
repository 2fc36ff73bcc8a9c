package report

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumapay/lumapay/internal/ledger"
	"github.com/lumapay/lumapay/internal/payment"
)

// Finding is one account whose stored balance disagrees with the sum of its
// journal entries. The report never mutates anything; corrections are a
// human decision.
type Finding struct {
	AccountID  string          `json:"account_id"`
	OwnerID    string          `json:"owner_id"`
	Currency   string          `json:"currency"`
	Balance    decimal.Decimal `json:"balance"`
	JournalSum decimal.Decimal `json:"journal_sum"`
	Difference decimal.Decimal `json:"difference"`
}

// Reporter produces the operator-facing reconciliation views.
type Reporter struct {
	store ledger.Store
	sla   time.Duration
	now   func() time.Time
}

// NewReporter builds a reporter. sla is how long a payment may sit in a
// non-terminal state before it counts as stuck.
func NewReporter(store ledger.Store, sla time.Duration) *Reporter {
	return &Reporter{
		store: store,
		sla:   sla,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// ManualReview lists payments parked for a human: partial payments and
// refunds applied after exhausted submissions.
func (r *Reporter) ManualReview(ctx context.Context) ([]payment.Record, error) {
	return r.store.PaymentsRequiringReview(ctx)
}

// Stuck lists payments that have sat in a non-terminal state past the SLA.
func (r *Reporter) Stuck(ctx context.Context) ([]payment.Record, error) {
	return r.store.StalePayments(ctx, r.now().Add(-r.sla))
}

// Consistency recomputes every account balance from its journal and returns
// the accounts that diverge. A non-empty result is a data-integrity alarm:
// the mutation path is supposed to make this impossible.
func (r *Reporter) Consistency(ctx context.Context) ([]Finding, error) {
	audits, err := r.store.AuditAccounts(ctx)
	if err != nil {
		return nil, err
	}
	var findings []Finding
	for _, a := range audits {
		if a.Account.Balance.Equal(a.JournalSum) {
			continue
		}
		findings = append(findings, Finding{
			AccountID:  a.Account.ID,
			OwnerID:    a.Account.OwnerID,
			Currency:   a.Account.Currency,
			Balance:    a.Account.Balance,
			JournalSum: a.JournalSum,
			Difference: a.Account.Balance.Sub(a.JournalSum),
		})
	}
	return findings, nil
}
