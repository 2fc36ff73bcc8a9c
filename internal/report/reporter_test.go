package report

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumapay/lumapay/internal/ledger"
	"github.com/lumapay/lumapay/internal/payment"
)

func TestManualReviewListsParkedPayments(t *testing.T) {
	store := ledger.NewInMemory()
	ctx := context.Background()

	acct, err := store.EnsureAccount(ctx, "owner-1", "USD")
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}

	// A partial payment parks for review; a settled one does not.
	if _, _, err := store.RecordInboundStatus(ctx, ledger.StatusArgs{
		Provider: "stubpay", ExternalRef: "partial-1", AccountID: acct.ID,
		Amount: decimal.NewFromInt(40), Currency: "USD",
		Status: payment.StatusPartiallyPaid, RawStatus: "underpaid",
	}); err != nil {
		t.Fatalf("record partial: %v", err)
	}
	if _, err := store.SettleDeposit(ctx, ledger.DepositArgs{
		Provider: "stubpay", ExternalRef: "settled-1", AccountID: acct.ID,
		Amount: decimal.NewFromInt(10), Currency: "USD", RawStatus: "finished",
	}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	reporter := NewReporter(store, time.Hour)
	records, err := reporter.ManualReview(ctx)
	if err != nil {
		t.Fatalf("manual review: %v", err)
	}
	if len(records) != 1 || records[0].ExternalRef != "partial-1" {
		t.Fatalf("review queue = %+v, want only partial-1", records)
	}
}

func TestStuckUsesSLACutoff(t *testing.T) {
	store := ledger.NewInMemory()
	ctx := context.Background()

	acct, _ := store.EnsureAccount(ctx, "owner-2", "USD")
	if _, _, err := store.RecordInboundStatus(ctx, ledger.StatusArgs{
		Provider: "stubpay", ExternalRef: "slow-1", AccountID: acct.ID,
		Amount: decimal.NewFromInt(5), Currency: "USD",
		Status: payment.StatusPending, RawStatus: "waiting",
	}); err != nil {
		t.Fatalf("record pending: %v", err)
	}

	reporter := NewReporter(store, time.Hour)

	// Fresh payment: not stuck yet.
	records, err := reporter.Stuck(ctx)
	if err != nil {
		t.Fatalf("stuck: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("fresh payment reported stuck: %+v", records)
	}

	// Same payment viewed from the future is past the SLA.
	future := time.Now().UTC().Add(2 * time.Hour)
	reporter.now = func() time.Time { return future }
	records, err = reporter.Stuck(ctx)
	if err != nil {
		t.Fatalf("stuck: %v", err)
	}
	if len(records) != 1 || records[0].ExternalRef != "slow-1" {
		t.Fatalf("stuck = %+v, want slow-1", records)
	}
}

func TestStuckIgnoresTerminalPayments(t *testing.T) {
	store := ledger.NewInMemory()
	ctx := context.Background()

	acct, _ := store.EnsureAccount(ctx, "owner-3", "USD")
	if _, err := store.SettleDeposit(ctx, ledger.DepositArgs{
		Provider: "stubpay", ExternalRef: "done-1", AccountID: acct.ID,
		Amount: decimal.NewFromInt(9), Currency: "USD", RawStatus: "finished",
	}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	reporter := NewReporter(store, time.Hour)
	reporter.now = func() time.Time { return time.Now().UTC().Add(48 * time.Hour) }
	records, err := reporter.Stuck(ctx)
	if err != nil {
		t.Fatalf("stuck: %v", err)
	}
	if len(records) != 0 {
		t.Fatalf("terminal payment reported stuck: %+v", records)
	}
}

func TestStuckExcludesFailedDepositButNotLockedWithdrawal(t *testing.T) {
	store := ledger.NewInMemory()
	ctx := context.Background()

	acct, _ := store.EnsureAccount(ctx, "owner-5", "USD")
	ledger.SeedBalance(store, acct.ID, decimal.NewFromInt(100))

	// A failed deposit is dead; it can sit there forever without being stuck.
	if _, _, err := store.RecordInboundStatus(ctx, ledger.StatusArgs{
		Provider: "stubpay", ExternalRef: "dead-1", AccountID: acct.ID,
		Amount: decimal.NewFromInt(20), Currency: "USD",
		Status: payment.StatusFailed, RawStatus: "failed",
	}); err != nil {
		t.Fatalf("record failed deposit: %v", err)
	}
	// A locked withdrawal past the SLA is money in limbo.
	if _, _, err := store.LockWithdrawal(ctx, ledger.WithdrawalArgs{
		Provider: "stubpay", ExternalRef: "limbo-1", AccountID: acct.ID,
		Amount: decimal.NewFromInt(30), Currency: "USD",
	}); err != nil {
		t.Fatalf("lock withdrawal: %v", err)
	}

	reporter := NewReporter(store, time.Hour)
	reporter.now = func() time.Time { return time.Now().UTC().Add(2 * time.Hour) }
	records, err := reporter.Stuck(ctx)
	if err != nil {
		t.Fatalf("stuck: %v", err)
	}
	if len(records) != 1 || records[0].ExternalRef != "limbo-1" {
		t.Fatalf("stuck = %+v, want only limbo-1", records)
	}
}

func TestConsistencyReportsOnlyDivergence(t *testing.T) {
	store := ledger.NewInMemory()
	ctx := context.Background()

	acct, _ := store.EnsureAccount(ctx, "owner-4", "USD")
	if _, err := store.SettleDeposit(ctx, ledger.DepositArgs{
		Provider: "stubpay", ExternalRef: "dep-ok", AccountID: acct.ID,
		Amount: decimal.NewFromInt(100), Currency: "USD", RawStatus: "finished",
	}); err != nil {
		t.Fatalf("settle: %v", err)
	}

	reporter := NewReporter(store, time.Hour)
	findings, err := reporter.Consistency(ctx)
	if err != nil {
		t.Fatalf("consistency: %v", err)
	}
	if len(findings) != 0 {
		t.Fatalf("healthy ledger produced findings: %+v", findings)
	}
}
