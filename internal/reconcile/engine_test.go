package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumapay/lumapay/internal/ledger"
	"github.com/lumapay/lumapay/internal/notification"
	"github.com/lumapay/lumapay/internal/payment"
	"github.com/lumapay/lumapay/internal/provider"
	"github.com/lumapay/lumapay/internal/retry"
)

const testProvider = "stubpay"

type capturedEvent struct {
	Kind string
	Ref  string
}

type captureNotifier struct {
	events []capturedEvent
}

func (n *captureNotifier) Send(_ context.Context, e notification.Event) error {
	n.events = append(n.events, capturedEvent{Kind: e.Kind, Ref: e.ExternalRef})
	return nil
}

func newTestEngine(t *testing.T) (*Engine, ledger.Store, *provider.Stub, *captureNotifier) {
	t.Helper()
	store := ledger.NewInMemory()
	stub := provider.NewStub(testProvider, "topsecret")
	notifier := &captureNotifier{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	engine := NewEngine(store, provider.NewRegistry(stub), NewLedgerDirectory(store), notifier, retry.DefaultPolicy, logger)
	return engine, store, stub, notifier
}

func signedEvent(t *testing.T, stub *provider.Stub, ref, status, amount, currency, accountKey string) ([]byte, string) {
	t.Helper()
	payload, err := json.Marshal(map[string]any{
		"reference":   ref,
		"status":      status,
		"amount":      amount,
		"currency":    currency,
		"account_key": accountKey,
	})
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}
	return payload, stub.Sign(payload)
}

func TestWebhookSettlesDepositOnce(t *testing.T) {
	engine, store, stub, notifier := newTestEngine(t)
	ctx := context.Background()

	payload, sig := signedEvent(t, stub, "dep-1", "finished", "100.50", "USD", "alice")

	out, err := engine.HandleNotification(ctx, testProvider, payload, sig)
	if err != nil {
		t.Fatalf("first delivery: %v", err)
	}
	if out.Result != ledger.Applied {
		t.Fatalf("first delivery result = %s, want applied", out.Result)
	}

	for i := 0; i < 4; i++ {
		dup, err := engine.HandleNotification(ctx, testProvider, payload, sig)
		if err != nil {
			t.Fatalf("redelivery %d: %v", i, err)
		}
		if dup.Result != ledger.Duplicate {
			t.Fatalf("redelivery %d result = %s, want duplicate", i, dup.Result)
		}
		if dup.PaymentID != out.PaymentID {
			t.Fatalf("redelivery %d payment id = %s, want %s", i, dup.PaymentID, out.PaymentID)
		}
	}

	acct, err := store.EnsureAccount(ctx, "alice", "USD")
	if err != nil {
		t.Fatalf("ensure account: %v", err)
	}
	if !acct.Balance.Equal(decimal.RequireFromString("100.50")) {
		t.Fatalf("balance = %s, want 100.50", acct.Balance)
	}
	entries, _ := store.EntriesByAccount(ctx, acct.ID)
	if len(entries) != 1 {
		t.Fatalf("journal entries = %d, want 1", len(entries))
	}
	if len(notifier.events) != 1 || notifier.events[0].Kind != "deposit_settled" {
		t.Fatalf("notifications = %+v, want one deposit_settled", notifier.events)
	}
}

func TestWebhookRejectsForgedSignature(t *testing.T) {
	engine, store, stub, _ := newTestEngine(t)
	ctx := context.Background()

	payload, _ := signedEvent(t, stub, "dep-forged", "finished", "500", "USD", "alice")

	_, err := engine.HandleNotification(ctx, testProvider, payload, "deadbeef")
	if !errors.Is(err, ErrSignatureInvalid) {
		t.Fatalf("err = %v, want ErrSignatureInvalid", err)
	}

	// No record, no idempotency state, nothing.
	if _, err := store.PaymentByRef(ctx, testProvider, "dep-forged"); !errors.Is(err, ledger.ErrPaymentNotFound) {
		t.Fatalf("forged delivery created a payment record: %v", err)
	}
}

func TestWebhookUnknownProvider(t *testing.T) {
	engine, _, stub, _ := newTestEngine(t)
	payload, sig := signedEvent(t, stub, "dep-x", "finished", "5", "USD", "alice")

	_, err := engine.HandleNotification(context.Background(), "nopay", payload, sig)
	if !errors.Is(err, provider.ErrUnknown) {
		t.Fatalf("err = %v, want ErrUnknown", err)
	}
}

func TestWebhookMalformedPayload(t *testing.T) {
	engine, _, stub, _ := newTestEngine(t)
	payload := []byte(`{"reference":`)

	_, err := engine.HandleNotification(context.Background(), testProvider, payload, stub.Sign(payload))
	if !errors.Is(err, provider.ErrMalformedPayload) {
		t.Fatalf("err = %v, want ErrMalformedPayload", err)
	}
}

func TestProgressStatusesNeverCredit(t *testing.T) {
	engine, store, stub, notifier := newTestEngine(t)
	ctx := context.Background()

	for i, status := range []string{"pending", "confirming"} {
		payload, sig := signedEvent(t, stub, "dep-2", status, "75", "EUR", "bob")
		out, err := engine.HandleNotification(ctx, testProvider, payload, sig)
		if err != nil {
			t.Fatalf("delivery %d: %v", i, err)
		}
		if out.Result != ledger.Applied {
			t.Fatalf("delivery %d result = %s, want applied", i, out.Result)
		}
	}

	acct, _ := store.EnsureAccount(ctx, "bob", "EUR")
	if !acct.Balance.IsZero() {
		t.Fatalf("balance = %s after progress statuses, want 0", acct.Balance)
	}
	if len(notifier.events) != 0 {
		t.Fatalf("notifications = %+v, want none", notifier.events)
	}

	// Settlement still lands after the chatter.
	payload, sig := signedEvent(t, stub, "dep-2", "finished", "75", "EUR", "bob")
	out, err := engine.HandleNotification(ctx, testProvider, payload, sig)
	if err != nil || out.Result != ledger.Applied {
		t.Fatalf("settlement after progress: out=%+v err=%v", out, err)
	}
	acct, _ = store.AccountByID(ctx, acct.ID)
	if !acct.Balance.Equal(decimal.NewFromInt(75)) {
		t.Fatalf("balance = %s, want 75", acct.Balance)
	}
}

func TestOutOfOrderStatusIgnored(t *testing.T) {
	engine, store, stub, _ := newTestEngine(t)
	ctx := context.Background()

	finished, sigF := signedEvent(t, stub, "dep-3", "finished", "10", "USD", "carol")
	if _, err := engine.HandleNotification(ctx, testProvider, finished, sigF); err != nil {
		t.Fatalf("finished: %v", err)
	}

	// The stale confirming arrives after settlement; it must not regress.
	confirming, sigC := signedEvent(t, stub, "dep-3", "confirming", "10", "USD", "carol")
	out, err := engine.HandleNotification(ctx, testProvider, confirming, sigC)
	if err != nil {
		t.Fatalf("stale confirming: %v", err)
	}
	if out.Result != ledger.Duplicate {
		t.Fatalf("stale confirming result = %s, want duplicate", out.Result)
	}

	rec, _ := store.PaymentByRef(ctx, testProvider, "dep-3")
	if rec.Status != payment.StatusFinished {
		t.Fatalf("status regressed to %s", rec.Status)
	}
}

func TestPartiallyPaidParksForReview(t *testing.T) {
	engine, store, stub, _ := newTestEngine(t)
	ctx := context.Background()

	payload, sig := signedEvent(t, stub, "dep-4", "partially_paid", "40", "USD", "dave")
	if _, err := engine.HandleNotification(ctx, testProvider, payload, sig); err != nil {
		t.Fatalf("partial delivery: %v", err)
	}

	rec, err := store.PaymentByRef(ctx, testProvider, "dep-4")
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	if !rec.RequiresReview {
		t.Fatal("partially paid record not flagged for review")
	}
	acct, _ := store.EnsureAccount(ctx, "dave", "USD")
	if !acct.Balance.IsZero() {
		t.Fatalf("balance = %s, want 0", acct.Balance)
	}

	reviews, err := store.PaymentsRequiringReview(ctx)
	if err != nil {
		t.Fatalf("review queue: %v", err)
	}
	if len(reviews) != 1 || reviews[0].ExternalRef != "dep-4" {
		t.Fatalf("review queue = %+v", reviews)
	}
}

func TestCreateWithdrawalLocksAndQueues(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	acct, _ := store.EnsureAccount(ctx, "erin", "USD")
	ledger.SeedBalance(store, acct.ID, decimal.NewFromInt(300))

	rec, err := engine.CreateWithdrawal(ctx, WithdrawalInput{
		AccountID:   acct.ID,
		Provider:    testProvider,
		Amount:      decimal.NewFromInt(120),
		Currency:    "USD",
		Destination: "acct:erin-bank",
	})
	if err != nil {
		t.Fatalf("create withdrawal: %v", err)
	}
	if rec.Status != payment.StatusLocked {
		t.Fatalf("status = %s, want locked", rec.Status)
	}

	acct, _ = store.AccountByID(ctx, acct.ID)
	if !acct.Balance.Equal(decimal.NewFromInt(180)) {
		t.Fatalf("balance = %s, want 180", acct.Balance)
	}
	if !acct.Locked.Equal(decimal.NewFromInt(120)) {
		t.Fatalf("locked = %s, want 120", acct.Locked)
	}

	tasks, err := store.DueRetryTasks(ctx, time.Now().UTC().Add(time.Second), 10)
	if err != nil {
		t.Fatalf("due tasks: %v", err)
	}
	if len(tasks) != 1 || tasks[0].PaymentID != rec.ID {
		t.Fatalf("tasks = %+v, want one for %s", tasks, rec.ID)
	}
}

func TestCreateWithdrawalInsufficientFunds(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	acct, _ := store.EnsureAccount(ctx, "frank", "USD")
	ledger.SeedBalance(store, acct.ID, decimal.NewFromInt(50))

	_, err := engine.CreateWithdrawal(ctx, WithdrawalInput{
		AccountID: acct.ID,
		Provider:  testProvider,
		Amount:    decimal.NewFromInt(51),
		Currency:  "USD",
	})
	if !errors.Is(err, ledger.ErrInsufficientFunds) {
		t.Fatalf("err = %v, want ErrInsufficientFunds", err)
	}

	acct, _ = store.AccountByID(ctx, acct.ID)
	if !acct.Balance.Equal(decimal.NewFromInt(50)) || !acct.Locked.IsZero() {
		t.Fatalf("account mutated on rejection: balance=%s locked=%s", acct.Balance, acct.Locked)
	}
}

func TestWithdrawalCompletionWebhook(t *testing.T) {
	engine, store, stub, notifier := newTestEngine(t)
	ctx := context.Background()

	acct, _ := store.EnsureAccount(ctx, "grace", "USD")
	ledger.SeedBalance(store, acct.ID, decimal.NewFromInt(200))

	rec, err := engine.CreateWithdrawal(ctx, WithdrawalInput{
		AccountID: acct.ID, Provider: testProvider,
		Amount: decimal.NewFromInt(80), Currency: "USD", Destination: "iban:x",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.ProcessDueTasks(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}

	payload, sig := signedEvent(t, stub, rec.ExternalRef, "finished", "80", "USD", "grace")
	out, err := engine.HandleNotification(ctx, testProvider, payload, sig)
	if err != nil {
		t.Fatalf("completion webhook: %v", err)
	}
	if out.Result != ledger.Applied {
		t.Fatalf("completion result = %s, want applied", out.Result)
	}

	// Redelivery of the confirmation is a duplicate, not a second release.
	dup, err := engine.HandleNotification(ctx, testProvider, payload, sig)
	if err != nil || dup.Result != ledger.Duplicate {
		t.Fatalf("completion redelivery: out=%+v err=%v", dup, err)
	}

	acct, _ = store.AccountByID(ctx, acct.ID)
	if !acct.Balance.Equal(decimal.NewFromInt(120)) || !acct.Locked.IsZero() {
		t.Fatalf("balance=%s locked=%s, want 120/0", acct.Balance, acct.Locked)
	}

	got, _ := store.PaymentByRef(ctx, testProvider, rec.ExternalRef)
	if got.Status != payment.StatusCompleted {
		t.Fatalf("status = %s, want completed", got.Status)
	}
	last := notifier.events[len(notifier.events)-1]
	if last.Kind != "withdrawal_completed" || last.Ref != rec.ExternalRef {
		t.Fatalf("last notification = %+v", last)
	}
}

func TestWithdrawalFailureWebhookRefunds(t *testing.T) {
	engine, store, stub, notifier := newTestEngine(t)
	ctx := context.Background()

	acct, _ := store.EnsureAccount(ctx, "heidi", "USD")
	ledger.SeedBalance(store, acct.ID, decimal.RequireFromString("99.99"))

	rec, err := engine.CreateWithdrawal(ctx, WithdrawalInput{
		AccountID: acct.ID, Provider: testProvider,
		Amount: decimal.RequireFromString("99.99"), Currency: "USD", Destination: "iban:y",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := engine.ProcessDueTasks(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}

	payload, sig := signedEvent(t, stub, rec.ExternalRef, "failed", "99.99", "USD", "heidi")
	out, err := engine.HandleNotification(ctx, testProvider, payload, sig)
	if err != nil || out.Result != ledger.Applied {
		t.Fatalf("failure webhook: out=%+v err=%v", out, err)
	}

	acct, _ = store.AccountByID(ctx, acct.ID)
	if !acct.Balance.Equal(decimal.RequireFromString("99.99")) || !acct.Locked.IsZero() {
		t.Fatalf("balance=%s locked=%s, want full refund", acct.Balance, acct.Locked)
	}
	got, _ := store.PaymentByRef(ctx, testProvider, rec.ExternalRef)
	if got.Status != payment.StatusRefunded {
		t.Fatalf("status = %s, want refunded", got.Status)
	}
	last := notifier.events[len(notifier.events)-1]
	if last.Kind != "withdrawal_refunded" {
		t.Fatalf("last notification = %+v", last)
	}

	// Duplicate failure delivery must not refund twice.
	dup, err := engine.HandleNotification(ctx, testProvider, payload, sig)
	if err != nil || dup.Result != ledger.Duplicate {
		t.Fatalf("failure redelivery: out=%+v err=%v", dup, err)
	}
	acct, _ = store.AccountByID(ctx, acct.ID)
	if !acct.Balance.Equal(decimal.RequireFromString("99.99")) {
		t.Fatalf("double refund: balance=%s", acct.Balance)
	}
}

func TestCancelWithdrawalBeforeSubmission(t *testing.T) {
	engine, store, _, _ := newTestEngine(t)
	ctx := context.Background()

	acct, _ := store.EnsureAccount(ctx, "ivan", "USD")
	ledger.SeedBalance(store, acct.ID, decimal.NewFromInt(60))

	rec, err := engine.CreateWithdrawal(ctx, WithdrawalInput{
		AccountID: acct.ID, Provider: testProvider,
		Amount: decimal.NewFromInt(25), Currency: "USD",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	out, err := engine.CancelWithdrawal(ctx, testProvider, rec.ExternalRef)
	if err != nil || out.Result != ledger.Applied {
		t.Fatalf("cancel: out=%+v err=%v", out, err)
	}

	acct, _ = store.AccountByID(ctx, acct.ID)
	if !acct.Balance.Equal(decimal.NewFromInt(60)) || !acct.Locked.IsZero() {
		t.Fatalf("balance=%s locked=%s after cancel", acct.Balance, acct.Locked)
	}

	// The task is gone; a sweep submits nothing.
	if err := engine.ProcessDueTasks(ctx); err != nil {
		t.Fatalf("sweep: %v", err)
	}
	tasks, _ := store.DueRetryTasks(ctx, time.Now().UTC().Add(time.Second), 10)
	if len(tasks) != 0 {
		t.Fatalf("tasks = %+v, want none", tasks)
	}
}

func TestCompletionBeforeSubmissionIsRejectedNotBurned(t *testing.T) {
	engine, store, stub, _ := newTestEngine(t)
	ctx := context.Background()

	acct, _ := store.EnsureAccount(ctx, "judy", "USD")
	ledger.SeedBalance(store, acct.ID, decimal.NewFromInt(100))

	rec, err := engine.CreateWithdrawal(ctx, WithdrawalInput{
		AccountID: acct.ID, Provider: testProvider,
		Amount: decimal.NewFromInt(30), Currency: "USD",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	// Completed webhook races ahead of our own submission bookkeeping.
	payload, sig := signedEvent(t, stub, rec.ExternalRef, "finished", "30", "USD", "judy")
	out, err := engine.HandleNotification(ctx, testProvider, payload, sig)
	if err != nil {
		t.Fatalf("early completion: %v", err)
	}
	if out.Result != ledger.Rejected {
		t.Fatalf("early completion result = %s, want rejected", out.Result)
	}

	// After submission the same delivery applies cleanly.
	if err := engine.ProcessDueTasks(ctx); err != nil {
		t.Fatalf("submit: %v", err)
	}
	out, err = engine.HandleNotification(ctx, testProvider, payload, sig)
	if err != nil || out.Result != ledger.Applied {
		t.Fatalf("redelivery after submit: out=%+v err=%v", out, err)
	}
}

func TestRefreshPaymentPollsAndApplies(t *testing.T) {
	engine, store, stub, _ := newTestEngine(t)
	ctx := context.Background()

	// Seed a pending deposit via webhook, then script the poll answer.
	payload, sig := signedEvent(t, stub, "dep-5", "pending", "15", "USD", "kate")
	if _, err := engine.HandleNotification(ctx, testProvider, payload, sig); err != nil {
		t.Fatalf("pending delivery: %v", err)
	}
	stub.SetStatus("dep-5", provider.Notification{
		ExternalRef: "dep-5",
		Status:      payment.StatusFinished,
		RawStatus:   "finished",
		Amount:      decimal.NewFromInt(15),
		Currency:    "USD",
		AccountKey:  "kate",
	})

	rec, err := engine.RefreshPayment(ctx, testProvider, "dep-5")
	if err != nil {
		t.Fatalf("refresh: %v", err)
	}
	if rec.Status != payment.StatusFinished {
		t.Fatalf("status = %s, want finished", rec.Status)
	}

	acct, _ := store.EnsureAccount(ctx, "kate", "USD")
	if !acct.Balance.Equal(decimal.NewFromInt(15)) {
		t.Fatalf("balance = %s, want 15", acct.Balance)
	}

	// A second refresh on a terminal record does not poll again.
	stub.SetStatus("dep-5", provider.Notification{})
	rec, err = engine.RefreshPayment(ctx, testProvider, "dep-5")
	if err != nil || rec.Status != payment.StatusFinished {
		t.Fatalf("terminal refresh: rec=%+v err=%v", rec, err)
	}
}

func TestConservationAcrossMixedTraffic(t *testing.T) {
	engine, store, stub, _ := newTestEngine(t)
	ctx := context.Background()

	acct, _ := store.EnsureAccount(ctx, "mixed", "USD")
	ledger.SeedBalance(store, acct.ID, decimal.NewFromInt(1000))

	for i := 0; i < 5; i++ {
		payload, sig := signedEvent(t, stub, fmt.Sprintf("dep-m-%d", i), "finished", "10", "USD", "mixed")
		if _, err := engine.HandleNotification(ctx, testProvider, payload, sig); err != nil {
			t.Fatalf("deposit %d: %v", i, err)
		}
	}

	var refs []string
	for i := 0; i < 3; i++ {
		rec, err := engine.CreateWithdrawal(ctx, WithdrawalInput{
			AccountID: acct.ID, Provider: testProvider,
			Amount: decimal.NewFromInt(100), Currency: "USD",
		})
		if err != nil {
			t.Fatalf("withdrawal %d: %v", i, err)
		}
		refs = append(refs, rec.ExternalRef)
	}
	if err := engine.ProcessDueTasks(ctx); err != nil {
		t.Fatalf("submit sweep: %v", err)
	}

	// One completes, one fails, one stays in flight.
	done, sigD := signedEvent(t, stub, refs[0], "finished", "100", "USD", "mixed")
	if _, err := engine.HandleNotification(ctx, testProvider, done, sigD); err != nil {
		t.Fatalf("complete: %v", err)
	}
	failed, sigX := signedEvent(t, stub, refs[1], "failed", "100", "USD", "mixed")
	if _, err := engine.HandleNotification(ctx, testProvider, failed, sigX); err != nil {
		t.Fatalf("fail: %v", err)
	}

	audits, err := store.AuditAccounts(ctx)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	for _, a := range audits {
		if !a.Account.Balance.Equal(a.JournalSum) {
			t.Fatalf("account %s diverged: balance=%s journal=%s", a.Account.ID, a.Account.Balance, a.JournalSum)
		}
	}

	// 1000 seed + 50 deposits - 100 completed - 100 locked in flight.
	acct, _ = store.AccountByID(ctx, acct.ID)
	if !acct.Balance.Equal(decimal.NewFromInt(850)) {
		t.Fatalf("balance = %s, want 850", acct.Balance)
	}
	if !acct.Locked.Equal(decimal.NewFromInt(100)) {
		t.Fatalf("locked = %s, want 100", acct.Locked)
	}
}
