package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumapay/lumapay/internal/payment"
)

var (
	// ErrInsufficientFunds occurs when the account lacks available balance
	// to cover a requested debit.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAccountNotFound indicates the target account does not exist. Callers
	// must log it for investigation rather than silently dropping funds.
	ErrAccountNotFound = errors.New("account not found")

	// ErrPaymentNotFound indicates no payment record exists for the reference.
	ErrPaymentNotFound = errors.New("payment not found")

	// ErrCurrencyMismatch occurs when a mutation names a currency different
	// from the account's.
	ErrCurrencyMismatch = errors.New("currency mismatch")

	// ErrLockTimeout indicates the account row lock could not be acquired
	// within the bounded wait. The mutation did not happen; redelivery is safe.
	ErrLockTimeout = errors.New("lock wait timed out")

	// ErrInvalidAmount rejects zero or negative mutation amounts.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// EntryKind classifies a journal entry.
type EntryKind string

const (
	KindDeposit    EntryKind = "deposit"
	KindWithdrawal EntryKind = "withdrawal"
	KindRefund     EntryKind = "refund"
	KindLock       EntryKind = "lock"
	KindUnlock     EntryKind = "unlock"
)

// Account is one balance bucket per owner per currency. Balance is the
// available amount; Locked tracks funds reserved by in-flight withdrawals.
// Both are fixed-point decimals, never floats.
type Account struct {
	ID        string
	OwnerID   string
	Currency  string
	Balance   decimal.Decimal
	Locked    decimal.Decimal
	Status    string
	CreatedAt time.Time
}

// JournalEntry is an immutable append-only record of a balance delta.
// Corrections append a compensating entry; entries are never updated.
type JournalEntry struct {
	ID          string
	AccountID   string
	Delta       decimal.Decimal
	Currency    string
	Kind        EntryKind
	ExternalRef string
	CreatedAt   time.Time
}

// Result classifies the outcome of an idempotent mutation attempt.
type Result string

const (
	// Applied means the mutation committed in this call.
	Applied Result = "applied"
	// Duplicate means the reference was already processed; the previously
	// recorded outcome is returned and no balance change occurred.
	Duplicate Result = "duplicate"
	// Rejected means the mutation was refused and rolled back; the reference
	// stays eligible for redelivery.
	Rejected Result = "rejected"
)

// Outcome reports how a mutation attempt concluded.
type Outcome struct {
	Result    Result
	PaymentID string
	Reason    string
}

// AccountAudit pairs an account with the sum of its journal deltas. The two
// must agree; any divergence is a data-integrity alarm.
type AccountAudit struct {
	Account    Account
	JournalSum decimal.Decimal
}

// RetryTask tracks an outbound provider call awaiting another attempt.
type RetryTask struct {
	ID            string
	PaymentID     string
	Provider      string
	Operation     string
	Attempts      int
	NextAttemptAt time.Time
	LastError     string
}

// DepositArgs describes a provider-settled inbound credit.
type DepositArgs struct {
	Provider    string
	ExternalRef string
	AccountID   string
	Amount      decimal.Decimal
	Currency    string
	RawStatus   string
}

// StatusArgs describes a non-mutating inbound status progression.
type StatusArgs struct {
	Provider    string
	ExternalRef string
	AccountID   string
	Amount      decimal.Decimal
	Currency    string
	Status      payment.Status
	RawStatus   string
}

// WithdrawalArgs describes a user-requested outbound debit.
type WithdrawalArgs struct {
	Provider    string
	ExternalRef string
	AccountID   string
	Amount      decimal.Decimal
	Currency    string
	Destination string
}

// Store is the transactional surface backing the reconciliation engine.
// Accounts, journal entries, payment records and the idempotency constraint
// live together so that the duplicate check and the balance mutation commit
// as one unit of work. Implementations serialize concurrent mutations to the
// same account and bound their lock wait; a mutation that cannot acquire its
// lock in time fails closed with ErrLockTimeout.
type Store interface {
	EnsureAccount(ctx context.Context, ownerID, currency string) (Account, error)
	AccountByID(ctx context.Context, id string) (Account, error)
	EntriesByAccount(ctx context.Context, accountID string) ([]JournalEntry, error)

	// SettleDeposit credits the account and finishes the payment record,
	// exactly once per (provider, external ref).
	SettleDeposit(ctx context.Context, args DepositArgs) (Outcome, error)

	// RecordInboundStatus advances a payment record without touching the
	// balance. Transitions out of terminal records are no-ops; the returned
	// bool reports whether anything changed.
	RecordInboundStatus(ctx context.Context, args StatusArgs) (payment.Record, bool, error)

	// LockWithdrawal reserves funds for an outbound payment: debits the
	// available balance, raises the locked counter and creates the record.
	LockWithdrawal(ctx context.Context, args WithdrawalArgs) (payment.Record, Outcome, error)

	// MarkSubmitted moves a locked withdrawal to submitted, recording the
	// provider receipt. Calling it twice is harmless.
	MarkSubmitted(ctx context.Context, paymentID, receiptRef string) error

	// CompleteWithdrawal finalizes a submitted withdrawal. The funds left the
	// balance at lock time; completion releases the locked counter and
	// appends the settlement entry.
	CompleteWithdrawal(ctx context.Context, provider, externalRef, rawStatus string) (Outcome, error)

	// RefundWithdrawal credits the exact locked amount back after a failed
	// withdrawal and marks the record refunded.
	RefundWithdrawal(ctx context.Context, provider, externalRef, reason string, review bool) (Outcome, error)

	// CancelWithdrawal releases a reservation that was never submitted.
	CancelWithdrawal(ctx context.Context, provider, externalRef string) (Outcome, error)

	PaymentByRef(ctx context.Context, provider, externalRef string) (payment.Record, error)
	PaymentByID(ctx context.Context, id string) (payment.Record, error)
	PaymentsRequiringReview(ctx context.Context) ([]payment.Record, error)
	StalePayments(ctx context.Context, cutoff time.Time) ([]payment.Record, error)
	AuditAccounts(ctx context.Context) ([]AccountAudit, error)

	UpsertRetryTask(ctx context.Context, task RetryTask) error
	DueRetryTasks(ctx context.Context, now time.Time, limit int) ([]RetryTask, error)
	DeleteRetryTask(ctx context.Context, id string) error
}
