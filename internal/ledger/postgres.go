package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/lumapay/lumapay/internal/payment"
)

const (
	// lockWait bounds how long a unit of work may sit on the account row lock.
	lockWait = 5 * time.Second
	// opTimeout bounds the total duration of one unit of work.
	opTimeout = 10 * time.Second

	pgLockNotAvailable = "55P03"
	pgUniqueViolation  = "23505"
)

// PostgresStore persists accounts, journal entries, payment records and the
// idempotency constraint in PostgreSQL. Every mutation is one transaction:
// the idempotency insert, the row-locked balance change, the journal append
// and the payment status update commit or roll back together.
type PostgresStore struct {
	db *pgxpool.Pool
}

// NewPostgresStore constructs a Postgres-backed store.
func NewPostgresStore(db *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) begin(ctx context.Context) (context.Context, context.CancelFunc, pgx.Tx, error) {
	ctx, cancel := context.WithTimeout(ctx, opTimeout)
	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		cancel()
		return nil, nil, nil, err
	}
	if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = '%dms'", lockWait.Milliseconds())); err != nil {
		_ = tx.Rollback(ctx)
		cancel()
		return nil, nil, nil, err
	}
	return ctx, cancel, tx, nil
}

// classify maps low-level pgx failures onto the store's sentinel errors.
func classify(err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case pgLockNotAvailable:
			return ErrLockTimeout
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrLockTimeout
	}
	return err
}

// EnsureAccount creates the (owner, currency) account on first need.
func (s *PostgresStore) EnsureAccount(ctx context.Context, ownerID, currency string) (Account, error) {
	_, err := s.db.Exec(ctx, `INSERT INTO accounts (id, owner_id, currency, balance, locked, status, created_at)
        VALUES ($1, $2, $3, 0, 0, 'open', now())
        ON CONFLICT (owner_id, currency) DO NOTHING`, uuid.NewString(), ownerID, currency)
	if err != nil {
		return Account{}, err
	}
	row := s.db.QueryRow(ctx, `SELECT id, owner_id, currency, balance::text, locked::text, status, created_at
        FROM accounts WHERE owner_id = $1 AND currency = $2`, ownerID, currency)
	return scanAccount(row)
}

// AccountByID fetches a single account.
func (s *PostgresStore) AccountByID(ctx context.Context, id string) (Account, error) {
	row := s.db.QueryRow(ctx, `SELECT id, owner_id, currency, balance::text, locked::text, status, created_at
        FROM accounts WHERE id = $1`, id)
	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	return acct, err
}

// EntriesByAccount returns the journal for an account, oldest first.
func (s *PostgresStore) EntriesByAccount(ctx context.Context, accountID string) ([]JournalEntry, error) {
	rows, err := s.db.Query(ctx, `SELECT id, account_id, delta::text, currency, kind, COALESCE(external_ref, ''), created_at
        FROM journal_entries WHERE account_id = $1 ORDER BY created_at`, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []JournalEntry
	for rows.Next() {
		var e JournalEntry
		var delta string
		if err := rows.Scan(&e.ID, &e.AccountID, &delta, &e.Currency, &e.Kind, &e.ExternalRef, &e.CreatedAt); err != nil {
			return nil, err
		}
		if e.Delta, err = decimal.NewFromString(delta); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// SettleDeposit applies the inbound credit exactly once. The idempotency key
// is inserted first; a conflict short-circuits to the previously recorded
// outcome without touching the balance. Any failure after the insert rolls
// the whole transaction back, key included, so a failed attempt is not
// poisoned as a duplicate.
func (s *PostgresStore) SettleDeposit(ctx context.Context, args DepositArgs) (Outcome, error) {
	if !args.Amount.IsPositive() {
		return Outcome{Result: Rejected, Reason: ErrInvalidAmount.Error()}, ErrInvalidAmount
	}

	ctx, cancel, tx, err := s.begin(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer cancel()
	defer tx.Rollback(ctx) // nolint:errcheck

	paymentID := uuid.NewString()
	inserted, prior, err := s.claimReference(ctx, tx, args.Provider, args.ExternalRef, KindDeposit, paymentID)
	if err != nil {
		return Outcome{}, classify(err)
	}
	if !inserted {
		return prior, nil
	}

	acct, err := lockAccount(ctx, tx, args.AccountID)
	if err != nil {
		return Outcome{}, classify(err)
	}
	if acct.Currency != args.Currency {
		return Outcome{Result: Rejected, Reason: ErrCurrencyMismatch.Error()}, ErrCurrencyMismatch
	}

	existing, found, err := lockPayment(ctx, tx, args.Provider, args.ExternalRef)
	if err != nil {
		return Outcome{}, classify(err)
	}
	if found {
		if !payment.CanTransition(existing.Status, payment.StatusFinished) {
			// Terminal records stay terminal: a late "finished" after a
			// failure is a no-op, not a resurrection.
			return Outcome{Result: Duplicate, PaymentID: existing.ID, Reason: string(existing.Status)}, nil
		}
		paymentID = existing.ID
		if _, err := tx.Exec(ctx, `UPDATE idempotency_keys SET payment_id = $1
            WHERE provider = $2 AND external_ref = $3 AND kind = $4`,
			paymentID, args.Provider, args.ExternalRef, string(KindDeposit)); err != nil {
			return Outcome{}, classify(err)
		}
		if _, err := tx.Exec(ctx, `UPDATE payments SET status = $1, raw_status = $2, requires_review = false, updated_at = now()
            WHERE id = $3`, string(payment.StatusFinished), args.RawStatus, paymentID); err != nil {
			return Outcome{}, classify(err)
		}
	} else {
		if _, err := tx.Exec(ctx, `INSERT INTO payments (id, provider, external_ref, direction, amount, currency, status, raw_status, account_id, requires_review, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, false, now(), now())`,
			paymentID, args.Provider, args.ExternalRef, string(payment.Inbound), args.Amount.String(),
			args.Currency, string(payment.StatusFinished), args.RawStatus, args.AccountID); err != nil {
			return Outcome{}, classify(err)
		}
	}

	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $1::numeric WHERE id = $2`,
		args.Amount.String(), args.AccountID); err != nil {
		return Outcome{}, classify(err)
	}
	if err := appendEntry(ctx, tx, args.AccountID, args.Amount, args.Currency, KindDeposit, args.ExternalRef); err != nil {
		return Outcome{}, classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Outcome{}, classify(err)
	}
	return Outcome{Result: Applied, PaymentID: paymentID}, nil
}

// RecordInboundStatus advances the payment record for informational provider
// statuses. It never mutates a balance and never writes an idempotency key;
// monotonicity comes from the state machine check under the record row lock.
func (s *PostgresStore) RecordInboundStatus(ctx context.Context, args StatusArgs) (payment.Record, bool, error) {
	if payment.CreditsOnEntry(args.Status) {
		return payment.Record{}, false, fmt.Errorf("status %s mutates the balance and must settle instead", args.Status)
	}

	ctx, cancel, tx, err := s.begin(ctx)
	if err != nil {
		return payment.Record{}, false, err
	}
	defer cancel()
	defer tx.Rollback(ctx) // nolint:errcheck

	rec, found, err := lockPayment(ctx, tx, args.Provider, args.ExternalRef)
	if err != nil {
		return payment.Record{}, false, classify(err)
	}
	if !found {
		rec = payment.Record{
			ID:             uuid.NewString(),
			Provider:       args.Provider,
			ExternalRef:    args.ExternalRef,
			Direction:      payment.Inbound,
			Amount:         args.Amount,
			Currency:       args.Currency,
			Status:         args.Status,
			RawStatus:      args.RawStatus,
			AccountID:      args.AccountID,
			RequiresReview: payment.NeedsReview(args.Status),
		}
		if _, err := tx.Exec(ctx, `INSERT INTO payments (id, provider, external_ref, direction, amount, currency, status, raw_status, account_id, requires_review, created_at, updated_at)
            VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, $8, $9, $10, now(), now())`,
			rec.ID, rec.Provider, rec.ExternalRef, string(rec.Direction), rec.Amount.String(),
			rec.Currency, string(rec.Status), rec.RawStatus, rec.AccountID, rec.RequiresReview); err != nil {
			return payment.Record{}, false, classify(err)
		}
		if err := tx.Commit(ctx); err != nil {
			return payment.Record{}, false, classify(err)
		}
		return rec, true, nil
	}

	if rec.Status == args.Status || !payment.CanTransition(rec.Status, args.Status) {
		return rec, false, nil
	}

	rec.Status = args.Status
	rec.RawStatus = args.RawStatus
	rec.RequiresReview = payment.NeedsReview(args.Status)
	if _, err := tx.Exec(ctx, `UPDATE payments SET status = $1, raw_status = $2, requires_review = $3, updated_at = now()
        WHERE id = $4`, string(rec.Status), rec.RawStatus, rec.RequiresReview, rec.ID); err != nil {
		return payment.Record{}, false, classify(err)
	}
	if err := tx.Commit(ctx); err != nil {
		return payment.Record{}, false, classify(err)
	}
	return rec, true, nil
}

// LockWithdrawal reserves funds for an outbound payment. Two concurrent
// lock requests against the same account serialize on the account row, so
// the balance can never be debited below zero by a race.
func (s *PostgresStore) LockWithdrawal(ctx context.Context, args WithdrawalArgs) (payment.Record, Outcome, error) {
	if !args.Amount.IsPositive() {
		return payment.Record{}, Outcome{Result: Rejected, Reason: ErrInvalidAmount.Error()}, ErrInvalidAmount
	}

	ctx, cancel, tx, err := s.begin(ctx)
	if err != nil {
		return payment.Record{}, Outcome{}, err
	}
	defer cancel()
	defer tx.Rollback(ctx) // nolint:errcheck

	paymentID := uuid.NewString()
	inserted, prior, err := s.claimReference(ctx, tx, args.Provider, args.ExternalRef, KindLock, paymentID)
	if err != nil {
		return payment.Record{}, Outcome{}, classify(err)
	}
	if !inserted {
		rec, _, lookupErr := lockPayment(ctx, tx, args.Provider, args.ExternalRef)
		if lookupErr != nil {
			return payment.Record{}, Outcome{}, classify(lookupErr)
		}
		return rec, prior, nil
	}

	acct, err := lockAccount(ctx, tx, args.AccountID)
	if err != nil {
		return payment.Record{}, Outcome{}, classify(err)
	}
	if acct.Currency != args.Currency {
		return payment.Record{}, Outcome{Result: Rejected, Reason: ErrCurrencyMismatch.Error()}, ErrCurrencyMismatch
	}
	if acct.Balance.LessThan(args.Amount) {
		return payment.Record{}, Outcome{Result: Rejected, Reason: ErrInsufficientFunds.Error()}, ErrInsufficientFunds
	}

	rec := payment.Record{
		ID:          paymentID,
		Provider:    args.Provider,
		ExternalRef: args.ExternalRef,
		Direction:   payment.Outbound,
		Amount:      args.Amount,
		Currency:    args.Currency,
		Status:      payment.StatusLocked,
		AccountID:   args.AccountID,
		Destination: args.Destination,
	}
	if _, err := tx.Exec(ctx, `INSERT INTO payments (id, provider, external_ref, direction, amount, currency, status, raw_status, account_id, destination, requires_review, created_at, updated_at)
        VALUES ($1, $2, $3, $4, $5::numeric, $6, $7, '', $8, $9, false, now(), now())`,
		rec.ID, rec.Provider, rec.ExternalRef, string(rec.Direction), rec.Amount.String(),
		rec.Currency, string(rec.Status), rec.AccountID, rec.Destination); err != nil {
		return payment.Record{}, Outcome{}, classify(err)
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance - $1::numeric, locked = locked + $1::numeric WHERE id = $2`,
		args.Amount.String(), args.AccountID); err != nil {
		return payment.Record{}, Outcome{}, classify(err)
	}
	if err := appendEntry(ctx, tx, args.AccountID, args.Amount.Neg(), args.Currency, KindLock, args.ExternalRef); err != nil {
		return payment.Record{}, Outcome{}, classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return payment.Record{}, Outcome{}, classify(err)
	}
	return rec, Outcome{Result: Applied, PaymentID: rec.ID}, nil
}

// MarkSubmitted records a successful provider submission.
func (s *PostgresStore) MarkSubmitted(ctx context.Context, paymentID, receiptRef string) error {
	ctx, cancel, tx, err := s.begin(ctx)
	if err != nil {
		return err
	}
	defer cancel()
	defer tx.Rollback(ctx) // nolint:errcheck

	var status string
	if err := tx.QueryRow(ctx, `SELECT status FROM payments WHERE id = $1 FOR UPDATE`, paymentID).Scan(&status); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return ErrPaymentNotFound
		}
		return classify(err)
	}
	if payment.Status(status) == payment.StatusSubmitted {
		return nil
	}
	if !payment.CanTransition(payment.Status(status), payment.StatusSubmitted) {
		return fmt.Errorf("payment %s is %s and cannot be submitted", paymentID, status)
	}
	if _, err := tx.Exec(ctx, `UPDATE payments SET status = $1, raw_status = $2, updated_at = now() WHERE id = $3`,
		string(payment.StatusSubmitted), receiptRef, paymentID); err != nil {
		return classify(err)
	}
	return tx.Commit(ctx)
}

// CompleteWithdrawal finalizes a submitted withdrawal: the locked counter is
// released and a zero-delta settlement entry is appended. The debit itself
// already happened at lock time.
func (s *PostgresStore) CompleteWithdrawal(ctx context.Context, provider, externalRef, rawStatus string) (Outcome, error) {
	ctx, cancel, tx, err := s.begin(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer cancel()
	defer tx.Rollback(ctx) // nolint:errcheck

	inserted, prior, err := s.claimReference(ctx, tx, provider, externalRef, KindWithdrawal, "")
	if err != nil {
		return Outcome{}, classify(err)
	}
	if !inserted {
		return prior, nil
	}

	rec, found, err := lockPayment(ctx, tx, provider, externalRef)
	if err != nil {
		return Outcome{}, classify(err)
	}
	if !found {
		return Outcome{Result: Rejected, Reason: ErrPaymentNotFound.Error()}, ErrPaymentNotFound
	}
	if payment.Terminal(rec.Status, rec.Direction) {
		return Outcome{Result: Duplicate, PaymentID: rec.ID, Reason: string(rec.Status)}, nil
	}
	if !payment.CanTransition(rec.Status, payment.StatusCompleted) {
		// Out-of-order confirmation (e.g. still locked). Reject so the
		// provider redelivers once submission has been recorded.
		return Outcome{Result: Rejected, PaymentID: rec.ID, Reason: string(rec.Status)}, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE idempotency_keys SET payment_id = $1
        WHERE provider = $2 AND external_ref = $3 AND kind = $4`, rec.ID, provider, externalRef, string(KindWithdrawal)); err != nil {
		return Outcome{}, classify(err)
	}
	if _, err := lockAccount(ctx, tx, rec.AccountID); err != nil {
		return Outcome{}, classify(err)
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET locked = locked - $1::numeric WHERE id = $2`,
		rec.Amount.String(), rec.AccountID); err != nil {
		return Outcome{}, classify(err)
	}
	if err := appendEntry(ctx, tx, rec.AccountID, decimal.Zero, rec.Currency, KindWithdrawal, externalRef); err != nil {
		return Outcome{}, classify(err)
	}
	if _, err := tx.Exec(ctx, `UPDATE payments SET status = $1, raw_status = $2, updated_at = now() WHERE id = $3`,
		string(payment.StatusCompleted), rawStatus, rec.ID); err != nil {
		return Outcome{}, classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Outcome{}, classify(err)
	}
	return Outcome{Result: Applied, PaymentID: rec.ID}, nil
}

// RefundWithdrawal credits the exact locked amount back to the balance.
func (s *PostgresStore) RefundWithdrawal(ctx context.Context, provider, externalRef, reason string, review bool) (Outcome, error) {
	return s.release(ctx, provider, externalRef, reason, review, KindRefund, payment.StatusRefunded)
}

// CancelWithdrawal releases a reservation that never reached the provider.
func (s *PostgresStore) CancelWithdrawal(ctx context.Context, provider, externalRef string) (Outcome, error) {
	return s.release(ctx, provider, externalRef, "cancelled by owner", false, KindUnlock, payment.StatusCancelled)
}

// release is the shared credit-back path for refunds and cancellations.
func (s *PostgresStore) release(ctx context.Context, provider, externalRef, reason string, review bool, kind EntryKind, target payment.Status) (Outcome, error) {
	ctx, cancel, tx, err := s.begin(ctx)
	if err != nil {
		return Outcome{}, err
	}
	defer cancel()
	defer tx.Rollback(ctx) // nolint:errcheck

	inserted, prior, err := s.claimReference(ctx, tx, provider, externalRef, kind, "")
	if err != nil {
		return Outcome{}, classify(err)
	}
	if !inserted {
		return prior, nil
	}

	rec, found, err := lockPayment(ctx, tx, provider, externalRef)
	if err != nil {
		return Outcome{}, classify(err)
	}
	if !found {
		return Outcome{Result: Rejected, Reason: ErrPaymentNotFound.Error()}, ErrPaymentNotFound
	}
	if payment.Terminal(rec.Status, rec.Direction) {
		return Outcome{Result: Duplicate, PaymentID: rec.ID, Reason: string(rec.Status)}, nil
	}

	from := rec.Status
	if target == payment.StatusRefunded && from != payment.StatusFailed {
		// The record passes through failed on its way to refunded.
		if !payment.CanTransition(from, payment.StatusFailed) {
			return Outcome{Result: Rejected, PaymentID: rec.ID, Reason: string(from)}, nil
		}
		from = payment.StatusFailed
	}
	if !payment.CanTransition(from, target) {
		return Outcome{Result: Rejected, PaymentID: rec.ID, Reason: string(rec.Status)}, nil
	}

	if _, err := tx.Exec(ctx, `UPDATE idempotency_keys SET payment_id = $1
        WHERE provider = $2 AND external_ref = $3 AND kind = $4`, rec.ID, provider, externalRef, string(kind)); err != nil {
		return Outcome{}, classify(err)
	}
	if _, err := lockAccount(ctx, tx, rec.AccountID); err != nil {
		return Outcome{}, classify(err)
	}
	if _, err := tx.Exec(ctx, `UPDATE accounts SET balance = balance + $1::numeric, locked = locked - $1::numeric WHERE id = $2`,
		rec.Amount.String(), rec.AccountID); err != nil {
		return Outcome{}, classify(err)
	}
	if err := appendEntry(ctx, tx, rec.AccountID, rec.Amount, rec.Currency, kind, externalRef); err != nil {
		return Outcome{}, classify(err)
	}
	if _, err := tx.Exec(ctx, `UPDATE payments SET status = $1, raw_status = $2, requires_review = $3, updated_at = now() WHERE id = $4`,
		string(target), reason, review, rec.ID); err != nil {
		return Outcome{}, classify(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Outcome{}, classify(err)
	}
	return Outcome{Result: Applied, PaymentID: rec.ID}, nil
}

// PaymentByRef fetches a payment record by its provider-scoped reference.
func (s *PostgresStore) PaymentByRef(ctx context.Context, provider, externalRef string) (payment.Record, error) {
	row := s.db.QueryRow(ctx, paymentColumns+` FROM payments WHERE provider = $1 AND external_ref = $2`, provider, externalRef)
	rec, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.Record{}, ErrPaymentNotFound
	}
	return rec, err
}

// PaymentByID fetches a payment record by its id.
func (s *PostgresStore) PaymentByID(ctx context.Context, id string) (payment.Record, error) {
	row := s.db.QueryRow(ctx, paymentColumns+` FROM payments WHERE id = $1`, id)
	rec, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.Record{}, ErrPaymentNotFound
	}
	return rec, err
}

// PaymentsRequiringReview lists records parked for a human.
func (s *PostgresStore) PaymentsRequiringReview(ctx context.Context) ([]payment.Record, error) {
	rows, err := s.db.Query(ctx, paymentColumns+` FROM payments WHERE requires_review ORDER BY updated_at`)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

// StalePayments lists non-terminal records untouched since the cutoff.
// Failed is terminal for deposits but not for withdrawals, which still owe
// a refund, so it only counts as stuck on the outbound side.
func (s *PostgresStore) StalePayments(ctx context.Context, cutoff time.Time) ([]payment.Record, error) {
	rows, err := s.db.Query(ctx, paymentColumns+` FROM payments
        WHERE (status = ANY($1) OR (status = $2 AND direction = $3)) AND updated_at < $4 ORDER BY updated_at`,
		[]string{
			string(payment.StatusPending), string(payment.StatusConfirming),
			string(payment.StatusRequested), string(payment.StatusLocked),
			string(payment.StatusSubmitted),
		},
		string(payment.StatusFailed), string(payment.Outbound), cutoff)
	if err != nil {
		return nil, err
	}
	return collectPayments(rows)
}

// AuditAccounts returns every account beside the sum of its journal deltas.
func (s *PostgresStore) AuditAccounts(ctx context.Context) ([]AccountAudit, error) {
	rows, err := s.db.Query(ctx, `SELECT a.id, a.owner_id, a.currency, a.balance::text, a.locked::text, a.status, a.created_at,
            COALESCE(SUM(e.delta), 0)::text
        FROM accounts a
        LEFT JOIN journal_entries e ON e.account_id = a.id
        GROUP BY a.id ORDER BY a.created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var audits []AccountAudit
	for rows.Next() {
		var a Account
		var balance, locked, sum string
		if err := rows.Scan(&a.ID, &a.OwnerID, &a.Currency, &balance, &locked, &a.Status, &a.CreatedAt, &sum); err != nil {
			return nil, err
		}
		if a.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, err
		}
		if a.Locked, err = decimal.NewFromString(locked); err != nil {
			return nil, err
		}
		journalSum, err := decimal.NewFromString(sum)
		if err != nil {
			return nil, err
		}
		audits = append(audits, AccountAudit{Account: a, JournalSum: journalSum})
	}
	return audits, rows.Err()
}

// UpsertRetryTask stores or reschedules an outbound retry task.
func (s *PostgresStore) UpsertRetryTask(ctx context.Context, task RetryTask) error {
	_, err := s.db.Exec(ctx, `INSERT INTO retry_tasks (id, payment_id, provider, operation, attempts, next_attempt_at, last_error)
        VALUES ($1, $2, $3, $4, $5, $6, $7)
        ON CONFLICT (id) DO UPDATE SET attempts = $5, next_attempt_at = $6, last_error = $7`,
		task.ID, task.PaymentID, task.Provider, task.Operation, task.Attempts, task.NextAttemptAt.UTC(), task.LastError)
	return err
}

// DueRetryTasks lists tasks eligible to run.
func (s *PostgresStore) DueRetryTasks(ctx context.Context, now time.Time, limit int) ([]RetryTask, error) {
	rows, err := s.db.Query(ctx, `SELECT id, payment_id, provider, operation, attempts, next_attempt_at, last_error
        FROM retry_tasks WHERE next_attempt_at <= $1 ORDER BY next_attempt_at LIMIT $2`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []RetryTask
	for rows.Next() {
		var t RetryTask
		if err := rows.Scan(&t.ID, &t.PaymentID, &t.Provider, &t.Operation, &t.Attempts, &t.NextAttemptAt, &t.LastError); err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// DeleteRetryTask removes a finished task.
func (s *PostgresStore) DeleteRetryTask(ctx context.Context, id string) error {
	_, err := s.db.Exec(ctx, `DELETE FROM retry_tasks WHERE id = $1`, id)
	return err
}

// claimReference inserts the idempotency key for (provider, ref, kind). On
// conflict it returns the previously recorded outcome as a Duplicate.
func (s *PostgresStore) claimReference(ctx context.Context, tx pgx.Tx, provider, externalRef string, kind EntryKind, paymentID string) (bool, Outcome, error) {
	tag, err := tx.Exec(ctx, `INSERT INTO idempotency_keys (provider, external_ref, kind, outcome, payment_id, created_at)
        VALUES ($1, $2, $3, $4, NULLIF($5, ''), now())
        ON CONFLICT (provider, external_ref, kind) DO NOTHING`,
		provider, externalRef, string(kind), string(Applied), paymentID)
	if err != nil {
		return false, Outcome{}, err
	}
	if tag.RowsAffected() > 0 {
		return true, Outcome{}, nil
	}

	var storedPaymentID *string
	var storedOutcome string
	if err := tx.QueryRow(ctx, `SELECT outcome, payment_id FROM idempotency_keys
        WHERE provider = $1 AND external_ref = $2 AND kind = $3`, provider, externalRef, string(kind)).
		Scan(&storedOutcome, &storedPaymentID); err != nil {
		return false, Outcome{}, err
	}
	out := Outcome{Result: Duplicate, Reason: storedOutcome}
	if storedPaymentID != nil {
		out.PaymentID = *storedPaymentID
	}
	return false, out, nil
}

const paymentColumns = `SELECT id, provider, external_ref, direction, amount::text, currency, status, raw_status, COALESCE(account_id, ''), COALESCE(destination, ''), requires_review, created_at, updated_at`

func lockAccount(ctx context.Context, tx pgx.Tx, id string) (Account, error) {
	row := tx.QueryRow(ctx, `SELECT id, owner_id, currency, balance::text, locked::text, status, created_at
        FROM accounts WHERE id = $1 FOR UPDATE`, id)
	acct, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return Account{}, ErrAccountNotFound
	}
	return acct, err
}

func lockPayment(ctx context.Context, tx pgx.Tx, provider, externalRef string) (payment.Record, bool, error) {
	row := tx.QueryRow(ctx, paymentColumns+` FROM payments WHERE provider = $1 AND external_ref = $2 FOR UPDATE`, provider, externalRef)
	rec, err := scanPayment(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return payment.Record{}, false, nil
	}
	if err != nil {
		return payment.Record{}, false, err
	}
	return rec, true, nil
}

func appendEntry(ctx context.Context, tx pgx.Tx, accountID string, delta decimal.Decimal, currency string, kind EntryKind, externalRef string) error {
	_, err := tx.Exec(ctx, `INSERT INTO journal_entries (id, account_id, delta, currency, kind, external_ref, created_at)
        VALUES ($1, $2, $3::numeric, $4, $5, NULLIF($6, ''), now())`,
		uuid.NewString(), accountID, delta.String(), currency, string(kind), externalRef)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (Account, error) {
	var a Account
	var balance, locked string
	if err := row.Scan(&a.ID, &a.OwnerID, &a.Currency, &balance, &locked, &a.Status, &a.CreatedAt); err != nil {
		return Account{}, err
	}
	var err error
	if a.Balance, err = decimal.NewFromString(balance); err != nil {
		return Account{}, err
	}
	if a.Locked, err = decimal.NewFromString(locked); err != nil {
		return Account{}, err
	}
	return a, nil
}

func scanPayment(row rowScanner) (payment.Record, error) {
	var rec payment.Record
	var direction, status, amount string
	if err := row.Scan(&rec.ID, &rec.Provider, &rec.ExternalRef, &direction, &amount, &rec.Currency,
		&status, &rec.RawStatus, &rec.AccountID, &rec.Destination, &rec.RequiresReview,
		&rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return payment.Record{}, err
	}
	rec.Direction = payment.Direction(direction)
	rec.Status = payment.Status(status)
	var err error
	if rec.Amount, err = decimal.NewFromString(amount); err != nil {
		return payment.Record{}, err
	}
	return rec, nil
}

func collectPayments(rows pgx.Rows) ([]payment.Record, error) {
	defer rows.Close()
	var records []payment.Record
	for rows.Next() {
		rec, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}
