package ledger

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lumapay/lumapay/internal/payment"
)

type inMemoryStore struct {
	mu       sync.Mutex
	accounts map[string]*Account
	byOwner  map[string]string
	entries  map[string][]JournalEntry
	payments map[string]*payment.Record
	byID     map[string]*payment.Record
	idem     map[string]Outcome
	tasks    map[string]RetryTask
}

// NewInMemory creates a concurrency-safe in-memory store. It backs unit
// tests and dev mode with the same check-and-act semantics as Postgres,
// serialized by a single mutex instead of row locks.
func NewInMemory() Store {
	return &inMemoryStore{
		accounts: make(map[string]*Account),
		byOwner:  make(map[string]string),
		entries:  make(map[string][]JournalEntry),
		payments: make(map[string]*payment.Record),
		byID:     make(map[string]*payment.Record),
		idem:     make(map[string]Outcome),
		tasks:    make(map[string]RetryTask),
	}
}

func refKey(provider, externalRef string) string {
	return provider + "|" + externalRef
}

func idemKey(provider, externalRef string, kind EntryKind) string {
	return provider + "|" + externalRef + "|" + string(kind)
}

func (s *inMemoryStore) EnsureAccount(_ context.Context, ownerID, currency string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ownerID + "|" + currency
	if id, ok := s.byOwner[key]; ok {
		return *s.accounts[id], nil
	}
	acct := &Account{
		ID:        uuid.NewString(),
		OwnerID:   ownerID,
		Currency:  currency,
		Balance:   decimal.Zero,
		Locked:    decimal.Zero,
		Status:    "open",
		CreatedAt: time.Now().UTC(),
	}
	s.accounts[acct.ID] = acct
	s.byOwner[key] = acct.ID
	return *acct, nil
}

func (s *inMemoryStore) AccountByID(_ context.Context, id string) (Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acct, ok := s.accounts[id]
	if !ok {
		return Account{}, ErrAccountNotFound
	}
	return *acct, nil
}

func (s *inMemoryStore) EntriesByAccount(_ context.Context, accountID string) ([]JournalEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]JournalEntry(nil), s.entries[accountID]...), nil
}

func (s *inMemoryStore) SettleDeposit(_ context.Context, args DepositArgs) (Outcome, error) {
	if !args.Amount.IsPositive() {
		return Outcome{Result: Rejected, Reason: ErrInvalidAmount.Error()}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := idemKey(args.Provider, args.ExternalRef, KindDeposit)
	if prior, seen := s.idem[key]; seen {
		prior.Result = Duplicate
		return prior, nil
	}

	acct, ok := s.accounts[args.AccountID]
	if !ok {
		return Outcome{}, ErrAccountNotFound
	}
	if acct.Currency != args.Currency {
		return Outcome{Result: Rejected, Reason: ErrCurrencyMismatch.Error()}, ErrCurrencyMismatch
	}

	rec, found := s.payments[refKey(args.Provider, args.ExternalRef)]
	if found {
		if !payment.CanTransition(rec.Status, payment.StatusFinished) {
			return Outcome{Result: Duplicate, PaymentID: rec.ID, Reason: string(rec.Status)}, nil
		}
		rec.Status = payment.StatusFinished
		rec.RawStatus = args.RawStatus
		rec.RequiresReview = false
		rec.UpdatedAt = time.Now().UTC()
	} else {
		rec = &payment.Record{
			ID:          uuid.NewString(),
			Provider:    args.Provider,
			ExternalRef: args.ExternalRef,
			Direction:   payment.Inbound,
			Amount:      args.Amount,
			Currency:    args.Currency,
			Status:      payment.StatusFinished,
			RawStatus:   args.RawStatus,
			AccountID:   args.AccountID,
			CreatedAt:   time.Now().UTC(),
			UpdatedAt:   time.Now().UTC(),
		}
		s.payments[refKey(args.Provider, args.ExternalRef)] = rec
		s.byID[rec.ID] = rec
	}

	acct.Balance = acct.Balance.Add(args.Amount)
	s.append(args.AccountID, args.Amount, args.Currency, KindDeposit, args.ExternalRef)

	out := Outcome{Result: Applied, PaymentID: rec.ID}
	s.idem[key] = out
	return out, nil
}

func (s *inMemoryStore) RecordInboundStatus(_ context.Context, args StatusArgs) (payment.Record, bool, error) {
	if payment.CreditsOnEntry(args.Status) {
		return payment.Record{}, false, fmt.Errorf("status %s mutates the balance and must settle instead", args.Status)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	rec, found := s.payments[refKey(args.Provider, args.ExternalRef)]
	if !found {
		rec = &payment.Record{
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
			CreatedAt:      time.Now().UTC(),
			UpdatedAt:      time.Now().UTC(),
		}
		s.payments[refKey(args.Provider, args.ExternalRef)] = rec
		s.byID[rec.ID] = rec
		return *rec, true, nil
	}

	if rec.Status == args.Status || !payment.CanTransition(rec.Status, args.Status) {
		return *rec, false, nil
	}
	rec.Status = args.Status
	rec.RawStatus = args.RawStatus
	rec.RequiresReview = payment.NeedsReview(args.Status)
	rec.UpdatedAt = time.Now().UTC()
	return *rec, true, nil
}

func (s *inMemoryStore) LockWithdrawal(_ context.Context, args WithdrawalArgs) (payment.Record, Outcome, error) {
	if !args.Amount.IsPositive() {
		return payment.Record{}, Outcome{Result: Rejected, Reason: ErrInvalidAmount.Error()}, ErrInvalidAmount
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	key := idemKey(args.Provider, args.ExternalRef, KindLock)
	if prior, seen := s.idem[key]; seen {
		prior.Result = Duplicate
		rec := s.payments[refKey(args.Provider, args.ExternalRef)]
		if rec == nil {
			return payment.Record{}, prior, nil
		}
		return *rec, prior, nil
	}

	acct, ok := s.accounts[args.AccountID]
	if !ok {
		return payment.Record{}, Outcome{}, ErrAccountNotFound
	}
	if acct.Currency != args.Currency {
		return payment.Record{}, Outcome{Result: Rejected, Reason: ErrCurrencyMismatch.Error()}, ErrCurrencyMismatch
	}
	if acct.Balance.LessThan(args.Amount) {
		return payment.Record{}, Outcome{Result: Rejected, Reason: ErrInsufficientFunds.Error()}, ErrInsufficientFunds
	}

	rec := &payment.Record{
		ID:          uuid.NewString(),
		Provider:    args.Provider,
		ExternalRef: args.ExternalRef,
		Direction:   payment.Outbound,
		Amount:      args.Amount,
		Currency:    args.Currency,
		Status:      payment.StatusLocked,
		AccountID:   args.AccountID,
		Destination: args.Destination,
		CreatedAt:   time.Now().UTC(),
		UpdatedAt:   time.Now().UTC(),
	}
	s.payments[refKey(args.Provider, args.ExternalRef)] = rec
	s.byID[rec.ID] = rec

	acct.Balance = acct.Balance.Sub(args.Amount)
	acct.Locked = acct.Locked.Add(args.Amount)
	s.append(args.AccountID, args.Amount.Neg(), args.Currency, KindLock, args.ExternalRef)

	out := Outcome{Result: Applied, PaymentID: rec.ID}
	s.idem[key] = out
	return *rec, out, nil
}

func (s *inMemoryStore) MarkSubmitted(_ context.Context, paymentID, receiptRef string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.byID[paymentID]
	if !ok {
		return ErrPaymentNotFound
	}
	if rec.Status == payment.StatusSubmitted {
		return nil
	}
	if !payment.CanTransition(rec.Status, payment.StatusSubmitted) {
		return fmt.Errorf("payment %s is %s and cannot be submitted", paymentID, rec.Status)
	}
	rec.Status = payment.StatusSubmitted
	rec.RawStatus = receiptRef
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *inMemoryStore) CompleteWithdrawal(_ context.Context, provider, externalRef, rawStatus string) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := idemKey(provider, externalRef, KindWithdrawal)
	if prior, seen := s.idem[key]; seen {
		prior.Result = Duplicate
		return prior, nil
	}

	rec, found := s.payments[refKey(provider, externalRef)]
	if !found {
		return Outcome{Result: Rejected, Reason: ErrPaymentNotFound.Error()}, ErrPaymentNotFound
	}
	if payment.Terminal(rec.Status, rec.Direction) {
		return Outcome{Result: Duplicate, PaymentID: rec.ID, Reason: string(rec.Status)}, nil
	}
	if !payment.CanTransition(rec.Status, payment.StatusCompleted) {
		return Outcome{Result: Rejected, PaymentID: rec.ID, Reason: string(rec.Status)}, nil
	}

	acct := s.accounts[rec.AccountID]
	acct.Locked = acct.Locked.Sub(rec.Amount)
	s.append(rec.AccountID, decimal.Zero, rec.Currency, KindWithdrawal, externalRef)

	rec.Status = payment.StatusCompleted
	rec.RawStatus = rawStatus
	rec.UpdatedAt = time.Now().UTC()

	out := Outcome{Result: Applied, PaymentID: rec.ID}
	s.idem[key] = out
	return out, nil
}

func (s *inMemoryStore) RefundWithdrawal(_ context.Context, provider, externalRef, reason string, review bool) (Outcome, error) {
	return s.release(provider, externalRef, reason, review, KindRefund, payment.StatusRefunded)
}

func (s *inMemoryStore) CancelWithdrawal(_ context.Context, provider, externalRef string) (Outcome, error) {
	return s.release(provider, externalRef, "cancelled by owner", false, KindUnlock, payment.StatusCancelled)
}

func (s *inMemoryStore) release(provider, externalRef, reason string, review bool, kind EntryKind, target payment.Status) (Outcome, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := idemKey(provider, externalRef, kind)
	if prior, seen := s.idem[key]; seen {
		prior.Result = Duplicate
		return prior, nil
	}

	rec, found := s.payments[refKey(provider, externalRef)]
	if !found {
		return Outcome{Result: Rejected, Reason: ErrPaymentNotFound.Error()}, ErrPaymentNotFound
	}
	if payment.Terminal(rec.Status, rec.Direction) {
		return Outcome{Result: Duplicate, PaymentID: rec.ID, Reason: string(rec.Status)}, nil
	}

	from := rec.Status
	if target == payment.StatusRefunded && from != payment.StatusFailed {
		if !payment.CanTransition(from, payment.StatusFailed) {
			return Outcome{Result: Rejected, PaymentID: rec.ID, Reason: string(from)}, nil
		}
		from = payment.StatusFailed
	}
	if !payment.CanTransition(from, target) {
		return Outcome{Result: Rejected, PaymentID: rec.ID, Reason: string(rec.Status)}, nil
	}

	acct := s.accounts[rec.AccountID]
	acct.Balance = acct.Balance.Add(rec.Amount)
	acct.Locked = acct.Locked.Sub(rec.Amount)
	s.append(rec.AccountID, rec.Amount, rec.Currency, kind, externalRef)

	rec.Status = target
	rec.RawStatus = reason
	rec.RequiresReview = review
	rec.UpdatedAt = time.Now().UTC()

	out := Outcome{Result: Applied, PaymentID: rec.ID}
	s.idem[key] = out
	return out, nil
}

func (s *inMemoryStore) PaymentByRef(_ context.Context, provider, externalRef string) (payment.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.payments[refKey(provider, externalRef)]
	if !ok {
		return payment.Record{}, ErrPaymentNotFound
	}
	return *rec, nil
}

func (s *inMemoryStore) PaymentByID(_ context.Context, id string) (payment.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byID[id]
	if !ok {
		return payment.Record{}, ErrPaymentNotFound
	}
	return *rec, nil
}

func (s *inMemoryStore) PaymentsRequiringReview(_ context.Context) ([]payment.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []payment.Record
	for _, rec := range s.payments {
		if rec.RequiresReview {
			records = append(records, *rec)
		}
	}
	sortByUpdated(records)
	return records, nil
}

func (s *inMemoryStore) StalePayments(_ context.Context, cutoff time.Time) ([]payment.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var records []payment.Record
	for _, rec := range s.payments {
		if !payment.Terminal(rec.Status, rec.Direction) && rec.UpdatedAt.Before(cutoff) {
			records = append(records, *rec)
		}
	}
	sortByUpdated(records)
	return records, nil
}

func (s *inMemoryStore) AuditAccounts(_ context.Context) ([]AccountAudit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var audits []AccountAudit
	for _, acct := range s.accounts {
		sum := decimal.Zero
		for _, e := range s.entries[acct.ID] {
			sum = sum.Add(e.Delta)
		}
		audits = append(audits, AccountAudit{Account: *acct, JournalSum: sum})
	}
	sort.Slice(audits, func(i, j int) bool { return audits[i].Account.CreatedAt.Before(audits[j].Account.CreatedAt) })
	return audits, nil
}

func (s *inMemoryStore) UpsertRetryTask(_ context.Context, task RetryTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks[task.ID] = task
	return nil
}

func (s *inMemoryStore) DueRetryTasks(_ context.Context, now time.Time, limit int) ([]RetryTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var due []RetryTask
	for _, t := range s.tasks {
		if !t.NextAttemptAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].NextAttemptAt.Before(due[j].NextAttemptAt) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (s *inMemoryStore) DeleteRetryTask(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tasks, id)
	return nil
}

func (s *inMemoryStore) append(accountID string, delta decimal.Decimal, currency string, kind EntryKind, externalRef string) {
	s.entries[accountID] = append(s.entries[accountID], JournalEntry{
		ID:          uuid.NewString(),
		AccountID:   accountID,
		Delta:       delta,
		Currency:    currency,
		Kind:        kind,
		ExternalRef: externalRef,
		CreatedAt:   time.Now().UTC(),
	})
}

func sortByUpdated(records []payment.Record) {
	sort.Slice(records, func(i, j int) bool { return records[i].UpdatedAt.Before(records[j].UpdatedAt) })
}
