package reconcile

import (
	"context"
	"fmt"

	"github.com/lumapay/lumapay/internal/ledger"
)

// Directory resolves the account key a provider was given at payment
// creation time (an order or user identifier) to an internal account id.
// The real resolver is owned by the onboarding subsystem; this is its
// interface boundary.
type Directory interface {
	Resolve(ctx context.Context, providerID, accountKey, currency string) (string, error)
}

// LedgerDirectory treats the account key as the owner id and provisions the
// (owner, currency) account on first need.
type LedgerDirectory struct {
	store ledger.Store
}

// NewLedgerDirectory builds the default store-backed directory.
func NewLedgerDirectory(store ledger.Store) *LedgerDirectory {
	return &LedgerDirectory{store: store}
}

// Resolve ensures the account exists and returns its id.
func (d *LedgerDirectory) Resolve(ctx context.Context, providerID, accountKey, currency string) (string, error) {
	if accountKey == "" {
		return "", fmt.Errorf("%w: empty account key from provider %s", ledger.ErrAccountNotFound, providerID)
	}
	acct, err := d.store.EnsureAccount(ctx, accountKey, currency)
	if err != nil {
		return "", err
	}
	return acct.ID, nil
}
