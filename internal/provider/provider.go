package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/lumapay/lumapay/internal/payment"
)

var (
	// ErrUnknown indicates no strategy is registered for the provider id.
	ErrUnknown = errors.New("unknown provider")

	// ErrMalformedPayload indicates a notification body that cannot be
	// decoded. It can never be classified, so callers reject it outright.
	ErrMalformedPayload = errors.New("malformed payload")
)

// Notification is the provider-neutral view of an inbound webhook: just the
// idempotency key, the mapped status, the amount and the account-resolving
// key. Wire-level shapes beyond these fields stay inside each strategy.
type Notification struct {
	ExternalRef string
	Status      payment.Status
	RawStatus   string
	Amount      decimal.Decimal
	Currency    string
	AccountKey  string
}

// Order carries everything a provider needs to pay out a withdrawal.
type Order struct {
	Reference   string
	Destination string
	Amount      decimal.Decimal
	Currency    string
}

// Receipt acknowledges an accepted withdrawal submission.
type Receipt struct {
	ProviderRef string
	Status      string
}

// Provider is the per-gateway strategy: signature authentication,
// notification parsing and the outbound calls. Implementations are
// stateless beyond their configuration; VerifySignature returns false on
// malformed input and never panics.
type Provider interface {
	ID() string
	VerifySignature(payload []byte, signature string) bool
	ParseNotification(payload []byte) (Notification, error)
	SubmitWithdrawal(ctx context.Context, order Order) (Receipt, error)
	FetchStatus(ctx context.Context, externalRef string) (Notification, error)
}

// Registry resolves provider ids to their strategies.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given strategies.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.ID()] = p
	}
	return r
}

// Get resolves a provider id.
func (r *Registry) Get(id string) (Provider, error) {
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknown, id)
	}
	return p, nil
}

// IDs lists the registered provider ids.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	return ids
}
