package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/lumapay/lumapay/internal/payment"
)

// Stub simulates a provider for tests and dev mode. Webhooks use an
// HMAC-SHA256 over the raw body; outbound calls succeed unless failures
// have been scripted.
type Stub struct {
	id     string
	secret []byte

	mu         sync.Mutex
	submitErrs []error
	Submitted  []Order
	statuses   map[string]Notification
}

// NewStub builds a stub strategy under the given provider id.
func NewStub(id, secret string) *Stub {
	return &Stub{id: id, secret: []byte(secret), statuses: make(map[string]Notification)}
}

// ID returns the configured provider identifier.
func (s *Stub) ID() string { return s.id }

// Sign computes a valid signature for a payload; test helper.
func (s *Stub) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks the raw-body HMAC in constant time.
func (s *Stub) VerifySignature(payload []byte, signature string) bool {
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hmac.Equal(provided, mac.Sum(nil))
}

type stubEvent struct {
	Reference  string          `json:"reference"`
	Status     string          `json:"status"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	AccountKey string          `json:"account_key"`
}

// ParseNotification decodes the stub's plain event shape. The status field
// carries lifecycle statuses verbatim.
func (s *Stub) ParseNotification(payload []byte) (Notification, error) {
	var evt stubEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if evt.Reference == "" || evt.Status == "" {
		return Notification{}, fmt.Errorf("%w: missing reference or status", ErrMalformedPayload)
	}
	return Notification{
		ExternalRef: evt.Reference,
		Status:      payment.Status(evt.Status),
		RawStatus:   evt.Status,
		Amount:      evt.Amount,
		Currency:    evt.Currency,
		AccountKey:  evt.AccountKey,
	}, nil
}

// FailSubmissions scripts the next submissions to fail with the given errors.
func (s *Stub) FailSubmissions(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.submitErrs = append(s.submitErrs, errs...)
}

// SubmitWithdrawal records the order and returns a synthetic receipt, or the
// next scripted failure.
func (s *Stub) SubmitWithdrawal(_ context.Context, order Order) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.submitErrs) > 0 {
		err := s.submitErrs[0]
		s.submitErrs = s.submitErrs[1:]
		return Receipt{}, err
	}
	s.Submitted = append(s.Submitted, order)
	return Receipt{ProviderRef: uuid.NewString(), Status: "accepted"}, nil
}

// SetStatus scripts the response for a status poll; test helper.
func (s *Stub) SetStatus(externalRef string, n Notification) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.statuses[externalRef] = n
}

// FetchStatus returns the scripted status for the reference.
func (s *Stub) FetchStatus(_ context.Context, externalRef string) (Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.statuses[externalRef]
	if !ok {
		return Notification{}, fmt.Errorf("no status for %s", externalRef)
	}
	return n, nil
}
