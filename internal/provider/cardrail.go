package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumapay/lumapay/internal/payment"
)

const cardRailSigPrefix = "sha256="

// CardRail connects to the card-issuing platform. Webhooks carry a
// "sha256="-prefixed hex HMAC-SHA256 over the raw body.
type CardRail struct {
	secret  []byte
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewCardRail builds the card platform strategy.
func NewCardRail(secret, apiKey, baseURL string) *CardRail {
	return &CardRail{
		secret:  []byte(secret),
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// ID returns the provider identifier.
func (r *CardRail) ID() string { return "cardrail" }

// VerifySignature checks the prefixed raw-body HMAC in constant time.
func (r *CardRail) VerifySignature(payload []byte, signature string) bool {
	if len(r.secret) == 0 || !strings.HasPrefix(signature, cardRailSigPrefix) {
		return false
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(signature, cardRailSigPrefix))
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, r.secret)
	mac.Write(payload)
	return hmac.Equal(provided, mac.Sum(nil))
}

type cardRailEvent struct {
	TransactionID string          `json:"transaction_id"`
	EventType     string          `json:"event_type"`
	Amount        decimal.Decimal `json:"amount"`
	Currency      string          `json:"currency"`
	CardholderRef string          `json:"cardholder_ref"`
}

var cardRailEvents = map[string]payment.Status{
	"authorization.created": payment.StatusConfirming,
	"transaction.settled":   payment.StatusFinished,
	"transaction.declined":  payment.StatusFailed,
	"transaction.expired":   payment.StatusExpired,
}

// ParseNotification maps a card platform event onto the neutral notification.
func (r *CardRail) ParseNotification(payload []byte) (Notification, error) {
	var evt cardRailEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if evt.TransactionID == "" || evt.EventType == "" {
		return Notification{}, fmt.Errorf("%w: missing transaction_id or event_type", ErrMalformedPayload)
	}
	status, ok := cardRailEvents[evt.EventType]
	if !ok {
		return Notification{}, fmt.Errorf("%w: unrecognized event %q", ErrMalformedPayload, evt.EventType)
	}
	return Notification{
		ExternalRef: evt.TransactionID,
		Status:      status,
		RawStatus:   evt.EventType,
		Amount:      evt.Amount,
		Currency:    evt.Currency,
		AccountKey:  evt.CardholderRef,
	}, nil
}

type cardRailPayoutRequest struct {
	IdempotencyKey string `json:"idempotency_key"`
	CardToken      string `json:"card_token"`
	Amount         string `json:"amount"`
	Currency       string `json:"currency"`
}

type cardRailPayoutResponse struct {
	PayoutID string `json:"payout_id"`
	State    string `json:"state"`
}

// SubmitWithdrawal pushes funds to a card.
func (r *CardRail) SubmitWithdrawal(ctx context.Context, order Order) (Receipt, error) {
	req := cardRailPayoutRequest{
		IdempotencyKey: order.Reference,
		CardToken:      order.Destination,
		Amount:         order.Amount.String(),
		Currency:       order.Currency,
	}
	var resp cardRailPayoutResponse
	if err := callJSON(ctx, r.client, http.MethodPost, r.baseURL+"/v2/payouts", r.headers(), req, &resp); err != nil {
		return Receipt{}, err
	}
	return Receipt{ProviderRef: resp.PayoutID, Status: resp.State}, nil
}

// FetchStatus polls the platform for a transaction.
func (r *CardRail) FetchStatus(ctx context.Context, externalRef string) (Notification, error) {
	var evt cardRailEvent
	if err := callJSON(ctx, r.client, http.MethodGet, r.baseURL+"/v2/transactions/"+externalRef, r.headers(), nil, &evt); err != nil {
		return Notification{}, err
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return Notification{}, err
	}
	return r.ParseNotification(raw)
}

func (r *CardRail) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + r.apiKey}
}
