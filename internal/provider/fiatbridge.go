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

// FiatBridge connects to the fiat-to-crypto bridge. Webhooks are signed with
// an HMAC-SHA256 over a canonicalized pipe-joined field string rather than
// the raw body, so the verifier parses before it authenticates.
type FiatBridge struct {
	secret  []byte
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewFiatBridge builds the fiat bridge strategy.
func NewFiatBridge(secret, apiKey, baseURL string) *FiatBridge {
	return &FiatBridge{
		secret:  []byte(secret),
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// ID returns the provider identifier.
func (b *FiatBridge) ID() string { return "fiatbridge" }

type fiatBridgeEvent struct {
	OrderID    string          `json:"order_id"`
	State      string          `json:"state"`
	Amount     decimal.Decimal `json:"amount"`
	Currency   string          `json:"currency"`
	CustomerID string          `json:"customer_id"`
}

// canonical builds the signed field string the bridge documents:
// order_id|state|amount|currency|customer_id.
func (e fiatBridgeEvent) canonical() string {
	return strings.Join([]string{e.OrderID, e.State, e.Amount.String(), e.Currency, e.CustomerID}, "|")
}

// VerifySignature recomputes the canonical-string HMAC in constant time.
// Malformed bodies verify as false, never as an error.
func (b *FiatBridge) VerifySignature(payload []byte, signature string) bool {
	if len(b.secret) == 0 || signature == "" {
		return false
	}
	var evt fiatBridgeEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, b.secret)
	mac.Write([]byte(evt.canonical()))
	return hmac.Equal(provided, mac.Sum(nil))
}

var fiatBridgeStates = map[string]payment.Status{
	"created":    payment.StatusPending,
	"processing": payment.StatusConfirming,
	"paid":       payment.StatusFinished,
	"underpaid":  payment.StatusPartiallyPaid,
	"failed":     payment.StatusFailed,
	"expired":    payment.StatusExpired,
}

// ParseNotification maps a bridge event onto the neutral notification.
func (b *FiatBridge) ParseNotification(payload []byte) (Notification, error) {
	var evt fiatBridgeEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if evt.OrderID == "" || evt.State == "" {
		return Notification{}, fmt.Errorf("%w: missing order_id or state", ErrMalformedPayload)
	}
	status, ok := fiatBridgeStates[evt.State]
	if !ok {
		return Notification{}, fmt.Errorf("%w: unrecognized state %q", ErrMalformedPayload, evt.State)
	}
	return Notification{
		ExternalRef: evt.OrderID,
		Status:      status,
		RawStatus:   evt.State,
		Amount:      evt.Amount,
		Currency:    evt.Currency,
		AccountKey:  evt.CustomerID,
	}, nil
}

type fiatBridgePayoutRequest struct {
	Reference string `json:"reference"`
	IBAN      string `json:"iban"`
	Amount    string `json:"amount"`
	Currency  string `json:"currency"`
}

type fiatBridgePayoutResponse struct {
	PayoutID string `json:"payout_id"`
	State    string `json:"state"`
}

// SubmitWithdrawal asks the bridge to wire funds out.
func (b *FiatBridge) SubmitWithdrawal(ctx context.Context, order Order) (Receipt, error) {
	req := fiatBridgePayoutRequest{
		Reference: order.Reference,
		IBAN:      order.Destination,
		Amount:    order.Amount.String(),
		Currency:  order.Currency,
	}
	var resp fiatBridgePayoutResponse
	if err := callJSON(ctx, b.client, http.MethodPost, b.baseURL+"/api/payouts", b.headers(), req, &resp); err != nil {
		return Receipt{}, err
	}
	return Receipt{ProviderRef: resp.PayoutID, Status: resp.State}, nil
}

// FetchStatus polls the bridge for the current order state.
func (b *FiatBridge) FetchStatus(ctx context.Context, externalRef string) (Notification, error) {
	var evt fiatBridgeEvent
	if err := callJSON(ctx, b.client, http.MethodGet, b.baseURL+"/api/orders/"+externalRef, b.headers(), nil, &evt); err != nil {
		return Notification{}, err
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return Notification{}, err
	}
	return b.ParseNotification(raw)
}

func (b *FiatBridge) headers() map[string]string {
	return map[string]string{"Authorization": "Bearer " + b.apiKey}
}
