package provider

import (
	"context"
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/shopspring/decimal"

	"github.com/lumapay/lumapay/internal/payment"
)

// CryptoGate connects to the crypto settlement gateway. Webhooks are
// authenticated with an HMAC-SHA512 over the raw body, hex encoded.
type CryptoGate struct {
	secret  []byte
	apiKey  string
	baseURL string
	client  *http.Client
}

// NewCryptoGate builds the crypto gateway strategy.
func NewCryptoGate(secret, apiKey, baseURL string) *CryptoGate {
	return &CryptoGate{
		secret:  []byte(secret),
		apiKey:  apiKey,
		baseURL: baseURL,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

// ID returns the provider identifier.
func (g *CryptoGate) ID() string { return "cryptogate" }

// VerifySignature checks the HMAC-SHA512 of the raw body in constant time.
func (g *CryptoGate) VerifySignature(payload []byte, signature string) bool {
	if len(g.secret) == 0 || signature == "" {
		return false
	}
	provided, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	mac := hmac.New(sha512.New, g.secret)
	mac.Write(payload)
	return hmac.Equal(provided, mac.Sum(nil))
}

type cryptoGateEvent struct {
	PaymentID     string          `json:"payment_id"`
	PaymentStatus string          `json:"payment_status"`
	PriceAmount   decimal.Decimal `json:"price_amount"`
	PriceCurrency string          `json:"price_currency"`
	OrderID       string          `json:"order_id"`
}

// ParseNotification maps a gateway event onto the neutral notification.
func (g *CryptoGate) ParseNotification(payload []byte) (Notification, error) {
	var evt cryptoGateEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		return Notification{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if evt.PaymentID == "" || evt.PaymentStatus == "" {
		return Notification{}, fmt.Errorf("%w: missing payment_id or payment_status", ErrMalformedPayload)
	}
	status, ok := cryptoGateStatuses[evt.PaymentStatus]
	if !ok {
		return Notification{}, fmt.Errorf("%w: unrecognized status %q", ErrMalformedPayload, evt.PaymentStatus)
	}
	return Notification{
		ExternalRef: evt.PaymentID,
		Status:      status,
		RawStatus:   evt.PaymentStatus,
		Amount:      evt.PriceAmount,
		Currency:    evt.PriceCurrency,
		AccountKey:  evt.OrderID,
	}, nil
}

var cryptoGateStatuses = map[string]payment.Status{
	"waiting":        payment.StatusPending,
	"confirming":     payment.StatusConfirming,
	"finished":       payment.StatusFinished,
	"partially_paid": payment.StatusPartiallyPaid,
	"failed":         payment.StatusFailed,
	"expired":        payment.StatusExpired,
}

type cryptoGatePayoutRequest struct {
	WithdrawalID string `json:"withdrawal_id"`
	Address      string `json:"address"`
	Amount       string `json:"amount"`
	Currency     string `json:"currency"`
}

type cryptoGatePayoutResponse struct {
	BatchID string `json:"batch_withdrawal_id"`
	Status  string `json:"status"`
}

// SubmitWithdrawal asks the gateway to pay out to a crypto address.
func (g *CryptoGate) SubmitWithdrawal(ctx context.Context, order Order) (Receipt, error) {
	req := cryptoGatePayoutRequest{
		WithdrawalID: order.Reference,
		Address:      order.Destination,
		Amount:       order.Amount.String(),
		Currency:     order.Currency,
	}
	var resp cryptoGatePayoutResponse
	if err := callJSON(ctx, g.client, http.MethodPost, g.baseURL+"/v1/payouts", g.headers(), req, &resp); err != nil {
		return Receipt{}, err
	}
	return Receipt{ProviderRef: resp.BatchID, Status: resp.Status}, nil
}

// FetchStatus polls the gateway for the current payment state.
func (g *CryptoGate) FetchStatus(ctx context.Context, externalRef string) (Notification, error) {
	var evt cryptoGateEvent
	if err := callJSON(ctx, g.client, http.MethodGet, g.baseURL+"/v1/payments/"+externalRef, g.headers(), nil, &evt); err != nil {
		return Notification{}, err
	}
	raw, err := json.Marshal(evt)
	if err != nil {
		return Notification{}, err
	}
	return g.ParseNotification(raw)
}

func (g *CryptoGate) headers() map[string]string {
	return map[string]string{"x-api-key": g.apiKey}
}
