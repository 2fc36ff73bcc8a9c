package payment

import (
	"time"

	"github.com/shopspring/decimal"
)

// Direction distinguishes money entering an account from money leaving it.
type Direction string

const (
	// Inbound marks provider-settled deposits.
	Inbound Direction = "inbound"
	// Outbound marks user-requested withdrawals.
	Outbound Direction = "outbound"
)

// Status is the lifecycle position of a payment record.
type Status string

// Deposit lifecycle.
const (
	StatusPending       Status = "pending"
	StatusConfirming    Status = "confirming"
	StatusFinished      Status = "finished"
	StatusPartiallyPaid Status = "partially_paid"
	StatusFailed        Status = "failed"
	StatusExpired       Status = "expired"
)

// Withdrawal lifecycle.
const (
	StatusRequested Status = "requested"
	StatusLocked    Status = "locked"
	StatusSubmitted Status = "submitted"
	StatusCompleted Status = "completed"
	StatusRefunded  Status = "refunded"
	StatusCancelled Status = "cancelled"
	StatusRejected  Status = "rejected"
)

// Record tracks a single external payment or withdrawal attempt.
// (Provider, ExternalRef) is globally unique.
type Record struct {
	ID             string
	Provider       string
	ExternalRef    string
	Direction      Direction
	Amount         decimal.Decimal
	Currency       string
	Status         Status
	RawStatus      string
	AccountID      string
	Destination    string
	RequiresReview bool
	CreatedAt      time.Time
	UpdatedAt      time.Time
}
