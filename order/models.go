package order

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order row.
type Status string

const (
	StatusPending            Status = "pending"
	StatusProcessingDelivery Status = "processing_delivery"
	StatusSuccess            Status = "success"
	StatusFailed             Status = "failed"
	StatusFailedVerification Status = "failed_verif"
	StatusFailedAmount       Status = "failed_amount"
	StatusFailedPlan         Status = "failed_plan"
)

// IsFinal reports whether no further transition is permitted.
func (s Status) IsFinal() bool {
	return s == StatusSuccess
}

// IsRejection reports whether the status is one of the pre-claim rejection sub-states.
func (s Status) IsRejection() bool {
	switch s {
	case StatusFailedVerification, StatusFailedAmount, StatusFailedPlan:
		return true
	default:
		return false
	}
}

// Claimable reports whether a workflow execution may take the fulfillment claim.
func (s Status) Claimable() bool {
	return s != StatusSuccess && s != StatusProcessingDelivery
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusProcessingDelivery, StatusSuccess, StatusFailed,
		StatusFailedVerification, StatusFailedAmount, StatusFailedPlan:
		return true
	default:
		return false
	}
}

// Order mirrors the orders table. Reference and the beneficiary facts are written
// once by the checkout flow (or the first webhook sighting) and never rewritten.
type Order struct {
	Reference        string
	PhoneNumber      string
	Network          string
	PlanID           string
	Ported           bool
	Status           Status
	Amount           decimal.NullDecimal
	Currency         *string
	ProviderResponse []byte
	FailureReason    *string
	Attempts         int
	ClaimedAt        *time.Time
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// PendingParams carries the facts known when a reference is first seen.
type PendingParams struct {
	Reference   string
	PhoneNumber string
	Network     string
	PlanID      string
	Ported      bool
}

// DetailsParams holds auxiliary facts learned during reconciliation. Nil fields are
// left untouched.
type DetailsParams struct {
	Reference string
	Network   *string
	Amount    *decimal.Decimal
	Currency  *string
}

// SettleParams records the outcome of a provisioning attempt.
type SettleParams struct {
	Reference        string
	Status           Status
	ProviderResponse []byte
	FailureReason    *string
}

// WebhookDelivery is one authenticated gateway delivery kept for audit.
type WebhookDelivery struct {
	EventID   string
	Reference string
	EventType string
	Payload   []byte
}

const (
	// OutboxTopicOrderSettled is enqueued whenever a claim is settled.
	OutboxTopicOrderSettled = "order.settled"

	// DefaultTrackLimit matches the public tracking page, which shows the last three orders.
	DefaultTrackLimit = 3
)
