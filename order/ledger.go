package order

import (
	"context"
	"encoding/json"
	"errors"
	"time"
)

var (
	// ErrNotFound is returned when no order exists for the reference.
	ErrNotFound = errors.New("order: not found")
	// ErrClaimLost signals that another execution holds the claim or the order is already delivered.
	ErrClaimLost = errors.New("order: claim lost")
	// ErrNotClaimed is returned by Settle when the row is no longer in processing_delivery.
	ErrNotClaimed = errors.New("order: not claimed")
	// ErrTransitionRefused is returned when a guarded update matched no row.
	ErrTransitionRefused = errors.New("order: transition refused")
	// ErrMissingReference guards every ledger entry point.
	ErrMissingReference = errors.New("order: reference required")
	// ErrInvalidStatus rejects statuses a method is not allowed to write.
	ErrInvalidStatus = errors.New("order: invalid status")
)

// Ledger is the durable record of orders keyed by payment reference. Every state
// change is a single guarded statement so the storage engine arbitrates races.
type Ledger interface {
	UpsertPending(ctx context.Context, params PendingParams) (Order, error)
	FindByReference(ctx context.Context, reference string) (Order, error)
	UpdateDetails(ctx context.Context, params DetailsParams) error
	Reject(ctx context.Context, reference string, status Status, reason string) (Order, error)
	// Claim moves the order into processing_delivery. Only the caller whose statement
	// performed the transition receives the row; everyone else gets ErrClaimLost.
	Claim(ctx context.Context, reference string) (Order, error)
	Settle(ctx context.Context, params SettleParams) (Order, error)
	ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]Order, error)
	Track(ctx context.Context, query string, limit int) ([]Order, error)
	RecordWebhookDelivery(ctx context.Context, delivery WebhookDelivery) (bool, error)
}

func validateSettle(params SettleParams) error {
	if params.Reference == "" {
		return ErrMissingReference
	}
	if params.Status != StatusSuccess && params.Status != StatusFailed {
		return ErrInvalidStatus
	}
	return nil
}

func validateReject(reference string, status Status) error {
	if reference == "" {
		return ErrMissingReference
	}
	if !status.IsRejection() {
		return ErrInvalidStatus
	}
	return nil
}

func normalizeLimit(limit, fallback, max int) int {
	if limit <= 0 {
		return fallback
	}
	if limit > max {
		return max
	}
	return limit
}

func settledPayload(o Order) ([]byte, error) {
	payload := map[string]any{
		"reference":    o.Reference,
		"status":       o.Status,
		"phone_number": o.PhoneNumber,
		"network":      o.Network,
		"plan_id":      o.PlanID,
		"attempts":     o.Attempts,
		"settled_at":   o.UpdatedAt.UTC(),
	}
	if o.Amount.Valid {
		payload["amount"] = o.Amount.Decimal.String()
	}
	return json.Marshal(payload)
}
