package order

import (
	"errors"
	"testing"
)

func TestStatusPredicates(t *testing.T) {
	cases := []struct {
		status    Status
		final     bool
		rejection bool
		claimable bool
	}{
		{StatusPending, false, false, true},
		{StatusProcessingDelivery, false, false, false},
		{StatusSuccess, true, false, false},
		{StatusFailed, false, false, true},
		{StatusFailedVerification, false, true, true},
		{StatusFailedAmount, false, true, true},
		{StatusFailedPlan, false, true, true},
	}
	for _, tc := range cases {
		if !tc.status.Valid() {
			t.Errorf("%s: expected valid", tc.status)
		}
		if got := tc.status.IsFinal(); got != tc.final {
			t.Errorf("%s: IsFinal=%v", tc.status, got)
		}
		if got := tc.status.IsRejection(); got != tc.rejection {
			t.Errorf("%s: IsRejection=%v", tc.status, got)
		}
		if got := tc.status.Claimable(); got != tc.claimable {
			t.Errorf("%s: Claimable=%v", tc.status, got)
		}
	}
	if Status("delivered").Valid() {
		t.Fatalf("unknown status reported valid")
	}
}

func TestValidateSettleAndReject(t *testing.T) {
	if err := validateSettle(SettleParams{Status: StatusSuccess}); !errors.Is(err, ErrMissingReference) {
		t.Fatalf("expected ErrMissingReference, got %v", err)
	}
	if err := validateSettle(SettleParams{Reference: "r", Status: StatusFailedAmount}); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("settle must only write success or failed, got %v", err)
	}
	if err := validateReject("r", StatusSuccess); !errors.Is(err, ErrInvalidStatus) {
		t.Fatalf("reject must not write success, got %v", err)
	}
	if err := validateReject("r", StatusFailedPlan); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
