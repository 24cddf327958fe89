package reconcile

import "saukidata/order"

// Source names the entry point that asked for reconciliation.
type Source string

const (
	SourcePoll     Source = "poll"
	SourceWebhook  Source = "webhook"
	SourceOperator Source = "operator"
)

// Outcome classifies how a reconciliation ended.
type Outcome string

const (
	OutcomeInvalid              Outcome = "invalid"
	OutcomeIgnored              Outcome = "ignored"
	OutcomeAlreadyDelivered     Outcome = "already_delivered"
	OutcomeProcessing           Outcome = "processing"
	OutcomeRejectedPlan         Outcome = "rejected_plan"
	OutcomeRejectedVerification Outcome = "rejected_verification"
	OutcomeRejectedAmount       Outcome = "rejected_amount"
	OutcomeDelivered            Outcome = "delivered"
	OutcomeProvisioningFailed   Outcome = "provisioning_failed"
	// OutcomeUnsettled means provisioning ran but the verdict could not be written.
	// The order stays claimed until an operator reconciles it.
	OutcomeUnsettled Outcome = "unsettled"
)

// Request is the same for every entry point. Beneficiary facts are optional when the
// order already exists.
type Request struct {
	Reference   string
	PhoneNumber string
	PlanID      string
	Ported      bool
	Source      Source
}

// Result is safe to return to callers; it never carries the provider payload.
type Result struct {
	Outcome   Outcome      `json:"outcome"`
	Accepted  bool         `json:"accepted"`
	Message   string       `json:"message"`
	Status    order.Status `json:"status,omitempty"`
	Reference string       `json:"reference,omitempty"`
}

func resultFor(outcome Outcome, ref string, status order.Status) Result {
	r := Result{Outcome: outcome, Reference: ref, Status: status}
	switch outcome {
	case OutcomeInvalid:
		r.Message = "reference, phone number and plan are required"
	case OutcomeIgnored:
		r.Accepted = true
		r.Message = "event ignored"
	case OutcomeAlreadyDelivered:
		r.Accepted = true
		r.Message = "data already delivered"
	case OutcomeProcessing, OutcomeUnsettled:
		r.Accepted = true
		r.Message = "payment received, delivery in progress"
	case OutcomeRejectedPlan:
		r.Message = "unknown data plan"
	case OutcomeRejectedVerification:
		r.Message = "payment could not be verified"
	case OutcomeRejectedAmount:
		r.Message = "amount paid is less than the plan price"
	case OutcomeDelivered:
		r.Accepted = true
		r.Message = "data delivered successfully"
	case OutcomeProvisioningFailed:
		r.Message = "delivery failed, please retry"
	}
	return r
}

// outcomeForStatus maps a stored status to the outcome a caller should see when
// another execution already moved the order.
func outcomeForStatus(s order.Status) Outcome {
	switch s {
	case order.StatusSuccess:
		return OutcomeAlreadyDelivered
	case order.StatusProcessingDelivery:
		return OutcomeProcessing
	case order.StatusFailedPlan:
		return OutcomeRejectedPlan
	case order.StatusFailedVerification:
		return OutcomeRejectedVerification
	case order.StatusFailedAmount:
		return OutcomeRejectedAmount
	case order.StatusFailed:
		return OutcomeProvisioningFailed
	default:
		return OutcomeProcessing
	}
}
