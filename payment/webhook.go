package payment

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// EventChargeCompleted is the only gateway event that can trigger fulfillment.
const EventChargeCompleted = "charge.completed"

// SignatureHeader carries the shared secret configured on the gateway dashboard.
const SignatureHeader = "verif-hash"

var (
	ErrMalformedWebhook = errors.New("payment: malformed webhook")
	ErrInvalidSignature = errors.New("payment: invalid webhook signature")
)

// VerifySignature compares the delivered hash with the configured secret in
// constant time. An empty secret never matches.
func VerifySignature(delivered, secret string) bool {
	if secret == "" || delivered == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(delivered), []byte(secret)) == 1
}

// Authenticate is VerifySignature as an error for handlers.
func Authenticate(delivered, secret string) error {
	if !VerifySignature(delivered, secret) {
		return ErrInvalidSignature
	}
	return nil
}

// WebhookEvent is the part of a gateway delivery the workflow needs.
type WebhookEvent struct {
	ID          string
	Event       string
	Reference   string
	Status      string
	Amount      decimal.Decimal
	Currency    string
	PhoneNumber string
	PlanID      string
	Ported      bool
}

// Actionable reports whether the event announces a successful charge.
func (e WebhookEvent) Actionable() bool {
	return e.Event == EventChargeCompleted && strings.EqualFold(e.Status, StatusSuccessful) && e.Reference != ""
}

type webhookMeta struct {
	PlanID     looseString `json:"plan_id"`
	ConsumerID looseString `json:"consumer_id"`
	Phone      looseString `json:"phone_number"`
	Ported     looseBool   `json:"ported"`
}

type webhookBody struct {
	Event string `json:"event"`
	Data  struct {
		ID       looseString     `json:"id"`
		TxRef    string          `json:"tx_ref"`
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
		Status   string          `json:"status"`
		Meta     *webhookMeta    `json:"meta"`
		Customer struct {
			Phone looseString `json:"phone_number"`
		} `json:"customer"`
	} `json:"data"`
	Meta     *webhookMeta `json:"meta"`
	MetaData *webhookMeta `json:"meta_data"`
}

// ParseWebhook decodes a delivery. Order facts are read from whichever meta block the
// gateway populated; the customer phone is only a fallback for the beneficiary.
func ParseWebhook(body []byte) (WebhookEvent, error) {
	var b webhookBody
	if err := json.Unmarshal(body, &b); err != nil {
		return WebhookEvent{}, fmt.Errorf("%w: %v", ErrMalformedWebhook, err)
	}
	if b.Event == "" {
		return WebhookEvent{}, fmt.Errorf("%w: missing event", ErrMalformedWebhook)
	}

	ev := WebhookEvent{
		Event:     b.Event,
		Reference: strings.TrimSpace(b.Data.TxRef),
		Status:    strings.ToLower(b.Data.Status),
		Amount:    b.Data.Amount,
		Currency:  b.Data.Currency,
	}

	for _, m := range []*webhookMeta{b.MetaData, b.Meta, b.Data.Meta} {
		if m == nil {
			continue
		}
		if ev.PlanID == "" {
			ev.PlanID = string(m.PlanID)
		}
		if ev.PhoneNumber == "" {
			ev.PhoneNumber = string(m.ConsumerID)
		}
		if ev.PhoneNumber == "" {
			ev.PhoneNumber = string(m.Phone)
		}
		ev.Ported = ev.Ported || bool(m.Ported)
	}
	if ev.PhoneNumber == "" {
		ev.PhoneNumber = string(b.Data.Customer.Phone)
	}

	if id := string(b.Data.ID); id != "" {
		ev.ID = b.Event + ":" + id
	} else {
		ev.ID = uuid.NewSHA1(uuid.NameSpaceOID, body).String()
	}
	return ev, nil
}

// looseString accepts JSON strings and numbers.
type looseString string

func (s *looseString) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		return nil
	}
	var str string
	if err := json.Unmarshal(data, &str); err == nil {
		*s = looseString(strings.TrimSpace(str))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*s = looseString(n.String())
	return nil
}

// looseBool accepts true/false, "true"/"false", "1"/"0" and numbers.
type looseBool bool

func (b *looseBool) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch t := v.(type) {
	case bool:
		*b = looseBool(t)
	case float64:
		*b = t != 0
	case string:
		parsed, err := strconv.ParseBool(strings.TrimSpace(t))
		*b = looseBool(err == nil && parsed)
	default:
		*b = false
	}
	return nil
}
