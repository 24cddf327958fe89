package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/shopspring/decimal"

	"saukidata/httpclient"
	"saukidata/metrics"
)

var (
	// ErrVerifierUnavailable wraps transport failures and unexpected gateway responses.
	ErrVerifierUnavailable = errors.New("payment: verifier unavailable")
	ErrMissingReference    = errors.New("payment: reference required")
)

// StatusSuccessful is the gateway's status for a settled charge.
const StatusSuccessful = "successful"

// StatusNotFound is reported when the gateway has no transaction for the reference.
const StatusNotFound = "not_found"

// StatusUnconfirmed marks a charge the gateway reported without confirming the
// lookup itself (envelope status other than "success").
const StatusUnconfirmed = "unconfirmed"

// Verification is the gateway's view of a charge.
type Verification struct {
	Status        string
	Amount        decimal.Decimal
	Currency      string
	TransactionID string
}

// Successful reports whether the charge settled.
func (v Verification) Successful() bool {
	return strings.EqualFold(v.Status, StatusSuccessful)
}

// Verifier is the read-only payment status query. Safe to call repeatedly.
type Verifier interface {
	Verify(ctx context.Context, reference string) (Verification, error)
}

// FlutterwaveClient verifies charges by transaction reference.
type FlutterwaveClient struct {
	http      *httpclient.Client
	baseURL   string
	secretKey string
}

func NewFlutterwaveClient(hc *httpclient.Client, baseURL, secretKey string) *FlutterwaveClient {
	return &FlutterwaveClient{
		http:      hc,
		baseURL:   strings.TrimRight(baseURL, "/"),
		secretKey: secretKey,
	}
}

type verifyEnvelope struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	Data    *struct {
		ID       looseString     `json:"id"`
		TxRef    string          `json:"tx_ref"`
		Amount   decimal.Decimal `json:"amount"`
		Currency string          `json:"currency"`
		Status   string          `json:"status"`
	} `json:"data"`
}

func (c *FlutterwaveClient) Verify(ctx context.Context, reference string) (Verification, error) {
	if reference == "" {
		return Verification{}, ErrMissingReference
	}

	endpoint := c.baseURL + "/transactions/verify_by_reference?tx_ref=" + url.QueryEscape(reference)
	header := http.Header{}
	header.Set("Authorization", "Bearer "+c.secretKey)

	resp, err := c.http.Do(ctx, http.MethodGet, endpoint, header, nil)
	if err != nil {
		metrics.VerifierRequests.WithLabelValues("error").Inc()
		return Verification{}, fmt.Errorf("%w: %v", ErrVerifierUnavailable, err)
	}

	var env verifyEnvelope
	decodeErr := json.Unmarshal(resp.Body, &env)

	switch {
	case resp.StatusCode == http.StatusNotFound,
		resp.StatusCode == http.StatusBadRequest && decodeErr == nil && env.Data == nil:
		metrics.VerifierRequests.WithLabelValues(StatusNotFound).Inc()
		return Verification{Status: StatusNotFound}, nil
	case !resp.OK():
		metrics.VerifierRequests.WithLabelValues("error").Inc()
		return Verification{}, fmt.Errorf("%w: gateway returned %d", ErrVerifierUnavailable, resp.StatusCode)
	case decodeErr != nil:
		metrics.VerifierRequests.WithLabelValues("error").Inc()
		return Verification{}, fmt.Errorf("%w: decode: %v", ErrVerifierUnavailable, decodeErr)
	case env.Data == nil:
		metrics.VerifierRequests.WithLabelValues(StatusNotFound).Inc()
		return Verification{Status: StatusNotFound}, nil
	}

	if env.Data.TxRef != "" && env.Data.TxRef != reference {
		metrics.VerifierRequests.WithLabelValues("mismatch").Inc()
		return Verification{}, fmt.Errorf("%w: gateway answered for %q", ErrVerifierUnavailable, env.Data.TxRef)
	}

	if !strings.EqualFold(strings.TrimSpace(env.Status), "success") {
		metrics.VerifierRequests.WithLabelValues(StatusUnconfirmed).Inc()
		return Verification{Status: StatusUnconfirmed}, nil
	}

	v := Verification{
		Status:        strings.ToLower(env.Data.Status),
		Amount:        env.Data.Amount,
		Currency:      env.Data.Currency,
		TransactionID: string(env.Data.ID),
	}
	metrics.VerifierRequests.WithLabelValues(v.Status).Inc()
	return v, nil
}
