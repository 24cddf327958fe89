package provisioning

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"saukidata/httpclient"
	"saukidata/metrics"
)

var ErrUnknownNetwork = errors.New("provisioning: unknown network")

// DefaultNetworkCodes maps network names to the provider's numeric codes.
var DefaultNetworkCodes = map[string]int{"mtn": 1, "glo": 2}

// SubmitRequest asks the provider to deliver one bundle.
type SubmitRequest struct {
	Network     string
	PhoneNumber string
	PlanCode    string
	Ported      bool
}

// SubmitResult carries the provider's verbatim response. OK is the interpreted
// delivery verdict combined with a 2xx status.
type SubmitResult struct {
	OK         bool
	StatusCode int
	Raw        []byte
}

// Provisioner performs a single, non-idempotent delivery call.
type Provisioner interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
}

// AmigoClient submits data purchases to the Amigo API.
type AmigoClient struct {
	http     *httpclient.Client
	baseURL  string
	apiKey   string
	networks map[string]int
}

func NewAmigoClient(hc *httpclient.Client, baseURL, apiKey string, networks map[string]int) *AmigoClient {
	codes := make(map[string]int, len(DefaultNetworkCodes)+len(networks))
	for k, v := range DefaultNetworkCodes {
		codes[k] = v
	}
	for k, v := range networks {
		codes[strings.ToLower(k)] = v
	}
	return &AmigoClient{
		http:     hc,
		baseURL:  strings.TrimRight(baseURL, "/"),
		apiKey:   apiKey,
		networks: codes,
	}
}

type amigoPayload struct {
	Network      int    `json:"network"`
	MobileNumber string `json:"mobile_number"`
	Plan         any    `json:"plan"`
	Ported       bool   `json:"Ported_number"`
}

func (c *AmigoClient) Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error) {
	code, ok := c.networks[strings.ToLower(strings.TrimSpace(req.Network))]
	if !ok {
		return SubmitResult{}, fmt.Errorf("%w: %q", ErrUnknownNetwork, req.Network)
	}

	payload := amigoPayload{
		Network:      code,
		MobileNumber: req.PhoneNumber,
		Plan:         planValue(req.PlanCode),
		Ported:       req.Ported,
	}

	header := http.Header{}
	header.Set("X-API-Key", c.apiKey)
	header.Set("Authorization", "Token "+c.apiKey)

	start := time.Now()
	resp, err := c.http.Do(ctx, http.MethodPost, c.baseURL+"/data/", header, payload)
	if err != nil {
		metrics.ProvisioningDuration.WithLabelValues("error").Observe(time.Since(start).Seconds())
		return SubmitResult{}, fmt.Errorf("provisioning: submit: %w", err)
	}

	res := SubmitResult{
		OK:         resp.OK() && InterpretResult(resp.Body),
		StatusCode: resp.StatusCode,
		Raw:        resp.Body,
	}
	label := "failed"
	if res.OK {
		label = "delivered"
	}
	metrics.ProvisioningDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
	return res, nil
}

// planValue sends numeric plan codes as JSON numbers, which is what the provider expects.
func planValue(code string) any {
	if n, err := strconv.ParseInt(code, 10, 64); err == nil {
		return json.Number(strconv.FormatInt(n, 10))
	}
	return code
}
