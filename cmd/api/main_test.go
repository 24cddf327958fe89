package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"saukidata/auth"
	"saukidata/catalog"
	"saukidata/order"
	"saukidata/payment"
	"saukidata/reconcile"
)

const testWebhookSecret = "flw-hash"

type stubReconciler struct {
	mu        sync.Mutex
	result    reconcile.Result
	err       error
	requests  []reconcile.Request
	webhooks  []payment.WebhookEvent
	retried   []string
	retryErr  error
	hookCalls int
}

func (s *stubReconciler) Reconcile(_ context.Context, req reconcile.Request) (reconcile.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, req)
	return s.result, s.err
}

func (s *stubReconciler) Retry(_ context.Context, ref string) (reconcile.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.retried = append(s.retried, ref)
	if s.retryErr != nil {
		return reconcile.Result{}, s.retryErr
	}
	return s.result, s.err
}

func (s *stubReconciler) HandleWebhook(_ context.Context, ev payment.WebhookEvent, _ []byte) (reconcile.Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hookCalls++
	s.webhooks = append(s.webhooks, ev)
	return s.result, s.err
}

type stubOrders struct {
	tracked []order.Order
	stuck   []order.Order
	err     error
	query   string
	limit   int
}

func (s *stubOrders) Track(_ context.Context, q string, limit int) ([]order.Order, error) {
	s.query, s.limit = q, limit
	return s.tracked, s.err
}

func (s *stubOrders) ListStuck(_ context.Context, _ time.Duration, _ int) ([]order.Order, error) {
	return s.stuck, s.err
}

type stubAuth struct {
	loginErr error
}

func (s *stubAuth) Login(_ context.Context, req auth.LoginRequest) (auth.LoginResult, error) {
	if s.loginErr != nil {
		return auth.LoginResult{}, s.loginErr
	}
	return auth.LoginResult{
		Token:     "good",
		ExpiresAt: time.Date(2025, 3, 1, 17, 0, 0, 0, time.UTC),
		Operator:  auth.Operator{ID: "op-1", Email: req.Email, Role: auth.RoleOperator},
	}, nil
}

func (s *stubAuth) VerifyToken(token string) (auth.Claims, error) {
	switch token {
	case "good":
		return auth.Claims{OperatorID: "op-1", Role: auth.RoleOperator}, nil
	case "admin":
		return auth.Claims{OperatorID: "op-2", Role: auth.RoleAdmin}, nil
	default:
		return auth.Claims{}, auth.ErrInvalidToken
	}
}

func newTestServer(t *testing.T, rec *stubReconciler, orders *stubOrders) http.Handler {
	t.Helper()
	plans, err := catalog.NewStaticCatalog([]catalog.Plan{
		{ID: "mtn-1gb", Network: "mtn", Name: "1GB", ProviderPlanCode: "1001", Price: decimal.NewFromInt(500)},
		{ID: "glo-5gb", Network: "glo", Name: "5GB", ProviderPlanCode: "222", Price: decimal.NewFromInt(2500)},
	})
	if err != nil {
		t.Fatalf("catalog: %v", err)
	}
	if rec == nil {
		rec = &stubReconciler{}
	}
	if orders == nil {
		orders = &stubOrders{}
	}
	return NewServer(rec, orders, plans, &stubAuth{}, testWebhookSecret).Handler()
}

func TestHandleConfirm_StatusMapping(t *testing.T) {
	cases := []struct {
		name    string
		outcome reconcile.Outcome
		err     error
		want    int
	}{
		{"delivered", reconcile.OutcomeDelivered, nil, http.StatusOK},
		{"already delivered", reconcile.OutcomeAlreadyDelivered, nil, http.StatusOK},
		{"processing", reconcile.OutcomeProcessing, nil, http.StatusAccepted},
		{"unsettled", reconcile.OutcomeUnsettled, nil, http.StatusAccepted},
		{"invalid", reconcile.OutcomeInvalid, nil, http.StatusBadRequest},
		{"underpaid", reconcile.OutcomeRejectedAmount, nil, http.StatusBadRequest},
		{"unverified", reconcile.OutcomeRejectedVerification, nil, http.StatusBadRequest},
		{"provider failed", reconcile.OutcomeProvisioningFailed, nil, http.StatusBadGateway},
		{"storage outage", "", errors.New("order: upsert pending: connection refused"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &stubReconciler{result: reconcile.Result{Outcome: tc.outcome, Message: "m"}, err: tc.err}
			h := newTestServer(t, rec, nil)

			body := strings.NewReader(`{"reference":"SAUKI-1","phoneNumber":"08031234567","planId":"mtn-1gb","ported":true}`)
			req := httptest.NewRequest(http.MethodPost, "/api/purchase/confirm", body)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != tc.want {
				t.Fatalf("expected %d, got %d (%s)", tc.want, w.Code, w.Body.String())
			}
			if len(rec.requests) != 1 {
				t.Fatalf("expected one reconcile call, got %d", len(rec.requests))
			}
			got := rec.requests[0]
			if got.Reference != "SAUKI-1" || got.PlanID != "mtn-1gb" || !got.Ported || got.Source != reconcile.SourcePoll {
				t.Fatalf("unexpected request %+v", got)
			}
		})
	}
}

func TestHandleConfirm_NeverLeaksProviderPayload(t *testing.T) {
	rec := &stubReconciler{result: reconcile.Result{Outcome: reconcile.OutcomeDelivered, Accepted: true, Message: "data delivered successfully", Status: order.StatusSuccess}}
	h := newTestServer(t, rec, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/purchase/confirm", strings.NewReader(`{"reference":"SAUKI-1"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	var resp map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp["accepted"] != true || resp["status"] != "success" {
		t.Fatalf("unexpected payload %v", resp)
	}
	if _, ok := resp["provider_response"]; ok {
		t.Fatal("provider payload must not be returned")
	}
}

func TestHandleConfirm_BadBody(t *testing.T) {
	rec := &stubReconciler{}
	h := newTestServer(t, rec, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/purchase/confirm", strings.NewReader(`{"reference":`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
	if len(rec.requests) != 0 {
		t.Fatal("reconciler must not run for an unreadable body")
	}
}

const chargeCompleted = `{
	"event": "charge.completed",
	"data": {"id": 9001, "tx_ref": "SAUKI-7", "amount": 500, "currency": "NGN", "status": "successful"},
	"meta_data": {"plan_id": "mtn-1gb", "consumer_id": "08031234567"}
}`

func TestHandleWebhook_RejectsBadSignature(t *testing.T) {
	for name, header := range map[string]string{"missing": "", "wrong": "not-the-hash"} {
		t.Run(name, func(t *testing.T) {
			rec := &stubReconciler{}
			h := newTestServer(t, rec, nil)

			req := httptest.NewRequest(http.MethodPost, "/api/webhooks/flutterwave", strings.NewReader(chargeCompleted))
			if header != "" {
				req.Header.Set(payment.SignatureHeader, header)
			}
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", w.Code)
			}
			if rec.hookCalls != 0 {
				t.Fatal("unauthenticated webhook must not reach the workflow")
			}
		})
	}
}

func TestHandleWebhook_AlwaysAcknowledges(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		err       error
		wantCalls int
	}{
		{"delivered", chargeCompleted, nil, 1},
		{"workflow error", chargeCompleted, errors.New("order: upsert pending: connection refused"), 1},
		{"malformed", `{"event":`, nil, 0},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			rec := &stubReconciler{result: reconcile.Result{Outcome: reconcile.OutcomeDelivered}, err: tc.err}
			h := newTestServer(t, rec, nil)

			req := httptest.NewRequest(http.MethodPost, "/api/webhooks/flutterwave", strings.NewReader(tc.body))
			req.Header.Set(payment.SignatureHeader, testWebhookSecret)
			w := httptest.NewRecorder()
			h.ServeHTTP(w, req)

			if w.Code != http.StatusOK || w.Body.String() != "OK" {
				t.Fatalf("expected 200 OK, got %d %q", w.Code, w.Body.String())
			}
			if rec.hookCalls != tc.wantCalls {
				t.Fatalf("expected %d workflow calls, got %d", tc.wantCalls, rec.hookCalls)
			}
			if tc.wantCalls > 0 {
				ev := rec.webhooks[0]
				if ev.Reference != "SAUKI-7" || ev.PlanID != "mtn-1gb" || ev.PhoneNumber != "08031234567" {
					t.Fatalf("unexpected parsed event %+v", ev)
				}
			}
		})
	}
}

func TestHandleTrack(t *testing.T) {
	created := time.Date(2025, 3, 1, 9, 30, 0, 0, time.UTC)
	orders := &stubOrders{tracked: []order.Order{{
		Reference:        "SAUKI-1",
		PhoneNumber:      "08031234567",
		PlanID:           "mtn-1gb",
		Network:          "mtn",
		Status:           order.StatusSuccess,
		ProviderResponse: []byte(`{"secret":"provider"}`),
		CreatedAt:        created,
	}}}
	h := newTestServer(t, nil, orders)

	req := httptest.NewRequest(http.MethodGet, "/api/track?q=08031234567", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if orders.query != "08031234567" || orders.limit != order.DefaultTrackLimit {
		t.Fatalf("unexpected lookup %q/%d", orders.query, orders.limit)
	}
	if strings.Contains(w.Body.String(), "provider") {
		t.Fatalf("provider payload leaked: %s", w.Body.String())
	}

	var payload struct {
		Found        bool           `json:"found"`
		Transactions []trackedOrder `json:"transactions"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !payload.Found || len(payload.Transactions) != 1 {
		t.Fatalf("unexpected payload %+v", payload)
	}
	if payload.Transactions[0].CreatedAt != created.Format(time.RFC3339) || payload.Transactions[0].Status != "success" {
		t.Fatalf("unexpected transaction %+v", payload.Transactions[0])
	}
}

func TestHandleTrack_MissingQueryAndFailure(t *testing.T) {
	h := newTestServer(t, nil, nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/track", nil))
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}

	h = newTestServer(t, nil, &stubOrders{err: errors.New("boom")})
	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/track?q=SAUKI-1", nil))
	if w.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", w.Code)
	}
}

func TestHandlePlans_FilterByNetwork(t *testing.T) {
	h := newTestServer(t, nil, nil)

	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/plans?network=GLO", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}

	var payload struct {
		Items []planResponse `json:"items"`
		Total int            `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Total != 1 || payload.Items[0].ID != "glo-5gb" || payload.Items[0].Price != "2500.00" || payload.Items[0].Currency != "NGN" {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestOperatorEndpoints_RequireToken(t *testing.T) {
	h := newTestServer(t, nil, nil)

	for _, token := range []string{"", "Bearer nope", "good"} {
		req := httptest.NewRequest(http.MethodGet, "/api/operator/orders/stuck", nil)
		if token != "" {
			req.Header.Set("Authorization", token)
		}
		w := httptest.NewRecorder()
		h.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Fatalf("token %q: expected 401, got %d", token, w.Code)
		}
	}
}

func TestHandleStuck(t *testing.T) {
	claimed := time.Date(2025, 3, 1, 8, 0, 0, 0, time.UTC)
	orders := &stubOrders{stuck: []order.Order{{
		Reference: "SAUKI-3",
		Status:    order.StatusProcessingDelivery,
		Amount:    decimal.NullDecimal{Decimal: decimal.NewFromInt(500), Valid: true},
		Attempts:  1,
		ClaimedAt: &claimed,
	}}}
	h := newTestServer(t, nil, orders)

	req := httptest.NewRequest(http.MethodGet, "/api/operator/orders/stuck", nil)
	req.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var payload struct {
		Items []stuckOrder `json:"items"`
		Total int          `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &payload); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if payload.Total != 1 || payload.Items[0].Amount != "500.00" || payload.Items[0].ClaimedAt != claimed.Format(time.RFC3339) {
		t.Fatalf("unexpected payload %+v", payload)
	}
}

func TestHandleRetry(t *testing.T) {
	rec := &stubReconciler{result: reconcile.Result{Outcome: reconcile.OutcomeDelivered, Accepted: true}}
	h := newTestServer(t, rec, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/operator/orders/SAUKI-9/retry", nil)
	req.Header.Set("Authorization", "Bearer admin")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if len(rec.retried) != 1 || rec.retried[0] != "SAUKI-9" {
		t.Fatalf("expected retry of SAUKI-9, got %v", rec.retried)
	}

	rec.retryErr = order.ErrNotFound
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/operator/orders/missing/retry", nil)
	req.Header.Set("Authorization", "Bearer admin")
	h.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}

func TestHandleRetry_RequiresAdmin(t *testing.T) {
	rec := &stubReconciler{result: reconcile.Result{Outcome: reconcile.OutcomeDelivered, Accepted: true}}
	h := newTestServer(t, rec, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/operator/orders/SAUKI-9/retry", nil)
	req.Header.Set("Authorization", "Bearer good")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for operator role, got %d", w.Code)
	}
	if len(rec.retried) != 0 {
		t.Fatalf("retry must not run without admin role, got %v", rec.retried)
	}

	// Listing stuck claims stays open to operators.
	req = httptest.NewRequest(http.MethodGet, "/api/operator/orders/stuck", nil)
	req.Header.Set("Authorization", "Bearer good")
	w = httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200 for stuck listing, got %d", w.Code)
	}
}

func TestHandleLogin(t *testing.T) {
	h := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodPost, "/api/operator/login", strings.NewReader(`{"email":"ops@saukidata.ng","password":"correct horse battery"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var resp loginResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.Token != "good" || resp.Role != "operator" || resp.ExpiresAt != "2025-03-01T17:00:00Z" {
		t.Fatalf("unexpected login response %+v", resp)
	}
}

func TestHandleLogin_InvalidCredentials(t *testing.T) {
	plans, _ := catalog.NewStaticCatalog(nil)
	h := NewServer(&stubReconciler{}, &stubOrders{}, plans, &stubAuth{loginErr: auth.ErrInvalidCredentials}, testWebhookSecret).Handler()

	req := httptest.NewRequest(http.MethodPost, "/api/operator/login", strings.NewReader(`{"email":"ops@saukidata.ng","password":"nope"}`))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", w.Code)
	}
}

func TestRequestIDAndHealth(t *testing.T) {
	h := newTestServer(t, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-Id", "req-123")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	if got := w.Header().Get("X-Request-Id"); got != "req-123" {
		t.Fatalf("expected request id echoed, got %q", got)
	}

	w = httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if w.Header().Get("X-Request-Id") == "" {
		t.Fatal("expected a generated request id")
	}
}

func TestStatusForOutcome_Ignored(t *testing.T) {
	if got := statusForOutcome(reconcile.OutcomeIgnored); got != http.StatusOK {
		t.Fatalf("expected 200, got %d", got)
	}
}
