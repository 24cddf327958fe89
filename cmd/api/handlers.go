package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"saukidata/auth"
	"saukidata/catalog"
	"saukidata/order"
	"saukidata/payment"
	"saukidata/reconcile"
)

const (
	maxConfirmBody = 16 << 10
	maxWebhookBody = 1 << 20
)

type confirmRequest struct {
	Reference   string `json:"reference"`
	PhoneNumber string `json:"phoneNumber"`
	PlanID      string `json:"planId"`
	Ported      bool   `json:"ported"`
}

type trackedOrder struct {
	Reference   string `json:"reference"`
	PhoneNumber string `json:"phoneNumber"`
	PlanID      string `json:"planId"`
	Network     string `json:"network"`
	Status      string `json:"status"`
	CreatedAt   string `json:"createdAt"`
}

type planResponse struct {
	ID       string `json:"id"`
	Network  string `json:"network"`
	Name     string `json:"name"`
	Price    string `json:"price"`
	Currency string `json:"currency"`
}

type stuckOrder struct {
	Reference   string `json:"reference"`
	PhoneNumber string `json:"phoneNumber"`
	PlanID      string `json:"planId"`
	Network     string `json:"network"`
	Amount      string `json:"amount,omitempty"`
	Attempts    int    `json:"attempts"`
	ClaimedAt   string `json:"claimedAt,omitempty"`
}

type loginResponse struct {
	Token     string `json:"token"`
	ExpiresAt string `json:"expiresAt"`
	Role      string `json:"role"`
}

// handleConfirm is the client's poll entry point after checkout.
func (s *Server) handleConfirm(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfirmBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.reconciler.Reconcile(r.Context(), reconcile.Request{
		Reference:   req.Reference,
		PhoneNumber: req.PhoneNumber,
		PlanID:      req.PlanID,
		Ported:      req.Ported,
		Source:      reconcile.SourcePoll,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "could not process order, please retry")
		return
	}
	writeJSON(w, statusForOutcome(res.Outcome), res)
}

// handleWebhook authenticates the gateway and always acknowledges an authenticated
// delivery with 200 so the gateway does not retry on business outcomes.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	log := zerolog.Ctx(r.Context())

	if err := payment.Authenticate(r.Header.Get(payment.SignatureHeader), s.webhookSecret); err != nil {
		log.Warn().Str("remote_addr", r.RemoteAddr).Msg("webhook signature rejected")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		log.Warn().Err(err).Msg("could not read webhook body")
		writeOK(w)
		return
	}

	ev, err := payment.ParseWebhook(body)
	if err != nil {
		log.Warn().Err(err).Msg("malformed webhook")
		writeOK(w)
		return
	}

	res, err := s.reconciler.HandleWebhook(r.Context(), ev, body)
	if err != nil {
		log.Error().Err(err).Str("reference", ev.Reference).Msg("webhook reconciliation failed")
	} else {
		log.Info().Str("reference", ev.Reference).Str("outcome", string(res.Outcome)).Msg("webhook handled")
	}
	writeOK(w)
}

func (s *Server) handleTrack(w http.ResponseWriter, r *http.Request) {
	q := strings.TrimSpace(r.URL.Query().Get("q"))
	if q == "" {
		writeError(w, http.StatusBadRequest, "missing query")
		return
	}

	orders, err := s.orders.Track(r.Context(), q, order.DefaultTrackLimit)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("track lookup failed")
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}

	out := make([]trackedOrder, 0, len(orders))
	for _, o := range orders {
		out = append(out, trackedOrder{
			Reference:   o.Reference,
			PhoneNumber: o.PhoneNumber,
			PlanID:      o.PlanID,
			Network:     o.Network,
			Status:      string(o.Status),
			CreatedAt:   o.CreatedAt.UTC().Format(time.RFC3339),
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"found":        len(out) > 0,
		"transactions": out,
	})
}

func (s *Server) handlePlans(w http.ResponseWriter, r *http.Request) {
	network := catalog.NormalizeNetwork(r.URL.Query().Get("network"))

	plans, err := s.plans.List(r.Context(), network)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("list plans failed")
		writeError(w, http.StatusInternalServerError, "could not load plans")
		return
	}

	out := make([]planResponse, 0, len(plans))
	for _, p := range plans {
		out = append(out, planResponse{ID: p.ID, Network: p.Network, Name: p.Name, Price: p.Price.StringFixed(2), Currency: p.PriceCurrency()})
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req auth.LoginRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxConfirmBody)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.auth.Login(r.Context(), req)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			writeError(w, http.StatusUnauthorized, "invalid credentials")
			return
		}
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("operator login failed")
		writeError(w, http.StatusInternalServerError, "login failed")
		return
	}

	writeJSON(w, http.StatusOK, loginResponse{
		Token:     res.Token,
		ExpiresAt: res.ExpiresAt.UTC().Format(time.RFC3339),
		Role:      string(res.Operator.Role),
	})
}

func (s *Server) handleStuck(w http.ResponseWriter, r *http.Request) {
	orders, err := s.orders.ListStuck(r.Context(), s.stuckAfter, 100)
	if err != nil {
		zerolog.Ctx(r.Context()).Error().Err(err).Msg("list stuck orders failed")
		writeError(w, http.StatusInternalServerError, "could not list stuck orders")
		return
	}

	out := make([]stuckOrder, 0, len(orders))
	for _, o := range orders {
		item := stuckOrder{
			Reference:   o.Reference,
			PhoneNumber: o.PhoneNumber,
			PlanID:      o.PlanID,
			Network:     o.Network,
			Attempts:    o.Attempts,
		}
		if o.Amount.Valid {
			item.Amount = o.Amount.Decimal.StringFixed(2)
		}
		if o.ClaimedAt != nil {
			item.ClaimedAt = o.ClaimedAt.UTC().Format(time.RFC3339)
		}
		out = append(out, item)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out, "total": len(out)})
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(chi.URLParam(r, "reference"))
	if ref == "" {
		writeError(w, http.StatusBadRequest, "missing reference")
		return
	}

	zerolog.Ctx(r.Context()).Info().Str("reference", ref).Msg("operator retry")
	res, err := s.reconciler.Retry(r.Context(), ref)
	if err != nil {
		if errors.Is(err, order.ErrNotFound) {
			writeError(w, http.StatusNotFound, "order not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "retry failed")
		return
	}
	writeJSON(w, statusForOutcome(res.Outcome), res)
}

// statusForOutcome maps a workflow outcome to the confirm endpoint's HTTP status.
func statusForOutcome(o reconcile.Outcome) int {
	switch o {
	case reconcile.OutcomeDelivered, reconcile.OutcomeAlreadyDelivered, reconcile.OutcomeIgnored:
		return http.StatusOK
	case reconcile.OutcomeProcessing, reconcile.OutcomeUnsettled:
		return http.StatusAccepted
	case reconcile.OutcomeProvisioningFailed:
		return http.StatusBadGateway
	default:
		return http.StatusBadRequest
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func writeOK(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}
