package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"saukidata/catalog"
	"saukidata/metrics"
	"saukidata/order"
	"saukidata/payment"
	"saukidata/provisioning"
)

const (
	DefaultProvisionTimeout = 45 * time.Second
	DefaultSettleTimeout    = 10 * time.Second
)

// Service runs the reconciliation workflow. Poll, webhook and operator entry points
// all call Reconcile; none of them is assumed to own the order.
type Service struct {
	ledger      order.Ledger
	catalog     catalog.Catalog
	verifier    payment.Verifier
	provisioner provisioning.Provisioner

	provisionTimeout time.Duration
	settleTimeout    time.Duration
	log              zerolog.Logger
}

// NewService wires the workflow to its collaborators.
func NewService(ledger order.Ledger, plans catalog.Catalog, verifier payment.Verifier, provisioner provisioning.Provisioner) *Service {
	return &Service{
		ledger:           ledger,
		catalog:          plans,
		verifier:         verifier,
		provisioner:      provisioner,
		provisionTimeout: DefaultProvisionTimeout,
		settleTimeout:    DefaultSettleTimeout,
		log:              zerolog.Nop(),
	}
}

// WithTimeouts overrides the provisioning and settlement deadlines. Zero keeps the default.
func (s *Service) WithTimeouts(provision, settle time.Duration) *Service {
	if provision > 0 {
		s.provisionTimeout = provision
	}
	if settle > 0 {
		s.settleTimeout = settle
	}
	return s
}

// WithLogger sets the fallback logger used when the context carries none.
func (s *Service) WithLogger(l zerolog.Logger) *Service {
	s.log = l
	return s
}

// Reconcile drives one order towards a terminal state. It returns an error only for
// infrastructure failures before a claim is taken; every other path ends in a
// classified Result.
func (s *Service) Reconcile(ctx context.Context, req Request) (Result, error) {
	req.Reference = strings.TrimSpace(req.Reference)
	req.PhoneNumber = strings.TrimSpace(req.PhoneNumber)
	req.PlanID = strings.TrimSpace(req.PlanID)
	if req.Source == "" {
		req.Source = SourcePoll
	}

	log := s.logger(ctx).With().Str("reference", req.Reference).Str("source", string(req.Source)).Logger()
	ctx = log.WithContext(ctx)

	res, err := s.reconcile(ctx, req)
	if err != nil {
		metrics.ReconcileOutcomes.WithLabelValues("error", string(req.Source)).Inc()
		log.Error().Err(err).Msg("reconciliation aborted")
		return Result{}, err
	}
	metrics.ReconcileOutcomes.WithLabelValues(string(res.Outcome), string(req.Source)).Inc()
	return res, nil
}

func (s *Service) reconcile(ctx context.Context, req Request) (Result, error) {
	log := zerolog.Ctx(ctx)

	if req.Reference == "" {
		return resultFor(OutcomeInvalid, "", ""), nil
	}

	o, err := s.ledger.UpsertPending(ctx, order.PendingParams{
		Reference:   req.Reference,
		PhoneNumber: req.PhoneNumber,
		PlanID:      req.PlanID,
		Ported:      req.Ported,
	})
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: upsert: %w", err)
	}

	switch {
	case o.Status.IsFinal():
		return resultFor(OutcomeAlreadyDelivered, o.Reference, o.Status), nil
	case !o.Status.Claimable():
		return resultFor(OutcomeProcessing, o.Reference, o.Status), nil
	}

	if o.PhoneNumber == "" {
		log.Info().Msg("order has no beneficiary yet")
		return resultFor(OutcomeInvalid, o.Reference, o.Status), nil
	}

	plan, err := s.catalog.Lookup(ctx, o.PlanID)
	if err != nil {
		if errors.Is(err, catalog.ErrPlanNotFound) {
			return s.reject(ctx, o.Reference, order.StatusFailedPlan, fmt.Sprintf("unknown plan %q", o.PlanID))
		}
		return Result{}, fmt.Errorf("reconcile: plan lookup: %w", err)
	}

	v, err := s.verifier.Verify(ctx, o.Reference)
	if err != nil {
		log.Warn().Err(err).Msg("payment verification failed")
		return s.reject(ctx, o.Reference, order.StatusFailedVerification, err.Error())
	}
	if !v.Successful() {
		return s.reject(ctx, o.Reference, order.StatusFailedVerification, "gateway status "+v.Status)
	}

	network := catalog.NormalizeNetwork(plan.Network)
	details := order.DetailsParams{Reference: o.Reference, Amount: &v.Amount}
	if network != "" {
		details.Network = &network
	}
	if v.Currency != "" {
		details.Currency = &v.Currency
	}
	if err := s.ledger.UpdateDetails(ctx, details); err != nil {
		if errors.Is(err, order.ErrTransitionRefused) {
			return s.current(ctx, o.Reference)
		}
		return Result{}, fmt.Errorf("reconcile: record amount: %w", err)
	}

	if !strings.EqualFold(strings.TrimSpace(v.Currency), plan.PriceCurrency()) {
		return s.reject(ctx, o.Reference, order.StatusFailedAmount,
			fmt.Sprintf("paid in %q, plan priced in %s", v.Currency, plan.PriceCurrency()))
	}
	if v.Amount.LessThan(plan.Price) {
		return s.reject(ctx, o.Reference, order.StatusFailedAmount,
			fmt.Sprintf("paid %s, plan costs %s", v.Amount.String(), plan.Price.String()))
	}

	claimed, err := s.ledger.Claim(ctx, o.Reference)
	if err != nil {
		if errors.Is(err, order.ErrClaimLost) {
			metrics.ClaimContention.Inc()
			log.Debug().Msg("claim held by another execution")
			return resultFor(OutcomeProcessing, o.Reference, order.StatusProcessingDelivery), nil
		}
		return Result{}, fmt.Errorf("reconcile: claim: %w", err)
	}

	if claimed.Network == "" {
		claimed.Network = network
	}
	return s.fulfil(ctx, claimed, plan), nil
}

// fulfil runs while this execution holds the claim. Settlement is deferred so that a
// timed out or panicking provider call still releases the claim.
func (s *Service) fulfil(ctx context.Context, claimed order.Order, plan catalog.Plan) (res Result) {
	log := zerolog.Ctx(ctx)
	settle := order.SettleParams{Reference: claimed.Reference, Status: order.StatusFailed}

	defer func() {
		if p := recover(); p != nil {
			log.Error().Interface("panic", p).Msg("provisioning panicked")
			settle.Status = order.StatusFailed
			settle.ProviderResponse = errorMarker(fmt.Sprintf("panic: %v", p))
			settle.FailureReason = strPtr("provisioning panicked")
		}
		res = s.settle(ctx, settle)
	}()

	pctx, cancel := context.WithTimeout(ctx, s.provisionTimeout)
	defer cancel()

	sub, err := s.provisioner.Submit(pctx, provisioning.SubmitRequest{
		Network:     claimed.Network,
		PhoneNumber: claimed.PhoneNumber,
		PlanCode:    plan.ProviderPlanCode,
		Ported:      claimed.Ported,
	})
	if err != nil {
		log.Warn().Err(err).Msg("provisioning call failed")
		settle.ProviderResponse = errorMarker(err.Error())
		settle.FailureReason = strPtr(err.Error())
		return
	}

	settle.ProviderResponse = sub.Raw
	if len(sub.Raw) == 0 {
		settle.ProviderResponse = errorMarker("empty provider response")
	}
	if sub.OK {
		settle.Status = order.StatusSuccess
		return
	}
	log.Warn().Int("provider_status", sub.StatusCode).Msg("provider reported failure")
	settle.FailureReason = strPtr("provider reported failure")
	return
}

func (s *Service) settle(ctx context.Context, params order.SettleParams) Result {
	log := zerolog.Ctx(ctx)

	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.settleTimeout)
	defer cancel()

	o, err := s.ledger.Settle(sctx, params)
	if err != nil {
		metrics.UnsettledClaims.Inc()
		log.Error().Err(err).Str("intended_status", string(params.Status)).
			Msg("could not settle claim; order needs manual reconciliation")
		return resultFor(OutcomeUnsettled, params.Reference, order.StatusProcessingDelivery)
	}

	if o.Status == order.StatusSuccess {
		log.Info().Msg("order delivered")
		return resultFor(OutcomeDelivered, o.Reference, o.Status)
	}
	return resultFor(OutcomeProvisioningFailed, o.Reference, o.Status)
}

func (s *Service) reject(ctx context.Context, ref string, status order.Status, reason string) (Result, error) {
	o, err := s.ledger.Reject(ctx, ref, status, reason)
	if err != nil {
		if errors.Is(err, order.ErrTransitionRefused) {
			return s.current(ctx, ref)
		}
		return Result{}, fmt.Errorf("reconcile: reject %s: %w", status, err)
	}
	zerolog.Ctx(ctx).Info().Str("status", string(status)).Str("reason", reason).Msg("order rejected")
	return resultFor(outcomeForStatus(o.Status), o.Reference, o.Status), nil
}

// current reports the stored state after a guarded write lost to another execution.
func (s *Service) current(ctx context.Context, ref string) (Result, error) {
	o, err := s.ledger.FindByReference(ctx, ref)
	if err != nil {
		return Result{}, fmt.Errorf("reconcile: reload: %w", err)
	}
	return resultFor(outcomeForStatus(o.Status), o.Reference, o.Status), nil
}

// Retry re-enters the workflow for an existing order using its stored facts.
func (s *Service) Retry(ctx context.Context, reference string) (Result, error) {
	o, err := s.ledger.FindByReference(ctx, strings.TrimSpace(reference))
	if err != nil {
		return Result{}, err
	}
	return s.Reconcile(ctx, Request{
		Reference:   o.Reference,
		PhoneNumber: o.PhoneNumber,
		PlanID:      o.PlanID,
		Ported:      o.Ported,
		Source:      SourceOperator,
	})
}

// HandleWebhook records an authenticated delivery and reconciles successful charges.
// Duplicate deliveries are reconciled again; the workflow is idempotent.
func (s *Service) HandleWebhook(ctx context.Context, ev payment.WebhookEvent, payload []byte) (Result, error) {
	log := s.logger(ctx).With().Str("event", ev.Event).Str("event_id", ev.ID).Str("reference", ev.Reference).Logger()
	ctx = log.WithContext(ctx)

	if ev.Reference != "" {
		dup, err := s.ledger.RecordWebhookDelivery(ctx, order.WebhookDelivery{
			EventID:   ev.ID,
			Reference: ev.Reference,
			EventType: ev.Event,
			Payload:   payload,
		})
		switch {
		case err != nil:
			log.Warn().Err(err).Msg("could not record webhook delivery")
		case dup:
			metrics.WebhookDeliveries.WithLabelValues("duplicate").Inc()
			log.Info().Msg("duplicate webhook delivery")
		}
	}

	if !ev.Actionable() {
		metrics.WebhookDeliveries.WithLabelValues("ignored").Inc()
		log.Debug().Str("status", ev.Status).Msg("webhook event ignored")
		return resultFor(OutcomeIgnored, ev.Reference, ""), nil
	}

	metrics.WebhookDeliveries.WithLabelValues("accepted").Inc()
	return s.Reconcile(ctx, Request{
		Reference:   ev.Reference,
		PhoneNumber: ev.PhoneNumber,
		PlanID:      ev.PlanID,
		Ported:      ev.Ported,
		Source:      SourceWebhook,
	})
}

func (s *Service) logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &s.log
}

func errorMarker(msg string) []byte {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return data
}

func strPtr(s string) *string {
	return &s
}
