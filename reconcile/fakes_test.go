package reconcile

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shopspring/decimal"

	"saukidata/catalog"
	"saukidata/order"
	"saukidata/payment"
	"saukidata/provisioning"
)

// memLedger mirrors the guarded SQL transitions under a mutex.
type memLedger struct {
	mu         sync.Mutex
	orders     map[string]order.Order
	deliveries map[string]bool
	settleErr  error
	upsertErr  error
	settled    int
}

func newMemLedger() *memLedger {
	return &memLedger{orders: map[string]order.Order{}, deliveries: map[string]bool{}}
}

func (l *memLedger) UpsertPending(_ context.Context, p order.PendingParams) (order.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.upsertErr != nil {
		return order.Order{}, l.upsertErr
	}
	o, ok := l.orders[p.Reference]
	if !ok {
		now := time.Now()
		o = order.Order{Reference: p.Reference, Status: order.StatusPending, CreatedAt: now, UpdatedAt: now}
	}
	if o.PhoneNumber == "" {
		o.PhoneNumber = p.PhoneNumber
	}
	if o.Network == "" {
		o.Network = p.Network
	}
	if o.PlanID == "" {
		o.PlanID = p.PlanID
	}
	if o.Status == order.StatusPending {
		o.Ported = o.Ported || p.Ported
	}
	l.orders[p.Reference] = o
	return o, nil
}

func (l *memLedger) FindByReference(_ context.Context, ref string) (order.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[ref]
	if !ok {
		return order.Order{}, order.ErrNotFound
	}
	return o, nil
}

func (l *memLedger) UpdateDetails(_ context.Context, p order.DetailsParams) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[p.Reference]
	if !ok || o.Status == order.StatusSuccess {
		return order.ErrTransitionRefused
	}
	if p.Network != nil && o.Network == "" {
		o.Network = *p.Network
	}
	if p.Amount != nil {
		o.Amount = decimal.NullDecimal{Decimal: *p.Amount, Valid: true}
	}
	if p.Currency != nil {
		o.Currency = p.Currency
	}
	l.orders[p.Reference] = o
	return nil
}

func (l *memLedger) Reject(_ context.Context, ref string, status order.Status, reason string) (order.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[ref]
	if !ok || !o.Status.Claimable() {
		return order.Order{}, order.ErrTransitionRefused
	}
	o.Status = status
	o.FailureReason = &reason
	l.orders[ref] = o
	return o, nil
}

func (l *memLedger) Claim(_ context.Context, ref string) (order.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	o, ok := l.orders[ref]
	if !ok || !o.Status.Claimable() {
		return order.Order{}, order.ErrClaimLost
	}
	now := time.Now()
	o.Status = order.StatusProcessingDelivery
	o.Attempts++
	o.ClaimedAt = &now
	o.FailureReason = nil
	l.orders[ref] = o
	return o, nil
}

func (l *memLedger) Settle(_ context.Context, p order.SettleParams) (order.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.settleErr != nil {
		return order.Order{}, l.settleErr
	}
	o, ok := l.orders[p.Reference]
	if !ok || o.Status != order.StatusProcessingDelivery {
		return order.Order{}, order.ErrNotClaimed
	}
	o.Status = p.Status
	o.ProviderResponse = p.ProviderResponse
	o.FailureReason = p.FailureReason
	l.orders[p.Reference] = o
	l.settled++
	return o, nil
}

func (l *memLedger) ListStuck(_ context.Context, olderThan time.Duration, _ int) ([]order.Order, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []order.Order
	for _, o := range l.orders {
		if o.Status == order.StatusProcessingDelivery && o.ClaimedAt != nil && time.Since(*o.ClaimedAt) >= olderThan {
			out = append(out, o)
		}
	}
	return out, nil
}

func (l *memLedger) Track(context.Context, string, int) ([]order.Order, error) {
	return nil, errors.New("not implemented")
}

func (l *memLedger) RecordWebhookDelivery(_ context.Context, d order.WebhookDelivery) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.deliveries[d.EventID] {
		return true, nil
	}
	l.deliveries[d.EventID] = true
	return false, nil
}

func (l *memLedger) get(ref string) order.Order {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.orders[ref]
}

type stubVerifier struct {
	calls  atomic.Int32
	result payment.Verification
	err    error
}

func (v *stubVerifier) Verify(context.Context, string) (payment.Verification, error) {
	v.calls.Add(1)
	return v.result, v.err
}

func paid(amount string) *stubVerifier {
	return &stubVerifier{result: payment.Verification{
		Status:   payment.StatusSuccessful,
		Amount:   decimal.RequireFromString(amount),
		Currency: "NGN",
	}}
}

type stubProvisioner struct {
	mu       sync.Mutex
	calls    atomic.Int32
	requests []provisioning.SubmitRequest
	// respond is called per submission; nil means a delivered response.
	respond func(ctx context.Context, n int32) (provisioning.SubmitResult, error)
}

func (p *stubProvisioner) Submit(ctx context.Context, req provisioning.SubmitRequest) (provisioning.SubmitResult, error) {
	n := p.calls.Add(1)
	p.mu.Lock()
	p.requests = append(p.requests, req)
	p.mu.Unlock()
	if p.respond != nil {
		return p.respond(ctx, n)
	}
	raw := []byte(`{"success":true}`)
	return provisioning.SubmitResult{OK: provisioning.InterpretResult(raw), StatusCode: 200, Raw: raw}, nil
}

func rawResult(raw string) (provisioning.SubmitResult, error) {
	return provisioning.SubmitResult{OK: provisioning.InterpretResult([]byte(raw)), StatusCode: 200, Raw: []byte(raw)}, nil
}

func testCatalog() catalog.Catalog {
	c, err := catalog.NewStaticCatalog([]catalog.Plan{
		{ID: "mtn-1gb", Network: "mtn", Name: "1GB", ProviderPlanCode: "1001", Price: decimal.NewFromInt(500)},
		{ID: "glo-5gb", Network: "glo", Name: "5GB", ProviderPlanCode: "222", Price: decimal.NewFromInt(2500)},
	})
	if err != nil {
		panic(err)
	}
	return c
}

type failingCatalog struct{}

func (failingCatalog) Lookup(context.Context, string) (catalog.Plan, error) {
	return catalog.Plan{}, errors.New("catalog: connection refused")
}

func (failingCatalog) List(context.Context, string) ([]catalog.Plan, error) {
	return nil, errors.New("catalog: connection refused")
}
