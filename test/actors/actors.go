package actors

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"saukidata/outbox"
	"saukidata/payment"
	"saukidata/provisioning"
	"saukidata/reconcile"
)

// Gateway is a payment verifier double. Paid holds the amount settled per reference;
// FailOneIn makes roughly one call in N report the gateway as unavailable.
type Gateway struct {
	Paid      map[string]decimal.Decimal
	FailOneIn int
}

func (g *Gateway) Verify(ctx context.Context, reference string) (payment.Verification, error) {
	if g.FailOneIn > 0 && rand.Intn(g.FailOneIn) == 0 {
		return payment.Verification{}, payment.ErrVerifierUnavailable
	}
	amount, ok := g.Paid[reference]
	if !ok {
		return payment.Verification{Status: payment.StatusNotFound}, nil
	}
	return payment.Verification{Status: payment.StatusSuccessful, Amount: amount, Currency: "NGN"}, nil
}

// Provider is a provisioning double keyed by beneficiary phone. It records a violation
// whenever two submissions for one phone overlap or a phone is submitted again after
// a delivery.
type Provider struct {
	FailOneIn  int
	MaxLatency time.Duration

	mu         sync.Mutex
	inflight   map[string]int
	delivered  map[string]int
	violations []string
	calls      atomic.Int64
}

func (p *Provider) Submit(ctx context.Context, req provisioning.SubmitRequest) (provisioning.SubmitResult, error) {
	p.calls.Add(1)

	p.mu.Lock()
	if p.inflight == nil {
		p.inflight = map[string]int{}
		p.delivered = map[string]int{}
	}
	if p.inflight[req.PhoneNumber] > 0 {
		p.violations = append(p.violations, "concurrent provisioning for "+req.PhoneNumber)
	}
	if p.delivered[req.PhoneNumber] > 0 {
		p.violations = append(p.violations, "provisioning after delivery for "+req.PhoneNumber)
	}
	p.inflight[req.PhoneNumber]++
	p.mu.Unlock()

	defer func() {
		p.mu.Lock()
		p.inflight[req.PhoneNumber]--
		p.mu.Unlock()
	}()

	if p.MaxLatency > 0 {
		select {
		case <-ctx.Done():
			return provisioning.SubmitResult{}, ctx.Err()
		case <-time.After(time.Duration(rand.Int63n(int64(p.MaxLatency)))):
		}
	}

	if p.FailOneIn > 0 && rand.Intn(p.FailOneIn) == 0 {
		raw := []byte(`{"success":false,"error":"insufficient wallet balance"}`)
		return provisioning.SubmitResult{OK: provisioning.InterpretResult(raw), StatusCode: 200, Raw: raw}, nil
	}

	p.mu.Lock()
	p.delivered[req.PhoneNumber]++
	p.mu.Unlock()

	raw := []byte(fmt.Sprintf(`{"success":true,"reference":"AMG-%d","mobile_number":%q}`, rand.Int63(), req.PhoneNumber))
	return provisioning.SubmitResult{OK: provisioning.InterpretResult(raw), StatusCode: 200, Raw: raw}, nil
}

// Violations returns a copy of every recorded violation.
func (p *Provider) Violations() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.violations...)
}

func (p *Provider) Calls() int64 {
	return p.calls.Load()
}

// Poller plays clients that keep polling the confirm endpoint after checkout.
func Poller(ctx context.Context, svc *reconcile.Service, refs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		ref := refs[rand.Intn(len(refs))]
		// Infrastructure errors are expected while chaos kills backends.
		_, _ = svc.Reconcile(ctx, reconcile.Request{Reference: ref, Source: reconcile.SourcePoll})
		time.Sleep(time.Duration(5+rand.Intn(20)) * time.Millisecond)
	}
}

// WebhookSender replays charge.completed deliveries, reusing a few event ids so
// duplicate deliveries are exercised.
func WebhookSender(ctx context.Context, svc *reconcile.Service, refs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		ref := refs[rand.Intn(len(refs))]
		ev := payment.WebhookEvent{
			ID:        fmt.Sprintf("%s:%s-%d", payment.EventChargeCompleted, ref, rand.Intn(3)),
			Event:     payment.EventChargeCompleted,
			Reference: ref,
			Status:    payment.StatusSuccessful,
		}
		_, _ = svc.HandleWebhook(ctx, ev, []byte(fmt.Sprintf(`{"event":%q,"data":{"tx_ref":%q}}`, ev.Event, ref)))
		time.Sleep(time.Duration(10+rand.Intn(30)) * time.Millisecond)
	}
}

// Retrier plays an operator re-running reconciliation from the back office.
func Retrier(ctx context.Context, svc *reconcile.Service, refs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = svc.Retry(ctx, refs[rand.Intn(len(refs))])
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// ErrGuardBypassed means a write the ledger triggers must refuse went through.
var ErrGuardBypassed = errors.New("actors: ledger guard bypassed")

// Tamperer attempts writes the database triggers must refuse: deleting orders and
// moving a delivered order out of success.
func Tamperer(ctx context.Context, pool *pgxpool.Pool, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}

		tag, err := pool.Exec(ctx, `UPDATE orders SET status = 'pending' WHERE reference = (
			SELECT reference FROM orders WHERE status = 'success' ORDER BY random() LIMIT 1)`)
		if err == nil && tag.RowsAffected() > 0 {
			return fmt.Errorf("%w: success order moved back to pending", ErrGuardBypassed)
		}

		tag, err = pool.Exec(ctx, `DELETE FROM orders WHERE reference = (
			SELECT reference FROM orders ORDER BY random() LIMIT 1)`)
		if err == nil && tag.RowsAffected() > 0 {
			return fmt.Errorf("%w: order deleted", ErrGuardBypassed)
		}

		time.Sleep(time.Duration(100+rand.Intn(100)) * time.Millisecond)
	}
}

// FlakyPublisher drops roughly one message in FailOneIn.
type FlakyPublisher struct {
	FailOneIn int
	published atomic.Int64
}

func (p *FlakyPublisher) Publish(context.Context, outbox.Message) error {
	if p.FailOneIn > 0 && rand.Intn(p.FailOneIn) == 0 {
		return errors.New("broker unavailable")
	}
	p.published.Add(1)
	return nil
}

func (p *FlakyPublisher) Published() int64 {
	return p.published.Load()
}

// OutboxRelay drains the outbox with SKIP LOCKED alongside other relays.
func OutboxRelay(ctx context.Context, relay *outbox.Relay, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		_, _ = relay.DispatchOnce(ctx)
		time.Sleep(100 * time.Millisecond)
	}
}
