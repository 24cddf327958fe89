package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const orderColumns = `reference, phone_number, network, plan_id, ported, status, amount::text, currency,
       provider_response, failure_reason, attempts, claimed_at, created_at, updated_at`

// PGRepository implements Ledger on PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository wires a pgxpool-backed ledger.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

// UpsertPending creates the row on first sighting. A conflicting insert only back-fills
// facts that are still empty and never touches status. The ported flag can only be
// raised while the order is pending.
func (r *PGRepository) UpsertPending(ctx context.Context, params PendingParams) (Order, error) {
	if params.Reference == "" {
		return Order{}, ErrMissingReference
	}

	const query = `
		INSERT INTO orders (reference, phone_number, network, plan_id, ported, status)
		VALUES ($1, $2, $3, $4, $5, 'pending')
		ON CONFLICT (reference) DO UPDATE
		SET phone_number = COALESCE(NULLIF(orders.phone_number, ''), EXCLUDED.phone_number),
		    network      = COALESCE(NULLIF(orders.network, ''), EXCLUDED.network),
		    plan_id      = COALESCE(NULLIF(orders.plan_id, ''), EXCLUDED.plan_id),
		    ported       = CASE WHEN orders.status = 'pending'
		                        THEN orders.ported OR EXCLUDED.ported
		                        ELSE orders.ported END
		RETURNING ` + orderColumns

	o, err := scanOrder(r.pool.QueryRow(ctx, query,
		params.Reference,
		params.PhoneNumber,
		params.Network,
		params.PlanID,
		params.Ported,
	))
	if err != nil {
		return Order{}, fmt.Errorf("order: upsert pending: %w", err)
	}
	return o, nil
}

func (r *PGRepository) FindByReference(ctx context.Context, reference string) (Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders WHERE reference = $1`

	o, err := scanOrder(r.pool.QueryRow(ctx, query, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, fmt.Errorf("order: find by reference: %w", err)
	}
	return o, nil
}

// UpdateDetails records auxiliary facts. It never writes to a delivered order.
func (r *PGRepository) UpdateDetails(ctx context.Context, params DetailsParams) error {
	if params.Reference == "" {
		return ErrMissingReference
	}

	var amount *string
	if params.Amount != nil {
		s := params.Amount.String()
		amount = &s
	}

	const query = `
		UPDATE orders
		SET network    = COALESCE(NULLIF(network, ''), $2, network),
		    amount     = COALESCE($3::text::numeric, amount),
		    currency   = COALESCE($4, currency),
		    updated_at = now()
		WHERE reference = $1
		  AND status <> 'success'
	`

	tag, err := r.pool.Exec(ctx, query, params.Reference, params.Network, amount, params.Currency)
	if err != nil {
		return fmt.Errorf("order: update details: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTransitionRefused
	}
	return nil
}

// Reject moves an unclaimed, undelivered order into a rejection sub-state.
func (r *PGRepository) Reject(ctx context.Context, reference string, status Status, reason string) (Order, error) {
	if err := validateReject(reference, status); err != nil {
		return Order{}, err
	}

	query := `
		UPDATE orders
		SET status         = $2,
		    failure_reason = NULLIF($3, ''),
		    updated_at     = now()
		WHERE reference = $1
		  AND status NOT IN ('success', 'processing_delivery')
		RETURNING ` + orderColumns

	o, err := scanOrder(r.pool.QueryRow(ctx, query, reference, string(status), reason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrTransitionRefused
		}
		return Order{}, fmt.Errorf("order: reject: %w", err)
	}
	return o, nil
}

// Claim is the single conditional transition that grants exclusive fulfillment rights.
func (r *PGRepository) Claim(ctx context.Context, reference string) (Order, error) {
	if reference == "" {
		return Order{}, ErrMissingReference
	}

	query := `
		UPDATE orders
		SET status         = 'processing_delivery',
		    failure_reason = NULL,
		    attempts       = attempts + 1,
		    claimed_at     = now(),
		    updated_at     = now()
		WHERE reference = $1
		  AND status NOT IN ('success', 'processing_delivery')
		RETURNING ` + orderColumns

	o, err := scanOrder(r.pool.QueryRow(ctx, query, reference))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrClaimLost
		}
		return Order{}, fmt.Errorf("order: claim: %w", err)
	}
	return o, nil
}

// Settle releases the claim with the provider's verdict and enqueues an
// order.settled outbox message in the same transaction.
func (r *PGRepository) Settle(ctx context.Context, params SettleParams) (Order, error) {
	if err := validateSettle(params); err != nil {
		return Order{}, err
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin settle tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var response *string
	if params.ProviderResponse != nil {
		s := string(params.ProviderResponse)
		response = &s
	}

	query := `
		UPDATE orders
		SET status            = $2,
		    provider_response = $3,
		    failure_reason    = $4,
		    updated_at        = now()
		WHERE reference = $1
		  AND status = 'processing_delivery'
		RETURNING ` + orderColumns

	o, err := scanOrder(tx.QueryRow(ctx, query, params.Reference, string(params.Status), response, params.FailureReason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Order{}, ErrNotClaimed
		}
		return Order{}, fmt.Errorf("order: settle: %w", err)
	}

	payload, err := settledPayload(o)
	if err != nil {
		return Order{}, fmt.Errorf("order: marshal outbox payload: %w", err)
	}

	const outboxSQL = `INSERT INTO outbox (id, topic, message_key, payload) VALUES ($1, $2, $3, $4::jsonb)`
	if _, err := tx.Exec(ctx, outboxSQL, uuid.NewString(), OutboxTopicOrderSettled, o.Reference, payload); err != nil {
		return Order{}, fmt.Errorf("order: enqueue outbox: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return Order{}, fmt.Errorf("order: commit settle: %w", err)
	}
	return o, nil
}

// ListStuck returns claims that were never settled, oldest first.
func (r *PGRepository) ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]Order, error) {
	limit = normalizeLimit(limit, 50, 500)

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE status = 'processing_delivery'
		  AND claimed_at < now() - make_interval(secs => $1)
		ORDER BY claimed_at ASC
		LIMIT $2
	`

	return r.list(ctx, "list stuck", query, olderThan.Seconds(), limit)
}

// Track finds recent orders by reference or beneficiary phone number.
func (r *PGRepository) Track(ctx context.Context, q string, limit int) ([]Order, error) {
	limit = normalizeLimit(limit, DefaultTrackLimit, 20)

	query := `
		SELECT ` + orderColumns + `
		FROM orders
		WHERE reference = $1 OR phone_number = $1
		ORDER BY created_at DESC
		LIMIT $2
	`

	return r.list(ctx, "track", query, q, limit)
}

// RecordWebhookDelivery appends a gateway delivery. The bool is true when the event id
// was already recorded.
func (r *PGRepository) RecordWebhookDelivery(ctx context.Context, d WebhookDelivery) (bool, error) {
	if d.EventID == "" {
		d.EventID = uuid.NewString()
	}

	const query = `
		INSERT INTO webhook_deliveries (event_id, reference, event_type, payload)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (event_id) DO NOTHING
	`

	tag, err := r.pool.Exec(ctx, query, d.EventID, d.Reference, d.EventType, string(d.Payload))
	if err != nil {
		return false, fmt.Errorf("order: record webhook delivery: %w", err)
	}
	return tag.RowsAffected() == 0, nil
}

func (r *PGRepository) list(ctx context.Context, op, query string, args ...any) ([]Order, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("order: %s: %w", op, err)
	}
	defer rows.Close()

	out := make([]Order, 0, 8)
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("order: %s scan: %w", op, err)
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("order: %s iterate: %w", op, err)
	}
	return out, nil
}

func scanOrder(row pgx.Row) (Order, error) {
	var (
		o        Order
		status   string
		amount   *string
		response *string
	)
	err := row.Scan(
		&o.Reference,
		&o.PhoneNumber,
		&o.Network,
		&o.PlanID,
		&o.Ported,
		&status,
		&amount,
		&o.Currency,
		&response,
		&o.FailureReason,
		&o.Attempts,
		&o.ClaimedAt,
		&o.CreatedAt,
		&o.UpdatedAt,
	)
	if err != nil {
		return Order{}, err
	}

	o.Status = Status(status)
	if !o.Status.Valid() {
		return Order{}, fmt.Errorf("%w: stored status %q", ErrInvalidStatus, status)
	}
	if response != nil {
		o.ProviderResponse = []byte(*response)
	}
	if amount != nil {
		d, err := decimal.NewFromString(*amount)
		if err != nil {
			return Order{}, fmt.Errorf("order: parse amount %q: %w", *amount, err)
		}
		o.Amount = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	return o, nil
}
