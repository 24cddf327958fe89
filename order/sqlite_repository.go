package order

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// sqliteTimeLayout is fixed width so text comparison orders timestamps correctly.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteMigrations returns the single-node schema. Timestamps are stored as
// UTC text written by the application.
func SQLiteMigrations() []string {
	return []string{
		`CREATE TABLE IF NOT EXISTS orders (
			reference         TEXT PRIMARY KEY,
			phone_number      TEXT NOT NULL DEFAULT '',
			network           TEXT NOT NULL DEFAULT '',
			plan_id           TEXT NOT NULL DEFAULT '',
			ported            INTEGER NOT NULL DEFAULT 0,
			status            TEXT NOT NULL DEFAULT 'pending',
			amount            TEXT,
			currency          TEXT,
			provider_response TEXT,
			failure_reason    TEXT,
			attempts          INTEGER NOT NULL DEFAULT 0,
			claimed_at        TEXT,
			created_at        TEXT NOT NULL,
			updated_at        TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_phone ON orders(phone_number, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_orders_status ON orders(status, claimed_at)`,
		`CREATE TABLE IF NOT EXISTS webhook_deliveries (
			event_id    TEXT PRIMARY KEY,
			reference   TEXT NOT NULL,
			event_type  TEXT NOT NULL,
			payload     TEXT NOT NULL,
			received_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS outbox (
			id           TEXT PRIMARY KEY,
			topic        TEXT NOT NULL,
			message_key  TEXT NOT NULL,
			payload      TEXT NOT NULL,
			status       TEXT NOT NULL DEFAULT 'pending',
			attempts     INTEGER NOT NULL DEFAULT 0,
			created_at   TEXT NOT NULL,
			last_attempt TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_outbox_status ON outbox(status, created_at)`,
	}
}

const sqliteOrderColumns = `reference, phone_number, network, plan_id, ported, status, amount, currency,
       provider_response, failure_reason, attempts, claimed_at, created_at, updated_at`

// SQLiteRepository implements Ledger on an embedded SQLite database for single-node
// deployments. The same guarded statements enforce the claim.
type SQLiteRepository struct {
	db  *sql.DB
	now func() time.Time
}

// NewSQLiteRepository wraps an open database. Call Migrate before first use.
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db, now: time.Now}
}

// WithClock overrides the timestamp source.
func (r *SQLiteRepository) WithClock(now func() time.Time) *SQLiteRepository {
	r.now = now
	return r
}

// Migrate applies SQLiteMigrations.
func (r *SQLiteRepository) Migrate(ctx context.Context) error {
	for _, stmt := range SQLiteMigrations() {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("order: sqlite migrate: %w", err)
		}
	}
	return nil
}

func (r *SQLiteRepository) stamp() string {
	return r.now().UTC().Format(sqliteTimeLayout)
}

func (r *SQLiteRepository) UpsertPending(ctx context.Context, params PendingParams) (Order, error) {
	if params.Reference == "" {
		return Order{}, ErrMissingReference
	}

	now := r.stamp()
	query := `
		INSERT INTO orders (reference, phone_number, network, plan_id, ported, status, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, 'pending', ?, ?)
		ON CONFLICT (reference) DO UPDATE
		SET phone_number = COALESCE(NULLIF(orders.phone_number, ''), excluded.phone_number),
		    network      = COALESCE(NULLIF(orders.network, ''), excluded.network),
		    plan_id      = COALESCE(NULLIF(orders.plan_id, ''), excluded.plan_id),
		    ported       = CASE WHEN orders.status = 'pending'
		                        THEN MAX(orders.ported, excluded.ported)
		                        ELSE orders.ported END
		RETURNING ` + sqliteOrderColumns

	o, err := scanSQLiteOrder(r.db.QueryRowContext(ctx, query,
		params.Reference, params.PhoneNumber, params.Network, params.PlanID, params.Ported, now, now))
	if err != nil {
		return Order{}, fmt.Errorf("order: upsert pending: %w", err)
	}
	return o, nil
}

func (r *SQLiteRepository) FindByReference(ctx context.Context, reference string) (Order, error) {
	query := `SELECT ` + sqliteOrderColumns + ` FROM orders WHERE reference = ?`

	o, err := scanSQLiteOrder(r.db.QueryRowContext(ctx, query, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrNotFound
		}
		return Order{}, fmt.Errorf("order: find by reference: %w", err)
	}
	return o, nil
}

func (r *SQLiteRepository) UpdateDetails(ctx context.Context, params DetailsParams) error {
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
		SET network    = COALESCE(NULLIF(network, ''), ?, network),
		    amount     = COALESCE(?, amount),
		    currency   = COALESCE(?, currency),
		    updated_at = ?
		WHERE reference = ?
		  AND status <> 'success'
	`

	res, err := r.db.ExecContext(ctx, query, params.Network, amount, params.Currency, r.stamp(), params.Reference)
	if err != nil {
		return fmt.Errorf("order: update details: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("order: update details rows: %w", err)
	}
	if n == 0 {
		return ErrTransitionRefused
	}
	return nil
}

func (r *SQLiteRepository) Reject(ctx context.Context, reference string, status Status, reason string) (Order, error) {
	if err := validateReject(reference, status); err != nil {
		return Order{}, err
	}

	query := `
		UPDATE orders
		SET status = ?, failure_reason = NULLIF(?, ''), updated_at = ?
		WHERE reference = ?
		  AND status NOT IN ('success', 'processing_delivery')
		RETURNING ` + sqliteOrderColumns

	o, err := scanSQLiteOrder(r.db.QueryRowContext(ctx, query, string(status), reason, r.stamp(), reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrTransitionRefused
		}
		return Order{}, fmt.Errorf("order: reject: %w", err)
	}
	return o, nil
}

func (r *SQLiteRepository) Claim(ctx context.Context, reference string) (Order, error) {
	if reference == "" {
		return Order{}, ErrMissingReference
	}

	now := r.stamp()
	query := `
		UPDATE orders
		SET status = 'processing_delivery', failure_reason = NULL, attempts = attempts + 1,
		    claimed_at = ?, updated_at = ?
		WHERE reference = ?
		  AND status NOT IN ('success', 'processing_delivery')
		RETURNING ` + sqliteOrderColumns

	o, err := scanSQLiteOrder(r.db.QueryRowContext(ctx, query, now, now, reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrClaimLost
		}
		return Order{}, fmt.Errorf("order: claim: %w", err)
	}
	return o, nil
}

func (r *SQLiteRepository) Settle(ctx context.Context, params SettleParams) (Order, error) {
	if err := validateSettle(params); err != nil {
		return Order{}, err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Order{}, fmt.Errorf("order: begin settle tx: %w", err)
	}
	defer tx.Rollback()

	var response *string
	if params.ProviderResponse != nil {
		s := string(params.ProviderResponse)
		response = &s
	}

	now := r.stamp()
	query := `
		UPDATE orders
		SET status = ?, provider_response = ?, failure_reason = ?, updated_at = ?
		WHERE reference = ?
		  AND status = 'processing_delivery'
		RETURNING ` + sqliteOrderColumns

	o, err := scanSQLiteOrder(tx.QueryRowContext(ctx, query,
		string(params.Status), response, params.FailureReason, now, params.Reference))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Order{}, ErrNotClaimed
		}
		return Order{}, fmt.Errorf("order: settle: %w", err)
	}

	payload, err := settledPayload(o)
	if err != nil {
		return Order{}, fmt.Errorf("order: marshal outbox payload: %w", err)
	}

	const outboxSQL = `INSERT INTO outbox (id, topic, message_key, payload, created_at) VALUES (?, ?, ?, ?, ?)`
	if _, err := tx.ExecContext(ctx, outboxSQL, uuid.NewString(), OutboxTopicOrderSettled, o.Reference, string(payload), now); err != nil {
		return Order{}, fmt.Errorf("order: enqueue outbox: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return Order{}, fmt.Errorf("order: commit settle: %w", err)
	}
	return o, nil
}

func (r *SQLiteRepository) ListStuck(ctx context.Context, olderThan time.Duration, limit int) ([]Order, error) {
	limit = normalizeLimit(limit, 50, 500)
	cutoff := r.now().Add(-olderThan).UTC().Format(sqliteTimeLayout)

	query := `
		SELECT ` + sqliteOrderColumns + `
		FROM orders
		WHERE status = 'processing_delivery' AND claimed_at < ?
		ORDER BY claimed_at ASC
		LIMIT ?
	`
	return r.list(ctx, "list stuck", query, cutoff, limit)
}

func (r *SQLiteRepository) Track(ctx context.Context, q string, limit int) ([]Order, error) {
	limit = normalizeLimit(limit, DefaultTrackLimit, 20)

	query := `
		SELECT ` + sqliteOrderColumns + `
		FROM orders
		WHERE reference = ? OR phone_number = ?
		ORDER BY created_at DESC
		LIMIT ?
	`
	return r.list(ctx, "track", query, q, q, limit)
}

func (r *SQLiteRepository) RecordWebhookDelivery(ctx context.Context, d WebhookDelivery) (bool, error) {
	if d.EventID == "" {
		d.EventID = uuid.NewString()
	}

	const query = `
		INSERT INTO webhook_deliveries (event_id, reference, event_type, payload, received_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (event_id) DO NOTHING
	`
	res, err := r.db.ExecContext(ctx, query, d.EventID, d.Reference, d.EventType, string(d.Payload), r.stamp())
	if err != nil {
		return false, fmt.Errorf("order: record webhook delivery: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("order: record webhook delivery rows: %w", err)
	}
	return n == 0, nil
}

func (r *SQLiteRepository) list(ctx context.Context, op, query string, args ...any) ([]Order, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("order: %s: %w", op, err)
	}
	defer rows.Close()

	out := make([]Order, 0, 8)
	for rows.Next() {
		o, err := scanSQLiteOrder(rows)
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

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteOrder(row rowScanner) (Order, error) {
	var (
		o         Order
		status    string
		amount    sql.NullString
		currency  sql.NullString
		response  sql.NullString
		reason    sql.NullString
		claimedAt sql.NullString
		createdAt string
		updatedAt string
	)
	err := row.Scan(
		&o.Reference,
		&o.PhoneNumber,
		&o.Network,
		&o.PlanID,
		&o.Ported,
		&status,
		&amount,
		&currency,
		&response,
		&reason,
		&o.Attempts,
		&claimedAt,
		&createdAt,
		&updatedAt,
	)
	if err != nil {
		return Order{}, err
	}

	o.Status = Status(status)
	if !o.Status.Valid() {
		return Order{}, fmt.Errorf("%w: stored status %q", ErrInvalidStatus, status)
	}
	if amount.Valid {
		d, err := decimal.NewFromString(amount.String)
		if err != nil {
			return Order{}, fmt.Errorf("order: parse amount %q: %w", amount.String, err)
		}
		o.Amount = decimal.NullDecimal{Decimal: d, Valid: true}
	}
	if currency.Valid {
		o.Currency = &currency.String
	}
	if response.Valid {
		o.ProviderResponse = []byte(response.String)
	}
	if reason.Valid {
		o.FailureReason = &reason.String
	}
	if claimedAt.Valid {
		t, err := time.Parse(sqliteTimeLayout, claimedAt.String)
		if err != nil {
			return Order{}, fmt.Errorf("order: parse claimed_at: %w", err)
		}
		o.ClaimedAt = &t
	}
	if o.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
		return Order{}, fmt.Errorf("order: parse created_at: %w", err)
	}
	if o.UpdatedAt, err = time.Parse(sqliteTimeLayout, updatedAt); err != nil {
		return Order{}, fmt.Errorf("order: parse updated_at: %w", err)
	}
	return o, nil
}
