package outbox

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// SQLiteStore relays from the single-node ledger's outbox table. The database has a
// single writer connection, so the transaction alone serialises relays.
type SQLiteStore struct {
	db *sql.DB
}

func NewSQLiteStore(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

func (s *SQLiteStore) Dispatch(ctx context.Context, limit, maxAttempts int, publish PublishFunc) (Stats, error) {
	var stats Stats

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return stats, fmt.Errorf("outbox: begin: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, topic, message_key, payload, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		LIMIT ?
	`, limit)
	if err != nil {
		return stats, fmt.Errorf("outbox: select pending: %w", err)
	}

	batch := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m         Message
			payload   string
			createdAt string
		)
		if err := rows.Scan(&m.ID, &m.Topic, &m.Key, &payload, &m.Attempts, &createdAt); err != nil {
			rows.Close()
			return stats, fmt.Errorf("outbox: scan: %w", err)
		}
		m.Payload = []byte(payload)
		if m.CreatedAt, err = time.Parse(sqliteTimeLayout, createdAt); err != nil {
			rows.Close()
			return stats, fmt.Errorf("outbox: parse created_at: %w", err)
		}
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("outbox: iterate: %w", err)
	}

	now := time.Now().UTC().Format(sqliteTimeLayout)
	for _, m := range batch {
		if perr := publish(ctx, m); perr == nil {
			if _, err := tx.ExecContext(ctx, `UPDATE outbox SET status = 'processed', last_attempt = ? WHERE id = ?`, now, m.ID); err != nil {
				return stats, fmt.Errorf("outbox: mark processed: %w", err)
			}
			stats.Processed++
			continue
		}

		status := "pending"
		if m.Attempts+1 >= maxAttempts {
			status = "dead"
			stats.Dead++
		} else {
			stats.Failed++
		}
		if _, err := tx.ExecContext(ctx, `UPDATE outbox SET attempts = attempts + 1, last_attempt = ?, status = ? WHERE id = ?`, now, status, m.ID); err != nil {
			return stats, fmt.Errorf("outbox: record attempt: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Stats{}, fmt.Errorf("outbox: commit: %w", err)
	}
	return stats, nil
}

func (s *SQLiteStore) Pending(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM outbox WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox: count pending: %w", err)
	}
	return n, nil
}
