package outbox

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore claims outbox rows with FOR UPDATE SKIP LOCKED.
type PGStore struct {
	pool *pgxpool.Pool
}

func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func (s *PGStore) Dispatch(ctx context.Context, limit, maxAttempts int, publish PublishFunc) (Stats, error) {
	var stats Stats

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return stats, fmt.Errorf("outbox: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT id::text, topic, message_key, payload::text, attempts, created_at
		FROM outbox
		WHERE status = 'pending'
		ORDER BY created_at
		FOR UPDATE SKIP LOCKED
		LIMIT $1
	`, limit)
	if err != nil {
		return stats, fmt.Errorf("outbox: select pending: %w", err)
	}

	batch := make([]Message, 0, limit)
	for rows.Next() {
		var (
			m       Message
			payload string
		)
		if err := rows.Scan(&m.ID, &m.Topic, &m.Key, &payload, &m.Attempts, &m.CreatedAt); err != nil {
			rows.Close()
			return stats, fmt.Errorf("outbox: scan: %w", err)
		}
		m.Payload = []byte(payload)
		batch = append(batch, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("outbox: iterate: %w", err)
	}

	for _, m := range batch {
		if perr := publish(ctx, m); perr == nil {
			if _, err := tx.Exec(ctx, `UPDATE outbox SET status = 'processed', last_attempt = now() WHERE id = $1`, m.ID); err != nil {
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
		if _, err := tx.Exec(ctx, `UPDATE outbox SET attempts = attempts + 1, last_attempt = now(), status = $2 WHERE id = $1`, m.ID, status); err != nil {
			return stats, fmt.Errorf("outbox: record attempt: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return Stats{}, fmt.Errorf("outbox: commit: %w", err)
	}
	return stats, nil
}

func (s *PGStore) Pending(ctx context.Context) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE status = 'pending'`).Scan(&n); err != nil {
		return 0, fmt.Errorf("outbox: count pending: %w", err)
	}
	return n, nil
}
