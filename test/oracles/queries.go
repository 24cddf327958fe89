package oracles

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

type Oracle struct {
	Name string
	SQL  string
}

// All returns queries that must never return a row.
func All() []Oracle {
	return []Oracle{
		{
			Name: "O1_response_without_claim",
			SQL: `SELECT reference, status FROM orders
                  WHERE provider_response IS NOT NULL AND attempts = 0`,
		},
		{
			Name: "O2_success_without_response",
			SQL: `SELECT reference FROM orders
                  WHERE status = 'success' AND (provider_response IS NULL OR attempts < 1)`,
		},
		{
			Name: "O3_claim_without_timestamp",
			SQL: `SELECT reference FROM orders
                  WHERE status = 'processing_delivery' AND claimed_at IS NULL`,
		},
		{
			Name: "O4_success_without_event",
			SQL: `SELECT o.reference FROM orders o
                  WHERE o.status = 'success'
                    AND NOT EXISTS (
                        SELECT 1 FROM outbox m
                        WHERE m.message_key = o.reference AND m.payload->>'status' = 'success')`,
		},
		{
			Name: "O5_outbox_stale",
			SQL: `SELECT id::text FROM outbox
                  WHERE status NOT IN ('processed','dead')
                    AND now() - created_at > interval '5 minutes'`,
		},
		{
			Name: "O6_ledger_guards_present",
			SQL: `SELECT t.name AS missing_trigger
                  FROM (VALUES ('no_delete_orders'), ('success_final_orders')) AS t(name)
                  WHERE NOT EXISTS (SELECT 1 FROM pg_trigger WHERE tgname = t.name)`,
		},
		{
			Name: "O7_rejected_but_delivered_event",
			SQL: `SELECT o.reference FROM orders o
                  WHERE o.status IN ('failed_verif','failed_amount','failed_plan')
                    AND EXISTS (
                        SELECT 1 FROM outbox m
                        WHERE m.message_key = o.reference AND m.payload->>'status' = 'success')`,
		},
	}
}

// Run executes all oracles and returns the first failure (name and sample row text) or empty name if all pass.
func Run(ctx context.Context, pool *pgxpool.Pool) (string, string, error) {
	for _, o := range All() {
		rows, err := pool.Query(ctx, o.SQL)
		if err != nil {
			return o.Name, "", fmt.Errorf("oracle %s: %w", o.Name, err)
		}
		has := rows.Next()
		if has {
			vals, err := rows.Values()
			rows.Close()
			if err != nil {
				return o.Name, "", err
			}
			return o.Name, fmt.Sprintf("%v", vals), nil
		}
		rows.Close()
	}
	return "", "", nil
}
