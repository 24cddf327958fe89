package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const planColumns = `id, network, name, provider_plan_code, price::text, currency`

// PGRepository reads plans from the shared plans table.
type PGRepository struct {
	pool *pgxpool.Pool
}

func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

func (r *PGRepository) Lookup(ctx context.Context, planID string) (Plan, error) {
	if planID == "" {
		return Plan{}, ErrPlanNotFound
	}

	query := `SELECT ` + planColumns + ` FROM plans WHERE id = $1 AND active`
	p, err := scanPlan(r.pool.QueryRow(ctx, query, planID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Plan{}, ErrPlanNotFound
		}
		return Plan{}, fmt.Errorf("catalog: lookup: %w", err)
	}
	return p, nil
}

// List returns active plans, optionally filtered by network, cheapest first.
func (r *PGRepository) List(ctx context.Context, network string) ([]Plan, error) {
	query := `
		SELECT ` + planColumns + `
		FROM plans
		WHERE active AND ($1 = '' OR network = $1)
		ORDER BY network, price, id
	`

	rows, err := r.pool.Query(ctx, query, NormalizeNetwork(network))
	if err != nil {
		return nil, fmt.Errorf("catalog: list: %w", err)
	}
	defer rows.Close()

	var out []Plan
	for rows.Next() {
		p, err := scanPlan(rows)
		if err != nil {
			return nil, fmt.Errorf("catalog: list scan: %w", err)
		}
		out = append(out, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("catalog: list iterate: %w", err)
	}
	return out, nil
}

func scanPlan(row pgx.Row) (Plan, error) {
	var (
		p     Plan
		price string
	)
	if err := row.Scan(&p.ID, &p.Network, &p.Name, &p.ProviderPlanCode, &price, &p.Currency); err != nil {
		return Plan{}, err
	}
	d, err := decimal.NewFromString(price)
	if err != nil {
		return Plan{}, fmt.Errorf("catalog: parse price %q: %w", price, err)
	}
	p.Price = d
	return p, nil
}
