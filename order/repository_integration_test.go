package order

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"saukidata/db"
)

// TestPGLedger_Integration connects to a real PostgreSQL via DATABASE_URL, applies the
// embedded migrations and exercises the guarded transitions against it.
func TestPGLedger_Integration(t *testing.T) {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		t.Skip("DATABASE_URL is empty; set it to a live PostgreSQL to run integration test")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, dsn, db.PoolOptions{MaxConns: 32})
	if err != nil {
		t.Fatalf("connect pool: %v", err)
	}
	defer pool.Close()

	if _, err := db.Migrate(ctx, pool); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	repo := NewRepository(pool)
	ref := fmt.Sprintf("it-%d", time.Now().UnixNano())

	t.Run("claim race has one winner", func(t *testing.T) {
		if _, err := repo.UpsertPending(ctx, PendingParams{Reference: ref, PhoneNumber: "08030000000", PlanID: "mtn-1gb"}); err != nil {
			t.Fatalf("upsert: %v", err)
		}

		var wins atomic.Int32
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < 24; i++ {
			g.Go(func() error {
				if _, err := repo.UpsertPending(gctx, PendingParams{Reference: ref}); err != nil {
					return err
				}
				_, err := repo.Claim(gctx, ref)
				if err == nil {
					wins.Add(1)
					return nil
				}
				if errors.Is(err, ErrClaimLost) {
					return nil
				}
				return err
			})
		}
		if err := g.Wait(); err != nil {
			t.Fatalf("race: %v", err)
		}
		if wins.Load() != 1 {
			t.Fatalf("expected exactly one claim winner, got %d", wins.Load())
		}
	})

	t.Run("settle writes outbox and success is final", func(t *testing.T) {
		o, err := repo.Settle(ctx, SettleParams{Reference: ref, Status: StatusSuccess, ProviderResponse: []byte(`{"status":"successful"}`)})
		if err != nil {
			t.Fatalf("settle: %v", err)
		}
		if o.Status != StatusSuccess {
			t.Fatalf("expected success, got %s", o.Status)
		}

		var n int
		if err := pool.QueryRow(ctx, `SELECT COUNT(*) FROM outbox WHERE message_key = $1 AND topic = $2`, ref, OutboxTopicOrderSettled).Scan(&n); err != nil {
			t.Fatalf("count outbox: %v", err)
		}
		if n != 1 {
			t.Fatalf("expected one outbox message, got %d", n)
		}

		if _, err := repo.Claim(ctx, ref); !errors.Is(err, ErrClaimLost) {
			t.Fatalf("expected ErrClaimLost after success, got %v", err)
		}

		late, err := repo.UpsertPending(ctx, PendingParams{Reference: ref, Ported: true})
		if err != nil {
			t.Fatalf("late upsert: %v", err)
		}
		if late.Ported || late.Status != StatusSuccess {
			t.Fatalf("late poll must not change a delivered order: %+v", late)
		}
	})

	t.Run("orders cannot be deleted", func(t *testing.T) {
		if _, err := pool.Exec(ctx, `DELETE FROM orders WHERE reference = $1`, ref); err == nil {
			t.Fatalf("expected delete to be rejected by trigger")
		}
	})

	t.Run("amount round trips as decimal", func(t *testing.T) {
		amtRef := ref + "-amt"
		if _, err := repo.UpsertPending(ctx, PendingParams{Reference: amtRef, PhoneNumber: "0803", PlanID: "p"}); err != nil {
			t.Fatalf("upsert: %v", err)
		}
		assertAmount(ctx, t, pool, repo, amtRef, "1250.50")
	})
}

func assertAmount(ctx context.Context, t *testing.T, pool *pgxpool.Pool, repo *PGRepository, ref, amount string) {
	t.Helper()
	if _, err := pool.Exec(ctx, `UPDATE orders SET amount = $2::numeric WHERE reference = $1`, ref, amount); err != nil {
		t.Fatalf("seed amount: %v", err)
	}
	o, err := repo.FindByReference(ctx, ref)
	if err != nil {
		t.Fatalf("find: %v", err)
	}
	if !o.Amount.Valid || !o.Amount.Decimal.Equal(decimal.RequireFromString(amount)) {
		t.Fatalf("unexpected amount %+v", o.Amount)
	}
}
