package chaos

import (
	"context"
	"math/rand"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// BackendKiller terminates random backends of the current database so ledger writes
// observe dropped connections mid-transaction.
type BackendKiller struct {
	Pool     *pgxpool.Pool
	Interval time.Duration
	// OneIn is the chance (1/OneIn) that a tick kills a backend.
	OneIn int

	killed atomic.Int64
}

func (k *BackendKiller) Run(ctx context.Context, stop <-chan struct{}) {
	interval := k.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	oneIn := k.OneIn
	if oneIn <= 0 {
		oneIn = 5
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		case <-ticker.C:
			if rand.Intn(oneIn) != 0 {
				continue
			}
			var n int64
			err := k.Pool.QueryRow(ctx, `
				SELECT COUNT(*) FROM (
					SELECT pg_terminate_backend(pid) FROM pg_stat_activity
					WHERE datname = current_database() AND pid <> pg_backend_pid()
					ORDER BY random() LIMIT 1
				) t`).Scan(&n)
			if err == nil {
				k.killed.Add(n)
			}
		}
	}
}

// Killed reports how many backends were terminated.
func (k *BackendKiller) Killed() int64 {
	return k.killed.Load()
}
