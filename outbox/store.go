package outbox

import (
	"context"
	"time"
)

// Message is one row of the transactional outbox.
type Message struct {
	ID        string
	Topic     string
	Key       string
	Payload   []byte
	Attempts  int
	CreatedAt time.Time
}

// PublishFunc delivers a message. A nil error marks the message processed.
type PublishFunc func(ctx context.Context, m Message) error

// Stats summarises one dispatch pass.
type Stats struct {
	Processed int
	Failed    int
	Dead      int
}

// Store hands out pending messages under a lock and records the publish result in
// the same transaction, so concurrent relays never publish the same row twice.
type Store interface {
	Dispatch(ctx context.Context, limit, maxAttempts int, publish PublishFunc) (Stats, error)
	Pending(ctx context.Context) (int, error)
}
