package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"

	"saukidata/db"
	"saukidata/order"
)

type fakePublisher struct {
	mu        sync.Mutex
	published []Message
	err       error
}

func (f *fakePublisher) Publish(_ context.Context, m Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, m)
	return nil
}

// settledStore returns a store whose outbox holds one message per settled reference.
func settledStore(t *testing.T, refs ...string) *SQLiteStore {
	t.Helper()
	ctx := context.Background()

	sqlDB, err := db.OpenSQLite(ctx, filepath.Join(t.TempDir(), "outbox.db"))
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() { sqlDB.Close() })

	ledger := order.NewSQLiteRepository(sqlDB)
	if err := ledger.Migrate(ctx); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	for _, ref := range refs {
		if _, err := ledger.UpsertPending(ctx, order.PendingParams{Reference: ref, PhoneNumber: "08031234567", PlanID: "mtn-1gb"}); err != nil {
			t.Fatalf("upsert %s: %v", ref, err)
		}
		if _, err := ledger.Claim(ctx, ref); err != nil {
			t.Fatalf("claim %s: %v", ref, err)
		}
		if _, err := ledger.Settle(ctx, order.SettleParams{Reference: ref, Status: order.StatusSuccess, ProviderResponse: []byte(`{"success":true}`)}); err != nil {
			t.Fatalf("settle %s: %v", ref, err)
		}
	}
	return NewSQLiteStore(sqlDB)
}

func TestRelay_PublishesSettledOrders(t *testing.T) {
	ctx := context.Background()
	store := settledStore(t, "ref-1", "ref-2", "ref-3")
	pub := &fakePublisher{}

	relay := NewRelay(store, pub)
	stats, err := relay.DispatchOnce(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Processed != 3 {
		t.Fatalf("expected 3 processed, got %+v", stats)
	}

	if len(pub.published) != 3 {
		t.Fatalf("expected 3 published messages, got %d", len(pub.published))
	}
	keys := map[string]bool{}
	for _, m := range pub.published {
		if m.Topic != order.OutboxTopicOrderSettled {
			t.Fatalf("unexpected topic %q", m.Topic)
		}
		var body map[string]any
		if err := json.Unmarshal(m.Payload, &body); err != nil {
			t.Fatalf("payload is not json: %v", err)
		}
		keys[m.Key] = true
	}
	if !keys["ref-1"] || !keys["ref-2"] || !keys["ref-3"] {
		t.Fatalf("expected one message per reference, got %v", keys)
	}

	pending, err := store.Pending(ctx)
	if err != nil {
		t.Fatalf("pending: %v", err)
	}
	if pending != 0 {
		t.Fatalf("expected empty outbox, got %d pending", pending)
	}

	stats, err = relay.DispatchOnce(ctx)
	if err != nil {
		t.Fatalf("second dispatch: %v", err)
	}
	if stats.Processed != 0 || len(pub.published) != 3 {
		t.Fatalf("processed messages must not be republished: %+v", stats)
	}
}

func TestRelay_BatchSizeBoundsEachPass(t *testing.T) {
	ctx := context.Background()
	store := settledStore(t, "ref-1", "ref-2", "ref-3")
	pub := &fakePublisher{}

	relay := NewRelay(store, pub)
	relay.BatchSize = 2

	stats, err := relay.DispatchOnce(ctx)
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if stats.Processed != 2 {
		t.Fatalf("expected 2 processed, got %+v", stats)
	}
	if pending, _ := store.Pending(ctx); pending != 1 {
		t.Fatalf("expected 1 pending, got %d", pending)
	}
}

func TestRelay_DeadLettersAfterMaxAttempts(t *testing.T) {
	ctx := context.Background()
	store := settledStore(t, "ref-1")
	pub := &fakePublisher{err: errors.New("broker down")}

	relay := NewRelay(store, pub)
	relay.MaxAttempts = 3

	for i := 0; i < 2; i++ {
		stats, err := relay.DispatchOnce(ctx)
		if err != nil {
			t.Fatalf("dispatch %d: %v", i, err)
		}
		if stats.Failed != 1 {
			t.Fatalf("pass %d: expected a retryable failure, got %+v", i, stats)
		}
	}

	stats, err := relay.DispatchOnce(ctx)
	if err != nil {
		t.Fatalf("final dispatch: %v", err)
	}
	if stats.Dead != 1 {
		t.Fatalf("expected the message to be dead-lettered, got %+v", stats)
	}

	pub.err = nil
	stats, err = relay.DispatchOnce(ctx)
	if err != nil {
		t.Fatalf("dispatch after recovery: %v", err)
	}
	if stats.Processed != 0 {
		t.Fatalf("dead messages must stay parked, got %+v", stats)
	}
}

func TestRelay_RunStopsOnCancel(t *testing.T) {
	store := settledStore(t, "ref-1")
	pub := &fakePublisher{}

	relay := NewRelay(store, pub)
	relay.PollInterval = 1

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		relay.Run(ctx)
		close(done)
	}()

	for {
		pub.mu.Lock()
		n := len(pub.published)
		pub.mu.Unlock()
		if n == 1 {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()
	<-done
}

type fakeWriter struct {
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.closed = true
	return nil
}

func TestKafkaPublisher_MapsMessage(t *testing.T) {
	w := &fakeWriter{}
	pub := &KafkaPublisher{writer: w, topicPrefix: "saukidata."}

	err := pub.Publish(context.Background(), Message{ID: "m-1", Topic: "order.settled", Key: "ref-1", Payload: []byte(`{"reference":"ref-1"}`)})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	if len(w.msgs) != 1 {
		t.Fatalf("expected one kafka message, got %d", len(w.msgs))
	}
	got := w.msgs[0]
	if got.Topic != "saukidata.order.settled" || string(got.Key) != "ref-1" {
		t.Fatalf("unexpected kafka message %+v", got)
	}
	if len(got.Headers) != 1 || string(got.Headers[0].Value) != "m-1" {
		t.Fatalf("expected message_id header, got %+v", got.Headers)
	}

	w.err = errors.New("leader not available")
	if err := pub.Publish(context.Background(), Message{Topic: "order.settled"}); err == nil {
		t.Fatal("expected write error")
	}
	if err := pub.Close(); err != nil || !w.closed {
		t.Fatal("expected writer to be closed")
	}
}
