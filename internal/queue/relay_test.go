package queue

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/testutil"
	rd "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/order-fulfillment/internal/audit"
	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/metrics"
)

type fakePublisher struct {
	mu       sync.Mutex
	failures int
	keys     []string
}

func (p *fakePublisher) Publish(_ context.Context, key string, _ []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.keys = append(p.keys, key)
	return nil
}

func (p *fakePublisher) published() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.keys...)
}

func encodedEntry(t *testing.T, id string) string {
	t.Helper()
	b, err := audit.Encode(domain.AuditEntry{
		ID:         id,
		RecordedAt: time.Now(),
		Record:     domain.OrderAudit{OrderID: "o-1", Action: domain.ActionCreate, Success: true},
	})
	require.NoError(t, err)
	return string(b)
}

func TestParseAuditMessage(t *testing.T) {
	id := uuid.NewString()
	payload := encodedEntry(t, id)

	key, value, err := parseAuditMessage(map[string]interface{}{"entry_id": id, "type": "OrderAudit", "payload": payload})
	require.NoError(t, err)
	assert.Equal(t, id, key)
	assert.Equal(t, payload, string(value))

	tests := []struct {
		name   string
		values map[string]interface{}
	}{
		{"missing entry_id", map[string]interface{}{"payload": payload}},
		{"missing payload", map[string]interface{}{"entry_id": id}},
		{"garbage payload", map[string]interface{}{"entry_id": id, "payload": "{"}},
		{"id mismatch", map[string]interface{}{"entry_id": "other", "payload": payload}},
		{"wrong type", map[string]interface{}{"entry_id": 42, "payload": payload}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			_, _, err := parseAuditMessage(tc.values)
			assert.Error(t, err)
		})
	}
}

func getRedisClient(t *testing.T) *rd.Client {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := rd.NewClient(&rd.Options{Addr: addr})
	if err := client.Ping(context.Background()).Err(); err != nil {
		t.Skipf("Redis not available: %v", err)
	}
	return client
}

func TestRelay_ForwardsAndAcks(t *testing.T) {
	client := getRedisClient(t)
	defer client.Close()

	ctx, cancel := context.WithCancel(context.Background())
	stream := "test:relay:" + uuid.NewString()
	defer client.Del(context.Background(), stream)

	ids := []string{uuid.NewString(), uuid.NewString()}
	for _, id := range ids {
		require.NoError(t, client.XAdd(ctx, &rd.XAddArgs{
			Stream: stream,
			Values: map[string]interface{}{"entry_id": id, "type": "OrderAudit", "payload": encodedEntry(t, id)},
		}).Err())
	}
	require.NoError(t, client.XAdd(ctx, &rd.XAddArgs{
		Stream: stream,
		Values: map[string]interface{}{"entry_id": "junk", "payload": "not json"},
	}).Err())

	pub := &fakePublisher{failures: 1}
	m := metrics.NewRegistry()
	relay := NewRelay(client, pub, stream, "relay-test", "c1", zerolog.Nop(), m)

	done := make(chan error, 1)
	go func() { done <- relay.Run(ctx) }()

	require.Eventually(t, func() bool {
		if len(pub.published()) != len(ids) {
			return false
		}
		pending, err := client.XPending(context.Background(), stream, "relay-test").Result()
		return err == nil && pending.Count == 0
	}, 10*time.Second, 50*time.Millisecond)
	cancel()
	require.NoError(t, <-done)

	assert.Equal(t, ids, pub.published())
	assert.Equal(t, 2.0, testutil.ToFloat64(m.RelayPublished))

	// acked entries stay in the stream as the audit record
	n, err := client.XLen(context.Background(), stream).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
}
