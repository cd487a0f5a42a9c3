package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// flakySink fails the first `failures` appends of every entry ID.
type flakySink struct {
	mu       sync.Mutex
	failures int
	calls    map[string]int
	inner    *MemorySink
}

func newFlakySink(failures int) *flakySink {
	return &flakySink{failures: failures, calls: make(map[string]int), inner: NewMemorySink()}
}

func (s *flakySink) Append(ctx context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	s.calls[entry.ID]++
	n := s.calls[entry.ID]
	s.mu.Unlock()
	if n <= s.failures {
		return errors.New("sink unavailable")
	}
	return s.inner.Append(ctx, entry)
}

// blockingSink holds every append until release is closed.
type blockingSink struct {
	release chan struct{}
	inner   *MemorySink
}

func (s *blockingSink) Append(ctx context.Context, entry domain.AuditEntry) error {
	<-s.release
	return s.inner.Append(ctx, entry)
}

func closeEmitter(t *testing.T, e *Emitter) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))
}

func TestEmitter_DeliversInOrder(t *testing.T) {
	sink := NewMemorySink()
	m := metrics.NewRegistry()
	e := NewEmitter(sink, EmitterConfig{QueueSize: 16, MaxAttempts: 1}, zerolog.Nop(), m)
	defer closeEmitter(t, e)

	e.Emit(
		domain.OrderAudit{OrderID: "o1", Action: domain.ActionCreate, Quantity: 2, Success: true},
		domain.InventoryChange{ProductID: "p1", ChangeType: domain.ChangeSale, OldQty: 5, NewQty: 3, OrderID: "o1"},
	)
	e.Flush()

	recs := sink.Records()
	require.Len(t, recs, 2)
	assert.IsType(t, domain.OrderAudit{}, recs[0])
	assert.IsType(t, domain.InventoryChange{}, recs[1])
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AuditDelivered))

	entries := sink.Entries()
	assert.NotEqual(t, entries[0].ID, entries[1].ID)
	assert.False(t, entries[0].RecordedAt.IsZero())
}

func TestEmitter_RedeliversSameEntry(t *testing.T) {
	sink := newFlakySink(2)
	m := metrics.NewRegistry()
	e := NewEmitter(sink, EmitterConfig{QueueSize: 4, MaxAttempts: 3, Backoff: time.Millisecond}, zerolog.Nop(), m)
	defer closeEmitter(t, e)

	e.Emit(domain.SystemEvent{Level: domain.LevelInfo, Category: "test", Message: "hello"})
	e.Flush()

	require.Len(t, sink.inner.Entries(), 1)
	assert.Equal(t, 2.0, testutil.ToFloat64(m.AuditRedelivered))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.AuditDropped))
}

func TestEmitter_KeepsRedeliveringPastMaxAttempts(t *testing.T) {
	cfg := DefaultEmitterConfig()
	cfg.Backoff = time.Millisecond
	sink := newFlakySink(3 * cfg.MaxAttempts)
	m := metrics.NewRegistry()
	e := NewEmitter(sink, cfg, zerolog.Nop(), m)
	defer closeEmitter(t, e)

	e.Emit(domain.OrderAudit{OrderID: "o-1", Action: domain.ActionCreate, Quantity: 1, Success: true})
	e.Flush()

	require.Len(t, sink.inner.Entries(), 1)
	assert.IsType(t, domain.OrderAudit{}, sink.inner.Records()[0])
	assert.Equal(t, float64(3*cfg.MaxAttempts), testutil.ToFloat64(m.AuditRedelivered))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.AuditDropped))
}

func TestEmitter_DropsOnlyWhenCloseDeadlineExpires(t *testing.T) {
	sink := newFlakySink(1 << 30)
	m := metrics.NewRegistry()
	e := NewEmitter(sink, EmitterConfig{QueueSize: 4, MaxAttempts: 1, Backoff: 5 * time.Millisecond, MaxBackoff: 10 * time.Millisecond}, zerolog.Nop(), m)

	e.Emit(domain.SystemEvent{Level: domain.LevelError, Category: "test", Message: "stuck"})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 0.0, testutil.ToFloat64(m.AuditDropped), "no drop while the emitter is open")

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := e.Close(ctx)

	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Empty(t, sink.inner.Entries())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditDropped))
}

func TestEmitter_BackoffIsCapped(t *testing.T) {
	e := &Emitter{cfg: EmitterConfig{Backoff: 100 * time.Millisecond, MaxBackoff: 250 * time.Millisecond}}
	assert.Equal(t, 100*time.Millisecond, e.backoff(1))
	assert.Equal(t, 200*time.Millisecond, e.backoff(2))
	assert.Equal(t, 250*time.Millisecond, e.backoff(3))
	assert.Equal(t, 250*time.Millisecond, e.backoff(1<<40))
}

func TestEmitter_FullQueueDropsWithoutBlocking(t *testing.T) {
	sink := &blockingSink{release: make(chan struct{}), inner: NewMemorySink()}
	m := metrics.NewRegistry()
	e := NewEmitter(sink, EmitterConfig{QueueSize: 1, MaxAttempts: 1}, zerolog.Nop(), m)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			e.Emit(domain.SystemEvent{Level: domain.LevelInfo, Message: "burst"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Emit blocked on a stalled sink")
	}

	close(sink.release)
	e.Flush()
	closeEmitter(t, e)

	delivered := len(sink.inner.Entries())
	dropped := int(testutil.ToFloat64(m.AuditDropped))
	assert.Equal(t, 10, delivered+dropped)
	assert.Greater(t, dropped, 0)
}

func TestEmitter_EmitAfterCloseIsDropped(t *testing.T) {
	sink := NewMemorySink()
	m := metrics.NewRegistry()
	e := NewEmitter(sink, EmitterConfig{}, zerolog.Nop(), m)
	closeEmitter(t, e)

	e.Emit(domain.SystemEvent{Level: domain.LevelInfo, Message: "late"})

	assert.Empty(t, sink.Entries())
	assert.Equal(t, 1.0, testutil.ToFloat64(m.AuditDropped))
	// second Close is a no-op
	closeEmitter(t, e)
}

func TestMemorySink_DeduplicatesByID(t *testing.T) {
	sink := NewMemorySink()
	entry := domain.AuditEntry{ID: "same", Record: domain.SystemEvent{Message: "x"}}
	require.NoError(t, sink.Append(context.Background(), entry))
	require.NoError(t, sink.Append(context.Background(), entry))
	assert.Len(t, sink.Entries(), 1)
}
