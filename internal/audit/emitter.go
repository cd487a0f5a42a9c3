package audit

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/metrics"
	"github.com/rl1809/order-fulfillment/internal/port"
)

const deliveryTimeout = 5 * time.Second

type EmitterConfig struct {
	QueueSize int
	// MaxAttempts is the number of failed appends after which a stuck entry
	// is logged at error level. Delivery itself keeps going.
	MaxAttempts int
	Backoff     time.Duration
	// MaxBackoff caps the linear redelivery backoff.
	MaxBackoff time.Duration
}

func DefaultEmitterConfig() EmitterConfig {
	return EmitterConfig{QueueSize: 4096, MaxAttempts: 5, Backoff: 100 * time.Millisecond, MaxBackoff: 5 * time.Second}
}

// Emitter is the post-commit audit hook. Emit stamps each record and
// enqueues it without blocking; a single dispatcher goroutine delivers
// entries to the sink in emission order, redelivering the same entry ID
// until the sink accepts it. An entry is lost only when the queue is full
// or Close gives up waiting; both are logged and counted, never surfaced to
// the business caller.
type Emitter struct {
	sink    port.AuditSink
	cfg     EmitterConfig
	log     zerolog.Logger
	metrics *metrics.Registry
	now     func() time.Time

	queue chan domain.AuditEntry
	done  chan struct{}
	stop  chan struct{}

	mu     sync.RWMutex
	closed bool

	pendingMu sync.Mutex
	pending   int
	idle      *sync.Cond
}

func NewEmitter(sink port.AuditSink, cfg EmitterConfig, log zerolog.Logger, m *metrics.Registry) *Emitter {
	def := DefaultEmitterConfig()
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = def.Backoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = def.MaxBackoff
	}
	if m == nil {
		m = metrics.NewRegistry()
	}
	e := &Emitter{
		sink:    sink,
		cfg:     cfg,
		log:     log.With().Str("component", "audit_emitter").Logger(),
		metrics: m,
		now:     time.Now,
		queue:   make(chan domain.AuditEntry, cfg.QueueSize),
		done:    make(chan struct{}),
		stop:    make(chan struct{}),
	}
	e.idle = sync.NewCond(&e.pendingMu)
	go e.dispatchLoop()
	return e
}

func (e *Emitter) Emit(records ...domain.AuditRecord) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, rec := range records {
		if rec == nil {
			continue
		}
		entry := domain.AuditEntry{ID: uuid.NewString(), RecordedAt: e.now(), Record: rec}
		if e.closed {
			e.drop(entry, "emitter closed")
			continue
		}

		e.addPending(1)
		select {
		case e.queue <- entry:
		default:
			e.addPending(-1)
			e.drop(entry, "audit queue full")
		}
	}
}

// Flush blocks until every entry enqueued so far has been delivered or
// given up on.
func (e *Emitter) Flush() {
	e.pendingMu.Lock()
	for e.pending > 0 {
		e.idle.Wait()
	}
	e.pendingMu.Unlock()
}

// Close stops accepting entries, drains the queue and waits for the
// dispatcher to exit. Once ctx is done, redelivery stops and entries the
// sink has not accepted are dropped.
func (e *Emitter) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		<-e.done
		return nil
	}
	e.closed = true
	close(e.queue)
	e.mu.Unlock()

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		close(e.stop)
		<-e.done
		return ctx.Err()
	}
}

func (e *Emitter) dispatchLoop() {
	defer close(e.done)
	for entry := range e.queue {
		e.deliver(entry)
		e.addPending(-1)
	}
}

func (e *Emitter) deliver(entry domain.AuditEntry) {
	for attempt := 1; ; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
		err := e.sink.Append(ctx, entry)
		cancel()
		if err == nil {
			if attempt > e.cfg.MaxAttempts {
				e.log.Info().Str("entry_id", entry.ID).Int("attempts", attempt).Msg("audit sink recovered")
			}
			e.metrics.AuditDelivered.Inc()
			return
		}

		level := zerolog.WarnLevel
		if attempt >= e.cfg.MaxAttempts {
			level = zerolog.ErrorLevel
		}
		e.log.WithLevel(level).Err(err).
			Str("entry_id", entry.ID).
			Str("type", string(entry.Record.AuditType())).
			Int("attempt", attempt).
			Msg("audit append failed, redelivering")
		e.metrics.AuditRedelivered.Inc()

		if !e.sleep(e.backoff(attempt)) {
			e.log.Error().Str("entry_id", entry.ID).Int("attempts", attempt).Msg("audit entry lost on shutdown")
			e.metrics.AuditDropped.Inc()
			return
		}
	}
}

// backoff grows linearly with attempt and is capped at MaxBackoff.
func (e *Emitter) backoff(attempt int) time.Duration {
	if e.cfg.Backoff <= 0 || attempt > int(e.cfg.MaxBackoff/e.cfg.Backoff) {
		return e.cfg.MaxBackoff
	}
	return time.Duration(attempt) * e.cfg.Backoff
}

func (e *Emitter) sleep(d time.Duration) bool {
	if d <= 0 {
		select {
		case <-e.stop:
			return false
		default:
			return true
		}
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-e.stop:
		return false
	}
}

func (e *Emitter) drop(entry domain.AuditEntry, reason string) {
	e.metrics.AuditDropped.Inc()
	e.log.Error().
		Str("entry_id", entry.ID).
		Str("type", string(entry.Record.AuditType())).
		Str("reason", reason).
		Msg("audit entry dropped")
}

func (e *Emitter) addPending(delta int) {
	e.pendingMu.Lock()
	e.pending += delta
	if e.pending == 0 {
		e.idle.Broadcast()
	}
	e.pendingMu.Unlock()
}
