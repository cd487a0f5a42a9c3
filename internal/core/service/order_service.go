package service

import (
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/rl1809/order-fulfillment/internal/metrics"
	"github.com/rl1809/order-fulfillment/internal/port"
)

const tracerName = "github.com/rl1809/order-fulfillment/internal/core/service"

// OrderService is the fulfillment engine. It holds no business state
// between calls; everything is re-read under lock inside each transaction.
type OrderService struct {
	store   port.TxRunner
	audit   port.AuditPublisher
	policy  RetryPolicy
	log     zerolog.Logger
	metrics *metrics.Registry
	tracer  trace.Tracer
	now     func() time.Time
	newID   func() string
}

type Option func(*OrderService)

func WithRetryPolicy(p RetryPolicy) Option {
	return func(s *OrderService) { s.policy = p }
}

func WithLogger(log zerolog.Logger) Option {
	return func(s *OrderService) { s.log = log }
}

func WithMetrics(m *metrics.Registry) Option {
	return func(s *OrderService) { s.metrics = m }
}

func WithTracer(t trace.Tracer) Option {
	return func(s *OrderService) { s.tracer = t }
}

func WithClock(now func() time.Time) Option {
	return func(s *OrderService) { s.now = now }
}

func WithIDGenerator(newID func() string) Option {
	return func(s *OrderService) { s.newID = newID }
}

func NewOrderService(store port.TxRunner, audit port.AuditPublisher, opts ...Option) *OrderService {
	s := &OrderService{
		store:  store,
		audit:  audit,
		policy: DefaultRetryPolicy(),
		log:    zerolog.Nop(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.metrics == nil {
		s.metrics = metrics.NewRegistry()
	}
	if s.tracer == nil {
		s.tracer = otel.Tracer(tracerName)
	}
	s.log = s.log.With().Str("component", "order_service").Logger()
	return s
}
