package service_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/order-fulfillment/internal/adapter/storage"
	"github.com/rl1809/order-fulfillment/internal/audit"
	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/core/service"
	"github.com/rl1809/order-fulfillment/internal/metrics"
)

func TestOrderService_AuditPipeline(t *testing.T) {
	store := storage.NewMemoryStore(time.Second)
	store.PutCustomer(customerID)
	require.NoError(t, store.PutProduct(domain.Product{ID: productID, Price: decimal.NewFromInt(7)}, 2))

	m := metrics.NewRegistry()
	sink := audit.NewMemorySink()
	emitter := audit.NewEmitter(sink, audit.EmitterConfig{QueueSize: 64, MaxAttempts: 3}, zerolog.Nop(), m)
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		require.NoError(t, emitter.Close(ctx))
	}()

	svc := service.NewOrderService(store, emitter, service.WithMetrics(m))
	ctx := context.Background()

	ok := svc.CreateOrder(ctx, service.CreateOrderRequest{CustomerID: customerID, ProductID: productID, Quantity: 2})
	require.True(t, ok.Success())
	short := svc.CreateOrder(ctx, service.CreateOrderRequest{CustomerID: customerID, ProductID: productID, Quantity: 1})
	require.Equal(t, domain.KindInsufficientStock, short.Kind)
	cancel := svc.CancelOrder(ctx, service.CancelOrderRequest{OrderID: ok.OrderID, Reason: "test"})
	require.True(t, cancel.Success())

	emitter.Flush()

	var types []domain.AuditType
	for _, rec := range sink.Records() {
		types = append(types, rec.AuditType())
	}
	assert.Equal(t, []domain.AuditType{
		domain.AuditOrder, domain.AuditInventoryChange, // create
		domain.AuditOrder, // insufficient stock
		domain.AuditInventoryChange, domain.AuditOrder, // cancel
	}, types)
}
