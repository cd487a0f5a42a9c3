package handler

import (
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/rl1809/order-fulfillment/internal/adapter/storage"
	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/core/service"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// auditRecorder keeps emitted records in memory.
type auditRecorder struct {
	mu      sync.Mutex
	records []domain.AuditRecord
}

func (r *auditRecorder) Emit(records ...domain.AuditRecord) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records = append(r.records, records...)
}

// failedCreates returns the unsuccessful CREATE audits.
func (r *auditRecorder) failedCreates() []domain.OrderAudit {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []domain.OrderAudit
	for _, rec := range r.records {
		if a, ok := rec.(domain.OrderAudit); ok && a.Action == domain.ActionCreate && !a.Success {
			out = append(out, a)
		}
	}
	return out
}

// newTestService returns an engine over a store holding customer c-1 and
// product p-1 with the given stock.
func newTestService(t *testing.T, stock int) (*service.OrderService, *storage.MemoryStore, *auditRecorder) {
	t.Helper()
	store := storage.NewMemoryStore(time.Second)
	store.PutCustomer("c-1")
	require.NoError(t, store.PutProduct(domain.Product{ID: "p-1", Name: "mug", Price: decimal.RequireFromString("4.50")}, stock))
	rec := &auditRecorder{}
	return service.NewOrderService(store, rec, service.WithRetryPolicy(service.RetryPolicy{MaxRetries: 1})), store, rec
}
