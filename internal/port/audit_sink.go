package port

import (
	"context"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

// AuditSink appends audit entries. Implementations must tolerate the same
// entry ID being appended more than once.
type AuditSink interface {
	Append(ctx context.Context, entry domain.AuditEntry) error
}

// AuditPublisher hands records to the audit pipeline after a transaction
// resolves. Emit must not block on sink I/O.
type AuditPublisher interface {
	Emit(records ...domain.AuditRecord)
}
