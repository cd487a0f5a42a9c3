package audit

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

// LogSink writes every entry as a structured log line.
type LogSink struct {
	log zerolog.Logger
}

func NewLogSink(log zerolog.Logger) *LogSink {
	return &LogSink{log: log.With().Str("component", "audit").Logger()}
}

func (s *LogSink) Append(_ context.Context, entry domain.AuditEntry) error {
	ev := s.log.Info()
	msg := "audit"
	switch r := entry.Record.(type) {
	case domain.SystemEvent:
		switch r.Level {
		case domain.LevelError:
			ev = s.log.Error()
		case domain.LevelWarning:
			ev = s.log.Warn()
		}
		ev = ev.Str("category", r.Category)
		msg = r.Message
	case domain.OrderAudit:
		ev = ev.Str("order_id", r.OrderID).
			Str("customer_id", r.CustomerID).
			Str("product_id", r.ProductID).
			Str("action", r.Action).
			Int("quantity", r.Quantity).
			Bool("success", r.Success).
			Str("error", r.ErrorMsg)
	case domain.InventoryChange:
		ev = ev.Str("order_id", r.OrderID).
			Str("product_id", r.ProductID).
			Str("change_type", r.ChangeType).
			Int("old_qty", r.OldQty).
			Int("new_qty", r.NewQty).
			Str("reason", r.Reason)
	}
	ev.Str("entry_id", entry.ID).Str("type", string(entry.Record.AuditType())).Msg(msg)
	return nil
}

// MemorySink keeps entries in append order, dropping redelivered IDs.
type MemorySink struct {
	mu      sync.Mutex
	seen    map[string]struct{}
	entries []domain.AuditEntry
}

func NewMemorySink() *MemorySink {
	return &MemorySink{seen: make(map[string]struct{})}
}

func (s *MemorySink) Append(_ context.Context, entry domain.AuditEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, dup := s.seen[entry.ID]; dup {
		return nil
	}
	s.seen[entry.ID] = struct{}{}
	s.entries = append(s.entries, entry)
	return nil
}

func (s *MemorySink) Entries() []domain.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]domain.AuditEntry, len(s.entries))
	copy(out, s.entries)
	return out
}

// Records returns just the record payloads in append order.
func (s *MemorySink) Records() []domain.AuditRecord {
	entries := s.Entries()
	out := make([]domain.AuditRecord, len(entries))
	for i, e := range entries {
		out[i] = e.Record
	}
	return out
}
