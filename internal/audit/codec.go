package audit

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

type envelope struct {
	ID         string           `json:"id"`
	RecordedAt time.Time        `json:"recorded_at"`
	Type       domain.AuditType `json:"type"`
	Record     json.RawMessage  `json:"record"`
}

// Encode serializes an entry into the JSON envelope shared by every
// durable sink and the Kafka relay.
func Encode(entry domain.AuditEntry) ([]byte, error) {
	if entry.Record == nil {
		return nil, fmt.Errorf("audit entry %s has no record", entry.ID)
	}
	rec, err := json.Marshal(entry.Record)
	if err != nil {
		return nil, fmt.Errorf("marshal %s record: %w", entry.Record.AuditType(), err)
	}
	return json.Marshal(envelope{
		ID:         entry.ID,
		RecordedAt: entry.RecordedAt.UTC(),
		Type:       entry.Record.AuditType(),
		Record:     rec,
	})
}

func Decode(data []byte) (domain.AuditEntry, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.AuditEntry{}, fmt.Errorf("unmarshal audit envelope: %w", err)
	}

	var rec domain.AuditRecord
	switch env.Type {
	case domain.AuditSystemEvent:
		var r domain.SystemEvent
		if err := json.Unmarshal(env.Record, &r); err != nil {
			return domain.AuditEntry{}, fmt.Errorf("unmarshal system event: %w", err)
		}
		rec = r
	case domain.AuditOrder:
		var r domain.OrderAudit
		if err := json.Unmarshal(env.Record, &r); err != nil {
			return domain.AuditEntry{}, fmt.Errorf("unmarshal order audit: %w", err)
		}
		rec = r
	case domain.AuditInventoryChange:
		var r domain.InventoryChange
		if err := json.Unmarshal(env.Record, &r); err != nil {
			return domain.AuditEntry{}, fmt.Errorf("unmarshal inventory change: %w", err)
		}
		rec = r
	default:
		return domain.AuditEntry{}, fmt.Errorf("unknown audit type %q", env.Type)
	}

	return domain.AuditEntry{ID: env.ID, RecordedAt: env.RecordedAt, Record: rec}, nil
}
