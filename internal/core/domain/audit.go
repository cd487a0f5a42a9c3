package domain

import "time"

type AuditLevel string

const (
	LevelInfo    AuditLevel = "INFO"
	LevelWarning AuditLevel = "WARNING"
	LevelError   AuditLevel = "ERROR"
)

type AuditType string

const (
	AuditSystemEvent     AuditType = "SystemEvent"
	AuditOrder           AuditType = "OrderAudit"
	AuditInventoryChange AuditType = "InventoryChange"
)

const (
	ActionCreate = "CREATE"
	ActionCancel = "CANCEL"

	ChangeSale   = "SALE"
	ChangeReturn = "RETURN"
)

// AuditRecord is one of SystemEvent, OrderAudit or InventoryChange.
type AuditRecord interface {
	AuditType() AuditType
}

type SystemEvent struct {
	Level    AuditLevel `json:"level"`
	Category string     `json:"category"`
	Message  string     `json:"message"`
}

func (SystemEvent) AuditType() AuditType { return AuditSystemEvent }

type OrderAudit struct {
	OrderID    string `json:"order_id,omitempty"`
	CustomerID string `json:"customer_id,omitempty"`
	ProductID  string `json:"product_id,omitempty"`
	Action     string `json:"action"`
	Quantity   int    `json:"quantity"`
	Success    bool   `json:"success"`
	ErrorMsg   string `json:"error_msg,omitempty"`
}

func (OrderAudit) AuditType() AuditType { return AuditOrder }

type InventoryChange struct {
	ProductID  string `json:"product_id"`
	ChangeType string `json:"change_type"`
	OldQty     int    `json:"old_qty"`
	NewQty     int    `json:"new_qty"`
	OrderID    string `json:"order_id"`
	Reason     string `json:"reason,omitempty"`
}

func (InventoryChange) AuditType() AuditType { return AuditInventoryChange }

// AuditEntry is the append-only envelope handed to sinks. ID is stable
// across redeliveries so sinks can drop duplicates.
type AuditEntry struct {
	ID         string
	RecordedAt time.Time
	Record     AuditRecord
}
