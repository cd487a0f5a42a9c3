package storage

import (
	"context"
	"fmt"
	"time"

	gormmysql "gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/rl1809/order-fulfillment/internal/audit"
	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

// AuditLogModel is one row of the audit_log table.
type AuditLogModel struct {
	ID         uint      `gorm:"primarykey"`
	EntryID    string    `gorm:"size:36;uniqueIndex;not null"`
	RecordedAt time.Time `gorm:"not null;index"`
	Type       string    `gorm:"size:32;not null;index"`
	Level      string    `gorm:"size:16"`
	OrderID    string    `gorm:"size:64;index"`
	ProductID  string    `gorm:"size:64;index"`
	Payload    string    `gorm:"type:text;not null"`
}

func (AuditLogModel) TableName() string { return "audit_log" }

// OpenAuditDB opens the audit archive. driver is sqlite or mysql.
func OpenAuditDB(driver, dsn string) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "mysql":
		normalized, err := NormalizeDSN(dsn)
		if err != nil {
			return nil, err
		}
		dialector = gormmysql.Open(normalized)
	default:
		return nil, fmt.Errorf("unsupported audit db driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	return db, nil
}

// GormAuditSink archives entries in a relational table. Appending an entry
// ID that is already stored is a no-op.
type GormAuditSink struct {
	db *gorm.DB
}

func NewGormAuditSink(db *gorm.DB) *GormAuditSink {
	return &GormAuditSink{db: db}
}

func (s *GormAuditSink) Migrate() error {
	return s.db.AutoMigrate(&AuditLogModel{})
}

func (s *GormAuditSink) Append(ctx context.Context, entry domain.AuditEntry) error {
	payload, err := audit.Encode(entry)
	if err != nil {
		return err
	}

	row := AuditLogModel{
		EntryID:    entry.ID,
		RecordedAt: entry.RecordedAt.UTC(),
		Type:       string(entry.Record.AuditType()),
		Payload:    string(payload),
	}
	switch r := entry.Record.(type) {
	case domain.SystemEvent:
		row.Level = string(r.Level)
	case domain.OrderAudit:
		row.OrderID = r.OrderID
		row.ProductID = r.ProductID
	case domain.InventoryChange:
		row.OrderID = r.OrderID
		row.ProductID = r.ProductID
	}

	err = s.db.WithContext(ctx).
		Clauses(clause.OnConflict{Columns: []clause.Column{{Name: "entry_id"}}, DoNothing: true}).
		Create(&row).Error
	if err != nil {
		return fmt.Errorf("insert audit entry %s: %w", entry.ID, err)
	}
	return nil
}

// ListByOrder returns the archived entries that mention orderID, oldest first.
func (s *GormAuditSink) ListByOrder(ctx context.Context, orderID string) ([]domain.AuditEntry, error) {
	var rows []AuditLogModel
	err := s.db.WithContext(ctx).
		Where("order_id = ?", orderID).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list audit for order %s: %w", orderID, err)
	}

	out := make([]domain.AuditEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := audit.Decode([]byte(row.Payload))
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}
