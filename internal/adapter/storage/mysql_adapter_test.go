package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/port"
)

func getMySQLDB(t *testing.T) *sql.DB {
	dsn := os.Getenv("MYSQL_DSN")
	if dsn == "" {
		dsn = "root:root@tcp(localhost:3306)/fulfillment"
	}
	dsn, err := NormalizeDSN(dsn)
	if err != nil {
		t.Fatalf("NormalizeDSN failed: %v", err)
	}

	db, err := sql.Open("mysql", dsn)
	if err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	if err := db.Ping(); err != nil {
		t.Skipf("MySQL not available: %v", err)
	}

	return db
}

func TestNormalizeDSN(t *testing.T) {
	tests := []struct {
		name string
		dsn  string
	}{
		{"without parseTime", "root:root@tcp(localhost:3306)/fulfillment"},
		{"parseTime disabled", "root:root@tcp(localhost:3306)/fulfillment?parseTime=false&timeout=5s"},
		{"already enabled", "root:root@tcp(localhost:3306)/fulfillment?parseTime=true"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := NormalizeDSN(tc.dsn)
			if err != nil {
				t.Fatalf("NormalizeDSN failed: %v", err)
			}
			cfg, err := mysql.ParseDSN(got)
			if err != nil {
				t.Fatalf("normalized DSN does not parse: %v", err)
			}
			if !cfg.ParseTime {
				t.Errorf("expected parseTime=true in %s", got)
			}
			if cfg.DBName != "fulfillment" || cfg.Addr != "localhost:3306" {
				t.Errorf("DSN target changed: %s", got)
			}
		})
	}

	if _, err := NormalizeDSN("not a dsn"); err == nil {
		t.Error("expected error for malformed DSN")
	}
}

// seedMySQL creates a customer and a product with the given stock, returning
// their IDs.
func seedMySQL(t *testing.T, db *sql.DB, stock int) (customerID, productID string) {
	t.Helper()
	ctx := context.Background()
	adapter := NewMySQLAdapter(db, time.Second)
	if err := adapter.Migrate(ctx); err != nil {
		t.Fatalf("migrate failed: %v", err)
	}

	customerID = "cust-" + uuid.NewString()[:8]
	productID = "prod-" + uuid.NewString()[:8]
	if _, err := db.ExecContext(ctx, `INSERT INTO customers (id, name) VALUES (?, 'test')`, customerID); err != nil {
		t.Fatalf("seed customer: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO products (id, name, price, category) VALUES (?, 'widget', 12.50, 'test')`, productID); err != nil {
		t.Fatalf("seed product: %v", err)
	}
	if _, err := db.ExecContext(ctx, `INSERT INTO inventory (product_id, quantity_on_hand) VALUES (?, ?)`, productID, stock); err != nil {
		t.Fatalf("seed inventory: %v", err)
	}
	return customerID, productID
}

func TestClassifyMySQLError(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		target error
	}{
		{"lock wait timeout", &mysql.MySQLError{Number: 1205, Message: "Lock wait timeout exceeded"}, domain.ErrConflict},
		{"deadlock", &mysql.MySQLError{Number: 1213, Message: "Deadlock found"}, domain.ErrConflict},
		{"nowait", &mysql.MySQLError{Number: 3572, Message: "NOWAIT"}, domain.ErrConflict},
		{"check constraint", &mysql.MySQLError{Number: 3819, Message: "Check constraint violated"}, domain.ErrNegativeStock},
		{"no rows", sql.ErrNoRows, domain.ErrNotFound},
		{"wrapped deadlock", fmt.Errorf("exec: %w", &mysql.MySQLError{Number: 1213}), domain.ErrConflict},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got := classifyMySQLError(tc.err)
			if !errors.Is(got, tc.target) {
				t.Errorf("expected %v in chain, got %v", tc.target, got)
			}
			if !errors.Is(got, tc.err) {
				t.Errorf("original error dropped from chain: %v", got)
			}
		})
	}

	other := &mysql.MySQLError{Number: 1146, Message: "Table doesn't exist"}
	if got := classifyMySQLError(other); errors.Is(got, domain.ErrConflict) || errors.Is(got, domain.ErrNotFound) {
		t.Errorf("unexpected classification for 1146: %v", got)
	}
}

func TestMySQL_CreateAndReadOrder(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	customerID, productID := seedMySQL(t, db, 10)
	adapter := NewMySQLAdapter(db, time.Second)

	orderID := uuid.NewString()
	err := adapter.InTx(ctx, func(tx port.Tx) error {
		ok, err := tx.CustomerExists(ctx, customerID)
		if err != nil || !ok {
			return fmt.Errorf("customer lookup: ok=%v err=%w", ok, err)
		}
		p, err := tx.LockProduct(ctx, productID)
		if err != nil {
			return err
		}
		qty, err := tx.LockInventory(ctx, productID)
		if err != nil {
			return err
		}
		line := domain.OrderLine{OrderID: orderID, ProductID: productID, Quantity: 3, PriceAtPurchase: p.Price}
		order := domain.Order{
			ID:          orderID,
			CustomerID:  customerID,
			OrderDate:   time.Now(),
			TotalAmount: domain.OrderTotal([]domain.OrderLine{line}),
			Status:      domain.OrderStatusPending,
		}
		if err := tx.CreateOrder(ctx, order); err != nil {
			return err
		}
		if _, err := tx.CreateOrderLine(ctx, line); err != nil {
			return err
		}
		return tx.UpdateInventory(ctx, productID, qty-3)
	})
	if err != nil {
		t.Fatalf("InTx failed: %v", err)
	}

	var stock int
	db.QueryRowContext(ctx, `SELECT quantity_on_hand FROM inventory WHERE product_id = ?`, productID).Scan(&stock)
	if stock != 7 {
		t.Errorf("expected stock 7, got %d", stock)
	}

	err = adapter.InTx(ctx, func(tx port.Tx) error {
		o, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		if o.Status != domain.OrderStatusPending {
			t.Errorf("expected Pending, got %s", o.Status)
		}
		if !o.TotalAmount.Equal(decimal.RequireFromString("37.50")) {
			t.Errorf("expected total 37.50, got %s", o.TotalAmount)
		}
		lines, err := tx.ReadOrderLines(ctx, orderID)
		if err != nil {
			return err
		}
		if len(lines) != 1 || lines[0].Quantity != 3 || lines[0].ID == 0 {
			t.Errorf("unexpected lines: %+v", lines)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read back failed: %v", err)
	}
}

func TestMySQL_RollbackOnError(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	_, productID := seedMySQL(t, db, 5)
	adapter := NewMySQLAdapter(db, time.Second)

	boom := errors.New("boom")
	err := adapter.InTx(ctx, func(tx port.Tx) error {
		if _, err := tx.LockInventory(ctx, productID); err != nil {
			return err
		}
		if err := tx.UpdateInventory(ctx, productID, 0); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var stock int
	db.QueryRowContext(ctx, `SELECT quantity_on_hand FROM inventory WHERE product_id = ?`, productID).Scan(&stock)
	if stock != 5 {
		t.Errorf("expected stock unchanged at 5, got %d", stock)
	}
}

func TestMySQL_LockWaitTimeoutIsConflict(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	_, productID := seedMySQL(t, db, 5)
	adapter := NewMySQLAdapter(db, time.Second)

	locked := make(chan struct{})
	release := make(chan struct{})
	holderDone := make(chan error, 1)
	go func() {
		holderDone <- adapter.InTx(ctx, func(tx port.Tx) error {
			if _, err := tx.LockInventory(ctx, productID); err != nil {
				return err
			}
			close(locked)
			<-release
			return nil
		})
	}()
	<-locked

	err := adapter.InTx(ctx, func(tx port.Tx) error {
		_, err := tx.LockInventory(ctx, productID)
		return err
	})
	close(release)

	if !errors.Is(err, domain.ErrConflict) {
		t.Errorf("expected ErrConflict, got %v", err)
	}
	if err := <-holderDone; err != nil {
		t.Errorf("holder failed: %v", err)
	}
}

func TestMySQL_NotFound(t *testing.T) {
	db := getMySQLDB(t)
	defer db.Close()

	ctx := context.Background()
	seedMySQL(t, db, 1)
	adapter := NewMySQLAdapter(db, time.Second)

	err := adapter.InTx(ctx, func(tx port.Tx) error {
		if _, err := tx.LockProduct(ctx, "missing-product"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("LockProduct: expected ErrNotFound, got %v", err)
		}
		if _, err := tx.LockOrder(ctx, "missing-order"); !errors.Is(err, domain.ErrNotFound) {
			t.Errorf("LockOrder: expected ErrNotFound, got %v", err)
		}
		if ok, err := tx.CustomerExists(ctx, "missing-customer"); err != nil || ok {
			t.Errorf("CustomerExists: expected false, got %v %v", ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("InTx failed: %v", err)
	}
}
