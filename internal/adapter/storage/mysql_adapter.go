package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/port"
)

// MySQL server error numbers. The first three are the transient conflict class.
const (
	errLockWaitTimeout = 1205
	errDeadlock        = 1213
	errLockNowait      = 3572
	errCheckConstraint = 3819
)

type MySQLAdapter struct {
	db       *sql.DB
	lockWait time.Duration
}

// NewMySQLAdapter wraps db. lockWait is applied per transaction through
// innodb_lock_wait_timeout; values under one second round up to one.
func NewMySQLAdapter(db *sql.DB, lockWait time.Duration) *MySQLAdapter {
	return &MySQLAdapter{db: db, lockWait: lockWait}
}

// NormalizeDSN forces parseTime so DATETIME columns scan into time.Time.
func NormalizeDSN(dsn string) (string, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return "", fmt.Errorf("parse mysql dsn: %w", err)
	}
	cfg.ParseTime = true
	return cfg.FormatDSN(), nil
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS customers (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
	)`,
	`CREATE TABLE IF NOT EXISTS products (
		id VARCHAR(64) PRIMARY KEY,
		name VARCHAR(255) NOT NULL,
		price DECIMAL(12,2) NOT NULL,
		category VARCHAR(128) NOT NULL DEFAULT ''
	)`,
	`CREATE TABLE IF NOT EXISTS inventory (
		product_id VARCHAR(64) PRIMARY KEY,
		quantity_on_hand INT NOT NULL,
		updated_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP ON UPDATE CURRENT_TIMESTAMP,
		CONSTRAINT chk_inventory_non_negative CHECK (quantity_on_hand >= 0),
		CONSTRAINT fk_inventory_product FOREIGN KEY (product_id) REFERENCES products (id)
	)`,
	`CREATE TABLE IF NOT EXISTS orders (
		id VARCHAR(64) PRIMARY KEY,
		customer_id VARCHAR(64) NOT NULL,
		order_date DATETIME(6) NOT NULL,
		total_amount DECIMAL(14,2) NOT NULL,
		status ENUM('Pending','Shipped','Delivered','Cancelled') NOT NULL,
		INDEX idx_orders_customer (customer_id),
		CONSTRAINT fk_orders_customer FOREIGN KEY (customer_id) REFERENCES customers (id)
	)`,
	`CREATE TABLE IF NOT EXISTS order_lines (
		id BIGINT AUTO_INCREMENT PRIMARY KEY,
		order_id VARCHAR(64) NOT NULL,
		product_id VARCHAR(64) NOT NULL,
		quantity INT NOT NULL,
		price_at_purchase DECIMAL(12,2) NOT NULL,
		INDEX idx_order_lines_order (order_id),
		CONSTRAINT chk_order_lines_quantity CHECK (quantity > 0),
		CONSTRAINT fk_order_lines_order FOREIGN KEY (order_id) REFERENCES orders (id),
		CONSTRAINT fk_order_lines_product FOREIGN KEY (product_id) REFERENCES products (id)
	)`,
}

// Migrate creates the tables the adapter reads and writes.
func (m *MySQLAdapter) Migrate(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := m.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func (m *MySQLAdapter) InTx(ctx context.Context, fn func(tx port.Tx) error) error {
	conn, err := m.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire conn: %w", classifyMySQLError(err))
	}
	defer conn.Close()

	if m.lockWait > 0 {
		secs := int((m.lockWait + time.Second - 1) / time.Second)
		if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET SESSION innodb_lock_wait_timeout = %d", secs)); err != nil {
			return fmt.Errorf("set lock wait timeout: %w", classifyMySQLError(err))
		}
	}

	sqlTx, err := conn.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", classifyMySQLError(err))
	}
	defer sqlTx.Rollback()

	if err := fn(&mysqlTx{tx: sqlTx}); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", classifyMySQLError(err))
	}
	return nil
}

type mysqlTx struct {
	tx *sql.Tx
}

func (t *mysqlTx) CustomerExists(ctx context.Context, customerID string) (bool, error) {
	var one int
	err := t.tx.QueryRowContext(ctx, `SELECT 1 FROM customers WHERE id = ?`, customerID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("query customer: %w", classifyMySQLError(err))
	}
	return true, nil
}

func (t *mysqlTx) LockProduct(ctx context.Context, productID string) (*domain.Product, error) {
	var p domain.Product
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, name, price, category
		FROM products WHERE id = ? FOR UPDATE`, productID,
	).Scan(&p.ID, &p.Name, &p.Price, &p.Category)
	if err != nil {
		return nil, fmt.Errorf("lock product %s: %w", productID, classifyMySQLError(err))
	}
	return &p, nil
}

func (t *mysqlTx) LockInventory(ctx context.Context, productID string) (int, error) {
	var qty int
	err := t.tx.QueryRowContext(ctx, `
		SELECT quantity_on_hand FROM inventory WHERE product_id = ? FOR UPDATE`, productID,
	).Scan(&qty)
	if err != nil {
		return 0, fmt.Errorf("lock inventory %s: %w", productID, classifyMySQLError(err))
	}
	return qty, nil
}

func (t *mysqlTx) ReadInventory(ctx context.Context, productID string) (int, error) {
	var qty int
	err := t.tx.QueryRowContext(ctx, `
		SELECT quantity_on_hand FROM inventory WHERE product_id = ?`, productID,
	).Scan(&qty)
	if err != nil {
		return 0, fmt.Errorf("read inventory %s: %w", productID, classifyMySQLError(err))
	}
	return qty, nil
}

func (t *mysqlTx) UpdateInventory(ctx context.Context, productID string, newQuantity int) error {
	if newQuantity < 0 {
		return fmt.Errorf("update inventory %s to %d: %w", productID, newQuantity, domain.ErrNegativeStock)
	}
	result, err := t.tx.ExecContext(ctx, `
		UPDATE inventory SET quantity_on_hand = ?, updated_at = NOW()
		WHERE product_id = ?`, newQuantity, productID,
	)
	if err != nil {
		return fmt.Errorf("update inventory %s: %w", productID, classifyMySQLError(err))
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("update inventory %s: %w", productID, domain.ErrNotFound)
	}
	return nil
}

func (t *mysqlTx) CreateOrder(ctx context.Context, order domain.Order) error {
	_, err := t.tx.ExecContext(ctx, `
		INSERT INTO orders (id, customer_id, order_date, total_amount, status)
		VALUES (?, ?, ?, ?, ?)`,
		order.ID, order.CustomerID, order.OrderDate.UTC(), order.TotalAmount, string(order.Status),
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", classifyMySQLError(err))
	}
	return nil
}

func (t *mysqlTx) CreateOrderLine(ctx context.Context, line domain.OrderLine) (int64, error) {
	result, err := t.tx.ExecContext(ctx, `
		INSERT INTO order_lines (order_id, product_id, quantity, price_at_purchase)
		VALUES (?, ?, ?, ?)`,
		line.OrderID, line.ProductID, line.Quantity, line.PriceAtPurchase,
	)
	if err != nil {
		return 0, fmt.Errorf("insert order line: %w", classifyMySQLError(err))
	}
	id, err := result.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("order line id: %w", err)
	}
	return id, nil
}

func (t *mysqlTx) LockOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	var (
		o      domain.Order
		status string
	)
	err := t.tx.QueryRowContext(ctx, `
		SELECT id, customer_id, order_date, total_amount, status
		FROM orders WHERE id = ? FOR UPDATE`, orderID,
	).Scan(&o.ID, &o.CustomerID, &o.OrderDate, &o.TotalAmount, &status)
	if err != nil {
		return nil, fmt.Errorf("lock order %s: %w", orderID, classifyMySQLError(err))
	}
	o.Status = domain.OrderStatus(status)
	return &o, nil
}

func (t *mysqlTx) ReadOrderLines(ctx context.Context, orderID string) ([]domain.OrderLine, error) {
	rows, err := t.tx.QueryContext(ctx, `
		SELECT id, order_id, product_id, quantity, price_at_purchase
		FROM order_lines WHERE order_id = ? ORDER BY id`, orderID,
	)
	if err != nil {
		return nil, fmt.Errorf("query order lines: %w", classifyMySQLError(err))
	}
	defer rows.Close()

	var lines []domain.OrderLine
	for rows.Next() {
		var l domain.OrderLine
		if err := rows.Scan(&l.ID, &l.OrderID, &l.ProductID, &l.Quantity, &l.PriceAtPurchase); err != nil {
			return nil, fmt.Errorf("scan order line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate order lines: %w", classifyMySQLError(err))
	}
	return lines, nil
}

func (t *mysqlTx) UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) error {
	if !status.Valid() {
		return fmt.Errorf("update order %s: invalid status %q", orderID, status)
	}
	result, err := t.tx.ExecContext(ctx, `UPDATE orders SET status = ? WHERE id = ?`, string(status), orderID)
	if err != nil {
		return fmt.Errorf("update order %s: %w", orderID, classifyMySQLError(err))
	}
	if rows, _ := result.RowsAffected(); rows == 0 {
		return fmt.Errorf("update order %s: %w", orderID, domain.ErrNotFound)
	}
	return nil
}

// classifyMySQLError maps driver errors onto the domain sentinels while
// keeping the original error in the chain.
func classifyMySQLError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", domain.ErrNotFound, err)
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		switch me.Number {
		case errLockWaitTimeout, errDeadlock, errLockNowait:
			return fmt.Errorf("%w: %w", domain.ErrConflict, err)
		case errCheckConstraint:
			return fmt.Errorf("%w: %w", domain.ErrNegativeStock, err)
		}
	}
	return err
}
