package port

import (
	"context"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
)

// TxRunner opens one transaction per call. fn's writes are committed when it
// returns nil and rolled back otherwise; every lock taken through tx is
// released when InTx returns.
type TxRunner interface {
	InTx(ctx context.Context, fn func(tx Tx) error) error
}

// Tx is the transactional view over the catalog, inventory and ledger.
type Tx interface {
	CatalogReader
	InventoryStore
	OrderLedger
}

type CatalogReader interface {
	CustomerExists(ctx context.Context, customerID string) (bool, error)

	// LockProduct reads the product row under an exclusive lock.
	// Returns domain.ErrNotFound when missing.
	LockProduct(ctx context.Context, productID string) (*domain.Product, error)
}

type InventoryStore interface {
	// LockInventory takes the exclusive lock on the product's inventory
	// record and returns quantityOnHand. Returns domain.ErrNotFound when missing.
	LockInventory(ctx context.Context, productID string) (int, error)

	// ReadInventory returns quantityOnHand as seen by this transaction.
	ReadInventory(ctx context.Context, productID string) (int, error)

	// UpdateInventory is valid only while the transaction holds the lock
	// from LockInventory.
	UpdateInventory(ctx context.Context, productID string, newQuantity int) error
}

type OrderLedger interface {
	CreateOrder(ctx context.Context, order domain.Order) error

	// CreateOrderLine persists the line and returns its assigned ID.
	CreateOrderLine(ctx context.Context, line domain.OrderLine) (int64, error)

	// LockOrder reads the order row under an exclusive lock.
	LockOrder(ctx context.Context, orderID string) (*domain.Order, error)

	// ReadOrderLines returns the lines ordered by ID.
	ReadOrderLines(ctx context.Context, orderID string) ([]domain.OrderLine, error)

	UpdateOrderStatus(ctx context.Context, orderID string, status domain.OrderStatus) error
}
