package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Product struct {
	ID       string
	Name     string
	Price    decimal.Decimal
	Category string
}

// Inventory is the per-product stock record. QuantityOnHand never goes
// below zero; stores reject such writes with ErrNegativeStock.
type Inventory struct {
	ProductID      string
	QuantityOnHand int
	UpdatedAt      time.Time
}
