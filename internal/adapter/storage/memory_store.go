package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rl1809/order-fulfillment/internal/core/domain"
	"github.com/rl1809/order-fulfillment/internal/port"
)

const defaultLockWait = 5 * time.Second

// MemoryStore is an in-process TxRunner with pessimistic per-record locks.
// A transaction buffers its writes and applies them atomically on commit;
// locks are held until InTx returns. Waiting longer than the lock timeout
// fails with domain.ErrConflict, like a lock-wait timeout in MySQL.
type MemoryStore struct {
	lockWait time.Duration
	locks    *lockTable

	mu        sync.RWMutex
	customers map[string]struct{}
	products  map[string]domain.Product
	inventory map[string]domain.Inventory
	orders    map[string]domain.Order
	lines     map[string][]domain.OrderLine

	nextLineID atomic.Int64
	now        func() time.Time
}

func NewMemoryStore(lockWait time.Duration) *MemoryStore {
	if lockWait <= 0 {
		lockWait = defaultLockWait
	}
	return &MemoryStore{
		lockWait:  lockWait,
		locks:     newLockTable(),
		customers: make(map[string]struct{}),
		products:  make(map[string]domain.Product),
		inventory: make(map[string]domain.Inventory),
		orders:    make(map[string]domain.Order),
		lines:     make(map[string][]domain.OrderLine),
		now:       time.Now,
	}
}

func (m *MemoryStore) InTx(ctx context.Context, fn func(tx port.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		store:     m,
		held:      make(map[string]struct{}),
		inventory: make(map[string]int),
		status:    make(map[string]domain.OrderStatus),
	}
	defer tx.releaseAll()

	if err := fn(tx); err != nil {
		return err
	}
	m.commit(tx)
	return nil
}

func (m *MemoryStore) commit(tx *memTx) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for pid, qty := range tx.inventory {
		inv := m.inventory[pid]
		inv.QuantityOnHand = qty
		inv.UpdatedAt = now
		m.inventory[pid] = inv
	}
	for _, o := range tx.orders {
		m.orders[o.ID] = o
	}
	for _, l := range tx.lines {
		m.lines[l.OrderID] = append(m.lines[l.OrderID], l)
	}
	for id, st := range tx.status {
		o := m.orders[id]
		o.Status = st
		m.orders[id] = o
	}
}

// Seeding and inspection helpers. They bypass record locks and are meant
// for setup, tests and the external status collaborator.

func (m *MemoryStore) PutCustomer(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.customers[id] = struct{}{}
}

func (m *MemoryStore) PutProduct(p domain.Product, stock int) error {
	if stock < 0 {
		return fmt.Errorf("seed product %s: %w", p.ID, domain.ErrNegativeStock)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
	m.inventory[p.ID] = domain.Inventory{ProductID: p.ID, QuantityOnHand: stock, UpdatedAt: m.now()}
	return nil
}

func (m *MemoryStore) SetStock(productID string, stock int) error {
	if stock < 0 {
		return fmt.Errorf("set stock for %s: %w", productID, domain.ErrNegativeStock)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	inv, ok := m.inventory[productID]
	if !ok {
		return fmt.Errorf("inventory for %s: %w", productID, domain.ErrNotFound)
	}
	inv.QuantityOnHand = stock
	inv.UpdatedAt = m.now()
	m.inventory[productID] = inv
	return nil
}

// SetOrderStatus performs the shipping transitions (Pending->Shipped->Delivered).
func (m *MemoryStore) SetOrderStatus(orderID string, status domain.OrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	if !o.Status.CanTransitionTo(status) {
		return fmt.Errorf("order %s: invalid transition %s -> %s", orderID, o.Status, status)
	}
	o.Status = status
	m.orders[orderID] = o
	return nil
}

func (m *MemoryStore) Stock(productID string) (int, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	inv, ok := m.inventory[productID]
	return inv.QuantityOnHand, ok
}

func (m *MemoryStore) Order(orderID string) (domain.Order, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[orderID]
	return o, ok
}

func (m *MemoryStore) OrderLines(orderID string) []domain.OrderLine {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.OrderLine, len(m.lines[orderID]))
	copy(out, m.lines[orderID])
	return out
}

func (m *MemoryStore) OrderCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.orders)
}

type memTx struct {
	store *MemoryStore
	held  map[string]struct{}

	inventory map[string]int
	orders    []domain.Order
	lines     []domain.OrderLine
	status    map[string]domain.OrderStatus
}

func (tx *memTx) lock(ctx context.Context, key string) error {
	if _, ok := tx.held[key]; ok {
		return nil
	}
	if err := tx.store.locks.acquire(ctx, key, tx.store.lockWait); err != nil {
		return err
	}
	tx.held[key] = struct{}{}
	return nil
}

func (tx *memTx) releaseAll() {
	for key := range tx.held {
		tx.store.locks.release(key)
	}
}

func (tx *memTx) CustomerExists(_ context.Context, customerID string) (bool, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	_, ok := tx.store.customers[customerID]
	return ok, nil
}

func (tx *memTx) LockProduct(ctx context.Context, productID string) (*domain.Product, error) {
	if err := tx.lock(ctx, "product:"+productID); err != nil {
		return nil, err
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	p, ok := tx.store.products[productID]
	if !ok {
		return nil, fmt.Errorf("product %s: %w", productID, domain.ErrNotFound)
	}
	return &p, nil
}

func (tx *memTx) LockInventory(ctx context.Context, productID string) (int, error) {
	if err := tx.lock(ctx, "inventory:"+productID); err != nil {
		return 0, err
	}
	return tx.ReadInventory(ctx, productID)
}

func (tx *memTx) ReadInventory(_ context.Context, productID string) (int, error) {
	if qty, ok := tx.inventory[productID]; ok {
		return qty, nil
	}
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	inv, ok := tx.store.inventory[productID]
	if !ok {
		return 0, fmt.Errorf("inventory for %s: %w", productID, domain.ErrNotFound)
	}
	return inv.QuantityOnHand, nil
}

func (tx *memTx) UpdateInventory(_ context.Context, productID string, newQuantity int) error {
	if _, ok := tx.held["inventory:"+productID]; !ok {
		return fmt.Errorf("update inventory for %s without holding its lock", productID)
	}
	if newQuantity < 0 {
		return fmt.Errorf("update inventory for %s to %d: %w", productID, newQuantity, domain.ErrNegativeStock)
	}
	tx.inventory[productID] = newQuantity
	return nil
}

func (tx *memTx) CreateOrder(ctx context.Context, order domain.Order) error {
	if !order.Status.Valid() {
		return fmt.Errorf("create order %s: invalid status %q", order.ID, order.Status)
	}
	if _, ok := tx.pendingOrder(order.ID); ok {
		return fmt.Errorf("create order %s: duplicate id", order.ID)
	}
	tx.store.mu.RLock()
	_, exists := tx.store.orders[order.ID]
	tx.store.mu.RUnlock()
	if exists {
		return fmt.Errorf("create order %s: duplicate id", order.ID)
	}
	if err := tx.lock(ctx, "order:"+order.ID); err != nil {
		return err
	}
	tx.orders = append(tx.orders, order)
	return nil
}

func (tx *memTx) CreateOrderLine(_ context.Context, line domain.OrderLine) (int64, error) {
	if line.Quantity <= 0 {
		return 0, fmt.Errorf("create order line: quantity must be positive, got %d", line.Quantity)
	}
	if _, ok := tx.pendingOrder(line.OrderID); !ok {
		if _, err := tx.committedOrder(line.OrderID); err != nil {
			return 0, fmt.Errorf("create order line: %w", err)
		}
	}
	line.ID = tx.store.nextLineID.Add(1)
	tx.lines = append(tx.lines, line)
	return line.ID, nil
}

func (tx *memTx) LockOrder(ctx context.Context, orderID string) (*domain.Order, error) {
	if err := tx.lock(ctx, "order:"+orderID); err != nil {
		return nil, err
	}
	o, ok := tx.pendingOrder(orderID)
	if !ok {
		committed, err := tx.committedOrder(orderID)
		if err != nil {
			return nil, err
		}
		o = committed
	}
	if st, ok := tx.status[orderID]; ok {
		o.Status = st
	}
	return &o, nil
}

func (tx *memTx) ReadOrderLines(_ context.Context, orderID string) ([]domain.OrderLine, error) {
	tx.store.mu.RLock()
	out := append([]domain.OrderLine(nil), tx.store.lines[orderID]...)
	tx.store.mu.RUnlock()
	for _, l := range tx.lines {
		if l.OrderID == orderID {
			out = append(out, l)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (tx *memTx) UpdateOrderStatus(_ context.Context, orderID string, status domain.OrderStatus) error {
	if _, ok := tx.held["order:"+orderID]; !ok {
		return fmt.Errorf("update order %s without holding its lock", orderID)
	}
	if !status.Valid() {
		return fmt.Errorf("update order %s: invalid status %q", orderID, status)
	}
	tx.status[orderID] = status
	return nil
}

func (tx *memTx) pendingOrder(orderID string) (domain.Order, bool) {
	for _, o := range tx.orders {
		if o.ID == orderID {
			return o, true
		}
	}
	return domain.Order{}, false
}

func (tx *memTx) committedOrder(orderID string) (domain.Order, error) {
	tx.store.mu.RLock()
	defer tx.store.mu.RUnlock()
	o, ok := tx.store.orders[orderID]
	if !ok {
		return domain.Order{}, fmt.Errorf("order %s: %w", orderID, domain.ErrNotFound)
	}
	return o, nil
}

// lockTable hands out one exclusive, non-reentrant lock per key. A lock is
// a buffered channel of capacity one: holding it means having sent into it.
type lockTable struct {
	mu    sync.Mutex
	locks map[string]chan struct{}
}

func newLockTable() *lockTable {
	return &lockTable{locks: make(map[string]chan struct{})}
}

func (t *lockTable) slot(key string) chan struct{} {
	t.mu.Lock()
	defer t.mu.Unlock()
	ch, ok := t.locks[key]
	if !ok {
		ch = make(chan struct{}, 1)
		t.locks[key] = ch
	}
	return ch
}

func (t *lockTable) acquire(ctx context.Context, key string, wait time.Duration) error {
	ch := t.slot(key)
	select {
	case ch <- struct{}{}:
		return nil
	default:
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case ch <- struct{}{}:
		return nil
	case <-timer.C:
		return fmt.Errorf("%w: lock wait timeout on %s", domain.ErrConflict, key)
	case <-ctx.Done():
		return fmt.Errorf("wait for lock on %s: %w", key, ctx.Err())
	}
}

func (t *lockTable) release(key string) {
	<-t.slot(key)
}
