package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"storefront/internal/models"
)

// Memory is an in-process Repository for local runs and tests. Row locks
// are emulated with one lock per row, taken in the caller's order and held
// until the end of RunInTx; writes of a transaction are applied on commit.
type Memory struct {
	mu sync.Mutex

	products  map[int64]models.Product
	orders    map[int64]*models.Order
	carts     map[int64]int64 // owner -> open order
	txs       map[int64]*models.Transaction
	txByOrder map[int64]int64

	nextOrderID int64
	nextTxID    int64

	rowsMu sync.Mutex
	rows   map[string]chan struct{}

	// onLock observes every row lock request; tests use it to check lock order
	onLock func(row string)
}

// NewMemory creates an empty in-memory store
func NewMemory() *Memory {
	return &Memory{
		products:  make(map[int64]models.Product),
		orders:    make(map[int64]*models.Order),
		carts:     make(map[int64]int64),
		txs:       make(map[int64]*models.Transaction),
		txByOrder: make(map[int64]int64),
		rows:      make(map[string]chan struct{}),
	}
}

// PutProduct inserts or replaces a product
func (m *Memory) PutProduct(p models.Product) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products[p.ID] = p
}

func (m *Memory) Ping(context.Context) error { return nil }
func (m *Memory) Close() error               { return nil }

func (m *Memory) GetProduct(_ context.Context, id int64) (*models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.products[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &p, nil
}

func (m *Memory) GetProductsByIDs(_ context.Context, ids []int64) (map[int64]models.Product, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[int64]models.Product, len(ids))
	for _, id := range ids {
		if p, ok := m.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (m *Memory) GetStock(ctx context.Context, ids []int64) (map[int64]int, error) {
	products, _ := m.GetProductsByIDs(ctx, ids)
	out := make(map[int64]int, len(products))
	for id, p := range products {
		out[id] = p.Stock
	}
	return out, nil
}

func (m *Memory) GetCart(_ context.Context, ownerID int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id, ok := m.carts[ownerID]
	if !ok {
		return nil, ErrNotFound
	}
	return copyOrder(m.orders[id]), nil
}

func (m *Memory) GetOrCreateCart(_ context.Context, ownerID int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.carts[ownerID]; ok {
		return copyOrder(m.orders[id]), nil
	}

	m.nextOrderID++
	order := &models.Order{
		ID:        m.nextOrderID,
		OwnerID:   ownerID,
		CreatedAt: time.Now().UTC(),
		Items:     []models.OrderItem{},
	}
	m.orders[order.ID] = order
	m.carts[ownerID] = order.ID
	return copyOrder(order), nil
}

func (m *Memory) GetOrder(_ context.Context, ownerID, orderID int64) (*models.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	order, ok := m.orders[orderID]
	if !ok || order.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return copyOrder(order), nil
}

func (m *Memory) ListOrders(_ context.Context, ownerID int64) ([]models.OrderSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.OrderSummary{}
	for _, tx := range m.txs {
		if tx.OwnerID != ownerID {
			continue
		}
		out = append(out, models.OrderSummary{
			OrderID:       tx.OrderID,
			TransactionID: tx.ID,
			Status:        tx.Status,
			CreatedAt:     tx.CreatedAt,
			Amount:        tx.Amount,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TransactionID > out[j].TransactionID })
	return out, nil
}

func (m *Memory) GetTransaction(_ context.Context, ownerID, txID int64) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[txID]
	if !ok || tx.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return copyTransaction(tx), nil
}

func (m *Memory) GetTransactionForOrder(_ context.Context, ownerID, orderID int64) (*models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tx, ok := m.txs[m.txByOrder[orderID]]
	if !ok || tx.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return copyTransaction(tx), nil
}

func (m *Memory) ListPendingTransactions(_ context.Context, olderThan time.Time, limit int) ([]models.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := []models.Transaction{}
	for _, tx := range m.txs {
		if tx.Status == models.StatusCreated && tx.HasReference() && tx.CreatedAt.Before(olderThan) {
			out = append(out, *copyTransaction(tx))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) PatchItems(ctx context.Context, ownerID, orderID int64, patch models.OrderPatch) error {
	return m.RunInTx(ctx, func(t Tx) error {
		tx := t.(*memTx)
		if err := tx.lock(ctx, orderRow(orderID)); err != nil {
			return err
		}

		m.mu.Lock()
		order, ok := m.orders[orderID]
		if !ok || order.OwnerID != ownerID || order.Committed {
			m.mu.Unlock()
			return nil
		}
		items := make(map[int64]models.OrderItem, len(order.Items))
		for _, item := range order.Items {
			items[item.ProductID] = item
		}
		for _, productID := range patchProductIDs(patch) {
			quantity := patch.Items[productID]
			if quantity <= models.DeleteItem {
				delete(items, productID)
				continue
			}
			p, ok := m.products[productID]
			if !ok {
				m.mu.Unlock()
				return fmt.Errorf("product %d: %w", productID, ErrNotFound)
			}
			items[productID] = models.OrderItem{ProductID: productID, Quantity: quantity, Price: p.Price}
		}
		m.mu.Unlock()

		tx.stage(func() {
			if patch.ShippingAddress != nil {
				order.ShippingAddress = *patch.ShippingAddress
			}
			if patch.Country != nil {
				order.Country = *patch.Country
			}
			order.Items = make([]models.OrderItem, 0, len(items))
			for _, id := range sortedKeys(items) {
				order.Items = append(order.Items, items[id])
			}
		})
		return nil
	})
}

func (m *Memory) UpdateTransaction(ctx context.Context, txID int64, patch models.TransactionPatch) (bool, error) {
	var applied bool
	err := m.RunInTx(ctx, func(t Tx) error {
		if err := t.(*memTx).lock(ctx, txRow(txID)); err != nil {
			return err
		}

		m.mu.Lock()
		defer m.mu.Unlock()

		tx, ok := m.txs[txID]
		if !ok {
			return nil
		}
		if patch.Status != nil {
			if tx.Status != models.StatusCreated {
				return nil
			}
			tx.Status = *patch.Status
		}
		if patch.SettledAt != nil {
			settled := *patch.SettledAt
			tx.SettledAt = &settled
		}
		if patch.Reference != nil {
			ref := *patch.Reference
			tx.Reference = &ref
		}
		if patch.PaymentMethod != nil {
			method := *patch.PaymentMethod
			tx.PaymentMethod = &method
		}
		applied = patch.Status != nil || patch.SettledAt != nil || patch.Reference != nil || patch.PaymentMethod != nil
		return nil
	})
	return applied, err
}

func (m *Memory) RunInTx(ctx context.Context, fn func(Tx) error) error {
	tx := &memTx{m: m, held: make(map[string]chan struct{})}
	defer tx.unlockAll()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	for _, apply := range tx.writes {
		apply()
	}
	m.mu.Unlock()
	return nil
}

func (m *Memory) row(name string) chan struct{} {
	m.rowsMu.Lock()
	defer m.rowsMu.Unlock()

	ch, ok := m.rows[name]
	if !ok {
		ch = make(chan struct{}, 1)
		m.rows[name] = ch
	}
	return ch
}

func orderRow(id int64) string   { return fmt.Sprintf("order:%d", id) }
func productRow(id int64) string { return fmt.Sprintf("product:%d", id) }
func txRow(id int64) string      { return fmt.Sprintf("tx:%d", id) }

type memTx struct {
	m      *Memory
	held   map[string]chan struct{}
	writes []func()
}

func (t *memTx) lock(ctx context.Context, row string) error {
	if _, ok := t.held[row]; ok {
		return nil
	}
	if t.m.onLock != nil {
		t.m.onLock(row)
	}

	ch := t.m.row(row)
	select {
	case ch <- struct{}{}:
		t.held[row] = ch
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *memTx) unlockAll() {
	for row, ch := range t.held {
		<-ch
		delete(t.held, row)
	}
}

// stage queues a write applied under the store mutex on commit
func (t *memTx) stage(apply func()) {
	t.writes = append(t.writes, apply)
}

func (t *memTx) LockCart(ctx context.Context, ownerID int64) (*models.Order, error) {
	t.m.mu.Lock()
	id, ok := t.m.carts[ownerID]
	t.m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	if err := t.lock(ctx, orderRow(id)); err != nil {
		return nil, err
	}

	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	order := t.m.orders[id]
	if order.Committed {
		return nil, ErrNotFound
	}
	return copyOrder(order), nil
}

func (t *memTx) LockTransactionForOrder(ctx context.Context, orderID int64) (*models.Transaction, error) {
	t.m.mu.Lock()
	txID, ok := t.m.txByOrder[orderID]
	t.m.mu.Unlock()
	if !ok {
		return nil, ErrNotFound
	}

	if err := t.lock(ctx, txRow(txID)); err != nil {
		return nil, err
	}

	t.m.mu.Lock()
	defer t.m.mu.Unlock()
	return copyTransaction(t.m.txs[txID]), nil
}

func (t *memTx) OrderItems(_ context.Context, orderID int64) ([]models.OrderItem, error) {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	order, ok := t.m.orders[orderID]
	if !ok {
		return []models.OrderItem{}, nil
	}
	return copyOrder(order).Items, nil
}

func (t *memTx) LockProducts(ctx context.Context, ids []int64) (map[int64]models.Product, error) {
	ids = models.SortedUnique(ids)
	for _, id := range ids {
		if err := t.lock(ctx, productRow(id)); err != nil {
			return nil, err
		}
	}
	return t.m.GetProductsByIDs(ctx, ids)
}

func (t *memTx) SetItemPrices(_ context.Context, orderID int64, prices map[int64]int64) error {
	t.stage(func() {
		order, ok := t.m.orders[orderID]
		if !ok {
			return
		}
		for i, item := range order.Items {
			if price, ok := prices[item.ProductID]; ok {
				order.Items[i].Price = price
			}
		}
	})
	return nil
}

func (t *memTx) AdjustStock(_ context.Context, deltas map[int64]int) error {
	t.m.mu.Lock()
	defer t.m.mu.Unlock()

	for id, delta := range deltas {
		p, ok := t.m.products[id]
		if !ok || p.Unlimited() || delta == 0 {
			continue
		}
		if p.Stock+delta < 0 {
			return fmt.Errorf("adjust stock of product %d: stock %d cannot absorb %d", id, p.Stock, delta)
		}
	}

	t.stage(func() {
		for id, delta := range deltas {
			p, ok := t.m.products[id]
			if !ok || p.Unlimited() {
				continue
			}
			p.Stock += delta
			t.m.products[id] = p
		}
	})
	return nil
}

func (t *memTx) InsertTransaction(_ context.Context, tx *models.Transaction) error {
	t.m.mu.Lock()
	if _, exists := t.m.txByOrder[tx.OrderID]; exists {
		t.m.mu.Unlock()
		return fmt.Errorf("order %d already has a transaction", tx.OrderID)
	}
	t.m.nextTxID++
	tx.ID = t.m.nextTxID
	t.m.mu.Unlock()

	tx.CreatedAt = time.Now().UTC()
	stored := copyTransaction(tx)

	t.stage(func() {
		t.m.txs[stored.ID] = stored
		t.m.txByOrder[stored.OrderID] = stored.ID
		if order, ok := t.m.orders[stored.OrderID]; ok {
			order.Committed = true
			if t.m.carts[order.OwnerID] == order.ID {
				delete(t.m.carts, order.OwnerID)
			}
		}
	})
	return nil
}

func (t *memTx) MarkReverted(_ context.Context, txID int64) error {
	t.stage(func() {
		if tx, ok := t.m.txs[txID]; ok {
			tx.Reverted = true
		}
	})
	return nil
}

func copyOrder(o *models.Order) *models.Order {
	out := *o
	out.Items = append([]models.OrderItem{}, o.Items...)
	return &out
}

func copyTransaction(t *models.Transaction) *models.Transaction {
	out := *t
	if t.PaymentMethod != nil {
		v := *t.PaymentMethod
		out.PaymentMethod = &v
	}
	if t.SettledAt != nil {
		v := *t.SettledAt
		out.SettledAt = &v
	}
	if t.Reference != nil {
		v := *t.Reference
		out.Reference = &v
	}
	return &out
}
