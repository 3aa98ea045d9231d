package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"sort"
	"strings"
	"time"

	"storefront/internal/models"
	"storefront/internal/util"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"go.uber.org/zap"
)

//go:embed migrations/*.sql
var migrations embed.FS

const (
	productColumns     = "id, name, price, stock"
	orderColumns       = "id, owner_id, shipping_address, country, committed, created_at"
	itemColumns        = "product_id, quantity, price"
	transactionColumns = "id, order_id, owner_id, amount, payment_method, status, created_at, settled_at, reference, reverted"
)

// Postgres is the Repository backed by PostgreSQL
type Postgres struct {
	db     *sqlx.DB
	logger *zap.Logger
}

// NewPostgres opens and checks a connection pool
func NewPostgres(databaseURL string) (*Postgres, error) {
	db, err := sqlx.Connect("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return NewPostgresFromDB(db), nil
}

// NewPostgresFromDB wraps an existing pool
func NewPostgresFromDB(db *sqlx.DB) *Postgres {
	return &Postgres{db: db, logger: util.Named("store")}
}

// Close closes the database connection
func (s *Postgres) Close() error {
	return s.db.Close()
}

// Ping checks the database connection
func (s *Postgres) Ping(ctx context.Context) error {
	return classify("ping", s.db.PingContext(ctx))
}

// Migrate applies the embedded schema files in name order
func (s *Postgres) Migrate(ctx context.Context) error {
	names, err := fs.Glob(migrations, "migrations/*.sql")
	if err != nil {
		return err
	}
	sort.Strings(names)

	for _, name := range names {
		script, err := migrations.ReadFile(name)
		if err != nil {
			return err
		}
		if _, err := s.db.ExecContext(ctx, string(script)); err != nil {
			return fmt.Errorf("migration %s failed: %w", name, err)
		}
		s.logger.Info("Migration applied", zap.String("file", name))
	}
	return nil
}

// GetProduct retrieves a product by ID
func (s *Postgres) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	var product models.Product
	err := s.db.GetContext(ctx, &product, "SELECT "+productColumns+" FROM products WHERE id = $1", id)
	if err != nil {
		return nil, classify("get product", err)
	}
	return &product, nil
}

// GetProductsByIDs retrieves the existing products among ids
func (s *Postgres) GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]models.Product, error) {
	out := make(map[int64]models.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In("SELECT "+productColumns+" FROM products WHERE id IN (?)", models.SortedUnique(ids))
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var products []models.Product
	if err := s.db.SelectContext(ctx, &products, query, args...); err != nil {
		return nil, classify("get products", err)
	}
	for _, p := range products {
		out[p.ID] = p
	}
	return out, nil
}

// GetStock returns the current stock of the existing products among ids
func (s *Postgres) GetStock(ctx context.Context, ids []int64) (map[int64]int, error) {
	out := make(map[int64]int, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In("SELECT id, stock FROM products WHERE id IN (?)", models.SortedUnique(ids))
	if err != nil {
		return nil, err
	}
	query = s.db.Rebind(query)

	var rows []struct {
		ID    int64 `db:"id"`
		Stock int   `db:"stock"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, classify("get stock", err)
	}
	for _, r := range rows {
		out[r.ID] = r.Stock
	}
	return out, nil
}

// GetCart retrieves the owner's open cart with its items
func (s *Postgres) GetCart(ctx context.Context, ownerID int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE owner_id = $1 AND NOT committed", ownerID)
	if err != nil {
		return nil, classify("get cart", err)
	}
	if order.Items, err = orderItems(ctx, s.db, order.ID); err != nil {
		return nil, err
	}
	return &order, nil
}

// GetOrCreateCart retrieves the owner's open cart, creating an empty one if absent
func (s *Postgres) GetOrCreateCart(ctx context.Context, ownerID int64) (*models.Order, error) {
	order, err := s.GetCart(ctx, ownerID)
	if !errors.Is(err, ErrNotFound) {
		return order, err
	}

	// a concurrent insert for the same owner conflicts on the partial
	// unique index; both callers then read the winner's row
	_, err = s.db.ExecContext(ctx,
		"INSERT INTO orders (owner_id) VALUES ($1) ON CONFLICT (owner_id) WHERE NOT committed DO NOTHING", ownerID)
	if err != nil {
		return nil, classify("create cart", err)
	}
	return s.GetCart(ctx, ownerID)
}

// GetOrder retrieves an order of the owner with its items
func (s *Postgres) GetOrder(ctx context.Context, ownerID, orderID int64) (*models.Order, error) {
	var order models.Order
	err := s.db.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE id = $1 AND owner_id = $2", orderID, ownerID)
	if err != nil {
		return nil, classify("get order", err)
	}
	if order.Items, err = orderItems(ctx, s.db, order.ID); err != nil {
		return nil, err
	}
	return &order, nil
}

// ListOrders retrieves the owner's committed orders, newest first
func (s *Postgres) ListOrders(ctx context.Context, ownerID int64) ([]models.OrderSummary, error) {
	query := `
		SELECT o.id AS order_id, t.id AS transaction_id, t.status, t.created_at, t.amount
		FROM orders o
		JOIN transactions t ON t.order_id = o.id
		WHERE o.owner_id = $1
		ORDER BY t.created_at DESC, t.id DESC`

	orders := []models.OrderSummary{}
	if err := s.db.SelectContext(ctx, &orders, query, ownerID); err != nil {
		return nil, classify("list orders", err)
	}
	return orders, nil
}

// GetTransaction retrieves a transaction of the owner
func (s *Postgres) GetTransaction(ctx context.Context, ownerID, txID int64) (*models.Transaction, error) {
	var tx models.Transaction
	err := s.db.GetContext(ctx, &tx,
		"SELECT "+transactionColumns+" FROM transactions WHERE id = $1 AND owner_id = $2", txID, ownerID)
	if err != nil {
		return nil, classify("get transaction", err)
	}
	return &tx, nil
}

// GetTransactionForOrder retrieves the transaction of one of the owner's orders
func (s *Postgres) GetTransactionForOrder(ctx context.Context, ownerID, orderID int64) (*models.Transaction, error) {
	var tx models.Transaction
	err := s.db.GetContext(ctx, &tx,
		"SELECT "+transactionColumns+" FROM transactions WHERE order_id = $1 AND owner_id = $2", orderID, ownerID)
	if err != nil {
		return nil, classify("get order transaction", err)
	}
	return &tx, nil
}

// ListPendingTransactions retrieves unsettled transactions awaiting reconciliation
func (s *Postgres) ListPendingTransactions(ctx context.Context, olderThan time.Time, limit int) ([]models.Transaction, error) {
	query := `
		SELECT ` + transactionColumns + `
		FROM transactions
		WHERE status = $1 AND reference IS NOT NULL AND reference <> $2 AND created_at < $3
		ORDER BY id
		LIMIT $4`

	txs := []models.Transaction{}
	err := s.db.SelectContext(ctx, &txs, query, models.StatusCreated, models.SentinelReference, olderThan, limit)
	if err != nil {
		return nil, classify("list pending transactions", err)
	}
	return txs, nil
}

// PatchItems applies a cart patch under the order row lock
func (s *Postgres) PatchItems(ctx context.Context, ownerID, orderID int64, patch models.OrderPatch) error {
	return s.RunInTx(ctx, func(t Tx) error {
		tx := t.(*pgTx).tx

		var committed bool
		err := tx.GetContext(ctx, &committed,
			"SELECT committed FROM orders WHERE id = $1 AND owner_id = $2 FOR UPDATE", orderID, ownerID)
		if errors.Is(err, sql.ErrNoRows) {
			return nil
		}
		if err != nil {
			return classify("lock order", err)
		}
		if committed {
			return nil
		}

		if patch.ShippingAddress != nil {
			if _, err := tx.ExecContext(ctx,
				"UPDATE orders SET shipping_address = $1 WHERE id = $2", *patch.ShippingAddress, orderID); err != nil {
				return classify("update shipping address", err)
			}
		}
		if patch.Country != nil {
			if _, err := tx.ExecContext(ctx,
				"UPDATE orders SET country = $1 WHERE id = $2", *patch.Country, orderID); err != nil {
				return classify("update country", err)
			}
		}

		for _, productID := range patchProductIDs(patch) {
			quantity := patch.Items[productID]
			if quantity <= models.DeleteItem {
				if _, err := tx.ExecContext(ctx,
					"DELETE FROM order_items WHERE order_id = $1 AND product_id = $2", orderID, productID); err != nil {
					return classify("delete item", err)
				}
				continue
			}

			res, err := tx.ExecContext(ctx, `
				INSERT INTO order_items (order_id, product_id, quantity, price)
				SELECT $1, id, $3, price FROM products WHERE id = $2
				ON CONFLICT (order_id, product_id)
				DO UPDATE SET quantity = EXCLUDED.quantity, price = EXCLUDED.price`,
				orderID, productID, quantity)
			if err != nil {
				return classify("upsert item", err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("product %d: %w", productID, ErrNotFound)
			}
		}
		return nil
	})
}

// UpdateTransaction applies the mutable fields of patch to a transaction
func (s *Postgres) UpdateTransaction(ctx context.Context, txID int64, patch models.TransactionPatch) (bool, error) {
	var (
		sets []string
		args []interface{}
	)
	add := func(column string, value interface{}) {
		args = append(args, value)
		sets = append(sets, fmt.Sprintf("%s = $%d", column, len(args)))
	}

	if patch.Status != nil {
		add("status", *patch.Status)
	}
	if patch.SettledAt != nil {
		add("settled_at", *patch.SettledAt)
	}
	if patch.Reference != nil {
		add("reference", *patch.Reference)
	}
	if patch.PaymentMethod != nil {
		add("payment_method", *patch.PaymentMethod)
	}
	if len(sets) == 0 {
		return false, nil
	}

	args = append(args, txID)
	query := fmt.Sprintf("UPDATE transactions SET %s WHERE id = $%d", strings.Join(sets, ", "), len(args))
	if patch.Status != nil {
		args = append(args, models.StatusCreated)
		query += fmt.Sprintf(" AND status = $%d", len(args))
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, classify("update transaction", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, classify("update transaction", err)
	}
	return n > 0, nil
}

// RunInTx runs fn inside a database transaction
func (s *Postgres) RunInTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return classify("begin", err)
	}
	defer tx.Rollback()

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	return classify("commit", tx.Commit())
}

type pgTx struct {
	tx *sqlx.Tx
}

func (t *pgTx) LockCart(ctx context.Context, ownerID int64) (*models.Order, error) {
	var order models.Order
	err := t.tx.GetContext(ctx, &order,
		"SELECT "+orderColumns+" FROM orders WHERE owner_id = $1 AND NOT committed FOR UPDATE", ownerID)
	if err != nil {
		return nil, classify("lock cart", err)
	}
	if order.Items, err = orderItems(ctx, t.tx, order.ID); err != nil {
		return nil, err
	}
	return &order, nil
}

func (t *pgTx) LockTransactionForOrder(ctx context.Context, orderID int64) (*models.Transaction, error) {
	var tx models.Transaction
	err := t.tx.GetContext(ctx, &tx,
		"SELECT "+transactionColumns+" FROM transactions WHERE order_id = $1 FOR UPDATE", orderID)
	if err != nil {
		return nil, classify("lock transaction", err)
	}
	return &tx, nil
}

func (t *pgTx) OrderItems(ctx context.Context, orderID int64) ([]models.OrderItem, error) {
	return orderItems(ctx, t.tx, orderID)
}

func (t *pgTx) LockProducts(ctx context.Context, ids []int64) (map[int64]models.Product, error) {
	out := make(map[int64]models.Product, len(ids))
	if len(ids) == 0 {
		return out, nil
	}

	query, args, err := sqlx.In(
		"SELECT "+productColumns+" FROM products WHERE id IN (?) ORDER BY id FOR UPDATE", models.SortedUnique(ids))
	if err != nil {
		return nil, err
	}
	query = t.tx.Rebind(query)

	var products []models.Product
	if err := t.tx.SelectContext(ctx, &products, query, args...); err != nil {
		return nil, classify("lock products", err)
	}
	for _, p := range products {
		out[p.ID] = p
	}
	return out, nil
}

func (t *pgTx) SetItemPrices(ctx context.Context, orderID int64, prices map[int64]int64) error {
	for _, productID := range sortedKeys(prices) {
		if _, err := t.tx.ExecContext(ctx,
			"UPDATE order_items SET price = $1 WHERE order_id = $2 AND product_id = $3",
			prices[productID], orderID, productID); err != nil {
			return classify("sync price", err)
		}
	}
	return nil
}

func (t *pgTx) AdjustStock(ctx context.Context, deltas map[int64]int) error {
	for _, productID := range sortedKeys(deltas) {
		delta := deltas[productID]
		if delta == 0 {
			continue
		}
		if _, err := t.tx.ExecContext(ctx,
			"UPDATE products SET stock = stock + $1 WHERE id = $2 AND stock <> $3",
			delta, productID, models.UnlimitedStock); err != nil {
			return classify("adjust stock", err)
		}
	}
	return nil
}

func (t *pgTx) InsertTransaction(ctx context.Context, tx *models.Transaction) error {
	query := `
		INSERT INTO transactions (order_id, owner_id, amount, status)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at`

	if err := t.tx.QueryRowxContext(ctx, query, tx.OrderID, tx.OwnerID, tx.Amount, tx.Status).
		Scan(&tx.ID, &tx.CreatedAt); err != nil {
		return classify("insert transaction", err)
	}

	if _, err := t.tx.ExecContext(ctx, "UPDATE orders SET committed = TRUE WHERE id = $1", tx.OrderID); err != nil {
		return classify("commit order", err)
	}
	return nil
}

func (t *pgTx) MarkReverted(ctx context.Context, txID int64) error {
	if _, err := t.tx.ExecContext(ctx, "UPDATE transactions SET reverted = TRUE WHERE id = $1", txID); err != nil {
		return classify("mark reverted", err)
	}
	return nil
}

func orderItems(ctx context.Context, q sqlx.QueryerContext, orderID int64) ([]models.OrderItem, error) {
	items := []models.OrderItem{}
	err := sqlx.SelectContext(ctx, q, &items,
		"SELECT "+itemColumns+" FROM order_items WHERE order_id = $1 ORDER BY product_id", orderID)
	if err != nil {
		return nil, classify("get order items", err)
	}
	return items, nil
}

func patchProductIDs(patch models.OrderPatch) []int64 {
	ids := make([]int64, 0, len(patch.Items))
	for id := range patch.Items {
		ids = append(ids, id)
	}
	return models.SortedUnique(ids)
}

func sortedKeys[V any](m map[int64]V) []int64 {
	ids := make([]int64, 0, len(m))
	for id := range m {
		ids = append(ids, id)
	}
	return models.SortedUnique(ids)
}

// classify maps driver errors onto ErrNotFound and ErrUnavailable
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if transient(err) {
		return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func transient(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "08":
			return true
		case pqErr.Code == "40001", pqErr.Code == "40P01":
			return true
		}
		return false
	}

	var netErr net.Error
	return errors.As(err, &netErr)
}
