package store

import (
	"context"
	"time"

	"storefront/internal/models"
	"storefront/internal/redisclient"
)

// Cached is a cache-aside Repository. Reads go through the cache with
// regeneration near expiry; writes go to the wrapped store and drop the
// keys they touch. Methods not overridden here hit the store directly.
type Cached struct {
	Repository

	cache          *redisclient.Client
	ttl            time.Duration
	regenThreshold time.Duration
}

// NewCached wraps repo with the cache
func NewCached(repo Repository, cache *redisclient.Client, ttl, regenThreshold time.Duration) *Cached {
	return &Cached{
		Repository:     repo,
		cache:          cache,
		ttl:            ttl,
		regenThreshold: regenThreshold,
	}
}

func (c *Cached) GetProduct(ctx context.Context, id int64) (*models.Product, error) {
	return redisclient.GetOrRegenerate(ctx, c.cache, redisclient.ProductKey(id),
		func(ctx context.Context) (*models.Product, error) {
			return c.Repository.GetProduct(ctx, id)
		}, c.regenThreshold, c.ttl)
}

// GetProductsByIDs serves cached products and loads the rest in one query
func (c *Cached) GetProductsByIDs(ctx context.Context, ids []int64) (map[int64]models.Product, error) {
	out := make(map[int64]models.Product, len(ids))
	var missing []int64

	for _, id := range models.SortedUnique(ids) {
		var p models.Product
		if c.cache.Get(ctx, redisclient.ProductKey(id), &p) {
			out[id] = p
			continue
		}
		missing = append(missing, id)
	}
	if len(missing) == 0 {
		return out, nil
	}

	loaded, err := c.Repository.GetProductsByIDs(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, p := range loaded {
		c.cache.Set(ctx, redisclient.ProductKey(id), p, c.ttl)
		out[id] = p
	}
	return out, nil
}

func (c *Cached) GetCart(ctx context.Context, ownerID int64) (*models.Order, error) {
	return redisclient.GetOrRegenerate(ctx, c.cache, redisclient.UserCartKey(ownerID),
		func(ctx context.Context) (*models.Order, error) {
			return c.Repository.GetCart(ctx, ownerID)
		}, c.regenThreshold, c.ttl)
}

func (c *Cached) GetOrCreateCart(ctx context.Context, ownerID int64) (*models.Order, error) {
	return redisclient.GetOrRegenerate(ctx, c.cache, redisclient.UserCartKey(ownerID),
		func(ctx context.Context) (*models.Order, error) {
			return c.Repository.GetOrCreateCart(ctx, ownerID)
		}, c.regenThreshold, c.ttl)
}

func (c *Cached) GetOrder(ctx context.Context, ownerID, orderID int64) (*models.Order, error) {
	order, err := redisclient.GetOrRegenerate(ctx, c.cache, redisclient.OrderKey(orderID),
		func(ctx context.Context) (*models.Order, error) {
			return c.Repository.GetOrder(ctx, ownerID, orderID)
		}, c.regenThreshold, c.ttl)
	if err != nil {
		return nil, err
	}
	// the key is shared by every reader of the order id
	if order.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return order, nil
}

func (c *Cached) ListOrders(ctx context.Context, ownerID int64) ([]models.OrderSummary, error) {
	return redisclient.GetOrRegenerate(ctx, c.cache, redisclient.UserOrdersKey(ownerID),
		func(ctx context.Context) ([]models.OrderSummary, error) {
			return c.Repository.ListOrders(ctx, ownerID)
		}, c.regenThreshold, c.ttl)
}

func (c *Cached) GetTransactionForOrder(ctx context.Context, ownerID, orderID int64) (*models.Transaction, error) {
	tx, err := redisclient.GetOrRegenerate(ctx, c.cache, redisclient.OrderTransactionKey(orderID),
		func(ctx context.Context) (*models.Transaction, error) {
			return c.Repository.GetTransactionForOrder(ctx, ownerID, orderID)
		}, c.regenThreshold, c.ttl)
	if err != nil {
		return nil, err
	}
	if tx.OwnerID != ownerID {
		return nil, ErrNotFound
	}
	return tx, nil
}

// PatchItems writes through to the store and drops the cart and order keys
func (c *Cached) PatchItems(ctx context.Context, ownerID, orderID int64, patch models.OrderPatch) error {
	err := c.Repository.PatchItems(ctx, ownerID, orderID, patch)
	c.InvalidateCart(ctx, ownerID)
	c.cache.InvalidateLocked(ctx, redisclient.OrderKey(orderID))
	return err
}

func (c *Cached) InvalidateCart(ctx context.Context, ownerID int64) {
	c.cache.InvalidateLocked(ctx, redisclient.UserCartKey(ownerID))
}

func (c *Cached) InvalidateOrders(ctx context.Context, ownerID int64, orderIDs ...int64) {
	keys := []string{redisclient.UserOrdersKey(ownerID)}
	for _, id := range orderIDs {
		keys = append(keys, redisclient.OrderKey(id))
	}
	c.cache.InvalidateLocked(ctx, keys...)
}

func (c *Cached) InvalidateTransaction(ctx context.Context, orderID int64) {
	c.cache.InvalidateLocked(ctx, redisclient.OrderTransactionKey(orderID))
}

func (c *Cached) InvalidateProducts(ctx context.Context, ids ...int64) {
	keys := make([]string, 0, len(ids))
	for _, id := range ids {
		keys = append(keys, redisclient.ProductKey(id))
	}
	c.cache.InvalidateLocked(ctx, keys...)
}
