package service

import (
	"context"
	"errors"
	"fmt"

	"storefront/internal/models"
	"storefront/internal/store"
	"storefront/internal/util"

	"go.uber.org/zap"
)

// CartService edits carts and reads order history
type CartService struct {
	repo   store.Repository
	logger *zap.Logger
}

// NewCartService creates a new cart service
func NewCartService(repo store.Repository) *CartService {
	return &CartService{
		repo:   repo,
		logger: util.Named("cart"),
	}
}

// Cart returns the owner's open cart, creating it on first access
func (s *CartService) Cart(ctx context.Context, ownerID int64) (*models.Order, error) {
	return s.repo.GetOrCreateCart(ctx, ownerID)
}

// Patch validates and applies a batch of cart changes, then returns the
// updated cart. Quantities above finite stock are rejected here; commit
// checks again under lock.
func (s *CartService) Patch(ctx context.Context, ownerID int64, patch models.OrderPatch) (*models.Order, error) {
	ctx, span := util.StartSpan(ctx, "CartService.Patch", util.Owner(ownerID))
	defer span.End()

	if err := s.validate(ctx, patch); err != nil {
		return nil, err
	}

	cart, err := s.repo.GetOrCreateCart(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if patch.Empty() {
		return cart, nil
	}

	if err := s.repo.PatchItems(ctx, ownerID, cart.ID, patch); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%w: %v", ErrProductNotFound, err)
		}
		util.RecordError(span, err)
		return nil, err
	}

	// a checkout that commits the cart first turns the patch into a no-op
	updated, err := s.repo.GetCart(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) || (err == nil && updated.ID != cart.ID) {
		return nil, fmt.Errorf("cart %d was checked out during the update: %w", cart.ID, ErrNoOpenCart)
	}
	if err != nil {
		return nil, err
	}
	return updated, nil
}

func (s *CartService) validate(ctx context.Context, patch models.OrderPatch) error {
	var ids []int64
	for productID, quantity := range patch.Items {
		if quantity > models.DeleteItem {
			ids = append(ids, productID)
		}
	}
	if len(ids) == 0 {
		return nil
	}

	stock, err := s.repo.GetStock(ctx, ids)
	if err != nil {
		return err
	}

	for _, productID := range models.SortedUnique(ids) {
		available, ok := stock[productID]
		if !ok {
			return fmt.Errorf("product %d: %w", productID, ErrProductNotFound)
		}
		if available == models.UnlimitedStock {
			continue
		}
		if requested := patch.Items[productID]; requested > available {
			return &OutOfStockError{ProductID: productID, Requested: requested, Available: available}
		}
	}
	return nil
}

// Clear removes every item from the owner's cart. Owners without a cart
// are left without one.
func (s *CartService) Clear(ctx context.Context, ownerID int64) error {
	cart, err := s.repo.GetCart(ctx, ownerID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if len(cart.Items) == 0 {
		return nil
	}

	patch := models.OrderPatch{Items: make(map[int64]int, len(cart.Items))}
	for _, item := range cart.Items {
		patch.Items[item.ProductID] = models.DeleteItem
	}
	return s.repo.PatchItems(ctx, ownerID, cart.ID, patch)
}

// Populate fills the cart with the items and quantities of one of the
// owner's earlier orders
func (s *CartService) Populate(ctx context.Context, ownerID, orderID int64) (*models.Order, error) {
	order, err := s.repo.GetOrder(ctx, ownerID, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	patch := models.OrderPatch{Items: make(map[int64]int, len(order.Items))}
	for _, item := range order.Items {
		patch.Items[item.ProductID] = item.Quantity
	}

	s.logger.Debug("Populating cart from order", zap.Int64("owner_id", ownerID), zap.Int64("order_id", orderID))
	return s.Patch(ctx, ownerID, patch)
}

// ListOrders returns the owner's committed orders, newest first
func (s *CartService) ListOrders(ctx context.Context, ownerID int64) ([]models.OrderSummary, error) {
	return s.repo.ListOrders(ctx, ownerID)
}

// OrderDetail is a committed order with its transaction
type OrderDetail struct {
	Order       *models.Order
	Transaction *models.Transaction
}

// GetOrder returns one of the owner's committed orders with its transaction
func (s *CartService) GetOrder(ctx context.Context, ownerID, orderID int64) (*OrderDetail, error) {
	order, err := s.repo.GetOrder(ctx, ownerID, orderID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	tx, err := s.repo.GetTransactionForOrder(ctx, ownerID, orderID)
	if errors.Is(err, store.ErrNotFound) {
		// the open cart has no transaction
		return nil, ErrOrderNotFound
	}
	if err != nil {
		return nil, err
	}

	return &OrderDetail{Order: order, Transaction: tx}, nil
}

// Products returns the catalog entries of the given ids
func (s *CartService) Products(ctx context.Context, ids []int64) (map[int64]models.Product, error) {
	return s.repo.GetProductsByIDs(ctx, ids)
}
