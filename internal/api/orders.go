package api

import (
	"net/http"
	"strconv"

	"storefront/internal/models"

	"github.com/gin-gonic/gin"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// ItemChange sets the quantity of one product; zero removes it
type ItemChange struct {
	ProductID int64 `json:"product_id" binding:"required,gt=0"`
	Quantity  *int  `json:"quantity" binding:"required,gte=0"`
}

// PatchCartRequest is the body of PATCH /cart
type PatchCartRequest struct {
	ShippingAddress *string      `json:"shipping_address" binding:"omitempty,max=512"`
	Country         *string      `json:"country" binding:"omitempty,max=64"`
	Items           []ItemChange `json:"items" binding:"dive"`
}

// PopulateCartRequest is the body of POST /cart/populate
type PopulateCartRequest struct {
	OrderID int64 `json:"order_id" binding:"required,gt=0"`
}

func (r PatchCartRequest) toPatch() models.OrderPatch {
	patch := models.OrderPatch{
		ShippingAddress: r.ShippingAddress,
		Country:         r.Country,
	}
	if len(r.Items) > 0 {
		patch.Items = make(map[int64]int, len(r.Items))
		for _, change := range r.Items {
			patch.Items[change.ProductID] = *change.Quantity
		}
	}
	return patch
}

// listOrders returns a page of the owner's order history
func (h *Handler) listOrders(c *gin.Context) {
	page, _ := strconv.Atoi(c.DefaultQuery("page", "1"))
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", strconv.Itoa(defaultPageSize)))
	if page < 1 {
		page = 1
	}
	if limit < 1 || limit > maxPageSize {
		limit = defaultPageSize
	}

	summaries, err := h.carts.ListOrders(c.Request.Context(), owner(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	offset := limit * (page - 1)
	results := []orderSummaryView{}
	for i := offset; i < len(summaries) && i < offset+limit; i++ {
		results = append(results, newOrderSummaryView(summaries[i]))
	}

	c.JSON(http.StatusOK, pagedResponse{
		Offset:  offset,
		Page:    page,
		Items:   len(results),
		Results: results,
	})
}

// getOrder returns one committed order with its transaction
func (h *Handler) getOrder(c *gin.Context) {
	orderID, err := strconv.ParseInt(c.Param("order_id"), 10, 64)
	if err != nil || orderID <= 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "Invalid or inexistent order id"})
		return
	}

	ctx := c.Request.Context()
	detail, err := h.carts.GetOrder(ctx, owner(c), orderID)
	if err != nil {
		h.respondError(c, err)
		return
	}

	products, err := h.carts.Products(ctx, detail.Order.ProductIDs())
	if err != nil {
		h.respondError(c, err)
		return
	}

	tx := detail.Transaction
	c.JSON(http.StatusOK, orderDetailView{
		orderSummaryView: newOrderSummaryView(models.OrderSummary{
			OrderID:       detail.Order.ID,
			TransactionID: tx.ID,
			Status:        tx.Status,
			CreatedAt:     tx.CreatedAt,
			Amount:        tx.Amount,
		}),
		Reverted: tx.Reverted,
		Items:    newItemViews(detail.Order.Items, products, false),
	})
}

// getCart returns the owner's cart, creating it on first access
func (h *Handler) getCart(c *gin.Context) {
	cart, err := h.carts.Cart(c.Request.Context(), owner(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.renderCart(c, http.StatusOK, cart)
}

// patchCart applies a batch of changes atomically
func (h *Handler) patchCart(c *gin.Context) {
	var req PatchCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	cart, err := h.carts.Patch(c.Request.Context(), owner(c), req.toPatch())
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.renderCart(c, http.StatusOK, cart)
}

// clearCart removes every item from the cart
func (h *Handler) clearCart(c *gin.Context) {
	if err := h.carts.Clear(c.Request.Context(), owner(c)); err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, []itemView{})
}

// populateCart copies the items of an earlier order into the cart
func (h *Handler) populateCart(c *gin.Context) {
	var req PopulateCartRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "Invalid request body", err)
		return
	}

	cart, err := h.carts.Populate(c.Request.Context(), owner(c), req.OrderID)
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.renderCart(c, http.StatusOK, cart)
}

// checkoutCart commits the cart and returns the payment page
func (h *Handler) checkoutCart(c *gin.Context) {
	result, err := h.checkout.Checkout(c.Request.Context(), owner(c))
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{
		"transaction":  newTransactionView(result.Transaction),
		"checkout_url": result.CheckoutURL,
	})
}

func (h *Handler) renderCart(c *gin.Context, status int, cart *models.Order) {
	products, err := h.carts.Products(c.Request.Context(), cart.ProductIDs())
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(status, newCartView(cart, products))
}
