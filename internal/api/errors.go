package api

import (
	"errors"
	"net/http"

	"storefront/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// respondError maps service errors onto status codes
func (h *Handler) respondError(c *gin.Context, err error) {
	var oos *service.OutOfStockError

	switch {
	case errors.As(err, &oos):
		c.JSON(http.StatusConflict, gin.H{
			"error":      "Attempted to add more products than we have",
			"product_id": oos.ProductID,
			"requested":  oos.Requested,
			"available":  oos.Available,
		})
	case errors.Is(err, service.ErrProductNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Invalid or inexistent product id"})
	case errors.Is(err, service.ErrOrderNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Invalid or inexistent order id"})
	case errors.Is(err, service.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
	case errors.Is(err, service.ErrTransactionSettled), errors.Is(err, service.ErrTransactionOpen):
		c.JSON(http.StatusConflict, gin.H{"error": "Transaction cannot be reverted in its current state"})
	case errors.Is(err, service.ErrNoOpenCart), errors.Is(err, service.ErrEmptyCart):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Cart is empty"})
	case errors.Is(err, service.ErrPaymentGateway):
		c.JSON(http.StatusBadGateway, gin.H{"error": "Payment provider unavailable"})
	case errors.Is(err, service.ErrStoreUnavailable):
		c.Header("Retry-After", "1")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Service temporarily unavailable"})
	default:
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{
			"error":   "Internal server error",
			"details": err.Error(),
		})
	}
}

func badRequest(c *gin.Context, message string, err error) {
	body := gin.H{"error": message}
	if err != nil {
		body["details"] = err.Error()
	}
	c.JSON(http.StatusBadRequest, body)
}
