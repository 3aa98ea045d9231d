package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"storefront/internal/payment"
	"storefront/internal/service"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const maxWebhookBody = 64 << 10

// callback settles a transaction on the signed redirect from the gateway
func (h *Handler) callback(c *gin.Context) {
	txID, txErr := strconv.ParseInt(c.Query("tx_id"), 10, 64)
	ownerID, ownerErr := strconv.ParseInt(c.Query("owner_id"), 10, 64)
	sig := c.Query("sig")
	resolution := c.Query("resolution")

	if txErr != nil || ownerErr != nil || txID <= 0 || ownerID <= 0 || sig == "" {
		badRequest(c, "Not a valid callback", nil)
		return
	}
	switch resolution {
	case "", payment.ResolutionPass, payment.ResolutionVoid:
	default:
		badRequest(c, "Unknown resolution", nil)
		return
	}

	_, err := h.reconciler.HandleCallback(c.Request.Context(), service.Callback{
		Path:       payment.CallbackPath,
		TxID:       txID,
		OwnerID:    ownerID,
		Signature:  sig,
		Resolution: resolution,
	})
	h.respondSettlement(c, err)
}

// stripeWebhook settles the transaction of a checkout session event
func (h *Handler) stripeWebhook(c *gin.Context) {
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		badRequest(c, "Unreadable body", err)
		return
	}

	settlement, ok, err := h.webhooks.ParseWebhook(payload, c.GetHeader("Stripe-Signature"))
	if err != nil {
		h.logger.Warn("Rejected webhook", zap.Error(err))
		badRequest(c, "Not a valid webhook", nil)
		return
	}
	if !ok {
		c.Status(http.StatusNoContent)
		return
	}

	h.logger.Debug("Received checkout webhook",
		zap.String("event_id", settlement.EventID),
		zap.String("event_type", settlement.EventType),
		zap.Int64("tx_id", settlement.TxID))

	_, err = h.reconciler.Reconcile(c.Request.Context(), settlement.OwnerID, settlement.TxID, "")
	if errors.Is(err, service.ErrUnsettledCallback) {
		// async payments settle on a later event
		c.Status(http.StatusNoContent)
		return
	}
	h.respondSettlement(c, err)
}

func (h *Handler) respondSettlement(c *gin.Context, err error) {
	switch {
	case err == nil:
		c.Status(http.StatusNoContent)
	case errors.Is(err, service.ErrInvalidSignature):
		badRequest(c, "Not a valid signature for request", nil)
	case errors.Is(err, service.ErrTransactionNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "Transaction not found"})
	case errors.Is(err, service.ErrUnsettledCallback),
		errors.Is(err, service.ErrNoPaymentReference),
		errors.Is(err, service.ErrPaymentGateway),
		errors.Is(err, service.ErrStoreUnavailable):
		c.Header("Retry-After", "5")
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Transaction not settled yet"})
	default:
		h.respondError(c, err)
	}
}
