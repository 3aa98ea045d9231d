package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"storefront/internal/payment"
	"storefront/internal/service"
	"storefront/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const ownerKey = "owner_id"

// Pinger is a dependency checked by the readiness probe
type Pinger interface {
	Ping(ctx context.Context) error
}

// WebhookParser verifies payment provider webhooks
type WebhookParser interface {
	ParseWebhook(payload []byte, signatureHeader string) (*payment.WebhookSettlement, bool, error)
}

// Handler contains HTTP handlers
type Handler struct {
	carts      *service.CartService
	checkout   *service.CheckoutService
	reconciler *service.Reconciler
	webhooks   WebhookParser
	checks     map[string]Pinger
	logger     *zap.Logger
}

// NewHandler creates a new HTTP handler
func NewHandler(carts *service.CartService, checkout *service.CheckoutService, reconciler *service.Reconciler) *Handler {
	return &Handler{
		carts:      carts,
		checkout:   checkout,
		reconciler: reconciler,
		checks:     make(map[string]Pinger),
		logger:     util.Named("api"),
	}
}

// WithReadinessCheck adds a dependency to the readiness probe
func (h *Handler) WithReadinessCheck(name string, p Pinger) *Handler {
	h.checks[name] = p
	return h
}

// WithWebhooks enables the Stripe webhook route
func (h *Handler) WithWebhooks(parser WebhookParser) *Handler {
	h.webhooks = parser
	return h
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	router.GET(payment.CallbackPath, h.callback)
	if h.webhooks != nil {
		router.POST("/webhooks/stripe", h.stripeWebhook)
	}

	v1 := router.Group("/api/v1")
	orders := v1.Group("/orders", requireOwner())
	{
		orders.GET("", h.listOrders)
		orders.GET("/", h.listOrders)
		orders.GET("/cart", h.getCart)
		orders.PATCH("/cart", h.patchCart)
		orders.DELETE("/cart", h.clearCart)
		orders.POST("/cart/populate", h.populateCart)
		orders.POST("/cart/checkout", h.checkoutCart)
		orders.GET("/:order_id", h.getOrder)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every registered dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	failed := gin.H{}
	for name, p := range h.checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}

	if len(failed) > 0 {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "not ready",
			"details": failed,
			"time":    time.Now().Unix(),
		})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

// requireOwner reads the authenticated owner set by the upstream gateway
func requireOwner() gin.HandlerFunc {
	return func(c *gin.Context) {
		ownerID, err := strconv.ParseInt(c.GetHeader("X-User-ID"), 10, 64)
		if err != nil || ownerID <= 0 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Authentication required",
			})
			return
		}
		c.Set(ownerKey, ownerID)
		c.Next()
	}
}

func owner(c *gin.Context) int64 {
	return c.GetInt64(ownerKey)
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())
		path := c.FullPath()
		if path == "" {
			path = "unmatched"
		}

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			path,
			status,
		).Inc()
	}
}
