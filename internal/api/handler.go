package api

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"procurement-service/internal/apperr"
	"procurement-service/internal/realtime"
	"procurement-service/internal/service"
	"procurement-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	defaultPageSize = 50
	maxPageSize     = 200
)

// Options carries the optional collaborators of the HTTP surface
type Options struct {
	Hub            *realtime.Hub
	Idempotency    IdempotencyStore
	IdempotencyTTL time.Duration
	// Ready reports whether backing stores are reachable.
	Ready func(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orders      *service.OrderService
	negotiation *service.NegotiationService
	delivery    *service.DeliveryService
	auth        *Authenticator
	opts        Options
}

// NewHandler creates a new HTTP handler
func NewHandler(services *service.Services, auth *Authenticator, opts Options) *Handler {
	if opts.IdempotencyTTL <= 0 {
		opts.IdempotencyTTL = 24 * time.Hour
	}
	return &Handler{
		orders:      services.Orders,
		negotiation: services.Negotiation,
		delivery:    services.Delivery,
		auth:        auth,
		opts:        opts,
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", h.auth.Middleware(), h.serveWS)

	v1 := router.Group("/api/v1", h.auth.Middleware(), idempotencyMiddleware(h.opts.Idempotency, h.opts.IdempotencyTTL))
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders", h.listOrders)
		v1.GET("/orders/:id", h.getOrder)
		v1.POST("/orders/:id/send", h.sendOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/complete", h.completeOrder)
		v1.POST("/orders/:id/decline", h.declineOrder)

		v1.GET("/orders/:id/messages", h.listMessages)
		v1.POST("/orders/:id/messages", h.sendMessage)
		v1.POST("/orders/:id/messages/read", h.markRead)

		v1.POST("/orders/:id/quotations", h.submitQuotation)
		v1.POST("/orders/:id/quotations/:messageId/accept", h.acceptQuotation)
		v1.POST("/orders/:id/quotations/:messageId/reject", h.rejectQuotation)
		v1.GET("/orders/:id/invoice", h.getInvoice)

		v1.PUT("/orders/:id/delivery", h.updateDelivery)
		v1.POST("/orders/:id/delivery/correction", h.correctDelivery)

		v1.PUT("/projects/:projectId/vendors/:vendorId", h.assignVendor)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck handles readiness check requests
func (h *Handler) readinessCheck(c *gin.Context) {
	if h.opts.Ready != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := h.opts.Ready(ctx); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"status":  "unavailable",
				"details": err.Error(),
				"time":    time.Now().Unix(),
			})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{
		"status": "ready",
		"time":   time.Now().Unix(),
	})
}

func (h *Handler) serveWS(c *gin.Context) {
	if h.opts.Hub == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "Unavailable", "details": "realtime is disabled"})
		return
	}
	h.opts.Hub.ServeWS(c.Writer, c.Request, actorFrom(c))
}

// bindJSON binds a required body
func bindJSON(c *gin.Context, req interface{}) bool {
	if err := c.ShouldBindJSON(req); err != nil {
		respondError(c, apperr.Validation("invalid request body: %v", err))
		return false
	}
	return true
}

// bindOptionalJSON binds a body that may be absent
func bindOptionalJSON(c *gin.Context, req interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(req); err != nil && !errors.Is(err, io.EOF) {
		respondError(c, apperr.Validation("invalid request body: %v", err))
		return false
	}
	return true
}

func queryInt(c *gin.Context, name string, def int) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, apperr.Validation("%s must be a non-negative integer", name)
	}
	return n, nil
}

// prometheusMiddleware collects HTTP metrics
func prometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		duration := time.Since(start).Seconds()
		status := strconv.Itoa(c.Writer.Status())

		util.HTTPRequestDuration.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Observe(duration)

		util.HTTPRequestsTotal.WithLabelValues(
			c.Request.Method,
			c.FullPath(),
			status,
		).Inc()
	}
}
