package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/util"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

const actorKey = "actor"

// Pinger reports whether a backing dependency is reachable
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler contains HTTP handlers
type Handler struct {
	orders       *service.OrderService
	batches      *service.BatchService
	assignments  *service.AssignmentEngine
	availability *service.AvailabilityService
	carts        *service.CartService
	dispatch     service.Comparator
	deps         map[string]Pinger
	logger       *zap.Logger
}

// Services groups the services exposed over HTTP
type Services struct {
	Orders       *service.OrderService
	Batches      *service.BatchService
	Assignments  *service.AssignmentEngine
	Availability *service.AvailabilityService
	Carts        *service.CartService
	Dispatch     service.Comparator
}

// NewHandler creates a new HTTP handler. deps are checked by /ready.
func NewHandler(svc Services, deps map[string]Pinger) *Handler {
	return &Handler{
		orders:       svc.Orders,
		batches:      svc.Batches,
		assignments:  svc.Assignments,
		availability: svc.Availability,
		carts:        svc.Carts,
		dispatch:     svc.Dispatch,
		deps:         deps,
		logger:       util.GetLogger(),
	}
}

// SetupRoutes sets up HTTP routes
func (h *Handler) SetupRoutes(router *gin.Engine) {
	router.Use(gin.Recovery())
	router.Use(prometheusMiddleware())
	router.Use(h.requestLogger())

	router.GET("/health", h.healthCheck)
	router.GET("/ready", h.readinessCheck)

	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1", actorMiddleware())
	{
		v1.POST("/orders", h.createOrder)
		v1.GET("/orders/:id", h.getOrder)
		v1.GET("/orders/:id/history", h.getOrderHistory)
		v1.GET("/orders/:id/assignments", h.getOrderAssignments)
		v1.POST("/orders/:id/confirm", h.confirmOrder)
		v1.POST("/orders/:id/prepare", h.prepareOrder)
		v1.POST("/orders/:id/ready", h.readyOrder)
		v1.POST("/orders/:id/deliver", h.deliverOrder)
		v1.POST("/orders/:id/cancel", h.cancelOrder)
		v1.POST("/orders/:id/assign", h.assignOrder)
		v1.POST("/orders/:id/auto-assign", h.autoAssignOrder)

		v1.POST("/batches", h.createBatch)
		v1.GET("/batches/:id", h.getBatch)
		v1.POST("/batches/:id/assign", h.assignBatch)
		v1.POST("/batches/:id/start", h.startBatch)
		v1.POST("/batches/:id/complete", h.completeBatch)
		v1.POST("/batches/:id/cancel", h.cancelBatch)
		v1.POST("/batches/:id/orders/:orderId/pickup", h.pickupBatchOrder)
		v1.POST("/batches/:id/orders/:orderId/deliver", h.deliverBatchOrder)

		v1.GET("/businesses/:id/drivers/eligible", h.eligibleDrivers)
		v1.GET("/drivers/:id/availability", h.driverAvailability)
		v1.POST("/drivers/:id/release", h.releaseDriver)

		v1.GET("/cart", h.getCart)
		v1.POST("/cart/items", h.addCartItem)
		v1.PATCH("/cart/items/:itemId", h.updateCartItem)
		v1.DELETE("/cart/items/:itemId", h.removeCartItem)
		v1.DELETE("/cart", h.clearCart)
	}
}

// healthCheck handles health check requests
func (h *Handler) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status": "healthy",
		"time":   time.Now().Unix(),
	})
}

// readinessCheck pings every dependency
func (h *Handler) readinessCheck(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks := gin.H{}
	ready := true
	for name, dep := range h.deps {
		if err := dep.Ping(ctx); err != nil {
			checks[name] = err.Error()
			ready = false
			continue
		}
		checks[name] = "ok"
	}

	status, code := "ready", http.StatusOK
	if !ready {
		status, code = "not ready", http.StatusServiceUnavailable
	}
	c.JSON(code, gin.H{
		"status": status,
		"checks": checks,
		"time":   time.Now().Unix(),
	})
}

// actorMiddleware builds the request's actor from the gateway headers
func actorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		actor := models.Actor{
			ID:   c.GetHeader("X-Actor-ID"),
			Role: models.ActorRole(c.GetHeader("X-Actor-Role")),
		}
		if actor.ID == "" || !actor.Role.Valid() {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":  "X-Actor-ID and a valid X-Actor-Role are required",
				"reason": "missing_actor",
			})
			return
		}
		c.Set(actorKey, actor)
		c.Next()
	}
}

func actorFrom(c *gin.Context) models.Actor {
	actor, _ := c.MustGet(actorKey).(models.Actor)
	return actor
}

// respondError maps service error kinds onto HTTP statuses
func (h *Handler) respondError(c *gin.Context, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, service.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, service.ErrBadRequest):
		code = http.StatusBadRequest
	case errors.Is(err, service.ErrDriverIneligible):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, service.ErrInvalidStatusTransition),
		errors.Is(err, service.ErrConcurrentAssignment),
		errors.Is(err, service.ErrConflict),
		errors.Is(err, service.ErrCartSync):
		code = http.StatusConflict
	case errors.Is(err, service.ErrTransport),
		errors.Is(err, context.DeadlineExceeded):
		code = http.StatusServiceUnavailable
	}

	if code == http.StatusInternalServerError {
		h.logger.Error("Request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
		c.JSON(code, gin.H{"error": "internal error"})
		return
	}

	body := gin.H{"error": err.Error()}
	if reason := service.ReasonOf(err); reason != "" {
		body["reason"] = reason
	}
	c.JSON(code, body)
}

func (h *Handler) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, gin.H{
		"error":   "Invalid request body",
		"details": err.Error(),
		"reason":  "bad_request",
	})
}

func (h *Handler) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.Debug("HTTP request",
			zap.String("method", c.Request.Method),
			zap.String("path", c.Request.URL.Path),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
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
