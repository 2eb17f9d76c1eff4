package api

import (
	"context"
	"net/http"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"

	"github.com/gin-gonic/gin"
)

type cancelRequest struct {
	Reason string `json:"reason"`
}

type assignRequest struct {
	DriverID string `json:"driver_id" binding:"required"`
}

type autoAssignRequest struct {
	Policy string `json:"policy"`
}

// createOrder handles order creation
func (h *Handler) createOrder(c *gin.Context) {
	var req service.CreateOrderRequest

	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.GetHeader("Idempotency-Key")
	}

	order, err := h.orders.CreateOrder(c.Request.Context(), actorFrom(c), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, order)
}

// getOrder handles get order by ID
func (h *Handler) getOrder(c *gin.Context) {
	order, err := h.orders.GetOrder(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) getOrderHistory(c *gin.Context) {
	history, err := h.orders.GetOrderHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"history": history})
}

func (h *Handler) getOrderAssignments(c *gin.Context) {
	assignments, err := h.assignments.Assignments(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"assignments": assignments})
}

type orderAction func(ctx context.Context, actor models.Actor, orderID string) (*models.Order, error)

func (h *Handler) orderTransition(c *gin.Context, action orderAction) {
	order, err := action(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) confirmOrder(c *gin.Context) { h.orderTransition(c, h.orders.Confirm) }

func (h *Handler) prepareOrder(c *gin.Context) { h.orderTransition(c, h.orders.StartPreparing) }

func (h *Handler) readyOrder(c *gin.Context) { h.orderTransition(c, h.orders.MarkReady) }

func (h *Handler) deliverOrder(c *gin.Context) { h.orderTransition(c, h.orders.MarkDelivered) }

func (h *Handler) cancelOrder(c *gin.Context) {
	var req cancelRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, err)
			return
		}
	}

	order, err := h.orders.Cancel(c.Request.Context(), actorFrom(c), c.Param("id"), req.Reason)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) assignOrder(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	order, err := h.assignments.AssignOrder(c.Request.Context(), actorFrom(c), req.DriverID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}

func (h *Handler) autoAssignOrder(c *gin.Context) {
	var req autoAssignRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			h.badRequest(c, err)
			return
		}
	}

	cmp := h.dispatch
	if req.Policy != "" {
		named, err := service.ComparatorByName(req.Policy)
		if err != nil {
			h.badRequest(c, err)
			return
		}
		cmp = named
	}

	order, err := h.assignments.AutoAssign(c.Request.Context(), actorFrom(c), c.Param("id"), cmp)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, order)
}
