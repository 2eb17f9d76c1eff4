package api

import (
	"net/http"

	"fulfillment-service/internal/service"

	"github.com/gin-gonic/gin"
)

func (h *Handler) createBatch(c *gin.Context) {
	var req service.CreateBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	batch, err := h.batches.CreateBatch(c.Request.Context(), actorFrom(c), &req)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusCreated, batch)
}

func (h *Handler) getBatch(c *gin.Context) {
	batch, err := h.batches.GetBatch(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (h *Handler) assignBatch(c *gin.Context) {
	var req assignRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}

	batch, err := h.assignments.AssignBatch(c.Request.Context(), actorFrom(c), req.DriverID, c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (h *Handler) startBatch(c *gin.Context) {
	batch, err := h.batches.StartBatch(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (h *Handler) completeBatch(c *gin.Context) {
	batch, err := h.batches.CompleteBatch(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (h *Handler) cancelBatch(c *gin.Context) {
	batch, err := h.batches.CancelBatch(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (h *Handler) pickupBatchOrder(c *gin.Context) {
	batch, err := h.batches.MarkPickedUp(c.Request.Context(), actorFrom(c), c.Param("id"), c.Param("orderId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}

func (h *Handler) deliverBatchOrder(c *gin.Context) {
	batch, err := h.batches.MarkDelivered(c.Request.Context(), actorFrom(c), c.Param("id"), c.Param("orderId"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, batch)
}
