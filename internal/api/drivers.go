package api

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

func (h *Handler) eligibleDrivers(c *gin.Context) {
	drivers, err := h.availability.EligibleDrivers(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"drivers": drivers})
}

func (h *Handler) driverAvailability(c *gin.Context) {
	availability, err := h.availability.CheckDriver(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, availability)
}

func (h *Handler) releaseDriver(c *gin.Context) {
	result, err := h.assignments.Release(c.Request.Context(), actorFrom(c), c.Param("id"))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}
