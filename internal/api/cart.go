package api

import (
	"net/http"

	"fulfillment-service/internal/models"

	"github.com/gin-gonic/gin"
)

type addCartItemRequest struct {
	Item         *models.CartItem `json:"item" binding:"required"`
	BusinessID   string           `json:"business_id" binding:"required"`
	BusinessName string           `json:"business_name"`
	ReplaceCart  bool             `json:"replace_cart"`
}

type updateCartItemRequest struct {
	Quantity *int `json:"quantity" binding:"required"`
}

func (h *Handler) getCart(c *gin.Context) {
	cart, err := h.carts.GetCart(c.Request.Context(), actorFrom(c))
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}

func (h *Handler) addCartItem(c *gin.Context) {
	var req addCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	h.mutateCart(c, models.CartMutation{
		Kind:         models.CartAddItem,
		Item:         req.Item,
		BusinessID:   req.BusinessID,
		BusinessName: req.BusinessName,
		ReplaceCart:  req.ReplaceCart,
	})
}

func (h *Handler) updateCartItem(c *gin.Context) {
	var req updateCartItemRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.badRequest(c, err)
		return
	}
	h.mutateCart(c, models.CartMutation{
		Kind:     models.CartUpdateQuantity,
		ItemID:   c.Param("itemId"),
		Quantity: *req.Quantity,
	})
}

func (h *Handler) removeCartItem(c *gin.Context) {
	h.mutateCart(c, models.CartMutation{Kind: models.CartRemoveItem, ItemID: c.Param("itemId")})
}

func (h *Handler) clearCart(c *gin.Context) {
	h.mutateCart(c, models.CartMutation{Kind: models.CartClear})
}

func (h *Handler) mutateCart(c *gin.Context, m models.CartMutation) {
	cart, err := h.carts.ApplyMutation(c.Request.Context(), actorFrom(c), m)
	if err != nil {
		h.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, cart)
}
