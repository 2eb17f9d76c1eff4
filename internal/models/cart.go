package models

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidCartItem      = errors.New("invalid cart item")
	ErrCartItemNotFound     = errors.New("cart item not found")
	ErrCartBusinessMismatch = errors.New("cart holds items from another business")
	ErrUnknownCartMutation  = errors.New("unknown cart mutation")
)

// CartItem represents one line of a customer's cart
type CartItem struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	Price    int64   `json:"price"`
	Quantity int     `json:"quantity"`
	Image    *string `json:"image,omitempty"`
}

// Cart is a customer's single-business cart.
// Total and ItemCount are derived on every read.
type Cart struct {
	CustomerID   string     `json:"customer_id"`
	BusinessID   string     `json:"business_id,omitempty"`
	BusinessName string     `json:"business_name,omitempty"`
	Items        []CartItem `json:"items"`
	Version      int64      `json:"version"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// NewCart returns an empty cart for a customer
func NewCart(customerID string) *Cart {
	return &Cart{CustomerID: customerID, Items: []CartItem{}}
}

// Total returns the sum of price times quantity
func (c *Cart) Total() int64 {
	var total int64
	for _, item := range c.Items {
		total += item.Price * int64(item.Quantity)
	}
	return total
}

// ItemCount returns the sum of quantities
func (c *Cart) ItemCount() int {
	var count int
	for _, item := range c.Items {
		count += item.Quantity
	}
	return count
}

// IsEmpty reports whether the cart has no items
func (c *Cart) IsEmpty() bool {
	return len(c.Items) == 0
}

// Clone returns a deep copy
func (c *Cart) Clone() *Cart {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Items = make([]CartItem, len(c.Items))
	copy(cp.Items, c.Items)
	return &cp
}

type cartJSON struct {
	CustomerID   string     `json:"customer_id"`
	BusinessID   string     `json:"business_id,omitempty"`
	BusinessName string     `json:"business_name,omitempty"`
	Items        []CartItem `json:"items"`
	Version      int64      `json:"version"`
	UpdatedAt    time.Time  `json:"updated_at"`
	Total        int64      `json:"total"`
	ItemCount    int        `json:"item_count"`
}

// MarshalJSON adds the derived total and item_count.
// They are ignored when decoding.
func (c Cart) MarshalJSON() ([]byte, error) {
	items := c.Items
	if items == nil {
		items = []CartItem{}
	}
	return json.Marshal(cartJSON{
		CustomerID:   c.CustomerID,
		BusinessID:   c.BusinessID,
		BusinessName: c.BusinessName,
		Items:        items,
		Version:      c.Version,
		UpdatedAt:    c.UpdatedAt,
		Total:        c.Total(),
		ItemCount:    c.ItemCount(),
	})
}

// CartMutationKind names a cart mutation
type CartMutationKind string

const (
	CartAddItem        CartMutationKind = "add_item"
	CartUpdateQuantity CartMutationKind = "update_quantity"
	CartRemoveItem     CartMutationKind = "remove_item"
	CartClear          CartMutationKind = "clear"
)

// CartMutation is one change to a cart, applied locally and by the store
type CartMutation struct {
	Kind         CartMutationKind `json:"kind"`
	Item         *CartItem        `json:"item,omitempty"`
	ItemID       string           `json:"item_id,omitempty"`
	Quantity     int              `json:"quantity,omitempty"`
	BusinessID   string           `json:"business_id,omitempty"`
	BusinessName string           `json:"business_name,omitempty"`
	ReplaceCart  bool             `json:"replace_cart,omitempty"`
}

// Apply performs the mutation in place.
// On error the cart is left unchanged.
func (c *Cart) Apply(m CartMutation) error {
	switch m.Kind {
	case CartAddItem:
		return c.addItem(m)
	case CartUpdateQuantity:
		if m.Quantity <= 0 {
			return c.removeItem(m.ItemID)
		}
		idx := c.indexOf(m.ItemID)
		if idx < 0 {
			return fmt.Errorf("%w: %s", ErrCartItemNotFound, m.ItemID)
		}
		c.Items[idx].Quantity = m.Quantity
		return nil
	case CartRemoveItem:
		return c.removeItem(m.ItemID)
	case CartClear:
		c.clear()
		return nil
	default:
		return fmt.Errorf("%w: %q", ErrUnknownCartMutation, m.Kind)
	}
}

func (c *Cart) addItem(m CartMutation) error {
	if m.Item == nil {
		return fmt.Errorf("%w: item is required", ErrInvalidCartItem)
	}
	item := *m.Item
	switch {
	case strings.TrimSpace(item.ID) == "":
		return fmt.Errorf("%w: id is required", ErrInvalidCartItem)
	case strings.TrimSpace(item.Name) == "":
		return fmt.Errorf("%w: name is required", ErrInvalidCartItem)
	case item.Price < 0:
		return fmt.Errorf("%w: price must not be negative", ErrInvalidCartItem)
	case item.Quantity < 1:
		return fmt.Errorf("%w: quantity must be at least 1", ErrInvalidCartItem)
	case strings.TrimSpace(m.BusinessID) == "":
		return fmt.Errorf("%w: business_id is required", ErrInvalidCartItem)
	}

	if !c.IsEmpty() && c.BusinessID != m.BusinessID {
		if !m.ReplaceCart {
			return fmt.Errorf("%w: cart belongs to %s", ErrCartBusinessMismatch, c.BusinessID)
		}
		c.clear()
	}
	if c.IsEmpty() {
		c.BusinessID = m.BusinessID
		c.BusinessName = m.BusinessName
	}

	if idx := c.indexOf(item.ID); idx >= 0 {
		c.Items[idx].Quantity += item.Quantity
		c.Items[idx].Price = item.Price
		c.Items[idx].Name = item.Name
		if item.Image != nil {
			c.Items[idx].Image = item.Image
		}
		return nil
	}
	c.Items = append(c.Items, item)
	return nil
}

func (c *Cart) removeItem(id string) error {
	idx := c.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", ErrCartItemNotFound, id)
	}
	c.Items = append(c.Items[:idx:idx], c.Items[idx+1:]...)
	if c.IsEmpty() {
		c.BusinessID = ""
		c.BusinessName = ""
	}
	return nil
}

func (c *Cart) clear() {
	c.Items = []CartItem{}
	c.BusinessID = ""
	c.BusinessName = ""
}

func (c *Cart) indexOf(id string) int {
	for i := range c.Items {
		if c.Items[i].ID == id {
			return i
		}
	}
	return -1
}
