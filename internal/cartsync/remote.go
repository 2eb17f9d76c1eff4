package cartsync

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
)

// Remote is the authoritative cart store as seen from a client session
type Remote interface {
	FetchCart(ctx context.Context, actor models.Actor) (*models.Cart, error)
	ApplyMutation(ctx context.Context, actor models.Actor, m models.CartMutation) (*models.Cart, error)
}

// LocalRemote talks to an in-process cart service
type LocalRemote struct {
	carts *service.CartService
}

// NewLocalRemote creates a remote backed by carts
func NewLocalRemote(carts *service.CartService) *LocalRemote {
	return &LocalRemote{carts: carts}
}

// FetchCart returns the authoritative cart
func (r *LocalRemote) FetchCart(ctx context.Context, actor models.Actor) (*models.Cart, error) {
	return r.carts.GetCart(ctx, actor)
}

// ApplyMutation applies m through the cart service
func (r *LocalRemote) ApplyMutation(ctx context.Context, actor models.Actor, m models.CartMutation) (*models.Cart, error) {
	return r.carts.ApplyMutation(ctx, actor, m)
}

// HTTPRemote talks to the cart endpoints of the fulfillment API
type HTTPRemote struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPRemote creates a new HTTP remote. timeout bounds each request.
func NewHTTPRemote(baseURL string, timeout time.Duration) *HTTPRemote {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &HTTPRemote{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: timeout},
	}
}

type addItemBody struct {
	Item         *models.CartItem `json:"item"`
	BusinessID   string           `json:"business_id"`
	BusinessName string           `json:"business_name,omitempty"`
	ReplaceCart  bool             `json:"replace_cart,omitempty"`
}

type quantityBody struct {
	Quantity int `json:"quantity"`
}

// FetchCart returns the authoritative cart
func (r *HTTPRemote) FetchCart(ctx context.Context, actor models.Actor) (*models.Cart, error) {
	return r.do(ctx, actor, http.MethodGet, "/api/v1/cart", nil)
}

// ApplyMutation sends m to the matching cart endpoint
func (r *HTTPRemote) ApplyMutation(ctx context.Context, actor models.Actor, m models.CartMutation) (*models.Cart, error) {
	switch m.Kind {
	case models.CartAddItem:
		return r.do(ctx, actor, http.MethodPost, "/api/v1/cart/items", addItemBody{
			Item:         m.Item,
			BusinessID:   m.BusinessID,
			BusinessName: m.BusinessName,
			ReplaceCart:  m.ReplaceCart,
		})
	case models.CartUpdateQuantity:
		return r.do(ctx, actor, http.MethodPatch, "/api/v1/cart/items/"+url.PathEscape(m.ItemID), quantityBody{Quantity: m.Quantity})
	case models.CartRemoveItem:
		return r.do(ctx, actor, http.MethodDelete, "/api/v1/cart/items/"+url.PathEscape(m.ItemID), nil)
	case models.CartClear:
		return r.do(ctx, actor, http.MethodDelete, "/api/v1/cart", nil)
	}
	return nil, fmt.Errorf("%w: %q", models.ErrUnknownCartMutation, m.Kind)
}

func (r *HTTPRemote) do(ctx context.Context, actor models.Actor, method, path string, body interface{}) (*models.Cart, error) {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Actor-ID", actor.ID)
	req.Header.Set("X-Actor-Role", string(actor.Role))
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cart request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr struct {
			Error  string `json:"error"`
			Reason string `json:"reason"`
		}
		_ = json.Unmarshal(data, &apiErr)
		if apiErr.Error == "" {
			apiErr.Error = http.StatusText(resp.StatusCode)
		}
		return nil, &RemoteError{StatusCode: resp.StatusCode, Reason: apiErr.Reason, Message: apiErr.Error}
	}

	var cart models.Cart
	if err := json.Unmarshal(data, &cart); err != nil {
		return nil, fmt.Errorf("failed to decode cart: %w", err)
	}
	if cart.Items == nil {
		cart.Items = []models.CartItem{}
	}
	return &cart, nil
}
