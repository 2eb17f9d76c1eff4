package cartsync

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHTTPRemoteSendsActorAndDecodesCart(t *testing.T) {
	var gotMethod, gotPath, gotActor, gotRole string
	var gotBody addItemBody
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMethod, gotPath = r.Method, r.URL.Path
		gotActor, gotRole = r.Header.Get("X-Actor-ID"), r.Header.Get("X-Actor-Role")
		_ = json.NewDecoder(r.Body).Decode(&gotBody)

		cart := models.Cart{CustomerID: gotActor, BusinessID: "biz-1", Items: []models.CartItem{burger(2)}, Version: 7}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(cart)
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL+"/", time.Second)
	item := burger(2)
	cart, err := remote.ApplyMutation(context.Background(), customer, models.CartMutation{
		Kind:       models.CartAddItem,
		Item:       &item,
		BusinessID: "biz-1",
	})
	require.NoError(t, err)

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/api/v1/cart/items", gotPath)
	assert.Equal(t, customer.ID, gotActor)
	assert.Equal(t, string(models.RoleCustomer), gotRole)
	assert.Equal(t, "biz-1", gotBody.BusinessID)
	assert.Equal(t, int64(7), cart.Version)
	assert.Equal(t, int64(1700), cart.Total())
}

func TestHTTPRemoteRoutesMutations(t *testing.T) {
	var calls []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls = append(calls, r.Method+" "+r.URL.Path)
		_ = json.NewEncoder(w).Encode(models.NewCart(customer.ID))
	}))
	defer srv.Close()

	remote := NewHTTPRemote(srv.URL, time.Second)
	ctx := context.Background()
	_, err := remote.ApplyMutation(ctx, customer, models.CartMutation{Kind: models.CartUpdateQuantity, ItemID: "burger", Quantity: 3})
	require.NoError(t, err)
	_, err = remote.ApplyMutation(ctx, customer, models.CartMutation{Kind: models.CartRemoveItem, ItemID: "burger"})
	require.NoError(t, err)
	_, err = remote.ApplyMutation(ctx, customer, models.CartMutation{Kind: models.CartClear})
	require.NoError(t, err)
	_, err = remote.FetchCart(ctx, customer)
	require.NoError(t, err)

	assert.Equal(t, []string{
		"PATCH /api/v1/cart/items/burger",
		"DELETE /api/v1/cart/items/burger",
		"DELETE /api/v1/cart",
		"GET /api/v1/cart",
	}, calls)
}

func TestHTTPRemoteClassifiesFailures(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		reason   string
		rejected bool
		kind     error
	}{
		{name: "conflict is a rejection", status: http.StatusConflict, reason: "cart_business_mismatch", rejected: true, kind: service.ErrCartSync},
		{name: "not found is a rejection", status: http.StatusNotFound, reason: "cart_item_not_found", rejected: true, kind: service.ErrCartSync},
		{name: "server error is unknown", status: http.StatusInternalServerError, kind: service.ErrTransport},
		{name: "unavailable is unknown", status: http.StatusServiceUnavailable, kind: service.ErrTransport},
		{name: "timeout status is unknown", status: http.StatusRequestTimeout, kind: service.ErrTransport},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				_ = json.NewEncoder(w).Encode(map[string]string{"error": "nope", "reason": tt.reason})
			}))
			defer srv.Close()

			remote := NewHTTPRemote(srv.URL, time.Second)
			_, err := remote.ApplyMutation(context.Background(), customer, models.CartMutation{Kind: models.CartClear})
			require.Error(t, err)

			var re *RemoteError
			require.True(t, errors.As(err, &re))
			assert.Equal(t, tt.status, re.StatusCode)

			se := classify(models.CartClear, err)
			assert.Equal(t, tt.rejected, se.Rejected)
			assert.Equal(t, tt.reason, se.Reason)
			assert.ErrorIs(t, se, tt.kind)
		})
	}
}

func TestHTTPRemoteTimeoutIsUnknownOutcome(t *testing.T) {
	block := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-block
	}))
	defer srv.Close()
	defer close(block)

	remote := NewHTTPRemote(srv.URL, 50*time.Millisecond)
	_, err := remote.ApplyMutation(context.Background(), customer, models.CartMutation{Kind: models.CartClear})
	require.Error(t, err)

	se := classify(models.CartClear, err)
	assert.False(t, se.Rejected)
	assert.ErrorIs(t, se, service.ErrTransport)
}
