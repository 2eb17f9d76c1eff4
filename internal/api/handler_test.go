package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"fulfillment-service/internal/cartsync"
	"fulfillment-service/internal/models"
	"fulfillment-service/internal/service"
	"fulfillment-service/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	customer   = models.Actor{ID: "cust-1", Role: models.RoleCustomer}
	business   = models.Actor{ID: "biz-1", Role: models.RoleBusiness}
	dispatcher = models.Actor{ID: "disp-1", Role: models.RoleDispatcher}
	driver     = models.Actor{ID: "drv-1", Role: models.RoleDriver}
)

type failingPinger struct{}

func (failingPinger) Ping(ctx context.Context) error { return errors.New("unreachable") }

type testServer struct {
	router *gin.Engine
	store  *store.MemoryStore
}

func newTestServer(t *testing.T, deps map[string]Pinger) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	st := store.NewMemoryStore()
	policy := service.DefaultPolicy()
	availability := service.NewAvailabilityService(st, policy)
	if deps == nil {
		deps = map[string]Pinger{"store": st}
	}
	h := NewHandler(Services{
		Orders:       service.NewOrderService(st, st, nil),
		Batches:      service.NewBatchService(st, st, nil, policy),
		Assignments:  service.NewAssignmentEngine(st, availability, nil, nil, policy),
		Availability: availability,
		Carts:        service.NewCartService(st, nil),
		Dispatch:     service.LeastLoaded,
	}, deps)

	router := gin.New()
	h.SetupRoutes(router)
	return &testServer{router: router, store: st}
}

func (s *testServer) do(t *testing.T, actor models.Actor, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf *bytes.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		require.NoError(t, err)
		buf = bytes.NewReader(payload)
	} else {
		buf = bytes.NewReader(nil)
	}

	req := httptest.NewRequest(method, path, buf)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if actor.ID != "" {
		req.Header.Set("X-Actor-ID", actor.ID)
		req.Header.Set("X-Actor-Role", string(actor.Role))
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &v), w.Body.String())
	return v
}

func (s *testServer) readyOrder(t *testing.T) models.Order {
	t.Helper()
	w := s.do(t, customer, http.MethodPost, "/api/v1/orders", map[string]interface{}{
		"business_id":  "biz-1",
		"delivery_fee": 300,
		"items": []map[string]interface{}{
			{"name": "Ramen", "quantity": 2, "unit_price": 1200},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	order := decode[models.Order](t, w)

	for _, step := range []string{"confirm", "prepare", "ready"} {
		w = s.do(t, business, http.MethodPost, "/api/v1/orders/"+order.ID+"/"+step, nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	return decode[models.Order](t, w)
}

func TestHealthAndReadiness(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, models.Actor{}, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = s.do(t, models.Actor{}, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	s = newTestServer(t, map[string]Pinger{"redis": failingPinger{}})
	w = s.do(t, models.Actor{}, http.MethodGet, "/ready", nil)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unreachable")
}

func TestActorHeadersRequired(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, models.Actor{}, http.MethodGet, "/api/v1/cart", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = s.do(t, models.Actor{ID: "x", Role: "wizard"}, http.MethodGet, "/api/v1/cart", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestCreateOrderComputesTotals(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, customer, http.MethodPost, "/api/v1/orders", map[string]interface{}{
		"business_id":     "biz-1",
		"delivery_fee":    250,
		"idempotency_key": "checkout-1",
		"items": []map[string]interface{}{
			{"name": "Taco", "quantity": 3, "unit_price": 400},
			{"name": "Soda", "quantity": 1, "unit_price": 150},
		},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	order := decode[models.Order](t, w)
	assert.Equal(t, int64(1350), order.Total)
	assert.Equal(t, int64(1600), order.GrandTotal)
	assert.Equal(t, models.OrderStatusPending, order.Status)
	assert.Equal(t, "cust-1", order.CustomerID)

	w = s.do(t, customer, http.MethodPost, "/api/v1/orders", map[string]interface{}{
		"business_id":     "biz-1",
		"idempotency_key": "checkout-1",
		"items":           []map[string]interface{}{{"name": "Taco", "quantity": 1, "unit_price": 400}},
	})
	require.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, order.ID, decode[models.Order](t, w).ID)

	w = s.do(t, customer, http.MethodPost, "/api/v1/orders", map[string]interface{}{"business_id": "biz-1"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestOrderTransitionErrors(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, business, http.MethodPost, "/api/v1/orders/missing/confirm", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	order := s.readyOrder(t)
	w = s.do(t, business, http.MethodPost, "/api/v1/orders/"+order.ID+"/confirm", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
	body := decode[map[string]string](t, w)
	assert.Equal(t, "invalid_status_transition", body["reason"])

	w = s.do(t, business, http.MethodPost, "/api/v1/orders/"+order.ID+"/cancel", map[string]string{"reason": "closed early"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.OrderStatusCancelled, decode[models.Order](t, w).Status)

	w = s.do(t, business, http.MethodGet, "/api/v1/orders/"+order.ID+"/history", nil)
	require.Equal(t, http.StatusOK, w.Code)
	history := decode[map[string][]models.StatusHistory](t, w)["history"]
	assert.Len(t, history, 4)
}

func TestAssignAndDeliverOrder(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	require.NoError(t, s.store.CreateDriver(ctx, &models.Driver{ID: "drv-1", Name: "Dana", IsActive: true}))
	require.NoError(t, s.store.CreateDriver(ctx, &models.Driver{ID: "drv-off", Name: "Off", IsActive: false}))

	order := s.readyOrder(t)

	w := s.do(t, dispatcher, http.MethodPost, "/api/v1/orders/"+order.ID+"/assign", map[string]string{"driver_id": "drv-off"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, "driver_offline", decode[map[string]string](t, w)["reason"])

	w = s.do(t, dispatcher, http.MethodPost, "/api/v1/orders/"+order.ID+"/assign", map[string]string{"driver_id": "drv-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assigned := decode[models.Order](t, w)
	assert.Equal(t, models.OrderStatusOutForDelivery, assigned.Status)
	require.NotNil(t, assigned.DriverID)
	assert.Equal(t, "drv-1", *assigned.DriverID)

	w = s.do(t, dispatcher, http.MethodPost, "/api/v1/orders/"+order.ID+"/assign", map[string]string{"driver_id": "drv-1"})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "order_already_assigned", decode[map[string]string](t, w)["reason"])

	w = s.do(t, dispatcher, http.MethodGet, "/api/v1/drivers/drv-1/availability", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 1, decode[service.Availability](t, w).ActiveOrders)

	w = s.do(t, models.Actor{ID: "drv-2", Role: models.RoleDriver}, http.MethodPost, "/api/v1/orders/"+order.ID+"/deliver", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, driver, http.MethodPost, "/api/v1/orders/"+order.ID+"/deliver", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.OrderStatusDelivered, decode[models.Order](t, w).Status)

	w = s.do(t, dispatcher, http.MethodGet, "/api/v1/orders/"+order.ID+"/assignments", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assignments := decode[map[string][]models.DriverAssignment](t, w)["assignments"]
	require.Len(t, assignments, 1)
	assert.False(t, assignments[0].Active)
}

func TestBatchLifecycleOverHTTP(t *testing.T) {
	s := newTestServer(t, nil)
	require.NoError(t, s.store.CreateDriver(context.Background(), &models.Driver{ID: "drv-1", Name: "Dana", IsActive: true}))

	o1, o2 := s.readyOrder(t), s.readyOrder(t)

	w := s.do(t, dispatcher, http.MethodPost, "/api/v1/batches", map[string]interface{}{
		"business_id": "biz-1",
		"order_ids":   []string{o1.ID, o2.ID},
	})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	batch := decode[models.DeliveryBatch](t, w)
	assert.Equal(t, models.BatchStatusPending, batch.Status)

	w = s.do(t, dispatcher, http.MethodPost, "/api/v1/orders/"+o1.ID+"/assign", map[string]string{"driver_id": "drv-1"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = s.do(t, dispatcher, http.MethodPost, "/api/v1/batches/"+batch.ID+"/assign", map[string]string{"driver_id": "drv-1"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, models.BatchStatusAssigned, decode[models.DeliveryBatch](t, w).Status)

	w = s.do(t, driver, http.MethodPost, "/api/v1/batches/"+batch.ID+"/start", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = s.do(t, driver, http.MethodPost, "/api/v1/batches/"+batch.ID+"/complete", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	for _, id := range []string{o1.ID, o2.ID} {
		w = s.do(t, driver, http.MethodPost, "/api/v1/batches/"+batch.ID+"/orders/"+id+"/pickup", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		w = s.do(t, driver, http.MethodPost, "/api/v1/batches/"+batch.ID+"/orders/"+id+"/deliver", nil)
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	}
	assert.Equal(t, models.BatchStatusCompleted, decode[models.DeliveryBatch](t, w).Status)

	w = s.do(t, dispatcher, http.MethodGet, "/api/v1/orders/"+o2.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, models.OrderStatusDelivered, decode[models.Order](t, w).Status)
}

func TestEligibleDriversAndRelease(t *testing.T) {
	s := newTestServer(t, nil)
	ctx := context.Background()
	own := "biz-1"
	other := "biz-2"
	require.NoError(t, s.store.CreateDriver(ctx, &models.Driver{ID: "drv-1", Name: "Own", IsActive: true, BusinessID: &own}))
	require.NoError(t, s.store.CreateDriver(ctx, &models.Driver{ID: "drv-2", Name: "Free", IsActive: true}))
	require.NoError(t, s.store.CreateDriver(ctx, &models.Driver{ID: "drv-3", Name: "Other", IsActive: true, BusinessID: &other}))

	w := s.do(t, dispatcher, http.MethodGet, "/api/v1/businesses/biz-1/drivers/eligible", nil)
	require.Equal(t, http.StatusOK, w.Code)
	drivers := decode[map[string][]service.Availability](t, w)["drivers"]
	ids := []string{}
	for _, d := range drivers {
		ids = append(ids, d.Driver.ID)
	}
	assert.ElementsMatch(t, []string{"drv-1", "drv-2"}, ids)

	order := s.readyOrder(t)
	w = s.do(t, dispatcher, http.MethodPost, "/api/v1/orders/"+order.ID+"/auto-assign", map[string]string{"policy": "independent_last"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "drv-1", *decode[models.Order](t, w).DriverID)

	w = s.do(t, dispatcher, http.MethodPost, "/api/v1/orders/"+order.ID+"/auto-assign", map[string]string{"policy": "random"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, dispatcher, http.MethodPost, "/api/v1/drivers/drv-1/release", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[models.ReleaseResult](t, w)
	assert.Equal(t, []string{order.ID}, result.ReleasedOrders)

	w = s.do(t, dispatcher, http.MethodPost, "/api/v1/drivers/nobody/release", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCartEndpoints(t *testing.T) {
	s := newTestServer(t, nil)

	w := s.do(t, customer, http.MethodGet, "/api/v1/cart", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode[map[string]interface{}](t, w)["version"])

	w = s.do(t, customer, http.MethodPost, "/api/v1/cart/items", map[string]interface{}{
		"item":        map[string]interface{}{"id": "burger", "name": "Burger", "price": 850, "quantity": 2},
		"business_id": "biz-1",
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	cart := decode[map[string]interface{}](t, w)
	assert.Equal(t, float64(1700), cart["total"])
	assert.Equal(t, float64(2), cart["item_count"])

	w = s.do(t, customer, http.MethodPost, "/api/v1/cart/items", map[string]interface{}{
		"item":        map[string]interface{}{"id": "pizza", "name": "Pizza", "price": 1200, "quantity": 1},
		"business_id": "biz-2",
	})
	assert.Equal(t, http.StatusConflict, w.Code)
	assert.Equal(t, "cart_business_mismatch", decode[map[string]string](t, w)["reason"])

	w = s.do(t, customer, http.MethodPatch, "/api/v1/cart/items/missing", map[string]int{"quantity": 1})
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = s.do(t, customer, http.MethodPatch, "/api/v1/cart/items/burger", map[string]int{"quantity": 0})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, float64(0), decode[map[string]interface{}](t, w)["item_count"])

	w = s.do(t, customer, http.MethodDelete, "/api/v1/cart", nil)
	require.Equal(t, http.StatusOK, w.Code)
}

func TestReconcilerAgainstHTTPServer(t *testing.T) {
	s := newTestServer(t, nil)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	ctx := context.Background()
	remote := cartsync.NewHTTPRemote(srv.URL, time.Second)

	first := cartsync.NewReconciler(customer, remote, time.Second)
	_, err := first.AddItem(ctx, models.CartItem{ID: "burger", Name: "Burger", Price: 850, Quantity: 1}, "biz-1", "Burger Barn", false)
	require.NoError(t, err)

	second := cartsync.NewReconciler(customer, remote, time.Second)
	_, err = second.AddItem(ctx, models.CartItem{ID: "pizza", Name: "Pizza", Price: 1200, Quantity: 1}, "biz-2", "Pizza Place", false)
	require.Error(t, err)
	assert.ErrorIs(t, err, service.ErrCartSync)

	view := second.Cart()
	require.Len(t, view.Items, 1)
	assert.Equal(t, "burger", view.Items[0].ID)
	assert.Equal(t, int64(1), view.Version)
	assert.Equal(t, cartsync.PhaseIdle, second.Phase())
}
