package stock

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/odyssey-erp/stockledger/internal/shared"
)

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
	Code    int             `json:"code"`
}

func newTestRouter(t *testing.T) (*fixture, http.Handler) {
	t.Helper()
	f := newFixture(t)
	r := chi.NewRouter()
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
			ctx := shared.ContextWithActor(req.Context(), req.Header.Get("X-Actor-ID"))
			next.ServeHTTP(w, req.WithContext(ctx))
		})
	})
	r.Route("/api/stock", NewHandler(nil, f.svc).MountRoutes)
	return f, r
}

func do(t *testing.T, h http.Handler, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Actor-ID", "u-1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env), rec.Body.String())
	return rec, env
}

func TestHandlerOrderLifecycle(t *testing.T) {
	f, h := newTestRouter(t)
	f.repo.seed(1, 1, 100, 0)
	f.orders[5] = []LineItem{line(5, 1, 1, 30)}

	rec, env := do(t, h, http.MethodPost, "/api/stock/orders/5/reserve", `{"reason":"checkout"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, env.Success)
	require.Equal(t, http.StatusOK, env.Code)

	rec, env = do(t, h, http.MethodGet, "/api/stock/products/1/warehouses/1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var entry map[string]any
	require.NoError(t, json.Unmarshal(env.Data, &entry))
	require.EqualValues(t, 100, entry["quantity"])
	require.EqualValues(t, 30, entry["reserved"])
	require.EqualValues(t, 70, entry["available"])

	rec, _ = do(t, h, http.MethodPost, "/api/stock/orders/5/confirm-payment", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env = do(t, h, http.MethodPost, "/api/stock/orders/5/cancel", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.False(t, env.Success)
	require.Equal(t, http.StatusConflict, env.Code)

	rec, env = do(t, h, http.MethodPost, "/api/stock/orders/5/refund", `{}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, string(env.Data), "payment_confirmed")

	rec, _ = do(t, h, http.MethodPost, "/api/stock/orders/5/refund", `{"payment_confirmed":true,"reason":"returned"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	f.requireEntry(t, 1, 1, 100, 0)

	rec, env = do(t, h, http.MethodGet, "/api/stock/orders/5/reservations", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var reservations []Reservation
	require.NoError(t, json.Unmarshal(env.Data, &reservations))
	require.Len(t, reservations, 1)
	require.Equal(t, ReservationRefunded, reservations[0].State)

	require.NotEmpty(t, f.audit.logs)
	require.Equal(t, "u-1", f.audit.logs[0].Actor)
}

func TestHandlerReserveInsufficientStock(t *testing.T) {
	f, h := newTestRouter(t)
	f.repo.seed(1, 1, 10, 0)
	f.orders[5] = []LineItem{line(5, 1, 1, 11)}

	rec, env := do(t, h, http.MethodPost, "/api/stock/orders/5/reserve", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	require.Contains(t, env.Message, "product 1 at warehouse 1")
}

func TestHandlerAdjustAndTransfer(t *testing.T) {
	f, h := newTestRouter(t)
	f.repo.seed(1, 1, 10, 8)

	rec, env := do(t, h, http.MethodPost, "/api/stock/adjustments", `{"product_id":1,"warehouse_id":1,"delta":-3,"reason":"damaged"}`)
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	require.Contains(t, env.Message, "8 reserved")

	rec, env = do(t, h, http.MethodPost, "/api/stock/adjustments", `{"product_id":1,"warehouse_id":1,"delta":5}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, string(env.Data), "reason")

	rec, _ = do(t, h, http.MethodPost, "/api/stock/adjustments", `{"product_id":1,"warehouse_id":1,"delta":40,"reason":"delivery"}`)
	require.Equal(t, http.StatusOK, rec.Code)

	rec, env = do(t, h, http.MethodPost, "/api/stock/transfers", `{"product_id":1,"from_warehouse_id":1,"to_warehouse_id":1,"quantity":5,"reason":"x"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	require.Contains(t, string(env.Data), "to_warehouse_id")

	rec, env = do(t, h, http.MethodPost, "/api/stock/transfers", `{"product_id":1,"from_warehouse_id":1,"to_warehouse_id":2,"quantity":20,"reason":"rebalance"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	var result TransferResult
	require.NoError(t, json.Unmarshal(env.Data, &result))
	require.True(t, result.Created)
	require.Equal(t, int64(30), result.Source.Quantity)
	require.Equal(t, int64(20), result.Destination.Quantity)

	rec, env = do(t, h, http.MethodGet, "/api/stock/products/1/warehouses/2/movements", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var movements []Movement
	require.NoError(t, json.Unmarshal(env.Data, &movements))
	require.Len(t, movements, 1)
	require.Equal(t, MovementTransferIn, movements[0].Kind)
	require.Equal(t, "u-1", movements[0].Actor)
}

func TestHandlerEntriesAndQueries(t *testing.T) {
	f, h := newTestRouter(t)
	f.repo.seed(1, 1, 100, 0)
	f.repo.seed(1, 2, 5, 0)

	rec, env := do(t, h, http.MethodPost, "/api/stock/entries", `{"product_id":2,"warehouse_id":1,"quantity":0}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	var created Entry
	require.NoError(t, json.Unmarshal(env.Data, &created))
	require.Equal(t, int64(2), created.ProductID)

	rec, _ = do(t, h, http.MethodPost, "/api/stock/entries", `{"product_id":2,"warehouse_id":1}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodPost, "/api/stock/entries", `{"product_id":2,"warehouse_id":1,"quantity":3,"color":"red"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = do(t, h, http.MethodGet, "/api/stock/products/1/summary", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var summary Summary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	require.Equal(t, int64(105), summary.TotalAvailable)
	require.Len(t, summary.Warehouses, 2)

	rec, env = do(t, h, http.MethodGet, "/api/stock/products/1/available", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.JSONEq(t, `{"product_id":1,"available":105}`, string(env.Data))

	rec, env = do(t, h, http.MethodGet, "/api/stock/entries?product_id=1&per_page=1&page=2", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var page struct {
		Items      []Entry           `json:"items"`
		Pagination shared.Pagination `json:"pagination"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Items, 1)
	require.Equal(t, int64(2), page.Items[0].WarehouseID)
	require.Equal(t, 2, page.Pagination.Total)

	rec, env = do(t, h, http.MethodGet, "/api/stock/low-stock", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Items, 2)

	rec, _ = do(t, h, http.MethodGet, "/api/stock/entries?low_stock=maybe", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = do(t, h, http.MethodGet, "/api/stock/entries/abc", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec, env = do(t, h, http.MethodGet, "/api/stock/entries/99", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
	require.False(t, env.Success)

	rec, _ = do(t, h, http.MethodGet, "/api/stock/warehouses/1/entries", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec, _ = do(t, h, http.MethodDelete, "/api/stock/entries/"+jsonInt(created.ID), `{"reason":"typo"}`)
	require.Equal(t, http.StatusOK, rec.Code)
}

func jsonInt(v int64) string {
	raw, _ := json.Marshal(v)
	return string(raw)
}

func TestHandlerRejectsBadPageParams(t *testing.T) {
	f, h := newTestRouter(t)
	f.repo.seed(1, 1, 5, 0)

	for _, path := range []string{
		"/api/stock/entries?page=two",
		"/api/stock/entries?per_page=-1",
		"/api/stock/low-stock?page=1.5",
		"/api/stock/low-stock?per_page=ten",
	} {
		rec, env := do(t, h, http.MethodGet, path, "")
		require.Equal(t, http.StatusBadRequest, rec.Code, path)
		require.Contains(t, env.Message, "invalid p", path)
	}

	rec, _ := do(t, h, http.MethodGet, "/api/stock/low-stock?page=1&per_page=10", "")
	require.Equal(t, http.StatusOK, rec.Code)
}
