package stock

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/odyssey-erp/stockledger/internal/platform/httpx"
	"github.com/odyssey-erp/stockledger/internal/shared"
)

// Handler wires the JSON endpoints of the ledger.
type Handler struct {
	logger   *slog.Logger
	service  *Service
	validate *validator.Validate
}

// NewHandler constructs the ledger handler.
func NewHandler(logger *slog.Logger, service *Service) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, service: service, validate: newValidator()}
}

// MountRoutes registers ledger routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/entries", h.handleSearch)
	r.Post("/entries", h.handleCreateEntry)
	r.Get("/entries/{id}", h.handleGetEntry)
	r.Delete("/entries/{id}", h.handleDeleteEntry)
	r.Get("/low-stock", h.handleLowStock)

	r.Route("/products/{productID}", func(r chi.Router) {
		r.Get("/entries", h.handleListByProduct)
		r.Get("/available", h.handleAvailable)
		r.Get("/summary", h.handleSummary)
		r.Get("/warehouses/{warehouseID}", h.handleGetByProductWarehouse)
		r.Get("/warehouses/{warehouseID}/movements", h.handleMovements)
	})
	r.Get("/warehouses/{warehouseID}/entries", h.handleListByWarehouse)

	r.Route("/orders/{orderID}", func(r chi.Router) {
		r.Get("/reservations", h.handleListReservations)
		r.Post("/reserve", h.handleReserve)
		r.Post("/confirm-payment", h.handleConfirmPayment)
		r.Post("/cancel", h.handleCancel)
		r.Post("/refund", h.handleRefund)
	})

	r.Post("/adjustments", h.handleAdjust)
	r.Post("/transfers", h.handleTransfer)
}

func (h *Handler) handleSearch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := SearchFilter{}
	var err error
	if filter.ProductID, err = queryInt64(q.Get("product_id")); err != nil {
		h.badRequest(w, "product_id", err)
		return
	}
	if filter.WarehouseID, err = queryInt64(q.Get("warehouse_id")); err != nil {
		h.badRequest(w, "warehouse_id", err)
		return
	}
	if filter.LowStock, err = queryBool(q.Get("low_stock")); err != nil {
		h.badRequest(w, "low_stock", err)
		return
	}
	if filter.OutOfStock, err = queryBool(q.Get("out_of_stock")); err != nil {
		h.badRequest(w, "out_of_stock", err)
		return
	}
	var ok bool
	if filter.Page, filter.PerPage, ok = h.pageParams(w, q); !ok {
		return
	}

	entries, page, err := h.service.Search(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, http.StatusOK, "stock entries", pageResponse{Items: entries, Pagination: page})
}

func (h *Handler) handleLowStock(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	page, perPage, ok := h.pageParams(w, q)
	if !ok {
		return
	}
	entries, pagination, err := h.service.ListLowStock(r.Context(), page, perPage)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, http.StatusOK, fmt.Sprintf("entries below %d available units", h.service.Threshold()),
		pageResponse{Items: entries, Pagination: pagination})
}

func (h *Handler) handleCreateEntry(w http.ResponseWriter, r *http.Request) {
	var req createEntryRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.service.CreateEntry(r.Context(), CreateEntryInput{
		ProductID:   req.ProductID,
		WarehouseID: req.WarehouseID,
		Quantity:    *req.Quantity,
		Reason:      req.Reason,
		Actor:       shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, http.StatusCreated, "stock entry created", entry)
}

func (h *Handler) handleGetEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	entry, err := h.service.GetByID(r.Context(), id)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, http.StatusOK, "stock entry", entry)
}

func (h *Handler) handleDeleteEntry(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r, "id")
	if !ok {
		return
	}
	var req deleteEntryRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.service.DeleteEntry(r.Context(), DeleteEntryInput{
		ID:     id,
		Reason: req.Reason,
		Actor:  shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, http.StatusOK, "stock entry deleted", entry)
}

func (h *Handler) handleListByProduct(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.pathID(w, r, "productID")
	if !ok {
		return
	}
	entries, err := h.service.ListByProduct(r.Context(), productID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, http.StatusOK, "stock entries", entries)
}

func (h *Handler) handleListByWarehouse(w http.ResponseWriter, r *http.Request) {
	warehouseID, ok := h.pathID(w, r, "warehouseID")
	if !ok {
		return
	}
	entries, err := h.service.ListByWarehouse(r.Context(), warehouseID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, http.StatusOK, "stock entries", entries)
}

func (h *Handler) handleGetByProductWarehouse(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.pathID(w, r, "productID")
	if !ok {
		return
	}
	warehouseID, ok := h.pathID(w, r, "warehouseID")
	if !ok {
		return
	}
	entry, err := h.service.GetByProductWarehouse(r.Context(), productID, warehouseID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, http.StatusOK, "stock entry", entry)
}

func (h *Handler) handleMovements(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.pathID(w, r, "productID")
	if !ok {
		return
	}
	warehouseID, ok := h.pathID(w, r, "warehouseID")
	if !ok {
		return
	}
	filter := MovementFilter{ProductID: productID, WarehouseID: warehouseID}
	var err error
	if filter.OrderID, err = queryInt64(r.URL.Query().Get("order_id")); err != nil {
		h.badRequest(w, "order_id", err)
		return
	}
	limit, err := queryInt64(r.URL.Query().Get("limit"))
	if err != nil {
		h.badRequest(w, "limit", err)
		return
	}
	filter.Limit = int(limit)
	movements, err := h.service.ListMovements(r.Context(), filter)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, http.StatusOK, "stock movements", movements)
}

func (h *Handler) handleAvailable(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.pathID(w, r, "productID")
	if !ok {
		return
	}
	available, err := h.service.GetAvailableStock(r.Context(), productID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, http.StatusOK, "available stock", availableResponse{ProductID: productID, Available: available})
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	productID, ok := h.pathID(w, r, "productID")
	if !ok {
		return
	}
	summary, err := h.service.GetStockSummary(r.Context(), productID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, http.StatusOK, "stock summary", summary)
}

func (h *Handler) handleListReservations(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.pathID(w, r, "orderID")
	if !ok {
		return
	}
	reservations, err := h.service.ListReservations(r.Context(), orderID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, http.StatusOK, "order reservations", reservations)
}

func (h *Handler) handleReserve(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, "stock reserved", h.service.Reserve)
}

func (h *Handler) handleConfirmPayment(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, "reservation consumed", h.service.ConfirmPayment)
}

func (h *Handler) handleCancel(w http.ResponseWriter, r *http.Request) {
	h.orderAction(w, r, "reservation released", h.service.CancelOrder)
}

func (h *Handler) orderAction(w http.ResponseWriter, r *http.Request, message string, action func(context.Context, OrderInput) (OrderResult, error)) {
	orderID, ok := h.pathID(w, r, "orderID")
	if !ok {
		return
	}
	var req orderActionRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := action(r.Context(), OrderInput{
		OrderID: orderID,
		Reason:  req.Reason,
		Actor:   shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, http.StatusOK, message, result)
}

func (h *Handler) handleRefund(w http.ResponseWriter, r *http.Request) {
	orderID, ok := h.pathID(w, r, "orderID")
	if !ok {
		return
	}
	var req refundRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.RefundOrder(r.Context(), RefundInput{
		OrderInput: OrderInput{
			OrderID: orderID,
			Reason:  req.Reason,
			Actor:   shared.ActorFromContext(r.Context()),
		},
		PaymentConfirmed: *req.PaymentConfirmed,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, http.StatusOK, "order refunded", result)
}

func (h *Handler) handleAdjust(w http.ResponseWriter, r *http.Request) {
	var req adjustmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	entry, err := h.service.AdjustStock(r.Context(), AdjustmentInput{
		ProductID:   req.ProductID,
		WarehouseID: req.WarehouseID,
		Delta:       req.Delta,
		Reason:      req.Reason,
		Actor:       shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, http.StatusOK, "stock adjusted", entry)
}

func (h *Handler) handleTransfer(w http.ResponseWriter, r *http.Request) {
	var req transferRequest
	if !h.decode(w, r, &req) {
		return
	}
	result, err := h.service.TransferStock(r.Context(), TransferInput{
		ProductID:       req.ProductID,
		FromWarehouseID: req.FromWarehouseID,
		ToWarehouseID:   req.ToWarehouseID,
		Quantity:        req.Quantity,
		Reason:          req.Reason,
		Actor:           shared.ActorFromContext(r.Context()),
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.OK(w, http.StatusOK, "stock transferred", result)
}

// decode reads and validates the JSON body, answering 400 itself on failure.
func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := httpx.DecodeJSON(r, dst); err != nil {
		httpx.Fail(w, http.StatusBadRequest, "invalid JSON body", map[string]string{"body": err.Error()})
		return false
	}
	if err := h.validate.Struct(dst); err != nil {
		httpx.Fail(w, http.StatusBadRequest, "validation failed", fieldErrors(err))
		return false
	}
	return true
}

func (h *Handler) pathID(w http.ResponseWriter, r *http.Request, param string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, param), 10, 64)
	if err != nil || id <= 0 {
		httpx.Fail(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", param), nil)
		return 0, false
	}
	return id, true
}

func (h *Handler) badRequest(w http.ResponseWriter, field string, err error) {
	h.logger.Debug("stock bad query parameter", slog.String("field", field), slog.Any("error", err))
	httpx.Fail(w, http.StatusBadRequest, fmt.Sprintf("invalid %s", field), nil)
}

func (h *Handler) pageParams(w http.ResponseWriter, q url.Values) (int, int, bool) {
	page, err := queryPage(q.Get("page"))
	if err != nil {
		h.badRequest(w, "page", err)
		return 0, 0, false
	}
	perPage, err := queryPage(q.Get("per_page"))
	if err != nil {
		h.badRequest(w, "per_page", err)
		return 0, 0, false
	}
	return page, perPage, true
}

func queryPage(raw string) (int, error) {
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	if n < 0 {
		return 0, fmt.Errorf("must not be negative, got %d", n)
	}
	return n, nil
}

func queryInt64(raw string) (int64, error) {
	if raw == "" {
		return 0, nil
	}
	return strconv.ParseInt(raw, 10, 64)
}

func queryBool(raw string) (bool, error) {
	if raw == "" {
		return false, nil
	}
	return strconv.ParseBool(raw)
}
