package orders_http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/anoop387/event-driven-order-payment-system/internal/app/orders"
	"github.com/anoop387/event-driven-order-payment-system/internal/domain"
)

type OrderService interface {
	CreateOrder(ctx context.Context, req *orders.CreateOrderRequest) (*orders.OrderResponse, error)
	GetOrder(ctx context.Context, orderID string) (*orders.OrderResponse, error)
	GetOrderByNumber(ctx context.Context, orderNumber string) (*orders.OrderResponse, error)
	ListOrders(ctx context.Context, filter domain.OrderFilter) ([]*orders.OrderResponse, error)
	UpdateOrder(ctx context.Context, orderID string, req *orders.UpdateOrderRequest) (*orders.OrderResponse, error)
	UpdateOrderStatus(ctx context.Context, orderID, status string) (*orders.OrderResponse, error)
	DeleteOrder(ctx context.Context, orderID string) error
	ResendOrderEvents(ctx context.Context, filter domain.OrderFilter) (*orders.BulkResendResponse, error)
}

type OrderHandler struct {
	service OrderService
	logger  *zap.Logger
}

func NewOrderHandler(s OrderService, l *zap.Logger) *OrderHandler {
	return &OrderHandler{service: s, logger: l}
}

func (h *OrderHandler) CreateOrder(w http.ResponseWriter, r *http.Request) {
	var req orders.CreateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Invalid request body for CreateOrder", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.service.CreateOrder(r.Context(), &req)
	if err != nil {
		h.writeError(w, "", err)
		return
	}
	h.writeJSON(w, http.StatusCreated, res)
}

func (h *OrderHandler) GetOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	res, err := h.service.GetOrder(r.Context(), orderID)
	if err != nil {
		h.writeError(w, orderID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *OrderHandler) GetOrderByNumber(w http.ResponseWriter, r *http.Request) {
	orderNumber := chi.URLParam(r, "orderNumber")
	res, err := h.service.GetOrderByNumber(r.Context(), orderNumber)
	if err != nil {
		h.writeError(w, orderNumber, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *OrderHandler) ListOrders(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.parseFilter(w, r)
	if !ok {
		return
	}
	res, err := h.service.ListOrders(r.Context(), filter)
	if err != nil {
		h.writeError(w, "", err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *OrderHandler) UpdateOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	var req orders.UpdateOrderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("Invalid request body for UpdateOrder", zap.Error(err))
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	res, err := h.service.UpdateOrder(r.Context(), orderID, &req)
	if err != nil {
		h.writeError(w, orderID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *OrderHandler) UpdateOrderStatus(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	var req orders.UpdateOrderStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Status == "" {
		http.Error(w, "status is required", http.StatusBadRequest)
		return
	}

	res, err := h.service.UpdateOrderStatus(r.Context(), orderID, req.Status)
	if err != nil {
		h.writeError(w, orderID, err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *OrderHandler) DeleteOrder(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "orderID")
	if err := h.service.DeleteOrder(r.Context(), orderID); err != nil {
		h.writeError(w, orderID, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *OrderHandler) ResendOrderEvents(w http.ResponseWriter, r *http.Request) {
	filter, ok := h.parseFilter(w, r)
	if !ok {
		return
	}
	res, err := h.service.ResendOrderEvents(r.Context(), filter)
	if err != nil {
		h.writeError(w, "", err)
		return
	}
	h.writeJSON(w, http.StatusOK, res)
}

func (h *OrderHandler) parseFilter(w http.ResponseWriter, r *http.Request) (domain.OrderFilter, bool) {
	q := r.URL.Query()
	filter := domain.OrderFilter{CustomerID: q.Get("customer_id")}
	if raw := q.Get("status"); raw != "" {
		status, err := domain.ParseOrderStatus(raw)
		if err != nil {
			http.Error(w, "Invalid order status", http.StatusBadRequest)
			return filter, false
		}
		filter.Status = status
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return filter, false
		}
		filter.Limit = limit
	}
	return filter, true
}

func (h *OrderHandler) writeError(w http.ResponseWriter, ref string, err error) {
	switch {
	case errors.Is(err, domain.ErrOrderNotFound):
		h.logger.Info("Order not found", zap.String("order_ref", ref))
		http.Error(w, "Order not found", http.StatusNotFound)
	case errors.Is(err, domain.ErrInvalidOrderStatus), errors.Is(err, domain.ErrOrderAlreadyExists):
		h.logger.Warn("Order conflict", zap.String("order_ref", ref), zap.Error(err))
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrInvalidOrder):
		h.logger.Warn("Bad order request", zap.String("order_ref", ref), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
	default:
		h.logger.Error("Order request failed", zap.String("order_ref", ref), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *OrderHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to write JSON response", zap.Error(err))
	}
}
