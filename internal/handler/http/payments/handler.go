package payments_http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/anoop387/event-driven-order-payment-system/internal/domain"
)

type PaymentService interface {
	GetPayment(ctx context.Context, orderKey string) (*domain.Payment, error)
	ListPayments(ctx context.Context, filter domain.PaymentFilter) ([]*domain.Payment, error)
	ProcessPayment(ctx context.Context, orderKey string) (*domain.Payment, error)
	CompletePayment(ctx context.Context, orderKey, transactionID string) (*domain.Payment, error)
	FailPayment(ctx context.Context, orderKey, reason string) (*domain.Payment, error)
	RefundPayment(ctx context.Context, orderKey string) (*domain.Payment, error)
	CancelPayment(ctx context.Context, orderKey string) (*domain.Payment, error)
}

type PaymentHandler struct {
	service PaymentService
	logger  *zap.Logger
}

func NewPaymentHandler(s PaymentService, l *zap.Logger) *PaymentHandler {
	return &PaymentHandler{service: s, logger: l}
}

type CompletePaymentRequest struct {
	TransactionID string `json:"transaction_id"`
}

type FailPaymentRequest struct {
	Reason string `json:"reason"`
}

type PaymentResponse struct {
	ID            string     `json:"id"`
	PaymentNumber string     `json:"payment_number"`
	OrderKey      string     `json:"order_key"`
	CustomerID    string     `json:"customer_id"`
	Amount        float64    `json:"amount"`
	Method        string     `json:"method"`
	Status        string     `json:"status"`
	TransactionID *string    `json:"transaction_id,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	PaymentDate   *time.Time `json:"payment_date,omitempty"`
	Version       int64      `json:"version"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func toResponse(p *domain.Payment) PaymentResponse {
	return PaymentResponse{
		ID:            p.ID,
		PaymentNumber: p.PaymentNumber,
		OrderKey:      p.OrderKey,
		CustomerID:    p.CustomerID,
		Amount:        p.Amount,
		Method:        string(p.Method),
		Status:        string(p.Status),
		TransactionID: p.TransactionID,
		FailureReason: p.FailureReason,
		PaymentDate:   p.PaymentDate,
		Version:       p.Version,
		CreatedAt:     p.CreatedAt,
		UpdatedAt:     p.UpdatedAt,
	}
}

func (h *PaymentHandler) GetPayment(w http.ResponseWriter, r *http.Request) {
	orderKey := chi.URLParam(r, "orderKey")
	p, err := h.service.GetPayment(r.Context(), orderKey)
	if err != nil {
		h.writeError(w, orderKey, err)
		return
	}
	h.writeJSON(w, http.StatusOK, toResponse(p))
}

func (h *PaymentHandler) ListPayments(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := domain.PaymentFilter{CustomerID: q.Get("customer_id")}
	if raw := q.Get("status"); raw != "" {
		status, err := domain.ParsePaymentStatus(raw)
		if err != nil {
			http.Error(w, "Invalid payment status", http.StatusBadRequest)
			return
		}
		filter.Status = status
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		filter.Limit = limit
	}

	payments, err := h.service.ListPayments(r.Context(), filter)
	if err != nil {
		h.writeError(w, "", err)
		return
	}
	resp := make([]PaymentResponse, 0, len(payments))
	for _, p := range payments {
		resp = append(resp, toResponse(p))
	}
	h.writeJSON(w, http.StatusOK, resp)
}

func (h *PaymentHandler) ProcessPayment(w http.ResponseWriter, r *http.Request) {
	orderKey := chi.URLParam(r, "orderKey")
	h.respond(w, orderKey)(h.service.ProcessPayment(r.Context(), orderKey))
}

func (h *PaymentHandler) CompletePayment(w http.ResponseWriter, r *http.Request) {
	orderKey := chi.URLParam(r, "orderKey")
	var req CompletePaymentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TransactionID == "" {
		http.Error(w, "transaction_id is required", http.StatusBadRequest)
		return
	}
	h.respond(w, orderKey)(h.service.CompletePayment(r.Context(), orderKey, req.TransactionID))
}

func (h *PaymentHandler) FailPayment(w http.ResponseWriter, r *http.Request) {
	orderKey := chi.URLParam(r, "orderKey")
	var req FailPaymentRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "Invalid request body", http.StatusBadRequest)
			return
		}
	}
	h.respond(w, orderKey)(h.service.FailPayment(r.Context(), orderKey, req.Reason))
}

func (h *PaymentHandler) RefundPayment(w http.ResponseWriter, r *http.Request) {
	orderKey := chi.URLParam(r, "orderKey")
	h.respond(w, orderKey)(h.service.RefundPayment(r.Context(), orderKey))
}

func (h *PaymentHandler) CancelPayment(w http.ResponseWriter, r *http.Request) {
	orderKey := chi.URLParam(r, "orderKey")
	h.respond(w, orderKey)(h.service.CancelPayment(r.Context(), orderKey))
}

func (h *PaymentHandler) respond(w http.ResponseWriter, orderKey string) func(*domain.Payment, error) {
	return func(p *domain.Payment, err error) {
		if err != nil {
			h.writeError(w, orderKey, err)
			return
		}
		h.writeJSON(w, http.StatusOK, toResponse(p))
	}
}

func (h *PaymentHandler) writeError(w http.ResponseWriter, orderKey string, err error) {
	var rejected *domain.RejectedTransitionError
	switch {
	case errors.Is(err, domain.ErrPaymentNotFound):
		http.Error(w, "Payment not found", http.StatusNotFound)
	case errors.As(err, &rejected):
		h.logger.Info("Payment action rejected", zap.String("order_key", orderKey), zap.Error(err))
		http.Error(w, rejected.Error(), http.StatusConflict)
	case errors.Is(err, domain.ErrProcessingTransient):
		h.logger.Warn("Payment store temporarily unavailable", zap.String("order_key", orderKey), zap.Error(err))
		http.Error(w, "Service temporarily unavailable", http.StatusServiceUnavailable)
	default:
		h.logger.Error("Payment request failed", zap.String("order_key", orderKey), zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
	}
}

func (h *PaymentHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("Failed to write JSON response", zap.Error(err))
	}
}
