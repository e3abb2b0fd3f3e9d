package orders_http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func RegisterRoutes(r chi.Router, s OrderService, l *zap.Logger) {
	handler := NewOrderHandler(s, l.With(zap.String("component", "OrderHTTPHandler")))

	r.Route("/health", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Orders service is healthy!"))
		})
	})

	r.Route("/orders", func(r chi.Router) {
		r.Post("/", handler.CreateOrder)
		r.Get("/", handler.ListOrders)
		r.Post("/events/resend", handler.ResendOrderEvents)
		r.Get("/number/{orderNumber}", handler.GetOrderByNumber)
		r.Get("/{orderID}", handler.GetOrder)
		r.Put("/{orderID}", handler.UpdateOrder)
		r.Delete("/{orderID}", handler.DeleteOrder)
		r.Put("/{orderID}/status", handler.UpdateOrderStatus)
	})
}
