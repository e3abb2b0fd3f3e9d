package payments_http

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

func RegisterRoutes(r chi.Router, s PaymentService, l *zap.Logger) {
	handler := NewPaymentHandler(s, l.With(zap.String("component", "PaymentHTTPHandler")))

	r.Route("/health", func(r chi.Router) {
		r.Get("/", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusOK)
			w.Write([]byte("Payments service is healthy!"))
		})
	})

	r.Route("/payments", func(r chi.Router) {
		r.Get("/", handler.ListPayments)
		r.Get("/{orderKey}", handler.GetPayment)
		r.Post("/{orderKey}/process", handler.ProcessPayment)
		r.Post("/{orderKey}/complete", handler.CompletePayment)
		r.Post("/{orderKey}/fail", handler.FailPayment)
		r.Post("/{orderKey}/refund", handler.RefundPayment)
		r.Post("/{orderKey}/cancel", handler.CancelPayment)
	})
}
