package router

import (
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/ulule/limiter/v3"
	"go.uber.org/zap"

	"github.com/anoop387/event-driven-order-payment-system/internal/config"
)

func NewRouter(cfg *config.GatewayConfig, logger *zap.Logger) (http.Handler, error) {
	ordersURL, err := url.Parse(cfg.OrdersServiceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Order Service URL (%s): %w", cfg.OrdersServiceURL, err)
	}
	paymentsURL, err := url.Parse(cfg.PaymentsServiceURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Payments Service URL (%s): %w", cfg.PaymentsServiceURL, err)
	}

	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))
	if cfg.RateLimit > 0 {
		r.Use(rateLimit(newRateLimiter(limiter.Rate{Period: cfg.RateLimitPeriod, Limit: cfg.RateLimit}), logger))
	}

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-CSRF-Token"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	orderProxy := createProxy(ordersURL, logger)
	paymentProxy := createProxy(paymentsURL, logger)

	r.Handle("/orders", orderProxy)
	r.Handle("/orders/*", orderProxy)
	r.Handle("/payments", paymentProxy)
	r.Handle("/payments/*", paymentProxy)

	r.Get("/", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Gateway is up!"))
	})

	return r, nil
}

func createProxy(target *url.URL, logger *zap.Logger) http.Handler {
	proxy := &httputil.ReverseProxy{
		Rewrite: func(pr *httputil.ProxyRequest) {
			pr.SetURL(target)
			pr.SetXForwarded()
		},
	}

	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("Proxy error",
			zap.String("path", r.URL.Path),
			zap.String("target", target.String()),
			zap.Error(err))

		var netErr net.Error
		switch {
		case os.IsTimeout(err):
			renderJSONError(w, "Gateway Timeout", http.StatusGatewayTimeout)
		case errors.As(err, &netErr):
			renderJSONError(w, "Service Unavailable", http.StatusServiceUnavailable)
		default:
			renderJSONError(w, "Internal Server Error", http.StatusInternalServerError)
		}
	}

	return proxy
}

func requestLogger(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			logger.Info("Request served",
				zap.String("request_id", middleware.GetReqID(r.Context())),
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.Status()),
				zap.Duration("duration", time.Since(start)))
		})
	}
}

func renderJSONError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	fmt.Fprintf(w, `{"error": "%s", "code": %d}`, message, statusCode)
}
