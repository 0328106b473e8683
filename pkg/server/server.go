package server

import (
	"encoding/json"
	"math"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/sirupsen/logrus"

	"chat-dispatch/pkg/apperr"
	"chat-dispatch/pkg/config"
	"chat-dispatch/pkg/handlers"
	"chat-dispatch/pkg/ratelimit"
)

// NewRouter wires every route onto handler. metricsHandler serves the
// Prometheus registry the service's metrics were registered on. A non-nil
// ipLimiter caps webhook calls per client address.
func NewRouter(cfg *config.Config, handler *handlers.Handler, metricsHandler http.Handler, ipLimiter ratelimit.Limiter, logger *logrus.Logger) *mux.Router {
	router := mux.NewRouter()

	// Inbound chat webhook
	var message http.Handler = http.HandlerFunc(handler.Message)
	if ipLimiter != nil {
		message = ipRateLimitMiddleware(ipLimiter, logger)(message)
	}
	router.Handle("/webhook/messages", message).Methods("POST")

	// Operator routes
	router.HandleFunc("/operators/{id}", handler.RegisterOperator).Methods("PUT")
	router.HandleFunc("/operators/{id}", handler.RemoveOperator).Methods("DELETE")
	router.HandleFunc("/operators/{id}/tickets", handler.OperatorTickets).Methods("GET")
	router.HandleFunc("/operators/{id}/feed", handler.OperatorFeed).Methods("GET")
	router.HandleFunc("/tickets/{id}/respond", handler.RespondTicket).Methods("POST")
	router.HandleFunc("/tickets/{id}/close", handler.CloseTicket).Methods("POST")
	router.HandleFunc("/queue/stats", handler.QueueStats).Methods("GET")

	// Admin routes
	router.HandleFunc("/admin/cache/invalidate", handler.InvalidateCache).Methods("POST")
	router.HandleFunc("/admin/cache/warmup", handler.WarmupCache).Methods("POST")

	router.HandleFunc("/health", handler.Health).Methods("GET")
	router.HandleFunc("/status", handler.Status).Methods("GET")

	// Metrics endpoint
	router.Handle(cfg.MetricsPath, metricsHandler).Methods("GET")

	router.Use(loggingMiddleware(logger))
	return router
}

func NewHTTPServer(cfg *config.Config, handler *handlers.Handler, metricsHandler http.Handler, ipLimiter ratelimit.Limiter, logger *logrus.Logger) *http.Server {
	return &http.Server{
		Addr:        ":" + cfg.Port,
		Handler:     NewRouter(cfg, handler, metricsHandler, ipLimiter, logger),
		ReadTimeout: 15 * time.Second,
		// the operator feed resets its deadlines on every frame
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

func loggingMiddleware(logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			next.ServeHTTP(w, r)

			logger.WithFields(logrus.Fields{
				"method":   r.Method,
				"path":     r.URL.Path,
				"duration": time.Since(start),
				"remote":   r.RemoteAddr,
			}).Debug("HTTP request processed")
		})
	}
}

// ipRateLimitMiddleware rejects callers over their per-address budget with
// 429. A limiter error lets the request through.
func ipRateLimitMiddleware(limiter ratelimit.Limiter, logger *logrus.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ip := clientIP(r)
			decision, err := limiter.Admit(r.Context(), ip)
			if err != nil {
				logger.WithError(err).WithField("ip", ip).Warn("IP rate limiter unavailable, allowing request")
				next.ServeHTTP(w, r)
				return
			}
			if !decision.Allowed {
				logger.WithFields(logrus.Fields{
					"ip":          ip,
					"retry_after": decision.RetryAfter,
				}).Debug("IP rate limit exceeded")

				w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(decision.RetryAfter)))
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusTooManyRequests)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{
					"success": false,
					"error":   string(apperr.RateLimited),
					"message": "too many requests from this address",
				})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func retryAfterSeconds(d time.Duration) int {
	if secs := int(math.Ceil(d.Seconds())); secs > 1 {
		return secs
	}
	return 1
}
