package api

import (
	"bufio"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"yar/internal/auth"
	"yar/internal/metrics"
)

// SetupRouter creates and configures the HTTP router. Hub writes are only
// routed when tokens is non-nil.
func SetupRouter(handler *Handler, tokens *auth.TokenIssuer, logger *zap.Logger) *mux.Router {
	router := mux.NewRouter()

	// Apply middleware
	router.Use(loggingMiddleware(logger))
	router.Use(metricsMiddleware())
	router.Use(corsMiddleware())
	router.Use(recoveryMiddleware(logger))

	// Health check endpoint
	router.HandleFunc("/health", handler.HandleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)

	// API v1 routes
	api := router.PathPrefix("/api/v1").Subrouter()

	// Hub routes serve the in-process hub. A relayer driving a hub contract
	// on an EVM chain has none.
	if handler.hub != nil {
		api.HandleFunc("/hub/balances/{user}", handler.HandleGetBalance).Methods(http.MethodGet)
		api.HandleFunc("/hub/allowances/{owner}/{chainId}/{spender}", handler.HandleGetAllowance).Methods(http.MethodGet)
		api.HandleFunc("/hub/transactions", handler.HandleListTransactions).Methods(http.MethodGet)
		api.HandleFunc("/hub/transactions/{hash}", handler.HandleGetTransaction).Methods(http.MethodGet)
		api.HandleFunc("/stream", handler.HandleStream).Methods(http.MethodGet)
	}

	// Hub writes, relayer tokens only
	if handler.hub != nil && tokens != nil {
		scoped := func(path string, scope auth.Scope, fn http.HandlerFunc) {
			api.Handle(path, requireScope(tokens, scope, logger)(fn)).Methods(http.MethodPost)
		}
		scoped("/hub/deposits", auth.ScopeDeposit, handler.HandleDeposit)
		scoped("/hub/approvals", auth.ScopeApprove, handler.HandleApprove)
		scoped("/hub/transactions", auth.ScopeCreate, handler.HandleCreateTransaction)
		scoped("/hub/transactions/{hash}/execute", auth.ScopeExecute, handler.HandleExecuteTransaction)
		scoped("/hub/transactions/{hash}/complete", auth.ScopeComplete, handler.HandleCompleteTransaction)
	}

	// Tools
	api.HandleFunc("/envelopes/hash", handler.HandleEnvelopeHash).Methods(http.MethodPost)
	api.HandleFunc("/bridges/issued-address", handler.HandleIssuedAddress).Methods(http.MethodGet)

	// Fees
	api.HandleFunc("/fees/quote", handler.HandleFeeQuote).Methods(http.MethodPost)

	// Relay jobs
	api.HandleFunc("/jobs/{id}", handler.HandleGetJob).Methods(http.MethodGet)

	return router
}

// ==================== Middleware ====================

// loggingMiddleware logs HTTP requests
func loggingMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Wrap response writer to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			logger.Info("HTTP request",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", wrapped.statusCode),
				zap.Duration("duration", time.Since(start)),
				zap.String("remote_addr", r.RemoteAddr),
			)
		})
	}
}

// metricsMiddleware counts requests by route template and status code
func metricsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			route := "unmatched"
			if cur := mux.CurrentRoute(r); cur != nil {
				if tpl, err := cur.GetPathTemplate(); err == nil {
					route = tpl
				}
			}
			metrics.HTTPRequests.WithLabelValues(route, strconv.Itoa(wrapped.statusCode)).Inc()
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// Hijack lets the stream endpoint upgrade through the wrapper.
func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := rw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	rw.statusCode = http.StatusSwitchingProtocols
	return hj.Hijack()
}

// corsMiddleware adds CORS headers
func corsMiddleware() mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// Allow all origins for now (can be restricted later)
			w.Header().Set("Access-Control-Allow-Origin", "*")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

			// Handle preflight requests
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusOK)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// recoveryMiddleware recovers from panics and logs them
func recoveryMiddleware(logger *zap.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if err := recover(); err != nil {
					logger.Error("Panic recovered",
						zap.Any("error", err),
						zap.String("method", r.Method),
						zap.String("path", r.URL.Path),
					)

					// Send error response
					w.Header().Set("Content-Type", "application/json")
					w.WriteHeader(http.StatusInternalServerError)
					w.Write([]byte(`{"error":"Internal server error","message":"An unexpected error occurred"}`))
				}
			}()

			next.ServeHTTP(w, r)
		})
	}
}
