package stream

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"chainstream/internal/logging"
)

// NewRouter wires the WebSocket, metrics and health endpoints.
func NewRouter(hub *Hub, logger zerolog.Logger) *mux.Router {
	router := mux.NewRouter()
	router.Use(recovery(logger), requestLogging(logger))

	router.HandleFunc("/ws", hub.ServeWS)
	router.Handle("/metrics", promhttp.Handler()).Methods(http.MethodGet)
	router.HandleFunc("/healthz", hub.handleHealth).Methods(http.MethodGet)

	return router
}

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	body := map[string]interface{}{
		"status":  "ok",
		"ready":   h.IsReady(),
		"metrics": h.GetMetrics(),
	}
	if !h.IsReady() {
		status = http.StatusServiceUnavailable
		body["status"] = "starting"
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func requestLogging(logger zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			// The WebSocket upgrade needs the raw writer's Hijacker.
			if r.URL.Path == "/ws" {
				next.ServeHTTP(w, r)
				logger.Debug().Str("remote", r.RemoteAddr).Msg("WebSocket request")
				return
			}
			start := time.Now()
			rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rec, r)
			logger.Debug().
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Int("status", rec.status).
				Dur("duration", time.Since(start)).
				Msg("HTTP request")
		})
	}
}

func recovery(logger zerolog.Logger) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error().Interface("panic", rec).Str("path", r.URL.Path).Msg("Handler panicked")
					http.Error(w, "internal error", http.StatusInternalServerError)
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// Server is the dashboard HTTP server.
type Server struct {
	http   *http.Server
	router *mux.Router
	logger zerolog.Logger
}

// NewServer creates a server for addr.
func NewServer(addr string, hub *Hub, logger zerolog.Logger) *Server {
	logger = logging.WithComponent(logger, "server")
	router := NewRouter(hub, logger)
	return &Server{
		http: &http.Server{
			Addr:              addr,
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		},
		router: router,
		logger: logger,
	}
}

// HandleGet adds a GET route. Call before ListenAndServe.
func (s *Server) HandleGet(path string, handler http.Handler) {
	s.router.Handle(path, handler).Methods(http.MethodGet)
}

// ListenAndServe serves until Shutdown.
func (s *Server) ListenAndServe() error {
	s.logger.Info().Str("addr", s.http.Addr).Msg("Listening")
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting connections and waits for handlers.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
