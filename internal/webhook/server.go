package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/everclearorg/mark-sub008/internal/metrics"
)

// maxBodyBytes bounds webhook payload size.
const maxBodyBytes = int64(1 << 20)

// secretHeader carries the shared intake secret. Header lookup is
// case-insensitive per net/http canonicalization.
const secretHeader = "goldsky-webhook-secret"

// Server is the HTTP intake: health, webhooks, metrics. The handler is
// swapped in once boot finishes; requests before that see 503.
type Server struct {
	srv     *http.Server
	handler atomic.Pointer[Handler]
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewServer builds the intake server on addr. metrics may be nil.
func NewServer(addr string, m *metrics.Metrics, logger *zap.Logger) *Server {
	s := &Server{metrics: m, logger: logger}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /webhooks/{webhookName}", s.handleWebhook)
	mux.Handle("GET /metrics", promhttp.Handler())

	s.srv = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// SetHandler installs the intake handler, flipping readiness.
func (s *Server) SetHandler(h *Handler) {
	s.handler.Store(h)
}

// Start serves until Shutdown. http.ErrServerClosed is not an error.
func (s *Server) Start() error {
	s.logger.Info("starting http intake", zap.String("addr", s.srv.Addr))
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains open connections.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"mode":   "invoice-handler",
	})
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("webhookName")

	handler := s.handler.Load()
	if handler == nil {
		s.observe(name, http.StatusServiceUnavailable)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "Handlers not initialized"})
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		s.observe(name, http.StatusBadRequest)
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "failed to read request body"})
		return
	}

	resp := handler.HandleWebhookRequest(r.Context(), body, r.Header.Get(secretHeader), name)
	s.observe(name, resp.StatusCode)
	writeJSON(w, resp.StatusCode, resp.Body)
}

func (s *Server) observe(name string, status int) {
	if s.metrics == nil {
		return
	}
	s.metrics.WebhookRequests.WithLabelValues(name, strconv.Itoa(status)).Inc()
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}
