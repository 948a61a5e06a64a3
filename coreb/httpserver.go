package coreb

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/Lotargo/Aegis-Core/crypto"
	"github.com/Lotargo/Aegis-Core/internal/logger"
)

// HTTPServer serves Core-B's control surface: the handshake public key,
// health, and the Prometheus exposition. It creates no per-client state;
// /public-key is idempotent.
type HTTPServer struct {
	engine   *crypto.Engine
	gatherer prometheus.Gatherer
	log      logger.Logger
	port     int
	server   *http.Server
}

// NewHTTPServer creates the control server. Pass prometheus.DefaultGatherer
// outside tests.
func NewHTTPServer(engine *crypto.Engine, gatherer prometheus.Gatherer, log logger.Logger, port int) *HTTPServer {
	return &HTTPServer{
		engine:   engine,
		gatherer: gatherer,
		log:      log,
		port:     port,
	}
}

// Handler returns the route table; split out so tests can drive it without a
// listener.
func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/public-key", s.handlePublicKey)
	mux.HandleFunc("/health", s.handleHealth)
	mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	return mux
}

// Start begins serving in the background.
func (s *HTTPServer) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.log.Info("starting control HTTP server", logger.Int("port", s.port))

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.log.Error("control HTTP server error", logger.Error(err))
		}
	}()
	return nil
}

// Stop shuts the server down gracefully.
func (s *HTTPServer) Stop(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *HTTPServer) handlePublicKey(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/x-pem-file")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(s.engine.PublicKeyPEM())
}

func (s *HTTPServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_ = json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}
