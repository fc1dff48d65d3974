package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/eddielth/gadgetbridge-mqtt/health"
	"github.com/eddielth/gadgetbridge-mqtt/logger"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc evaluates the bridge's liveness at request time.
type HealthFunc func() health.Result

// LivenessCheck evaluates l against threshold at call time, with the same
// startup grace as the healthcheck command.
func LivenessCheck(l health.LivenessReader, threshold time.Duration) HealthFunc {
	return func() health.Result {
		return health.EvaluateSince(l.Last(), l.StartedAt(), time.Now(), threshold)
	}
}

// NewRouter serves /metrics and /healthz.
func NewRouter(m *Metrics, check HealthFunc) *mux.Router {
	router := mux.NewRouter()

	router.Handle("/metrics", promhttp.HandlerFor(m.Registry(), promhttp.HandlerOpts{})).Methods(http.MethodGet)
	router.HandleFunc("/healthz", healthHandler(check)).Methods(http.MethodGet)

	return router
}

func healthHandler(check HealthFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		result := check()

		w.Header().Set("Content-Type", "application/json")
		if !result.Healthy {
			w.WriteHeader(http.StatusServiceUnavailable)
		}
		_ = json.NewEncoder(w).Encode(result)
	}
}

// Server is the optional HTTP status listener.
type Server struct {
	srv *http.Server
}

// NewServer creates a server on addr.
func NewServer(addr string, handler http.Handler) *Server {
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           handler,
			ReadHeaderTimeout: 5 * time.Second,
		},
	}
}

// Start listens in the background.
func (s *Server) Start() {
	go func() {
		logger.Info("status listener on %s", s.srv.Addr)
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("status listener failed: %v", err)
		}
	}()
}

// Shutdown stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
