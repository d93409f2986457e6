package metrics

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/r3e-network/neo-dbft/pkg/utils"
)

// ReadyFunc reports whether the node can serve; nil means ready.
type ReadyFunc func() error

// Server serves /metrics, /healthz and /readyz.
type Server struct {
	srv *http.Server
	log *utils.Logger
}

// NewServer builds the HTTP server. ready may be nil.
func NewServer(addr, path string, reg *prometheus.Registry, ready ReadyFunc, log *utils.Logger) *Server {
	if path == "" {
		path = "/metrics"
	}
	if log == nil {
		log = utils.GetLogger()
	}
	mux := http.NewServeMux()
	mux.Handle(path, Handler(reg))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeHealth(w, nil)
	})
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, _ *http.Request) {
		var err error
		if ready != nil {
			err = ready()
		}
		writeHealth(w, err)
	})
	return &Server{
		srv: &http.Server{
			Addr:              addr,
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		log: log,
	}
}

// Handler returns the mux, mostly for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start listens in the background. The returned address is the bound one.
func (s *Server) Start() (string, error) {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return "", err
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server stopped", utils.ZapError(err))
		}
	}()
	s.log.Info("metrics server listening", utils.ZapString("addr", ln.Addr().String()))
	return ln.Addr().String(), nil
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func writeHealth(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	resp := map[string]string{"status": "ok"}
	if err != nil {
		w.WriteHeader(http.StatusServiceUnavailable)
		resp = map[string]string{"status": "unavailable", "error": err.Error()}
	}
	_ = json.NewEncoder(w).Encode(resp)
}
