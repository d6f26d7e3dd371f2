package api

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/faradayfan/cluster-harness/internal/agent"
)

// Server is the local status API of an agent.
type Server struct {
	ctrl *agent.Controller
	addr string
	log  zerolog.Logger
}

func NewServer(ctrl *agent.Controller, addr string, log zerolog.Logger) *Server {
	if addr == "" {
		addr = "127.0.0.1:9411"
	}
	return &Server{
		ctrl: ctrl,
		addr: addr,
		log:  log.With().Str("module", "status-api").Logger(),
	}
}

func (s *Server) Addr() string { return s.addr }

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /installations", s.handleInstallations)
	mux.HandleFunc("GET /installations/{instanceID}", s.handleInstance)
	mux.HandleFunc("GET /processes", s.handleProcesses)
	mux.HandleFunc("GET /attributes", s.handleAttributes)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return s.logRequests(mux)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Msg("request")
		next.ServeHTTP(w, r)
	})
}
