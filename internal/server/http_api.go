package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"github.com/faradayfan/cluster-harness/internal/fabric"
	"github.com/faradayfan/cluster-harness/internal/protocol"
	"github.com/faradayfan/cluster-harness/internal/topology"
)

// requestTimeout bounds every call relayed to an agent.
const requestTimeout = 10 * time.Second

// HTTPServer exposes the hub's view of the cluster for inspection.
type HTTPServer struct {
	addr string
	hub  *fabric.Hub
	log  zerolog.Logger
}

func NewHTTPServer(addr string, hub *fabric.Hub, log zerolog.Logger) *HTTPServer {
	if addr == "" {
		addr = "127.0.0.1:8080"
	}
	return &HTTPServer{
		addr: addr,
		hub:  hub,
		log:  log.With().Str("module", "http").Logger(),
	}
}

func (s *HTTPServer) Addr() string { return s.addr }

func (s *HTTPServer) Handler() http.Handler {
	mux := http.NewServeMux()

	// Node table
	mux.HandleFunc("GET /nodes", s.handleListNodes)
	mux.HandleFunc("GET /nodes/{nodeID}", s.handleGetNode)

	// Relayed to agents
	mux.HandleFunc("GET /nodes/{nodeID}/files", s.handleFiles)
	mux.HandleFunc("GET /nodes/{nodeID}/instances/{instanceID}/servers/{server}/state", s.handleServerState)

	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	return mux
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// writeCallErr maps an agent-side failure onto an HTTP status.
func writeCallErr(w http.ResponseWriter, nodeID string, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, protocol.ErrNodeNotFound), errors.Is(err, protocol.ErrNotInstalled):
		status = http.StatusNotFound
	case errors.Is(err, protocol.ErrInvalidState):
		status = http.StatusConflict
	case errors.Is(err, protocol.ErrProtocol), errors.Is(err, protocol.ErrUnknownCommand):
		status = http.StatusBadRequest
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	writeJSON(w, status, map[string]string{
		"node_id": nodeID,
		"code":    protocol.CodeOf(err),
		"error":   err.Error(),
	})
}

func (s *HTTPServer) handleListNodes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"nodes": s.hub.Nodes(),
	})
}

func (s *HTTPServer) handleGetNode(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("nodeID")
	node, ok := s.hub.Node(id)
	if !ok {
		writeErr(w, http.StatusNotFound, "node not connected")
		return
	}
	writeJSON(w, http.StatusOK, node)
}

func (s *HTTPServer) call(ctx context.Context, nodeID string, cmd protocol.Command) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()
	return s.hub.Call(ctx, nodeID, cmd)
}

func (s *HTTPServer) handleFiles(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("nodeID")
	path := r.URL.Query().Get("path")
	if path == "" {
		writeErr(w, http.StatusBadRequest, "missing path")
		return
	}

	var files, folders []string
	for _, q := range []struct {
		cmd protocol.Command
		out *[]string
	}{
		{protocol.ListFiles{Path: path}, &files},
		{protocol.ListFolders{Path: path}, &folders},
	} {
		raw, err := s.call(r.Context(), nodeID, q.cmd)
		if err != nil {
			writeCallErr(w, nodeID, err)
			return
		}
		if err := json.Unmarshal(raw, q.out); err != nil {
			writeErr(w, http.StatusBadGateway, "bad listing from agent: "+err.Error())
			return
		}
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"node_id": nodeID,
		"path":    path,
		"files":   files,
		"folders": folders,
	})
}

func (s *HTTPServer) handleServerState(w http.ResponseWriter, r *http.Request) {
	nodeID := r.PathValue("nodeID")
	instanceID := topology.InstanceID(r.PathValue("instanceID"))
	server := r.PathValue("server")

	raw, err := s.call(r.Context(), nodeID, protocol.ServerState{
		ServerRef: protocol.ServerRef{InstanceID: instanceID, Server: server},
	})
	if err != nil {
		writeCallErr(w, nodeID, err)
		return
	}
	var state topology.ServerState
	if err := json.Unmarshal(raw, &state); err != nil {
		writeErr(w, http.StatusBadGateway, "bad state from agent: "+err.Error())
		return
	}

	s.log.Debug().Str("node", nodeID).Str("server", server).Str("state", string(state)).Msg("server state")
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":     nodeID,
		"instance_id": instanceID,
		"server":      server,
		"state":       state,
	})
}
