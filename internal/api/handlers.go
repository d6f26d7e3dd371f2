package api

import (
	"fmt"
	"net/http"

	"github.com/faradayfan/cluster-harness/internal/instances"
	"github.com/faradayfan/cluster-harness/internal/process"
	"github.com/faradayfan/cluster-harness/internal/topology"
)

func (s *Server) handleInstallations(w http.ResponseWriter, r *http.Request) {
	resp := InstallationsResponse{
		Node:          s.ctrl.NodeName(),
		Installations: s.ctrl.Installations(),
		Stale:         s.ctrl.Stale(),
	}
	if resp.Installations == nil {
		resp.Installations = []instances.Record{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleInstance(w http.ResponseWriter, r *http.Request) {
	id := topology.InstanceID(r.PathValue("instanceID"))
	var out []instances.Record
	for _, rec := range s.ctrl.Installations() {
		if rec.InstanceID == id {
			out = append(out, rec)
		}
	}
	if len(out) == 0 {
		writeError(w, http.StatusNotFound, fmt.Sprintf("no installation for instance %s", id))
		return
	}
	writeJSON(w, http.StatusOK, InstallationsResponse{Node: s.ctrl.NodeName(), Installations: out})
}

func (s *Server) handleProcesses(w http.ResponseWriter, r *http.Request) {
	resp := ProcessesResponse{Node: s.ctrl.NodeName(), Processes: s.ctrl.Processes()}
	if resp.Processes == nil {
		resp.Processes = []process.Status{}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAttributes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ctrl.NodeAttributes(r.Context()))
}
