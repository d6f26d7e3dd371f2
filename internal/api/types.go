package api

import (
	"github.com/faradayfan/cluster-harness/internal/instances"
	"github.com/faradayfan/cluster-harness/internal/process"
)

type ErrorResponse struct {
	Error string `json:"error"`
}

type InstallationsResponse struct {
	Node          string             `json:"node"`
	Installations []instances.Record `json:"installations"`
	// Stale lists installations a previous run of the agent left behind.
	Stale []instances.Record `json:"stale,omitempty"`
}

type ProcessesResponse struct {
	Node      string           `json:"node"`
	Processes []process.Status `json:"processes"`
}
