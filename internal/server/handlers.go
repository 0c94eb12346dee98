package server

import (
	"encoding/json"
	"net/http"

	"github.com/machinefabric/altport-go/manifest"
)

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		getLog().Error().Err(err).Msg("failed to encode JSON response")
	}
}

// ExecutionInfo is one entry of GET /executions.
type ExecutionInfo struct {
	ExecutionId string `json:"executionId"`
	ExtensionId string `json:"extensionId"`
	CommandId   string `json:"commandId"`
	State       string `json:"state"`
}

// healthz handles GET /healthz
func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "ok",
		"sessions": s.Sessions(),
	})
}

// executions handles GET /executions
func (s *Server) executions(w http.ResponseWriter, _ *http.Request) {
	out := []ExecutionInfo{}
	for _, id := range s.host.Live() {
		e, ok := s.host.Get(id)
		if !ok {
			continue
		}
		p := e.Payload()
		out = append(out, ExecutionInfo{
			ExecutionId: id,
			ExtensionId: p.ExtensionId,
			CommandId:   p.CommandId,
			State:       e.State().String(),
		})
	}
	writeJSON(w, http.StatusOK, out)
}

// commands handles GET /commands
func (s *Server) commands(w http.ResponseWriter, _ *http.Request) {
	if s.registry == nil {
		writeJSON(w, http.StatusOK, []manifest.Entry{})
		return
	}
	entries := s.registry.Commands()
	if entries == nil {
		entries = []manifest.Entry{}
	}
	writeJSON(w, http.StatusOK, entries)
}
