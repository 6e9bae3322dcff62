package api

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/hugo-lorenzo-mato/fnhost/internal/core"
	"github.com/hugo-lorenzo-mato/fnhost/internal/supervisor"
)

// BuildResponse summarizes the latest build.
type BuildResponse struct {
	Status     string            `json:"status"`
	Generation int64             `json:"generation,omitempty"`
	Functions  []string          `json:"functions,omitempty"`
	Errors     []core.BuildError `json:"errors,omitempty"`
	OutputFile string            `json:"output_file,omitempty"`
	BuiltAt    *time.Time        `json:"built_at,omitempty"`
}

// handleHealth returns server health, runtime status and host metrics.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := s.runtime.Status(r.Context())
	health := "healthy"
	if status.State != supervisor.StateRunning {
		health = "degraded"
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":  health,
		"time":    time.Now().UTC().Format(time.RFC3339),
		"runtime": status,
		"host":    s.metrics.Collect(r.Context()),
	})
}

func (s *Server) handleGetBuild(w http.ResponseWriter, _ *http.Request) {
	st := s.builds.State()
	if st == nil {
		s.respondJSON(w, http.StatusOK, BuildResponse{Status: "pending"})
		return
	}
	resp := BuildResponse{
		Status:     "ok",
		Generation: st.Generation,
		Functions:  st.FunctionNames(),
		Errors:     st.Errors,
		OutputFile: st.OutputFile,
	}
	if !st.OK() {
		resp.Status = "failed"
	}
	if !st.BuiltAt.IsZero() {
		builtAt := st.BuiltAt
		resp.BuiltAt = &builtAt
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Server) handleListFunctions(w http.ResponseWriter, r *http.Request) {
	intro, err := s.runtime.Introspect(r.Context())
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, intro)
}

func (s *Server) handleExecuteFunction(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if err := decodeBody(w, r, &params); err != nil {
		s.respondError(w, err)
		return
	}

	data, err := s.runtime.Execute(r.Context(), chi.URLParam(r, "name"), params)
	if err != nil {
		s.respondError(w, err)
		return
	}
	s.respondJSON(w, http.StatusOK, core.ExecResult{Data: nullIfEmpty(data)})
}

func (s *Server) handleExecQuery(w http.ResponseWriter, r *http.Request) {
	var desc core.QueryDescriptor
	if err := decodeBody(w, r, &desc); err != nil {
		s.respondError(w, err)
		return
	}
	if desc.DataSourceID == "" {
		s.respondError(w, core.ErrValidation(core.CodeInvalidQuery, "dataSource is required"))
		return
	}
	s.respondResult(w, s.data.ExecQuery(r.Context(), desc))
}

func (s *Server) handleExecDataNode(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if err := decodeBody(w, r, &params); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondResult(w, s.data.ExecDataNodeQuery(r.Context(), chi.URLParam(r, "queryName"), params))
}

func (s *Server) handleListDataSources(w http.ResponseWriter, _ *http.Request) {
	s.respondJSON(w, http.StatusOK, s.data.List())
}

func (s *Server) handleExecPrivate(w http.ResponseWriter, r *http.Request) {
	var query json.RawMessage
	if err := decodeBody(w, r, &query); err != nil {
		s.respondError(w, err)
		return
	}
	s.respondResult(w, s.data.ExecPrivate(r.Context(), chi.URLParam(r, "id"), query))
}

func (s *Server) handleRuntimeStatus(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, s.runtime.Status(r.Context()))
}

func (s *Server) handleRestart(w http.ResponseWriter, _ *http.Request) {
	if err := s.runtime.Restart(); err != nil {
		s.respondJSON(w, http.StatusServiceUnavailable, core.ExecResult{Error: core.Serialize(err)})
		return
	}
	s.respondJSON(w, http.StatusAccepted, map[string]string{"status": "restarting"})
}

// nullIfEmpty keeps functions that return undefined from producing an
// invalid empty JSON value.
func nullIfEmpty(data json.RawMessage) json.RawMessage {
	if len(data) == 0 {
		return json.RawMessage("null")
	}
	return data
}
