package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/petal-labs/canvasbridge/blueprint"
	"github.com/petal-labs/canvasbridge/bus"
	"github.com/petal-labs/canvasbridge/execution"
	"github.com/petal-labs/canvasbridge/sse"
)

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleNodeTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.All())
}

// --- Templates ---

type templateSummary struct {
	Name      string    `json:"name"`
	Nodes     int       `json:"nodes"`
	Links     int       `json:"links"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	records, err := s.store.List(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	out := make([]templateSummary, 0, len(records))
	for _, rec := range records {
		sum := templateSummary{Name: rec.Name, UpdatedAt: rec.UpdatedAt}
		if bp, err := blueprint.Parse(rec.Name, rec.Graph); err == nil {
			sum.Nodes = len(bp.Nodes)
			sum.Links = len(bp.Links)
		}
		out = append(out, sum)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	rec, ok, err := s.store.Get(r.Context(), name)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("template %q not found", name))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":  true,
		"template": rec.Graph,
	})
}

func (s *Server) handlePutTemplate(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if name == "" {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", "template name is required")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("reading body: %v", err))
		return
	}

	bp, err := blueprint.Parse(name, body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error())
		return
	}
	if diags := bp.Validate(); blueprint.HasErrors(diags) {
		var details []string
		for _, d := range blueprint.Errors(diags) {
			details = append(details, fmt.Sprintf("%s: %s", d.Code, d.Message))
		}
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", "template has validation errors", details...)
		return
	}

	bp.Name = name
	graph, err := json.Marshal(bp)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ENCODE_ERROR", err.Error())
		return
	}
	now := time.Now().UTC()
	created, err := s.store.Put(r.Context(), TemplateRecord{
		Name:      name,
		Graph:     graph,
		CreatedAt: now,
		UpdatedAt: now,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}

	s.hub.Notify(name)
	s.logger.Info("template saved", "template", name, "created", created, "nodes", len(bp.Nodes))

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, templateSummary{Name: name, Nodes: len(bp.Nodes), Links: len(bp.Links), UpdatedAt: now})
}

func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	name := strings.TrimSpace(r.PathValue("name"))
	if err := s.store.Delete(r.Context(), name); err != nil {
		if errors.Is(err, ErrTemplateNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("template %q not found", name))
			return
		}
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	s.hub.Notify(name)
	s.logger.Info("template deleted", "template", name)
	w.WriteHeader(http.StatusNoContent)
}

// --- Execution ---

type executeRequest struct {
	Graph   execution.Request `json:"graph"`
	Context map[string]any    `json:"context"`
}

// handleExecute validates the graph, then runs it and streams every event
// back as SSE. Events are also stored and published so the run can be
// replayed from /api/runs/{run_id}/events.
func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_REQUEST", fmt.Sprintf("decoding request: %v", err))
		return
	}
	if err := s.runtime.Validate(req.Graph); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_GRAPH", "graph is not executable", unjoin(err)...)
		return
	}

	stream, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", err.Error())
		return
	}

	// Events are stored without the request context so replay still works
	// after a disconnect.
	persist := bus.NewStoreSubscriber(s.eventStore, s.logger)
	clientGone := false
	onEvent := func(e execution.Event) {
		persist.Handle(e)
		s.bus.Publish(e)
		if s.runEvents != nil {
			s.runEvents(e)
		}
		if clientGone {
			return
		}
		if err := sse.WriteRunEvent(stream, e); err != nil {
			clientGone = true
		}
	}

	if err := s.runtime.Execute(r.Context(), req.Graph, req.Context, onEvent); err != nil {
		s.logger.Warn("execution ended early", "error", err)
	}
}

func unjoin(err error) []string {
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var out []string
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

// --- Runs ---

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	ids, err := s.eventStore.RunIDs(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STORE_ERROR", err.Error())
		return
	}
	if ids == nil {
		ids = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": ids})
}

func (s *Server) handleRunEvents(w http.ResponseWriter, r *http.Request) {
	sse.NewRunHandler(s.eventStore, s.bus).ServeHTTP(w, r)
}
