// Package server is the template server the editor bridge talks to: it
// stores blueprints by name, announces changes over SSE, executes portable
// graphs with the reference runtime and replays run events.
package server

import (
	"encoding/json"
	"io/fs"
	"log/slog"
	"net/http"

	"github.com/petal-labs/canvasbridge/bus"
	"github.com/petal-labs/canvasbridge/execution"
	"github.com/petal-labs/canvasbridge/registry"
	"github.com/petal-labs/canvasbridge/runtime"
)

// ServerConfig configures a Server.
type ServerConfig struct {
	Store      TemplateStore
	Runtime    *runtime.Runtime
	Registry   *registry.Registry
	Bus        bus.EventBus
	EventStore bus.EventStore

	// RunEvents, if set, receives every event of every run the server
	// executes (metrics, tracing).
	RunEvents execution.EventHandler

	// UI, if set, is served as static files under "/".
	UI fs.FS

	CORSOrigin string
	MaxBody    int64
	Logger     *slog.Logger
}

// Server is the template HTTP API server.
type Server struct {
	store      TemplateStore
	runtime    *runtime.Runtime
	registry   *registry.Registry
	bus        bus.EventBus
	eventStore bus.EventStore
	runEvents  execution.EventHandler
	hub        *Hub
	ui         fs.FS
	corsOrigin string
	maxBody    int64
	logger     *slog.Logger
}

// NewServer creates a Server. Missing stores and runtimes default to
// in-memory implementations.
func NewServer(cfg ServerConfig) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Store == nil {
		cfg.Store = NewMemoryStore()
	}
	if cfg.Registry == nil {
		cfg.Registry = registry.Global()
	}
	if cfg.Runtime == nil {
		cfg.Runtime = runtime.New(runtime.Options{Registry: cfg.Registry, Logger: logger})
	}
	if cfg.Bus == nil {
		cfg.Bus = bus.NewMemBus(bus.MemBusConfig{})
	}
	if cfg.EventStore == nil {
		cfg.EventStore = bus.NewMemEventStore()
	}
	corsOrigin := cfg.CORSOrigin
	if corsOrigin == "" {
		corsOrigin = "*"
	}
	maxBody := cfg.MaxBody
	if maxBody <= 0 {
		maxBody = 1 << 20
	}
	return &Server{
		store:      cfg.Store,
		runtime:    cfg.Runtime,
		registry:   cfg.Registry,
		bus:        cfg.Bus,
		eventStore: cfg.EventStore,
		runEvents:  cfg.RunEvents,
		hub:        NewHub(logger),
		ui:         cfg.UI,
		corsOrigin: corsOrigin,
		maxBody:    maxBody,
		logger:     logger,
	}
}

// Hub returns the change-notification hub.
func (s *Server) Hub() *Hub { return s.hub }

// Handler returns an http.Handler with all routes and middleware wired.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)

	var handler http.Handler = mux
	handler = s.corsMiddleware(handler)
	handler = s.maxBodyMiddleware(handler)
	return handler
}

// RegisterRoutes mounts the API routes onto mux.
func (s *Server) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /api/node-types", s.handleNodeTypes)
	mux.HandleFunc("GET /api/templates", s.handleListTemplates)
	mux.HandleFunc("GET /api/templates/{name}", s.handleGetTemplate)
	mux.HandleFunc("PUT /api/templates/{name}", s.handlePutTemplate)
	mux.HandleFunc("DELETE /api/templates/{name}", s.handleDeleteTemplate)
	mux.Handle("GET /api/template-events", s.hub)
	mux.HandleFunc("POST /api/execute", s.handleExecute)
	mux.HandleFunc("GET /api/runs", s.handleListRuns)
	mux.HandleFunc("GET /api/runs/{run_id}/events", s.handleRunEvents)
	if s.ui != nil {
		mux.Handle("GET /", http.FileServerFS(s.ui))
	}
}

// Close disconnects notification clients.
func (s *Server) Close() {
	s.hub.Close()
}

// --- Middleware ---

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", s.corsOrigin)
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) maxBodyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		next.ServeHTTP(w, r)
	})
}

// --- JSON helpers ---

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Success bool         `json:"success"`
	Error   apiErrorBody `json:"error"`
}

type apiErrorBody struct {
	Code    string   `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, message string, details ...string) {
	body := apiError{Error: apiErrorBody{Code: code, Message: message}}
	if len(details) > 0 {
		body.Error.Details = details
	}
	writeJSON(w, status, body)
}
