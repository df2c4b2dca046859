package server

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/petal-labs/canvasbridge/sse"
)

// Notification event names written by the hub.
const (
	EventConnected       = "connected"
	EventTemplateChanged = "template-changed"
)

type hubFrame struct {
	event string
	data  []byte
}

type hubClient struct {
	id     string
	frames chan hubFrame
}

// Hub broadcasts template change notifications to SSE clients. Each client
// first receives a connected frame carrying its assigned id.
type Hub struct {
	logger    *slog.Logger
	heartbeat time.Duration

	mu      sync.Mutex
	clients map[string]*hubClient
	done    chan struct{}
	closed  bool
}

// NewHub creates a Hub.
func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:    logger,
		heartbeat: sse.HeartbeatInterval,
		clients:   make(map[string]*hubClient),
		done:      make(chan struct{}),
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Notify tells every client that the named template changed. Clients whose
// buffers are full miss the frame.
func (h *Hub) Notify(name string) {
	data, _ := json.Marshal(map[string]string{"templateName": name})
	frame := hubFrame{event: EventTemplateChanged, data: data}

	h.mu.Lock()
	defer h.mu.Unlock()
	for _, c := range h.clients {
		select {
		case c.frames <- frame:
		default:
			h.logger.Warn("dropping template notification", "client_id", c.id, "template", name)
		}
	}
}

// Close ends every open stream.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	close(h.done)
}

// ServeHTTP implements http.Handler.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	client := &hubClient{id: uuid.NewString(), frames: make(chan hubFrame, 16)}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "SHUTTING_DOWN", "server is shutting down")
		return
	}
	h.clients[client.id] = client
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.clients, client.id)
		h.mu.Unlock()
	}()

	stream, err := sse.NewWriter(w)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "STREAMING_UNSUPPORTED", err.Error())
		return
	}
	hello, _ := json.Marshal(map[string]string{"clientId": client.id})
	if err := stream.Event("", EventConnected, hello); err != nil {
		return
	}
	h.logger.Debug("template events client connected", "client_id", client.id)

	heartbeat := time.NewTicker(h.heartbeat)
	defer heartbeat.Stop()
	for {
		select {
		case <-r.Context().Done():
			return
		case <-h.done:
			return
		case f := <-client.frames:
			if err := stream.Event("", f.event, f.data); err != nil {
				return
			}
		case <-heartbeat.C:
			if err := stream.Ping(); err != nil {
				return
			}
		}
	}
}
