package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/petal-labs/canvasbridge/execution"
	"github.com/petal-labs/canvasbridge/sse"
)

type executeBody struct {
	Graph   execution.Request `json:"graph"`
	Context map[string]any    `json:"context"`
}

// Execute implements execution.Executor against POST /api/execute. A
// non-2xx response is returned before any event; afterwards events are
// delivered in stream order until a terminal event or the end of the
// stream.
func (c *Client) Execute(ctx context.Context, graph execution.Request, vars map[string]any, onEvent execution.EventHandler) error {
	if vars == nil {
		vars = map[string]any{}
	}
	data, err := json.Marshal(executeBody{Graph: graph, Context: vars})
	if err != nil {
		return fmt.Errorf("remote: encode execution request: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/execute", bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote: submit execution: %w", err)
	}
	defer resp.Body.Close()
	if !ok(resp) {
		return statusError(resp)
	}

	rd := sse.NewReader(resp.Body)
	for {
		msg, err := rd.Next()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("remote: read event stream: %w", err)
		}
		e, err := sse.DecodeRunEvent(msg)
		if err != nil {
			return fmt.Errorf("remote: decode event: %w", err)
		}
		if onEvent != nil {
			onEvent(e)
		}
		if e.Phase.Terminal() {
			return nil
		}
	}
}

var _ execution.Executor = (*Client)(nil)
