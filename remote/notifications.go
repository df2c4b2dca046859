package remote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/petal-labs/canvasbridge/sse"
	"github.com/petal-labs/canvasbridge/watch"
)

// Dial implements watch.Dialer against GET /api/template-events.
func (c *Client) Dial(ctx context.Context) (watch.Subscription, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	req, err := c.newRequest(streamCtx, http.MethodGet, "/api/template-events", nil)
	if err != nil {
		cancel()
		return nil, err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := c.http.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("remote: open template events: %w", err)
	}
	if !ok(resp) {
		defer cancel()
		defer resp.Body.Close()
		return nil, statusError(resp)
	}
	return &notificationStream{resp: resp, reader: sse.NewReader(resp.Body), cancel: cancel}, nil
}

type notificationStream struct {
	resp   *http.Response
	reader *sse.Reader
	cancel context.CancelFunc
}

// Next returns the next notification. Unnamed frames are skipped.
func (s *notificationStream) Next(ctx context.Context) (watch.Notification, error) {
	stop := context.AfterFunc(ctx, s.cancel)
	defer stop()

	for {
		msg, err := s.reader.Next()
		if err != nil {
			if ctx.Err() != nil {
				return watch.Notification{}, ctx.Err()
			}
			return watch.Notification{}, fmt.Errorf("remote: template events: %w", err)
		}
		if msg.Event == "" {
			continue
		}
		n := watch.Notification{Event: msg.Event}
		if msg.Data != "" {
			if err := json.Unmarshal([]byte(msg.Data), &n); err != nil {
				return watch.Notification{}, fmt.Errorf("remote: decode %s notification: %w", msg.Event, err)
			}
			n.Event = msg.Event
		}
		return n, nil
	}
}

func (s *notificationStream) Close() error {
	s.cancel()
	return s.resp.Body.Close()
}

var _ watch.Dialer = (*Client)(nil)
