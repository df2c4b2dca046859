package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/petal-labs/canvasbridge/blueprint"
)

// templateResponse is the GET /api/templates/{name} body.
type templateResponse struct {
	Success  bool            `json:"success"`
	Template json.RawMessage `json:"template"`
}

// Fetch implements blueprint.Source. A non-2xx status or success:false is
// reported as blueprint.ErrNotFound.
func (c *Client) Fetch(ctx context.Context, name string) (*blueprint.Blueprint, error) {
	req, err := c.newRequest(ctx, http.MethodGet, "/api/templates/"+url.PathEscape(name), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("remote: fetch template %q: %w", name, err)
	}
	defer resp.Body.Close()

	if !ok(resp) {
		return nil, fmt.Errorf("template %q: %w (%v)", name, blueprint.ErrNotFound, statusError(resp))
	}
	var body templateResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("remote: decode template %q: %w", name, err)
	}
	if !body.Success || len(body.Template) == 0 || string(body.Template) == "null" {
		return nil, fmt.Errorf("template %q: %w", name, blueprint.ErrNotFound)
	}
	return blueprint.Parse(name, body.Template)
}

// Save stores bp under its name with PUT /api/templates/{name}.
func (c *Client) Save(ctx context.Context, bp *blueprint.Blueprint) error {
	data, err := json.Marshal(bp)
	if err != nil {
		return fmt.Errorf("remote: encode template: %w", err)
	}
	req, err := c.newRequest(ctx, http.MethodPut, "/api/templates/"+url.PathEscape(bp.Name), bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("remote: save template %q: %w", bp.Name, err)
	}
	defer resp.Body.Close()
	if !ok(resp) {
		return statusError(resp)
	}
	return nil
}

var _ blueprint.Source = (*Client)(nil)
