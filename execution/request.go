package execution

import (
	"strconv"

	"github.com/petal-labs/canvasbridge/canvas"
)

// RequestNode is one node of a portable execution request.
type RequestNode struct {
	ID         string         `json:"id"`
	Type       string         `json:"type"`
	Properties map[string]any `json:"properties,omitempty"`
}

// RequestLink is one link of a portable execution request.
type RequestLink struct {
	OriginID   string `json:"originId"`
	OriginSlot int    `json:"originSlot"`
	TargetID   string `json:"targetId"`
	TargetSlot int    `json:"targetSlot"`
}

// Request is the portable graph submitted to an executor. It is derived from
// the current canvas, not from the blueprint it was loaded from.
type Request struct {
	Nodes []RequestNode `json:"nodes"`
	Links []RequestLink `json:"links"`
}

// FormatNodeID renders a runtime node id the way requests and events carry it.
func FormatNodeID(id canvas.NodeID) string {
	return strconv.FormatInt(int64(id), 10)
}

// ParseNodeID parses an event node id back into a runtime id.
func ParseNodeID(s string) (canvas.NodeID, bool) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, false
	}
	return canvas.NodeID(n), true
}

// NewRequest builds a Request from a canvas snapshot, stripping typePrefix
// from every node type.
func NewRequest(snap canvas.Snapshot, typePrefix string) Request {
	req := Request{
		Nodes: make([]RequestNode, 0, len(snap.Nodes)),
		Links: make([]RequestLink, 0, len(snap.Links)),
	}
	for _, n := range snap.Nodes {
		req.Nodes = append(req.Nodes, RequestNode{
			ID:         FormatNodeID(n.ID),
			Type:       canvas.StripTypePrefix(n.Type, typePrefix),
			Properties: n.Properties,
		})
	}
	for _, l := range snap.Links {
		req.Links = append(req.Links, RequestLink{
			OriginID:   FormatNodeID(l.OriginID),
			OriginSlot: l.OriginSlot,
			TargetID:   FormatNodeID(l.TargetID),
			TargetSlot: l.TargetSlot,
		})
	}
	return req
}
