package loader

import (
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/hashicorp/hcl/v2"
	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/zclconf/go-cty/cty"
	"github.com/zclconf/go-cty/cty/gocty"

	"github.com/petal-labs/canvasbridge/blueprint"
)

// hclDocument is the HCL form of a blueprint:
//
//	name = "greet"
//
//	node "1" {
//	  type = "cognitive/input"
//	  pos  = [0, 0]
//	}
//
//	link "1" {
//	  from = [1, 0]
//	  to   = [2, 0]
//	}
type hclDocument struct {
	Name  string    `hcl:"name,optional"`
	Nodes []hclNode `hcl:"node,block"`
	Links []hclLink `hcl:"link,block"`
}

type hclNode struct {
	ID         string         `hcl:"id,label"`
	Type       string         `hcl:"type"`
	Pos        []float64      `hcl:"pos,optional"`
	Title      string         `hcl:"title,optional"`
	Properties hcl.Expression `hcl:"properties,optional"`
}

type hclLink struct {
	ID   string `hcl:"id,label"`
	From []int  `hcl:"from"`
	To   []int  `hcl:"to"`
	Type string `hcl:"type,optional"`
}

// isHCL returns true if the file path has an HCL extension.
func isHCL(path string) bool {
	return strings.ToLower(filepath.Ext(path)) == ".hcl"
}

// parseHCL decodes an HCL blueprint document.
func parseHCL(data []byte, path string) (*blueprint.Blueprint, error) {
	file, diags := hclparse.NewParser().ParseHCL(data, path)
	if diags.HasErrors() {
		return nil, fmt.Errorf("parsing HCL: %s", diags.Error())
	}

	var doc hclDocument
	if diags := gohcl.DecodeBody(file.Body, nil, &doc); diags.HasErrors() {
		return nil, fmt.Errorf("decoding HCL: %s", diags.Error())
	}

	bp := &blueprint.Blueprint{
		Name:  doc.Name,
		Nodes: make([]blueprint.NodeDescriptor, 0, len(doc.Nodes)),
		Links: make([]blueprint.LinkDescriptor, 0, len(doc.Links)),
	}
	for _, n := range doc.Nodes {
		id, err := strconv.ParseInt(n.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("node %q: id must be an integer", n.ID)
		}
		node := blueprint.NodeDescriptor{
			ID:    blueprint.NodeID(id),
			Type:  n.Type,
			Title: n.Title,
		}
		if len(n.Pos) > 0 {
			if len(n.Pos) != 2 {
				return nil, fmt.Errorf("node %q: pos must be [x, y]", n.ID)
			}
			node.Position = blueprint.Position{n.Pos[0], n.Pos[1]}
		}
		if n.Properties != nil {
			props, err := decodeProperties(n.Properties)
			if err != nil {
				return nil, fmt.Errorf("node %q: %w", n.ID, err)
			}
			node.Properties = props
		}
		bp.Nodes = append(bp.Nodes, node)
	}

	for _, l := range doc.Links {
		id, err := strconv.ParseInt(l.ID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("link %q: id must be an integer", l.ID)
		}
		if len(l.From) != 2 || len(l.To) != 2 {
			return nil, fmt.Errorf("link %q: from and to must be [node, slot]", l.ID)
		}
		bp.Links = append(bp.Links, blueprint.LinkDescriptor{
			ID:         blueprint.LinkID(id),
			OriginID:   blueprint.NodeID(l.From[0]),
			OriginSlot: l.From[1],
			TargetID:   blueprint.NodeID(l.To[0]),
			TargetSlot: l.To[1],
			Type:       l.Type,
		})
	}
	return bp, nil
}

// decodeProperties evaluates a properties expression into plain Go values.
// An absent attribute evaluates to null and yields nil.
func decodeProperties(expr hcl.Expression) (map[string]any, error) {
	val, diags := expr.Value(nil)
	if diags.HasErrors() {
		return nil, fmt.Errorf("properties: %s", diags.Error())
	}
	if val.IsNull() {
		return nil, nil
	}
	if !val.Type().IsObjectType() && !val.Type().IsMapType() {
		return nil, fmt.Errorf("properties must be an object, got %s", val.Type().FriendlyName())
	}
	native, err := ctyToNative(val)
	if err != nil {
		return nil, fmt.Errorf("properties: %w", err)
	}
	props, _ := native.(map[string]any)
	return props, nil
}

// ctyToNative converts a cty value to the shapes encoding/json produces, so
// HCL properties look the same as JSON ones to node functions.
func ctyToNative(v cty.Value) (any, error) {
	if v.IsNull() || !v.IsKnown() {
		return nil, nil
	}

	ty := v.Type()
	switch {
	case ty == cty.String:
		return v.AsString(), nil

	case ty == cty.Number:
		var f float64
		if err := gocty.FromCtyValue(v, &f); err != nil {
			return nil, fmt.Errorf("converting number: %w", err)
		}
		return f, nil

	case ty == cty.Bool:
		return v.True(), nil

	case ty.IsListType() || ty.IsTupleType() || ty.IsSetType():
		out := make([]any, 0, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			_, elem := it.Element()
			nv, err := ctyToNative(elem)
			if err != nil {
				return nil, err
			}
			out = append(out, nv)
		}
		return out, nil

	case ty.IsObjectType() || ty.IsMapType():
		out := make(map[string]any, v.LengthInt())
		it := v.ElementIterator()
		for it.Next() {
			key, elem := it.Element()
			nv, err := ctyToNative(elem)
			if err != nil {
				return nil, fmt.Errorf("in attribute %q: %w", key.AsString(), err)
			}
			out[key.AsString()] = nv
		}
		return out, nil

	default:
		return nil, fmt.Errorf("unsupported value type %s", ty.FriendlyName())
	}
}
