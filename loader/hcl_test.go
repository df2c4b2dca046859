package loader

import (
	"strings"
	"testing"
)

const greetHCL = `
name = "greet"

node "1" {
  type = "cognitive/input"
  pos  = [0, 0]
}

node "2" {
  type  = "cognitive/constant"
  pos   = [0, 120]
  title = "Suffix"
  properties = {
    value = "world"
    tags  = ["a", "b"]
    limit = 3
    exact = true
  }
}

node "3" {
  type = "cognitive/concat"
  properties = { separator = " " }
}

node "4" {
  type = "cognitive/output"
}

link "1" {
  from = [1, 0]
  to   = [3, 0]
}

link "2" {
  from = [2, 0]
  to   = [3, 1]
  type = "string"
}

link "3" {
  from = [3, 0]
  to   = [4, 0]
}
`

func TestLoadBlueprint_HCL(t *testing.T) {
	bp, err := LoadBlueprint(writeFile(t, "anything.hcl", greetHCL))
	if err != nil {
		t.Fatalf("LoadBlueprint() error = %v", err)
	}
	if bp.Name != "greet" {
		t.Errorf("Name = %q, want greet", bp.Name)
	}
	if len(bp.Nodes) != 4 || len(bp.Links) != 3 {
		t.Fatalf("got %d nodes, %d links", len(bp.Nodes), len(bp.Links))
	}

	n, ok := bp.Node(2)
	if !ok {
		t.Fatal("node 2 missing")
	}
	if n.Title != "Suffix" || n.Position.Y() != 120 {
		t.Errorf("node 2 = %+v", n)
	}
	if n.Properties["value"] != "world" || n.Properties["limit"] != 3.0 || n.Properties["exact"] != true {
		t.Errorf("properties = %v", n.Properties)
	}
	if tags, _ := n.Properties["tags"].([]any); len(tags) != 2 || tags[0] != "a" {
		t.Errorf("tags = %v", n.Properties["tags"])
	}

	if input, _ := bp.Node(1); input.Properties != nil {
		t.Errorf("node without properties got %v", input.Properties)
	}

	l := bp.Links[1]
	if l.ID != 2 || l.OriginID != 2 || l.TargetID != 3 || l.TargetSlot != 1 || l.Type != "string" {
		t.Errorf("link 2 = %+v", l)
	}
}

func TestLoadBlueprint_HCLNameFromFile(t *testing.T) {
	content := `
node "1" {
  type = "cognitive/input"
}
`
	bp, err := LoadBlueprint(writeFile(t, "solo.hcl", content))
	if err != nil {
		t.Fatalf("LoadBlueprint() error = %v", err)
	}
	if bp.Name != "solo" {
		t.Errorf("Name = %q, want solo", bp.Name)
	}
}

func TestParseHCL_Errors(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    string
	}{
		{"syntax", `node "1" {`, "parsing HCL"},
		{"missing type", `node "1" {}`, "decoding HCL"},
		{"non-numeric id", `node "a" { type = "x" }`, "id must be an integer"},
		{"bad pos", `node "1" {
  type = "x"
  pos  = [1]
}`, "pos must be"},
		{"short link", `link "1" {
  from = [1]
  to   = [2, 0]
}`, "from and to"},
		{"scalar properties", `node "1" {
  type       = "x"
  properties = "nope"
}`, "must be an object"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseBytes([]byte(tt.content), "bad.hcl")
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestDetectDocument_HCL(t *testing.T) {
	kind, err := DetectDocument([]byte(greetHCL), "g.hcl")
	if err != nil || kind != DocumentKindGraph {
		t.Errorf("DetectDocument() = %q, %v", kind, err)
	}
}
