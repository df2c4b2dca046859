package reconcile

import (
	"fmt"
	"sort"
	"testing"

	"github.com/petal-labs/canvasbridge/blueprint"
	"github.com/petal-labs/canvasbridge/canvas"
	"github.com/petal-labs/canvasbridge/registry"
)

type connectCall struct {
	origin     canvas.NodeID
	originSlot int
	target     canvas.NodeID
	targetSlot int
}

// recordingCanvas records Connect calls made against a MemCanvas.
type recordingCanvas struct {
	*canvas.MemCanvas
	calls []connectCall
	dirty int
}

func (r *recordingCanvas) Connect(origin canvas.Handle, originSlot int, target canvas.Handle, targetSlot int) error {
	r.calls = append(r.calls, connectCall{origin.ID, originSlot, target.ID, targetSlot})
	return r.MemCanvas.Connect(origin, originSlot, target, targetSlot)
}

func (r *recordingCanvas) MarkDirty() {
	r.dirty++
	r.MemCanvas.MarkDirty()
}

func newRecording(offset canvas.NodeID) *recordingCanvas {
	cfg := canvas.MemCanvasConfig{Registry: registry.Global(), TypePrefix: blueprint.DefaultTypePrefix}
	if offset != 0 {
		cfg.AssignID = func(id canvas.NodeID) canvas.NodeID { return id + offset }
	}
	return &recordingCanvas{MemCanvas: canvas.NewMemCanvas(cfg)}
}

func inputOutput() *blueprint.Blueprint {
	return blueprint.Default("io")
}

func TestLoad_ReassignedIDsUseFallback(t *testing.T) {
	rc := newRecording(100)
	var observed []Report
	r := New(Config{Observer: func(rep Report) { observed = append(observed, rep) }})

	rep := r.Load(rc, inputOutput())

	want := []connectCall{{101, 0, 102, 0}}
	if len(rc.calls) != 1 || rc.calls[0] != want[0] {
		t.Fatalf("connect calls = %+v, want %+v", rc.calls, want)
	}
	if !rep.Complete() {
		t.Errorf("report not complete: %+v", rep)
	}
	if rep.FallbackMatches != 2 {
		t.Errorf("FallbackMatches = %d, want 2", rep.FallbackMatches)
	}
	if rc.dirty != 1 {
		t.Errorf("MarkDirty called %d times, want 1", rc.dirty)
	}
	if len(observed) != 1 {
		t.Errorf("observer called %d times, want 1", len(observed))
	}
}

func TestLoad_PreservedIDsUseExactMatch(t *testing.T) {
	rc := newRecording(0)
	rep := New(Config{}).Load(rc, inputOutput())

	if rep.FallbackMatches != 0 {
		t.Errorf("FallbackMatches = %d, want 0", rep.FallbackMatches)
	}
	if len(rc.calls) != 1 || rc.calls[0] != (connectCall{1, 0, 2, 0}) {
		t.Errorf("connect calls = %+v", rc.calls)
	}
	snap := rc.Serialize()
	if len(snap.Links) != 1 {
		t.Errorf("links on canvas = %d, want 1", len(snap.Links))
	}
}

func TestLoad_ExactIDWithWrongTypeFallsBack(t *testing.T) {
	// Engine swaps ids 1 and 2 so that an exact lookup lands on the wrong node.
	cfg := canvas.MemCanvasConfig{
		AssignID: func(id canvas.NodeID) canvas.NodeID { return 3 - id },
	}
	rc := &recordingCanvas{MemCanvas: canvas.NewMemCanvas(cfg)}

	rep := New(Config{}).Load(rc, inputOutput())

	if rep.FallbackMatches != 2 {
		t.Errorf("FallbackMatches = %d, want 2", rep.FallbackMatches)
	}
	// Blueprint node 1 (input) now lives at runtime id 2.
	if len(rc.calls) != 1 || rc.calls[0] != (connectCall{2, 0, 1, 0}) {
		t.Errorf("connect calls = %+v", rc.calls)
	}
}

func TestLoad_PartialFailureTolerated(t *testing.T) {
	bp := &blueprint.Blueprint{
		Name: "partial",
		Nodes: []blueprint.NodeDescriptor{
			{ID: 1, Type: "cognitive/input", Position: blueprint.Position{0, 0}},
			{ID: 2, Type: "cognitive/passthrough", Position: blueprint.Position{200, 0}},
			{ID: 3, Type: "cognitive/not_registered", Position: blueprint.Position{400, 0}},
			{ID: 4, Type: "cognitive/output", Position: blueprint.Position{600, 0}},
		},
		Links: []blueprint.LinkDescriptor{
			{ID: 1, OriginID: 1, OriginSlot: 0, TargetID: 2, TargetSlot: 0},
			{ID: 2, OriginID: 3, OriginSlot: 0, TargetID: 4, TargetSlot: 0},
			{ID: 3, OriginID: 2, OriginSlot: 0, TargetID: 4, TargetSlot: 0},
		},
	}
	rc := newRecording(100)
	rep := New(Config{}).Load(rc, bp)

	if rep.NodesExpected != 4 || rep.NodesMapped != 3 {
		t.Errorf("nodes mapped %d/%d, want 3/4", rep.NodesMapped, rep.NodesExpected)
	}
	if rep.LinksConnected != 2 {
		t.Errorf("LinksConnected = %d, want 2", rep.LinksConnected)
	}
	if len(rep.Unconnected) != 1 || rep.Unconnected[0].Link.ID != 2 {
		t.Fatalf("Unconnected = %+v, want link 2 only", rep.Unconnected)
	}
	codes := map[string]int{}
	for _, d := range rep.Diagnostics {
		codes[d.Code]++
	}
	if codes[CodeMaterializeFailed] != 1 || codes[CodeNodeUnmatched] != 1 || codes[CodeLinkUnresolved] != 1 {
		t.Errorf("diagnostic codes = %v", codes)
	}
}

func TestLoad_DanglingLinkSkipped(t *testing.T) {
	bp := inputOutput()
	bp.Links = append(bp.Links, blueprint.LinkDescriptor{ID: 7, OriginID: 1, OriginSlot: 0, TargetID: 99, TargetSlot: 0})
	rc := newRecording(0)

	rep := New(Config{}).Load(rc, bp)

	if rep.NodesMapped != 2 || rep.LinksConnected != 1 {
		t.Errorf("NodesMapped = %d LinksConnected = %d, want 2 and 1", rep.NodesMapped, rep.LinksConnected)
	}
	if len(rep.Unconnected) != 1 || rep.Unconnected[0].Link.ID != 7 {
		t.Fatalf("Unconnected = %+v, want link 7 only", rep.Unconnected)
	}
	if rep.Unconnected[0].Reason != "node 99 not mapped" {
		t.Errorf("Reason = %q", rep.Unconnected[0].Reason)
	}
	if len(rc.calls) != 1 || rc.dirty != 1 {
		t.Errorf("connect calls = %d dirty = %d, want 1 and 1", len(rc.calls), rc.dirty)
	}
}

func TestLoad_ConnectRefusalReported(t *testing.T) {
	bp := inputOutput()
	bp.Links[0].OriginSlot = 3
	rc := newRecording(0)

	rep := New(Config{}).Load(rc, bp)

	if rep.LinksConnected != 0 || len(rep.Unconnected) != 1 {
		t.Fatalf("report = %+v", rep)
	}
	if rep.Diagnostics[0].Code != CodeConnectRefused {
		t.Errorf("code = %s, want %s", rep.Diagnostics[0].Code, CodeConnectRefused)
	}
}

func TestLoad_AmbiguousFallbackPicksFirst(t *testing.T) {
	bp := &blueprint.Blueprint{
		Name: "stacked",
		Nodes: []blueprint.NodeDescriptor{
			{ID: 1, Type: "cognitive/passthrough", Position: blueprint.Position{10, 10}},
			{ID: 2, Type: "cognitive/passthrough", Position: blueprint.Position{10, 10}},
		},
	}
	rc := newRecording(50)
	rep := New(Config{}).Load(rc, bp)

	if rep.NodesMapped != 2 {
		t.Fatalf("NodesMapped = %d, want 2", rep.NodesMapped)
	}
	var ambiguous int
	for _, d := range rep.Diagnostics {
		if d.Code == CodeAmbiguousFallback {
			ambiguous++
		}
	}
	if ambiguous != 1 {
		t.Errorf("ambiguous diagnostics = %d, want 1", ambiguous)
	}
}

func TestLoad_PositionToleranceIsStrict(t *testing.T) {
	// A canvas that nudges every node by exactly the tolerance.
	inner := canvas.NewMemCanvas(canvas.MemCanvasConfig{
		AssignID: func(id canvas.NodeID) canvas.NodeID { return id + 10 },
	})
	nudged := &nudgingCanvas{MemCanvas: inner, dx: PositionTolerance}
	rep := New(Config{}).Load(nudged, inputOutput())
	if rep.NodesMapped != 0 {
		t.Errorf("NodesMapped = %d, want 0", rep.NodesMapped)
	}
}

type nudgingCanvas struct {
	*canvas.MemCanvas
	dx float64
}

func (n *nudgingCanvas) Materialize(nodes []blueprint.NodeDescriptor) error {
	moved := make([]blueprint.NodeDescriptor, len(nodes))
	for i, nd := range nodes {
		nd.Position = blueprint.Position{nd.Position.X() + n.dx, nd.Position.Y()}
		moved[i] = nd
	}
	return n.MemCanvas.Materialize(moved)
}

// topology renders a snapshot's links in terms of node positions so that two
// canvases with different id assignments can be compared.
func topology(snap canvas.Snapshot) []string {
	pos := make(map[canvas.NodeID]blueprint.Position, len(snap.Nodes))
	for _, n := range snap.Nodes {
		pos[n.ID] = n.Position
	}
	out := make([]string, 0, len(snap.Links))
	for _, l := range snap.Links {
		out = append(out, fmt.Sprintf("%v:%d->%v:%d", pos[l.OriginID], l.OriginSlot, pos[l.TargetID], l.TargetSlot))
	}
	sort.Strings(out)
	return out
}

func TestLoad_IsomorphicAcrossCanvases(t *testing.T) {
	bp := &blueprint.Blueprint{
		Name: "chain",
		Nodes: []blueprint.NodeDescriptor{
			{ID: 1, Type: "cognitive/input", Position: blueprint.Position{0, 0}},
			{ID: 2, Type: "cognitive/passthrough", Position: blueprint.Position{100, 0}},
			{ID: 3, Type: "cognitive/template", Position: blueprint.Position{200, 0}},
			{ID: 4, Type: "cognitive/output", Position: blueprint.Position{300, 0}},
		},
		Links: []blueprint.LinkDescriptor{
			{ID: 1, OriginID: 1, TargetID: 2},
			{ID: 2, OriginID: 2, TargetID: 3},
			{ID: 3, OriginID: 3, TargetID: 4},
		},
	}
	a := newRecording(0)
	b := newRecording(1000)
	r := New(Config{})

	repA := r.Load(a, bp)
	repB := r.Load(b, bp)
	if !repA.Complete() || !repB.Complete() {
		t.Fatalf("reports incomplete: %+v / %+v", repA, repB)
	}

	ta, tb := topology(a.Serialize()), topology(b.Serialize())
	if fmt.Sprint(ta) != fmt.Sprint(tb) {
		t.Errorf("topologies differ:\n%v\n%v", ta, tb)
	}
}

func TestLoad_DoesNotMutateBlueprint(t *testing.T) {
	bp := inputOutput()
	before := bp.Clone()
	New(Config{}).Load(newRecording(7), bp)
	if fmt.Sprint(before) != fmt.Sprint(bp) {
		t.Error("Load mutated the blueprint")
	}
}
