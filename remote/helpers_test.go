package remote_test

import (
	"testing"

	"github.com/petal-labs/canvasbridge/blueprint"
	"github.com/petal-labs/canvasbridge/canvas"
	"github.com/petal-labs/canvasbridge/reconcile"
)

func newLoadedCanvas(t *testing.T, bp *blueprint.Blueprint) *canvas.MemCanvas {
	t.Helper()
	cv := canvas.NewMemCanvas(canvas.MemCanvasConfig{})
	report := reconcile.New(reconcile.Config{}).Load(cv, bp)
	if !report.Complete() {
		t.Fatalf("reconcile incomplete: %+v", report)
	}
	return cv
}
