// Package ui provides the embedded template browser served by the
// canvasbridge server.
package ui

import (
	"embed"
	"io/fs"
)

//go:embed dist/*
var distFS embed.FS

// DistFS returns the browser assets with the dist/ prefix stripped, so
// files are addressed as "index.html" rather than "dist/index.html".
func DistFS() (fs.FS, error) {
	return fs.Sub(distFS, "dist")
}
