//go:build !cgo

package gstengine

import "github.com/bryanchriswhite/PipeScope/internal/engine"

// New always fails without cgo
func New() (engine.Engine, error) {
	return nil, ErrCGORequired
}
