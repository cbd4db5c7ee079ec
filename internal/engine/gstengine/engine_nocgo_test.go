//go:build !cgo

package gstengine

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestNew_RequiresCGO(t *testing.T) {
	_, err := New()
	require.ErrorIs(t, err, ErrCGORequired)
}
