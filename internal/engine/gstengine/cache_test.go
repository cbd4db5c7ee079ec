package gstengine

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFactoryCache_LooksUpOnce(t *testing.T) {
	calls := map[string]int{}
	fc := newFactoryCache(func(factory string) bool {
		calls[factory]++
		return factory == "videoconvert"
	})

	assert.True(t, fc.has("videoconvert"))
	assert.True(t, fc.has("videoconvert"))
	assert.False(t, fc.has("nosuchelement"))
	assert.False(t, fc.has("nosuchelement"))
	assert.Equal(t, 1, calls["videoconvert"])
	assert.Equal(t, 1, calls["nosuchelement"])

	fc.forget("videoconvert")
	assert.True(t, fc.has("videoconvert"))
	assert.Equal(t, 2, calls["videoconvert"])
}

func TestFactoryCache_EmptyName(t *testing.T) {
	fc := newFactoryCache(func(string) bool {
		t.Fatal("lookup called for empty name")
		return true
	})
	assert.False(t, fc.has(""))
}
