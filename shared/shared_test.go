package shared

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlagsStopStopped(t *testing.T) {
	f := New()
	assert.False(t, f.Stopped())
	f.Stop()
	assert.True(t, f.Stopped())
}

func TestFlagsPauseUnpause(t *testing.T) {
	f := New()
	assert.False(t, f.Paused())
	f.Pause()
	assert.True(t, f.Paused())
	f.Unpause()
	assert.False(t, f.Paused())
}
