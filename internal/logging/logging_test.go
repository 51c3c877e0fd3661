package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_ValidLevel(t *testing.T) {
	logger, err := New("debug")
	require.NoError(t, err)
	require.NotNil(t, logger)
	assert.True(t, logger.Core().Enabled(-1)) // zapcore.DebugLevel
}

func TestNew_InvalidLevel(t *testing.T) {
	_, err := New("not-a-level")
	assert.Error(t, err)
}

func TestForPeer_AttachesFields(t *testing.T) {
	base, err := New("info")
	require.NoError(t, err)
	peerLogger := ForPeer(base, "10.0.0.5:60120", 7)
	require.NotNil(t, peerLogger)
}
