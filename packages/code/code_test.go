package code

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitCodeKind(t *testing.T) {
	kind, retry := ExitCodeKind(0)
	assert.Empty(t, kind)
	assert.False(t, retry)

	kind, retry = ExitCodeKind(137) // SIGKILL, e.g. OOM
	assert.Equal(t, ToolFailure, kind)
	assert.True(t, retry)

	kind, retry = ExitCodeKind(1)
	assert.Equal(t, ToolFailure, kind)
	assert.False(t, retry)
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("boom")
	err := Wrap(TransientInfra, "spawn rpc failed", cause)
	assert.ErrorIs(t, err, cause)
	assert.True(t, TransientInfra.Retryable())
	assert.False(t, SLAExpired.Retryable())
	assert.True(t, SLAExpired.Terminal())
}
