package shell

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShellSuccess(t *testing.T) {
	err := Shell{}.Handle(context.Background(), []byte(`{"command":"sh","args":["-c","exit 0"]}`))
	assert.NoError(t, err)
}

func TestShellExitCode(t *testing.T) {
	err := Shell{}.Handle(context.Background(), []byte(`{"command":"sh","args":["-c","echo $GREETING; exit 3"],"env":{"GREETING":"hello"}}`))
	require.Error(t, err)

	var exitErr *ExitError
	require.True(t, errors.As(err, &exitErr))
	assert.Equal(t, 3, exitErr.ExitCode)
	assert.Contains(t, exitErr.Output, "hello")
	assert.Equal(t, 3, exitErr.Details()["exit_code"])
}

func TestShellRejectsBadPayload(t *testing.T) {
	assert.Error(t, Shell{}.Handle(context.Background(), []byte(`{}`)))
	assert.Error(t, Shell{}.Handle(context.Background(), []byte(`not json`)))
}

func TestTail(t *testing.T) {
	assert.Equal(t, "cde", tail([]byte("abcde"), 3))
	assert.Equal(t, "ab", tail([]byte("ab"), 3))
}
