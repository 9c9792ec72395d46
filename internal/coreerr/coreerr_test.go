package coreerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFormatting(t *testing.T) {
	e := New(InvalidNodeConfig, "bad node")
	require.Equal(t, "INVALID_NODE_CONFIG: bad node", e.Error())

	bare := New(QueueUnavailable, "")
	require.Equal(t, "QUEUE_UNAVAILABLE", bare.Error())
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("dial tcp: timeout")
	wrapped := Wrap(GatewayUnavailable, cause, "")

	require.Equal(t, cause.Error(), wrapped.Message)
	require.True(t, errors.Is(wrapped, cause))
}

func TestWithSuffix(t *testing.T) {
	code := WithSuffix(ToolNotAllowed, "shell.run")
	assert.Equal(t, Code("TOOL_NOT_ALLOWED:shell.run"), code)
}

func TestCodeOfAndIsRetryable(t *testing.T) {
	plain := errors.New("boom")
	assert.Equal(t, Code(""), CodeOf(plain))
	assert.False(t, IsRetryable(plain))

	retryable := New(LLMTimeout, "deadline exceeded").WithRetryable()
	assert.Equal(t, LLMTimeout, CodeOf(retryable))
	assert.True(t, IsRetryable(retryable))

	nonRetryable := New(ToolPolicyDenied, "denied")
	assert.False(t, IsRetryable(nonRetryable))
}

func TestNilErrorIsSafe(t *testing.T) {
	var e *Error
	assert.Equal(t, "", e.Error())
	assert.Nil(t, e.Unwrap())
}
