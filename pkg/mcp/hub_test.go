package mcp

import (
	"errors"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
)

func TestSafeErrorText_TypedError(t *testing.T) {
	err := apperrors.New(apperrors.KindToolNotActivated, "tool is not activated")
	assert.Equal(t, "tool_not_activated: tool is not activated", safeErrorText(err))
}

func TestSafeErrorText_WrappedTypedError(t *testing.T) {
	inner := apperrors.New(apperrors.KindForbidden, "agent toolkit does not allow this tool")
	wrapped := errors.Join(errors.New("call failed"), inner)
	assert.Equal(t, "forbidden: agent toolkit does not allow this tool", safeErrorText(wrapped))
}

func TestSafeErrorText_UnclassifiedCollapses(t *testing.T) {
	// Raw errors may carry anything; only the kind crosses the wire.
	err := errors.New("dial tcp 10.0.0.5:8443: connection refused")
	text := safeErrorText(err)
	assert.Equal(t, string(apperrors.KindInternal), text)
	assert.NotContains(t, text, "10.0.0.5")
}

func TestToolSignature_OrderSensitive(t *testing.T) {
	a := []mcp.Tool{{Name: "echo.say"}, {Name: "wait.sleep"}}
	b := []mcp.Tool{{Name: "echo.say"}, {Name: "wait.sleep"}}
	c := []mcp.Tool{{Name: "echo.say"}}

	assert.Equal(t, toolSignature(a), toolSignature(b))
	assert.NotEqual(t, toolSignature(a), toolSignature(c))
}
