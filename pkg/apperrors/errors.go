// Package apperrors defines the typed error taxonomy shared by all toolhub
// components. Components return these errors; only the HTTP layer translates
// them into status codes and JSON envelopes.
package apperrors

import (
	"errors"
	"fmt"
)

// Kind classifies an error for transport-level translation.
type Kind string

// Error kinds. Stable strings: they appear verbatim in API error envelopes.
const (
	KindSetupRequired     Kind = "setup_required"
	KindAlreadyConfigured Kind = "already_configured"
	KindUnauthenticated   Kind = "unauthenticated"
	KindAuthStateExpired  Kind = "auth_state_expired"
	KindForbidden         Kind = "forbidden"
	KindUnknownTool       Kind = "unknown_tool"
	KindToolNotActivated  Kind = "tool_not_activated"
	KindInvalidConfig     Kind = "invalid_config"
	KindNeedsOAuth        Kind = "needs_oauth"
	KindReauthRequired    Kind = "reauth_required"
	KindToolError         Kind = "tool_error"
	KindFrontmatterWrite  Kind = "frontmatter_write_failed"
	KindRateLimited       Kind = "rate_limited"
	KindCrypto            Kind = "crypto_error"
	KindNotFound          Kind = "not_found"
	KindConflict          Kind = "conflict"
	KindValidation        Kind = "validation_failed"
	KindInternal          Kind = "internal"
)

// Error carries a kind, a caller-safe message, and optional structured details.
// Details must never contain secrets, OAuth tokens, or frontmatter bytes.
type Error struct {
	Kind    Kind
	Message string
	Details map[string]any
	wrapped error
}

func (e *Error) Error() string {
	if e.wrapped != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.wrapped)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Unwrap exposes the underlying cause for errors.Is/As chains.
func (e *Error) Unwrap() error { return e.wrapped }

// New creates a typed error with no underlying cause.
func New(kind Kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// Newf creates a typed error with a formatted message.
func Newf(kind Kind, format string, args ...any) *Error {
	return &Error{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and caller-safe message to an underlying error.
func Wrap(kind Kind, message string, err error) *Error {
	return &Error{Kind: kind, Message: message, wrapped: err}
}

// WithDetails returns a copy of e carrying the given details map.
func (e *Error) WithDetails(details map[string]any) *Error {
	clone := *e
	clone.Details = details
	return &clone
}

// KindOf extracts the Kind from an error chain. Unclassified errors are
// KindInternal.
func KindOf(err error) Kind {
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindInternal
}

// Is reports whether err carries the given kind anywhere in its chain.
func Is(err error, kind Kind) bool {
	return KindOf(err) == kind
}

// Common sentinels used across repositories and services.
var (
	ErrNotFound = New(KindNotFound, "not found")
	ErrConflict = New(KindConflict, "conflict")
)

// IsNotFound reports whether err chains to ErrNotFound or carries
// KindNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound) || Is(err, KindNotFound)
}

// IsConflict reports whether err chains to ErrConflict or carries
// KindConflict.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict) || Is(err, KindConflict)
}

// NeedsOAuth builds the activation-time "start OAuth first" error.
func NeedsOAuth(provider, authorizeURL string, scopes []string) *Error {
	return New(KindNeedsOAuth, "tool requires OAuth authorization").WithDetails(map[string]any{
		"provider":      provider,
		"scopes":        scopes,
		"authorize_url": authorizeURL,
	})
}

// ReauthRequired builds the call-time "token no longer sufficient" error.
func ReauthRequired(provider, authorizeURL string, missingScopes []string) *Error {
	return New(KindReauthRequired, "provider token requires re-authorization").WithDetails(map[string]any{
		"provider":      provider,
		"scopes":        missingScopes,
		"authorize_url": authorizeURL,
	})
}

// FrontmatterWrite builds a file-write failure error. The detail flags that
// the database and the agent file may disagree until the next scan.
func FrontmatterWrite(message string, err error) *Error {
	return Wrap(KindFrontmatterWrite, message, err).WithDetails(map[string]any{
		"reconcile_needed": true,
	})
}

// InvalidConfig builds a schema-violation error keyed by field path.
func InvalidConfig(fieldErrors map[string]string) *Error {
	return New(KindInvalidConfig, "configuration does not match tool schema").WithDetails(map[string]any{
		"field_errors": fieldErrors,
	})
}

// ToolErrorKind tags upstream child failures for the ToolError envelope.
type ToolErrorKind string

// Upstream failure classes surfaced to MCP clients.
const (
	ToolErrTransport ToolErrorKind = "transport"
	ToolErrTimeout   ToolErrorKind = "timeout"
	ToolErrUpstream  ToolErrorKind = "upstream"
	ToolErrUnknown   ToolErrorKind = "unknown"
)

// ToolError wraps a child tool server failure.
func ToolError(kind ToolErrorKind, message string, err error) *Error {
	e := Wrap(KindToolError, message, err)
	e.Details = map[string]any{"kind": string(kind)}
	return e
}
