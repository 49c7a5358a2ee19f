// Package auth implements login, sessions, and request authentication for
// both LOCAL and WORKOS modes. Handlers and services read the authenticated
// principal from the request context; only the middleware writes it.
package auth

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type contextKey string

// PrincipalKey is the context key the middleware stores the principal under.
const PrincipalKey contextKey = "toolhub.principal"

// Principal is the authenticated identity attached to a request.
type Principal struct {
	UserID       uuid.UUID
	WorkspaceID  uuid.UUID
	Email        string
	IsSuperAdmin bool
	SessionID    string
	// AgentID is set when the request identifies itself as acting for a
	// discovered agent. Tool listing and permission checks narrow to the
	// agent's toolkit when present.
	AgentID *uuid.UUID
}

// WithPrincipal returns a context carrying the principal.
func WithPrincipal(ctx context.Context, p *Principal) context.Context {
	return context.WithValue(ctx, PrincipalKey, p)
}

// GetPrincipal extracts the principal from the context.
func GetPrincipal(ctx context.Context) (*Principal, bool) {
	p, ok := ctx.Value(PrincipalKey).(*Principal)
	return p, ok && p != nil
}

// RequirePrincipal extracts the principal or fails.
func RequirePrincipal(ctx context.Context) (*Principal, error) {
	p, ok := GetPrincipal(ctx)
	if !ok {
		return nil, fmt.Errorf("no authenticated principal in context")
	}
	return p, nil
}
