package models

import (
	"time"

	"github.com/google/uuid"
)

// AuditCategory groups audit events for filtering.
type AuditCategory string

const (
	AuditAuth       AuditCategory = "auth"
	AuditTool       AuditCategory = "tool"
	AuditCredential AuditCategory = "credential"
	AuditAdmin      AuditCategory = "admin"
	AuditWorkspace  AuditCategory = "workspace"
)

// AuditEvent is one append-only record of a security-relevant action. Tool
// events record only the category, action, and tool name; request and
// response payloads are never captured.
type AuditEvent struct {
	ID           int64         `json:"id"`
	WorkspaceID  *uuid.UUID    `json:"workspace_id,omitempty"`
	ActorUserID  *uuid.UUID    `json:"actor_user_id,omitempty"`
	ActorEmail   string        `json:"actor_email,omitempty"`
	Category     AuditCategory `json:"category"`
	Action       string        `json:"action"`
	TargetType   string        `json:"target_type,omitempty"`
	TargetID     string        `json:"target_id,omitempty"`
	TargetName   string        `json:"target_name,omitempty"`
	Success      bool          `json:"success"`
	ErrorMessage string        `json:"error_message,omitempty"`
	// Detail carries short context such as the permission decision reason.
	// Never payloads.
	Detail     string    `json:"detail,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}
