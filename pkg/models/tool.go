package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// UserTool is the soft activation record for one (user, tool) pair. Removing
// a tool flips enabled to false; reactivation flips it back instead of
// inserting a second row.
type UserTool struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	UserID      uuid.UUID `json:"user_id"`
	ToolName    string    `json:"tool_name"`
	Enabled     bool      `json:"enabled"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// ToolConfig is one per-user configuration entry for an activated tool.
// Encrypted entries hold sealed ciphertext in Value.
type ToolConfig struct {
	ID         uuid.UUID       `json:"id"`
	UserToolID uuid.UUID       `json:"user_tool_id"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"-"`
	Encrypted  bool            `json:"encrypted"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// ProjectTool is a project-level tool grant that agents may inherit via
// their toolkit's inherit_project_tools flag.
type ProjectTool struct {
	ID        uuid.UUID `json:"id"`
	ProjectID uuid.UUID `json:"project_id"`
	ToolName  string    `json:"tool_name"`
	Enabled   bool      `json:"enabled"`
	UpdatedAt time.Time `json:"updated_at"`
}
