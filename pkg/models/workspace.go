package models

import (
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Workspace is the tenant boundary. Every record except SystemConfig and the
// registry mirror belongs to exactly one workspace.
type Workspace struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	Slug      string    `json:"slug"`
	CreatedAt time.Time `json:"created_at"`
}

var slugScrubber = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify derives a URL-safe workspace slug from a display name.
func Slugify(name string) string {
	slug := strings.ToLower(strings.TrimSpace(name))
	slug = slugScrubber.ReplaceAllString(slug, "-")
	slug = strings.Trim(slug, "-")
	if slug == "" {
		slug = "workspace"
	}
	return slug
}

// User is a principal within a workspace.
type User struct {
	ID           uuid.UUID  `json:"id"`
	WorkspaceID  uuid.UUID  `json:"workspace_id"`
	Email        string     `json:"email"`
	DisplayName  string     `json:"display_name,omitempty"`
	IsSuperAdmin bool       `json:"is_super_admin"`
	CreatedAt    time.Time  `json:"created_at"`
	LastSeenAt   *time.Time `json:"last_seen_at,omitempty"`
}
