package models

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// BaseFolder is an admin-registered filesystem root that discovery scans for
// projects.
type BaseFolder struct {
	ID          uuid.UUID `json:"id"`
	WorkspaceID uuid.UUID `json:"workspace_id"`
	Path        string    `json:"path"`
	Label       string    `json:"label,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Project is a git repository found under a base folder. Workspace ownership
// follows the base folder.
type Project struct {
	ID            uuid.UUID  `json:"id"`
	BaseFolderID  uuid.UUID  `json:"base_folder_id"`
	Name          string     `json:"name"`
	AbsolutePath  string     `json:"absolute_path"`
	LastScannedAt *time.Time `json:"last_scanned_at,omitempty"`
}

// AgentState tracks whether an agent file's hub block matches the database.
type AgentState string

const (
	// AgentFresh means file and database agree.
	AgentFresh AgentState = "fresh"
	// AgentDirty means the file changed on disk since the last sync.
	AgentDirty AgentState = "dirty"
	// AgentBroken means the file's frontmatter no longer parses.
	AgentBroken AgentState = "broken"
)

// ToolGrant is one tool entry inside an agent's toolkit.
type ToolGrant struct {
	Name        string   `yaml:"name" json:"name"`
	Permissions []string `yaml:"permissions,omitempty" json:"permissions,omitempty"`
}

// Toolkit is the hub-owned subtree of an agent file's frontmatter.
type Toolkit struct {
	Tools               []ToolGrant `yaml:"tools,omitempty" json:"tools,omitempty"`
	InheritProjectTools bool        `yaml:"inherit_project_tools,omitempty" json:"inherit_project_tools,omitempty"`
	LastConfigured      string      `yaml:"last_configured,omitempty" json:"last_configured,omitempty"`
	ConfiguredBy        string      `yaml:"configured_by,omitempty" json:"configured_by,omitempty"`
}

// Equivalent reports whether two toolkits grant the same access, ignoring
// tool ordering and the bookkeeping fields. Used to skip file writes that
// would change nothing.
func (t Toolkit) Equivalent(other Toolkit) bool {
	if t.InheritProjectTools != other.InheritProjectTools {
		return false
	}
	if len(t.Tools) != len(other.Tools) {
		return false
	}
	a := normalizeGrants(t.Tools)
	b := normalizeGrants(other.Tools)
	for i := range a {
		if a[i].Name != b[i].Name {
			return false
		}
		if len(a[i].Permissions) != len(b[i].Permissions) {
			return false
		}
		for j := range a[i].Permissions {
			if a[i].Permissions[j] != b[i].Permissions[j] {
				return false
			}
		}
	}
	return true
}

func normalizeGrants(grants []ToolGrant) []ToolGrant {
	out := make([]ToolGrant, len(grants))
	for i, g := range grants {
		perms := append([]string(nil), g.Permissions...)
		sort.Strings(perms)
		out[i] = ToolGrant{Name: g.Name, Permissions: perms}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Agent is a discovered agent definition file within a project.
type Agent struct {
	ID             uuid.UUID  `json:"id"`
	ProjectID      uuid.UUID  `json:"project_id"`
	RelativePath   string     `json:"relative_path"`
	Name           string     `json:"name"`
	Icon           string     `json:"icon,omitempty"`
	FileHash       string     `json:"file_hash"`
	Toolkit        Toolkit    `json:"toolkit"`
	RawFrontmatter []byte     `json:"-"`
	State          AgentState `json:"state"`
	ErrorMessage   string     `json:"error_message,omitempty"`
	UpdatedAt      time.Time  `json:"updated_at"`
}
