// Package discovery finds agent definitions on disk: it scans base folders
// for git repositories, parses Markdown frontmatter, watches for edits, and
// writes toolkit changes back without disturbing the rest of the file.
package discovery

import (
	"fmt"
	"strings"

	"github.com/goccy/go-yaml"

	"github.com/oriole-systems/toolhub/pkg/models"
)

// delimiter opens and closes a YAML frontmatter block.
const delimiter = "---"

// HubBlock is the hub-owned subtree of an agent file's frontmatter. Only
// this block is ever rewritten; every other byte of the file is preserved.
type HubBlock struct {
	Icon    string         `yaml:"icon,omitempty" json:"icon,omitempty"`
	Toolkit models.Toolkit `yaml:"toolkit" json:"toolkit"`
}

// AgentFile is a parsed agent definition.
type AgentFile struct {
	// Name comes from the frontmatter name key; callers fall back to the
	// file name when empty.
	Name string
	Hub  HubBlock
	// Frontmatter is the raw YAML text between the delimiters.
	Frontmatter string
}

// splitFrontmatter cuts raw into its frontmatter text and body. The body
// keeps its exact bytes so reassembly outside the frontmatter is lossless.
func splitFrontmatter(raw []byte) (frontmatter, body string, ok bool) {
	content := string(raw)
	lines := strings.Split(content, "\n")
	if len(lines) == 0 || strings.TrimSpace(lines[0]) != delimiter {
		return "", "", false
	}

	for i := 1; i < len(lines); i++ {
		if strings.TrimSpace(lines[i]) == delimiter {
			return strings.Join(lines[1:i], "\n"), strings.Join(lines[i+1:], "\n"), true
		}
	}
	return "", "", false
}

func assemble(frontmatter, body string) []byte {
	return []byte(delimiter + "\n" + frontmatter + "\n" + delimiter + "\n" + body)
}

// ParseAgentFile parses an agent definition. Files without a leading
// frontmatter block are not agents; malformed YAML is an error so the caller
// can mark the agent broken.
func ParseAgentFile(raw []byte) (*AgentFile, error) {
	frontmatter, _, ok := splitFrontmatter(raw)
	if !ok {
		return nil, fmt.Errorf("file has no frontmatter block")
	}

	var parsed struct {
		Name string   `yaml:"name"`
		Hub  HubBlock `yaml:"hub"`
	}
	if err := yaml.Unmarshal([]byte(frontmatter), &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse frontmatter: %w", err)
	}

	return &AgentFile{
		Name:        parsed.Name,
		Hub:         parsed.Hub,
		Frontmatter: frontmatter,
	}, nil
}

// SpliceHub rewrites only the top-level hub block of raw, leaving every
// other byte of the file untouched. When the new block is semantically
// identical to the current one the original bytes come back unchanged, so
// no-op updates never dirty files under version control.
func SpliceHub(raw []byte, hub HubBlock) ([]byte, error) {
	current, err := ParseAgentFile(raw)
	if err != nil {
		return nil, err
	}
	if current.Hub.Icon == hub.Icon &&
		current.Hub.Toolkit.Equivalent(hub.Toolkit) &&
		current.Hub.Toolkit.LastConfigured == hub.Toolkit.LastConfigured &&
		current.Hub.Toolkit.ConfiguredBy == hub.Toolkit.ConfiguredBy {
		return raw, nil
	}

	block, err := yaml.Marshal(struct {
		Hub HubBlock `yaml:"hub"`
	}{Hub: hub})
	if err != nil {
		return nil, fmt.Errorf("failed to serialize hub block: %w", err)
	}
	blockText := strings.TrimRight(string(block), "\n")

	frontmatter, body, _ := splitFrontmatter(raw)
	lines := strings.Split(frontmatter, "\n")

	start, end := hubRegion(lines)
	var out []string
	if start == -1 {
		out = append(out, lines...)
		out = append(out, strings.Split(blockText, "\n")...)
	} else {
		out = append(out, lines[:start]...)
		out = append(out, strings.Split(blockText, "\n")...)
		out = append(out, lines[end:]...)
	}

	return assemble(strings.Join(out, "\n"), body), nil
}

// hubRegion returns the half-open line range [start, end) of the top-level
// hub block, or (-1, -1) when the frontmatter has none. The region stops
// before trailing blank lines so surrounding spacing survives a splice.
func hubRegion(lines []string) (int, int) {
	start := -1
	for i, line := range lines {
		if line == "hub:" || strings.HasPrefix(line, "hub:") && strings.TrimSpace(line[len("hub:"):]) == "" {
			start = i
			break
		}
	}
	if start == -1 {
		return -1, -1
	}

	end := start + 1
	for end < len(lines) {
		line := lines[end]
		if line != "" && !strings.HasPrefix(line, " ") && !strings.HasPrefix(line, "\t") {
			break
		}
		end++
	}
	// Leave trailing blank lines in place.
	for end > start+1 && strings.TrimSpace(lines[end-1]) == "" {
		end--
	}
	return start, end
}
