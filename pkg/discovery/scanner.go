package discovery

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

const (
	// DefaultAgentsDir is where agent definition files live inside a
	// project.
	DefaultAgentsDir = ".claude/agents"

	// DefaultMaxDepth caps directory traversal below a base folder. Guards
	// against runaway trees and symlink loops.
	DefaultMaxDepth = 12
)

// ProjectScan is one git repository found under a base folder.
type ProjectScan struct {
	Name         string
	AbsolutePath string
	Agents       []AgentScan
}

// AgentScan is one candidate agent file. Err is set when the file read or
// parse failed; such agents are recorded as broken rather than dropped.
type AgentScan struct {
	RelativePath string
	AbsolutePath string
	Raw          []byte
	Hash         string
	Parsed       *AgentFile
	Err          error
}

// Scanner walks base folders looking for projects and their agent files.
type Scanner struct {
	agentsDir string
	maxDepth  int
	logger    *zap.Logger
}

// NewScanner creates a scanner. Zero values select the defaults.
func NewScanner(agentsDir string, maxDepth int, logger *zap.Logger) *Scanner {
	if agentsDir == "" {
		agentsDir = DefaultAgentsDir
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Scanner{
		agentsDir: agentsDir,
		maxDepth:  maxDepth,
		logger:    logger.Named("discovery-scanner"),
	}
}

type scanFrame struct {
	path  string
	depth int
}

// Scan walks basePath breadth-first and returns every project found. Hidden
// directories are pruned (the agents directory excepted) and symlinks that
// resolve outside the base are never followed.
func (s *Scanner) Scan(ctx context.Context, basePath string) ([]*ProjectScan, error) {
	resolvedBase, err := filepath.EvalSymlinks(basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve base folder %s: %w", basePath, err)
	}

	agentsDirHead := strings.SplitN(s.agentsDir, string(filepath.Separator), 2)[0]

	var projects []*ProjectScan
	queue := []scanFrame{{path: resolvedBase, depth: 0}}
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		frame := queue[0]
		queue = queue[1:]

		entries, err := os.ReadDir(frame.path)
		if err != nil {
			s.logger.Warn("Skipping unreadable directory", zap.String("path", frame.path), zap.Error(err))
			continue
		}

		if hasGitDir(entries) {
			project, err := s.scanProject(frame.path)
			if err != nil {
				s.logger.Warn("Skipping project", zap.String("path", frame.path), zap.Error(err))
			} else {
				projects = append(projects, project)
			}
		}

		if frame.depth >= s.maxDepth {
			continue
		}
		for _, entry := range entries {
			if !entry.IsDir() && entry.Type()&fs.ModeSymlink == 0 {
				continue
			}
			name := entry.Name()
			if strings.HasPrefix(name, ".") && name != agentsDirHead {
				continue
			}

			child := filepath.Join(frame.path, name)
			resolved, err := filepath.EvalSymlinks(child)
			if err != nil {
				continue
			}
			if !within(resolvedBase, resolved) {
				s.logger.Debug("Skipping symlink outside base folder", zap.String("path", child))
				continue
			}
			info, err := os.Stat(resolved)
			if err != nil || !info.IsDir() {
				continue
			}
			queue = append(queue, scanFrame{path: child, depth: frame.depth + 1})
		}
	}

	return projects, nil
}

// scanProject collects agent files under the project's agents directory.
func (s *Scanner) scanProject(projectPath string) (*ProjectScan, error) {
	project := &ProjectScan{
		Name:         filepath.Base(projectPath),
		AbsolutePath: projectPath,
	}

	agentsPath := filepath.Join(projectPath, s.agentsDir)
	if _, err := os.Stat(agentsPath); err != nil {
		// A project without an agents directory is still a project.
		return project, nil
	}

	err := filepath.WalkDir(agentsPath, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}

		relative, err := filepath.Rel(projectPath, path)
		if err != nil {
			return nil
		}
		project.Agents = append(project.Agents, s.scanAgentFile(path, relative))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk agents directory: %w", err)
	}

	return project, nil
}

// scanAgentFile reads and parses one candidate file. Reads are retried once;
// a second failure or a parse failure marks the scan broken.
func (s *Scanner) scanAgentFile(absolutePath, relativePath string) AgentScan {
	scan := AgentScan{
		RelativePath: relativePath,
		AbsolutePath: absolutePath,
	}

	raw, err := os.ReadFile(absolutePath)
	if err != nil {
		raw, err = os.ReadFile(absolutePath)
	}
	if err != nil {
		scan.Err = fmt.Errorf("failed to read agent file: %w", err)
		return scan
	}

	scan.Raw = raw
	scan.Hash = HashBytes(raw)

	if _, _, ok := splitFrontmatter(raw); !ok {
		// Markdown without frontmatter is not an agent at all.
		scan.Err = errNotAnAgent
		return scan
	}

	parsed, err := ParseAgentFile(raw)
	if err != nil {
		scan.Err = err
		return scan
	}
	if parsed.Name == "" {
		parsed.Name = strings.TrimSuffix(filepath.Base(absolutePath), ".md")
	}
	scan.Parsed = parsed
	return scan
}

var errNotAnAgent = fmt.Errorf("file is not an agent definition")

// HashBytes returns the hex sha256 of raw file bytes.
func HashBytes(raw []byte) string {
	sum := sha256.Sum256(raw)
	return hex.EncodeToString(sum[:])
}

func hasGitDir(entries []fs.DirEntry) bool {
	for _, entry := range entries {
		if entry.IsDir() && entry.Name() == ".git" {
			return true
		}
	}
	return false
}

func within(base, path string) bool {
	if base == path {
		return true
	}
	return strings.HasPrefix(path, base+string(filepath.Separator))
}
