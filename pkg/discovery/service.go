package discovery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
	"github.com/oriole-systems/toolhub/pkg/audit"
	"github.com/oriole-systems/toolhub/pkg/auth"
	"github.com/oriole-systems/toolhub/pkg/database"
	"github.com/oriole-systems/toolhub/pkg/models"
	"github.com/oriole-systems/toolhub/pkg/repositories"
)

// Service runs the discovery pipeline and owns the write-back protocol for
// agent toolkits.
type Service struct {
	db       *database.DB
	folders  repositories.BaseFolderRepository
	projects repositories.ProjectRepository
	agents   repositories.AgentRepository
	scanner  *Scanner
	scanPool *database.ScanPool
	cache    *parseCache
	recorder *audit.Recorder
	logger   *zap.Logger
}

// NewService creates a discovery service.
func NewService(
	db *database.DB,
	folders repositories.BaseFolderRepository,
	projects repositories.ProjectRepository,
	agents repositories.AgentRepository,
	scanner *Scanner,
	scanPool *database.ScanPool,
	recorder *audit.Recorder,
	logger *zap.Logger,
) *Service {
	return &Service{
		db:       db,
		folders:  folders,
		projects: projects,
		agents:   agents,
		scanner:  scanner,
		scanPool: scanPool,
		cache:    newParseCache(),
		recorder: recorder,
		logger:   logger.Named("discovery-service"),
	}
}

// AddBaseFolder registers a scan root for the workspace.
func (s *Service) AddBaseFolder(ctx context.Context, principal *auth.Principal, path, label string) (*models.BaseFolder, error) {
	absolute, err := filepath.Abs(path)
	if err != nil {
		return nil, apperrors.Newf(apperrors.KindValidation, "invalid path %q", path)
	}
	info, err := os.Stat(absolute)
	if err != nil || !info.IsDir() {
		return nil, apperrors.Newf(apperrors.KindValidation, "path %q is not a readable directory", path)
	}

	folder := &models.BaseFolder{
		ID:          uuid.New(),
		WorkspaceID: principal.WorkspaceID,
		Path:        absolute,
		Label:       label,
	}
	if err := s.folders.Create(ctx, folder); err != nil {
		return nil, err
	}

	s.recordEvent(principal, "discovery.base_folder_added", "base_folder", folder.Label, true)
	return folder, nil
}

// ListBaseFolders returns the workspace's scan roots.
func (s *Service) ListBaseFolders(ctx context.Context, workspaceID uuid.UUID) ([]*models.BaseFolder, error) {
	return s.folders.ListByWorkspace(ctx, workspaceID)
}

// RemoveBaseFolder deletes a scan root. Projects and agents beneath it go
// with it through the schema's cascade.
func (s *Service) RemoveBaseFolder(ctx context.Context, principal *auth.Principal, id uuid.UUID) error {
	if err := s.folders.Delete(ctx, id); err != nil {
		return err
	}
	s.recordEvent(principal, "discovery.base_folder_removed", "base_folder", id.String(), true)
	return nil
}

// ScanBaseFolder walks the folder and reconciles projects and agents with
// what is on disk. Scans are gated by the scan pool so a deep tree cannot
// starve request-path queries.
func (s *Service) ScanBaseFolder(ctx context.Context, folder *models.BaseFolder) ([]*models.Project, error) {
	release, err := s.scanPool.Acquire(ctx)
	if err != nil {
		return nil, err
	}
	defer release()

	scans, err := s.scanner.Scan(ctx, folder.Path)
	if err != nil {
		return nil, err
	}

	var stored []*models.Project
	keepPaths := make([]string, 0, len(scans))
	for _, scan := range scans {
		project, err := s.projects.Upsert(ctx, &models.Project{
			BaseFolderID: folder.ID,
			Name:         scan.Name,
			AbsolutePath: scan.AbsolutePath,
		})
		if err != nil {
			return nil, err
		}
		keepPaths = append(keepPaths, scan.AbsolutePath)

		if err := s.syncAgents(ctx, project.ID, scan.Agents); err != nil {
			return nil, err
		}
		if err := s.projects.TouchScanned(ctx, project.ID); err != nil {
			return nil, err
		}
		stored = append(stored, project)
	}

	if _, err := s.projects.DeleteMissing(ctx, folder.ID, keepPaths); err != nil {
		return nil, err
	}

	s.logger.Info("Base folder scanned",
		zap.String("path", folder.Path),
		zap.Int("projects", len(stored)))
	return stored, nil
}

// SyncProject rescans one project directory.
func (s *Service) SyncProject(ctx context.Context, project *models.Project) error {
	release, err := s.scanPool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer release()

	scan, err := s.scanner.scanProject(project.AbsolutePath)
	if err != nil {
		return err
	}
	if err := s.syncAgents(ctx, project.ID, scan.Agents); err != nil {
		return err
	}
	return s.projects.TouchScanned(ctx, project.ID)
}

// syncAgents reconciles a project's agent rows with scan results. Files that
// are no longer agents, or are gone, lose their rows.
func (s *Service) syncAgents(ctx context.Context, projectID uuid.UUID, scans []AgentScan) error {
	var keep []string
	for _, scan := range scans {
		if errors.Is(scan.Err, errNotAnAgent) {
			continue
		}
		keep = append(keep, scan.RelativePath)

		if scan.Err != nil {
			if err := s.upsertBroken(ctx, projectID, scan); err != nil {
				return err
			}
			continue
		}

		existing, err := s.agents.GetByPath(ctx, projectID, scan.RelativePath)
		if err == nil && existing.FileHash == scan.Hash && existing.State == models.AgentFresh {
			continue
		}
		if err != nil && !apperrors.IsNotFound(err) {
			return err
		}

		if _, err := s.agents.Upsert(ctx, s.agentRow(projectID, scan)); err != nil {
			return err
		}
		s.cache.put(scan.AbsolutePath, scan.Hash, scan.Parsed)
	}

	if _, err := s.agents.DeleteMissing(ctx, projectID, keep); err != nil {
		return err
	}
	return nil
}

func (s *Service) agentRow(projectID uuid.UUID, scan AgentScan) *models.Agent {
	return &models.Agent{
		ProjectID:      projectID,
		RelativePath:   scan.RelativePath,
		Name:           scan.Parsed.Name,
		Icon:           scan.Parsed.Hub.Icon,
		FileHash:       scan.Hash,
		Toolkit:        scan.Parsed.Hub.Toolkit,
		RawFrontmatter: frontmatterJSON(scan.Parsed.Frontmatter),
		State:          models.AgentFresh,
	}
}

func (s *Service) upsertBroken(ctx context.Context, projectID uuid.UUID, scan AgentScan) error {
	s.cache.drop(scan.AbsolutePath)

	existing, err := s.agents.GetByPath(ctx, projectID, scan.RelativePath)
	if err == nil {
		return s.agents.SetState(ctx, existing.ID, models.AgentBroken, scan.Err.Error())
	}
	if !apperrors.IsNotFound(err) {
		return err
	}

	_, err = s.agents.Upsert(ctx, &models.Agent{
		ProjectID:    projectID,
		RelativePath: scan.RelativePath,
		Name:         filepath.Base(scan.RelativePath),
		FileHash:     scan.Hash,
		State:        models.AgentBroken,
		ErrorMessage: scan.Err.Error(),
	})
	return err
}

// HandleFileEvent reprocesses one agent file after the watcher reports a
// change. The dirty state is visible between the change and a successful
// reparse.
func (s *Service) HandleFileEvent(ctx context.Context, project *models.Project, absolutePath string) {
	relative, err := filepath.Rel(project.AbsolutePath, absolutePath)
	if err != nil {
		return
	}

	existing, err := s.agents.GetByPath(ctx, project.ID, relative)
	if err != nil && !apperrors.IsNotFound(err) {
		s.logger.Warn("Failed to load agent for file event", zap.String("path", absolutePath), zap.Error(err))
		return
	}

	if _, statErr := os.Stat(absolutePath); statErr != nil {
		// File is gone.
		s.cache.drop(absolutePath)
		if existing != nil {
			_ = s.agents.Delete(ctx, existing.ID)
		}
		return
	}

	if existing != nil {
		_ = s.agents.SetState(ctx, existing.ID, models.AgentDirty, "")
	}

	scan := s.scanner.scanAgentFile(absolutePath, relative)
	switch {
	case errors.Is(scan.Err, errNotAnAgent):
		s.cache.drop(absolutePath)
		if existing != nil {
			_ = s.agents.Delete(ctx, existing.ID)
		}
	case scan.Err != nil:
		if err := s.upsertBroken(ctx, project.ID, scan); err != nil {
			s.logger.Warn("Failed to record broken agent", zap.String("path", absolutePath), zap.Error(err))
		}
	default:
		if _, err := s.agents.Upsert(ctx, s.agentRow(project.ID, scan)); err != nil {
			s.logger.Warn("Failed to refresh agent", zap.String("path", absolutePath), zap.Error(err))
			return
		}
		s.cache.put(absolutePath, scan.Hash, scan.Parsed)
	}
}

// UpdateToolkit persists a new toolkit to the database and the agent's file
// as one unit. The database row and the file bytes either both move or
// neither does; the one unrecoverable corner (commit failure after a
// successful file write, then a failed restore) is surfaced loudly in the
// audit log.
func (s *Service) UpdateToolkit(ctx context.Context, principal *auth.Principal, agent *models.Agent, toolkit models.Toolkit) (*models.Agent, error) {
	project, err := s.projects.GetByID(ctx, agent.ProjectID)
	if err != nil {
		return nil, err
	}
	absolutePath := filepath.Join(project.AbsolutePath, agent.RelativePath)

	// A semantically identical toolkit is a no-op: the file keeps its exact
	// bytes and the bookkeeping fields are not churned.
	if agent.Toolkit.Equivalent(toolkit) {
		return agent, nil
	}

	prior, err := os.ReadFile(absolutePath)
	if err != nil {
		return nil, apperrors.FrontmatterWrite("failed to read agent file", err)
	}

	toolkit.LastConfigured = time.Now().UTC().Format(time.RFC3339)
	toolkit.ConfiguredBy = principal.Email

	updated, err := SpliceHub(prior, HubBlock{Icon: agent.Icon, Toolkit: toolkit})
	if err != nil {
		return nil, apperrors.FrontmatterWrite("failed to rewrite frontmatter", err)
	}

	frontmatter, _, _ := splitFrontmatter(updated)
	row := *agent
	row.Toolkit = toolkit
	row.FileHash = HashBytes(updated)
	row.RawFrontmatter = frontmatterJSON(frontmatter)
	row.State = models.AgentFresh
	row.ErrorMessage = ""

	fileWritten := false
	err = s.db.WithTx(ctx, func(tx *sql.Tx) error {
		if err := s.agents.UpsertTx(ctx, tx, &row); err != nil {
			return err
		}
		// The file write happens inside the transaction so a failure rolls
		// the row update back.
		if err := writeFileAtomic(absolutePath, updated); err != nil {
			return apperrors.FrontmatterWrite("failed to write agent file", err)
		}
		fileWritten = true
		return nil
	})
	if err != nil {
		if fileWritten {
			// Commit failed after the file changed. Put the old bytes back;
			// if even that fails the next scan re-syncs from the file, and
			// the audit log records what happened.
			if restoreErr := writeFileAtomic(absolutePath, prior); restoreErr != nil {
				s.logger.Error("Failed to restore agent file after transaction failure",
					zap.String("path", absolutePath),
					zap.Error(restoreErr))
				s.recordEvent(principal, "discovery.toolkit_restore_failed", "agent", agent.Name, false)
			}
		}
		return nil, err
	}

	s.cache.drop(absolutePath)
	s.recordEvent(principal, "discovery.toolkit_updated", "agent", agent.Name, true)

	return s.agents.GetByID(ctx, agent.ID)
}

// writeFileAtomic writes via a temp file in the target directory followed by
// a rename, so readers never observe a half-written agent file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".toolhub-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("failed to replace file: %w", err)
	}
	return nil
}

// frontmatterJSON converts frontmatter YAML to the JSON form stored on the
// agent row. Parse failures store an empty object; the YAML already parsed
// once by the time this runs.
func frontmatterJSON(frontmatter string) []byte {
	var doc map[string]any
	if err := yaml.Unmarshal([]byte(frontmatter), &doc); err != nil || doc == nil {
		return []byte("{}")
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return []byte("{}")
	}
	return raw
}

func (s *Service) recordEvent(principal *auth.Principal, action, targetType, targetName string, success bool) {
	s.recorder.Record(&models.AuditEvent{
		WorkspaceID: &principal.WorkspaceID,
		ActorUserID: &principal.UserID,
		ActorEmail:  principal.Email,
		Category:    models.AuditWorkspace,
		Action:      action,
		TargetType:  targetType,
		TargetName:  targetName,
		Success:     success,
	})
}
