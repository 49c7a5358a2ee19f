package discovery

import (
	"context"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/oriole-systems/toolhub/pkg/models"
)

// debounceDelay batches the event storms editors produce when saving. Each
// file gets its own timer, so a rapid series of writes to one agent collapses
// into a single reparse of the final bytes.
const debounceDelay = 500 * time.Millisecond

// Watcher follows agent directories of known projects and feeds file changes
// to the discovery service.
type Watcher struct {
	service   *Service
	agentsDir string
	watcher   *fsnotify.Watcher
	logger    *zap.Logger

	mu      sync.Mutex
	targets map[string]*models.Project
	timers  map[string]*time.Timer

	done     chan struct{}
	doneOnce sync.Once
}

// NewWatcher creates a watcher and starts its event loop. agentsDir is the
// project-relative agents directory; empty selects the default.
func NewWatcher(service *Service, agentsDir string, logger *zap.Logger) (*Watcher, error) {
	if agentsDir == "" {
		agentsDir = DefaultAgentsDir
	}

	fsw, err := fsnotify.NewBufferedWatcher(100)
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		service:   service,
		agentsDir: agentsDir,
		watcher:   fsw,
		logger:    logger.Named("discovery-watcher"),
		targets:   make(map[string]*models.Project),
		timers:    make(map[string]*time.Timer),
		done:      make(chan struct{}),
	}
	go w.run()
	return w, nil
}

// WatchProject starts watching a project's agents directory. Projects without
// one are silently skipped; a later scan picks the directory up once it
// exists.
func (w *Watcher) WatchProject(project *models.Project) error {
	dir := filepath.Join(project.AbsolutePath, w.agentsDir)

	w.mu.Lock()
	if _, ok := w.targets[dir]; ok {
		w.mu.Unlock()
		return nil
	}
	w.targets[dir] = project
	w.mu.Unlock()

	if err := w.watcher.Add(dir); err != nil {
		w.mu.Lock()
		delete(w.targets, dir)
		w.mu.Unlock()
		w.logger.Debug("Not watching project", zap.String("dir", dir), zap.Error(err))
		return nil
	}

	w.logger.Info("Watching agents directory", zap.String("dir", dir))
	return nil
}

// UnwatchProject stops watching a project's agents directory.
func (w *Watcher) UnwatchProject(project *models.Project) {
	dir := filepath.Join(project.AbsolutePath, w.agentsDir)

	w.mu.Lock()
	delete(w.targets, dir)
	w.mu.Unlock()

	_ = w.watcher.Remove(dir)
}

// Close stops the event loop and releases the underlying watcher.
func (w *Watcher) Close() error {
	w.doneOnce.Do(func() { close(w.done) })
	return w.watcher.Close()
}

func (w *Watcher) run() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	if !strings.HasSuffix(event.Name, ".md") {
		return
	}
	if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
		return
	}

	project := w.projectFor(event.Name)
	if project == nil {
		return
	}

	path := event.Name
	w.mu.Lock()
	defer w.mu.Unlock()
	if timer, ok := w.timers[path]; ok {
		// Last writer wins: push the deadline out.
		timer.Reset(debounceDelay)
		return
	}
	w.timers[path] = time.AfterFunc(debounceDelay, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}
		w.service.HandleFileEvent(context.Background(), project, path)
	})
}

// projectFor resolves the owning project by longest watched-directory prefix.
func (w *Watcher) projectFor(path string) *models.Project {
	w.mu.Lock()
	defer w.mu.Unlock()

	var best string
	var project *models.Project
	for dir, p := range w.targets {
		if within(dir, path) && len(dir) > len(best) {
			best = dir
			project = p
		}
	}
	return project
}
