package config

import (
	"sync"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Manager serves workflow tunables and hot-reloads them when the config file
// changes. Static sections (ports, connection strings) are not reloaded.
type Manager struct {
	mu      sync.RWMutex
	current *Config
	path    string
	logger  *zap.Logger
	watcher *fsnotify.Watcher
}

func NewManager(cfg *Config, path string, logger *zap.Logger) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{current: cfg, path: path, logger: logger}
}

// Workflow returns a snapshot of the current tunables.
func (m *Manager) Workflow() WorkflowConfig {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current.Workflow
}

// Config returns the full current configuration snapshot.
func (m *Manager) Config() Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return *m.current
}

// Watch starts the file watcher. No-op when no config file was given.
func (m *Manager) Watch() error {
	if m.path == "" {
		return nil
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := w.Add(m.path); err != nil {
		_ = w.Close()
		return err
	}
	m.watcher = w

	go func() {
		for {
			select {
			case ev, ok := <-w.Events:
				if !ok {
					return
				}
				if ev.Op&(fsnotify.Write|fsnotify.Create) == 0 {
					continue
				}
				m.reload()
			case err, ok := <-w.Errors:
				if !ok {
					return
				}
				m.logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()
	return nil
}

// Close stops the watcher.
func (m *Manager) Close() error {
	if m.watcher != nil {
		return m.watcher.Close()
	}
	return nil
}

func (m *Manager) reload() {
	cfg, err := Load(m.path)
	if err != nil {
		// Keep serving the last good config.
		m.logger.Warn("config reload failed, keeping previous values", zap.Error(err))
		return
	}
	m.mu.Lock()
	m.current.Workflow = cfg.Workflow
	m.mu.Unlock()
	m.logger.Info("workflow tunables reloaded",
		zap.Float64("skip_research_threshold", cfg.Workflow.SkipResearchThreshold),
		zap.Int("max_tool_errors", cfg.Workflow.MaxToolErrors))
}
