package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"

	"orgline/internal/domain"
)

// Live holds the current config and is safe for concurrent readers while Watch swaps it.
type Live struct {
	mu  sync.RWMutex
	cfg *Config
}

func NewLive(cfg *Config) *Live {
	return &Live{cfg: cfg}
}

func (l *Live) Get() *Config {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.cfg
}

func (l *Live) Set(cfg *Config) {
	l.mu.Lock()
	l.cfg = cfg
	l.mu.Unlock()
}

func (l *Live) Preferences(agentID string) Preferences {
	return l.Get().Preferences(agentID)
}

func (l *Live) RolePermissions(role string) domain.Permissions {
	return l.Get().RolePermissions(role)
}

// Watch reloads the workspace config into live whenever orgline.yml changes, until ctx
// is done. The parent directory is watched so editors that replace the file are seen.
// Invalid edits are logged and the previous config stays in effect.
func Watch(ctx context.Context, workspace string, live *Live, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}
	path := Path(workspace)
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return err
	}
	base := filepath.Base(path)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != base || event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			cfg, err := FromFile(path)
			if err != nil {
				logger.Warn("config reload rejected", "path", path, "error", err)
				continue
			}
			live.Set(cfg)
			logger.Info("config reloaded", "path", path)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", "error", err)
		}
	}
}
