package index

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/starford/ansuz/internal/checksum"
	"github.com/starford/ansuz/internal/storage"
)

// debounce delays refreshes so a burst of events on one file is handled once.
const debounce = 150 * time.Millisecond

// EventCallback is called after a watcher-driven index change. For
// ChangeReloaded the id is empty.
type EventCallback func(change Change, id string)

// Watch follows out-of-band edits until ctx is cancelled. Record files
// changed in atomsDir refresh their entry; an index file rewritten by
// another writer invalidates the manager's cache.
func Watch(ctx context.Context, m *Manager, atomsDir string, logger *slog.Logger, cb EventCallback) error {
	atomsDir, err := filepath.Abs(atomsDir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(atomsDir, 0o755); err != nil {
		return err
	}
	indexPath, err := filepath.Abs(m.Path())
	if err != nil {
		return err
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer w.Close()

	if err := w.Add(atomsDir); err != nil {
		return err
	}
	indexDir := filepath.Dir(indexPath)
	if indexDir != atomsDir {
		if err := os.MkdirAll(indexDir, 0o755); err != nil {
			return err
		}
		if err := w.Add(indexDir); err != nil {
			return err
		}
	}

	logger.Info("watcher: started", slog.String("atoms", atomsDir), slog.String("index", indexPath))

	pending := make(map[string]struct{})
	indexTouched := false
	var timer *time.Timer
	var timerCh <-chan time.Time

	schedule := func() {
		if timer == nil {
			timer = time.NewTimer(debounce)
			timerCh = timer.C
		} else {
			timer.Reset(debounce)
		}
	}

	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			logger.Info("watcher: stopped")
			return nil

		case <-timerCh:
			timer, timerCh = nil, nil
			if indexTouched {
				indexTouched = false
				checkIndexFile(m, indexPath, logger, cb)
			}
			for id := range pending {
				delete(pending, id)
				refreshEntry(m, id, logger, cb)
			}

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			name := filepath.Clean(ev.Name)
			if name == indexPath {
				indexTouched = true
				schedule()
				continue
			}
			if filepath.Dir(name) != atomsDir {
				continue
			}
			id, ok := storage.IDFromFilename(filepath.Base(name))
			if !ok {
				continue
			}
			pending[id] = struct{}{}
			schedule()

		case watchErr, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Error("watcher: error", slog.String("error", watchErr.Error()))
		}
	}
}

func refreshEntry(m *Manager, id string, logger *slog.Logger, cb EventCallback) {
	change, err := m.Refresh(id)
	if err != nil {
		logger.Warn("watcher: refresh failed", slog.String("id", id), slog.String("error", err.Error()))
		return
	}
	if change == ChangeNone {
		return
	}
	logger.Debug("watcher: refreshed", slog.String("id", id), slog.String("change", string(change)))
	if cb != nil {
		cb(change, id)
	}
}

// checkIndexFile invalidates the cache when the index on disk no longer
// matches what the manager last wrote.
func checkIndexFile(m *Manager, indexPath string, logger *slog.Logger, cb EventCallback) {
	sum, err := checksum.File(indexPath)
	if err != nil {
		// Removed or mid-rename. The next write will trigger another check.
		return
	}
	if sum == m.PersistedChecksum() {
		return
	}
	m.InvalidateCache()
	logger.Info("watcher: index changed on disk, cache invalidated", slog.String("path", indexPath))
	if cb != nil {
		cb(ChangeReloaded, "")
	}
}
