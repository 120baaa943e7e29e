package config

import (
	"context"
	"log/slog"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
)

// ReloadEvent signals that a watched config file changed on disk.
type ReloadEvent struct {
	Path string
	Op   fsnotify.Op
}

// Watcher emits ReloadEvents when config.yaml is written. Consumers decide
// whether to re-Load; the watcher never parses the file itself.
type Watcher struct {
	homeDir string
	logger  *slog.Logger
	events  chan ReloadEvent
}

func NewWatcher(homeDir string, logger *slog.Logger) *Watcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		homeDir: homeDir,
		logger:  logger,
		events:  make(chan ReloadEvent, 8),
	}
}

func (w *Watcher) Events() <-chan ReloadEvent {
	return w.events
}

// Start begins watching. The events channel closes when ctx is canceled.
// A slow consumer drops events rather than stalling the watch loop.
func (w *Watcher) Start(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	// Watch the home directory rather than the file: editors that save via
	// rename replace the inode and a file watch would go stale.
	if err := fw.Add(w.homeDir); err != nil {
		fw.Close()
		return err
	}

	const reloadOps = fsnotify.Write | fsnotify.Create | fsnotify.Rename

	go func() {
		defer fw.Close()
		defer close(w.events)
		for {
			select {
			case <-ctx.Done():
				return
			case fe, ok := <-fw.Events:
				if !ok {
					return
				}
				if fe.Op&reloadOps == 0 || !isWatched(fe.Name) {
					continue
				}
				w.logger.Info("config change detected", "path", fe.Name, "op", fe.Op.String())
				select {
				case w.events <- ReloadEvent{Path: fe.Name, Op: fe.Op}:
				default:
				}
			case err, ok := <-fw.Errors:
				if !ok {
					return
				}
				w.logger.Error("config watch error", "error", err)
			}
		}
	}()
	return nil
}

func isWatched(path string) bool {
	return filepath.Base(path) == "config.yaml"
}
