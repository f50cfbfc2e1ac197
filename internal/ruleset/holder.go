package ruleset

import (
	"context"
	"fmt"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Holder publishes the active ruleset. Readers take a snapshot with Get and
// use it for a whole computation, so a reload never mixes two rulesets inside
// one score.
type Holder struct {
	current atomic.Pointer[Ruleset]
	path    string
	logger  *zap.Logger
}

// NewHolder loads path, or the embedded default when path is empty.
func NewHolder(path string, logger *zap.Logger) (*Holder, error) {
	h := &Holder{path: path, logger: logger}
	if err := h.Reload(); err != nil {
		return nil, err
	}
	return h, nil
}

// Static wraps a fixed ruleset.
func Static(rs *Ruleset) *Holder {
	h := &Holder{logger: zap.NewNop()}
	h.current.Store(rs)
	return h
}

// Get returns the current ruleset.
func (h *Holder) Get() *Ruleset {
	return h.current.Load()
}

// Reload re-reads the file. On error the previous ruleset stays active.
func (h *Holder) Reload() error {
	var (
		rs  *Ruleset
		err error
	)
	if h.path == "" {
		rs, err = Default()
	} else {
		rs, err = Load(h.path)
	}
	if err != nil {
		return err
	}
	h.current.Store(rs)
	h.logger.Info("Ruleset loaded",
		zap.String("path", h.path),
		zap.String("version", rs.Version),
		zap.Int("conditions", len(rs.Conditions)),
		zap.Int("factors", len(rs.Factors)),
	)
	return nil
}

// Watch reloads the ruleset whenever its file changes until ctx is done.
// The directory is watched so editors that replace the file are handled.
func (h *Holder) Watch(ctx context.Context) error {
	if h.path == "" {
		return nil
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create ruleset watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(h.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("failed to watch ruleset directory: %w", err)
	}

	target := filepath.Clean(h.path)
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
					continue
				}
				if err := h.Reload(); err != nil {
					h.logger.Error("Ruleset reload rejected, keeping previous version",
						zap.String("path", h.path),
						zap.Error(err),
					)
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				h.logger.Warn("Ruleset watcher error", zap.Error(err))
			}
		}
	}()

	return nil
}
