package prompts

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
)

const reloadDebounce = 250 * time.Millisecond

// Watch reloads the registry when files in the override directory change,
// until ctx is cancelled. Reload failures are logged and the previous set
// stays active. Returns immediately when no override directory is configured.
func (r *Registry) Watch(ctx context.Context) error {
	if r.opts.Dir == "" {
		return nil
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return eris.Wrap(err, "prompts: create watcher")
	}
	if err := w.Add(r.opts.Dir); err != nil {
		w.Close() //nolint:errcheck
		return eris.Wrapf(err, "prompts: watch %s", r.opts.Dir)
	}

	go r.watchLoop(ctx, w)
	return nil
}

func (r *Registry) watchLoop(ctx context.Context, w *fsnotify.Watcher) {
	defer w.Close() //nolint:errcheck
	log := zap.L().With(zap.String("component", "prompts.watch"), zap.String("dir", r.opts.Dir))

	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			ext := filepath.Ext(ev.Name)
			if ext != ".yaml" && ext != ".yml" {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				pending = time.After(reloadDebounce)
			}
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			log.Warn("prompts: watcher error", zap.Error(err))
		case <-pending:
			pending = nil
			if err := r.Reload(); err != nil {
				log.Error("prompts: reload failed, keeping previous templates", zap.Error(err))
				continue
			}
			log.Info("prompts: templates reloaded", zap.Strings("names", r.Names()))
		}
	}
}
