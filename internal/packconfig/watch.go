package packconfig

import (
	"context"
	"path/filepath"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/fsnotify/fsnotify"

	"github.com/xtding233/gacha-economy/internal/logger"
)

// Reloader is what the watcher triggers.
type Reloader interface {
	Reload(ctx context.Context) error
}

// Watcher reloads pack config when YAML files under the base directory
// change. Bursts of events within the debounce window cause one reload.
type Watcher struct {
	paths    Paths
	target   Reloader
	debounce time.Duration
	log      logger.Logger
}

func NewWatcher(paths Paths, target Reloader, debounce time.Duration, l logger.Logger) *Watcher {
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	if l == nil {
		l = logger.NewNop()
	}
	return &Watcher{paths: paths, target: target, debounce: debounce, log: l.Named("packconfig.watch")}
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrap(err, "create fsnotify watcher")
	}
	defer fw.Close()
	for _, dir := range []string{w.paths.BaseDir, w.paths.PacksDir()} {
		if err := fw.Add(dir); err != nil {
			return errors.Wrapf(err, "watch %s", dir)
		}
	}

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if filepath.Ext(ev.Name) != ".yaml" || ev.Op == fsnotify.Chmod {
				continue
			}
			w.log.Debug("config file changed", "path", ev.Name, "op", ev.Op.String())
			timer.Reset(w.debounce)
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("fsnotify error", "error", err)
		case <-timer.C:
			if err := w.target.Reload(ctx); err != nil {
				w.log.Warn("config reload finished with errors", "error", err)
			}
		}
	}
}
