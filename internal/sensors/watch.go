package sensors

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// WatchSensor reads a file whenever its mtime changes. It prefers fsnotify
// events but keeps a one-second stat ticker as well, which covers paths
// that don't exist yet and editors that replace files instead of writing
// them in place.
type WatchSensor struct {
	*runner
	cfg       Config
	fields    []string
	lastMtime time.Time
}

func newWatchSensor(cfg Config, deps Deps) *WatchSensor {
	w := &WatchSensor{cfg: cfg, fields: cfg.updateFields()}
	w.runner = newRunner(cfg.Name, deps, w)
	return w
}

func (w *WatchSensor) signals() []SignalConfig { return w.cfg.Signals }

func (w *WatchSensor) baseInterval() time.Duration { return 5 * time.Second }

func (w *WatchSensor) iterate(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	// Watch the parent directory: the target file may not exist yet, and
	// rename-based writes replace the watched inode.
	dir := filepath.Dir(w.cfg.Source.Path)
	if err := watcher.Add(dir); err != nil {
		return err
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		if err := w.checkOnce(ctx); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != w.cfg.Source.Path {
				continue
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return err
		}
	}
}

// checkOnce stats the path and, if the mtime advanced, reads and publishes
// the content. A missing file is not an error; the path may appear later.
func (w *WatchSensor) checkOnce(ctx context.Context) error {
	info, err := os.Stat(w.cfg.Source.Path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	mtime := info.ModTime()
	if !w.lastMtime.IsZero() && !mtime.After(w.lastMtime) {
		return nil
	}
	w.lastMtime = mtime

	content, err := os.ReadFile(w.cfg.Source.Path)
	if err != nil {
		return err
	}
	w.handleSample(ctx, w.fields, parseFrame(content))
	return nil
}

// parseFrame decodes JSON when it can, otherwise passes raw text through.
func parseFrame(raw []byte) any {
	var data any
	if err := json.Unmarshal(raw, &data); err == nil {
		return data
	}
	return string(raw)
}
