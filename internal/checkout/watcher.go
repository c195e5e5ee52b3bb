package checkout

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/paseo-sh/paseo/internal/common/logger"
	"github.com/paseo-sh/paseo/internal/events"
	"github.com/paseo-sh/paseo/internal/events/bus"
	"github.com/paseo-sh/paseo/pkg/protocol"
)

// Directories never worth watching: VCS metadata and build output
// churn constantly without changing the diff git reports.
var skipDirs = map[string]bool{
	".git":         true,
	"node_modules": true,
	"dist":         true,
	"build":        true,
	"target":       true,
	"vendor":       true,
	".next":        true,
	"__pycache__":  true,
}

// watcher recomputes one checkout diff whenever the tree changes.
// FS events are debounced; a slow poll of HEAD catches ref updates the
// filesystem watcher misses (commits, checkouts, rebases).
type watcher struct {
	id   string
	cwd  string
	mode protocol.DiffMode

	bus bus.EventBus
	log *logger.Logger

	fsw      *fsnotify.Watcher
	debounce time.Duration
	poll     time.Duration

	refs int

	quit chan struct{}
	done chan struct{}

	lastFiles []protocol.FileDiff
	lastHead  string
}

func newWatcher(id, cwd string, mode protocol.DiffMode, debounce, poll time.Duration, eventBus bus.EventBus, log *logger.Logger) (*watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &watcher{
		id:       id,
		cwd:      cwd,
		mode:     mode,
		bus:      eventBus,
		log:      log.WithFields(zap.String("watch_id", id), zap.String("cwd", cwd)),
		fsw:      fsw,
		debounce: debounce,
		poll:     poll,
		quit:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	w.addTree(cwd)
	return w, nil
}

// addTree registers every directory under root, skipping the noisy
// ones.
func (w *watcher) addTree(root string) {
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && skipDirs[d.Name()] {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.log.Debug("watch add failed", zap.String("path", path), zap.Error(err))
		}
		return nil
	})
	if err != nil {
		w.log.Warn("tree walk failed", zap.Error(err))
	}
}

func (w *watcher) run() {
	defer close(w.done)
	defer w.fsw.Close()

	var debounceC <-chan time.Time
	var debounceT *time.Timer

	ticker := time.NewTicker(w.poll)
	defer ticker.Stop()

	w.lastHead = headRev(context.Background(), w.cwd)

	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if w.ignored(ev.Name) {
				continue
			}
			if ev.Op&fsnotify.Create != 0 {
				// New directories need their own watches.
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					w.addTree(ev.Name)
				}
			}
			if debounceT == nil {
				debounceT = time.NewTimer(w.debounce)
				debounceC = debounceT.C
			} else {
				if !debounceT.Stop() {
					select {
					case <-debounceT.C:
					default:
					}
				}
				debounceT.Reset(w.debounce)
			}

		case <-debounceC:
			debounceT = nil
			debounceC = nil
			w.recompute()

		case <-ticker.C:
			head := headRev(context.Background(), w.cwd)
			if head != w.lastHead {
				w.lastHead = head
				w.recompute()
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.log.Warn("fs watch error", zap.Error(err))

		case <-w.quit:
			return
		}
	}
}

func (w *watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.cwd, path)
	if err != nil {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if skipDirs[part] {
			return true
		}
	}
	return false
}

// recompute rebuilds the diff and publishes it when it actually
// changed.
func (w *watcher) recompute() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	files, err := ComputeDiff(ctx, w.cwd, w.mode)
	if err != nil {
		w.log.Warn("diff recompute failed", zap.Error(err))
		return
	}
	if reflect.DeepEqual(files, w.lastFiles) {
		return
	}
	w.lastFiles = files

	ev := bus.NewEvent("checkout_diff", "checkout", map[string]interface{}{
		"watchId": w.id,
		"cwd":     w.cwd,
		"mode":    string(w.mode),
		"files":   files,
	})
	if err := w.bus.Publish(ctx, events.BuildCheckoutDiffSubject(w.id), ev); err != nil {
		w.log.Warn("failed to publish checkout diff", zap.Error(err))
	}
}

func (w *watcher) stop() {
	close(w.quit)
	<-w.done
}
