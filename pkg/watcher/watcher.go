// Package watcher implements the in-process filesystem watch hook: when
// auto_on_scan is enabled for a pipeline, new or modified images under the
// configured scan root are enqueued automatically instead of requiring an
// explicit enqueue call or the external webhook (spec §6).
//
// Grounded on notebit's pkg/watcher/service.go: an fsnotify.Watcher feeding
// a debounced event queue into a bounded worker pool, generalized from
// markdown-file indexing to image-file enqueueing across several pipelines.
package watcher

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/codeready-toolchain/procorch/pkg/model"
)

// Enqueuer is the narrow callback the Orchestrator implements: enqueue one
// image for pipeline at priority (spec's default "low" background-scan
// priority).
type Enqueuer interface {
	EnqueueImages(ctx context.Context, pipeline model.PipelineKind, imageIDs []int64, priority int) (int, error)
}

// ImageResolver maps a filesystem path freshly seen by the watcher to a
// catalog image_id, inserting a catalog row if one doesn't exist yet.
type ImageResolver interface {
	ResolvePath(ctx context.Context, path string) (int64, error)
}

const backgroundScanPriority = 0

// Watcher watches a directory tree and auto-enqueues new/changed images
// for every pipeline configured with auto_on_scan.
type Watcher struct {
	root      string
	pipelines []model.PipelineKind
	resolver  ImageResolver
	enqueuer  Enqueuer

	debounce time.Duration
	workers  chan struct{}

	fsw  *fsnotify.Watcher
	done chan struct{}
	once sync.Once

	pendingMu sync.Mutex
	pending   map[string]*time.Timer
}

// New constructs an unstarted Watcher. pipelines lists the pipelines to
// auto-enqueue newly seen images into.
func New(root string, pipelines []model.PipelineKind, resolver ImageResolver, enqueuer Enqueuer) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		root:      root,
		pipelines: pipelines,
		resolver:  resolver,
		enqueuer:  enqueuer,
		debounce:  500 * time.Millisecond,
		workers:   make(chan struct{}, 4),
		fsw:       fsw,
		done:      make(chan struct{}),
		pending:   make(map[string]*time.Timer),
	}, nil
}

// Start adds root (recursively) to the watch set and begins processing
// events in the background.
func (w *Watcher) Start() error {
	if err := addRecursive(w.fsw, w.root); err != nil {
		return err
	}
	go w.eventLoop()
	return nil
}

// Stop closes the underlying fsnotify watcher and stops pending debounce
// timers.
func (w *Watcher) Stop() error {
	var closeErr error
	w.once.Do(func() {
		close(w.done)
		closeErr = w.fsw.Close()
		w.pendingMu.Lock()
		for path, t := range w.pending {
			t.Stop()
			delete(w.pending, path)
		}
		w.pendingMu.Unlock()
	})
	return closeErr
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("watcher error", "error", err)
		case <-w.done:
			return
		}
	}
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if !isImageFile(ev.Name) {
		if ev.Op&fsnotify.Create == fsnotify.Create {
			if fi, err := statDir(ev.Name); err == nil && fi {
				if err := w.fsw.Add(ev.Name); err != nil {
					slog.Warn("failed to watch new subdirectory", "path", ev.Name, "error", err)
				}
			}
		}
		return
	}
	if ev.Op&(fsnotify.Create|fsnotify.Write) == 0 {
		return
	}

	w.pendingMu.Lock()
	if t, ok := w.pending[ev.Name]; ok {
		t.Stop()
	}
	w.pending[ev.Name] = time.AfterFunc(w.debounce, func() {
		w.pendingMu.Lock()
		delete(w.pending, ev.Name)
		w.pendingMu.Unlock()
		w.process(ev.Name)
	})
	w.pendingMu.Unlock()
}

func (w *Watcher) process(path string) {
	select {
	case w.workers <- struct{}{}:
		defer func() { <-w.workers }()
	case <-w.done:
		return
	}

	ctx := context.Background()
	imageID, err := w.resolver.ResolvePath(ctx, path)
	if err != nil {
		slog.Warn("watcher: failed to resolve image path", "path", path, "error", err)
		return
	}
	for _, pipeline := range w.pipelines {
		if _, err := w.enqueuer.EnqueueImages(ctx, pipeline, []int64{imageID}, backgroundScanPriority); err != nil {
			slog.Warn("watcher: auto-enqueue failed", "pipeline", pipeline, "image_id", imageID, "error", err)
		}
	}
}

func isImageFile(path string) bool {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".jpg", ".jpeg", ".png", ".webp", ".bmp", ".gif":
		return true
	default:
		return false
	}
}

// addRecursive registers root and every subdirectory beneath it with fsw.
// fsnotify watches are not recursive, so every directory must be added
// individually up front; new subdirectories created afterward are picked
// up by handleEvent's Create-on-directory case.
func addRecursive(fsw *fsnotify.Watcher, root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return fsw.Add(path)
		}
		return nil
	})
}

func statDir(path string) (bool, error) {
	info, err := os.Stat(path)
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}
