package fs

import (
	"context"
	"fmt"
	iofs "io/fs"
	"log"
	"path/filepath"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 500 * time.Millisecond

type Change struct {
	Path    string
	Removed bool
}

// Watcher turns raw fsnotify events under a Scanner's root into debounced
// batches of changes.
type Watcher struct {
	scanner  *Scanner
	watcher  *fsnotify.Watcher
	debounce time.Duration
	changes  chan []Change
	logger   *log.Logger
}

func NewWatcher(scanner *Scanner, debounce time.Duration, logger *log.Logger) (*Watcher, error) {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if logger == nil {
		logger = log.Default()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		scanner:  scanner,
		watcher:  fw,
		debounce: debounce,
		changes:  make(chan []Change, 16),
		logger:   logger,
	}
	if err := w.addRecursive(scanner.Root()); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

func (w *Watcher) addRecursive(root string) error {
	return filepath.WalkDir(root, func(path string, d iofs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}
		if !d.IsDir() {
			return nil
		}
		if rel, err := w.scanner.relative(path); err == nil && rel != "." && w.scanner.Ignored(rel) {
			return filepath.SkipDir
		}
		if err := w.watcher.Add(path); err != nil {
			return fmt.Errorf("watch %s: %w", path, err)
		}
		return nil
	})
}

// Changes delivers debounced batches sorted by path. It is closed when Run
// returns.
func (w *Watcher) Changes() <-chan []Change {
	return w.changes
}

func (w *Watcher) Run(ctx context.Context) {
	defer close(w.changes)
	defer w.watcher.Close()

	pending := make(map[string]Change)
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	for {
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			change, keep := w.translate(event)
			if !keep {
				continue
			}
			pending[change.Path] = change
			timer.Reset(w.debounce)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Printf("watcher error err=%v", err)
		case <-timer.C:
			if len(pending) == 0 {
				continue
			}
			batch := make([]Change, 0, len(pending))
			for _, c := range pending {
				batch = append(batch, c)
			}
			sort.Slice(batch, func(i, j int) bool { return batch[i].Path < batch[j].Path })
			pending = make(map[string]Change)
			select {
			case w.changes <- batch:
			case <-ctx.Done():
				return
			}
		}
	}
}

func (w *Watcher) translate(event fsnotify.Event) (Change, bool) {
	rel, err := w.scanner.relative(event.Name)
	if err != nil || rel == "." || w.scanner.Ignored(rel) {
		return Change{}, false
	}
	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		return Change{Path: rel, Removed: true}, true
	case event.Has(fsnotify.Create):
		if entry, err := w.scanner.Lookup(rel); err == nil && entry.Identity.Kind == KindDir {
			if err := w.addRecursive(filepath.Join(w.scanner.Root(), filepath.FromSlash(rel))); err != nil {
				w.logger.Printf("watcher add dir failed path=%s err=%v", rel, err)
			}
		}
		return Change{Path: rel}, true
	case event.Has(fsnotify.Write):
		return Change{Path: rel}, true
	}
	return Change{}, false
}
