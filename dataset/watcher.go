package dataset

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"
	"golang.org/x/sync/errgroup"
)

// CacheWatcher evicts FileCache entries when files under root change on disk,
// so regenerated spectrograms are picked up without restarting a run.
type CacheWatcher struct {
	root    string
	cache   *FileCache
	evicted func(path string)
}

// NewCacheWatcher creates a watcher for root. evicted, when non-nil, is called
// after each eviction.
func NewCacheWatcher(root string, cache *FileCache, evicted func(path string)) *CacheWatcher {
	return &CacheWatcher{root: filepath.Clean(root), cache: cache, evicted: evicted}
}

// Run watches root and its subdirectories until ctx is cancelled. Directories
// created while running are added to the watch list.
func (w *CacheWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("cache watcher: create watcher: %w", err)
	}
	defer watcher.Close()

	err = filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return watcher.Add(path)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("cache watcher: watch %s: %w", w.root, err)
	}

	logger.Debug().Str("root", w.root).Msg("cache watcher started")

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case event, ok := <-watcher.Events:
				if !ok {
					return nil
				}
				w.handle(watcher, event)
			}
		}
	})

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case err, ok := <-watcher.Errors:
				if !ok {
					return nil
				}
				logger.Warn().Err(err).Msg("cache watcher error")
			}
		}
	})

	return g.Wait()
}

func (w *CacheWatcher) handle(watcher *fsnotify.Watcher, event fsnotify.Event) {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if fi, err := os.Stat(event.Name); err == nil && fi.IsDir() {
			if err := watcher.Add(event.Name); err != nil {
				logger.Warn().Err(err).Str("dir", event.Name).Msg("cache watcher: cannot watch new directory")
			}
			return
		}
	}

	w.cache.Invalidate(event.Name)
	logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("evicted cached file")
	if w.evicted != nil {
		w.evicted(filepath.Clean(event.Name))
	}
}
