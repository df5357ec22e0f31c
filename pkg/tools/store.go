package tools

import (
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounceDelay coalesces editor write bursts into one reload.
const debounceDelay = 250 * time.Millisecond

// SwapFunc is notified after a successful hot reload with the previous and
// new catalog snapshots.
type SwapFunc func(old, current *Catalog)

// Store owns the live catalog snapshot. Readers get the current snapshot
// via Catalog(); hot reload replaces the snapshot atomically.
type Store struct {
	path    string
	current atomic.Pointer[Catalog]
	onSwap  SwapFunc
	logger  *slog.Logger

	watcher  *fsnotify.Watcher
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewStore loads the catalog from path. The store serves that snapshot
// until StartWatching observes a change.
func NewStore(path string) (*Store, error) {
	catalog, err := LoadCatalog(path)
	if err != nil {
		return nil, err
	}

	s := &Store{
		path:   path,
		logger: slog.Default().With("component", "tool-store"),
		stopCh: make(chan struct{}),
	}
	s.current.Store(catalog)
	s.logger.Info("Tool catalog loaded", "path", path, "tools", catalog.Len(), "version", catalog.Version)
	return s, nil
}

// Catalog returns the current snapshot. Snapshots are immutable; callers
// may hold one across a whole request.
func (s *Store) Catalog() *Catalog {
	return s.current.Load()
}

// StartWatching enables hot reload. onSwap may be nil; when set it runs
// after each successful swap (used to invalidate selection/plan caches).
func (s *Store) StartWatching(onSwap SwapFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create catalog watcher: %w", err)
	}
	// Watch the directory, not the file: editors and config mounts replace
	// files by rename, which silently drops a watch on the file itself.
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch catalog directory: %w", err)
	}

	s.watcher = watcher
	s.onSwap = onSwap
	s.wg.Add(1)
	go s.run()

	s.logger.Info("Tool catalog hot reload enabled", "path", s.path)
	return nil
}

func (s *Store) run() {
	defer s.wg.Done()

	debounce := time.NewTimer(debounceDelay)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-s.stopCh:
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(s.path) {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			debounce.Reset(debounceDelay)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("Catalog watcher error", "error", err)

		case <-debounce.C:
			s.reload()
		}
	}
}

// reload parses the catalog and swaps it in. A file that fails to parse or
// validate keeps the previous snapshot serving.
func (s *Store) reload() {
	catalog, err := LoadCatalog(s.path)
	if err != nil {
		s.logger.Error("Catalog reload failed, keeping previous catalog",
			"path", s.path,
			"error", err)
		return
	}

	old := s.current.Swap(catalog)
	s.logger.Info("Tool catalog reloaded",
		"tools", catalog.Len(),
		"version", catalog.Version)

	if s.onSwap != nil {
		s.onSwap(old, catalog)
	}
}

// Stop halts the watcher and waits for the reload loop to exit. Safe to
// call multiple times; safe when StartWatching was never called.
func (s *Store) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.watcher != nil {
			s.watcher.Close()
		}
	})
	s.wg.Wait()
}
