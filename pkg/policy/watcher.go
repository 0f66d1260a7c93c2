package policy

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultReloadDelay is how long changes must settle before a reload.
const DefaultReloadDelay = 500 * time.Millisecond

// Watcher reloads an Authorizer when its policy files change.
type Watcher struct {
	authz  *Authorizer
	loader *Loader
	paths  []string
	delay  time.Duration
	logger zerolog.Logger
}

// NewWatcher creates a watcher for paths. Paths may be files or directories.
func NewWatcher(authz *Authorizer, paths []string, logger zerolog.Logger) *Watcher {
	return &Watcher{
		authz:  authz,
		loader: NewLoader(logger),
		paths:  append([]string(nil), paths...),
		delay:  DefaultReloadDelay,
		logger: logger.With().Str("component", "policy-watcher").Logger(),
	}
}

// Run watches until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fw.Close()

	for _, path := range w.paths {
		if err := w.add(fw, path); err != nil {
			return err
		}
	}
	w.logger.Info().Strs("paths", w.paths).Msg("watching policy paths")

	var (
		timer  *time.Timer
		settle <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if event.Op&fsnotify.Create != 0 {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					_ = w.addDirectory(fw, event.Name)
					continue
				}
			}
			if !isPolicyFile(event.Name) || event.Op == fsnotify.Chmod {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("policy file changed")
			if timer == nil {
				timer = time.NewTimer(w.delay)
			} else {
				timer.Reset(w.delay)
			}
			settle = timer.C

		case <-settle:
			settle = nil
			w.reload(ctx)

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("watcher error")
		}
	}
}

// add watches a directory tree, or the directory holding a single file so
// that editors replacing the file are noticed.
func (w *Watcher) add(fw *fsnotify.Watcher, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("failed to stat %s: %w", path, err)
	}
	if info.IsDir() {
		return w.addDirectory(fw, path)
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}
	return nil
}

func (w *Watcher) addDirectory(fw *fsnotify.Watcher, dirPath string) error {
	return filepath.WalkDir(dirPath, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if err := fw.Add(path); err != nil {
				return fmt.Errorf("failed to watch %s: %w", path, err)
			}
		}
		return nil
	})
}

// reload keeps the current policies when the new set does not compile.
// An empty set falls back to the built-in policies.
func (w *Watcher) reload(ctx context.Context) {
	policies, err := w.loader.LoadFromPaths(ctx, w.paths)
	if err != nil {
		w.logger.Error().Err(err).Msg("failed to read policies, keeping current set")
		return
	}
	if len(policies) == 0 {
		policies = BuiltinPolicies()
	}
	if err := w.authz.Load(ctx, policies); err != nil {
		w.logger.Error().Err(err).Msg("failed to reload policies, keeping current set")
	}
}
