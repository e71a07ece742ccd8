package prompt

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const (
	defaultDebounce     = 500 * time.Millisecond
	debounceTickerEvery = 100 * time.Millisecond
)

type StoreOptions struct {
	// Templates maps template names to the files holding them. All files are
	// loaded up front; a missing file fails construction.
	Templates map[string]string
	Debounce  time.Duration
	Logger    *zap.Logger
}

// Store holds named prompt templates read from disk. Render substitutes
// {placeholder} variables. Watch keeps the templates in sync with their
// files so prompts can be tuned without a restart; a file that becomes
// unreadable keeps its last good version.
type Store struct {
	logger   *zap.Logger
	paths    map[string]string // name -> absolute path
	byPath   map[string]string // absolute path -> name
	debounce time.Duration

	mu        sync.RWMutex
	templates map[string]string
	watcher   *fsnotify.Watcher
	watching  bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

func NewStore(opts StoreOptions) (*Store, error) {
	if len(opts.Templates) == 0 {
		return nil, fmt.Errorf("prompt store requires at least one template")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = defaultDebounce
	}

	s := &Store{
		logger:    logger,
		paths:     make(map[string]string, len(opts.Templates)),
		byPath:    make(map[string]string, len(opts.Templates)),
		debounce:  debounce,
		templates: make(map[string]string, len(opts.Templates)),
	}
	for name, path := range opts.Templates {
		abs, err := filepath.Abs(path)
		if err != nil {
			return nil, fmt.Errorf("resolve prompt template %s: %w", name, err)
		}
		data, err := os.ReadFile(abs)
		if err != nil {
			return nil, fmt.Errorf("load prompt template %s: %w", name, err)
		}
		s.paths[name] = abs
		s.byPath[abs] = name
		s.templates[name] = string(data)
	}
	logger.Info("prompt templates loaded", zap.Int("templates", len(s.templates)))
	return s, nil
}

// Render fills {key} placeholders from vars. Placeholders without a binding
// are left as-is so a renamed variable shows up in the rendered prompt
// instead of disappearing silently.
func (s *Store) Render(name string, vars map[string]string) (string, error) {
	s.mu.RLock()
	tpl, ok := s.templates[name]
	s.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("unknown prompt template %q", name)
	}
	out := tpl
	for key, value := range vars {
		out = strings.ReplaceAll(out, "{"+key+"}", value)
	}
	return out, nil
}

// Names returns the configured template names.
func (s *Store) Names() []string {
	names := make([]string, 0, len(s.paths))
	for name := range s.paths {
		names = append(names, name)
	}
	return names
}

// Watch starts reloading templates when their files change. The watcher
// follows the containing directories because editors typically replace
// files on save, which would break a per-file watch.
func (s *Store) Watch(ctx context.Context) error {
	s.mu.Lock()
	if s.watching {
		s.mu.Unlock()
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("create prompt watcher: %w", err)
	}
	s.watcher = watcher
	s.watching = true
	s.stopCh = make(chan struct{})
	s.doneCh = make(chan struct{})
	s.mu.Unlock()

	dirs := make(map[string]struct{})
	for _, path := range s.paths {
		dirs[filepath.Dir(path)] = struct{}{}
	}
	for dir := range dirs {
		if err := watcher.Add(dir); err != nil {
			_ = watcher.Close()
			s.mu.Lock()
			s.watching = false
			s.mu.Unlock()
			return fmt.Errorf("watch prompt directory %s: %w", dir, err)
		}
	}

	go s.run(ctx)
	s.logger.Info("prompt hot reload enabled", zap.Int("directories", len(dirs)))
	return nil
}

// Close stops the watcher, if running.
func (s *Store) Close() error {
	s.mu.Lock()
	if !s.watching {
		s.mu.Unlock()
		return nil
	}
	s.watching = false
	s.mu.Unlock()

	close(s.stopCh)
	<-s.doneCh
	return s.watcher.Close()
}

func (s *Store) run(ctx context.Context) {
	defer close(s.doneCh)

	// Editors fire several events per save; changes settle in pending until
	// the debounce window passes.
	pending := make(map[string]time.Time)
	ticker := time.NewTicker(debounceTickerEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			abs, err := filepath.Abs(event.Name)
			if err != nil {
				continue
			}
			if _, tracked := s.byPath[abs]; !tracked {
				continue
			}
			pending[abs] = time.Now()
		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Error("prompt watcher error", zap.Error(err))
		case <-ticker.C:
			now := time.Now()
			for path, seen := range pending {
				if now.Sub(seen) < s.debounce {
					continue
				}
				delete(pending, path)
				s.reload(path)
			}
		}
	}
}

func (s *Store) reload(path string) {
	name := s.byPath[path]
	data, err := os.ReadFile(path)
	if err != nil {
		s.logger.Error("prompt template reload failed, keeping previous version",
			zap.String("template", name),
			zap.String("path", path),
			zap.Error(err))
		return
	}
	s.mu.Lock()
	s.templates[name] = string(data)
	s.mu.Unlock()
	s.logger.Info("prompt template reloaded", zap.String("template", name))
}
