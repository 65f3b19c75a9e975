package settings

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"reflect"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// subscribers is a set of update callbacks.
type subscribers struct {
	mu   sync.Mutex
	fns  map[uint64]func(Settings)
	next uint64
}

func (s *subscribers) add(fn func(Settings)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fns == nil {
		s.fns = make(map[uint64]func(Settings))
	}
	s.next++
	id := s.next
	s.fns[id] = fn
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.fns, id)
	}
}

func (s *subscribers) publish(v Settings) {
	s.mu.Lock()
	fns := make([]func(Settings), 0, len(s.fns))
	for _, fn := range s.fns {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(v)
	}
}

var (
	_ Store = (*StaticProvider)(nil)
	_ Store = (*FileProvider)(nil)
)

// StaticProvider holds settings in memory. Set pushes to subscribers.
type StaticProvider struct {
	mu   sync.RWMutex
	cur  Settings
	subs subscribers
}

// NewStatic creates a provider with s.
func NewStatic(s Settings) *StaticProvider {
	return &StaticProvider{cur: s}
}

// Current returns the settings.
func (p *StaticProvider) Current() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur
}

// Subscribe registers fn for updates.
func (p *StaticProvider) Subscribe(fn func(Settings)) func() {
	return p.subs.add(fn)
}

// Update validates and publishes s.
func (p *StaticProvider) Update(s Settings) error {
	if err := s.Validate(); err != nil {
		return err
	}
	p.mu.Lock()
	p.cur = s
	p.mu.Unlock()
	p.subs.publish(s)
	return nil
}

// FileProvider loads settings from a YAML file and reloads it when it
// changes on disk. Invalid edits are logged and ignored.
type FileProvider struct {
	path   string
	logger *slog.Logger

	mu   sync.RWMutex
	cur  Settings
	subs subscribers
}

// NewFileProvider loads path. A missing file yields the defaults.
func NewFileProvider(path string, logger *slog.Logger) (*FileProvider, error) {
	if logger == nil {
		logger = slog.Default()
	}
	s, err := Load(path)
	if err != nil {
		return nil, err
	}
	return &FileProvider{path: path, logger: logger, cur: s}, nil
}

// Path returns the watched file.
func (p *FileProvider) Path() string {
	return p.path
}

// Current returns the last valid settings.
func (p *FileProvider) Current() Settings {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.cur
}

// Subscribe registers fn for updates.
func (p *FileProvider) Subscribe(fn func(Settings)) func() {
	return p.subs.add(fn)
}

// Update saves s to the file and publishes it.
func (p *FileProvider) Update(s Settings) error {
	if err := Save(p.path, s); err != nil {
		return err
	}
	p.apply(s)
	return nil
}

// Reload re-reads the file and publishes it if it changed.
func (p *FileProvider) Reload() error {
	s, err := Load(p.path)
	if err != nil {
		return err
	}
	p.apply(s)
	return nil
}

func (p *FileProvider) apply(s Settings) {
	p.mu.Lock()
	if reflect.DeepEqual(p.cur, s) {
		p.mu.Unlock()
		return
	}
	p.cur = s
	p.mu.Unlock()

	p.logger.Info("settings updated", "path", p.path)
	p.subs.publish(s)
}

// Watch reloads the file on every change until ctx is cancelled. The
// directory is watched rather than the file so editors that replace the
// file by rename are picked up.
func (p *FileProvider) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(p.path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	name := filepath.Clean(p.path)

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != name {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			if err := p.Reload(); err != nil {
				p.logger.Warn("settings reload rejected", "path", p.path, "error", err)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			p.logger.Warn("settings watcher error", "error", err)
		}
	}
}
