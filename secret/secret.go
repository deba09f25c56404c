// Package secret loads a credential from a file, the way container
// orchestrators mount secrets, and keeps it current when the file changes.
package secret

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
)

// ErrEmpty is returned for a secret file with no content.
var ErrEmpty = errors.New("secret file is empty")

// Load reads path and returns its contents with surrounding whitespace removed.
func Load(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read secret: %w", err)
	}
	b = bytes.TrimSpace(b)
	if len(b) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmpty, path)
	}
	return b, nil
}

// File is a secret backed by a file. It is safe for concurrent use and
// satisfies auth.KeySource.
type File struct {
	path string
	log  *slog.Logger

	mu  sync.RWMutex
	key []byte
}

// Option configures a File.
type Option func(*File)

// WithLogger sets the logger used for reload events.
func WithLogger(l *slog.Logger) Option {
	return func(f *File) { f.log = l }
}

// Open loads path eagerly. It fails when the file is missing or empty.
func Open(path string, opts ...Option) (*File, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve secret path: %w", err)
	}
	f := &File{path: abs, log: slog.Default()}
	for _, opt := range opts {
		opt(f)
	}
	if err := f.Reload(); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the absolute path of the secret file.
func (f *File) Path() string { return f.path }

// Key returns the current secret.
func (f *File) Key() []byte {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.key
}

// Reload re-reads the file. On failure the previous secret is kept.
func (f *File) Reload() error {
	b, err := Load(f.path)
	if err != nil {
		return err
	}
	f.mu.Lock()
	changed := !bytes.Equal(f.key, b)
	f.key = b
	f.mu.Unlock()
	if changed {
		f.log.Info("secret.reload", slog.String("path", f.path))
	}
	return nil
}

// Watch reloads the secret whenever its directory changes until ctx ends.
// Watching the directory rather than the file survives the atomic symlink
// swaps used for mounted secrets.
func (f *File) Watch(ctx context.Context) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer func() {
		_ = w.Close()
	}()

	if err := w.Add(filepath.Dir(f.path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(f.path), err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			if err := f.Reload(); err != nil {
				f.log.Debug("secret.reload.skip", slog.String("path", f.path), slog.String("err", err.Error()))
			}
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			f.log.Warn("secret.watch.error", slog.String("err", err.Error()))
		}
	}
}
