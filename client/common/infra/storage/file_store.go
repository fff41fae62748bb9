package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"

	commonlog "plan_sync/client/common/log"
)

const fileSuffix = ".json"

// FileStore keeps one file per key under dir. Other processes pointed at the
// same directory observe each other's writes through fsnotify.
type FileStore struct {
	dir string

	mu          sync.Mutex
	lastWritten map[string][]byte
	watchers    []*fsnotify.Watcher
}

func NewFileStore(dir string) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("storage dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileStore{dir: dir, lastWritten: map[string][]byte{}}, nil
}

func (s *FileStore) path(key string) string {
	return filepath.Join(s.dir, url.QueryEscape(key)+fileSuffix)
}

func keyFromPath(path string) (string, bool) {
	name := filepath.Base(path)
	if strings.HasPrefix(name, ".") || !strings.HasSuffix(name, fileSuffix) {
		return "", false
	}
	key, err := url.QueryUnescape(strings.TrimSuffix(name, fileSuffix))
	if err != nil {
		return "", false
	}
	return key, true
}

func (s *FileStore) Get(_ context.Context, key string) ([]byte, error) {
	raw, err := os.ReadFile(s.path(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return raw, nil
}

func (s *FileStore) Set(_ context.Context, key string, value []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".tmp-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	s.mu.Lock()
	s.lastWritten[key] = append([]byte(nil), value...)
	s.mu.Unlock()
	if err := os.Rename(tmp.Name(), s.path(key)); err != nil {
		_ = os.Remove(tmp.Name())
		return err
	}
	return nil
}

func (s *FileStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	delete(s.lastWritten, key)
	s.mu.Unlock()
	if err := os.Remove(s.path(key)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileStore) Watch(ctx context.Context) (<-chan Change, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(s.dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("watch %s: %w", s.dir, err)
	}
	s.mu.Lock()
	s.watchers = append(s.watchers, watcher)
	s.mu.Unlock()

	out := make(chan Change, 16)
	go func() {
		defer close(out)
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Remove) {
					continue
				}
				key, ok := keyFromPath(event.Name)
				if !ok || s.isOwnWrite(key, event) {
					continue
				}
				select {
				case out <- Change{Key: key}:
				case <-ctx.Done():
					return
				}
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				commonlog.Warnf("event=storage_watch action=watch status=failed dir=%s error=%v", s.dir, err)
			}
		}
	}()
	return out, nil
}

func (s *FileStore) isOwnWrite(key string, event fsnotify.Event) bool {
	s.mu.Lock()
	last, ok := s.lastWritten[key]
	s.mu.Unlock()
	if event.Has(fsnotify.Remove) {
		return !ok
	}
	if !ok {
		return false
	}
	current, err := os.ReadFile(event.Name)
	if err != nil {
		return false
	}
	return bytes.Equal(current, last)
}

func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, w := range s.watchers {
		_ = w.Close()
	}
	s.watchers = nil
	return nil
}
