package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

const defaultMaxBackups = 5

// rotatingFile is the file sink behind the logger. Once a write would push
// the file past maxSizeBytes the file is moved to a backup named
// <base>.<stamp>.<pid><ext> and only the newest maxBackups backups are kept.
type rotatingFile struct {
	mu           sync.Mutex
	filePath     string
	maxSizeBytes int64
	maxBackups   int

	file *os.File
	size int64
}

func newRotatingFile(path string, maxSizeBytes int64, maxBackups int) *rotatingFile {
	if maxSizeBytes <= 0 {
		maxSizeBytes = defaultMaxSizeBytes
	}
	if maxBackups <= 0 {
		maxBackups = defaultMaxBackups
	}
	return &rotatingFile{filePath: path, maxSizeBytes: maxSizeBytes, maxBackups: maxBackups}
}

// Write never fails the caller; sink problems are reported on stderr.
func (r *rotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file != nil && r.size > 0 && r.size+int64(len(p)) > r.maxSizeBytes {
		if err := r.rotate(); err != nil {
			fmt.Fprintf(os.Stderr, "log sink rotate failed path=%s error=%v\n", r.filePath, err)
		}
	}
	if r.file == nil {
		if err := r.open(); err != nil {
			fmt.Fprintf(os.Stderr, "log sink open failed path=%s error=%v\n", r.filePath, err)
			return len(p), nil
		}
	}
	n, err := r.file.Write(p)
	r.size += int64(n)
	if err != nil {
		fmt.Fprintf(os.Stderr, "log sink write failed path=%s error=%v\n", r.filePath, err)
	}
	return len(p), nil
}

func (r *rotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

func (r *rotatingFile) open() error {
	if err := os.MkdirAll(filepath.Dir(r.filePath), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(r.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	r.file = f
	r.size = info.Size()
	return nil
}

func (r *rotatingFile) rotate() error {
	err := r.file.Close()
	r.file = nil
	r.size = 0
	if err != nil {
		return err
	}
	if err := os.Rename(r.filePath, r.backupPath(time.Now())); err != nil {
		return err
	}
	return r.prune()
}

func (r *rotatingFile) backupPath(now time.Time) string {
	ext := filepath.Ext(r.filePath)
	base := strings.TrimSuffix(r.filePath, ext)
	stamp := now.UTC().Format("20060102T150405.000000000")
	return fmt.Sprintf("%s.%s.%d%s", base, stamp, os.Getpid(), ext)
}

// prune removes the oldest backups beyond maxBackups. Backup names sort by
// their UTC stamp.
func (r *rotatingFile) prune() error {
	ext := filepath.Ext(r.filePath)
	pattern := strings.TrimSuffix(r.filePath, ext) + ".*" + ext
	backups, err := filepath.Glob(pattern)
	if err != nil {
		return err
	}
	kept := backups[:0]
	for _, b := range backups {
		if b != r.filePath {
			kept = append(kept, b)
		}
	}
	if len(kept) <= r.maxBackups {
		return nil
	}
	sort.Strings(kept)
	for _, old := range kept[:len(kept)-r.maxBackups] {
		if err := os.Remove(old); err != nil && !os.IsNotExist(err) {
			return err
		}
	}
	return nil
}
