package log

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

const backupTimeFormat = "2006-01-02T15-04-05.000"

// RotatingWriter appends to a log file and rotates it once it grows past a
// size limit. Rotated files are renamed with a timestamp suffix and pruned
// by count and age.
type RotatingWriter struct {
	mu         sync.Mutex
	path       string
	file       *os.File
	size       int64
	maxSize    int64
	maxAge     time.Duration
	maxBackups int
}

// NewRotatingWriter opens path for appending, creating parent directories.
func NewRotatingWriter(path string, maxSizeMB, maxAgeDays, maxBackups int) (*RotatingWriter, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create log directory: %w", err)
		}
	}
	w := &RotatingWriter{
		path:       path,
		maxSize:    max(int64(maxSizeMB)<<20, 1024),
		maxAge:     time.Duration(maxAgeDays) * 24 * time.Hour,
		maxBackups: maxBackups,
	}
	if err := w.open(); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) open() error {
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat log file: %w", err)
	}
	w.file = f
	w.size = info.Size()
	return nil
}

// Write appends p, rotating first when the file is already full.
func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return 0, os.ErrClosed
	}
	if w.size >= w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

func (w *RotatingWriter) rotate() error {
	w.file.Close()
	w.file = nil

	backup := w.path + "." + time.Now().Format(backupTimeFormat)
	if err := os.Rename(w.path, backup); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rename log file: %w", err)
	}
	w.prune()
	return w.open()
}

// prune removes backups beyond maxBackups and those older than maxAge.
// The timestamp suffix sorts lexically, newest last.
func (w *RotatingWriter) prune() {
	backups, err := filepath.Glob(w.path + ".*")
	if err != nil {
		return
	}
	slices.Sort(backups)
	slices.Reverse(backups)

	cutoff := time.Now().Add(-w.maxAge)
	for i, path := range backups {
		if i >= w.maxBackups {
			os.Remove(path)
			continue
		}
		if w.maxAge > 0 {
			if info, err := os.Stat(path); err == nil && info.ModTime().Before(cutoff) {
				os.Remove(path)
			}
		}
	}
}

// Close closes the current file.
func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}
