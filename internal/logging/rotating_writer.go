package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const defaultMaxBytes int64 = 100 << 20

// RotatingWriter appends to <prefix>-YYYY-MM-DD[-N]<ext> next to BasePath,
// starting a new file each UTC day and whenever a write would push the
// current file past MaxBytes. BasePath itself is kept as a symlink to the
// active file.
type RotatingWriter struct {
	BasePath string
	MaxBytes int64

	mu       sync.Mutex
	now      func() time.Time
	curDate  string
	curIndex int
	file     *os.File
	size     int64
}

// NewRotatingWriter opens the current file for basePath. A basePath of "-"
// discards output.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	if strings.TrimSpace(basePath) == "-" {
		return nopWriteCloser{w: io.Discard}, nil
	}
	return newRotatingWriter(basePath, maxBytes, time.Now)
}

func newRotatingWriter(basePath string, maxBytes int64, now func() time.Time) (*RotatingWriter, error) {
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	rw := &RotatingWriter{BasePath: basePath, MaxBytes: maxBytes, now: now}
	if err := rw.rotateIfNeeded(0); err != nil {
		return nil, err
	}
	return rw, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

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

func (w *RotatingWriter) rotateIfNeeded(incoming int64) error {
	today := w.now().UTC().Format("2006-01-02")
	if w.file == nil || w.curDate != today {
		w.curDate = today
		w.curIndex = w.lastIndex(today)
		return w.openCurrent()
	}
	// An empty file always takes the write, however large.
	if w.size > 0 && w.size+incoming > w.MaxBytes {
		w.curIndex++
		return w.openCurrent()
	}
	return nil
}

// lastIndex finds the highest index already written for date so a restart
// keeps appending to the newest file.
func (w *RotatingWriter) lastIndex(date string) int {
	idx := 1
	for {
		if _, err := os.Stat(w.pathFor(date, idx+1)); err != nil {
			return idx
		}
		idx++
	}
}

func (w *RotatingWriter) pathFor(date string, index int) string {
	dir, name := filepath.Split(w.BasePath)
	if dir == "" {
		dir = "."
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	if index > 1 {
		return filepath.Join(dir, fmt.Sprintf("%s-%s-%d%s", base, date, index, ext))
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", base, date, ext))
}

func (w *RotatingWriter) openCurrent() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	path := w.pathFor(w.curDate, w.curIndex)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	var size int64
	if st, err := f.Stat(); err == nil {
		size = st.Size()
	}
	w.file = f
	w.size = size
	w.updateLink(path)
	return nil
}

// updateLink points BasePath at target, falling back to a hard link.
func (w *RotatingWriter) updateLink(target string) {
	base := strings.TrimSpace(w.BasePath)
	if base == "" {
		return
	}
	if info, err := os.Lstat(base); err == nil {
		if info.Mode()&os.ModeSymlink != 0 {
			if dest, err := os.Readlink(base); err == nil && dest == filepath.Base(target) {
				return
			}
		}
		_ = os.Remove(base)
	}
	if err := os.Symlink(filepath.Base(target), base); err == nil {
		return
	}
	_ = os.Link(target, base)
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }
