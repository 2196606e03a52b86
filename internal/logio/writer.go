// Package logio implements the per-entry Log Writer: an append-only,
// paginated, tag-prefixed line log, plus the supervisor's own rotating
// system log. Per-entry files are deliberately not rotated; rotation would
// shift line offsets that ReadPage's pagination depends on mid-session.
package logio

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

const timeFormat = "2006-01-02 15:04:05"

// MaxPageSize is the upper bound accepted for page_size on a logs read.
const MaxPageSize = 1000

// Writer is a per-entry append-only log file with paginated reads and an
// in-place clear. One Writer exists per entry's log file; the Monitor, the
// stdout forwarder, and the stderr forwarder all call Append on the same
// instance, so writes are serialized by mu to keep each line intact.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

func Open(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return nil, err
	}
	return &Writer{path: path, f: f}, nil
}

// Append atomically appends one formatted line. It never fails silently:
// the write error is always returned to the caller.
func (w *Writer) Append(tag, text string) error {
	line := fmt.Sprintf("[%s] %s: %s\n", time.Now().Format(timeFormat), tag, text)
	w.mu.Lock()
	defer w.mu.Unlock()
	_, err := w.f.WriteString(line)
	return err
}

// ReadPage returns the requested window of lines counted from the start of
// the file, 1-indexed, chronological. Out-of-range pages return an empty
// slice with the true total line count.
func (w *Writer) ReadPage(page, pageSize int) (lines []string, total int, err error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	f, err := os.Open(w.path)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = f.Close() }()

	all := make([]string, 0, 256)
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1024*1024)
	for sc.Scan() {
		all = append(all, sc.Text())
	}
	if err := sc.Err(); err != nil {
		return nil, 0, err
	}

	total = len(all)
	start := (page - 1) * pageSize
	if start >= total {
		return []string{}, total, nil
	}
	end := start + pageSize
	if end > total {
		end = total
	}
	return append([]string(nil), all[start:end]...), total, nil
}

// Clear truncates the file to zero length. It holds the same append lock
// used by Append rather than reopening the handle, avoiding a race between a
// concurrent append and the truncate.
func (w *Writer) Clear() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.f.Truncate(0); err != nil {
		return err
	}
	_, err := w.f.Seek(0, 0)
	return err
}

func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Path exposes the backing file path.
func (w *Writer) Path() string { return w.path }

// FileName derives the per-entry log file name from an id. Renaming an id
// is not supported, so this mapping is fixed for the entry's lifetime.
func FileName(id string) string {
	return strings.TrimSpace(id) + ".log"
}
