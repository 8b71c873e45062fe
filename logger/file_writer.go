package logger

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DailyFileWriter is an io.Writer appending to {node}_{date}.log in a
// directory, switching to a new file on the first write of each day. Safe for
// concurrent use.
type DailyFileWriter struct {
	node   string
	dir    string
	now    func() time.Time
	mu     sync.Mutex
	file   *os.File
	date   string
	closed bool
}

// NewDailyFileWriter opens today's log file for node in logDir. The directory
// must exist.
//
// Parameters:
//   - node: Node name used in file names
//   - logDir: Directory path for log files
//
// Returns:
//   - The writer, or an error if the file could not be opened
func NewDailyFileWriter(node string, logDir string) (*DailyFileWriter, error) {
	w := &DailyFileWriter{node: node, dir: logDir, now: time.Now}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rotateLocked(); err != nil {
		return nil, fmt.Errorf("initial rotation failed: %w", err)
	}

	return w, nil
}

// Write implements io.Writer.
func (w *DailyFileWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return 0, fmt.Errorf("writer is closed")
	}

	if w.file == nil || w.now().Format(time.DateOnly) != w.date {
		if err := w.rotateLocked(); err != nil {
			return 0, fmt.Errorf("rotation failed: %w", err)
		}
	}

	return w.file.Write(p)
}

// Close closes the current file. Subsequent writes fail. Safe to call more
// than once.
func (w *DailyFileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}

	return nil
}

// CurrentLogFile returns the path of the file currently written to, or "" if
// none is open.
func (w *DailyFileWriter) CurrentLogFile() string {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		return ""
	}

	return w.path(w.date)
}

func (w *DailyFileWriter) path(date string) string {
	return filepath.Join(w.dir, fmt.Sprintf("%s_%s.log", w.node, date))
}

// rotateLocked switches to the file for the current date; caller holds w.mu.
func (w *DailyFileWriter) rotateLocked() error {
	date := w.now().Format(time.DateOnly)

	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}

	file, err := os.OpenFile(w.path(date), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open log file %s: %w", w.path(date), err)
	}

	w.file = file
	w.date = date
	return nil
}
