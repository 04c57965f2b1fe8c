package logx

import (
	"fmt"
	"os"
	"sync"
)

// rotatingWriter appends to a file and rotates it by size, keeping a
// fixed number of numbered backups (file.1 is the newest backup).
type rotatingWriter struct {
	filename   string
	maxSize    int64
	maxBackups int

	mu   sync.Mutex
	file *os.File
}

func newRotatingWriter(filename string, maxSize int64, maxBackups int) *rotatingWriter {
	return &rotatingWriter{
		filename:   filename,
		maxSize:    maxSize,
		maxBackups: maxBackups,
	}
}

func (w *rotatingWriter) open() error {
	f, err := os.OpenFile(w.filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	return nil
}

func (w *rotatingWriter) close() error {
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

func (w *rotatingWriter) rotate() error {
	if err := w.close(); err != nil {
		return err
	}
	for i := w.maxBackups - 1; i >= 1; i-- {
		os.Rename(fmt.Sprintf("%s.%d", w.filename, i), fmt.Sprintf("%s.%d", w.filename, i+1))
	}
	if w.maxBackups > 0 {
		os.Rename(w.filename, w.filename+".1")
	}
	return w.open()
}

func (w *rotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file == nil {
		if err := w.open(); err != nil {
			// Keep log lines flowing even when the file is unusable.
			return os.Stderr.Write(p)
		}
	}
	if info, err := w.file.Stat(); err == nil && info.Size() > w.maxSize {
		if err := w.rotate(); err != nil {
			return 0, err
		}
	}
	return w.file.Write(p)
}
