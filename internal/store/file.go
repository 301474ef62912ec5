package store

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"

	"orb-trader/internal/models"
)

// FileEventLog appends one line per breakout to a rotated log file.
type FileEventLog struct {
	path string

	mu sync.Mutex
	w  io.WriteCloser
}

// NewFileEventLog opens the breakout log at path.
func NewFileEventLog(path string) (*FileEventLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create breakout log directory: %w", err)
	}
	return &FileEventLog{
		path: path,
		w: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    10, // MB
			MaxBackups: 5,
			MaxAge:     90, // days
		},
	}, nil
}

// Path returns the log file path.
func (l *FileEventLog) Path() string {
	return l.path
}

// Record appends the event's log line. Writes are serialised, so lines
// appear in call order.
func (l *FileEventLog) Record(ctx context.Context, event models.BreakoutEvent) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := io.WriteString(l.w, event.LogLine()+"\n"); err != nil {
		return fmt.Errorf("failed to write breakout log: %w", err)
	}
	return nil
}

// Close closes the underlying file.
func (l *FileEventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Close()
}
