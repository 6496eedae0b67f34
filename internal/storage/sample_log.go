// internal/storage/sample_log.go
package storage

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"

	"sensor-reader/internal/model"
)

// ErrLogClosed is returned when appending to a closed sample log
var ErrLogClosed = errors.New("sample log is closed")

// syncer is satisfied by *os.File; tests swap it to simulate storage faults
type syncer interface {
	Sync() error
	Close() error
}

// SampleLog is the append-only output log. Every Append is flushed and
// synced to stable storage before it returns.
type SampleLog struct {
	path   string
	logger *zap.Logger

	mu     sync.Mutex
	file   syncer
	writer *bufio.Writer
	lines  int64
}

// Open opens the log at path, creating parent directories. When truncate is
// true an existing log is emptied, otherwise records are appended.
func Open(path string, truncate bool, logger *zap.Logger) (*SampleLog, error) {
	if path == "" {
		return nil, fmt.Errorf("sample log path is required")
	}

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	flags := os.O_CREATE | os.O_WRONLY | os.O_APPEND
	if truncate {
		flags |= os.O_TRUNC
	}

	f, err := os.OpenFile(path, flags, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open sample log: %w", err)
	}

	logger.Info("Sample log opened",
		zap.String("path", path),
		zap.Bool("truncated", truncate),
	)

	return &SampleLog{
		path:   path,
		logger: logger,
		file:   f,
		writer: bufio.NewWriter(f),
	}, nil
}

// Append writes one record as a line, then flushes and syncs it
func (l *SampleLog) Append(rec model.SampleRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil {
		return ErrLogClosed
	}

	if _, err := l.writer.WriteString(FormatRecord(rec)); err != nil {
		return fmt.Errorf("failed to write sample: %w", err)
	}
	if err := l.writer.Flush(); err != nil {
		return fmt.Errorf("failed to flush sample log: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync sample log: %w", err)
	}

	l.lines++
	return nil
}

// Lines returns how many records were appended through this handle
func (l *SampleLog) Lines() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines
}

// Path returns the log location
func (l *SampleLog) Path() string {
	return l.path
}

// Close flushes, syncs and closes the log. It is safe to call more than once.
func (l *SampleLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.writer == nil {
		return nil
	}

	var errs []error
	if err := l.writer.Flush(); err != nil {
		errs = append(errs, fmt.Errorf("failed to flush sample log: %w", err))
	}
	if err := l.file.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("failed to sync sample log: %w", err))
	}
	if err := l.file.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close sample log: %w", err))
	}
	l.writer = nil

	l.logger.Info("Sample log closed",
		zap.String("path", l.path),
		zap.Int64("records", l.lines),
	)
	return errors.Join(errs...)
}

// FormatRecord renders a record as "<unix-seconds>.<micros>,<reading>\n"
func FormatRecord(rec model.SampleRecord) string {
	return FormatTimestamp(rec.Timestamp) + "," + strconv.FormatInt(rec.Reading, 10) + "\n"
}

// FormatTimestamp renders t as unix epoch seconds with microsecond fraction
func FormatTimestamp(t time.Time) string {
	us := t.UnixMicro()
	sec, frac := us/1_000_000, us%1_000_000
	if frac < 0 {
		sec--
		frac += 1_000_000
	}
	return fmt.Sprintf("%d.%06d", sec, frac)
}
