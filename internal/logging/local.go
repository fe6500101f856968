package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// LocalLog appends log lines to a file private to the user. It also
// records failures of the remote receivers, so those never fail silently.
type LocalLog struct {
	mu   sync.Mutex
	file *os.File
}

// OpenLocalLog opens path for appending, creating it and its directory
// with owner-only permissions.
func OpenLocalLog(path string) (*LocalLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return &LocalLog{file: file}, nil
}

// Logf writes one line: timestamp, level, [component], message.
func (l *LocalLog) Logf(level Level, component, format string, args ...any) {
	if l == nil {
		return
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}

	msg := strings.ReplaceAll(fmt.Sprintf(format, args...), "\n", " ")
	line := fmt.Sprintf("%s %-5s [%s] %s\n",
		time.Now().Format(time.RFC3339), strings.ToUpper(string(level)), component, msg)
	_, _ = l.file.WriteString(line)
}

// LogError records a failed operation.
func (l *LocalLog) LogError(component, operation string, err error) {
	l.Logf(LevelError, component, "%s: %v", operation, err)
}

// Close closes the file. Later writes are dropped.
func (l *LocalLog) Close() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
