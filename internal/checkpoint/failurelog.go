package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

const failureTimeLayout = "2006-01-02 15:04"

// FailureLog appends one tab-separated line per failed item:
// time, reason, url.
type FailureLog struct {
	path   string
	logger *zap.Logger
	mu     sync.Mutex
}

// NewFailureLog returns a log appending to path.
func NewFailureLog(path string, logger *zap.Logger) (*FailureLog, error) {
	if path == "" {
		return nil, errors.New("failure log path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FailureLog{path: path, logger: logger}, nil
}

// Append writes entry. Duplicates are kept.
func (l *FailureLog) Append(_ context.Context, entry harvest.FailureEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(l.path), 0o750); err != nil {
		return fmt.Errorf("create failure log dir: %w", err)
	}
	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0o600) // #nosec G304 -- path from config.
	if err != nil {
		return fmt.Errorf("open failure log: %w", err)
	}
	line := FormatFailure(entry)
	if _, err := f.WriteString(line + "\n"); err != nil {
		_ = f.Close()
		return fmt.Errorf("append failure: %w", err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close failure log: %w", err)
	}
	l.logger.Debug("failure logged", zap.String("reason", entry.Reason), zap.String("url", entry.URL))
	return nil
}

// FormatFailure renders entry as a failure log line without the newline.
func FormatFailure(entry harvest.FailureEntry) string {
	clean := strings.NewReplacer("\t", " ", "\n", " ", "\r", " ")
	return strings.Join([]string{
		entry.Time.Format(failureTimeLayout),
		clean.Replace(entry.Reason),
		clean.Replace(entry.URL),
	}, "\t")
}
