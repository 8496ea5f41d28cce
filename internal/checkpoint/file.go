package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// FileStore keeps the checkpoint as one JSON object on disk.
type FileStore struct {
	path   string
	logger *zap.Logger

	mu sync.Mutex
	// beforeRename runs between the temp write and the rename. Tests use it to
	// simulate a crash mid-save.
	beforeRename func(tmp string) error
}

// NewFileStore returns a store writing to path.
func NewFileStore(path string, logger *zap.Logger) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("checkpoint path is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{path: path, logger: logger}, nil
}

// Load reads the checkpoint. A missing, empty, or unparsable file yields an
// empty checkpoint; the latter two are logged.
func (s *FileStore) Load(_ context.Context) (harvest.Checkpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return harvest.Checkpoint{}, nil
	}
	if err != nil {
		return nil, &harvest.PersistenceError{Op: "load", Err: err}
	}
	if len(data) == 0 {
		s.logger.Warn("checkpoint file is empty, starting fresh", zap.String("path", s.path))
		return harvest.Checkpoint{}, nil
	}
	cp := harvest.Checkpoint{}
	if err := json.Unmarshal(data, &cp); err != nil {
		s.logger.Warn("checkpoint file is corrupt, starting fresh",
			zap.String("path", s.path),
			zap.Error(err),
		)
		return harvest.Checkpoint{}, nil
	}
	return cp, nil
}

// Save replaces the on-disk checkpoint with cp. Readers only ever observe the
// previous or the new document.
func (s *FileStore) Save(_ context.Context, cp harvest.Checkpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if cp == nil {
		cp = harvest.Checkpoint{}
	}
	data, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return &harvest.PersistenceError{Op: "encode", Err: err}
	}
	if err := s.writeAtomic(data); err != nil {
		return &harvest.PersistenceError{Op: "save", Err: err}
	}
	return nil
}

func (s *FileStore) writeAtomic(data []byte) (err error) {
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		if err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return fmt.Errorf("write temp file: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("close temp file: %w", err)
	}
	if s.beforeRename != nil {
		if err = s.beforeRename(tmpName); err != nil {
			return err
		}
	}
	if err = os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("rename checkpoint: %w", err)
	}
	syncDir(dir)
	return nil
}

// syncDir flushes the rename to disk where the platform allows it.
func syncDir(dir string) {
	d, err := os.Open(dir) // #nosec G304 -- checkpoint directory from config.
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
