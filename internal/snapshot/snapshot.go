// Package snapshot stores debug captures (screenshot and HTML) of pages that
// failed, keyed by item id, capture time and a short tag.
package snapshot

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"regexp"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

const keyTimeLayout = "20060102_150405"

var unsafeKeyChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]+`)

// Sink implements harvest.SnapshotSink over a blob store.
type Sink struct {
	store  harvest.BlobStore
	clock  harvest.Clock
	prefix string
	logger *zap.Logger
}

// New returns a sink writing to store. prefix is prepended to every key and
// may be empty.
func New(store harvest.BlobStore, clock harvest.Clock, prefix string, logger *zap.Logger) (*Sink, error) {
	if store == nil {
		return nil, errors.New("blob store is required")
	}
	if clock == nil {
		return nil, errors.New("clock is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{store: store, clock: clock, prefix: prefix, logger: logger.Named("snapshot")}, nil
}

// Key returns the base object name for a capture, without extension.
func Key(id harvest.ItemID, tag string, at string) string {
	name := unsafeKeyChars.ReplaceAllString(string(id), "_")
	if name == "" {
		name = "unknown"
	}
	return fmt.Sprintf("%s_%s_%s", name, at, unsafeKeyChars.ReplaceAllString(tag, "_"))
}

// Save writes the PNG and HTML parts that are present. Both are attempted
// even if the first fails.
func (s *Sink) Save(ctx context.Context, id harvest.ItemID, tag string, snap harvest.Snapshot) error {
	base := s.prefix + Key(id, tag, s.clock.Now().Format(keyTimeLayout))
	var errs []error
	if len(snap.PNG) > 0 {
		uri, err := s.store.PutObject(ctx, base+".png", "image/png", bytes.NewReader(snap.PNG))
		if err != nil {
			errs = append(errs, fmt.Errorf("store screenshot: %w", err))
		} else {
			s.logger.Info("screenshot saved", zap.String("uri", uri))
		}
	}
	if len(snap.HTML) > 0 {
		uri, err := s.store.PutObject(ctx, base+".html", "text/html; charset=utf-8", bytes.NewReader(snap.HTML))
		if err != nil {
			errs = append(errs, fmt.Errorf("store html: %w", err))
		} else {
			s.logger.Info("html saved", zap.String("uri", uri))
		}
	}
	return errors.Join(errs...)
}
