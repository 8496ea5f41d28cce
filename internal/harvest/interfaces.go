package harvest

import (
	"context"
	"io"
	"time"
)

// SessionDriver launches browser sessions with the configured identity.
type SessionDriver interface {
	Launch(ctx context.Context) (Session, error)
}

// Session is one live browser page. It is not safe for concurrent use.
type Session interface {
	Goto(ctx context.Context, url string) error
	Page(ctx context.Context) (Page, error)
	Snapshot(ctx context.Context) (Snapshot, error)
	Close() error
}

// SessionHolder owns the current session and is the only place a session is
// replaced. Callers must re-read Current after Restart.
type SessionHolder interface {
	Current() Session
	Restart(ctx context.Context) error
}

// Extractor turns a rendered page into a record. It must be deterministic for
// the same page and return ErrAbsent or ErrNotFound for missing items.
type Extractor interface {
	Extract(page Page, sourceURL string) (Record, error)
}

// Classifier decides whether a page is content, a challenge, or a 404.
type Classifier interface {
	Classify(title string, notFoundMarker bool) Verdict
}

// IDDeriver maps a source URL to its item id.
type IDDeriver interface {
	Derive(rawURL string) (ItemID, bool)
}

// CheckpointStore persists the full checkpoint map.
type CheckpointStore interface {
	Load(ctx context.Context) (Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
}

// FailureLog records failed items. Entries are never deduplicated.
type FailureLog interface {
	Append(ctx context.Context, entry FailureEntry) error
}

// Notifier delivers operator messages. Notify must never block the caller.
type Notifier interface {
	Notify(msg Message)
}

// OperatorGate blocks until an operator (or a timeout) lets the run continue.
type OperatorGate interface {
	Await(ctx context.Context, reason string) error
}

// SnapshotSink stores debug captures.
type SnapshotSink interface {
	Save(ctx context.Context, id ItemID, tag string, snap Snapshot) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Hasher computes digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// Sleeper pauses the pipeline. Sleeps are not interrupted once started.
type Sleeper interface {
	Sleep(d time.Duration)
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
