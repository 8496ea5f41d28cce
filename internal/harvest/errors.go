package harvest

import (
	"errors"
	"fmt"
)

var (
	// ErrAbsent reports a page that loaded but carries no pricing block.
	ErrAbsent = errors.New("item absent: no pricing block")
	// ErrNotFound reports a page that carries the "not found" marker.
	ErrNotFound = errors.New("item not found")
	// ErrChallenge reports an anti-bot interstitial instead of content.
	ErrChallenge = errors.New("anti-bot challenge page")
	// ErrSessionBroken reports a browser session that can no longer be used.
	ErrSessionBroken = errors.New("browser session broken")
)

// FatalStartupError means the initial browsing identity could not be
// established. The run cannot proceed.
type FatalStartupError struct {
	Err error
}

func (e *FatalStartupError) Error() string {
	return fmt.Sprintf("fatal startup: %v", e.Err)
}

func (e *FatalStartupError) Unwrap() error {
	return e.Err
}

// PersistenceError means a checkpoint write failed. Write-through is the
// durability contract, so the run must stop.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persistence %s: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}
