// Package retry drives one item through navigation, classification and
// extraction, applying the backoff policy until the item succeeds, is
// definitively absent, or runs out of attempts.
package retry

import (
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// Policy is the declarative backoff configuration.
type Policy struct {
	// MaxAttempts bounds transient failures per item.
	MaxAttempts int
	// TransientBase is the fixed part of the wait after a transient failure.
	TransientBase time.Duration
	// TransientJitter is the upper bound of the random part.
	TransientJitter time.Duration
	// ChallengeSchedule lists the waits used on consecutive challenge pages.
	ChallengeSchedule []time.Duration
	// MaxChallengeCycles bounds operator escalations per item. Zero means
	// unlimited.
	MaxChallengeCycles int
	// CrashRecoveryWait is slept before a crashed session is relaunched.
	CrashRecoveryWait time.Duration
	// MaxSessionRestarts bounds crash restarts per item.
	MaxSessionRestarts int
	// CrashSignatures are case-insensitive substrings that mark an error as a
	// dead browser session.
	CrashSignatures []string
}

// DefaultPolicy mirrors the production settings.
func DefaultPolicy() Policy {
	return Policy{
		MaxAttempts:        3,
		TransientBase:      10 * time.Second,
		TransientJitter:    5 * time.Second,
		ChallengeSchedule:  []time.Duration{60 * time.Second, 500 * time.Second, 3000 * time.Second},
		MaxChallengeCycles: 0,
		CrashRecoveryWait:  300 * time.Second,
		MaxSessionRestarts: 3,
		CrashSignatures:    []string{"crashed", "target closed", "browser has disconnected"},
	}
}

// Validate rejects settings the controller cannot run with.
func (p Policy) Validate() error {
	if p.MaxAttempts < 1 {
		return fmt.Errorf("max attempts must be >= 1, got %d", p.MaxAttempts)
	}
	if p.TransientBase < 0 || p.TransientJitter < 0 || p.CrashRecoveryWait < 0 {
		return errors.New("waits must not be negative")
	}
	if len(p.ChallengeSchedule) == 0 {
		return errors.New("challenge schedule must not be empty")
	}
	for i, d := range p.ChallengeSchedule {
		if d < 0 {
			return fmt.Errorf("challenge schedule[%d] is negative", i)
		}
	}
	if p.MaxChallengeCycles < 0 || p.MaxSessionRestarts < 0 {
		return errors.New("cycle and restart bounds must not be negative")
	}
	return nil
}

// ChallengeWait returns the wait for the n-th consecutive challenge (1-based)
// and false once the schedule is exhausted.
func (p Policy) ChallengeWait(n int) (time.Duration, bool) {
	if n < 1 || n > len(p.ChallengeSchedule) {
		return 0, false
	}
	return p.ChallengeSchedule[n-1], true
}

// TransientWait returns the wait after the given failed attempt.
func (p Policy) TransientWait(int) time.Duration {
	return p.TransientBase + randomJitter(p.TransientJitter)
}

// IsCrash reports whether err means the browser session is gone.
func (p Policy) IsCrash(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, harvest.ErrSessionBroken) {
		return true
	}
	msg := strings.ToLower(err.Error())
	for _, sig := range p.CrashSignatures {
		if sig != "" && strings.Contains(msg, strings.ToLower(sig)) {
			return true
		}
	}
	return false
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(limit)))
	if err != nil {
		return limit / 2
	}
	return time.Duration(n.Int64())
}
