package retry

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/frontier"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
)

// State is the lifecycle position of one item.
type State int

// Item states.
const (
	StatePending State = iota
	StateAttempting
	StateSucceeded
	StateSoftFailed
	StateExhausted
	StateAborted
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateAttempting:
		return "attempting"
	case StateSucceeded:
		return "succeeded"
	case StateSoftFailed:
		return "soft_failed"
	case StateExhausted:
		return "exhausted"
	case StateAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Result is the terminal state of one item.
type Result struct {
	State           State
	Record          harvest.Record
	Reason          string
	Attempts        int
	SessionRestarts int
	Err             error
}

// Deps are the collaborators the controller drives.
type Deps struct {
	Classifier harvest.Classifier
	Extractor  harvest.Extractor
	Notifier   harvest.Notifier
	Gate       harvest.OperatorGate
	Sleeper    harvest.Sleeper
	Clock      harvest.Clock
	// Snapshots is optional.
	Snapshots harvest.SnapshotSink
	Logger    *zap.Logger
	RunID     string
}

// errInvalidRecord marks an extracted record that breaks the record
// invariants. Extraction is deterministic, so the item is not retried.
var errInvalidRecord = errors.New("invalid record")

// pageClassifier is implemented by classifiers that also inspect the body.
type pageClassifier interface {
	ClassifyPage(p harvest.Page) harvest.Verdict
}

// Controller implements the per-item retry state machine.
type Controller struct {
	policy Policy
	deps   Deps
	logger *zap.Logger
}

// NewController validates the policy and wires the collaborators.
func NewController(policy Policy, deps Deps) (*Controller, error) {
	if err := policy.Validate(); err != nil {
		return nil, fmt.Errorf("retry policy: %w", err)
	}
	switch {
	case deps.Classifier == nil:
		return nil, errors.New("classifier is required")
	case deps.Extractor == nil:
		return nil, errors.New("extractor is required")
	case deps.Notifier == nil:
		return nil, errors.New("notifier is required")
	case deps.Gate == nil:
		return nil, errors.New("operator gate is required")
	case deps.Sleeper == nil:
		return nil, errors.New("sleeper is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Controller{policy: policy, deps: deps, logger: logger.Named("retry")}, nil
}

// SetRunID tags subsequent notifications with id.
func (c *Controller) SetRunID(id string) {
	c.deps.RunID = id
}

// Process drives entry to a terminal state. Navigation, extraction and
// sleeps are not interrupted by ctx; only the operator gate observes it.
func (c *Controller) Process(ctx context.Context, holder harvest.SessionHolder, entry frontier.Entry) Result {
	work := context.WithoutCancel(ctx)
	log := c.logger.With(zap.String("item_id", string(entry.ID)), zap.String("url", entry.URL))
	res := Result{State: StateAttempting}
	challengeStreak := 0
	cycles := 0

	for {
		out := c.attempt(work, holder.Current(), entry)
		metrics.RecordAttempt(out.Kind.String())

		switch out.Kind {
		case harvest.OutcomeSuccess:
			res.State = StateSucceeded
			res.Record = out.Record
			return res
		case harvest.OutcomeSoftFail:
			res.State = StateSoftFailed
			res.Reason = out.Reason
			log.Info("item soft-failed", zap.String("reason", out.Reason))
			return res
		case harvest.OutcomeSessionFail:
			if res.SessionRestarts < c.policy.MaxSessionRestarts {
				res.SessionRestarts++
				log.Warn("browser session crashed, restarting",
					zap.Int("restart", res.SessionRestarts),
					zap.Error(out.Err),
				)
				c.notify(harvest.MessageSessionCrash, fmt.Sprintf(
					"browser session crashed on %s: %v; restarting in %s", entry.URL, out.Err, c.policy.CrashRecoveryWait))
				c.deps.Sleeper.Sleep(c.policy.CrashRecoveryWait)
				metrics.RecordSessionRestart("crash")
				if err := holder.Restart(work); err != nil {
					log.Error("session restart failed", zap.Error(err))
					res.State = StateExhausted
					res.Reason = harvest.ReasonSessionCrash
					res.Err = &harvest.FatalStartupError{Err: err}
					return res
				}
				continue
			}
			out = harvest.TransientFail(out.Err)
		}

		if errors.Is(out.Err, harvest.ErrChallenge) {
			challengeStreak++
			if wait, ok := c.policy.ChallengeWait(challengeStreak); ok {
				log.Warn("challenge page, waiting",
					zap.Int("streak", challengeStreak),
					zap.Duration("wait", wait),
				)
				metrics.RecordChallengeWait(wait)
				c.deps.Sleeper.Sleep(wait)
				continue
			}
			cycles++
			if c.policy.MaxChallengeCycles > 0 && cycles > c.policy.MaxChallengeCycles {
				log.Error("challenge persisted past escalation limit", zap.Int("cycles", cycles-1))
				res.State = StateExhausted
				res.Reason = harvest.ReasonChallenge
				res.Err = harvest.ErrChallenge
				return res
			}
			reason := fmt.Sprintf("challenge page persists on %s after %d waits (cycle %d)",
				entry.URL, len(c.policy.ChallengeSchedule), cycles)
			c.notify(harvest.MessageChallenge, reason)
			if err := c.deps.Gate.Await(ctx, reason); err != nil {
				log.Warn("operator gate interrupted", zap.Error(err))
				res.State = StateAborted
				res.Err = err
				return res
			}
			challengeStreak = 0
			continue
		}

		res.Attempts++
		if errors.Is(out.Err, errInvalidRecord) {
			log.Warn("extracted record rejected", zap.Error(out.Err))
			c.snapshot(work, holder.Current(), entry.ID, "invalid_record")
			res.State = StateExhausted
			res.Reason = harvest.ReasonExtractionFailed
			res.Err = out.Err
			return res
		}
		log.Warn("attempt failed",
			zap.Int("attempt", res.Attempts),
			zap.Int("max_attempts", c.policy.MaxAttempts),
			zap.Error(out.Err),
		)
		c.snapshot(work, holder.Current(), entry.ID, fmt.Sprintf("attempt_%d", res.Attempts))
		if res.Attempts >= c.policy.MaxAttempts {
			res.State = StateExhausted
			res.Reason = harvest.ReasonExhausted
			res.Err = out.Err
			return res
		}
		c.deps.Sleeper.Sleep(c.policy.TransientWait(res.Attempts))
	}
}

// attempt performs one navigation and classifies the result. A definitive
// absence seen on the page wins over a navigation error on the same attempt.
func (c *Controller) attempt(ctx context.Context, sess harvest.Session, entry frontier.Entry) harvest.Outcome {
	if sess == nil {
		return harvest.SessionFail(harvest.ErrSessionBroken)
	}
	navErr := sess.Goto(ctx, entry.URL)
	if navErr != nil && c.policy.IsCrash(navErr) {
		return harvest.SessionFail(navErr)
	}
	page, err := sess.Page(ctx)
	if err != nil {
		if c.policy.IsCrash(err) {
			return harvest.SessionFail(err)
		}
		if navErr != nil {
			return harvest.TransientFail(fmt.Errorf("navigate: %w", navErr))
		}
		return harvest.TransientFail(fmt.Errorf("read page: %w", err))
	}

	switch c.classify(page) {
	case harvest.VerdictChallenge:
		return harvest.TransientFail(harvest.ErrChallenge)
	case harvest.VerdictNotFound:
		return harvest.SoftFail(harvest.ReasonNotFound)
	}
	if navErr != nil {
		return harvest.TransientFail(fmt.Errorf("navigate: %w", navErr))
	}

	rec, err := c.deps.Extractor.Extract(page, entry.URL)
	switch {
	case errors.Is(err, harvest.ErrAbsent):
		c.snapshot(ctx, sess, entry.ID, "no_price_block")
		return harvest.SoftFail(harvest.ReasonAbsentPrice)
	case errors.Is(err, harvest.ErrNotFound):
		return harvest.SoftFail(harvest.ReasonNotFound)
	case err != nil && c.policy.IsCrash(err):
		return harvest.SessionFail(err)
	case err != nil:
		return harvest.TransientFail(fmt.Errorf("extract: %w", err))
	}
	if err := rec.Validate(); err != nil {
		return harvest.TransientFail(fmt.Errorf("%w: %w", errInvalidRecord, err))
	}
	return harvest.Success(rec)
}

func (c *Controller) classify(page harvest.Page) harvest.Verdict {
	if pc, ok := c.deps.Classifier.(pageClassifier); ok {
		return pc.ClassifyPage(page)
	}
	return c.deps.Classifier.Classify(page.Title, page.NotFound)
}

func (c *Controller) snapshot(ctx context.Context, sess harvest.Session, id harvest.ItemID, tag string) {
	if c.deps.Snapshots == nil || sess == nil {
		return
	}
	snap, err := sess.Snapshot(ctx)
	if err != nil {
		c.logger.Warn("debug snapshot failed", zap.String("item_id", string(id)), zap.Error(err))
		return
	}
	if err := c.deps.Snapshots.Save(ctx, id, tag, snap); err != nil {
		c.logger.Warn("debug snapshot not stored", zap.String("item_id", string(id)), zap.Error(err))
	}
}

func (c *Controller) notify(kind harvest.MessageKind, text string) {
	c.deps.Notifier.Notify(harvest.Message{
		Kind:  kind,
		RunID: c.deps.RunID,
		Time:  c.deps.Clock.Now(),
		Text:  text,
	})
}
