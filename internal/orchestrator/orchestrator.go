// Package orchestrator runs a harvest: it loads the checkpoint, walks the
// remaining frontier one item at a time, persists every success, and reports
// a summary when the frontier is exhausted or the run is stopped.
package orchestrator

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/frontier"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
	"github.com/JakeFAU/catalog-harvester/internal/retry"
)

// Status is the terminal state of a run.
type Status string

// Run statuses.
const (
	StatusCompleted    Status = "completed"
	StatusPartial      Status = "partial"
	StatusAborted      Status = "aborted"
	StatusFatalStartup Status = "fatal_startup"
	StatusPersistence  Status = "persistence_failure"
)

// ExitCode maps a status to the process exit code.
func (s Status) ExitCode() int {
	switch s {
	case StatusCompleted:
		return 0
	case StatusPartial:
		return 2
	case StatusAborted:
		return 130
	case StatusFatalStartup:
		return 3
	case StatusPersistence:
		return 4
	default:
		return 1
	}
}

// Summary is reported at the end of every run.
type Summary struct {
	RunID        string
	Status       Status
	New          int
	AlreadyKnown int
	Exhausted    int
	SoftFailed   int
	Invalid      int
	Total        int
	Duration     time.Duration
}

func (s Summary) String() string {
	return fmt.Sprintf(
		"run %s %s in %s: new=%d already_known=%d soft_failed=%d exhausted=%d invalid=%d total_in_store=%d",
		s.RunID, s.Status, s.Duration.Round(time.Second),
		s.New, s.AlreadyKnown, s.SoftFailed, s.Exhausted, s.Invalid, s.Total,
	)
}

// Config controls pacing and status rules.
type Config struct {
	// RestartEvery relaunches the browser after this many processed items.
	// Zero disables proactive restarts.
	RestartEvery int
	PauseMin     time.Duration
	PauseMax     time.Duration
	// SoftFailIsPartial turns soft failures into a partial run status.
	SoftFailIsPartial bool
}

// ItemProcessor resolves one frontier entry.
type ItemProcessor interface {
	Process(ctx context.Context, holder harvest.SessionHolder, entry frontier.Entry) retry.Result
	SetRunID(id string)
}

// Deps are the orchestrator's collaborators.
type Deps struct {
	Driver     harvest.SessionDriver
	Store      harvest.CheckpointStore
	Failures   harvest.FailureLog
	Deriver    harvest.IDDeriver
	Controller ItemProcessor
	Notifier   harvest.Notifier
	Sleeper    harvest.Sleeper
	Clock      harvest.Clock
	IDs        harvest.IDGenerator
	// Progress is optional.
	Progress *Progress
	Logger   *zap.Logger
}

// Orchestrator executes runs. It is not safe for concurrent Runs.
type Orchestrator struct {
	cfg    Config
	deps   Deps
	logger *zap.Logger
}

// New validates cfg and deps.
func New(cfg Config, deps Deps) (*Orchestrator, error) {
	if cfg.RestartEvery < 0 {
		return nil, fmt.Errorf("restart_every must be >= 0, got %d", cfg.RestartEvery)
	}
	if cfg.PauseMin < 0 || cfg.PauseMax < cfg.PauseMin {
		return nil, fmt.Errorf("invalid pause range [%s, %s]", cfg.PauseMin, cfg.PauseMax)
	}
	switch {
	case deps.Driver == nil:
		return nil, errors.New("session driver is required")
	case deps.Store == nil:
		return nil, errors.New("checkpoint store is required")
	case deps.Failures == nil:
		return nil, errors.New("failure log is required")
	case deps.Deriver == nil:
		return nil, errors.New("id deriver is required")
	case deps.Controller == nil:
		return nil, errors.New("controller is required")
	case deps.Notifier == nil:
		return nil, errors.New("notifier is required")
	case deps.Sleeper == nil:
		return nil, errors.New("sleeper is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.IDs == nil:
		return nil, errors.New("id generator is required")
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{cfg: cfg, deps: deps, logger: logger.Named("orchestrator")}, nil
}

// run holds the mutable state of one Run call.
type run struct {
	o       *Orchestrator
	summary Summary
	started time.Time
	cp      harvest.Checkpoint
}

// Run harvests urls. Cancellation of ctx is honoured between items only:
// the item in flight finishes and its outcome is persisted first. The
// returned error is non-nil for fatal startup and persistence failures.
func (o *Orchestrator) Run(ctx context.Context, urls []string) (Summary, error) {
	r := &run{o: o, started: o.deps.Clock.Now()}
	runID, err := o.deps.IDs.NewID()
	if err != nil {
		runID = r.started.Format("20060102T150405")
		o.logger.Warn("run id generation failed, using timestamp", zap.Error(err))
	}
	r.summary.RunID = runID
	o.deps.Controller.SetRunID(runID)
	log := o.logger.With(zap.String("run_id", runID))

	cp, err := o.deps.Store.Load(ctx)
	if err != nil {
		r.notify(harvest.MessageFatal, fmt.Sprintf("cannot load checkpoint: %v", err))
		return r.finish(StatusFatalStartup), &harvest.FatalStartupError{Err: fmt.Errorf("load checkpoint: %w", err)}
	}
	r.cp = cp
	metrics.SetCheckpointRecords(len(cp))

	remaining := frontier.Remaining(urls, cp, o.deps.Deriver)
	r.summary.AlreadyKnown = len(urls) - len(remaining)
	o.deps.Progress.update(r.started, func(s *Snapshot) {
		*s = Snapshot{
			RunID:             runID,
			Status:            "running",
			StartedAt:         r.started,
			Remaining:         len(remaining),
			CheckpointRecords: len(cp),
		}
	})
	log.Info("run starting",
		zap.Int("urls", len(urls)),
		zap.Int("remaining", len(remaining)),
		zap.Int("already_known", r.summary.AlreadyKnown),
	)
	r.notify(harvest.MessageRunStart, fmt.Sprintf("run %s started: %d urls, %d remaining, %d already harvested",
		runID, len(urls), len(remaining), r.summary.AlreadyKnown))

	if len(remaining) == 0 {
		return r.finish(StatusCompleted), nil
	}

	sessions := NewSessionManager(o.deps.Driver, o.logger)
	if err := sessions.Start(ctx); err != nil {
		log.Error("browser identity setup failed", zap.Error(err))
		r.notify(harvest.MessageIdentity, fmt.Sprintf("could not start browser session: %v", err))
		return r.finish(StatusFatalStartup), asFatal(err)
	}
	defer func() {
		if err := sessions.Close(); err != nil {
			log.Warn("closing session", zap.Error(err))
		}
	}()

	processed := 0
	for i, entry := range remaining {
		if ctx.Err() != nil {
			log.Info("run cancelled between items", zap.Int("left", len(remaining)-i))
			return r.finish(StatusAborted), nil
		}
		if entry.ID == "" {
			r.summary.Invalid++
			r.logFailure(ctx, harvest.ReasonInvalidURL, entry.URL)
			r.progress(entry.URL, func(s *Snapshot) { s.Invalid++ })
			continue
		}
		if processed > 0 && o.cfg.RestartEvery > 0 && processed%o.cfg.RestartEvery == 0 {
			log.Info("scheduled browser restart", zap.Int("processed", processed))
			metrics.RecordSessionRestart("scheduled")
			if err := sessions.Restart(context.WithoutCancel(ctx)); err != nil {
				log.Error("scheduled restart failed", zap.Error(err))
				r.notify(harvest.MessageIdentity, fmt.Sprintf("could not restart browser session: %v", err))
				return r.finish(StatusFatalStartup), asFatal(err)
			}
		}
		processed++

		res := o.deps.Controller.Process(ctx, sessions, entry)
		metrics.RecordItem(res.State.String())
		switch res.State {
		case retry.StateSucceeded:
			if err := r.persist(ctx, entry, res.Record); err != nil {
				log.Error("checkpoint write failed, stopping", zap.Error(err))
				r.notify(harvest.MessageFatal, fmt.Sprintf("checkpoint write failed: %v", err))
				return r.finish(StatusPersistence), err
			}
		case retry.StateSoftFailed:
			r.summary.SoftFailed++
			r.logFailure(ctx, res.Reason, entry.URL)
		case retry.StateExhausted:
			var fatal *harvest.FatalStartupError
			if errors.As(res.Err, &fatal) {
				r.notify(harvest.MessageIdentity, fmt.Sprintf("could not restart browser session: %v", fatal.Err))
				return r.finish(StatusFatalStartup), fatal
			}
			r.summary.Exhausted++
			r.logFailure(ctx, res.Reason, entry.URL)
		case retry.StateAborted:
			log.Info("run aborted while waiting for operator", zap.String("url", entry.URL))
			return r.finish(StatusAborted), nil
		}
		r.progress(entry.URL, func(s *Snapshot) {
			s.Processed++
			switch res.State {
			case retry.StateSucceeded:
				s.New++
			case retry.StateSoftFailed:
				s.SoftFailed++
			case retry.StateExhausted:
				s.Exhausted++
			}
			s.CheckpointRecords = len(r.cp)
		})
		log.Info("item done",
			zap.Int("index", i+1),
			zap.Int("of", len(remaining)),
			zap.String("item_id", string(entry.ID)),
			zap.String("state", res.State.String()),
			zap.Int("attempts", res.Attempts),
		)

		if i < len(remaining)-1 && ctx.Err() == nil {
			o.deps.Sleeper.Sleep(o.pause())
		}
	}
	return r.finish(r.terminalStatus()), nil
}

// persist writes the record through to the store before anything else
// happens.
func (r *run) persist(ctx context.Context, entry frontier.Entry, rec harvest.Record) error {
	r.cp[entry.ID] = rec
	start := r.o.deps.Clock.Now()
	if err := r.o.deps.Store.Save(context.WithoutCancel(ctx), r.cp); err != nil {
		delete(r.cp, entry.ID)
		var perr *harvest.PersistenceError
		if !errors.As(err, &perr) {
			err = &harvest.PersistenceError{Op: "save", Err: err}
		}
		return err
	}
	metrics.ObserveCheckpointSave(r.o.deps.Clock.Now().Sub(start))
	metrics.SetCheckpointRecords(len(r.cp))
	r.summary.New++

	if len(rec.Attributes) == 0 && rec.Description == "" {
		r.logFailure(ctx, harvest.ReasonNoAttributes, entry.URL)
	}
	if len(rec.Images) == 0 {
		r.logFailure(ctx, harvest.ReasonNoImages, entry.URL)
	}
	return nil
}

func (r *run) logFailure(ctx context.Context, reason, url string) {
	entry := harvest.FailureEntry{Time: r.o.deps.Clock.Now(), Reason: reason, URL: url}
	if err := r.o.deps.Failures.Append(context.WithoutCancel(ctx), entry); err != nil {
		r.o.logger.Warn("failure log append failed", zap.String("url", url), zap.Error(err))
	}
}

func (r *run) progress(url string, fn func(*Snapshot)) {
	r.o.deps.Progress.update(r.o.deps.Clock.Now(), func(s *Snapshot) {
		s.CurrentURL = url
		if s.Remaining > 0 {
			s.Remaining--
		}
		fn(s)
	})
}

func (r *run) terminalStatus() Status {
	if r.summary.Exhausted > 0 || (r.o.cfg.SoftFailIsPartial && r.summary.SoftFailed > 0) {
		return StatusPartial
	}
	return StatusCompleted
}

func (r *run) finish(status Status) Summary {
	now := r.o.deps.Clock.Now()
	r.summary.Status = status
	r.summary.Total = len(r.cp)
	r.summary.Duration = now.Sub(r.started)
	r.o.deps.Progress.update(now, func(s *Snapshot) {
		s.Status = string(status)
		s.CurrentURL = ""
		s.CheckpointRecords = len(r.cp)
	})
	r.o.logger.Info("run finished",
		zap.String("run_id", r.summary.RunID),
		zap.String("status", string(status)),
		zap.Int("new", r.summary.New),
		zap.Int("already_known", r.summary.AlreadyKnown),
		zap.Int("soft_failed", r.summary.SoftFailed),
		zap.Int("exhausted", r.summary.Exhausted),
		zap.Int("invalid", r.summary.Invalid),
		zap.Int("total", r.summary.Total),
		zap.Duration("duration", r.summary.Duration),
	)
	r.notify(harvest.MessageRunSummary, r.summary.String())
	return r.summary
}

func (r *run) notify(kind harvest.MessageKind, text string) {
	r.o.deps.Notifier.Notify(harvest.Message{
		Kind:  kind,
		RunID: r.summary.RunID,
		Time:  r.o.deps.Clock.Now(),
		Text:  text,
	})
}

// pause returns a uniform random delay in [PauseMin, PauseMax].
func (o *Orchestrator) pause() time.Duration {
	span := o.cfg.PauseMax - o.cfg.PauseMin
	if span <= 0 {
		return o.cfg.PauseMin
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)+1))
	if err != nil {
		return o.cfg.PauseMin + span/2
	}
	return o.cfg.PauseMin + time.Duration(n.Int64())
}
