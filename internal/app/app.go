// Package app wires configuration into long-lived harvester services. It is
// the only place concrete implementations are chosen.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/antibot"
	"github.com/JakeFAU/catalog-harvester/internal/api"
	"github.com/JakeFAU/catalog-harvester/internal/checkpoint"
	pgcheckpoint "github.com/JakeFAU/catalog-harvester/internal/checkpoint/postgres"
	"github.com/JakeFAU/catalog-harvester/internal/clock/system"
	"github.com/JakeFAU/catalog-harvester/internal/config"
	"github.com/JakeFAU/catalog-harvester/internal/discover"
	"github.com/JakeFAU/catalog-harvester/internal/extract"
	"github.com/JakeFAU/catalog-harvester/internal/frontier"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/hash/sha256"
	"github.com/JakeFAU/catalog-harvester/internal/id/uuid"
	"github.com/JakeFAU/catalog-harvester/internal/notify"
	"github.com/JakeFAU/catalog-harvester/internal/orchestrator"
	"github.com/JakeFAU/catalog-harvester/internal/retry"
	"github.com/JakeFAU/catalog-harvester/internal/session"
	chromedpdriver "github.com/JakeFAU/catalog-harvester/internal/session/chromedp"
	playwrightdriver "github.com/JakeFAU/catalog-harvester/internal/session/playwright"
	"github.com/JakeFAU/catalog-harvester/internal/snapshot"
	"github.com/JakeFAU/catalog-harvester/internal/storage/gcs"
	"github.com/JakeFAU/catalog-harvester/internal/storage/local"
)

// App holds the services for one harvest run.
type App struct {
	cfg          config.Config
	logger       *zap.Logger
	orchestrator *orchestrator.Orchestrator
	progress     *orchestrator.Progress
	hub          *notify.Hub
	server       *api.Server
	closers      []func(context.Context) error
}

// Option overrides a collaborator, mostly for tests.
type Option func(*options)

type options struct {
	driver  harvest.SessionDriver
	sleeper harvest.Sleeper
	clock   harvest.Clock
	stdin   io.Reader
	stdout  io.Writer
	sinks   []notify.Sink
}

// WithDriver replaces the configured browser driver.
func WithDriver(d harvest.SessionDriver) Option {
	return func(o *options) { o.driver = d }
}

// WithSleeper replaces the wall-clock sleeper.
func WithSleeper(s harvest.Sleeper) Option {
	return func(o *options) { o.sleeper = s }
}

// WithClock replaces the system clock.
func WithClock(c harvest.Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithOperatorIO sets the streams used by the stdin gate.
func WithOperatorIO(in io.Reader, out io.Writer) Option {
	return func(o *options) { o.stdin, o.stdout = in, out }
}

// WithSinks adds notification sinks next to the configured ones.
func WithSinks(sinks ...notify.Sink) Option {
	return func(o *options) { o.sinks = append(o.sinks, sinks...) }
}

// New builds every service the run command needs. On error, everything
// already opened is closed.
func New(ctx context.Context, cfg config.Config, logger *zap.Logger, opts ...Option) (a *App, err error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	o := options{stdin: os.Stdin, stdout: os.Stderr}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = system.New()
	}
	if o.sleeper == nil {
		o.sleeper = system.NewSleeper()
	}

	a = &App{cfg: cfg, logger: logger, progress: orchestrator.NewProgress()}
	defer func() {
		if err != nil {
			_ = a.Close(context.WithoutCancel(ctx))
		}
	}()

	store, err := a.checkpointStore(ctx)
	if err != nil {
		return nil, err
	}
	failures, err := checkpoint.NewFailureLog(cfg.Output.FailureLog, logger)
	if err != nil {
		return nil, fmt.Errorf("open failure log: %w", err)
	}
	deriver, err := frontier.NewDeriver(cfg.Frontier.IDPattern, sha256.New(), cfg.Frontier.HashFallback)
	if err != nil {
		return nil, err
	}

	driver := o.driver
	if driver == nil {
		driver, err = NewDriver(cfg, logger)
		if err != nil {
			return nil, err
		}
	}

	extractor, err := extract.New(ExtractConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("build extractor: %w", err)
	}

	sinks, err := a.notifySinks(ctx)
	if err != nil {
		return nil, err
	}
	a.hub = notify.NewHub(notify.Config{
		BufferSize:  cfg.Notify.BufferSize,
		SinkTimeout: cfg.Notify.SinkTimeout,
		Logger:      logger,
	}, append(sinks, o.sinks...)...)
	a.closers = append(a.closers, a.hub.Close)

	var gate harvest.OperatorGate
	switch cfg.Gate.Mode {
	case "stdin":
		gate = notify.NewStdinGate(o.stdin, o.stdout, logger)
	default:
		gate = notify.NewTimedGate(cfg.Gate.Wait, logger)
	}

	snaps, err := a.snapshotSink(ctx, o.clock)
	if err != nil {
		return nil, err
	}

	controller, err := retry.NewController(RetryPolicy(cfg), retry.Deps{
		Classifier: antibot.NewDetector(cfg.AntiBot.Titles, cfg.AntiBot.BodyMarkers...),
		Extractor:  extractor,
		Notifier:   a.hub,
		Gate:       gate,
		Sleeper:    o.sleeper,
		Clock:      o.clock,
		Snapshots:  snaps,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build retry controller: %w", err)
	}

	a.orchestrator, err = orchestrator.New(orchestrator.Config{
		RestartEvery:      cfg.Run.RestartEvery,
		PauseMin:          cfg.Run.PauseMin,
		PauseMax:          cfg.Run.PauseMax,
		SoftFailIsPartial: cfg.Run.SoftFailIsPartial,
	}, orchestrator.Deps{
		Driver:     driver,
		Store:      store,
		Failures:   failures,
		Deriver:    deriver,
		Controller: controller,
		Notifier:   a.hub,
		Sleeper:    o.sleeper,
		Clock:      o.clock,
		IDs:        uuid.New(),
		Progress:   a.progress,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("build orchestrator: %w", err)
	}

	if cfg.Server.Enabled {
		a.server = api.NewServer(a.progress, api.Config{Addr: cfg.Server.Addr, APIKey: cfg.Server.APIKey}, logger)
	}
	logger.Info("harvester services initialized",
		zap.String("driver", cfg.Session.Driver),
		zap.String("checkpoint_backend", cfg.Output.Backend),
		zap.Int("notify_sinks", len(sinks)+len(o.sinks)),
		zap.Bool("snapshots", snaps != nil),
		zap.Bool("status_server", a.server != nil),
	)
	return a, nil
}

// Run loads the frontier and harvests it.
func (a *App) Run(ctx context.Context) (orchestrator.Summary, error) {
	urls, err := frontier.LoadFile(a.cfg.Input.URLsFile)
	if err != nil {
		return orchestrator.Summary{Status: orchestrator.StatusFatalStartup}, &harvest.FatalStartupError{Err: err}
	}
	return a.orchestrator.Run(ctx, urls)
}

// Server returns the status server, or nil when it is disabled.
func (a *App) Server() *api.Server {
	return a.server
}

// Progress exposes the live run snapshot.
func (a *App) Progress() *orchestrator.Progress {
	return a.progress
}

// Close releases services in reverse order of creation. The notification
// hub is drained, so the final summary is delivered before exit.
func (a *App) Close(ctx context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if err := errors.Join(errs...); err != nil {
		a.logger.Warn("error closing services", zap.Error(err))
		return err
	}
	return nil
}

func (a *App) checkpointStore(ctx context.Context) (harvest.CheckpointStore, error) {
	switch a.cfg.Output.Backend {
	case "postgres":
		store, err := pgcheckpoint.New(ctx, pgcheckpoint.Config{
			DSN:             a.cfg.Postgres.DSN,
			Table:           a.cfg.Postgres.Table,
			MaxConns:        a.cfg.Postgres.MaxConns,
			MaxConnLifetime: a.cfg.Postgres.MaxConnLifetime,
		}, a.logger)
		if err != nil {
			return nil, fmt.Errorf("open postgres checkpoint: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error {
			store.Close()
			return nil
		})
		return store, nil
	default:
		store, err := checkpoint.NewFileStore(a.cfg.Output.CheckpointFile, a.logger)
		if err != nil {
			return nil, fmt.Errorf("open checkpoint file: %w", err)
		}
		return store, nil
	}
}

func (a *App) notifySinks(ctx context.Context) ([]notify.Sink, error) {
	sinks := []notify.Sink{notify.NewLogSink(a.logger)}
	tg := a.cfg.Notify.Telegram
	if tg.Enabled {
		sink, err := notify.NewTelegramSink(notify.TelegramConfig{
			Token:       tg.Token,
			ChatID:      tg.ChatID,
			BaseURL:     tg.BaseURL,
			Tag:         tg.Tag,
			MinInterval: tg.MinInterval,
		})
		if err != nil {
			return nil, fmt.Errorf("telegram sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	ps := a.cfg.Notify.PubSub
	if ps.Enabled {
		sink, err := notify.NewPubSubSink(ctx, ps.ProjectID, ps.TopicName)
		if err != nil {
			return nil, fmt.Errorf("pubsub sink: %w", err)
		}
		sinks = append(sinks, sink)
	}
	return sinks, nil
}

func (a *App) snapshotSink(ctx context.Context, clock harvest.Clock) (harvest.SnapshotSink, error) {
	if !a.cfg.Debug.Enabled {
		return nil, nil
	}
	var store harvest.BlobStore
	switch a.cfg.Debug.Backend {
	case "gcs":
		bs, err := gcs.Open(ctx, gcs.Config{Bucket: a.cfg.Debug.GCSBucket})
		if err != nil {
			return nil, fmt.Errorf("open snapshot bucket: %w", err)
		}
		a.closers = append(a.closers, func(context.Context) error { return bs.Close() })
		store = bs
	default:
		bs, err := local.New(local.Config{BaseDir: a.cfg.Debug.LocalDir})
		if err != nil {
			return nil, fmt.Errorf("open snapshot dir: %w", err)
		}
		store = bs
	}
	sink, err := snapshot.New(store, clock, a.cfg.Debug.Prefix, a.logger)
	if err != nil {
		return nil, fmt.Errorf("build snapshot sink: %w", err)
	}
	return sink, nil
}

// NewDriver builds the configured browser driver.
func NewDriver(cfg config.Config, logger *zap.Logger) (harvest.SessionDriver, error) {
	sc := SessionConfig(cfg)
	switch cfg.Session.Driver {
	case "playwright":
		d, err := playwrightdriver.New(sc, logger)
		if err != nil {
			return nil, fmt.Errorf("playwright driver: %w", err)
		}
		return d, nil
	default:
		d, err := chromedpdriver.New(sc, logger)
		if err != nil {
			return nil, fmt.Errorf("chromedp driver: %w", err)
		}
		return d, nil
	}
}

// SessionConfig maps configuration onto driver settings.
func SessionConfig(cfg config.Config) session.Config {
	s := cfg.Session
	return session.Config{
		Headless:         s.Headless,
		UserAgent:        s.UserAgent,
		Stealth:          s.Stealth,
		WindowWidth:      s.WindowWidth,
		WindowHeight:     s.WindowHeight,
		NavTimeout:       s.NavTimeout,
		ReadySelector:    s.ReadySelector,
		ReadyTimeout:     s.ReadyTimeout,
		NotFoundSelector: s.NotFoundSelector,
		NotFoundText:     s.NotFoundText,
		IdentitySteps:    s.Identity.Steps,
		StepTimeout:      s.StepTimeout,
	}
}

// RetryPolicy maps configuration onto the backoff policy.
func RetryPolicy(cfg config.Config) retry.Policy {
	p := retry.DefaultPolicy()
	p.MaxAttempts = cfg.Retry.MaxAttempts
	p.TransientBase = cfg.Retry.TransientBase
	p.TransientJitter = cfg.Retry.TransientJitter
	p.MaxSessionRestarts = cfg.Retry.MaxSessionRestarts
	p.CrashRecoveryWait = cfg.Retry.CrashRecoveryWait
	p.ChallengeSchedule = cfg.Challenge.Schedule
	p.MaxChallengeCycles = cfg.Challenge.MaxCycles
	if len(cfg.Session.CrashSignatures) > 0 {
		p.CrashSignatures = cfg.Session.CrashSignatures
	}
	return p
}

// ExtractConfig maps configuration onto the extractor settings.
func ExtractConfig(cfg config.Config) extract.Config {
	return extract.Config{
		Selectors:      cfg.Extract.Selectors,
		DescriptionKey: cfg.Extract.DescriptionKey,
		DefaultStock:   cfg.Extract.DefaultStock,
		DefaultName:    cfg.Extract.DefaultName,
		AbsentPrice:    extract.AbsentPricePolicy(cfg.Extract.AbsentPrice),
	}
}

// DiscoverConfig maps configuration onto a discovery pass that appends to
// the run's input file.
func DiscoverConfig(cfg config.Config) discover.Config {
	d := cfg.Discover
	return discover.Config{
		RootURL:         d.RootURL,
		CatalogSelector: d.CatalogSelector,
		CatalogsFile:    d.CatalogsFile,
		ExcludeFile:     d.ExcludeFile,
		ProductSelector: d.ProductSelector,
		ProductPattern:  d.ProductPattern,
		NextSelector:    d.NextSelector,
		MaxPages:        d.MaxPages,
		UserAgent:       d.UserAgent,
		Delay:           d.Delay,
		Parallelism:     d.Parallelism,
		OutputFile:      cfg.Input.URLsFile,
	}
}
