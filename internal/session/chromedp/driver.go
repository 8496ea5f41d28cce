// Package chromedp drives headless Chrome through the DevTools protocol.
package chromedp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/session"
)

// Driver launches Chrome sessions.
type Driver struct {
	cfg    session.Config
	logger *zap.Logger
}

// New validates cfg and returns a driver.
func New(cfg session.Config, logger *zap.Logger) (*Driver, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{cfg: cfg, logger: logger.Named("chromedp")}, nil
}

func (d *Driver) allocatorOptions() []chromedp.ExecAllocatorOption {
	opts := chromedp.DefaultExecAllocatorOptions[:]
	opts = append(opts,
		chromedp.Flag("headless", d.cfg.Headless),
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.WindowSize(d.cfg.WindowWidth, d.cfg.WindowHeight),
		chromedp.UserAgent(d.cfg.UserAgent),
	)
	return opts
}

// Launch starts a browser, installs the stealth script and runs the identity
// steps. The browser outlives ctx; it is torn down by Session.Close.
func (d *Driver) Launch(ctx context.Context) (harvest.Session, error) {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(), d.allocatorOptions()...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	s := &Session{
		cfg:           d.cfg,
		logger:        d.logger,
		browserCtx:    browserCtx,
		browserCancel: browserCancel,
		allocCancel:   allocCancel,
	}

	warmCtx, cancel := context.WithTimeout(browserCtx, d.cfg.NavTimeout)
	stop := forwardCancel(ctx, cancel)
	err := chromedp.Run(warmCtx, s.setupTasks())
	stop()
	cancel()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("chromedp warmup: %w", err)
	}

	for i, step := range d.cfg.IdentitySteps {
		if err := s.runStep(ctx, step); err != nil {
			if step.Optional {
				d.logger.Info("optional identity step skipped",
					zap.Int("step", i), zap.String("action", step.Action), zap.Error(err))
				continue
			}
			_ = s.Close()
			return nil, fmt.Errorf("identity step %d (%s %q): %w", i, step.Action, step.Target, err)
		}
	}
	d.logger.Info("browser session ready", zap.Int("identity_steps", len(d.cfg.IdentitySteps)))
	return s, nil
}

// Session is one Chrome tab.
type Session struct {
	cfg    session.Config
	logger *zap.Logger

	browserCtx    context.Context
	browserCancel context.CancelFunc
	allocCancel   context.CancelFunc
}

func (s *Session) setupTasks() chromedp.Tasks {
	tasks := chromedp.Tasks{
		emulation.SetUserAgentOverride(s.cfg.UserAgent),
	}
	if s.cfg.Stealth {
		tasks = append(tasks, chromedp.ActionFunc(func(ctx context.Context) error {
			_, err := page.AddScriptToEvaluateOnNewDocument(session.StealthScript).Do(ctx)
			return err
		}))
	}
	return tasks
}

func (s *Session) runStep(ctx context.Context, step harvest.IdentityStep) error {
	var action chromedp.Action
	timeout := s.cfg.StepTimeout
	switch step.Action {
	case harvest.StepNavigate:
		action = chromedp.Tasks{
			chromedp.Navigate(step.Target),
			chromedp.WaitReady("body", chromedp.ByQuery),
		}
		timeout = s.cfg.NavTimeout
	case harvest.StepClick:
		action = chromedp.Click(step.Target, chromedp.ByQuery, chromedp.NodeVisible)
	case harvest.StepClickText:
		action = chromedp.Click(session.TextXPath(step.Target), chromedp.BySearch, chromedp.NodeVisible)
	case harvest.StepWaitVisible:
		action = chromedp.WaitVisible(step.Target, chromedp.ByQuery)
	default:
		return fmt.Errorf("unknown identity action %q", step.Action)
	}
	if err := s.run(ctx, timeout, action); err != nil {
		return err
	}
	if step.Pause > 0 {
		time.Sleep(step.Pause)
	}
	return nil
}

// run executes actions against the tab with a deadline. Errors from a dead
// browser are reported as harvest.ErrSessionBroken.
func (s *Session) run(ctx context.Context, timeout time.Duration, actions ...chromedp.Action) error {
	if s.browserCtx.Err() != nil {
		return harvest.ErrSessionBroken
	}
	taskCtx, cancel := context.WithTimeout(s.browserCtx, timeout)
	defer cancel()
	stop := forwardCancel(ctx, cancel)
	defer stop()

	err := chromedp.Run(taskCtx, actions...)
	if err == nil {
		return nil
	}
	if s.browserCtx.Err() != nil || errors.Is(err, chromedp.ErrInvalidContext) {
		return fmt.Errorf("%w: %v", harvest.ErrSessionBroken, err)
	}
	return err
}

// Goto navigates and waits for the body and, when configured, the ready
// selector. A missing ready selector is not an error: the extractor decides
// what an incomplete page means.
func (s *Session) Goto(ctx context.Context, rawURL string) error {
	if err := s.run(ctx, s.cfg.NavTimeout,
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	if s.cfg.ReadySelector == "" {
		return nil
	}
	if err := s.run(ctx, s.cfg.ReadyTimeout, chromedp.WaitVisible(s.cfg.ReadySelector, chromedp.ByQuery)); err != nil {
		if errors.Is(err, harvest.ErrSessionBroken) {
			return err
		}
		s.logger.Debug("ready selector not visible", zap.String("url", rawURL), zap.Error(err))
	}
	return nil
}

// Page reads the current document.
func (s *Session) Page(ctx context.Context) (harvest.Page, error) {
	var (
		title    string
		html     string
		location string
		notFound bool
	)
	err := s.run(ctx, s.cfg.ReadyTimeout,
		chromedp.Title(&title),
		chromedp.Location(&location),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
		chromedp.Evaluate(session.NotFoundScript(s.cfg.NotFoundSelector, s.cfg.NotFoundText), &notFound),
	)
	if err != nil {
		return harvest.Page{}, fmt.Errorf("read page: %w", err)
	}
	return harvest.Page{URL: location, Title: title, HTML: []byte(html), NotFound: notFound}, nil
}

// Snapshot captures a full-page PNG and the current HTML.
func (s *Session) Snapshot(ctx context.Context) (harvest.Snapshot, error) {
	var (
		png  []byte
		html string
	)
	err := s.run(ctx, s.cfg.ReadyTimeout,
		chromedp.FullScreenshot(&png, 90),
		chromedp.OuterHTML("html", &html, chromedp.ByQuery),
	)
	if err != nil {
		return harvest.Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	return harvest.Snapshot{PNG: png, HTML: []byte(html)}, nil
}

// Close tears down the tab, browser and allocator.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	s.browserCancel()
	s.allocCancel()
	return nil
}

// forwardCancel cancels the task when parent is done. The returned func
// stops the watcher.
func forwardCancel(parent context.Context, cancel context.CancelFunc) func() {
	if parent == nil {
		return func() {}
	}
	done := make(chan struct{})
	go func() {
		select {
		case <-parent.Done():
			cancel()
		case <-done:
		}
	}()
	return func() { close(done) }
}
