// Package playwright drives Chromium through playwright-go.
package playwright

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/playwright-community/playwright-go"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/session"
)

// Driver launches playwright sessions. Each session owns its own playwright
// process so a crashed browser never outlives its session.
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
	return &Driver{cfg: cfg, logger: logger.Named("playwright")}, nil
}

func (d *Driver) launchOptions() playwright.BrowserTypeLaunchOptions {
	return playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(d.cfg.Headless),
		Args: []string{
			"--disable-blink-features=AutomationControlled",
			"--disable-dev-shm-usage",
		},
	}
}

func (d *Driver) contextOptions() playwright.BrowserNewContextOptions {
	return playwright.BrowserNewContextOptions{
		UserAgent: playwright.String(d.cfg.UserAgent),
		Viewport: &playwright.Size{
			Width:  d.cfg.WindowWidth,
			Height: d.cfg.WindowHeight,
		},
		AcceptDownloads: playwright.Bool(false),
	}
}

// Launch starts playwright, opens a page and runs the identity steps.
func (d *Driver) Launch(ctx context.Context) (harvest.Session, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("launch: %w", err)
	}
	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("start playwright: %w", err)
	}
	s := &Session{cfg: d.cfg, logger: d.logger, pw: pw}

	s.browser, err = pw.Chromium.Launch(d.launchOptions())
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("launch chromium: %w", err)
	}
	s.bctx, err = s.browser.NewContext(d.contextOptions())
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("new browser context: %w", err)
	}
	s.bctx.SetDefaultTimeout(millis(d.cfg.StepTimeout))
	if d.cfg.Stealth {
		if err := s.bctx.AddInitScript(playwright.Script{Content: playwright.String(session.StealthScript)}); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("install stealth script: %w", err)
		}
	}
	s.page, err = s.bctx.NewPage()
	if err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("new page: %w", err)
	}

	for i, step := range d.cfg.IdentitySteps {
		if err := ctx.Err(); err != nil {
			_ = s.Close()
			return nil, fmt.Errorf("identity setup: %w", err)
		}
		if err := s.runStep(step); err != nil {
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

// Session is one playwright page with its browser and process.
type Session struct {
	cfg    session.Config
	logger *zap.Logger

	pw      *playwright.Playwright
	browser playwright.Browser
	bctx    playwright.BrowserContext
	page    playwright.Page
}

func (s *Session) runStep(step harvest.IdentityStep) error {
	timeout := millis(s.cfg.StepTimeout)
	var err error
	switch step.Action {
	case harvest.StepNavigate:
		_, err = s.page.Goto(step.Target, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   playwright.Float(millis(s.cfg.NavTimeout)),
		})
	case harvest.StepClick:
		err = s.page.Locator(step.Target).First().Click(playwright.LocatorClickOptions{Timeout: playwright.Float(timeout)})
	case harvest.StepClickText:
		err = s.page.GetByText(step.Target, textMatch()).First().Click(playwright.LocatorClickOptions{Timeout: playwright.Float(timeout)})
	case harvest.StepWaitVisible:
		err = s.page.Locator(step.Target).First().WaitFor(playwright.LocatorWaitForOptions{
			State:   playwright.WaitForSelectorStateVisible,
			Timeout: playwright.Float(timeout),
		})
	default:
		err = fmt.Errorf("unknown identity action %q", step.Action)
	}
	if err != nil {
		return err
	}
	if step.Pause > 0 {
		time.Sleep(step.Pause)
	}
	return nil
}

// textMatch selects elements of any kind whose whitespace-normalized text
// equals the target exactly.
func textMatch() playwright.PageGetByTextOptions {
	return playwright.PageGetByTextOptions{Exact: playwright.Bool(true)}
}

func (s *Session) alive() error {
	if s.page == nil || s.browser == nil || !s.browser.IsConnected() || s.page.IsClosed() {
		return harvest.ErrSessionBroken
	}
	return nil
}

// Goto navigates until DOMContentLoaded, then waits for the ready selector
// when configured. A missing ready selector is left to the extractor.
func (s *Session) Goto(ctx context.Context, rawURL string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("navigate %s: %w", rawURL, err)
	}
	if err := s.alive(); err != nil {
		return err
	}
	if _, err := s.page.Goto(rawURL, playwright.PageGotoOptions{
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
		Timeout:   playwright.Float(millis(s.cfg.NavTimeout)),
	}); err != nil {
		return s.wrap(fmt.Errorf("navigate %s: %w", rawURL, err))
	}
	if s.cfg.ReadySelector == "" {
		return nil
	}
	err := s.page.Locator(s.cfg.ReadySelector).First().WaitFor(playwright.LocatorWaitForOptions{
		State:   playwright.WaitForSelectorStateVisible,
		Timeout: playwright.Float(millis(s.cfg.ReadyTimeout)),
	})
	if err != nil {
		if aliveErr := s.alive(); aliveErr != nil {
			return aliveErr
		}
		s.logger.Debug("ready selector not visible", zap.String("url", rawURL), zap.Error(err))
	}
	return nil
}

// Page reads the current document.
func (s *Session) Page(ctx context.Context) (harvest.Page, error) {
	if err := ctx.Err(); err != nil {
		return harvest.Page{}, fmt.Errorf("read page: %w", err)
	}
	if err := s.alive(); err != nil {
		return harvest.Page{}, err
	}
	title, err := s.page.Title()
	if err != nil {
		return harvest.Page{}, s.wrap(fmt.Errorf("read title: %w", err))
	}
	html, err := s.page.Content()
	if err != nil {
		return harvest.Page{}, s.wrap(fmt.Errorf("read content: %w", err))
	}
	raw, err := s.page.Evaluate(session.NotFoundScript(s.cfg.NotFoundSelector, s.cfg.NotFoundText))
	if err != nil {
		return harvest.Page{}, s.wrap(fmt.Errorf("evaluate not-found marker: %w", err))
	}
	notFound, _ := raw.(bool)
	return harvest.Page{URL: s.page.URL(), Title: title, HTML: []byte(html), NotFound: notFound}, nil
}

// Snapshot captures a full-page PNG and the current HTML.
func (s *Session) Snapshot(ctx context.Context) (harvest.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return harvest.Snapshot{}, fmt.Errorf("snapshot: %w", err)
	}
	if err := s.alive(); err != nil {
		return harvest.Snapshot{}, err
	}
	png, err := s.page.Screenshot(playwright.PageScreenshotOptions{FullPage: playwright.Bool(true)})
	if err != nil {
		return harvest.Snapshot{}, s.wrap(fmt.Errorf("screenshot: %w", err))
	}
	html, err := s.page.Content()
	if err != nil {
		return harvest.Snapshot{}, s.wrap(fmt.Errorf("snapshot content: %w", err))
	}
	return harvest.Snapshot{PNG: png, HTML: []byte(html)}, nil
}

// wrap marks err as a broken session when the browser is gone.
func (s *Session) wrap(err error) error {
	if s.alive() != nil {
		return fmt.Errorf("%w: %v", harvest.ErrSessionBroken, err)
	}
	return err
}

// Close releases the page, context, browser and playwright process.
func (s *Session) Close() error {
	if s == nil {
		return nil
	}
	var errs []error
	if s.bctx != nil {
		if err := s.bctx.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close context: %w", err))
		}
		s.bctx = nil
	}
	if s.browser != nil {
		if err := s.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close browser: %w", err))
		}
		s.browser = nil
	}
	if s.pw != nil {
		if err := s.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("stop playwright: %w", err))
		}
		s.pw = nil
	}
	s.page = nil
	return errors.Join(errs...)
}

func millis(d time.Duration) float64 {
	return float64(d.Milliseconds())
}
