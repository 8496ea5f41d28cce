// Package session holds the settings and page scripts shared by the browser
// drivers.
package session

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// DefaultUserAgent is sent when no user agent is configured.
const DefaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/118.0.0.0 Safari/537.36"

// StealthScript runs before any page script and hides the automation flag.
const StealthScript = `Object.defineProperty(navigator, 'webdriver', {get: () => undefined});
window.chrome = window.chrome || {runtime: {}};
Object.defineProperty(navigator, 'languages', {get: () => ['ru-RU', 'ru', 'en-US', 'en']});`

// Config describes how a browser session is launched and how pages are read.
type Config struct {
	Headless     bool
	UserAgent    string
	Stealth      bool
	WindowWidth  int
	WindowHeight int

	NavTimeout    time.Duration
	ReadySelector string
	ReadyTimeout  time.Duration

	// NotFoundSelector and NotFoundText identify the "item not found"
	// heading. The marker is set when a visible element matching the
	// selector has exactly this text.
	NotFoundSelector string
	NotFoundText     string

	IdentitySteps []harvest.IdentityStep
	StepTimeout   time.Duration
}

// Validate fills defaults and rejects unusable values.
func (c *Config) Validate() error {
	if c.UserAgent == "" {
		c.UserAgent = DefaultUserAgent
	}
	if c.WindowWidth <= 0 {
		c.WindowWidth = 1366
	}
	if c.WindowHeight <= 0 {
		c.WindowHeight = 900
	}
	if c.NavTimeout <= 0 {
		return fmt.Errorf("session nav timeout must be > 0")
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = c.NavTimeout
	}
	if c.StepTimeout <= 0 {
		c.StepTimeout = 15 * time.Second
	}
	if c.NotFoundSelector == "" {
		c.NotFoundSelector = "h1"
	}
	for i, step := range c.IdentitySteps {
		switch step.Action {
		case harvest.StepNavigate, harvest.StepClick, harvest.StepClickText, harvest.StepWaitVisible:
		default:
			return fmt.Errorf("identity step %d: unknown action %q", i, step.Action)
		}
		if strings.TrimSpace(step.Target) == "" {
			return fmt.Errorf("identity step %d: target is required", i)
		}
		if step.Pause < 0 {
			return fmt.Errorf("identity step %d: pause must be >= 0", i)
		}
	}
	return nil
}

// NotFoundScript returns a JS expression that evaluates to true when the
// not-found heading is visible. It is false when no text is configured.
func NotFoundScript(selector, text string) string {
	if text == "" {
		return "false"
	}
	sel, _ := json.Marshal(selector)
	want, _ := json.Marshal(text)
	return fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).some(function (el) {
  return el.textContent.trim() === %s && !!(el.offsetWidth || el.offsetHeight || el.getClientRects().length);
})`, sel, want)
}

// TextXPath matches the innermost element of any kind whose normalized text
// equals text. Ancestors that only wrap the match are skipped.
func TextXPath(text string) string {
	lit := XPathLiteral(text)
	return fmt.Sprintf(`//*[normalize-space(.)=%[1]s][not(*[normalize-space(.)=%[1]s])]`, lit)
}

// XPathLiteral quotes s for use inside an XPath expression. XPath 1.0 has no
// escapes, so strings holding both quote kinds are built with concat().
func XPathLiteral(s string) string {
	if !strings.Contains(s, "'") {
		return "'" + s + "'"
	}
	if !strings.Contains(s, `"`) {
		return `"` + s + `"`
	}
	parts := strings.Split(s, "'")
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `"'"`)
		}
		if p != "" {
			quoted = append(quoted, "'"+p+"'")
		}
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
