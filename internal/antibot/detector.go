// Package antibot recognises anti-bot interstitials and "not found" pages.
package antibot

import (
	"bytes"
	"strings"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// DefaultTitles are page titles served by the protection layer while it
// runs its browser check.
var DefaultTitles = []string{"DDoS-Guard"}

// Detector implements harvest.Classifier with title rules and optional body
// markers.
type Detector struct {
	titles      []string
	bodyMarkers [][]byte
}

// NewDetector creates a detector matching any of titles case-insensitively,
// either exactly or as a substring. Empty input falls back to DefaultTitles.
func NewDetector(titles []string, bodyMarkers ...string) *Detector {
	d := &Detector{}
	for _, t := range titles {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			d.titles = append(d.titles, t)
		}
	}
	if len(d.titles) == 0 {
		for _, t := range DefaultTitles {
			d.titles = append(d.titles, strings.ToLower(t))
		}
	}
	for _, m := range bodyMarkers {
		if m = strings.ToLower(strings.TrimSpace(m)); m != "" {
			d.bodyMarkers = append(d.bodyMarkers, []byte(m))
		}
	}
	return d
}

// Classify returns VerdictChallenge when the title matches a challenge rule,
// VerdictNotFound when the page carries the not-found marker, and
// VerdictNormal otherwise. A challenge wins over not-found.
func (d *Detector) Classify(title string, notFoundMarker bool) harvest.Verdict {
	if d.isChallengeTitle(title) {
		return harvest.VerdictChallenge
	}
	if notFoundMarker {
		return harvest.VerdictNotFound
	}
	return harvest.VerdictNormal
}

// ClassifyPage also inspects the document body for challenge markers.
func (d *Detector) ClassifyPage(p harvest.Page) harvest.Verdict {
	if d.hasBodyMarker(p.HTML) {
		return harvest.VerdictChallenge
	}
	return d.Classify(p.Title, p.NotFound)
}

func (d *Detector) isChallengeTitle(title string) bool {
	lower := strings.ToLower(strings.TrimSpace(title))
	if lower == "" {
		return false
	}
	for _, t := range d.titles {
		if lower == t || strings.Contains(lower, t) {
			return true
		}
	}
	return false
}

func (d *Detector) hasBodyMarker(body []byte) bool {
	if len(body) == 0 || len(d.bodyMarkers) == 0 {
		return false
	}
	lower := bytes.ToLower(body)
	for _, m := range d.bodyMarkers {
		if bytes.Contains(lower, m) {
			return true
		}
	}
	return false
}
