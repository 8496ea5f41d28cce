package frontier

import (
	"fmt"
	"net/url"
	"regexp"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// DefaultIDPattern captures the trailing article number of a product URL,
// e.g. /catalog/milk/moloko-3-2-123456 -> 123456.
const DefaultIDPattern = `-(\d+)/?$`

const hashIDLength = 16

// Deriver turns source URLs into item ids.
type Deriver struct {
	pattern      *regexp.Regexp
	hasher       harvest.Hasher
	hashFallback bool
}

// NewDeriver compiles pattern (which must have one capture group). When
// hashFallback is set, URLs that do not match get a truncated content hash
// of the URL instead of being rejected.
func NewDeriver(pattern string, hasher harvest.Hasher, hashFallback bool) (*Deriver, error) {
	if pattern == "" {
		pattern = DefaultIDPattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("compile id pattern: %w", err)
	}
	if re.NumSubexp() < 1 {
		return nil, fmt.Errorf("id pattern %q needs a capture group", pattern)
	}
	if hashFallback && hasher == nil {
		return nil, fmt.Errorf("hash fallback requires a hasher")
	}
	return &Deriver{pattern: re, hasher: hasher, hashFallback: hashFallback}, nil
}

// Derive returns the item id for rawURL. Query strings and fragments are
// ignored so tracking parameters do not split one product into two ids.
func (d *Deriver) Derive(rawURL string) (harvest.ItemID, bool) {
	path := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		path = u.Path
	}
	if m := d.pattern.FindStringSubmatch(path); len(m) > 1 && m[1] != "" {
		return harvest.ItemID(m[1]), true
	}
	if !d.hashFallback {
		return "", false
	}
	sum, err := d.hasher.Hash([]byte(rawURL))
	if err != nil || len(sum) < hashIDLength {
		return "", false
	}
	return harvest.ItemID(sum[:hashIDLength]), true
}
