// Package frontier loads the list of product URLs to harvest and filters it
// against the checkpoint so already-collected items are skipped.
package frontier

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

// Entry is one unresolved frontier item. ID is empty when the URL carries no
// derivable item id.
type Entry struct {
	URL string
	ID  harvest.ItemID
}

// Load reads newline-delimited URLs, keeps only lines with an http(s) scheme,
// and drops exact duplicates while preserving first-seen order.
func Load(r io.Reader) ([]string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	seen := make(map[string]struct{})
	urls := []string{}
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !isURL(line) {
			continue
		}
		if _, dup := seen[line]; dup {
			continue
		}
		seen[line] = struct{}{}
		urls = append(urls, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("scan urls: %w", err)
	}
	return urls, nil
}

// LoadFile reads URLs from path. A missing file is created empty.
func LoadFile(path string) ([]string, error) {
	f, err := os.Open(path) // #nosec G304 -- operator-supplied input path.
	if errors.Is(err, fs.ErrNotExist) {
		if mkErr := os.MkdirAll(filepath.Dir(path), 0o750); mkErr != nil {
			return nil, fmt.Errorf("create input dir: %w", mkErr)
		}
		if wErr := os.WriteFile(path, nil, 0o600); wErr != nil {
			return nil, fmt.Errorf("create empty input %s: %w", path, wErr)
		}
		return []string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open input %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck // read-only handle
	return Load(f)
}

// AppendFile appends the URLs not already present in path and returns how
// many were written.
func AppendFile(path string, urls []string) (int, error) {
	existing, err := LoadFile(path)
	if err != nil {
		return 0, err
	}
	seen := make(map[string]struct{}, len(existing))
	for _, u := range existing {
		seen[u] = struct{}{}
	}
	var b strings.Builder
	added := 0
	for _, u := range urls {
		u = strings.TrimSpace(u)
		if !isURL(u) {
			continue
		}
		if _, dup := seen[u]; dup {
			continue
		}
		seen[u] = struct{}{}
		b.WriteString(u)
		b.WriteByte('\n')
		added++
	}
	if added == 0 {
		return 0, nil
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_RDWR|os.O_CREATE, 0o600) // #nosec G304 -- operator-supplied input path.
	if err != nil {
		return 0, fmt.Errorf("open input for append: %w", err)
	}
	if err := ensureTrailingNewline(f); err != nil {
		_ = f.Close()
		return 0, err
	}
	if _, err := f.WriteString(b.String()); err != nil {
		_ = f.Close()
		return 0, fmt.Errorf("append urls: %w", err)
	}
	if err := f.Close(); err != nil {
		return 0, fmt.Errorf("close input: %w", err)
	}
	return added, nil
}

// Remaining returns the frontier entries whose item id is not in cp, keeping
// frontier order. When several URLs map to one id only the first is kept.
// URLs whose id cannot be derived are kept with an empty ID.
func Remaining(urls []string, cp harvest.Checkpoint, deriver harvest.IDDeriver) []Entry {
	out := make([]Entry, 0, len(urls))
	seen := make(map[harvest.ItemID]struct{}, len(urls))
	for _, u := range urls {
		id, ok := deriver.Derive(u)
		if !ok {
			out = append(out, Entry{URL: u})
			continue
		}
		if _, done := cp[id]; done {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		out = append(out, Entry{URL: u, ID: id})
	}
	return out
}

func isURL(line string) bool {
	return strings.HasPrefix(line, "http://") || strings.HasPrefix(line, "https://")
}

func ensureTrailingNewline(f *os.File) error {
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat input: %w", err)
	}
	if info.Size() == 0 {
		return nil
	}
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, info.Size()-1); err != nil {
		return fmt.Errorf("read input tail: %w", err)
	}
	if buf[0] == '\n' {
		return nil
	}
	if _, err := f.WriteString("\n"); err != nil {
		return fmt.Errorf("terminate last line: %w", err)
	}
	return nil
}
