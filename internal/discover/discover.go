// Package discover walks the catalog tree with colly and appends product
// links to the harvest input file.
package discover

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/frontier"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
)

const (
	kindKey     = "kind"
	pageKey     = "page"
	kindRoot    = "root"
	kindCatalog = "catalog"
)

// Config controls a discovery pass.
type Config struct {
	RootURL         string
	CatalogSelector string
	// CatalogsFile lists catalog URLs to walk instead of reading them from
	// the root page.
	CatalogsFile    string
	ExcludeFile     string
	ProductSelector string
	ProductPattern  string
	NextSelector    string
	MaxPages        int
	UserAgent       string
	Delay           time.Duration
	Parallelism     int
	OutputFile      string
}

// Result summarizes a pass.
type Result struct {
	Catalogs int
	Pages    int
	Found    int
	Added    int
}

// Discoverer collects product links.
type Discoverer struct {
	cfg     Config
	logger  *zap.Logger
	pattern *regexp.Regexp

	mu       sync.Mutex
	seen     map[string]struct{}
	found    []string
	catalogs int
	pages    int
}

// New validates cfg.
func New(cfg Config, logger *zap.Logger) (*Discoverer, error) {
	if cfg.RootURL == "" && cfg.CatalogsFile == "" {
		return nil, errors.New("discover needs a root url or a catalogs file")
	}
	if cfg.RootURL != "" && cfg.CatalogSelector == "" && cfg.CatalogsFile == "" {
		return nil, errors.New("discover needs a catalog selector")
	}
	if cfg.ProductSelector == "" {
		return nil, errors.New("discover needs a product selector")
	}
	if cfg.OutputFile == "" {
		return nil, errors.New("discover needs an output file")
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = 1
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = 500
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	d := &Discoverer{cfg: cfg, logger: logger.Named("discover"), seen: make(map[string]struct{})}
	if cfg.ProductPattern != "" {
		re, err := regexp.Compile(cfg.ProductPattern)
		if err != nil {
			return nil, fmt.Errorf("compile product pattern: %w", err)
		}
		d.pattern = re
	}
	return d, nil
}

// Run walks the catalogs and appends new product links to the output file.
// Cancelling ctx stops new requests; links found so far are still written.
func (d *Discoverer) Run(ctx context.Context) (Result, error) {
	exclude, err := readSet(d.cfg.ExcludeFile)
	if err != nil {
		return Result{}, err
	}
	var seeds []string
	if d.cfg.CatalogsFile != "" {
		seeds, err = frontier.LoadFile(d.cfg.CatalogsFile)
		if err != nil {
			return Result{}, fmt.Errorf("load catalogs: %w", err)
		}
	}

	collector, err := d.newCollector(ctx, exclude)
	if err != nil {
		return Result{}, err
	}
	if len(seeds) > 0 {
		for _, u := range seeds {
			if _, skip := exclude[u]; skip {
				continue
			}
			d.visit(collector, u, kindCatalog, 1)
		}
	} else {
		d.visit(collector, d.cfg.RootURL, kindRoot, 0)
	}
	collector.Wait()

	d.mu.Lock()
	res := Result{Catalogs: d.catalogs, Pages: d.pages, Found: len(d.found)}
	found := append([]string(nil), d.found...)
	d.mu.Unlock()

	added, err := frontier.AppendFile(d.cfg.OutputFile, found)
	if err != nil {
		return res, fmt.Errorf("append product links: %w", err)
	}
	res.Added = added
	site := d.cfg.RootURL
	if site == "" && len(seeds) > 0 {
		site = seeds[0]
	}
	metrics.RecordDiscoveredLinks(site, added)
	d.logger.Info("discovery finished",
		zap.Int("catalogs", res.Catalogs),
		zap.Int("pages", res.Pages),
		zap.Int("found", res.Found),
		zap.Int("added", res.Added),
	)
	return res, ctx.Err()
}

func (d *Discoverer) newCollector(ctx context.Context, exclude map[string]struct{}) (*colly.Collector, error) {
	opts := []colly.CollectorOption{colly.Async(true)}
	if d.cfg.UserAgent != "" {
		opts = append(opts, colly.UserAgent(d.cfg.UserAgent))
	}
	if host := hostOf(d.cfg.RootURL); host != "" {
		opts = append(opts, colly.AllowedDomains(host))
	}
	collector := colly.NewCollector(opts...)
	if err := collector.Limit(&colly.LimitRule{
		DomainGlob:  "*",
		Parallelism: d.cfg.Parallelism,
		Delay:       d.cfg.Delay,
	}); err != nil {
		return nil, fmt.Errorf("set collector limits: %w", err)
	}

	collector.OnRequest(func(r *colly.Request) {
		if ctx.Err() != nil {
			r.Abort()
		}
	})
	collector.OnResponse(func(r *colly.Response) {
		if r.Ctx.Get(kindKey) != kindCatalog {
			return
		}
		d.mu.Lock()
		d.pages++
		if r.Ctx.GetAny(pageKey) == 1 {
			d.catalogs++
		}
		d.mu.Unlock()
	})
	collector.OnHTML(selectorOr(d.cfg.CatalogSelector), func(e *colly.HTMLElement) {
		if e.Request.Ctx.Get(kindKey) != kindRoot {
			return
		}
		link := cleanLink(e.Request.AbsoluteURL(e.Attr("href")))
		if link == "" {
			return
		}
		if _, skip := exclude[link]; skip {
			d.logger.Debug("catalog excluded", zap.String("url", link))
			return
		}
		d.visit(collector, link, kindCatalog, 1)
	})
	collector.OnHTML(d.cfg.ProductSelector, func(e *colly.HTMLElement) {
		if e.Request.Ctx.Get(kindKey) != kindCatalog {
			return
		}
		d.addProduct(cleanLink(e.Request.AbsoluteURL(e.Attr("href"))))
	})
	if d.cfg.NextSelector != "" {
		collector.OnHTML(d.cfg.NextSelector, func(e *colly.HTMLElement) {
			if e.Request.Ctx.Get(kindKey) != kindCatalog {
				return
			}
			page, _ := e.Request.Ctx.GetAny(pageKey).(int)
			if page >= d.cfg.MaxPages {
				d.logger.Warn("page limit reached", zap.String("url", e.Request.URL.String()), zap.Int("max_pages", d.cfg.MaxPages))
				return
			}
			if next := e.Request.AbsoluteURL(e.Attr("href")); next != "" {
				d.visit(collector, next, kindCatalog, page+1)
			}
		})
	}
	collector.OnError(func(r *colly.Response, err error) {
		d.logger.Warn("discovery request failed",
			zap.String("url", r.Request.URL.String()),
			zap.Int("status_code", r.StatusCode),
			zap.Error(err),
		)
	})
	return collector, nil
}

func (d *Discoverer) visit(collector *colly.Collector, rawURL, kind string, page int) {
	cctx := colly.NewContext()
	cctx.Put(kindKey, kind)
	cctx.Put(pageKey, page)
	err := collector.Request("GET", rawURL, nil, cctx, nil)
	var visited *colly.AlreadyVisitedError
	if err != nil && !errors.As(err, &visited) {
		d.logger.Warn("visit failed", zap.String("url", rawURL), zap.Error(err))
	}
}

func (d *Discoverer) addProduct(link string) {
	if link == "" {
		return
	}
	if d.pattern != nil && !d.pattern.MatchString(link) {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, dup := d.seen[link]; dup {
		return
	}
	d.seen[link] = struct{}{}
	d.found = append(d.found, link)
}

// cleanLink drops the query and fragment so one product maps to one line.
func cleanLink(raw string) string {
	u, err := url.Parse(strings.TrimSpace(raw))
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return ""
	}
	u.RawQuery = ""
	u.Fragment = ""
	return u.String()
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Hostname()
}

func selectorOr(sel string) string {
	if sel == "" {
		return "a[href]"
	}
	return sel
}

// readSet loads a URL list. A missing file is an empty set.
func readSet(path string) (map[string]struct{}, error) {
	set := make(map[string]struct{})
	if path == "" {
		return set, nil
	}
	f, err := os.Open(path) // #nosec G304 -- operator-supplied path.
	if errors.Is(err, fs.ErrNotExist) {
		return set, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open exclude file: %w", err)
	}
	defer f.Close() //nolint:errcheck // read-only handle
	urls, err := frontier.Load(f)
	if err != nil {
		return nil, fmt.Errorf("read exclude file: %w", err)
	}
	for _, u := range urls {
		set[u] = struct{}{}
	}
	return set, nil
}
