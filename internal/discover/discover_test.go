package discover

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func newCatalogServer(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, `<html><body><nav class="catalog">
<a href="/catalog/milk">Milk</a>
<a href="/catalog/alcohol">Alcohol</a>
</nav><a href="/about">About</a></body></html>`)
	})
	mux.HandleFunc("/catalog/milk", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page") == "2" {
			fmt.Fprint(w, `<div class="card"><a class="title" href="/catalog/milk/kefir-303">Kefir</a></div>
<div class="card"><a class="title" href="/catalog/milk/moloko-101?utm=x">Milk again</a></div>`)
			return
		}
		fmt.Fprint(w, `<div class="card"><a class="title" href="/catalog/milk/moloko-101">Milk</a></div>
<div class="card"><a class="title" href="/catalog/milk/smetana-202">Sour cream</a></div>
<div class="card"><a class="title" href="/promo">Promo</a></div>
<a class="next" href="/catalog/milk?page=2">Next</a>`)
	})
	mux.HandleFunc("/catalog/alcohol", func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `<div class="card"><a class="title" href="/catalog/alcohol/wine-999">Wine</a></div>`)
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestRunWalksCatalogsAndAppendsProducts(t *testing.T) {
	t.Parallel()

	srv := newCatalogServer(t)
	dir := t.TempDir()
	exclude := filepath.Join(dir, "bad_catalogs.txt")
	require.NoError(t, os.WriteFile(exclude, []byte(srv.URL+"/catalog/alcohol\n"), 0o600))
	out := filepath.Join(dir, "links.txt")
	require.NoError(t, os.WriteFile(out, []byte(srv.URL+"/catalog/milk/moloko-101\n"), 0o600))

	d, err := New(Config{
		RootURL:         srv.URL + "/",
		CatalogSelector: "nav.catalog a[href]",
		ExcludeFile:     exclude,
		ProductSelector: ".card a.title[href]",
		ProductPattern:  `-\d+$`,
		NextSelector:    "a.next[href]",
		OutputFile:      out,
	}, zap.NewNop())
	require.NoError(t, err)

	res, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Catalogs)
	require.Equal(t, 2, res.Pages)
	require.Equal(t, 3, res.Found)
	require.Equal(t, 2, res.Added)

	data, err := os.ReadFile(out)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.ElementsMatch(t, []string{
		srv.URL + "/catalog/milk/moloko-101",
		srv.URL + "/catalog/milk/smetana-202",
		srv.URL + "/catalog/milk/kefir-303",
	}, lines)
	require.Equal(t, srv.URL+"/catalog/milk/moloko-101", lines[0])
}

func TestRunFromCatalogsFileHonorsPageLimit(t *testing.T) {
	t.Parallel()

	srv := newCatalogServer(t)
	dir := t.TempDir()
	catalogs := filepath.Join(dir, "catalogs.txt")
	require.NoError(t, os.WriteFile(catalogs, []byte(srv.URL+"/catalog/milk\n"), 0o600))
	out := filepath.Join(dir, "links.txt")

	d, err := New(Config{
		CatalogsFile:    catalogs,
		ProductSelector: ".card a.title[href]",
		NextSelector:    "a.next[href]",
		MaxPages:        1,
		OutputFile:      out,
	}, nil)
	require.NoError(t, err)

	res, err := d.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, res.Pages)
	require.Equal(t, 3, res.Added)
}

func TestRunCancelledWritesNothingNew(t *testing.T) {
	t.Parallel()

	srv := newCatalogServer(t)
	out := filepath.Join(t.TempDir(), "links.txt")
	d, err := New(Config{
		RootURL:         srv.URL + "/",
		CatalogSelector: "nav.catalog a[href]",
		ProductSelector: ".card a.title[href]",
		OutputFile:      out,
	}, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	res, err := d.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Zero(t, res.Added)
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, nil)
	require.Error(t, err)
	_, err = New(Config{RootURL: "https://shop.example"}, nil)
	require.Error(t, err)
	_, err = New(Config{RootURL: "https://shop.example", CatalogSelector: "a", ProductSelector: "a"}, nil)
	require.Error(t, err)
	_, err = New(Config{RootURL: "https://shop.example", CatalogSelector: "a", ProductSelector: "a", OutputFile: "x", ProductPattern: "("}, nil)
	require.Error(t, err)
}

func TestCleanLink(t *testing.T) {
	t.Parallel()

	require.Equal(t, "https://shop.example/a-1", cleanLink("https://shop.example/a-1?x=1#top"))
	require.Empty(t, cleanLink("javascript:void(0)"))
	require.Empty(t, cleanLink("mailto:a@b.c"))
}
