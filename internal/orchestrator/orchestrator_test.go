package orchestrator

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/antibot"
	"github.com/JakeFAU/catalog-harvester/internal/checkpoint"
	"github.com/JakeFAU/catalog-harvester/internal/frontier"
	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/retry"
)

const (
	urlA = "https://shop.example/catalog/milk-101"
	urlB = "https://shop.example/catalog/bread-202"
	urlC = "https://shop.example/catalog/eggs-303"
)

// siteSession serves canned pages keyed by URL.
type siteSession struct {
	site    *fakeSite
	current string
}

func (s *siteSession) Goto(_ context.Context, url string) error {
	s.site.mu.Lock()
	defer s.site.mu.Unlock()
	s.current = url
	s.site.visits[url]++
	return nil
}

func (s *siteSession) Page(context.Context) (harvest.Page, error) {
	return harvest.Page{URL: s.current, Title: "Shop", HTML: []byte(s.current)}, nil
}

func (s *siteSession) Snapshot(context.Context) (harvest.Snapshot, error) {
	return harvest.Snapshot{}, nil
}

func (s *siteSession) Close() error { return nil }

type fakeSite struct {
	mu        sync.Mutex
	visits    map[string]int
	launches  int
	launchErr error
}

func newFakeSite() *fakeSite {
	return &fakeSite{visits: make(map[string]int)}
}

func (f *fakeSite) Launch(context.Context) (harvest.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.launches++
	if f.launchErr != nil {
		return nil, f.launchErr
	}
	return &siteSession{site: f}, nil
}

// tableExtractor returns a record or an error per source URL.
type tableExtractor map[string]error

func (t tableExtractor) Extract(_ harvest.Page, sourceURL string) (harvest.Record, error) {
	if err, ok := t[sourceURL]; ok && err != nil {
		return harvest.Record{}, err
	}
	return recordFor(sourceURL), nil
}

func recordFor(url string) harvest.Record {
	price := 10.0
	rec := harvest.Record{
		Name:      "Item " + url,
		Price:     &price,
		Stock:     "В наличии",
		Images:    []string{url + ".jpg"},
		SourceURL: url,
	}
	rec.Attributes.Set("Brand", "Acme")
	return rec
}

type memFailures struct {
	mu      sync.Mutex
	entries []harvest.FailureEntry
}

func (m *memFailures) Append(_ context.Context, e harvest.FailureEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}

type memNotifier struct {
	mu       sync.Mutex
	messages []harvest.Message
}

func (n *memNotifier) Notify(msg harvest.Message) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.messages = append(n.messages, msg)
}

func (n *memNotifier) kinds() []harvest.MessageKind {
	n.mu.Lock()
	defer n.mu.Unlock()
	out := make([]harvest.MessageKind, 0, len(n.messages))
	for _, m := range n.messages {
		out = append(out, m.Kind)
	}
	return out
}

type countingSleeper struct {
	calls  int
	onCall func(n int)
}

func (s *countingSleeper) Sleep(time.Duration) {
	s.calls++
	if s.onCall != nil {
		s.onCall(s.calls)
	}
}

type fixedClock struct{}

func (fixedClock) Now() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

type fixedIDs struct{}

func (fixedIDs) NewID() (string, error) { return "run-test", nil }

type failingStore struct {
	harvest.CheckpointStore
}

func (failingStore) Save(context.Context, harvest.Checkpoint) error {
	return &harvest.PersistenceError{Op: "save", Err: errors.New("disk full")}
}

type harness struct {
	site      *fakeSite
	store     harvest.CheckpointStore
	failures  *memFailures
	notifier  *memNotifier
	sleeper   *countingSleeper
	progress  *Progress
	extractor tableExtractor
	cfg       Config
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := checkpoint.NewFileStore(filepath.Join(t.TempDir(), "data.json"), nil)
	require.NoError(t, err)
	return &harness{
		site:      newFakeSite(),
		store:     store,
		failures:  &memFailures{},
		notifier:  &memNotifier{},
		sleeper:   &countingSleeper{},
		progress:  NewProgress(),
		extractor: tableExtractor{},
	}
}

func (h *harness) orchestrator(t *testing.T) *Orchestrator {
	t.Helper()
	policy := retry.DefaultPolicy()
	policy.TransientJitter = 0
	ctrl, err := retry.NewController(policy, retry.Deps{
		Classifier: antibot.NewDetector(nil),
		Extractor:  h.extractor,
		Notifier:   h.notifier,
		Gate:       gateFunc(func(context.Context, string) error { return nil }),
		Sleeper:    h.sleeper,
		Clock:      fixedClock{},
	})
	require.NoError(t, err)

	deriver, err := frontier.NewDeriver(frontier.DefaultIDPattern, nil, false)
	require.NoError(t, err)

	o, err := New(h.cfg, Deps{
		Driver:     h.site,
		Store:      h.store,
		Failures:   h.failures,
		Deriver:    deriver,
		Controller: ctrl,
		Notifier:   h.notifier,
		Sleeper:    h.sleeper,
		Clock:      fixedClock{},
		IDs:        fixedIDs{},
		Progress:   h.progress,
	})
	require.NoError(t, err)
	return o
}

type gateFunc func(ctx context.Context, reason string) error

func (g gateFunc) Await(ctx context.Context, reason string) error { return g(ctx, reason) }

func TestRunSoftFailInTheMiddle(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.extractor[urlB] = harvest.ErrAbsent

	summary, err := h.orchestrator(t).Run(context.Background(), []string{urlA, urlB, urlC})
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, summary.Status)
	require.Equal(t, 0, summary.Status.ExitCode())
	require.Equal(t, 2, summary.New)
	require.Equal(t, 1, summary.SoftFailed)
	require.Equal(t, 2, summary.Total)

	cp, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, harvest.Checkpoint{"101": recordFor(urlA), "303": recordFor(urlC)}, cp)

	require.Len(t, h.failures.entries, 1)
	require.Equal(t, urlB, h.failures.entries[0].URL)
	require.Equal(t, harvest.ReasonAbsentPrice, h.failures.entries[0].Reason)

	kinds := h.notifier.kinds()
	require.Equal(t, harvest.MessageRunStart, kinds[0])
	require.Equal(t, harvest.MessageRunSummary, kinds[len(kinds)-1])

	snap := h.progress.Snapshot()
	require.Equal(t, "completed", snap.Status)
	require.Equal(t, 3, snap.Processed)
	require.Zero(t, snap.Remaining)
}

func TestRunSoftFailCanBePartial(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.cfg.SoftFailIsPartial = true
	h.extractor[urlB] = harvest.ErrAbsent

	summary, err := h.orchestrator(t).Run(context.Background(), []string{urlA, urlB, urlC})
	require.NoError(t, err)
	require.Equal(t, StatusPartial, summary.Status)
	require.Equal(t, 2, summary.Status.ExitCode())
}

func TestRunIsIdempotent(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	urls := []string{urlA, urlB, urlC}

	_, err := h.orchestrator(t).Run(context.Background(), urls)
	require.NoError(t, err)
	first, err := h.store.Load(context.Background())
	require.NoError(t, err)

	second, err := h.orchestrator(t).Run(context.Background(), urls)
	require.NoError(t, err)
	require.Equal(t, 0, second.New)
	require.Equal(t, 3, second.AlreadyKnown)
	require.Equal(t, 1, h.site.launches, "nothing left to fetch on the second run")

	after, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, first, after)
}

func TestRunResumesAfterInterruption(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	require.NoError(t, h.store.Save(context.Background(), harvest.Checkpoint{"101": recordFor(urlA)}))

	summary, err := h.orchestrator(t).Run(context.Background(), []string{urlA, urlB, urlC})
	require.NoError(t, err)
	require.Equal(t, 2, summary.New)
	require.Equal(t, 1, summary.AlreadyKnown)
	require.Equal(t, 3, summary.Total)
	require.Zero(t, h.site.visits[urlA])
	require.Equal(t, 1, h.site.visits[urlB])
}

func TestRunVisitsSharedItemIDOnce(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	tracked := urlA + "?utm_source=x"

	summary, err := h.orchestrator(t).Run(context.Background(), []string{urlA, tracked})
	require.NoError(t, err)
	require.Equal(t, 1, summary.New)
	require.Equal(t, 1, summary.Total)
	require.Equal(t, 1, h.site.visits[urlA])
	require.Zero(t, h.site.visits[tracked])

	cp, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, harvest.Checkpoint{"101": recordFor(urlA)}, cp)
}

func TestRunStopsBetweenItemsOnCancel(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.sleeper.onCall = func(int) { cancel() }

	summary, err := h.orchestrator(t).Run(ctx, []string{urlA, urlB, urlC})
	require.NoError(t, err)
	require.Equal(t, StatusAborted, summary.Status)
	require.Equal(t, 130, summary.Status.ExitCode())
	require.Equal(t, 1, summary.New)

	cp, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.Contains(t, cp, harvest.ItemID("101"))
	require.Zero(t, h.site.visits[urlB])
}

func TestRunStopsOnPersistenceFailure(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.store = failingStore{CheckpointStore: h.store}

	summary, err := h.orchestrator(t).Run(context.Background(), []string{urlA, urlB})
	var perr *harvest.PersistenceError
	require.ErrorAs(t, err, &perr)
	require.Equal(t, StatusPersistence, summary.Status)
	require.Equal(t, 4, summary.Status.ExitCode())
	require.Zero(t, summary.Total)
	require.Zero(t, h.site.visits[urlB])
}

func TestRunFatalStartup(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.site.launchErr = errors.New("city selector not found")

	summary, err := h.orchestrator(t).Run(context.Background(), []string{urlA})
	var fatal *harvest.FatalStartupError
	require.ErrorAs(t, err, &fatal)
	require.Equal(t, StatusFatalStartup, summary.Status)
	require.Equal(t, 3, summary.Status.ExitCode())
	require.Contains(t, h.notifier.kinds(), harvest.MessageIdentity)
}

func TestRunExhaustedItemsMakeRunPartial(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.extractor[urlA] = errors.New("selector timeout")

	summary, err := h.orchestrator(t).Run(context.Background(), []string{urlA, urlB})
	require.NoError(t, err)
	require.Equal(t, StatusPartial, summary.Status)
	require.Equal(t, 1, summary.Exhausted)
	require.Equal(t, 3, h.site.visits[urlA])
	require.Len(t, h.failures.entries, 1)
	require.Equal(t, harvest.ReasonExhausted, h.failures.entries[0].Reason)

	cp, err := h.store.Load(context.Background())
	require.NoError(t, err)
	require.NotContains(t, cp, harvest.ItemID("101"))
}

func TestRunRestartsSessionPeriodically(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.cfg.RestartEvery = 2
	urls := []string{
		"https://shop.example/p-1", "https://shop.example/p-2", "https://shop.example/p-3",
		"https://shop.example/p-4", "https://shop.example/p-5",
	}

	summary, err := h.orchestrator(t).Run(context.Background(), urls)
	require.NoError(t, err)
	require.Equal(t, 5, summary.New)
	require.Equal(t, 3, h.site.launches)
}

func TestRunLogsInvalidURLs(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	summary, err := h.orchestrator(t).Run(context.Background(), []string{"https://shop.example/about", urlA})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Invalid)
	require.Equal(t, 1, summary.New)
	require.Len(t, h.failures.entries, 1)
	require.Equal(t, harvest.ReasonInvalidURL, h.failures.entries[0].Reason)
}

func TestRunWithNothingLeftSkipsBrowser(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	summary, err := h.orchestrator(t).Run(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, summary.Status)
	require.Zero(t, h.site.launches)
}

func TestRunWarnsAboutThinRecords(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	o := h.orchestrator(t)
	o.deps.Controller = thinController{}

	_, err := o.Run(context.Background(), []string{urlA})
	require.NoError(t, err)
	reasons := []string{}
	for _, e := range h.failures.entries {
		reasons = append(reasons, e.Reason)
	}
	require.ElementsMatch(t, []string{harvest.ReasonNoAttributes, harvest.ReasonNoImages}, reasons)
}

type thinController struct{}

func (thinController) SetRunID(string) {}

func (thinController) Process(_ context.Context, _ harvest.SessionHolder, e frontier.Entry) retry.Result {
	return retry.Result{State: retry.StateSucceeded, Record: harvest.Record{Name: "bare", SourceURL: e.URL}}
}

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(Config{PauseMin: time.Second, PauseMax: 0}, Deps{})
	require.Error(t, err)
	_, err = New(Config{}, Deps{})
	require.Error(t, err)
}

func TestPauseWithinBounds(t *testing.T) {
	t.Parallel()

	o := &Orchestrator{cfg: Config{PauseMin: 3 * time.Second, PauseMax: 7 * time.Second}}
	for i := 0; i < 100; i++ {
		d := o.pause()
		require.GreaterOrEqual(t, d, 3*time.Second)
		require.LessOrEqual(t, d, 7*time.Second)
	}
}
