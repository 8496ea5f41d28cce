package playwright

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
	"github.com/JakeFAU/catalog-harvester/internal/session"
)

func TestNewValidatesConfig(t *testing.T) {
	t.Parallel()

	_, err := New(session.Config{}, nil)
	require.Error(t, err)

	d, err := New(session.Config{NavTimeout: time.Minute, Headless: true, UserAgent: "ua"}, nil)
	require.NoError(t, err)

	launch := d.launchOptions()
	require.True(t, *launch.Headless)
	require.Contains(t, launch.Args, "--disable-blink-features=AutomationControlled")

	bctx := d.contextOptions()
	require.Equal(t, "ua", *bctx.UserAgent)
	require.Equal(t, 1366, bctx.Viewport.Width)
}

func TestUnlaunchedSessionIsBroken(t *testing.T) {
	t.Parallel()

	s := &Session{cfg: session.Config{NavTimeout: time.Second}}
	require.ErrorIs(t, s.Goto(context.Background(), "https://shop.example/milk-1"), harvest.ErrSessionBroken)
	_, err := s.Page(context.Background())
	require.ErrorIs(t, err, harvest.ErrSessionBroken)
	_, err = s.Snapshot(context.Background())
	require.ErrorIs(t, err, harvest.ErrSessionBroken)
	require.NoError(t, s.Close())
}

func TestTextMatchIsExact(t *testing.T) {
	t.Parallel()

	opts := textMatch()
	require.NotNil(t, opts.Exact)
	require.True(t, *opts.Exact)
}

func TestMillis(t *testing.T) {
	t.Parallel()

	require.Equal(t, 1500.0, millis(1500*time.Millisecond))
}
