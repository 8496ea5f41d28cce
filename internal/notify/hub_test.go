package notify

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	"github.com/JakeFAU/catalog-harvester/internal/harvest"
)

type memorySink struct {
	name   string
	mu     sync.Mutex
	got    []harvest.Message
	err    error
	closed bool
	block  chan struct{}
}

func (m *memorySink) Name() string { return m.name }

func (m *memorySink) Send(ctx context.Context, msg harvest.Message) error {
	if m.block != nil {
		select {
		case <-m.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.got = append(m.got, msg)
	return m.err
}

func (m *memorySink) Close(context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *memorySink) messages() []harvest.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]harvest.Message(nil), m.got...)
}

func TestHubDeliversToAllSinksAndDrainsOnClose(t *testing.T) {
	t.Parallel()

	a := &memorySink{name: "a"}
	b := &memorySink{name: "b", err: errors.New("boom")}
	hub := NewHub(Config{}, a, b)

	for i := 0; i < 5; i++ {
		hub.Notify(harvest.Message{Kind: harvest.MessageRunStart, Text: "hello"})
	}
	require.NoError(t, hub.Close(context.Background()))

	require.Len(t, a.messages(), 5)
	require.Len(t, b.messages(), 5)
	require.True(t, a.closed)
	require.True(t, b.closed)

	hub.Notify(harvest.Message{Kind: harvest.MessageFatal})
	require.Len(t, a.messages(), 5, "closed hub ignores messages")
}

func TestHubNeverBlocksCaller(t *testing.T) {
	t.Parallel()

	block := make(chan struct{})
	slow := &memorySink{name: "slow", block: block}
	core, logs := observer.New(zap.WarnLevel)
	hub := NewHub(Config{BufferSize: 1, Logger: zap.New(core)}, slow)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 10; i++ {
			hub.Notify(harvest.Message{Kind: harvest.MessageChallenge})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Notify blocked")
	}
	close(block)
	require.NoError(t, hub.Close(context.Background()))
	require.NotZero(t, logs.FilterMessage("notifications dropped due to backpressure").Len())
	require.Less(t, len(slow.messages()), 10)
}

func TestNilHubIsSafe(t *testing.T) {
	t.Parallel()

	var hub *Hub
	hub.Notify(harvest.Message{})
	require.NoError(t, hub.Close(context.Background()))
}

func TestLogSinkLevels(t *testing.T) {
	t.Parallel()

	core, logs := observer.New(zap.DebugLevel)
	sink := NewLogSink(zap.New(core))
	ctx := context.Background()
	require.NoError(t, sink.Send(ctx, harvest.Message{Kind: harvest.MessageRunStart, Text: "start"}))
	require.NoError(t, sink.Send(ctx, harvest.Message{Kind: harvest.MessageChallenge, Text: "challenge"}))
	require.NoError(t, sink.Send(ctx, harvest.Message{Kind: harvest.MessageFatal, Text: "fatal"}))

	entries := logs.All()
	require.Len(t, entries, 3)
	require.Equal(t, zap.InfoLevel, entries[0].Level)
	require.Equal(t, zap.WarnLevel, entries[1].Level)
	require.Equal(t, zap.ErrorLevel, entries[2].Level)
}
