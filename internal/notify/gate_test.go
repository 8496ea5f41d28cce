package notify

import (
	"bytes"
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTimedGateReleasesAfterWait(t *testing.T) {
	t.Parallel()

	gate := NewTimedGate(10*time.Millisecond, nil)
	start := time.Now()
	require.NoError(t, gate.Await(context.Background(), "challenge"))
	require.GreaterOrEqual(t, time.Since(start), 10*time.Millisecond)
}

func TestTimedGateHonoursCancel(t *testing.T) {
	t.Parallel()

	gate := NewTimedGate(time.Hour, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, gate.Await(ctx, "challenge"), context.Canceled)
}

// promptWriter signals every time the gate prints its prompt.
type promptWriter struct {
	prompts chan string
}

func (w *promptWriter) Write(p []byte) (int, error) {
	w.prompts <- string(p)
	return len(p), nil
}

func TestStdinGateWaitsForEnter(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close() //nolint:errcheck // test pipe
	out := &promptWriter{prompts: make(chan string, 2)}
	gate := NewStdinGate(pr, out, nil)

	go func() {
		<-out.prompts
		_, _ = pw.Write([]byte("\n"))
	}()
	require.NoError(t, gate.Await(context.Background(), "challenge on item 101"))
}

func TestStdinGateDiscardsEarlyEnter(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close() //nolint:errcheck // test pipe
	var out bytes.Buffer
	gate := NewStdinGate(pr, &out, nil)

	_, err := pw.Write([]byte("\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(gate.lines) == 1 }, time.Second, time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, gate.Await(ctx, "challenge"), context.DeadlineExceeded)
	require.Contains(t, out.String(), "challenge")
}

func TestStdinGateEOF(t *testing.T) {
	t.Parallel()

	gate := NewStdinGate(strings.NewReader(""), io.Discard, nil)
	err := gate.Await(context.Background(), "challenge")
	require.True(t, errors.Is(err, io.EOF))
}

func TestStdinGateHonoursCancel(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	defer pw.Close() //nolint:errcheck // test pipe
	gate := NewStdinGate(pr, io.Discard, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, gate.Await(ctx, "challenge"), context.DeadlineExceeded)
}
