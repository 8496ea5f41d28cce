package notify

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"time"

	"go.uber.org/zap"
)

// TimedGate lets the run continue after a fixed cool-down. It suits
// unattended runs where nobody answers a prompt.
type TimedGate struct {
	wait   time.Duration
	logger *zap.Logger
}

// NewTimedGate returns a gate that releases after wait.
func NewTimedGate(wait time.Duration, logger *zap.Logger) *TimedGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TimedGate{wait: wait, logger: logger.Named("gate")}
}

// Await implements harvest.OperatorGate.
func (g *TimedGate) Await(ctx context.Context, reason string) error {
	g.logger.Warn("operator gate closed, cooling down", zap.String("reason", reason), zap.Duration("wait", g.wait))
	if g.wait <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(g.wait)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("operator gate: %w", ctx.Err())
	}
}

// StdinGate blocks until the operator presses Enter. Lines typed while no
// prompt is showing are discarded so a stray Enter cannot release the next
// challenge unseen.
type StdinGate struct {
	out    io.Writer
	lines  chan struct{}
	eof    chan struct{}
	logger *zap.Logger
}

// NewStdinGate prompts on out and starts reading lines from in.
func NewStdinGate(in io.Reader, out io.Writer, logger *zap.Logger) *StdinGate {
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &StdinGate{
		out:    out,
		lines:  make(chan struct{}, 1),
		eof:    make(chan struct{}),
		logger: logger.Named("gate"),
	}
	go g.readLines(in)
	return g
}

// Await implements harvest.OperatorGate.
func (g *StdinGate) Await(ctx context.Context, reason string) error {
	g.discardPending()
	g.logger.Warn("waiting for operator", zap.String("reason", reason))
	if _, err := fmt.Fprintf(g.out, "%s\nResolve the challenge in the browser, then press Enter to continue: ", reason); err != nil {
		g.logger.Warn("operator prompt failed", zap.Error(err))
	}
	select {
	case <-g.lines:
		return nil
	case <-g.eof:
		select {
		case <-g.lines:
			return nil
		default:
			return fmt.Errorf("operator gate: %w", io.EOF)
		}
	case <-ctx.Done():
		return fmt.Errorf("operator gate: %w", ctx.Err())
	}
}

func (g *StdinGate) discardPending() {
	for {
		select {
		case <-g.lines:
			g.logger.Debug("discarding input typed before the prompt")
		default:
			return
		}
	}
}

// readLines runs for the life of the process; one reader avoids racing
// goroutines on the same input. At most one line is held for Await.
func (g *StdinGate) readLines(in io.Reader) {
	defer close(g.eof)
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		select {
		case g.lines <- struct{}{}:
		default:
		}
	}
}
