package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/catalog-harvester/internal/api"
	"github.com/JakeFAU/catalog-harvester/internal/app"
	"github.com/JakeFAU/catalog-harvester/internal/config"
	"github.com/JakeFAU/catalog-harvester/internal/orchestrator"
)

const closeTimeout = 30 * time.Second

// harvester is what the run command needs from the application.
type harvester interface {
	Run(ctx context.Context) (orchestrator.Summary, error)
	Server() *api.Server
	Close(ctx context.Context) error
}

// newHarvester is a variable so tests can swap in a fake.
var newHarvester = func(ctx context.Context, cfg config.Config, logger *zap.Logger) (harvester, error) {
	return app.New(ctx, cfg, logger)
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Harvest every URL in the input file that is not yet checkpointed",
		Long: `Loads the URL list and the checkpoint, then visits each remaining product
page in order. SIGINT or SIGTERM stops the run after the current item is
saved. Exit status: 0 completed, 2 partial, 130 interrupted, 3 browser or
startup failure, 4 checkpoint write failure.`,
		Args: cobra.NoArgs,
		RunE: runHarvest,
	}
}

func runHarvest(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	logger := rt.logger

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	h, err := newHarvester(ctx, rt.cfg, logger)
	if err != nil {
		return &exitError{code: exitFatalStartup, err: fmt.Errorf("initialize harvester: %w", err)}
	}

	serverCtx, stopServer := context.WithCancel(ctx)
	defer stopServer()
	var g errgroup.Group
	if srv := h.Server(); srv != nil {
		g.Go(func() error { return srv.ListenAndServe(serverCtx) })
	}

	summary, runErr := h.Run(ctx)

	stopServer()
	if err := g.Wait(); err != nil {
		logger.Warn("status server stopped with error", zap.Error(err))
	}
	closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
	defer cancel()
	if err := h.Close(closeCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}

	logger.Info("run finished",
		zap.String("run_id", summary.RunID),
		zap.String("status", string(summary.Status)),
		zap.Int("new", summary.New),
		zap.Int("exhausted", summary.Exhausted),
		zap.Int("soft_failed", summary.SoftFailed),
		zap.Int("total", summary.Total),
		zap.Error(runErr),
	)
	fmt.Fprintln(cmd.OutOrStdout(), summary.String())

	code := summary.Status.ExitCode()
	if code == exitOK {
		return nil
	}
	if runErr == nil {
		runErr = fmt.Errorf("run %s", summary.Status)
	}
	return &exitError{code: code, err: runErr}
}
