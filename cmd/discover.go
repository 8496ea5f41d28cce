package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/catalog-harvester/internal/app"
	"github.com/JakeFAU/catalog-harvester/internal/discover"
)

func newDiscoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Collect product links from the catalog into the input file",
		Long: `Walks the catalog pages (from discover.root_url or discover.catalogs_file),
follows pagination, and appends product links that are not already listed
to input.urls_file.`,
		Args: cobra.NoArgs,
		RunE: runDiscover,
	}
}

func runDiscover(cmd *cobra.Command, _ []string) error {
	rt, err := resolveRuntime(cmd.Context())
	if err != nil {
		return err
	}
	if err := rt.cfg.ValidateDiscover(); err != nil {
		return &exitError{code: exitUsage, err: err}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	d, err := discover.New(app.DiscoverConfig(rt.cfg), rt.logger)
	if err != nil {
		return &exitError{code: exitUsage, err: err}
	}
	res, err := d.Run(ctx)
	fmt.Fprintf(cmd.OutOrStdout(), "catalogs=%d pages=%d found=%d added=%d\n", res.Catalogs, res.Pages, res.Found, res.Added)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled):
		return &exitError{code: exitInterrupted, err: err}
	default:
		return err
	}
}
