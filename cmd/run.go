package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/fdd-retriever/internal/api"
	"github.com/JakeFAU/fdd-retriever/internal/filing"
)

func newRunCmd() *cobra.Command {
	var (
		serve        bool
		discoverOnly bool
		apiKey       string
	)
	cmd := &cobra.Command{
		Use:   "run [source...]",
		Short: "Discovers and retrieves documents for the named sources",
		Long: `Runs the named sources (all sources when none are given) concurrently,
downloading, deduplicating and storing every document discovered. With --serve the
operator HTTP server starts instead; sources named on the command line run
once at startup and further runs are accepted on POST /v1/runs until the
process is interrupted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			srcs, err := a.Catalog.Select(args...)
			if err != nil {
				return err
			}
			d, err := a.Dispatcher(discoverOnly)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			if !serve {
				reports, err := d.Dispatch(ctx, srcs)
				printReports(cmd, reports)
				if err != nil {
					return err
				}
				return failedRuns(reports)
			}

			if apiKey == "" {
				apiKey = a.Config.Server.APIKey
			}
			srv := api.NewServer(ctx, a.Catalog, d, a.Checks, api.Config{
				APIKey:         apiKey,
				RequestTimeout: a.Config.Server.RequestTimeout,
			}, a.Logger.Named("api"))
			httpSrv := &http.Server{
				Addr:              fmt.Sprintf(":%d", a.Config.Server.Port),
				Handler:           srv.Handler(),
				ReadHeaderTimeout: 5 * time.Second,
			}
			serveErr := make(chan error, 1)
			go func() {
				a.Logger.Info("http server started", zap.Int("port", a.Config.Server.Port))
				if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					serveErr <- err
				}
				close(serveErr)
			}()

			if len(args) > 0 {
				reports, err := d.Dispatch(ctx, srcs)
				srv.Record(reports)
				printReports(cmd, reports)
				if err != nil {
					a.Logger.Warn("initial run interrupted", zap.Error(err))
				}
			}

			var runErr error
			select {
			case <-ctx.Done():
			case err, ok := <-serveErr:
				if ok {
					runErr = fmt.Errorf("http server: %w", err)
				}
			}
			a.Logger.Info("shutdown initiated")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpSrv.Shutdown(shutdownCtx); err != nil {
				a.Logger.Error("server shutdown error", zap.Error(err))
			}
			srv.Wait()
			a.Logger.Info("shutdown complete")
			return runErr
		},
	}
	cmd.Flags().BoolVar(&serve, "serve", false, "keep serving the operator API after the initial batch")
	cmd.Flags().BoolVar(&discoverOnly, "discover-only", false, "skip downloading documents")
	cmd.Flags().StringVar(&apiKey, "api-key", "", "require this X-API-Key on /v1 routes (overrides server.api_key)")
	return cmd
}

func printReports(cmd *cobra.Command, reports []filing.RunReport) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "SOURCE\tRUN\tSTATUS\tPAGES\tFOUND\tSTORED\tDUPES\tFAILED\tSKIPPED")
	for _, r := range reports {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\t%d\n",
			r.Source, r.RunID, r.Status, r.Pages, r.Descriptors, r.Retrieved, r.Duplicates, r.Failed, r.Skipped)
	}
	_ = w.Flush()
}

func failedRuns(reports []filing.RunReport) error {
	var failed int
	for _, r := range reports {
		if r.Status == filing.RunFailed {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d source runs failed", failed, len(reports))
	}
	return nil
}
