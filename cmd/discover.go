package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newDiscoverCmd() *cobra.Command {
	var jsonOut bool
	cmd := &cobra.Command{
		Use:   "discover [source...]",
		Short: "Enumerates the documents each source lists without downloading them",
		Long: `Runs discovery for the named sources (all sources when none are given)
one after another and prints what was found. With --json every descriptor is
written as one JSON object per line.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			srcs, err := a.Catalog.Select(args...)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			enc := json.NewEncoder(out)
			var failed int
			for _, src := range srcs {
				res, err := a.Pipeline.Run(cmd.Context(), src, nil)
				if err != nil {
					if errors.Is(err, context.Canceled) {
						return err
					}
					failed++
					a.Logger.Error("discovery failed", zap.String("source", src.Name), zap.Error(err))
					continue
				}
				if !jsonOut {
					fmt.Fprintln(out, res.String())
					continue
				}
				for _, d := range res.Descriptors {
					if err := enc.Encode(d); err != nil {
						return fmt.Errorf("encode descriptor: %w", err)
					}
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d sources failed discovery", failed, len(srcs))
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "print descriptors as JSON lines")
	return cmd
}
