package cmd

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newSourcesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sources",
		Short: "Lists the configured source portals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tJURISDICTION\tPAGINATION\tENRICH\tLISTING")
			for _, name := range a.Catalog.Names() {
				src, _ := a.Catalog.Get(name)
				pagination := "dom"
				if src.Token != nil {
					pagination = "dom/token"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n",
					src.Name, src.Jurisdiction, pagination, src.Detail.Enabled(), src.ListingURL)
			}
			return w.Flush()
		},
	}
}
