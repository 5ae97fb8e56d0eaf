package main

import (
	"fmt"
	"maps"
	"slices"

	"matbench/internal/dedup"
	"matbench/internal/store"

	"github.com/spf13/cobra"
)

func newScanCmd(g *globals) *cobra.Command {
	var (
		clean, apply bool
		filter       map[string]string
		listEntries  bool
	)
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Check the recorded runs of a workload",
		Long: `Walks <results>/<workload> and reports valid, incomplete, failed and
duplicated runs. With --clean the unusable ones are listed for deletion,
and deleted when --run is given too.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := g.environment()
			if err != nil {
				return err
			}
			index := dedup.NewMemory()
			report, err := store.NewScanner(store.ScanOptions{
				Root:   env.campaignDir(),
				Clean:  clean,
				Apply:  apply,
				Filter: filter,
				Parser: env.parser(g.logger),
				Logger: g.logger,
			}, index).Scan()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "%s: %s\n", env.campaignDir(), report)
			if listEntries {
				for _, e := range index.Entries() {
					fmt.Fprintln(out, e.Location)
					for _, k := range slices.Sorted(maps.Keys(e.Settings)) {
						fmt.Fprintf(out, "    %s=%s\n", k, e.Settings[k])
					}
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&clean, "clean", false, "Report incomplete, failed and duplicated runs for deletion")
	cmd.Flags().BoolVar(&apply, "run", false, "With --clean, really delete")
	cmd.Flags().StringToStringVar(&filter, "filter", nil, "Only import runs with these settings (k=v, repeatable)")
	cmd.Flags().BoolVarP(&listEntries, "list", "l", false, "List the imported settings")
	return cmd
}
