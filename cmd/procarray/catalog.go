package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"procarray.ai/internal/sim/catalogs"
)

func catalogCmd() *cobra.Command {
	var dir string
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Validate the catalogs and list families",
		RunE: func(cmd *cobra.Command, args []string) error {
			if dir == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				dir = cfg.Sim.ConfigDir
			}
			cat, err := catalogs.Load(dir)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "families %s\nrecipes  %s\n\n", cat.FamiliesDigest, cat.RecipesDigest)
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "FAMILY\tBUILDER\tPARALLEL\tRECIPES")
			for _, name := range cat.FamilyNames() {
				f := cat.Families[name]
				fmt.Fprintf(tw, "%s\t%s\t%t\t%d\n", name, f.Builder, f.Builder.Parallelizable(), len(cat.FindTemplates(name)))
			}
			return tw.Flush()
		},
	}
	cmd.Flags().StringVar(&dir, "dir", "", "catalog directory (default sim.config_dir)")
	return cmd
}
