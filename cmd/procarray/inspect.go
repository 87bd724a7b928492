package main

import (
	"encoding/json"

	"github.com/spf13/cobra"

	"procarray.ai/internal/persistence/snapshot"
)

func inspectCmd() *cobra.Command {
	var headerOnly bool
	cmd := &cobra.Command{
		Use:   "inspect <snapshot>",
		Short: "Print a snapshot as JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var v any
			if headerOnly {
				h, err := snapshot.ReadHeader(args[0])
				if err != nil {
					return err
				}
				v = h
			} else {
				s, err := snapshot.ReadSnapshot(args[0])
				if err != nil {
					return err
				}
				v = s
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(v)
		},
	}
	cmd.Flags().BoolVar(&headerOnly, "header", false, "print only the header")
	return cmd
}
