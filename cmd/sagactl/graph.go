package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newGraphCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "graph",
		Short: "Print the booking saga as a Graphviz digraph",
		RunE: func(cmd *cobra.Command, _ []string) error {
			def, err := a.definition()
			if err != nil {
				return err
			}
			dot, err := def.ExportDOT()
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), dot)
			return err
		},
	}
}
