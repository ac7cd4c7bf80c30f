package main

import (
	"github.com/spf13/cobra"

	"github.com/fortressi/saga"
)

func newHistoryCmd(a *app) *cobra.Command {
	var executionID string

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the recorded events of an execution",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, closeStore, err := openStore(cmd.Context(), a.cfg)
			if err != nil {
				return err
			}
			defer closeStore()

			events, err := store.ReadAll(cmd.Context(), saga.ExecutionID(executionID))
			if err != nil {
				return err
			}
			return saga.WriteHistory(cmd.OutOrStdout(), events)
		},
	}
	cmd.Flags().StringVar(&executionID, "execution", "", "execution id")
	_ = cmd.MarkFlagRequired("execution")
	return cmd
}
