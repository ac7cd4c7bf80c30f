package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/fortressi/saga"
)

func newReplayCmd(a *app) *cobra.Command {
	var historyFile string

	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Check a recorded history against the current saga definition",
		Long: "Replay re-drives the booking saga against a recorded history without " +
			"invoking any activity. It fails if the definition no longer makes the " +
			"decisions the history records.",
		RunE: func(cmd *cobra.Command, _ []string) error {
			events, err := saga.LoadHistoryFile(historyFile)
			if err != nil {
				return err
			}
			def, err := a.definition()
			if err != nil {
				return err
			}

			replayed, err := saga.Replay(cmd.Context(), def, events, saga.WithLogger(a.logger))
			var nde *saga.NonDeterminismError
			if errors.As(err, &nde) {
				a.logger.Error("history diverged", zap.Int64("sequence", nde.Sequence), zap.Error(err))
				return err
			}
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if !replayed.Complete {
				fmt.Fprintf(out, "history ends after %d events without a terminal event\n", len(replayed.Events))
				return nil
			}
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(replayed.Result)
		},
	}
	cmd.Flags().StringVar(&historyFile, "history", "", "history file, a JSON array or one event per line")
	_ = cmd.MarkFlagRequired("history")
	return cmd
}
