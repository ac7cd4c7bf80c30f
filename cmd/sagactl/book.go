package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/fortressi/saga"
	"github.com/fortressi/saga/tripbooking"
)

func newBookCmd(a *app) *cobra.Command {
	var req tripbooking.BookRequest

	cmd := &cobra.Command{
		Use:   "book",
		Short: "Book a vacation and print the saga result",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if req.Attempts < 0 {
				return fmt.Errorf("--attempts must not be negative")
			}
			result, err := a.book(cmd, req)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.Name, "name", "", "traveller name")
	flags.IntVar(&req.Attempts, "attempts", 5, "hotel booking attempts, 0 for unlimited")
	flags.StringVar(&req.Car, "car", "", "car id")
	flags.StringVar(&req.Hotel, "hotel", "", "hotel id")
	flags.StringVar(&req.Flight, "flight", "", "flight id")
	for _, name := range []string{"name", "car", "hotel", "flight"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func (a *app) book(cmd *cobra.Command, req tripbooking.BookRequest) (*saga.Result, error) {
	ctx := cmd.Context()
	coordinator, closeStore, err := a.coordinator(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer closeStore()
	defer coordinator.Shutdown(ctx)

	input := tripbooking.BookVacationInput{
		Attempts: req.Attempts,
		UserID:   tripbooking.UniqueUserID(req.Name),
		CarID:    req.Car,
		HotelID:  req.Hotel,
		FlightID: req.Flight,
	}
	id, err := coordinator.StartSaga(ctx, tripbooking.SagaType, input, tripbooking.RunOptions(input)...)
	if err != nil {
		return nil, err
	}
	return coordinator.Await(ctx, id)
}
