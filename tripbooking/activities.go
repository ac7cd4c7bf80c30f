// Package tripbooking is a three leg vacation booking saga: a car, a hotel
// and a flight, each undone in reverse order when a later leg fails.
package tripbooking

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/fortressi/saga"
)

// BookVacationInput is the execution input of the booking saga.
type BookVacationInput struct {
	Attempts int    `json:"attempts"`
	UserID   string `json:"book_user_id"`
	CarID    string `json:"book_car_id"`
	HotelID  string `json:"book_hotel_id"`
	FlightID string `json:"book_flight_id"`
}

const (
	BookCar        saga.ActivityName = "book_car"
	BookHotel      saga.ActivityName = "book_hotel"
	BookFlight     saga.ActivityName = "book_flight"
	UndoBookCar    saga.ActivityName = "undo_book_car"
	UndoBookHotel  saga.ActivityName = "undo_book_hotel"
	UndoBookFlight saga.ActivityName = "undo_book_flight"
)

// Activities implements the booking legs. The services are simulated.
type Activities struct {
	logger *zap.Logger
}

func NewActivities(logger *zap.Logger) *Activities {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Activities{logger: logger}
}

// Register adds every booking activity to registry.
func (a *Activities) Register(registry *saga.ActivityRegistry) error {
	return registry.Register(
		saga.NewTypedActivity(BookCar, a.BookCar),
		saga.NewTypedActivity(BookHotel, a.BookHotel),
		saga.NewTypedActivity(BookFlight, a.BookFlight),
		saga.NewTypedActivity(UndoBookCar, a.UndoBookCar),
		saga.NewTypedActivity(UndoBookHotel, a.UndoBookHotel),
		saga.NewTypedActivity(UndoBookFlight, a.UndoBookFlight),
	)
}

func (a *Activities) BookCar(_ context.Context, _ *saga.ActivityContext, in BookVacationInput) (string, error) {
	a.logger.Info("booking car", zap.String("car_id", in.CarID))
	return in.CarID, nil
}

// BookHotel fails on its first attempt as if the hotel service were down.
// Hotel ids containing "invalid" are rejected with a ValueError.
func (a *Activities) BookHotel(_ context.Context, actx *saga.ActivityContext, in BookVacationInput) (string, error) {
	if actx.Attempt < 2 {
		actx.Heartbeat(fmt.Sprintf("Invoking activity, attempt number %d", actx.Attempt))
		return "", saga.Transient("RuntimeError", errors.New("hotel service is down, retrying"))
	}

	if strings.Contains(in.HotelID, "invalid") {
		return "", saga.Transient("ValueError", errors.New("invalid hotel booking, rolling back"))
	}

	a.logger.Info("booking hotel", zap.String("hotel_id", in.HotelID))
	return in.HotelID, nil
}

func (a *Activities) BookFlight(_ context.Context, _ *saga.ActivityContext, in BookVacationInput) (string, error) {
	a.logger.Info("booking flight", zap.String("flight_id", in.FlightID))
	return in.FlightID, nil
}

func (a *Activities) UndoBookCar(_ context.Context, _ *saga.ActivityContext, in BookVacationInput) (string, error) {
	a.logger.Info("undoing car booking", zap.String("car_id", in.CarID))
	return in.CarID, nil
}

func (a *Activities) UndoBookHotel(_ context.Context, _ *saga.ActivityContext, in BookVacationInput) (string, error) {
	a.logger.Info("undoing hotel booking", zap.String("hotel_id", in.HotelID))
	return in.HotelID, nil
}

func (a *Activities) UndoBookFlight(_ context.Context, _ *saga.ActivityContext, in BookVacationInput) (string, error) {
	a.logger.Info("undoing flight booking", zap.String("flight_id", in.FlightID))
	return in.FlightID, nil
}
