package tripbooking

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fortressi/saga"
)

const SagaType saga.SagaType = "trip_booking"

// Steps, named after the outputs they produce.
const (
	StepCar    saga.StepName = "booked_car"
	StepHotel  saga.StepName = "booked_hotel"
	StepFlight saga.StepName = "booked_flight"
)

const activityTimeout = 10 * time.Second

// HotelOptions are the hotel leg's options for a given attempt budget.
// Zero attempts means unlimited.
func HotelOptions(attempts int) saga.ActivityOptions {
	return saga.ActivityOptions{
		StartToCloseTimeout: activityTimeout,
		RetryPolicy: saga.RetryPolicy{
			MaximumAttempts:        attempts,
			NonRetryableErrorTypes: []string{"ValueError"},
		},
	}
}

// NewDefinition builds the booking saga: car, then hotel, then flight.
func NewDefinition() (*saga.Definition, error) {
	defaults := saga.ActivityOptions{StartToCloseTimeout: activityTimeout}
	return NewDefinitionWithOptions(defaults, defaults)
}

// NewDefinitionWithOptions builds the booking saga with forward and undo
// defaults. The hotel leg never retries a ValueError and the flight leg
// retries every second.
func NewDefinitionWithOptions(forward, undo saga.ActivityOptions) (*saga.Definition, error) {
	hotel := forward
	hotel.RetryPolicy.NonRetryableErrorTypes = []string{"ValueError"}

	flight := forward
	flight.RetryPolicy.InitialInterval = time.Second
	flight.RetryPolicy.MaximumInterval = time.Second

	b := saga.NewDefinitionBuilder(SagaType)
	steps := []saga.Step{
		{Name: StepCar, Activity: BookCar, Options: forward, Compensation: UndoBookCar, CompensationOptions: undo},
		{Name: StepHotel, Activity: BookHotel, Options: hotel, Compensation: UndoBookHotel, CompensationOptions: undo},
		{Name: StepFlight, Activity: BookFlight, Options: flight, Compensation: UndoBookFlight, CompensationOptions: undo},
	}
	for _, step := range steps {
		if err := b.Append(step); err != nil {
			return nil, err
		}
	}
	return b.Build()
}

// RunOptions runs the booking under the user's id with the requested hotel
// attempt budget.
func RunOptions(in BookVacationInput) []saga.RunOption {
	return []saga.RunOption{
		saga.WithExecutionID(saga.ExecutionID(in.UserID)),
		saga.WithStepOptions(StepHotel, HotelOptions(in.Attempts)),
	}
}

// UniqueUserID derives a user id such as "jane-doe-482913" from a name.
// The name part keeps only a-z, 0-9 and hyphens so the id is safe as a file
// name or a store key.
func UniqueUserID(name string) string {
	id := uuid.New()
	digits := new(big.Int).SetBytes(id[:]).String()
	return fmt.Sprintf("%s-%s", slug(name), digits[:6])
}

func slug(name string) string {
	s := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			return r
		case r == ' ' || r == '-' || r == '_':
			return '-'
		}
		return -1
	}, strings.ToLower(name))
	s = strings.Trim(s, "-")
	if s == "" {
		return "user"
	}
	return s
}
