package tracking

import (
	"errors"
	"fmt"

	"bustrack/internal/models"
)

// Code classifies the expected, recoverable failures of engine operations.
type Code string

const (
	CodeActiveTripExists  Code = "ACTIVE_TRIP_EXISTS"
	CodeNotInProgress     Code = "NOT_IN_PROGRESS"
	CodeTripClosed        Code = "TRIP_CLOSED"
	CodeAlreadyArrived    Code = "ALREADY_ARRIVED"
	CodeNotArrived        Code = "NOT_ARRIVED"
	CodeAlreadyTerminal   Code = "ALREADY_TERMINAL"
	CodeInvalidTransition Code = "INVALID_TRANSITION"
	CodeNotFound          Code = "NOT_FOUND"
	CodeForbidden         Code = "FORBIDDEN"
	CodeInvalidArgument   Code = "INVALID_ARGUMENT"
)

// Error is returned for rule violations. Storage failures are returned as
// plain wrapped errors instead.
type Error struct {
	Code           Code
	Message        string
	TripID         string
	StopID         string
	ExistingTripID string

	// Existing is the stored event when Code is CodeAlreadyArrived.
	Existing *models.StopEvent
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// CodeOf extracts the Code from err, if it carries one.
func CodeOf(err error) (Code, bool) {
	var te *Error
	if errors.As(err, &te) {
		return te.Code, true
	}
	return "", false
}

// IsCode reports whether err is an *Error with the given code.
func IsCode(err error, code Code) bool {
	c, ok := CodeOf(err)
	return ok && c == code
}

func IsNotFound(err error) bool         { return IsCode(err, CodeNotFound) }
func IsActiveTripExists(err error) bool { return IsCode(err, CodeActiveTripExists) }
func IsAlreadyArrived(err error) bool   { return IsCode(err, CodeAlreadyArrived) }
func IsTripClosed(err error) bool       { return IsCode(err, CodeTripClosed) }

func errNotFound(format string, args ...any) *Error {
	return &Error{Code: CodeNotFound, Message: fmt.Sprintf(format, args...)}
}

func errInvalid(format string, args ...any) *Error {
	return &Error{Code: CodeInvalidArgument, Message: fmt.Sprintf(format, args...)}
}

func errTripClosed(t models.Trip) *Error {
	return &Error{
		Code:    CodeTripClosed,
		Message: fmt.Sprintf("trip %s is %s", t.ID, t.Status),
		TripID:  t.ID,
	}
}

func errActiveTripExists(existing models.Trip) *Error {
	return &Error{
		Code:           CodeActiveTripExists,
		Message:        fmt.Sprintf("route %s already has a %s trip on %s (%s)", existing.RouteID, existing.TripType, existing.ServiceDate, existing.Status),
		TripID:         existing.ID,
		ExistingTripID: existing.ID,
	}
}

func errForbidden(tripID, driverID string) *Error {
	return &Error{
		Code:    CodeForbidden,
		Message: fmt.Sprintf("driver %s is not assigned to trip %s", driverID, tripID),
		TripID:  tripID,
	}
}
