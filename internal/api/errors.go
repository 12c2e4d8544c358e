package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/labstack/echo/v4"

	"bustrack/internal/tracking"
)

var (
	errMissingDeviceAuth = echo.NewHTTPError(http.StatusUnauthorized, "missing X-Driver-ID or X-Device-Key")
	errBadDeviceKey      = echo.NewHTTPError(http.StatusUnauthorized, "invalid device key")
	errMissingAdminKey   = echo.NewHTTPError(http.StatusUnauthorized, "missing X-Admin-Key")
	errHttpForbidden     = echo.NewHTTPError(http.StatusForbidden, "permission denied")
	errRateLimited       = echo.NewHTTPError(http.StatusTooManyRequests, "rate limit exceeded")
)

var codeStatus = map[tracking.Code]int{
	tracking.CodeActiveTripExists:  http.StatusConflict,
	tracking.CodeNotInProgress:     http.StatusConflict,
	tracking.CodeTripClosed:        http.StatusConflict,
	tracking.CodeAlreadyArrived:    http.StatusConflict,
	tracking.CodeNotArrived:        http.StatusConflict,
	tracking.CodeAlreadyTerminal:   http.StatusConflict,
	tracking.CodeInvalidTransition: http.StatusConflict,
	tracking.CodeNotFound:          http.StatusNotFound,
	tracking.CodeForbidden:         http.StatusForbidden,
	tracking.CodeInvalidArgument:   http.StatusBadRequest,
}

type errorBody struct {
	Error          string            `json:"error"`
	Code           string            `json:"code,omitempty"`
	TripID         string            `json:"tripId,omitempty"`
	StopID         string            `json:"stopId,omitempty"`
	ExistingTripID string            `json:"existingTripId,omitempty"`
	Fields         map[string]string `json:"fields,omitempty"`
}

// errorResponse maps an error returned by a handler to its status and body.
func (s *server) errorResponse(err error) (int, errorBody) {
	var te *tracking.Error
	var verrs validator.ValidationErrors
	var herr *echo.HTTPError
	switch {
	case errors.As(err, &te):
		code, ok := codeStatus[te.Code]
		if !ok {
			code = http.StatusConflict
		}
		return code, errorBody{
			Error:          te.Message,
			Code:           string(te.Code),
			TripID:         te.TripID,
			StopID:         te.StopID,
			ExistingTripID: te.ExistingTripID,
		}
	case errors.As(err, &verrs):
		return http.StatusBadRequest, errorBody{
			Error:  "validation failed",
			Code:   string(tracking.CodeInvalidArgument),
			Fields: s.validate.fieldErrors(verrs),
		}
	case errors.As(err, &herr):
		if herr.Internal != nil {
			var inner *echo.HTTPError
			if errors.As(herr.Internal, &inner) {
				herr = inner
			}
		}
		return herr.Code, errorBody{Error: fmt.Sprint(herr.Message)}
	default:
		return http.StatusInternalServerError, errorBody{Error: http.StatusText(http.StatusInternalServerError)}
	}
}

func (s *server) statusOf(err error) int {
	code, _ := s.errorResponse(err)
	return code
}

// errorHandler is the echo.HTTPErrorHandler that knows about tracking errors.
func (s *server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code, body := s.errorResponse(err)
	if code >= http.StatusInternalServerError {
		loggerFrom(c).Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	}

	if c.Request().Method == http.MethodHead {
		err = c.NoContent(code)
	} else {
		err = c.JSON(code, body)
	}
	if err != nil {
		loggerFrom(c).Error("writing error response", "error", err)
	}
}
