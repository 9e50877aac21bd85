package api

import (
	"errors"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/austindbirch/roomhook/internal/delivery"
	"github.com/austindbirch/roomhook/internal/destination"
	"github.com/austindbirch/roomhook/internal/room"
)

type errorBody struct {
	Error string `json:"error"`
}

// statusFor maps domain errors to HTTP statuses.
func statusFor(err error) (int, string) {
	var he *echo.HTTPError
	switch {
	case errors.As(err, &he):
		if msg, ok := he.Message.(string); ok {
			return he.Code, msg
		}
		return he.Code, http.StatusText(he.Code)
	case errors.Is(err, room.ErrNotFound),
		errors.Is(err, delivery.ErrPairNotFound),
		errors.Is(err, delivery.ErrEventNotFound):
		return http.StatusNotFound, err.Error()
	case errors.Is(err, room.ErrForbidden):
		// do not reveal rooms owned by others
		return http.StatusNotFound, room.ErrNotFound.Error()
	case errors.Is(err, room.ErrInvalidID),
		errors.Is(err, destination.ErrInvalidURL):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, room.ErrNoDestination),
		errors.Is(err, delivery.ErrStatusTransitionDenied):
		return http.StatusConflict, err.Error()
	}
	return http.StatusInternalServerError, "internal error"
}

func (s *Server) errorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code, msg := statusFor(err)
	if code >= http.StatusInternalServerError {
		s.log.WithContext(c.Request().Context()).WithError(err).WithField("path", c.Path()).Error("request failed")
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, errorBody{Error: msg})
}
