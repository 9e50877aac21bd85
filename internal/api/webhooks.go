package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/austindbirch/roomhook/internal/auth"
	"github.com/austindbirch/roomhook/internal/destination"
	"github.com/austindbirch/roomhook/internal/payload"
)

type testReq struct {
	WebhookURL    string `json:"webhook_url"`
	WebhookSecret string `json:"webhook_secret"`
	RoomName      string `json:"room_name"`
	// Transcript replaces the sample transcript when set.
	Transcript *payload.Transcript `json:"transcript,omitempty"`
}

// testRoomWebhook validates the saved destination of a room.
func (s *Server) testRoomWebhook(c echo.Context) error {
	r, err := s.deps.Rooms.Get(c.Request().Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		return err
	}
	res := s.deps.Validation.Test(c.Request().Context(), r.Destination, r.Owner())
	return c.JSON(http.StatusOK, res)
}

// testWebhook validates a destination that has not been saved yet. The
// outcome is reported in the body; the call itself succeeds.
func (s *Server) testWebhook(c echo.Context) error {
	var req testReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad request")
	}
	res := s.deps.Validation.TestTranscript(c.Request().Context(),
		destination.Destination{URL: req.WebhookURL, Secret: req.WebhookSecret},
		payload.Room{Name: req.RoomName},
		req.Transcript,
	)
	return c.JSON(http.StatusOK, res)
}
