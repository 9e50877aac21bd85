package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/austindbirch/roomhook/internal/auth"
	"github.com/austindbirch/roomhook/internal/destination"
	"github.com/austindbirch/roomhook/internal/room"
)

type roomReq struct {
	Name          string `json:"name"`
	WebhookURL    string `json:"webhook_url"`
	WebhookSecret string `json:"webhook_secret"`
}

func (s *Server) saveRoom(c echo.Context) error {
	var req roomReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad request")
	}
	r, err := s.deps.Rooms.Save(c.Request().Context(), auth.UserID(c), room.Input{
		ID:          c.Param("id"),
		Name:        req.Name,
		Destination: destination.Destination{URL: req.WebhookURL, Secret: req.WebhookSecret},
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) getRoom(c echo.Context) error {
	r, err := s.deps.Rooms.Get(c.Request().Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}

func (s *Server) deleteRoom(c echo.Context) error {
	if err := s.deps.Rooms.Delete(c.Request().Context(), auth.UserID(c), c.Param("id")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) rotateSecret(c echo.Context) error {
	r, err := s.deps.Rooms.RotateSecret(c.Request().Context(), auth.UserID(c), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, r)
}
