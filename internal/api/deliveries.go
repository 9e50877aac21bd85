package api

import (
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/austindbirch/roomhook/internal/auth"
	"github.com/austindbirch/roomhook/internal/delivery"
)

type pairView struct {
	delivery.Pair
	EndpointURL string             `json:"endpoint_url"`
	Attempts    []delivery.Attempt `json:"attempts,omitempty"`
}

type eventDeliveriesResp struct {
	Event      delivery.Event `json:"event"`
	Deliveries []pairView     `json:"deliveries"`
}

func (s *Server) eventDeliveries(c echo.Context) error {
	ctx := c.Request().Context()
	ev, err := s.deps.Deliveries.GetEvent(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	if _, err := s.deps.Rooms.Get(ctx, auth.UserID(c), ev.OwnerID); err != nil {
		return delivery.ErrEventNotFound
	}

	pairs, err := s.deps.Deliveries.ListPairsByEvent(ctx, ev.ID)
	if err != nil {
		return err
	}
	resp := eventDeliveriesResp{Event: ev, Deliveries: make([]pairView, 0, len(pairs))}
	for _, p := range pairs {
		attempts, err := s.deps.Deliveries.ListAttempts(ctx, p.ID)
		if err != nil {
			return err
		}
		resp.Deliveries = append(resp.Deliveries, pairView{Pair: p, EndpointURL: p.EndpointURL(), Attempts: attempts})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) cancelDelivery(c echo.Context) error {
	ctx := c.Request().Context()
	p, err := s.deps.Deliveries.GetPair(ctx, c.Param("id"))
	if err != nil {
		return err
	}
	if _, err := s.deps.Rooms.Get(ctx, auth.UserID(c), p.RoomID); err != nil {
		// deleted rooms have their pairs cancelled already
		return delivery.ErrPairNotFound
	}
	p, err = s.deps.Orchestrator.Cancel(ctx, p.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, pairView{Pair: p, EndpointURL: p.EndpointURL()})
}
