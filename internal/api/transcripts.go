package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/austindbirch/roomhook/internal/auth"
	"github.com/austindbirch/roomhook/internal/delivery"
	"github.com/austindbirch/roomhook/internal/payload"
)

// IdempotencyHeader lets the pipeline retry a completion call safely.
const IdempotencyHeader = "Idempotency-Key"

type completedReq struct {
	RoomID     string             `json:"room_id"`
	OccurredAt time.Time          `json:"occurred_at"`
	Transcript payload.Transcript `json:"transcript"`
}

type completedResp struct {
	EventID  string `json:"event_id,omitempty"`
	PairID   string `json:"pair_id,omitempty"`
	Enqueued bool   `json:"enqueued"`
}

// transcriptCompleted is the pipeline boundary: one completed transcript
// becomes one event delivered to the room's destination.
func (s *Server) transcriptCompleted(c echo.Context) error {
	var req completedReq
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "bad request")
	}
	if strings.TrimSpace(req.RoomID) == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "room_id is required")
	}
	ctx := c.Request().Context()
	r, err := s.deps.Rooms.Get(ctx, auth.UserID(c), req.RoomID)
	if err != nil {
		return err
	}

	tr := req.Transcript
	tr.ID = c.Param("id")
	if tr.RoomID == "" {
		tr.RoomID = r.ID
	}
	ev := delivery.Event{
		Type:           payload.EventTranscriptCompleted,
		SubjectID:      tr.ID,
		OwnerID:        r.ID,
		OccurredAt:     req.OccurredAt,
		Source:         payload.Source{Transcript: tr, Room: r.Owner()},
		IdempotencyKey: strings.TrimSpace(c.Request().Header.Get(IdempotencyHeader)),
	}

	p, enqueued, err := s.deps.Orchestrator.Enqueue(ctx, ev, r.Destination)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, completedResp{EventID: p.EventID, PairID: p.ID, Enqueued: enqueued})
}
