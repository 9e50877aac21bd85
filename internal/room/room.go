// Package room is the configuration workflow that owns destinations: it
// creates, edits, rotates and deletes them together with their room.
package room

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/austindbirch/roomhook/internal/destination"
	"github.com/austindbirch/roomhook/internal/logging"
	"github.com/austindbirch/roomhook/internal/payload"
)

var (
	ErrNotFound      = errors.New("room not found")
	ErrForbidden     = errors.New("room belongs to another user")
	ErrInvalidID     = errors.New("room id is required")
	ErrNoDestination = errors.New("room has no webhook url")
)

type Room struct {
	ID          string                  `json:"id"`
	UserID      string                  `json:"user_id"`
	Name        string                  `json:"name"`
	Destination destination.Destination `json:"destination"`
	CreatedAt   time.Time               `json:"created_at"`
	UpdatedAt   time.Time               `json:"updated_at"`
}

// Owner is the identity embedded in webhook payloads.
func (r Room) Owner() payload.Room {
	return payload.Room{ID: r.ID, Name: r.Name}
}

type Store interface {
	GetRoom(ctx context.Context, id string) (Room, error) // ErrNotFound when absent
	SaveRoom(ctx context.Context, r Room) (Room, error)
	DeleteRoom(ctx context.Context, id string) error
}

// Canceller stops outstanding deliveries of a room.
type Canceller interface {
	CancelRoom(ctx context.Context, roomID string) (int, error)
}

// Input is a create-or-update request. A blank Destination.Secret keeps the
// current secret, or generates one when there is none.
type Input struct {
	ID          string
	Name        string
	Destination destination.Destination
}

type Service struct {
	store  Store
	cancel Canceller
	logger *logging.Logger
	now    func() time.Time
}

func NewService(store Store, cancel Canceller) *Service {
	return &Service{store: store, cancel: cancel, logger: logging.Default(), now: time.Now}
}

func (s *Service) WithLogger(l *logging.Logger) *Service {
	s.logger = l
	return s
}

// Save creates the room or updates one owned by userID. Removing the URL
// cancels the room's outstanding deliveries.
func (s *Service) Save(ctx context.Context, userID string, in Input) (Room, error) {
	in.ID = strings.TrimSpace(in.ID)
	if in.ID == "" {
		return Room{}, ErrInvalidID
	}
	now := s.now().UTC()

	current, err := s.store.GetRoom(ctx, in.ID)
	switch {
	case errors.Is(err, ErrNotFound):
		current = Room{ID: in.ID, UserID: userID, CreatedAt: now}
	case err != nil:
		return Room{}, fmt.Errorf("get room: %w", err)
	case current.UserID != userID:
		return Room{}, ErrForbidden
	}

	dest, err := destination.Prepare(destination.Merge(current.Destination, in.Destination))
	if err != nil {
		return Room{}, err
	}
	disabled := current.Destination.Enabled() && !dest.Enabled()

	current.Name = in.Name
	current.Destination = dest
	current.UpdatedAt = now
	saved, err := s.store.SaveRoom(ctx, current)
	if err != nil {
		return Room{}, fmt.Errorf("save room: %w", err)
	}

	log := s.logger.WithContext(ctx).WithRoom(saved.ID).WithField("webhook_enabled", dest.Enabled())
	if disabled {
		if _, err := s.cancel.CancelRoom(ctx, saved.ID); err != nil {
			log.WithError(err).Error("cancel deliveries after webhook removal failed")
		}
	}
	log.Info("room saved")
	return saved, nil
}

// Get returns the room if userID owns it.
func (s *Service) Get(ctx context.Context, userID, id string) (Room, error) {
	r, err := s.store.GetRoom(ctx, id)
	if err != nil {
		return Room{}, err
	}
	if r.UserID != userID {
		return Room{}, ErrForbidden
	}
	return r, nil
}

// Delete removes the room and its destination after cancelling its
// outstanding deliveries.
func (s *Service) Delete(ctx context.Context, userID, id string) error {
	if _, err := s.Get(ctx, userID, id); err != nil {
		return err
	}
	n, err := s.cancel.CancelRoom(ctx, id)
	if err != nil {
		return fmt.Errorf("cancel deliveries: %w", err)
	}
	if err := s.store.DeleteRoom(ctx, id); err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	s.logger.WithContext(ctx).WithRoom(id).WithField("cancelled", n).Info("room deleted")
	return nil
}

// RotateSecret replaces the signing secret. Pairs created earlier keep the
// secret they were created with.
func (s *Service) RotateSecret(ctx context.Context, userID, id string) (Room, error) {
	r, err := s.Get(ctx, userID, id)
	if err != nil {
		return Room{}, err
	}
	if !r.Destination.Enabled() {
		return Room{}, ErrNoDestination
	}
	secret, err := destination.GenerateSecret(destination.SecretBytes)
	if err != nil {
		return Room{}, fmt.Errorf("generate secret: %w", err)
	}
	r.Destination.Secret = secret
	r.UpdatedAt = s.now().UTC()
	saved, err := s.store.SaveRoom(ctx, r)
	if err != nil {
		return Room{}, fmt.Errorf("save room: %w", err)
	}
	s.logger.WithContext(ctx).WithRoom(id).Info("webhook secret rotated")
	return saved, nil
}
