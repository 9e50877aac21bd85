package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/austindbirch/roomhook/internal/room"
)

var _ room.Store = (*Store)(nil)

func (s *Store) GetRoom(ctx context.Context, id string) (room.Room, error) {
	var r room.Room
	err := s.pool.QueryRow(ctx, `
		SELECT id, user_id, name, webhook_url, webhook_secret, created_at, updated_at
		FROM roomhook.rooms WHERE id = $1`, id,
	).Scan(&r.ID, &r.UserID, &r.Name, &r.Destination.URL, &r.Destination.Secret, &r.CreatedAt, &r.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return room.Room{}, room.ErrNotFound
	}
	if err != nil {
		return room.Room{}, fmt.Errorf("get room: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	r.UpdatedAt = r.UpdatedAt.UTC()
	return r, nil
}

// SaveRoom upserts r. created_at is kept from the first insert.
func (s *Store) SaveRoom(ctx context.Context, r room.Room) (room.Room, error) {
	err := s.pool.QueryRow(ctx, `
		INSERT INTO roomhook.rooms(id, user_id, name, webhook_url, webhook_secret, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE
		SET name = EXCLUDED.name,
			webhook_url = EXCLUDED.webhook_url,
			webhook_secret = EXCLUDED.webhook_secret,
			updated_at = EXCLUDED.updated_at
		RETURNING created_at`,
		r.ID, r.UserID, r.Name, r.Destination.URL, r.Destination.Secret, r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	).Scan(&r.CreatedAt)
	if err != nil {
		return room.Room{}, fmt.Errorf("save room: %w", err)
	}
	r.CreatedAt = r.CreatedAt.UTC()
	return r, nil
}

func (s *Store) DeleteRoom(ctx context.Context, id string) error {
	ct, err := s.pool.Exec(ctx, `DELETE FROM roomhook.rooms WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete room: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return room.ErrNotFound
	}
	return nil
}
