// Package catalog reads video descriptors owned by the catalog service.
package catalog

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-classroom/backend/internal/models"
)

// ErrVideoNotFound is returned when the catalog has no such video.
var ErrVideoNotFound = errors.New("video not found")

// Repository is a read-only view of the catalog's videos table.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a catalog repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

// GetVideo returns the descriptor for id.
func (r *Repository) GetVideo(ctx context.Context, id string) (*models.VideoDescriptor, error) {
	const q = `SELECT id, title, source_kind, location_uri, is_live, scheduled_start, scheduled_end, is_ended
		FROM videos WHERE id = $1`
	var d models.VideoDescriptor
	err := r.pool.QueryRow(ctx, q, id).Scan(&d.VideoID, &d.Title, &d.SourceKind, &d.LocationURI, &d.IsLive, &d.ScheduledStart, &d.ScheduledEnd, &d.IsEnded)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVideoNotFound
		}
		return nil, fmt.Errorf("get video: %w", err)
	}
	return &d, nil
}
