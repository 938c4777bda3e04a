package progress

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-classroom/backend/internal/models"
)

// Repository is the Postgres progress store.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a progress repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const progressColumns = `user_id, video_id, course_id, last_position_seconds, duration_seconds, percentage, completed_at, updated_at`

// Upsert writes rec unless a newer checkpoint is already stored. completed_at, once set, is kept.
func (r *Repository) Upsert(ctx context.Context, rec models.ProgressRecord) (models.ProgressRecord, error) {
	const q = `INSERT INTO watch_progress (` + progressColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (user_id, video_id) DO UPDATE SET
			course_id = EXCLUDED.course_id,
			last_position_seconds = EXCLUDED.last_position_seconds,
			duration_seconds = EXCLUDED.duration_seconds,
			percentage = EXCLUDED.percentage,
			completed_at = COALESCE(watch_progress.completed_at, EXCLUDED.completed_at),
			updated_at = EXCLUDED.updated_at
		WHERE watch_progress.updated_at <= EXCLUDED.updated_at
		RETURNING ` + progressColumns
	out, err := scanRecord(r.pool.QueryRow(ctx, q, rec.UserID, rec.VideoID, rec.CourseID, rec.LastPositionSeconds,
		rec.DurationSeconds, rec.Percentage, rec.CompletedAt, rec.UpdatedAt))
	if errors.Is(err, pgx.ErrNoRows) {
		// a newer checkpoint won
		current, err := r.Get(ctx, rec.UserID, rec.VideoID)
		if err != nil {
			return models.ProgressRecord{}, err
		}
		if current == nil {
			return models.ProgressRecord{}, fmt.Errorf("upsert progress: row vanished")
		}
		return *current, nil
	}
	if err != nil {
		return models.ProgressRecord{}, fmt.Errorf("upsert progress: %w", err)
	}
	return *out, nil
}

// Get returns the stored record, or nil when the user has no progress on the video.
func (r *Repository) Get(ctx context.Context, userID, videoID string) (*models.ProgressRecord, error) {
	const q = `SELECT ` + progressColumns + ` FROM watch_progress WHERE user_id = $1 AND video_id = $2`
	rec, err := scanRecord(r.pool.QueryRow(ctx, q, userID, videoID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get progress: %w", err)
	}
	return rec, nil
}

func scanRecord(row pgx.Row) (*models.ProgressRecord, error) {
	var rec models.ProgressRecord
	err := row.Scan(&rec.UserID, &rec.VideoID, &rec.CourseID, &rec.LastPositionSeconds, &rec.DurationSeconds,
		&rec.Percentage, &rec.CompletedAt, &rec.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
