// Package chat stores the append-only chat log of each video.
package chat

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-classroom/backend/internal/models"
)

// MaxHistoryLimit caps a single history read.
const MaxHistoryLimit = 500

// Store is the chat log used by rooms and the history endpoint. Implementations must be safe
// for concurrent use.
type Store interface {
	Append(ctx context.Context, e models.ChatEvent) error
	AppendJoinOnce(ctx context.Context, e models.ChatEvent) (bool, error)
	History(ctx context.Context, videoID string, limit int, kinds ...models.ChatEventKind) ([]models.ChatEvent, error)
}

// Repository is the Postgres chat log.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a chat repository.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const insertEvent = `INSERT INTO chat_events (id, video_id, user_id, user_name, kind, text, is_privileged, created_at)
	VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8)
	ON CONFLICT DO NOTHING`

// Append inserts e. Re-appending an id that already exists is a no-op.
func (r *Repository) Append(ctx context.Context, e models.ChatEvent) error {
	_, err := r.pool.Exec(ctx, insertEvent, e.ID, e.VideoID, e.UserID, e.UserName, e.Kind, e.Text, e.IsPrivileged, e.CreatedAt)
	if err != nil {
		return fmt.Errorf("append chat event: %w", err)
	}
	return nil
}

// AppendJoinOnce inserts a join event unless the user already has one for the video.
// inserted is false when an earlier join exists.
func (r *Repository) AppendJoinOnce(ctx context.Context, e models.ChatEvent) (bool, error) {
	if e.Kind != models.ChatEventJoin {
		return false, fmt.Errorf("append join once: kind %q", e.Kind)
	}
	tag, err := r.pool.Exec(ctx, insertEvent, e.ID, e.VideoID, e.UserID, e.UserName, e.Kind, e.Text, e.IsPrivileged, e.CreatedAt)
	if err != nil {
		return false, fmt.Errorf("append join: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// History returns up to limit most recent events of videoID, oldest first. With kinds set only
// those kinds are returned.
func (r *Repository) History(ctx context.Context, videoID string, limit int, kinds ...models.ChatEventKind) ([]models.ChatEvent, error) {
	limit = ClampLimit(limit)
	filter := make([]string, 0, len(kinds))
	for _, k := range kinds {
		filter = append(filter, string(k))
	}
	const q = `SELECT id, video_id, user_id, user_name, kind, COALESCE(text, ''), is_privileged, created_at
		FROM (
			SELECT * FROM chat_events
			WHERE video_id = $1 AND (cardinality($3::text[]) = 0 OR kind = ANY($3::text[]))
			ORDER BY created_at DESC, id DESC
			LIMIT $2
		) recent
		ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, q, videoID, limit, filter)
	if err != nil {
		return nil, fmt.Errorf("chat history: %w", err)
	}
	defer rows.Close()

	events := make([]models.ChatEvent, 0, limit)
	for rows.Next() {
		var e models.ChatEvent
		if err := rows.Scan(&e.ID, &e.VideoID, &e.UserID, &e.UserName, &e.Kind, &e.Text, &e.IsPrivileged, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// Transcript returns every event of videoID, oldest first.
func (r *Repository) Transcript(ctx context.Context, videoID string) ([]models.ChatEvent, error) {
	const q = `SELECT id, video_id, user_id, user_name, kind, COALESCE(text, ''), is_privileged, created_at
		FROM chat_events WHERE video_id = $1
		ORDER BY created_at ASC, id ASC`
	rows, err := r.pool.Query(ctx, q, videoID)
	if err != nil {
		return nil, fmt.Errorf("chat transcript: %w", err)
	}
	defer rows.Close()

	var events []models.ChatEvent
	for rows.Next() {
		var e models.ChatEvent
		if err := rows.Scan(&e.ID, &e.VideoID, &e.UserID, &e.UserName, &e.Kind, &e.Text, &e.IsPrivileged, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan chat event: %w", err)
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// ClampLimit maps a requested history size onto [1, MaxHistoryLimit]. Non-positive means max.
func ClampLimit(limit int) int {
	if limit <= 0 || limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
