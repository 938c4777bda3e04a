// Package progress records how far each user has watched a video.
package progress

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/aura-classroom/backend/internal/models"
)

// ErrInvalidCheckpoint is returned for a checkpoint that cannot describe playback.
var ErrInvalidCheckpoint = errors.New("invalid checkpoint")

// CompletionThreshold is the percentage above which a video counts as completed.
const CompletionThreshold = 95

// Store persists progress records. Upsert must keep an existing completed_at and ignore
// records older than the stored one, returning whatever is stored afterwards.
type Store interface {
	Upsert(ctx context.Context, rec models.ProgressRecord) (models.ProgressRecord, error)
	Get(ctx context.Context, userID, videoID string) (*models.ProgressRecord, error)
}

// Checkpoint is one playback position report.
type Checkpoint struct {
	UserID          string
	VideoID         string
	CourseID        string
	PositionSeconds float64
	DurationSeconds float64
}

// Tracker validates checkpoints and answers resume queries.
type Tracker struct {
	store        Store
	minPosition  float64
	resumeExpiry time.Duration
	now          func() time.Time
}

// NewTracker creates a tracker. Positions below minPosition are acknowledged but not stored;
// a zero resumeExpiry keeps resume points forever.
func NewTracker(store Store, minPosition float64, resumeExpiry time.Duration) *Tracker {
	return &Tracker{store: store, minPosition: minPosition, resumeExpiry: resumeExpiry, now: time.Now}
}

// Checkpoint records cp. written is false when the position was below the minimum; rec is
// then the stored record, or nil if there is none.
func (t *Tracker) Checkpoint(ctx context.Context, cp Checkpoint) (rec *models.ProgressRecord, written bool, err error) {
	if err := validate(cp); err != nil {
		return nil, false, err
	}
	if cp.PositionSeconds < t.minPosition {
		rec, err := t.store.Get(ctx, cp.UserID, cp.VideoID)
		if err != nil {
			return nil, false, fmt.Errorf("get progress: %w", err)
		}
		return rec, false, nil
	}

	now := t.now().UTC()
	pct := Percentage(cp.PositionSeconds, cp.DurationSeconds)
	next := models.ProgressRecord{
		UserID:              cp.UserID,
		VideoID:             cp.VideoID,
		CourseID:            cp.CourseID,
		LastPositionSeconds: cp.PositionSeconds,
		DurationSeconds:     cp.DurationSeconds,
		Percentage:          pct,
		UpdatedAt:           now,
	}
	if pct > CompletionThreshold {
		next.CompletedAt = &now
	}
	stored, err := t.store.Upsert(ctx, next)
	if err != nil {
		return nil, false, fmt.Errorf("upsert progress: %w", err)
	}
	return &stored, true, nil
}

// ResumePosition returns where the user should resume videoID, or 0.
func (t *Tracker) ResumePosition(ctx context.Context, userID, videoID string) (float64, error) {
	if userID == "" || videoID == "" {
		return 0, ErrInvalidCheckpoint
	}
	rec, err := t.store.Get(ctx, userID, videoID)
	if err != nil {
		return 0, fmt.Errorf("get progress: %w", err)
	}
	if rec == nil {
		return 0, nil
	}
	if t.resumeExpiry > 0 && t.now().Sub(rec.UpdatedAt) > t.resumeExpiry {
		return 0, nil
	}
	return rec.LastPositionSeconds, nil
}

// Percentage is round(position/duration*100) clamped to [0, 100].
func Percentage(position, duration float64) int {
	if duration <= 0 {
		return 0
	}
	// Clamp before converting; ratios beyond int range do not convert.
	r := math.Round(position / duration * 100)
	if r >= 100 {
		return 100
	}
	if !(r > 0) {
		return 0
	}
	return int(r)
}

func validate(cp Checkpoint) error {
	switch {
	case cp.UserID == "" || cp.VideoID == "":
		return fmt.Errorf("%w: user and video ids are required", ErrInvalidCheckpoint)
	case math.IsNaN(cp.DurationSeconds) || math.IsInf(cp.DurationSeconds, 0) || cp.DurationSeconds <= 0:
		return fmt.Errorf("%w: duration must be positive", ErrInvalidCheckpoint)
	case math.IsNaN(cp.PositionSeconds) || math.IsInf(cp.PositionSeconds, 0) || cp.PositionSeconds < 0:
		return fmt.Errorf("%w: position must not be negative", ErrInvalidCheckpoint)
	}
	return nil
}
