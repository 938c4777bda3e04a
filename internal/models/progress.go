package models

import "time"

// ProgressRecord is the resume checkpoint for one user and video.
type ProgressRecord struct {
	UserID              string     `json:"user_id"`
	VideoID             string     `json:"video_id"`
	CourseID            string     `json:"course_id"`
	LastPositionSeconds float64    `json:"last_position_seconds"`
	DurationSeconds     float64    `json:"duration_seconds"`
	Percentage          int        `json:"percentage"`
	CompletedAt         *time.Time `json:"completed_at,omitempty"`
	UpdatedAt           time.Time  `json:"updated_at"`
}
