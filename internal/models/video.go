package models

import "time"

// SourceKind identifies where a video's media lives.
type SourceKind string

const (
	SourceYouTube SourceKind = "youtube"
	SourceS3      SourceKind = "s3"
	SourceVimeo   SourceKind = "vimeo"
)

// Valid reports whether k is a known source kind.
func (k SourceKind) Valid() bool {
	switch k {
	case SourceYouTube, SourceS3, SourceVimeo:
		return true
	}
	return false
}

// VideoDescriptor is the catalog's view of a lesson video. Read-only to this service.
type VideoDescriptor struct {
	VideoID        string     `json:"video_id"`
	Title          string     `json:"title"`
	SourceKind     SourceKind `json:"source_kind"`
	LocationURI    string     `json:"-"` // never serialized to clients; handed out only inside access tokens
	IsLive         bool       `json:"is_live"`
	ScheduledStart *time.Time `json:"scheduled_start,omitempty"`
	ScheduledEnd   *time.Time `json:"scheduled_end,omitempty"`
	IsEnded        bool       `json:"is_ended"`
}
