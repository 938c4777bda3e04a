package models

import "time"

// ChatEventKind is the type of a chat log entry.
type ChatEventKind string

const (
	ChatEventJoin    ChatEventKind = "join"
	ChatEventLeave   ChatEventKind = "leave"
	ChatEventMessage ChatEventKind = "message"
)

// ChatEvent is one immutable entry of a video's chat log.
type ChatEvent struct {
	ID           string        `json:"id"`
	VideoID      string        `json:"video_id"`
	UserID       string        `json:"user_id"`
	UserName     string        `json:"user_name"`
	Kind         ChatEventKind `json:"kind"`
	Text         string        `json:"text,omitempty"`
	IsPrivileged bool          `json:"is_privileged"`
	Pending      bool          `json:"pending,omitempty"` // durable append not yet confirmed; ID is temporary
	CreatedAt    time.Time     `json:"created_at"`
}
