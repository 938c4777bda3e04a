package realtime

import (
	"encoding/json"

	"github.com/aura-classroom/backend/internal/models"
)

// Client to server events.
const (
	EventJoinChat        = "join-chat"
	EventLeaveChat       = "leave-chat"
	EventSendChatMessage = "send-chat-message"
	EventTyping          = "typing"
)

// Server to client events.
const (
	EventChatMessage       = "chat-message"
	EventAdminMessage      = "admin-message"
	EventUserTyping        = "user-typing"
	EventLiveWatchingCount = "live-watching-count"
	EventChatHistory       = "chat-history"
	EventChatError         = "chat-error"
	EventReconciled        = "chat-message-reconciled"
	EventSessionStatus     = "session-status"
)

// chat-error codes.
const (
	ErrCodeValidation         = "validation"
	ErrCodeNotJoined          = "not_joined"
	ErrCodeBadRequest         = "bad_request"
	ErrCodeHistoryUnavailable = "history_unavailable"
)

// TempIDPrefix marks the id of an event whose durable append is still pending.
const TempIDPrefix = "tmp_"

// WSMessage is the WebSocket message envelope.
type WSMessage struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// ClientPayload is the data of every client to server event. UserID and UserName are
// advisory; identity comes from the authenticated connection.
type ClientPayload struct {
	VideoID  string `json:"videoId"`
	UserID   string `json:"userId,omitempty"`
	UserName string `json:"userName,omitempty"`
	Message  string `json:"message,omitempty"`
}

// EventPayload is the data of chat-message and admin-message.
type EventPayload struct {
	Event models.ChatEvent `json:"event"`
}

// CountPayload is the data of live-watching-count.
type CountPayload struct {
	VideoID string `json:"videoId"`
	Total   int    `json:"total"`
}

// HistoryPayload is the data of chat-history.
type HistoryPayload struct {
	VideoID string             `json:"videoId"`
	Events  []models.ChatEvent `json:"events"`
}

// TypingPayload is the data of user-typing.
type TypingPayload struct {
	VideoID  string `json:"videoId"`
	UserID   string `json:"userId"`
	UserName string `json:"userName"`
}

// ErrorPayload is the data of chat-error.
type ErrorPayload struct {
	VideoID string `json:"videoId,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ReconciledPayload is the data of chat-message-reconciled.
type ReconciledPayload struct {
	VideoID string `json:"videoId"`
	TempID  string `json:"tempId"`
	ID      string `json:"id"`
}

// NewMessage marshals payload into an envelope.
func NewMessage(event string, payload interface{}) (WSMessage, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return WSMessage{}, err
	}
	return WSMessage{Event: event, Data: data}, nil
}

// eventIDOf extracts the chat event id carried by a chat-message or admin-message.
func eventIDOf(msg WSMessage) string {
	if msg.Event != EventChatMessage && msg.Event != EventAdminMessage {
		return ""
	}
	var p struct {
		Event struct {
			ID string `json:"id"`
		} `json:"event"`
	}
	if json.Unmarshal(msg.Data, &p) != nil {
		return ""
	}
	return p.Event.ID
}
