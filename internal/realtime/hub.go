// Package realtime runs the live chat rooms: one actor goroutine per video, WebSocket
// connections and Redis fan-out between instances.
package realtime

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/auth"
	"github.com/aura-classroom/backend/internal/chat"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/pkg/queue"
)

// ErrMissingVideoID is returned for room operations without a video id.
var ErrMissingVideoID = errors.New("video id required")

// Peer is one live connection as seen by a room.
type Peer interface {
	ID() string
	Identity() auth.Identity
	// Deliver queues msg without blocking. It reports false when the message was dropped.
	Deliver(msg WSMessage) bool
}

// RetryQueue accepts chat events whose append failed.
type RetryQueue interface {
	EnqueueChatPersist(ctx context.Context, payload queue.ChatPersistPayload) error
}

// RoomWatcher is told when a room opens and when it retires.
type RoomWatcher interface {
	Start(videoID string)
	Stop(videoID string)
}

// Config holds room limits.
type Config struct {
	HistoryLimit     int
	MaxMessageLength int
	AdminDisplayName string
}

// Hub is the registry of open rooms. Rooms share no state with each other.
type Hub struct {
	mu        sync.Mutex
	rooms     map[string]*room
	store     chat.Store
	transport Transport
	retry     RetryQueue
	watcher   RoomWatcher
	cfg       Config
	now       func() time.Time
	logger    *zap.Logger
}

// NewHub creates a room registry. transport may be nil for a single instance.
func NewHub(store chat.Store, transport Transport, cfg Config, logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HistoryLimit <= 0 {
		cfg.HistoryLimit = chat.MaxHistoryLimit
	}
	return &Hub{
		rooms:     make(map[string]*room),
		store:     store,
		transport: transport,
		cfg:       cfg,
		now:       time.Now,
		logger:    logger,
	}
}

// SetRetryQueue sets where failed appends are queued for the worker.
func (h *Hub) SetRetryQueue(q RetryQueue) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.retry = q
}

// SetRoomWatcher sets the watcher notified of room lifetimes.
func (h *Hub) SetRoomWatcher(w RoomWatcher) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.watcher = w
}

// Join adds the connection to the video's room. The joining connection receives the
// watching count and a replay of recent messages.
func (h *Hub) Join(p Peer, videoID, userName string) error {
	if videoID == "" {
		return ErrMissingVideoID
	}
	h.dispatch(videoID, joinCmd{peer: p, userName: userName})
	return nil
}

// Leave removes the connection from the video's room. Leaving a room the connection never
// joined is a no-op.
func (h *Hub) Leave(p Peer, videoID string) {
	if r := h.existing(videoID); r != nil {
		_ = r.submit(leaveCmd{peer: p})
	}
}

// Send posts a chat message from a joined connection.
func (h *Hub) Send(p Peer, videoID, userName, text string) error {
	if videoID == "" {
		return ErrMissingVideoID
	}
	r := h.existing(videoID)
	if r == nil || r.submit(sendCmd{peer: p, userName: userName, text: text}) != nil {
		p.Deliver(errorMessage(videoID, ErrCodeNotJoined, "join the chat before sending messages"))
	}
	return nil
}

// Typing tells the other members of the room that the connection's user is typing.
func (h *Hub) Typing(p Peer, videoID string) {
	if r := h.existing(videoID); r != nil {
		_ = r.submit(typingCmd{peer: p})
	}
}

// Count returns the number of distinct users watching videoID on this instance.
func (h *Hub) Count(videoID string) int {
	r := h.existing(videoID)
	if r == nil {
		return 0
	}
	reply := make(chan int, 1)
	if r.submit(countCmd{reply: reply}) != nil {
		return 0
	}
	return <-reply
}

// AdminMessage stores and broadcasts a privileged message. No join is required.
func (h *Hub) AdminMessage(ctx context.Context, videoID string, sender auth.Identity, text string) (models.ChatEvent, error) {
	if videoID == "" {
		return models.ChatEvent{}, ErrMissingVideoID
	}
	text, err := chat.NormalizeMessage(text, h.cfg.MaxMessageLength)
	if err != nil {
		return models.ChatEvent{}, err
	}
	reply := make(chan adminResult, 1)
	h.dispatch(videoID, adminCmd{sender: sender, text: text, reply: reply})
	select {
	case res := <-reply:
		return res.event, res.err
	case <-ctx.Done():
		return models.ChatEvent{}, ctx.Err()
	}
}

// Broadcast sends an event to the local members of videoID's room, if the room is open.
func (h *Hub) Broadcast(videoID, event string, payload interface{}) {
	r := h.existing(videoID)
	if r == nil {
		return
	}
	msg, err := NewMessage(event, payload)
	if err != nil {
		h.logger.Warn("broadcast marshal failed", zap.String("event", event), zap.Error(err))
		return
	}
	_ = r.submit(broadcastCmd{msg: msg})
}

// OpenRooms returns the number of rooms currently running.
func (h *Hub) OpenRooms() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.rooms)
}

// dispatch delivers cmd to the video's room, opening one if needed. A room that retires
// between lookup and delivery is replaced.
func (h *Hub) dispatch(videoID string, cmd command) {
	for {
		if err := h.getOrCreate(videoID).submit(cmd); err == nil {
			return
		}
	}
}

func (h *Hub) getOrCreate(videoID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	if r, ok := h.rooms[videoID]; ok {
		return r
	}
	r := newRoom(h, videoID)
	h.rooms[videoID] = r
	if h.watcher != nil {
		h.watcher.Start(videoID)
	}
	go r.run()
	return r
}

func (h *Hub) existing(videoID string) *room {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.rooms[videoID]
}

func (h *Hub) queueRetry(e models.ChatEvent, broadcast bool) {
	h.mu.Lock()
	q := h.retry
	h.mu.Unlock()
	if q == nil {
		return
	}
	payload := queue.ChatPersistPayload{Event: e}
	if broadcast {
		payload.TempID = TempIDPrefix + e.ID
	}
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := q.EnqueueChatPersist(ctx, payload); err != nil {
		h.logger.Error("enqueue chat retry failed", zap.String("video_id", e.VideoID), zap.String("event_id", e.ID), zap.Error(err))
	}
}
