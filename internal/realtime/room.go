package realtime

import (
	"context"
	"errors"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-classroom/backend/internal/auth"
	"github.com/aura-classroom/backend/internal/chat"
	"github.com/aura-classroom/backend/internal/models"
)

// ErrRoomClosed is returned when a command reaches a room that has already retired.
var ErrRoomClosed = errors.New("room closed")

const (
	storeTimeout   = 5 * time.Second
	outboxSize     = 256
	maxDisplayName = 64
)

type command interface{}

type joinCmd struct {
	peer     Peer
	userName string
}

type leaveCmd struct {
	peer Peer
}

type sendCmd struct {
	peer     Peer
	userName string
	text     string
}

type typingCmd struct {
	peer Peer
}

type countCmd struct {
	reply chan<- int
}

type adminCmd struct {
	sender auth.Identity
	text   string
	reply  chan<- adminResult
}

type broadcastCmd struct {
	msg WSMessage
}

type persistedCmd struct {
	seq uint64 // 0 for events that are stored but not broadcast
	err error
}

type historyCmd struct {
	connID string
	events []models.ChatEvent
	err    error
}

type remoteCmd struct {
	msg WSMessage
}

type subscribedCmd struct {
	cancel func()
	err    error
}

type adminResult struct {
	event models.ChatEvent
	err   error
}

// outbound is a chat event waiting for its append before it may be broadcast.
type outbound struct {
	event models.ChatEvent
	name  string
	ready bool
	reply chan<- adminResult
}

type member struct {
	peer            Peer
	userID          string
	awaitingHistory bool
	backlog         []WSMessage
}

// room owns the presence and broadcast order of one video's chat. All state is confined to
// the run goroutine; other goroutines talk to it through cmds.
type room struct {
	videoID string
	hub     *Hub
	cmds    chan command
	done    chan struct{}
	outbox  chan WSMessage
	logger  *zap.Logger

	members      map[string]*member            // connID -> member
	users        map[string]map[string]*member // userID -> connID -> member
	joinRecorded map[string]bool
	pending      map[uint64]*outbound
	nextSeq      uint64
	flushSeq     uint64
	inflight     int
	cancelSub    func()
}

func newRoom(h *Hub, videoID string) *room {
	return &room{
		videoID:      videoID,
		hub:          h,
		cmds:         make(chan command),
		done:         make(chan struct{}),
		outbox:       make(chan WSMessage, outboxSize),
		logger:       h.logger.With(zap.String("video_id", videoID)),
		members:      make(map[string]*member),
		users:        make(map[string]map[string]*member),
		joinRecorded: make(map[string]bool),
		pending:      make(map[uint64]*outbound),
		nextSeq:      1,
		flushSeq:     1,
	}
}

// submit hands cmd to the room. It fails only once the room has retired.
func (r *room) submit(cmd command) error {
	select {
	case r.cmds <- cmd:
		return nil
	case <-r.done:
		return ErrRoomClosed
	}
}

func (r *room) run() {
	go r.publishLoop()
	r.subscribe()
	for cmd := range r.cmds {
		r.handle(cmd)
		if r.idle() {
			r.retire()
			return
		}
	}
}

func (r *room) idle() bool {
	return len(r.members) == 0 && r.inflight == 0 && len(r.pending) == 0
}

func (r *room) retire() {
	h := r.hub
	h.mu.Lock()
	if h.rooms[r.videoID] == r {
		delete(h.rooms, r.videoID)
	}
	close(r.done)
	if h.watcher != nil {
		h.watcher.Stop(r.videoID)
	}
	h.mu.Unlock()

	close(r.outbox)
	if r.cancelSub != nil {
		r.cancelSub()
	}
	r.logger.Debug("room retired")
}

func (r *room) handle(cmd command) {
	switch c := cmd.(type) {
	case joinCmd:
		r.join(c)
	case leaveCmd:
		r.leave(c.peer)
	case sendCmd:
		r.send(c)
	case typingCmd:
		r.typing(c.peer)
	case countCmd:
		c.reply <- len(r.users)
	case adminCmd:
		r.admin(c)
	case broadcastCmd:
		r.deliverAll(c.msg, "")
	case persistedCmd:
		r.persisted(c)
	case historyCmd:
		r.history(c)
	case remoteCmd:
		r.deliverAll(c.msg, "")
	case subscribedCmd:
		r.inflight--
		if c.err != nil {
			r.logger.Warn("room subscription failed, delivering locally only", zap.Error(c.err))
			return
		}
		r.cancelSub = c.cancel
	default:
		r.logger.Error("unknown room command")
	}
}

func (r *room) join(c joinCmd) {
	connID := c.peer.ID()
	id := c.peer.Identity()
	if _, ok := r.members[connID]; ok {
		r.broadcastCount()
		return
	}

	m := &member{peer: c.peer, userID: id.UserID, awaitingHistory: true}
	r.members[connID] = m
	if r.users[id.UserID] == nil {
		r.users[id.UserID] = make(map[string]*member)
	}
	r.users[id.UserID][connID] = m
	r.broadcastCount()

	if !r.joinRecorded[id.UserID] {
		r.joinRecorded[id.UserID] = true
		r.persist(0, r.newEvent(id, displayName(id, c.userName), models.ChatEventJoin, ""), true)
	}
	r.loadHistory(connID)
	r.logger.Debug("member joined", zap.String("user_id", id.UserID), zap.String("conn_id", connID), zap.Int("users", len(r.users)))
}

func (r *room) leave(p Peer) {
	connID := p.ID()
	m, ok := r.members[connID]
	if !ok {
		return
	}
	delete(r.members, connID)
	conns := r.users[m.userID]
	delete(conns, connID)
	last := len(conns) == 0
	if last {
		delete(r.users, m.userID)
	}
	r.broadcastCount()

	if last {
		id := p.Identity()
		r.persist(0, r.newEvent(id, displayName(id, ""), models.ChatEventLeave, ""), false)
	}
	r.logger.Debug("member left", zap.String("user_id", m.userID), zap.String("conn_id", connID), zap.Int("users", len(r.users)))
}

func (r *room) send(c sendCmd) {
	m, ok := r.members[c.peer.ID()]
	if !ok {
		r.sendError(c.peer, ErrCodeNotJoined, "join the chat before sending messages")
		return
	}
	text, err := chat.NormalizeMessage(c.text, r.hub.cfg.MaxMessageLength)
	if err != nil {
		r.deliver(m, errorMessage(r.videoID, ErrCodeValidation, err.Error()))
		return
	}
	id := c.peer.Identity()
	e := r.newEvent(id, displayName(id, c.userName), models.ChatEventMessage, text)
	e.IsPrivileged = id.IsAdmin()
	r.enqueue(e, EventChatMessage, nil)
}

func (r *room) admin(c adminCmd) {
	name := r.hub.cfg.AdminDisplayName
	if name == "" {
		name = displayName(c.sender, "")
	}
	e := r.newEvent(c.sender, name, models.ChatEventMessage, c.text)
	e.IsPrivileged = true
	r.enqueue(e, EventAdminMessage, c.reply)
}

func (r *room) typing(p Peer) {
	m, ok := r.members[p.ID()]
	if !ok {
		return
	}
	id := p.Identity()
	msg, err := NewMessage(EventUserTyping, TypingPayload{VideoID: r.videoID, UserID: m.userID, UserName: displayName(id, "")})
	if err != nil {
		return
	}
	r.deliverAll(msg, p.ID())
	r.publish(msg)
}

// enqueue assigns e the next broadcast slot and starts its append.
func (r *room) enqueue(e models.ChatEvent, name string, reply chan<- adminResult) {
	seq := r.nextSeq
	r.nextSeq++
	r.pending[seq] = &outbound{event: e, name: name, reply: reply}
	r.persist(seq, e, false)
}

func (r *room) persist(seq uint64, e models.ChatEvent, joinOnce bool) {
	r.inflight++
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		var err error
		if joinOnce {
			_, err = r.hub.store.AppendJoinOnce(ctx, e)
		} else {
			err = r.hub.store.Append(ctx, e)
		}
		if err != nil {
			r.logger.Warn("chat append failed", zap.String("event_id", e.ID), zap.String("kind", string(e.Kind)), zap.Error(err))
			r.hub.queueRetry(e, seq > 0)
		}
		_ = r.submit(persistedCmd{seq: seq, err: err})
	}()
}

func (r *room) persisted(c persistedCmd) {
	r.inflight--
	if c.seq == 0 {
		return
	}
	ob, ok := r.pending[c.seq]
	if !ok {
		return
	}
	if c.err != nil {
		ob.event.ID = TempIDPrefix + ob.event.ID
		ob.event.Pending = true
	}
	ob.ready = true
	r.flush()
}

// flush broadcasts ready events strictly in creation order.
func (r *room) flush() {
	for {
		ob, ok := r.pending[r.flushSeq]
		if !ok || !ob.ready {
			return
		}
		delete(r.pending, r.flushSeq)
		r.flushSeq++

		msg, err := NewMessage(ob.name, EventPayload{Event: ob.event})
		if err == nil {
			r.deliverAll(msg, "")
			r.publish(msg)
		}
		if ob.reply != nil {
			ob.reply <- adminResult{event: ob.event, err: err}
		}
	}
}

func (r *room) loadHistory(connID string) {
	r.inflight++
	limit := r.hub.cfg.HistoryLimit
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
		defer cancel()
		events, err := r.hub.store.History(ctx, r.videoID, limit, models.ChatEventMessage)
		_ = r.submit(historyCmd{connID: connID, events: events, err: err})
	}()
}

func (r *room) history(c historyCmd) {
	r.inflight--
	m, ok := r.members[c.connID]
	if !ok {
		return
	}
	m.awaitingHistory = false
	seen := make(map[string]bool, len(c.events))
	if c.err != nil {
		r.logger.Warn("chat history load failed", zap.String("conn_id", c.connID), zap.Error(c.err))
		r.deliver(m, errorMessage(r.videoID, ErrCodeHistoryUnavailable, "chat history is temporarily unavailable"))
	} else {
		events := c.events
		if events == nil {
			events = []models.ChatEvent{}
		}
		for _, e := range events {
			seen[e.ID] = true
		}
		if msg, err := NewMessage(EventChatHistory, HistoryPayload{VideoID: r.videoID, Events: events}); err == nil {
			r.deliver(m, msg)
		}
	}
	backlog := m.backlog
	m.backlog = nil
	for _, msg := range backlog {
		if !seen[eventIDOf(msg)] {
			r.deliver(m, msg)
		}
	}
}

func (r *room) subscribe() {
	if r.hub.transport == nil {
		return
	}
	r.inflight++
	go func() {
		cancel, err := r.hub.transport.SubscribeRoom(r.videoID, func(msg WSMessage) {
			_ = r.submit(remoteCmd{msg: msg})
		})
		if err := r.submit(subscribedCmd{cancel: cancel, err: err}); err != nil && cancel != nil {
			cancel()
		}
	}()
}

func (r *room) publish(msg WSMessage) {
	if r.hub.transport == nil {
		return
	}
	select {
	case r.outbox <- msg:
	default:
		r.logger.Warn("room outbox full, dropping cross-instance event", zap.String("event", msg.Event))
	}
}

func (r *room) publishLoop() {
	for msg := range r.outbox {
		if err := r.hub.transport.PublishRoomEvent(r.videoID, msg); err != nil {
			r.logger.Warn("publish room event failed", zap.String("event", msg.Event), zap.Error(err))
		}
	}
}

func (r *room) broadcastCount() {
	r.deliverAll(r.countMessage(), "")
}

func (r *room) countMessage() WSMessage {
	msg, _ := NewMessage(EventLiveWatchingCount, CountPayload{VideoID: r.videoID, Total: len(r.users)})
	return msg
}

func (r *room) sendError(p Peer, code, text string) {
	if !p.Deliver(errorMessage(r.videoID, code, text)) {
		r.logger.Debug("dropped chat error", zap.String("conn_id", p.ID()))
	}
}

func (r *room) deliverAll(msg WSMessage, exceptConn string) {
	for connID, m := range r.members {
		if connID == exceptConn {
			continue
		}
		r.deliver(m, msg)
	}
}

// deliver hands msg to one member. Chat events for a member still waiting on its history
// replay are held back so the replay arrives first.
func (r *room) deliver(m *member, msg WSMessage) {
	if m.awaitingHistory && eventIDOf(msg) != "" {
		m.backlog = append(m.backlog, msg)
		return
	}
	if !m.peer.Deliver(msg) {
		r.logger.Debug("send buffer full, dropping event", zap.String("conn_id", m.peer.ID()), zap.String("event", msg.Event))
	}
}

func (r *room) newEvent(id auth.Identity, name string, kind models.ChatEventKind, text string) models.ChatEvent {
	return models.ChatEvent{
		ID:        uuid.NewString(),
		VideoID:   r.videoID,
		UserID:    id.UserID,
		UserName:  name,
		Kind:      kind,
		Text:      text,
		CreatedAt: r.hub.now().UTC(),
	}
}

func errorMessage(videoID, code, text string) WSMessage {
	msg, _ := NewMessage(EventChatError, ErrorPayload{VideoID: videoID, Code: code, Message: text})
	return msg
}

// displayName prefers the authenticated name. The client supplied name is only a fallback
// for display and is never used as identity.
func displayName(id auth.Identity, fallback string) string {
	name := strings.TrimSpace(id.Name)
	if name == "" {
		name = strings.TrimSpace(fallback)
	}
	if name == "" {
		return "Anonymous"
	}
	if utf8.RuneCountInString(name) > maxDisplayName {
		name = string([]rune(name)[:maxDisplayName])
	}
	return name
}
