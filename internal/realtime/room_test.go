package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-classroom/backend/internal/auth"
	"github.com/aura-classroom/backend/internal/chat"
	"github.com/aura-classroom/backend/internal/chat/chattest"
	"github.com/aura-classroom/backend/internal/models"
	"github.com/aura-classroom/backend/pkg/queue"
)

const waitFor = 2 * time.Second

type fakePeer struct {
	id       string
	identity auth.Identity
	ch       chan WSMessage
}

func newPeer(connID, userID, name, role string) *fakePeer {
	return &fakePeer{
		id:       connID,
		identity: auth.Identity{UserID: userID, Name: name, Role: role},
		ch:       make(chan WSMessage, 512),
	}
}

func (p *fakePeer) ID() string              { return p.id }
func (p *fakePeer) Identity() auth.Identity { return p.identity }
func (p *fakePeer) Deliver(msg WSMessage) bool {
	select {
	case p.ch <- msg:
		return true
	default:
		return false
	}
}

// next returns the next message named event, skipping others.
func next(t *testing.T, p *fakePeer, event string) WSMessage {
	t.Helper()
	timeout := time.After(waitFor)
	for {
		select {
		case msg := <-p.ch:
			if msg.Event == event {
				return msg
			}
		case <-timeout:
			t.Fatalf("%s: no %s within %s", p.id, event, waitFor)
		}
	}
}

func expectCount(t *testing.T, p *fakePeer, total int) {
	t.Helper()
	var c CountPayload
	require.NoError(t, json.Unmarshal(next(t, p, EventLiveWatchingCount).Data, &c))
	assert.Equal(t, total, c.Total, "count seen by %s", p.id)
}

func expectEvent(t *testing.T, p *fakePeer, event string) models.ChatEvent {
	t.Helper()
	var e EventPayload
	require.NoError(t, json.Unmarshal(next(t, p, event).Data, &e))
	return e.Event
}

func expectHistory(t *testing.T, p *fakePeer) []models.ChatEvent {
	t.Helper()
	var h HistoryPayload
	require.NoError(t, json.Unmarshal(next(t, p, EventChatHistory).Data, &h))
	return h.Events
}

func expectError(t *testing.T, p *fakePeer, code string) {
	t.Helper()
	var e ErrorPayload
	require.NoError(t, json.Unmarshal(next(t, p, EventChatError).Data, &e))
	assert.Equal(t, code, e.Code)
}

// drain returns everything currently buffered for p once the room has gone quiet.
func drain(p *fakePeer) []WSMessage {
	time.Sleep(50 * time.Millisecond)
	var out []WSMessage
	for {
		select {
		case msg := <-p.ch:
			out = append(out, msg)
		default:
			return out
		}
	}
}

func countEvents(msgs []WSMessage, event string) int {
	n := 0
	for _, m := range msgs {
		if m.Event == event {
			n++
		}
	}
	return n
}

func kinds(events []models.ChatEvent, kind models.ChatEventKind) int {
	n := 0
	for _, e := range events {
		if e.Kind == kind {
			n++
		}
	}
	return n
}

func waitRetired(t *testing.T, h *Hub) {
	t.Helper()
	require.Eventually(t, func() bool { return h.OpenRooms() == 0 }, waitFor, 5*time.Millisecond)
}

func newTestHub(store chat.Store) *Hub {
	return NewHub(store, nil, Config{HistoryLimit: 500, MaxMessageLength: 20, AdminDisplayName: "Admin"}, nil)
}

func TestTwoUserScenario(t *testing.T) {
	store := chattest.NewStore()
	hub := newTestHub(store)
	a := newPeer("conn-a", "user-a", "Ada", "student")
	b := newPeer("conn-b", "user-b", "Bo", "student")

	require.NoError(t, hub.Join(a, "42", ""))
	expectCount(t, a, 1)
	assert.Empty(t, expectHistory(t, a))

	require.NoError(t, hub.Join(b, "42", ""))
	expectCount(t, a, 2)
	expectCount(t, b, 2)
	expectHistory(t, b)
	assert.Equal(t, 2, hub.Count("42"))

	require.NoError(t, hub.Send(a, "42", "", "hello"))
	ea := expectEvent(t, a, EventChatMessage)
	eb := expectEvent(t, b, EventChatMessage)
	assert.Equal(t, "hello", ea.Text)
	assert.Equal(t, ea.ID, eb.ID)
	assert.Equal(t, "user-a", ea.UserID)
	assert.False(t, ea.Pending)

	hub.Leave(b, "42")
	expectCount(t, a, 1)

	// abrupt disconnect takes the same path as an explicit leave
	hub.Leave(a, "42")
	waitRetired(t, hub)
	assert.Equal(t, 0, hub.Count("42"))

	assert.Zero(t, countEvents(drain(a), EventChatMessage))
	assert.Zero(t, countEvents(drain(b), EventChatMessage))

	events := store.Events("42")
	assert.Equal(t, 2, kinds(events, models.ChatEventJoin))
	assert.Equal(t, 1, kinds(events, models.ChatEventMessage))
	assert.Equal(t, 2, kinds(events, models.ChatEventLeave))
}

func TestPresenceCountsDistinctUsers(t *testing.T) {
	store := chattest.NewStore()
	hub := newTestHub(store)
	tab1 := newPeer("tab-1", "user-a", "Ada", "student")
	tab2 := newPeer("tab-2", "user-a", "Ada", "student")

	require.NoError(t, hub.Join(tab1, "7", ""))
	expectCount(t, tab1, 1)
	require.NoError(t, hub.Join(tab2, "7", ""))
	expectCount(t, tab2, 1)
	assert.Equal(t, 1, hub.Count("7"))

	hub.Leave(tab1, "7")
	expectCount(t, tab2, 1)
	hub.Leave(tab2, "7")
	waitRetired(t, hub)

	events := store.Events("7")
	assert.Equal(t, 1, kinds(events, models.ChatEventJoin))
	assert.Equal(t, 1, kinds(events, models.ChatEventLeave))
}

func TestJoinAndLeaveAreIdempotent(t *testing.T) {
	store := chattest.NewStore()
	hub := newTestHub(store)
	a := newPeer("conn-a", "user-a", "Ada", "student")
	stranger := newPeer("conn-s", "user-s", "Sam", "student")

	require.NoError(t, hub.Join(a, "9", ""))
	require.NoError(t, hub.Join(a, "9", ""))
	assert.Equal(t, 1, hub.Count("9"))

	hub.Leave(stranger, "9")
	assert.Equal(t, 1, hub.Count("9"))

	hub.Leave(a, "9")
	hub.Leave(a, "9")
	waitRetired(t, hub)

	events := store.Events("9")
	assert.Equal(t, 1, kinds(events, models.ChatEventJoin))
	assert.Equal(t, 1, kinds(events, models.ChatEventLeave))
}

func TestRepeatJoinBroadcastsCountToAllMembers(t *testing.T) {
	hub := newTestHub(chattest.NewStore())
	a := newPeer("conn-a", "user-a", "Ada", "student")
	b := newPeer("conn-b", "user-b", "Bo", "student")

	require.NoError(t, hub.Join(a, "9", ""))
	expectHistory(t, a)
	require.NoError(t, hub.Join(b, "9", ""))
	expectHistory(t, b)
	drain(a)
	drain(b)

	require.NoError(t, hub.Join(a, "9", ""))
	expectCount(t, a, 2)
	expectCount(t, b, 2)

	hub.Leave(a, "9")
	hub.Leave(b, "9")
	waitRetired(t, hub)
}

func TestRejoinAfterLeaveRecordsNoSecondJoin(t *testing.T) {
	store := chattest.NewStore()
	hub := newTestHub(store)
	a := newPeer("conn-a", "user-a", "Ada", "student")

	require.NoError(t, hub.Join(a, "9", ""))
	hub.Leave(a, "9")
	waitRetired(t, hub)
	require.NoError(t, hub.Join(a, "9", ""))
	hub.Leave(a, "9")
	waitRetired(t, hub)

	assert.Equal(t, 1, kinds(store.Events("9"), models.ChatEventJoin))
}

func TestSendValidation(t *testing.T) {
	store := chattest.NewStore()
	hub := newTestHub(store)
	a := newPeer("conn-a", "user-a", "Ada", "student")

	require.NoError(t, hub.Send(a, "5", "", "hi"))
	expectError(t, a, ErrCodeNotJoined)

	require.NoError(t, hub.Join(a, "5", ""))
	expectHistory(t, a)

	require.NoError(t, hub.Send(a, "5", "", "   "))
	expectError(t, a, ErrCodeValidation)
	require.NoError(t, hub.Send(a, "5", "", strings.Repeat("x", 21)))
	expectError(t, a, ErrCodeValidation)
	require.NoError(t, hub.Send(a, "5", "", strings.Repeat("é", 20)))
	expectEvent(t, a, EventChatMessage)

	assert.Equal(t, 1, kinds(store.Events("5"), models.ChatEventMessage))
	assert.ErrorIs(t, hub.Join(a, "", ""), ErrMissingVideoID)
}

func TestIdentityComesFromConnection(t *testing.T) {
	hub := newTestHub(chattest.NewStore())
	student := newPeer("conn-s", "user-s", "", "student")
	admin := newPeer("conn-t", "user-t", "Instructor", auth.RoleAdmin)

	require.NoError(t, hub.Join(student, "3", "Mallory"))
	expectHistory(t, student)
	require.NoError(t, hub.Join(admin, "3", ""))
	expectHistory(t, admin)

	require.NoError(t, hub.Send(student, "3", "Admin", "hey"))
	e := expectEvent(t, admin, EventChatMessage)
	assert.Equal(t, "user-s", e.UserID)
	assert.Equal(t, "Admin", e.UserName, "payload name is a display fallback only")
	assert.False(t, e.IsPrivileged)
	expectEvent(t, student, EventChatMessage)

	require.NoError(t, hub.Send(admin, "3", "someone else", "welcome"))
	e = expectEvent(t, student, EventChatMessage)
	assert.Equal(t, "Instructor", e.UserName)
	assert.True(t, e.IsPrivileged)
}

func TestJoinReplaysMessageHistory(t *testing.T) {
	store := chattest.NewStore()
	ctx := context.Background()
	base := time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)
	_, err := store.AppendJoinOnce(ctx, models.ChatEvent{ID: "j1", VideoID: "11", UserID: "u", Kind: models.ChatEventJoin, CreatedAt: base})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		require.NoError(t, store.Append(ctx, models.ChatEvent{
			ID: fmt.Sprintf("m%d", i), VideoID: "11", UserID: "u", Kind: models.ChatEventMessage,
			Text: fmt.Sprintf("msg %d", i), CreatedAt: base.Add(time.Duration(i+1) * time.Minute),
		}))
	}

	hub := newTestHub(store)
	a := newPeer("conn-a", "user-a", "Ada", "student")
	require.NoError(t, hub.Join(a, "11", ""))

	history := expectHistory(t, a)
	require.Len(t, history, 3)
	for i, e := range history {
		assert.Equal(t, models.ChatEventMessage, e.Kind)
		assert.Equal(t, fmt.Sprintf("m%d", i), e.ID)
	}
}

type recordingQueue struct {
	mu       sync.Mutex
	payloads []queue.ChatPersistPayload
}

func (q *recordingQueue) EnqueueChatPersist(_ context.Context, p queue.ChatPersistPayload) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.payloads = append(q.payloads, p)
	return nil
}

func (q *recordingQueue) snapshot() []queue.ChatPersistPayload {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]queue.ChatPersistPayload(nil), q.payloads...)
}

func TestDegradedPersistenceStillBroadcasts(t *testing.T) {
	store := chattest.NewStore()
	store.SetFailing(true)
	retries := &recordingQueue{}
	hub := newTestHub(store)
	hub.SetRetryQueue(retries)
	a := newPeer("conn-a", "user-a", "Ada", "student")

	require.NoError(t, hub.Join(a, "13", ""))
	expectCount(t, a, 1)
	expectError(t, a, ErrCodeHistoryUnavailable)

	require.NoError(t, hub.Send(a, "13", "", "still here"))
	e := expectEvent(t, a, EventChatMessage)
	assert.True(t, e.Pending)
	require.True(t, strings.HasPrefix(e.ID, TempIDPrefix))

	require.Eventually(t, func() bool { return len(retries.snapshot()) == 2 }, waitFor, 5*time.Millisecond)
	var msgRetry queue.ChatPersistPayload
	for _, p := range retries.snapshot() {
		if p.Event.Kind == models.ChatEventMessage {
			msgRetry = p
		} else {
			assert.Empty(t, p.TempID)
		}
	}
	assert.Equal(t, e.ID, msgRetry.TempID)
	assert.Equal(t, strings.TrimPrefix(e.ID, TempIDPrefix), msgRetry.Event.ID)
	assert.False(t, msgRetry.Event.Pending)
}

// slowStore completes appends out of order.
type slowStore struct {
	*chattest.Store
}

func (s slowStore) Append(ctx context.Context, e models.ChatEvent) error {
	var n int
	if _, err := fmt.Sscanf(e.Text, "msg %d", &n); err == nil {
		time.Sleep(time.Duration(10-n) * 3 * time.Millisecond)
	}
	return s.Store.Append(ctx, e)
}

func TestBroadcastFollowsCreationOrder(t *testing.T) {
	hub := newTestHub(slowStore{chattest.NewStore()})
	a := newPeer("conn-a", "user-a", "Ada", "student")
	b := newPeer("conn-b", "user-b", "Bo", "student")
	require.NoError(t, hub.Join(a, "21", ""))
	expectHistory(t, a)
	require.NoError(t, hub.Join(b, "21", ""))
	expectHistory(t, b)

	for i := 0; i < 10; i++ {
		require.NoError(t, hub.Send(a, "21", "", fmt.Sprintf("msg %d", i)))
	}
	for i := 0; i < 10; i++ {
		assert.Equal(t, fmt.Sprintf("msg %d", i), expectEvent(t, b, EventChatMessage).Text)
	}
}

func TestAdminMessage(t *testing.T) {
	store := chattest.NewStore()
	hub := newTestHub(store)
	viewer := newPeer("conn-v", "user-v", "Vi", "student")
	require.NoError(t, hub.Join(viewer, "8", ""))
	expectHistory(t, viewer)

	admin := auth.Identity{UserID: "admin-1", Name: "Principal", Role: auth.RoleAdmin}
	e, err := hub.AdminMessage(context.Background(), "8", admin, " class starts in 5 ")
	require.NoError(t, err)
	assert.True(t, e.IsPrivileged)
	assert.Equal(t, "class starts in 5", e.Text)
	assert.Equal(t, "Admin", e.UserName)

	got := expectEvent(t, viewer, EventAdminMessage)
	assert.Equal(t, e.ID, got.ID)

	_, err = hub.AdminMessage(context.Background(), "8", admin, "  ")
	assert.ErrorIs(t, err, chat.ErrEmptyMessage)
	_, err = hub.AdminMessage(context.Background(), "8", admin, strings.Repeat("a", 21))
	assert.ErrorIs(t, err, chat.ErrMessageTooLong)
}

func TestAdminMessageWithoutViewers(t *testing.T) {
	store := chattest.NewStore()
	hub := newTestHub(store)
	admin := auth.Identity{UserID: "admin-1", Name: "Principal", Role: auth.RoleAdmin}

	_, err := hub.AdminMessage(context.Background(), "99", admin, "anyone?")
	require.NoError(t, err)
	waitRetired(t, hub)
	assert.Len(t, store.Events("99"), 1)
}

func TestTypingReachesOthersOnly(t *testing.T) {
	hub := newTestHub(chattest.NewStore())
	a := newPeer("conn-a", "user-a", "Ada", "student")
	b := newPeer("conn-b", "user-b", "Bo", "student")
	require.NoError(t, hub.Join(a, "4", ""))
	require.NoError(t, hub.Join(b, "4", ""))

	hub.Typing(a, "4")
	var p TypingPayload
	require.NoError(t, json.Unmarshal(next(t, b, EventUserTyping).Data, &p))
	assert.Equal(t, "user-a", p.UserID)
	assert.Zero(t, countEvents(drain(a), EventUserTyping))
}

type fakeTransport struct {
	mu        sync.Mutex
	published []WSMessage
	handlers  map[string]func(WSMessage)
	cancelled map[string]bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[string]func(WSMessage)), cancelled: make(map[string]bool)}
}

func (f *fakeTransport) PublishRoomEvent(_ string, msg WSMessage) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, msg)
	return nil
}

func (f *fakeTransport) SubscribeRoom(videoID string, handler func(WSMessage)) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[videoID] = handler
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.cancelled[videoID] = true
	}, nil
}

func (f *fakeTransport) handler(videoID string) func(WSMessage) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.handlers[videoID]
}

func (f *fakeTransport) publishedEvents() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var names []string
	for _, m := range f.published {
		names = append(names, m.Event)
	}
	return names
}

func TestCrossInstanceFanOut(t *testing.T) {
	transport := newFakeTransport()
	hub := NewHub(chattest.NewStore(), transport, Config{MaxMessageLength: 100}, nil)
	a := newPeer("conn-a", "user-a", "Ada", "student")
	require.NoError(t, hub.Join(a, "42", ""))
	expectHistory(t, a)

	require.NoError(t, hub.Send(a, "42", "", "local"))
	expectEvent(t, a, EventChatMessage)
	require.Eventually(t, func() bool {
		for _, e := range transport.publishedEvents() {
			if e == EventChatMessage {
				return true
			}
		}
		return false
	}, waitFor, 5*time.Millisecond)

	var handler func(WSMessage)
	require.Eventually(t, func() bool { handler = transport.handler("42"); return handler != nil }, waitFor, 5*time.Millisecond)
	remote, err := NewMessage(EventChatMessage, EventPayload{Event: models.ChatEvent{ID: "remote-1", VideoID: "42", Text: "from elsewhere"}})
	require.NoError(t, err)
	handler(remote)
	assert.Equal(t, "remote-1", expectEvent(t, a, EventChatMessage).ID)

	reconciled, err := NewMessage(EventReconciled, ReconciledPayload{VideoID: "42", TempID: "tmp_x", ID: "x"})
	require.NoError(t, err)
	handler(reconciled)
	next(t, a, EventReconciled)

	hub.Leave(a, "42")
	waitRetired(t, hub)
	require.Eventually(t, func() bool {
		transport.mu.Lock()
		defer transport.mu.Unlock()
		return transport.cancelled["42"]
	}, waitFor, 5*time.Millisecond)
}

type recordingWatcher struct {
	mu     sync.Mutex
	events []string
}

func (w *recordingWatcher) Start(videoID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, "start:"+videoID)
}

func (w *recordingWatcher) Stop(videoID string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.events = append(w.events, "stop:"+videoID)
}

func TestRoomLifecycleNotifiesWatcherAndBroadcasts(t *testing.T) {
	watcher := &recordingWatcher{}
	hub := newTestHub(chattest.NewStore())
	hub.SetRoomWatcher(watcher)
	a := newPeer("conn-a", "user-a", "Ada", "student")

	require.NoError(t, hub.Join(a, "live-1", ""))
	hub.Broadcast("live-1", EventSessionStatus, map[string]string{"state": "LIVE"})
	next(t, a, EventSessionStatus)

	hub.Broadcast("no-room", EventSessionStatus, map[string]string{"state": "LIVE"})
	assert.Equal(t, 1, hub.OpenRooms())

	hub.Leave(a, "live-1")
	waitRetired(t, hub)
	watcher.mu.Lock()
	defer watcher.mu.Unlock()
	assert.Equal(t, []string{"start:live-1", "stop:live-1"}, watcher.events)
}
