package realtime

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-classroom/backend/internal/auth"
	"github.com/aura-classroom/backend/internal/chat/chattest"
)

func newWsServer(t *testing.T, hub *Hub, jwtSvc *auth.JWTService) *httptest.Server {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/ws", ServeWs(hub, jwtSvc, func(*http.Request) bool { return true }, nil))
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv
}

func dial(t *testing.T, srv *httptest.Server, token string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws?token=" + token
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func send(t *testing.T, conn *websocket.Conn, event string, payload ClientPayload) {
	t.Helper()
	msg, err := NewMessage(event, payload)
	require.NoError(t, err)
	require.NoError(t, conn.WriteJSON(msg))
}

func readUntil(t *testing.T, conn *websocket.Conn, event string) WSMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(waitFor)))
	for {
		var msg WSMessage
		require.NoError(t, conn.ReadJSON(&msg))
		if msg.Event == event {
			return msg
		}
	}
}

func TestServeWsRejectsMissingAndBadTokens(t *testing.T) {
	hub := newTestHub(chattest.NewStore())
	srv := newWsServer(t, hub, auth.NewJWTService("secret", 1))
	base := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+"?token=garbage", nil)
	require.Error(t, err)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestServeWsChatRoundTripAndDisconnectLeaves(t *testing.T) {
	store := chattest.NewStore()
	hub := newTestHub(store)
	jwtSvc := auth.NewJWTService("secret", 1)
	srv := newWsServer(t, hub, jwtSvc)

	tokA, err := jwtSvc.Generate(uuid.New(), "Ada", "student")
	require.NoError(t, err)
	tokB, err := jwtSvc.Generate(uuid.New(), "Bo", "student")
	require.NoError(t, err)
	a := dial(t, srv, tokA)
	b := dial(t, srv, tokB)

	send(t, a, EventJoinChat, ClientPayload{VideoID: "v1"})
	readUntil(t, a, EventChatHistory)
	send(t, b, EventJoinChat, ClientPayload{VideoID: "v1"})
	readUntil(t, b, EventChatHistory)
	require.Eventually(t, func() bool { return hub.Count("v1") == 2 }, waitFor, 5*time.Millisecond)

	// The payload name is ignored when the token carries one.
	send(t, a, EventSendChatMessage, ClientPayload{VideoID: "v1", UserName: "Mallory", Message: "hello"})
	var got EventPayload
	require.NoError(t, json.Unmarshal(readUntil(t, b, EventChatMessage).Data, &got))
	assert.Equal(t, "hello", got.Event.Text)
	assert.Equal(t, "Ada", got.Event.UserName)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return hub.Count("v1") == 1 }, waitFor, 5*time.Millisecond)
}

func TestServeWsRejectsPayloadWithoutVideo(t *testing.T) {
	hub := newTestHub(chattest.NewStore())
	jwtSvc := auth.NewJWTService("secret", 1)
	srv := newWsServer(t, hub, jwtSvc)
	tok, err := jwtSvc.Generate(uuid.New(), "Ada", "student")
	require.NoError(t, err)
	conn := dial(t, srv, tok)

	send(t, conn, EventJoinChat, ClientPayload{})
	var e ErrorPayload
	require.NoError(t, json.Unmarshal(readUntil(t, conn, EventChatError).Data, &e))
	assert.Equal(t, ErrCodeBadRequest, e.Code)
	assert.Equal(t, 0, hub.OpenRooms())
}
