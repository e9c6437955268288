package clients

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatus/internal/core"
)

type wireMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

func startHub(t *testing.T, opts ...Option) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub(nil, opts...)
	srv := httptest.NewServer(hub)
	t.Cleanup(func() {
		_ = hub.Close()
		srv.Close()
	})
	return hub, srv
}

func wsURL(srv *httptest.Server, pageURL string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + "/?url=" + url.QueryEscape(pageURL)
}

type hello struct {
	ID           string `json:"id"`
	Subscription string `json:"subscription"`
}

// connectAs opens a window at pageURL with the given upgrade headers.
func connectAs(t *testing.T, srv *httptest.Server, pageURL string, header http.Header) (*websocket.Conn, hello) {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, pageURL), header)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	msg := readMessage(t, conn)
	require.Equal(t, "HELLO", msg.Type)
	var payload hello
	require.NoError(t, json.Unmarshal(msg.Payload, &payload))
	require.NotEmpty(t, payload.ID)
	require.NotEmpty(t, payload.Subscription)
	return conn, payload
}

// connect opens an anonymous window at pageURL and returns its connection and id.
func connect(t *testing.T, srv *httptest.Server, pageURL string) (*websocket.Conn, string) {
	t.Helper()
	conn, h := connectAs(t, srv, pageURL, nil)
	return conn, h.ID
}

func cookie(value string) http.Header {
	return http.Header{"Cookie": {value}}
}

func readMessage(t *testing.T, conn *websocket.Conn) wireMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg wireMessage
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestHubMatchAllInConnectionOrder(t *testing.T) {
	hub, srv := startHub(t)
	_, first := connect(t, srv, "/chat/1")
	_, second := connect(t, srv, "/settings")

	windows := hub.MatchAll(context.Background())
	require.Len(t, windows, 2)
	assert.Equal(t, first, windows[0].ID)
	assert.Equal(t, "/chat/1", windows[0].URL)
	assert.Equal(t, second, windows[1].ID)
	assert.Equal(t, "/settings", windows[1].URL)
}

func TestHubTracksClientURL(t *testing.T) {
	hub, srv := startHub(t)
	conn, id := connect(t, srv, "/")

	require.NoError(t, conn.WriteJSON(map[string]string{"type": core.MessageClientURL, "url": "/chat/42"}))

	require.Eventually(t, func() bool {
		for _, w := range hub.MatchAll(context.Background()) {
			if w.ID == id && w.URL == "/chat/42" {
				return true
			}
		}
		return false
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubFocusAndNavigate(t *testing.T) {
	hub, srv := startHub(t)
	conn, id := connect(t, srv, "/chat/1")
	ctx := context.Background()

	require.NoError(t, hub.Focus(ctx, id))
	assert.Equal(t, core.MessageFocus, readMessage(t, conn).Type)

	require.NoError(t, hub.Navigate(ctx, id, "/chat/2"))
	msg := readMessage(t, conn)
	assert.Equal(t, core.MessageNavigate, msg.Type)
	assert.JSONEq(t, `{"url":"/chat/2"}`, string(msg.Payload))

	windows := hub.MatchAll(ctx)
	require.Len(t, windows, 1)
	assert.True(t, windows[0].Focused)
	assert.Equal(t, "/chat/2", windows[0].URL)

	err := hub.Focus(ctx, "missing")
	var edgeErr *core.EdgeError
	require.ErrorAs(t, err, &edgeErr)
	assert.Equal(t, core.ErrorTypeNotFound, edgeErr.Type)
}

func TestHubOpenWindow(t *testing.T) {
	hub, srv := startHub(t)
	ctx := context.Background()

	assert.Error(t, hub.OpenWindow(ctx, "/chat/1"), "no windows connected")

	_, _ = connect(t, srv, "/a")
	latest, _ := connect(t, srv, "/b")

	require.NoError(t, hub.OpenWindow(ctx, "/chat/1"))
	msg := readMessage(t, latest)
	assert.Equal(t, core.MessageOpenWindow, msg.Type)
	assert.JSONEq(t, `{"url":"/chat/1"}`, string(msg.Payload))
}

func TestHubClaimAndBroadcast(t *testing.T) {
	hub, srv := startHub(t)
	a, _ := connect(t, srv, "/a")
	b, _ := connect(t, srv, "/b")

	assert.Equal(t, 2, hub.Claim(context.Background()))
	assert.Equal(t, core.MessageControllerChanged, readMessage(t, a).Type)
	assert.Equal(t, core.MessageControllerChanged, readMessage(t, b).Type)
	for _, w := range hub.MatchAll(context.Background()) {
		assert.True(t, w.Controlled)
	}

	n := hub.Broadcast(context.Background(), core.ClientMessage{Type: core.MessageSyncOfflineMessages})
	assert.Equal(t, 2, n)
	assert.Equal(t, core.MessageSyncOfflineMessages, readMessage(t, a).Type)
}

func TestHubForwardsInboundMessages(t *testing.T) {
	hub, srv := startHub(t)

	var mu sync.Mutex
	var got []string
	hub.SetHandler(func(_ context.Context, windowID string, raw []byte) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, windowID+":"+string(raw))
	})

	conn, id := connect(t, srv, "/")
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"SKIP_WAITING"}`)))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0] == id+`:{"type":"SKIP_WAITING"}`
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubUnregistersOnDisconnect(t *testing.T) {
	hub, srv := startHub(t)
	conn, _ := connect(t, srv, "/")
	require.Equal(t, 1, hub.Len())

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubRefusesOtherOrigins(t *testing.T) {
	hub, srv := startHub(t)

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/"), http.Header{"Origin": {"https://attacker.example"}})
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)
	assert.Equal(t, 0, hub.Len())

	_, _ = connectAs(t, srv, "/", http.Header{"Origin": {srv.URL}})
	assert.Equal(t, 1, hub.Len())
}

func TestHubGroupsWindowsByCredentials(t *testing.T) {
	hub, srv := startHub(t)
	ctx := context.Background()

	a1, alice1 := connectAs(t, srv, "/chat/1", cookie("session=alice"))
	_, alice2 := connectAs(t, srv, "/chat/2", cookie("session=alice"))
	b1, bob := connectAs(t, srv, "/chat/1", cookie("session=bob"))
	_, anon := connectAs(t, srv, "/", nil)

	assert.Equal(t, alice1.Subscription, alice2.Subscription, "one subscription per client")
	assert.NotEqual(t, alice1.Subscription, bob.Subscription)
	assert.NotEqual(t, alice1.Subscription, anon.Subscription)

	aliceWindows, ok := hub.Subscriber(alice1.Subscription)
	require.True(t, ok)
	ids := []string{}
	for _, w := range aliceWindows.MatchAll(ctx) {
		ids = append(ids, w.ID)
	}
	assert.Equal(t, []string{alice1.ID, alice2.ID}, ids)

	assert.Equal(t, 2, aliceWindows.Broadcast(ctx, core.ClientMessage{Type: core.MessageShowNotification}))
	assert.Equal(t, core.MessageShowNotification, readMessage(t, a1).Type)

	var edgeErr *core.EdgeError
	require.ErrorAs(t, aliceWindows.Focus(ctx, bob.ID), &edgeErr, "another client's window is out of reach")
	assert.Equal(t, core.ErrorTypeNotFound, edgeErr.Type)
	require.Error(t, aliceWindows.Navigate(ctx, bob.ID, "/chat/9"))

	bobWindows, ok := hub.Client(bob.ID)
	require.True(t, ok)
	require.NoError(t, bobWindows.OpenWindow(ctx, "/chat/3"))
	assert.Equal(t, core.MessageOpenWindow, readMessage(t, b1).Type)

	_, ok = hub.Subscriber("unknown")
	assert.False(t, ok)
	_, ok = hub.Client("unknown")
	assert.False(t, ok)
}

func TestHubSubscriptionOutlivesLastWindow(t *testing.T) {
	hub, srv := startHub(t, WithSubscriptionTTL(time.Minute))

	conn, first := connectAs(t, srv, "/", cookie("session=alice"))
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return hub.Len() == 0 }, 2*time.Second, 10*time.Millisecond)

	windows, ok := hub.Subscriber(first.Subscription)
	require.True(t, ok, "subscription survives a closed tab")
	assert.Empty(t, windows.MatchAll(context.Background()))

	_, again := connectAs(t, srv, "/", cookie("session=alice"))
	assert.Equal(t, first.Subscription, again.Subscription, "reconnecting keeps the subscription")
}

func TestHubSubscriptionExpires(t *testing.T) {
	hub, srv := startHub(t, WithSubscriptionTTL(50*time.Millisecond))

	conn, first := connectAs(t, srv, "/", cookie("session=alice"))
	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool {
		_, ok := hub.Subscriber(first.Subscription)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHubDropsUnresponsiveWindows(t *testing.T) {
	hub, srv := startHub(t, WithPongWait(time.Second))

	// The silent window never reads, so pings go unanswered.
	_, _ = connect(t, srv, "/silent")
	live, liveID := connect(t, srv, "/live")

	var pinged atomic.Bool
	require.NoError(t, live.SetReadDeadline(time.Time{}))
	live.SetPingHandler(func(data string) error {
		pinged.Store(true)
		return live.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := live.ReadMessage(); err != nil {
				return
			}
		}
	}()

	require.Eventually(t, func() bool { return hub.Len() == 1 }, 3*time.Second, 20*time.Millisecond)
	time.Sleep(1500 * time.Millisecond)

	windows := hub.MatchAll(context.Background())
	require.Len(t, windows, 1)
	assert.Equal(t, liveID, windows[0].ID)
	assert.True(t, pinged.Load())
}
