package server

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"frutiger-messenger/internal/chat"
	mytesting "frutiger-messenger/internal/testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fastjson"
)

type frame struct {
	Type       string                `json:"type"`
	ChannelKey string                `json:"channelKey"`
	Messages   []chat.MessagePayload `json:"messages"`
	Error      string                `json:"error"`
	chat.MessagePayload
}

func dial(t *testing.T, ts *httptest.Server, token string) *websocket.Conn {
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ws, resp, err := websocket.DefaultDialer.Dial(url, bearer(token))
	require.NoError(t, err)
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	t.Cleanup(func() { _ = ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, v interface{}) {
	require.NoError(t, ws.SetWriteDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, ws.WriteJSON(v))
}

func receive(t *testing.T, ws *websocket.Conn) frame {
	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)
	var f frame
	require.NoError(t, json.Unmarshal(raw, &f))
	return f
}

func join(t *testing.T, ws *websocket.Conn, key string) frame {
	send(t, ws, map[string]string{"type": chat.EventJoin, "channelKey": key})
	f := receive(t, ws)
	require.Equal(t, chat.EventHistory, f.Type)
	require.Equal(t, key, f.ChannelKey)
	return f
}

func TestWebsocket_TwoClients(t *testing.T) {
	t.Parallel()

	env := bootstrapServer(t)
	ts := httptest.NewServer(env.srv.Handler())
	t.Cleanup(ts.Close)

	alice := dial(t, ts, env.login(t, "alice", "p@ss1"))
	bob := dial(t, ts, env.login(t, "bob", "hunter2"))

	require.Empty(t, join(t, alice, "1-gen1").Messages)
	require.Empty(t, join(t, bob, "1-gen1").Messages)

	send(t, alice, map[string]string{"type": chat.EventChatMessage, "user": "alice", "avatarColor": "#00C2C7", "text": "hello", "channelKey": "1-gen1"})

	var ids []int64
	for _, ws := range []*websocket.Conn{alice, bob} {
		f := receive(t, ws)
		require.Equal(t, chat.EventChatMessage, f.Type)
		require.Equal(t, "hello", f.Text)
		require.Equal(t, "alice", f.User)
		require.Equal(t, "#00C2C7", f.AvatarColor)
		require.Equal(t, "1-gen1", f.ServerChannel)
		ids = append(ids, f.ID)
	}
	require.Equal(t, ids[0], ids[1])
	require.Equal(t, 1, env.store.Count("1-gen1", "hello"))

	rr := env.do(t, "GET", "/api/messages/1-gen1", "", nil)
	require.Equal(t, http.StatusOK, rr.Code)
	var history []chat.MessagePayload
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &history))
	require.Len(t, history, 1)
	require.Equal(t, ids[0], history[0].ID)

	// a late joiner sees the message in its snapshot
	carol := dial(t, ts, env.login(t, "carol", "secret"))
	snapshot := join(t, carol, "1-gen1")
	require.Len(t, snapshot.Messages, 1)
	require.Equal(t, "hello", snapshot.Messages[0].Text)
}

func TestWebsocket_ChannelIsolation(t *testing.T) {
	t.Parallel()

	env := bootstrapServer(t)
	ts := httptest.NewServer(env.srv.Handler())
	t.Cleanup(ts.Close)

	general := dial(t, ts, env.login(t, "gina", "secret"))
	random := dial(t, ts, env.login(t, "rob", "secret"))

	join(t, general, "1-general")
	join(t, random, "1-random")

	send(t, general, map[string]string{"type": chat.EventChatMessage, "user": "gina", "text": "for general", "channelKey": "1-general"})
	send(t, random, map[string]string{"type": chat.EventChatMessage, "user": "rob", "text": "for random", "channelKey": "1-random"})

	// the first frame each one gets is the message of its own channel
	require.Equal(t, "for general", receive(t, general).Text)
	require.Equal(t, "for random", receive(t, random).Text)
}

func TestWebsocket_SwitchChannel(t *testing.T) {
	t.Parallel()

	env := bootstrapServer(t)
	ts := httptest.NewServer(env.srv.Handler())
	t.Cleanup(ts.Close)

	ws := dial(t, ts, env.login(t, mytesting.RandString(), "secret"))

	join(t, ws, "1-general")
	join(t, ws, "1-random")
	require.Equal(t, 0, env.hub.Subscribers("1-general"))
	require.Equal(t, 1, env.hub.Subscribers("1-random"))

	send(t, ws, map[string]string{"type": chat.EventLeave})
	require.Eventually(t, func() bool {
		return env.hub.Subscribers("1-random") == 0
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWebsocket_Errors(t *testing.T) {
	t.Parallel()

	env := bootstrapServer(t)
	ts := httptest.NewServer(env.srv.Handler())
	t.Cleanup(ts.Close)

	ws := dial(t, ts, env.login(t, "dave", "secret"))
	join(t, ws, "1-general")

	send(t, ws, map[string]string{"type": chat.EventChatMessage, "user": "mallory", "text": "spoof", "channelKey": "1-general"})
	f := receive(t, ws)
	require.Equal(t, chat.EventError, f.Type)
	require.Equal(t, "user does not match session", f.Error)

	send(t, ws, map[string]string{"type": chat.EventChatMessage, "user": "dave", "text": "   ", "channelKey": "1-general"})
	f = receive(t, ws)
	require.Equal(t, chat.EventError, f.Type)
	require.Contains(t, f.Error, `missing field "text"`)

	send(t, ws, map[string]string{"type": "join", "channelKey": "general"})
	f = receive(t, ws)
	require.Equal(t, chat.EventError, f.Type)
	require.Contains(t, f.Error, "invalid channel key")

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte(`{"type":`)))
	f = receive(t, ws)
	require.Equal(t, chat.EventError, f.Type)

	require.Equal(t, 0, env.store.Count("1-general", "spoof"))
}

func TestWebsocket_RevokedSessionIsClosed(t *testing.T) {
	t.Parallel()

	env := bootstrapServer(t)
	ts := httptest.NewServer(env.srv.Handler())
	t.Cleanup(ts.Close)

	token := env.login(t, "mallory", "secret")
	ws := dial(t, ts, token)
	join(t, ws, "1-general")

	rr := env.do(t, "POST", "/api/logout", "", bearer(token))
	require.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	send(t, ws, map[string]string{"type": chat.EventChatMessage, "user": "mallory", "text": "after logout", "channelKey": "1-general"})
	f := receive(t, ws)
	require.Equal(t, chat.EventError, f.Type)
	require.Equal(t, "session expired or revoked", f.Error)

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "unexpected error: %v", err)

	require.Equal(t, 0, env.store.Count("1-general", "after logout"))
}

func TestWebsocket_Unauthorized(t *testing.T) {
	t.Parallel()

	env := bootstrapServer(t)
	ts := httptest.NewServer(env.srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(url+"?token=garbage", nil)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// query token works the same as the header
	token := env.login(t, "erin", "secret")
	ws, _, err := websocket.DefaultDialer.Dial(url+"?token="+token, nil)
	require.NoError(t, err)
	_ = ws.Close()
}

func TestWebsocket_Origin(t *testing.T) {
	t.Parallel()

	env := bootstrapServer(t, AllowedOrigins("https://chat.example.com"))
	ts := httptest.NewServer(env.srv.Handler())
	t.Cleanup(ts.Close)

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	header := bearer(env.login(t, "frank", "secret"))

	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(url, header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "HTTPS://Chat.Example.com")
	ws, _, err := websocket.DefaultDialer.Dial(url, header)
	require.NoError(t, err)
	_ = ws.Close()
}

func TestWebsocket_HubCloseDisconnects(t *testing.T) {
	t.Parallel()

	env := bootstrapServer(t)
	ts := httptest.NewServer(env.srv.Handler())
	t.Cleanup(ts.Close)

	ws := dial(t, ts, env.login(t, "gus", "secret"))
	join(t, ws, "1-general")

	env.hub.Close()

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, _, err := ws.ReadMessage()
	require.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err)
}

func TestLiveEventShape(t *testing.T) {
	t.Parallel()

	env := bootstrapServer(t)
	ts := httptest.NewServer(env.srv.Handler())
	t.Cleanup(ts.Close)

	ws := dial(t, ts, env.login(t, "hank", "secret"))
	join(t, ws, "3-shape")
	send(t, ws, map[string]string{"type": chat.EventChatMessage, "user": "hank", "text": "shape", "channelKey": "3-shape"})

	require.NoError(t, ws.SetReadDeadline(time.Now().Add(5*time.Second)))
	_, raw, err := ws.ReadMessage()
	require.NoError(t, err)

	v, err := fastjson.ParseBytes(raw)
	require.NoError(t, err)
	for _, field := range []string{"type", "id", "user", "text", "serverChannel", "timestamp"} {
		require.True(t, v.Exists(field), field)
	}
}
