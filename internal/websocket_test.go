package internal_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/koopa0/system-design/terminal-talk/internal"
)

const readTimeout = 2 * time.Second

// startServer 啟動完整的 HTTP + WebSocket 伺服器
func startServer(t *testing.T, cfg *internal.Config) (*internal.Server, *httptest.Server) {
	t.Helper()

	if cfg == nil {
		cfg = internal.DefaultConfig()
	}
	srv := internal.NewServer(cfg, testLogger())
	ts := httptest.NewServer(srv.HTTPHandler())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
		ts.Close()
	})
	return srv, ts
}

func wsURL(ts *httptest.Server, room, username string) string {
	q := url.Values{}
	q.Set("room", room)
	q.Set("username", username)
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/chat?" + q.Encode()
}

func dial(t *testing.T, rawURL string, header http.Header) *websocket.Conn {
	t.Helper()

	conn, resp, err := websocket.DefaultDialer.Dial(rawURL, header)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readMessage(t *testing.T, conn *websocket.Conn) internal.Message {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)

	var msg internal.Message
	require.NoError(t, json.Unmarshal(data, &msg))
	return msg
}

// readClose 讀到關閉幀為止，回傳關閉碼與原因
func readClose(t *testing.T, conn *websocket.Conn) (int, string) {
	t.Helper()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(readTimeout)))
	for {
		_, _, err := conn.ReadMessage()
		if err == nil {
			continue
		}
		var closeErr *websocket.CloseError
		require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
		return closeErr.Code, closeErr.Text
	}
}

func sendText(t *testing.T, conn *websocket.Conn, text string) {
	t.Helper()
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(text)))
}

func createRoom(t *testing.T, srv *internal.Server, id string) {
	t.Helper()
	_, err := srv.Registry.Create(id)
	require.NoError(t, err)
}

// TestWebSocket_ChatSession 完整的加入、聊天、離開流程
func TestWebSocket_ChatSession(t *testing.T) {
	srv, ts := startServer(t, nil)
	createRoom(t, srv, "lobby")

	alice := dial(t, wsURL(ts, "lobby", "alice"), nil)
	msg := readMessage(t, alice)
	assert.Equal(t, internal.TypeSystem, msg.Type)
	assert.Equal(t, "Users in room: alice", msg.Content)

	bob := dial(t, wsURL(ts, "LOBBY", "bob"), nil)
	assert.Equal(t, "Users in room: alice, bob", readMessage(t, bob).Content)
	assert.Equal(t, "bob has joined the chat", readMessage(t, alice).Content)

	// 冒名的 username 會被覆寫
	sendText(t, alice, `{"type":"chat","content":"hi bob","username":"mallory"}`)
	msg = readMessage(t, bob)
	assert.Equal(t, internal.TypeChat, msg.Type)
	assert.Equal(t, "hi bob", msg.Content)
	assert.Equal(t, "alice", msg.Username)
	assert.NotEmpty(t, msg.Timestamp)

	// 無法解析的內容包成 chat
	sendText(t, bob, "plain hello")
	msg = readMessage(t, alice)
	assert.Equal(t, internal.TypeChat, msg.Type)
	assert.Equal(t, "plain hello", msg.Content)
	assert.Equal(t, "bob", msg.Username)

	// system 原樣轉發
	sendText(t, bob, `{"type":"system","content":"brb"}`)
	msg = readMessage(t, alice)
	assert.Equal(t, internal.TypeSystem, msg.Type)
	assert.Equal(t, "brb", msg.Content)

	// bob 離開
	require.NoError(t, bob.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	assert.Equal(t, "bob has left the chat", readMessage(t, alice).Content)

	room, err := srv.Registry.Lookup("lobby")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(room.Usernames()) == 1
	}, readTimeout, 10*time.Millisecond)
	assert.Equal(t, []string{"alice"}, room.Usernames())
}

// TestWebSocket_Rejections 准入失敗以 1008 關閉
func TestWebSocket_Rejections(t *testing.T) {
	srv, ts := startServer(t, nil)
	createRoom(t, srv, "lobby")

	first := dial(t, wsURL(ts, "lobby", "bob"), nil)
	readMessage(t, first)

	tests := []struct {
		name     string
		url      string
		code     int
		reason   string
		validate func(t *testing.T)
	}{
		{
			name:   "room not found",
			url:    wsURL(ts, "nowhere", "carol"),
			code:   websocket.ClosePolicyViolation,
			reason: "Room not found",
			validate: func(t *testing.T) {
				_, err := srv.Registry.Lookup("nowhere")
				assert.True(t, errors.Is(err, internal.ErrRoomNotFound), "准入失敗不應創建房間")
			},
		},
		{
			name:   "username required",
			url:    wsURL(ts, "lobby", ""),
			code:   websocket.ClosePolicyViolation,
			reason: "Username required",
		},
		{
			name:   "username taken",
			url:    wsURL(ts, "lobby", "bob"),
			code:   websocket.ClosePolicyViolation,
			reason: "Username taken",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn := dial(t, tt.url, nil)

			code, reason := readClose(t, conn)
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.reason, reason)

			if tt.validate != nil {
				tt.validate(t)
			}
		})
	}

	// 原本的 bob 不受影響
	other := dial(t, wsURL(ts, "lobby", "alice"), nil)
	readMessage(t, other)
	assert.Equal(t, "alice has joined the chat", readMessage(t, first).Content)

	sendText(t, other, "still there?")
	assert.Equal(t, "still there?", readMessage(t, first).Content)
}

// TestWebSocket_PathRoute /ws/rooms/{room_id} 與 /chat 等價
func TestWebSocket_PathRoute(t *testing.T) {
	srv, ts := startServer(t, nil)
	createRoom(t, srv, "general")

	base := "ws" + strings.TrimPrefix(ts.URL, "http")
	alice := dial(t, base+"/ws/rooms/general?username=alice", nil)
	assert.Equal(t, "Users in room: alice", readMessage(t, alice).Content)

	bob := dial(t, wsURL(ts, "general", "bob"), nil)
	readMessage(t, bob)
	assert.Equal(t, "bob has joined the chat", readMessage(t, alice).Content)

	assert.Equal(t, map[string]int{"general": 2}, srv.Hub.GetConnectionCount())
}

// TestWebSocket_Ordering 同一發送者的訊息依序到達
func TestWebSocket_Ordering(t *testing.T) {
	srv, ts := startServer(t, nil)
	createRoom(t, srv, "lobby")

	alice := dial(t, wsURL(ts, "lobby", "alice"), nil)
	readMessage(t, alice)
	bob := dial(t, wsURL(ts, "lobby", "bob"), nil)
	readMessage(t, bob)
	readMessage(t, alice)

	const count = 50
	for i := 0; i < count; i++ {
		sendText(t, alice, fmt.Sprintf("msg-%d", i))
	}
	for i := 0; i < count; i++ {
		assert.Equal(t, fmt.Sprintf("msg-%d", i), readMessage(t, bob).Content)
	}
}

// TestWebSocket_Origin 瀏覽器來源不在白名單時拒絕升級
func TestWebSocket_Origin(t *testing.T) {
	cfg := internal.DefaultConfig()
	cfg.CORS.AllowedOrigins = []string{"https://chat.example.com"}
	srv, ts := startServer(t, cfg)
	createRoom(t, srv, "lobby")

	header := http.Header{}
	header.Set("Origin", "https://evil.example.com")
	_, resp, err := websocket.DefaultDialer.Dial(wsURL(ts, "lobby", "alice"), header)
	require.ErrorIs(t, err, websocket.ErrBadHandshake)
	require.NotNil(t, resp)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	header.Set("Origin", "https://chat.example.com")
	conn := dial(t, wsURL(ts, "lobby", "alice"), header)
	assert.Equal(t, "Users in room: alice", readMessage(t, conn).Content)

	// 終端機客戶端不帶 Origin
	conn = dial(t, wsURL(ts, "lobby", "bob"), nil)
	readMessage(t, conn)
}

// TestWebSocket_Shutdown 關閉伺服器時以 1001 通知所有連線
func TestWebSocket_Shutdown(t *testing.T) {
	srv, ts := startServer(t, nil)
	createRoom(t, srv, "lobby")

	alice := dial(t, wsURL(ts, "lobby", "alice"), nil)
	readMessage(t, alice)
	bob := dial(t, wsURL(ts, "lobby", "bob"), nil)
	readMessage(t, bob)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	for _, conn := range []*websocket.Conn{alice, bob} {
		code, reason := readClose(t, conn)
		assert.Equal(t, websocket.CloseGoingAway, code)
		assert.Equal(t, "Server shutting down", reason)
	}

	// 停止後的新連線直接被拒絕
	late := dial(t, wsURL(ts, "lobby", "carol"), nil)
	code, _ := readClose(t, late)
	assert.Equal(t, websocket.CloseGoingAway, code)
}

// TestWebSocket_SlowConsumer 緩衝區滿的連線被斷開，而不是收到有缺口的訊息流
func TestWebSocket_SlowConsumer(t *testing.T) {
	if testing.Short() {
		t.Skip("跳過慢速連線測試")
	}

	cfg := internal.DefaultConfig()
	cfg.WebSocket.SendBuffer = 4
	// bob 開始讀取前，writePump 會卡在寫入
	cfg.WebSocket.WriteWait = 30 * time.Second
	srv, ts := startServer(t, cfg)
	createRoom(t, srv, "lobby")

	alice := dial(t, wsURL(ts, "lobby", "alice"), nil)
	readMessage(t, alice)
	bob := dial(t, wsURL(ts, "lobby", "bob"), nil)
	assert.Equal(t, "Users in room: alice, bob", readMessage(t, bob).Content)
	readMessage(t, alice)

	// bob 不讀取，alice 持續發送直到 bob 的緩衝區溢出
	padding := strings.Repeat("x", 2048)
	const count = 20000
	for i := 0; i < count; i++ {
		sendText(t, alice, fmt.Sprintf("%06d %s", i, padding))
	}

	// bob 收到的是連續的前綴，最後是 1013 關閉幀
	require.NoError(t, bob.SetReadDeadline(time.Now().Add(10*time.Second)))
	received := 0
	for {
		_, data, err := bob.ReadMessage()
		if err != nil {
			var closeErr *websocket.CloseError
			require.True(t, errors.As(err, &closeErr), "expected close frame, got %v", err)
			assert.Equal(t, websocket.CloseTryAgainLater, closeErr.Code)
			assert.Equal(t, internal.ReasonSendOverflow, closeErr.Text)
			break
		}

		var msg internal.Message
		require.NoError(t, json.Unmarshal(data, &msg))
		require.Equal(t, fmt.Sprintf("%06d", received), msg.Content[:6], "訊息流出現缺口")
		received++
	}
	assert.Less(t, received, count)

	// alice 收到 bob 離開的通知
	assert.Equal(t, "bob has left the chat", readMessage(t, alice).Content)

	room, err := srv.Registry.Lookup("lobby")
	require.NoError(t, err)
	assert.Eventually(t, func() bool {
		return len(room.Usernames()) == 1
	}, readTimeout, 10*time.Millisecond)
	assert.Equal(t, []string{"alice"}, room.Usernames())
}

// TestWebSocket_Heartbeat 不回應 Ping 的連線在 PongWait 後被移除
func TestWebSocket_Heartbeat(t *testing.T) {
	cfg := internal.DefaultConfig()
	cfg.WebSocket.PingInterval = 50 * time.Millisecond
	cfg.WebSocket.PongWait = 300 * time.Millisecond
	srv, ts := startServer(t, cfg)
	createRoom(t, srv, "lobby")

	alice := dial(t, wsURL(ts, "lobby", "alice"), nil)
	readMessage(t, alice)

	// bob 讀完成員列表後不再讀取，因此不會回應 Ping
	bob := dial(t, wsURL(ts, "lobby", "bob"), nil)
	readMessage(t, bob)
	assert.Equal(t, "bob has joined the chat", readMessage(t, alice).Content)

	// alice 持續讀取（自動回應 Ping），保持在線
	assert.Equal(t, "bob has left the chat", readMessage(t, alice).Content)

	room, err := srv.Registry.Lookup("lobby")
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, room.Usernames())
}
