package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync"
	"testing"
	"time"

	"campus_connect/internal/messaging/domain"
	"campus_connect/internal/messaging/repository"
	"campus_connect/pkg"
	"campus_connect/pkg/middlewares"

	"github.com/coder/quartz"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/websocket/v2"
	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// startWebsocketServer 測試用 server，使用者由 ?user= 帶入
func startWebsocketServer(t *testing.T, backend repository.Backend) string {
	t.Helper()
	handler := NewMessagingWebsocketHandler(backend, quartz.NewReal(), SessionConfig{
		Debounce:   10 * time.Millisecond,
		Heartbeat:  time.Minute,
		TypingIdle: 50 * time.Millisecond,
	})

	r := fiber.New(fiber.Config{DisableStartupMessage: true})
	r.Use("/ws", func(c *fiber.Ctx) error {
		if user := c.Query("user"); user != "" {
			c.Locals(middlewares.TokenUserID, user)
		}
		return c.Next()
	})
	// Shutdown 不會等已升級的 websocket，自行等待 handler 結束
	var conns sync.WaitGroup
	r.Get("/ws", websocket.New(func(c *websocket.Conn) {
		conns.Add(1)
		defer conns.Done()
		handler.HandleConnection(context.Background(), c)
	}))

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = r.Listener(ln)
	}()
	t.Cleanup(func() {
		// 測試本體已關閉 client 連線
		handlersDone := make(chan struct{})
		go func() {
			conns.Wait()
			close(handlersDone)
		}()
		select {
		case <-handlersDone:
		case <-time.After(5 * time.Second):
			t.Error("websocket handlers did not return")
		}
		assert.NoError(t, r.ShutdownWithTimeout(time.Second))
		<-served
	})
	return fmt.Sprintf("ws://%s/ws", ln.Addr().String())
}

func dial(t *testing.T, url, user string) *gws.Conn {
	t.Helper()
	conn, _, err := gws.DefaultDialer.Dial(url+"?user="+user, nil)
	require.NoError(t, err)
	return conn
}

func send(t *testing.T, conn *gws.Conn, req domain.WSRequest) {
	t.Helper()
	b, err := json.Marshal(req)
	require.NoError(t, err)
	require.NoError(t, conn.WriteMessage(gws.TextMessage, b))
}

// readUntil 略過不符合的推送，直到收到 match 的回應
func readUntil(t *testing.T, conn *gws.Conn, match func(domain.WSResponse) bool) domain.WSResponse {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, raw, err := conn.ReadMessage()
		require.NoError(t, err)
		var resp domain.WSResponse
		require.NoError(t, json.Unmarshal(raw, &resp))
		if match(resp) {
			return resp
		}
	}
}

func isAction(action domain.Action) func(domain.WSResponse) bool {
	return func(r domain.WSResponse) bool { return r.Action == string(action) }
}

func stateOf(t *testing.T, resp domain.WSResponse) domain.Snapshot {
	t.Helper()
	b, err := json.Marshal(resp.Payload["state"])
	require.NoError(t, err)
	var snap domain.Snapshot
	require.NoError(t, json.Unmarshal(b, &snap))
	return snap
}

func TestWebsocketConversationFlow(t *testing.T) {
	clock := quartz.NewReal()
	backend := repository.NewRealtimeBackend(repository.NewMemoryStore(clock), repository.NewMemoryFeed(), clock, time.Second)
	t.Cleanup(func() { _ = backend.Close() })
	url := startWebsocketServer(t, backend)

	buyer := dial(t, url, "buyer-1")
	defer buyer.Close()
	seller := dial(t, url, "seller-2")
	defer seller.Close()

	send(t, buyer, domain.WSRequest{
		Action:    string(domain.StartConversation),
		ItemID:    "item-42",
		ItemTitle: "Road bike",
		SellerID:  "seller-2",
		Content:   "Is this available?",
	})
	resp := readUntil(t, buyer, isAction(domain.StartConversation))
	require.True(t, resp.Success, resp.Error)
	convID, _ := resp.Payload["conversation_id"].(string)
	require.NotEmpty(t, convID)

	send(t, seller, domain.WSRequest{Action: string(domain.ListConversations)})
	resp = readUntil(t, seller, isAction(domain.ListConversations))
	require.True(t, resp.Success, resp.Error)
	assert.Len(t, resp.Payload["conversations"], 1)

	send(t, seller, domain.WSRequest{Action: string(domain.SelectConversation), ConversationID: convID})
	resp = readUntil(t, seller, isAction(domain.SelectConversation))
	require.True(t, resp.Success, resp.Error)

	send(t, seller, domain.WSRequest{Action: string(domain.InputChange), HasText: true})
	require.True(t, readUntil(t, seller, isAction(domain.InputChange)).Success)

	// 買家看到賣家正在輸入
	readUntil(t, buyer, func(r domain.WSResponse) bool {
		if r.Action != string(domain.PushState) {
			return false
		}
		typing := stateOf(t, r).Typing
		return len(typing) == 1 && typing[0].UserID == "seller-2"
	})

	send(t, seller, domain.WSRequest{Action: string(domain.SendMessage), Content: "Yes, still available"})
	resp = readUntil(t, seller, isAction(domain.SendMessage))
	require.True(t, resp.Success, resp.Error)

	state := readUntil(t, buyer, func(r domain.WSResponse) bool {
		return r.Action == string(domain.PushState) && len(stateOf(t, r).Messages) == 2
	})
	msgs := stateOf(t, state).Messages
	assert.Equal(t, "Is this available?", msgs[0].Content)
	assert.Equal(t, "Yes, still available", msgs[1].Content)

	send(t, seller, domain.WSRequest{Action: string(domain.SendMessage), Content: "   "})
	resp = readUntil(t, seller, isAction(domain.SendMessage))
	assert.False(t, resp.Success)
	assert.Equal(t, domain.ErrEmptyMessage.Error(), resp.Error)

	assert.Eventually(t, func() bool {
		return pkg.Contains(ListOnlineUsers(context.Background(), backend), "buyer-1")
	}, 3*time.Second, 10*time.Millisecond)

	// 斷線後寫入離線
	require.NoError(t, buyer.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, "")))
	assert.Eventually(t, func() bool {
		return !pkg.Contains(ListOnlineUsers(context.Background(), backend), "buyer-1")
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWebsocketBadRequests(t *testing.T) {
	clock := quartz.NewReal()
	backend := repository.NewRealtimeBackend(repository.NewMemoryStore(clock), repository.NewMemoryFeed(), clock, time.Second)
	t.Cleanup(func() { _ = backend.Close() })
	url := startWebsocketServer(t, backend)

	conn := dial(t, url, "buyer-1")
	defer conn.Close()

	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte("{not json")))
	resp := readUntil(t, conn, isAction(domain.PushError))
	assert.Equal(t, "invalid request", resp.Payload["error"])

	send(t, conn, domain.WSRequest{Action: "invite_private"})
	resp = readUntil(t, conn, isAction(domain.PushError))
	assert.Equal(t, "unknown action", resp.Payload["error"])

	require.NoError(t, conn.WriteMessage(gws.BinaryMessage, []byte{1, 2, 3}))
	resp = readUntil(t, conn, isAction(domain.PushError))
	assert.Equal(t, "unknown message types", resp.Payload["error"])

	send(t, conn, domain.WSRequest{Action: string(domain.InputChange), HasText: true})
	resp = readUntil(t, conn, isAction(domain.InputChange))
	assert.False(t, resp.Success)
	assert.Equal(t, domain.ErrNoConversation.Error(), resp.Error)

	send(t, conn, domain.WSRequest{Action: string(domain.SetStatus), Status: "busy"})
	resp = readUntil(t, conn, isAction(domain.SetStatus))
	assert.False(t, resp.Success)
	assert.Contains(t, resp.Error, domain.ErrInvalidStatus.Error())

	send(t, conn, domain.WSRequest{Action: string(domain.MarkRead), MessageID: "missing"})
	resp = readUntil(t, conn, isAction(domain.MarkRead))
	assert.False(t, resp.Success)
}

func TestWebsocketSetStatus(t *testing.T) {
	clock := quartz.NewReal()
	backend := repository.NewRealtimeBackend(repository.NewMemoryStore(clock), repository.NewMemoryFeed(), clock, time.Second)
	t.Cleanup(func() { _ = backend.Close() })
	url := startWebsocketServer(t, backend)

	conn := dial(t, url, "buyer-1")
	defer conn.Close()

	assert.Eventually(t, func() bool {
		return pkg.Contains(ListOnlineUsers(context.Background(), backend), "buyer-1")
	}, 3*time.Second, 10*time.Millisecond)

	send(t, conn, domain.WSRequest{Action: string(domain.SetStatus), Status: string(domain.StatusAway)})
	require.True(t, readUntil(t, conn, isAction(domain.SetStatus)).Success)
	assert.Eventually(t, func() bool {
		return !pkg.Contains(ListOnlineUsers(context.Background(), backend), "buyer-1")
	}, 3*time.Second, 10*time.Millisecond)

	send(t, conn, domain.WSRequest{Action: string(domain.SetStatus), Status: string(domain.StatusOnline)})
	require.True(t, readUntil(t, conn, isAction(domain.SetStatus)).Success)
	assert.Eventually(t, func() bool {
		return pkg.Contains(ListOnlineUsers(context.Background(), backend), "buyer-1")
	}, 3*time.Second, 10*time.Millisecond)
}

func TestWebsocketRequiresUser(t *testing.T) {
	clock := quartz.NewReal()
	backend := repository.NewRealtimeBackend(repository.NewMemoryStore(clock), repository.NewMemoryFeed(), clock, time.Second)
	t.Cleanup(func() { _ = backend.Close() })
	url := startWebsocketServer(t, backend)

	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	_, _, err = conn.ReadMessage()
	assert.True(t, gws.IsCloseError(err, gws.ClosePolicyViolation), "got %v", err)
}
