package app

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"campus_connect/internal/messaging/domain"
	"campus_connect/internal/messaging/repository"
	"campus_connect/pkg/logger"
	"campus_connect/pkg/middlewares"

	"github.com/coder/quartz"
	"github.com/gofiber/websocket/v2"
	"go.uber.org/zap"
)

// PingInterval server ping period
const PingInterval = 10 * time.Minute

// MessagingWebsocketHandler one Session per websocket connection
type MessagingWebsocketHandler struct {
	backend repository.Backend
	clock   quartz.Clock
	cfg     SessionConfig
}

// NewMessagingWebsocketHandler create MessagingWebsocketHandler
func NewMessagingWebsocketHandler(backend repository.Backend, clock quartz.Clock, cfg SessionConfig) *MessagingWebsocketHandler {
	return &MessagingWebsocketHandler{backend: backend, clock: clock, cfg: cfg}
}

// wsConn serialises writes, the websocket conn allows one writer at a time
type wsConn struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (c *wsConn) write(mt int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.conn.WriteMessage(mt, data)
}

// HandleConnection 是 WebSocket 連線的進入點
func (h *MessagingWebsocketHandler) HandleConnection(ctx context.Context, conn *websocket.Conn) {
	userID, _ := conn.Locals(middlewares.TokenUserID).(string)
	if userID == "" {
		closeWebSocketConnection(conn, websocket.ClosePolicyViolation, "missing user")
		return
	}
	logger.Log.Info("websocket connect", zap.String("userID", userID))

	w := &wsConn{conn: conn}
	sess := NewSession(userID, h.backend, h.clock, h.cfg)
	ctxClose, cancel := context.WithCancel(ctx)

	// 只保留最新一份 snapshot，推送慢時舊的直接丟棄
	pushes := make(chan domain.Snapshot, 1)
	removeListener := sess.OnChange(func(snap domain.Snapshot) {
		select {
		case pushes <- snap:
			return
		default:
		}
		select {
		case <-pushes:
		default:
		}
		select {
		case pushes <- snap:
		default:
		}
	})

	var wg sync.WaitGroup
	defer func() {
		removeListener()
		sess.Unmount()
		cancel()
		wg.Wait()
		logger.Log.Info("websocket close", zap.String("userID", userID))
		conn.Close()
	}()

	//client發出close
	conn.SetCloseHandler(func(code int, text string) error {
		logger.Log.Info("websocket closed by client", zap.String("userID", userID), zap.Int("code", code))
		return nil
	})

	//server發出ping之後client連線正常會回pong
	conn.SetPongHandler(func(appData string) error {
		logger.Log.Debug("received pong", zap.String("userID", userID))
		return nil
	})

	if err := sess.Mount(ctxClose); err != nil {
		logger.Log.Error("session mount failed", zap.String("userID", userID), zap.Error(err))
		h.sendError(w, err.Error())
		return
	}

	// 推送狀態
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case snap := <-pushes:
				h.sendResponse(w, domain.WSResponse{
					Action:  string(domain.PushState),
					Success: true,
					Payload: map[string]interface{}{"state": snap},
				})
			case <-ctxClose.Done():
				return
			}
		}
	}()

	// 定期發送 Ping
	ticker := h.clock.NewTicker(PingInterval, "websocket", "ping")
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if err := w.write(websocket.PingMessage, []byte("ping message")); err != nil {
					logger.Log.Error("ping error", zap.String("userID", userID), zap.Error(err))
					return
				}
			case <-ctxClose.Done():
				return
			}
		}
	}()

	for {
		mt, message, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err,
				websocket.CloseNormalClosure,
				websocket.CloseGoingAway,
				websocket.CloseNoStatusReceived,
			) {
				logger.Log.Info("connection closed", zap.String("userID", userID))
			} else {
				//直接斷線 1006
				logger.Log.Warn("websocket read error", zap.String("userID", userID), zap.Error(err))
			}
			return
		}
		if mt != websocket.TextMessage {
			h.sendError(w, "unknown message types")
			continue
		}
		h.textMessageAction(ctxClose, w, sess, message)
	}
}

func (h *MessagingWebsocketHandler) textMessageAction(ctx context.Context, w *wsConn, sess *Session, msg []byte) {
	var req domain.WSRequest
	if err := json.Unmarshal(msg, &req); err != nil {
		h.sendError(w, "invalid request")
		return
	}

	resp := domain.WSResponse{Action: req.Action, Success: false, Payload: map[string]interface{}{}}
	var err error
	switch domain.Action(req.Action) {
	case domain.ListConversations:
		var convs []domain.Conversation
		if convs, err = sess.ListConversations(ctx); err == nil {
			resp.Payload["conversations"] = convs
		}

	//買家第一次聯絡賣家
	case domain.StartConversation:
		var conv domain.Conversation
		if conv, err = sess.StartConversation(ctx, req.ItemID, req.ItemTitle, req.SellerID, req.Content); err == nil {
			resp.Payload["conversation_id"] = conv.ID
		}

	case domain.SelectConversation:
		var conv domain.Conversation
		if conv, err = sess.SelectConversation(ctx, req.ConversationID); err == nil {
			resp.Payload["conversation_id"] = conv.ID
		}

	case domain.SendMessage:
		var m domain.Message
		if m, err = sess.Send(ctx, req.Content); err == nil {
			resp.Payload["message_id"] = m.ID
		}

	case domain.InputChange:
		err = sess.InputChanged(req.HasText)

	case domain.MarkRead:
		err = sess.MarkRead(ctx, req.MessageID)

	case domain.BrowserOnline:
		sess.BrowserOnline()

	case domain.BrowserOffline:
		sess.BrowserOffline()

	case domain.SetStatus:
		err = sess.SetStatus(domain.PresenceStatus(req.Status))

	//頁面關閉前送出
	case domain.Unload:
		sess.Unload(ctx)

	default:
		h.sendError(w, "unknown action")
		return
	}

	if err != nil {
		resp.Error = err.Error()
		logger.Log.Error("websocket err", zap.String("userID", sess.UserID()), zap.String("action", req.Action), zap.Error(err))
	} else {
		resp.Success = true
	}
	h.sendResponse(w, resp)
}

// sendResponse - 發送 JSON 給前端
func (h *MessagingWebsocketHandler) sendResponse(w *wsConn, resp domain.WSResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		logger.Log.Error("marshal response failed", zap.Error(err))
		return
	}
	if err := w.write(websocket.TextMessage, b); err != nil {
		logger.Log.Warn("write message error", zap.Error(err))
	}
}

func (h *MessagingWebsocketHandler) sendError(w *wsConn, errorMsg string) {
	h.sendResponse(w, domain.WSResponse{
		Action:  string(domain.PushError),
		Success: false,
		Payload: map[string]interface{}{
			"error": errorMsg,
		},
	})
}

func closeWebSocketConnection(conn *websocket.Conn, code int, reason string) {
	if err := conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason)); err != nil {
		logger.Log.Warn("failed to send close message", zap.Error(err))
	}
	conn.Close()
}
