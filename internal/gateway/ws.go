package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/poliport/poliport/internal/orchestrator"
	"github.com/poliport/poliport/internal/session"
)

var wsUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// The session cookie is the credential; origin policy belongs to the
	// fronting proxy.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsFrame is the inbound envelope. Payload shape depends on Type and is
// schema-validated before dispatch.
type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"requestId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

type wsChatPayload struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversationId,omitempty"`
	Model          string `json:"model,omitempty"`
}

type wsHistoryPayload struct {
	ConversationID string `json:"conversationId"`
}

// wsConn serializes writes on one websocket connection. mu also guards
// sessionToken: chat turns run on their own goroutines and may adopt a
// minted token while the read loop keeps dispatching frames.
type wsConn struct {
	srv      *Server
	conn     *websocket.Conn
	tenantID string

	mu           sync.Mutex
	sessionToken string
}

func (wc *wsConn) session() string {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	return wc.sessionToken
}

func (wc *wsConn) adoptSession(token string) {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	wc.sessionToken = token
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	wc := &wsConn{
		srv:          s,
		conn:         conn,
		sessionToken: s.sessionToken(r),
		tenantID:     s.tenantID(r),
	}
	wc.serve(r.Context())
}

func (wc *wsConn) serve(ctx context.Context) {
	defer wc.conn.Close()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	pingInterval := wc.srv.cfg.Server.WSPingInterval
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	readDeadline := 2 * pingInterval

	_ = wc.conn.SetReadDeadline(time.Now().Add(readDeadline))
	wc.conn.SetPongHandler(func(string) error {
		return wc.conn.SetReadDeadline(time.Now().Add(readDeadline))
	})
	go wc.keepalive(ctx, pingInterval)

	for {
		_, raw, err := wc.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				wc.srv.logger.Debug("websocket closed", "error", err)
			}
			return
		}

		var frame wsFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			wc.writeError("", "invalid_frame", "Çerçeve çözümlenemedi.")
			continue
		}
		if err := validateWSFrame(raw, &frame); err != nil {
			wc.srv.logger.Debug("websocket frame rejected", "type", frame.Type, "error", err)
			wc.writeError(frame.RequestID, "invalid_frame", "Çerçeve doğrulanamadı.")
			continue
		}

		wc.dispatch(ctx, frame)
	}
}

func (wc *wsConn) keepalive(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			wc.mu.Lock()
			err := wc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wc.writeTimeout()))
			wc.mu.Unlock()
			if err != nil {
				return
			}
		case <-ctx.Done():
			return
		}
	}
}

func (wc *wsConn) dispatch(ctx context.Context, frame wsFrame) {
	switch frame.Type {
	case "chat_message":
		var payload wsChatPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			wc.writeError(frame.RequestID, "invalid_payload", "Mesaj çözümlenemedi.")
			return
		}
		// Turns stream concurrently; writes stay serialized per frame.
		go wc.runChat(ctx, frame.RequestID, payload)

	case "conversation_history":
		var payload wsHistoryPayload
		if err := json.Unmarshal(frame.Payload, &payload); err != nil {
			wc.writeError(frame.RequestID, "invalid_payload", "İstek çözümlenemedi.")
			return
		}
		msgs, err := wc.srv.orch.GetHistory(ctx, wc.session(), payload.ConversationID)
		if err != nil {
			wc.writeDomainError(frame.RequestID, err)
			return
		}
		wc.write(map[string]any{"type": "history", "requestId": frame.RequestID, "messages": msgs})

	case "conversation_list":
		convs, err := wc.srv.orch.ListConversations(ctx, wc.session())
		if err != nil {
			wc.writeDomainError(frame.RequestID, err)
			return
		}
		wc.write(map[string]any{"type": "conversations", "requestId": frame.RequestID, "conversations": convs})

	case "typing":
		// Presence only; nothing to fan out in a two-party thread.

	case "ping":
		wc.write(map[string]any{"type": "pong", "requestId": frame.RequestID})
	}
}

func (wc *wsConn) runChat(ctx context.Context, requestID string, payload wsChatPayload) {
	ex, err := wc.srv.orch.HandleMessage(ctx, orchestrator.Request{
		SessionToken:   wc.session(),
		TenantID:       wc.tenantID,
		ConversationID: payload.ConversationID,
		Message:        payload.Message,
		Model:          payload.Model,
	})
	if err != nil {
		wc.writeDomainError(requestID, err)
		return
	}
	if ex.NewSessionToken != "" {
		// Cookies cannot change mid-connection; the client adopts the
		// token from the new_conversation event.
		wc.adoptSession(ex.NewSessionToken)
	}

	for ev := range ex.Events {
		if !wc.write(map[string]any{"type": "stream_event", "requestId": requestID, "event": ev}) {
			// Writer gone; release the runtime stream.
			go func() {
				for range ex.Events {
				}
			}()
			return
		}
	}
	wc.write(map[string]any{"type": "stream_end", "requestId": requestID, "conversationId": ex.ConversationID})
}

func (wc *wsConn) write(body any) bool {
	wc.mu.Lock()
	defer wc.mu.Unlock()
	_ = wc.conn.SetWriteDeadline(time.Now().Add(wc.writeTimeout()))
	if err := wc.conn.WriteJSON(body); err != nil {
		wc.srv.logger.Debug("websocket write failed", "error", err)
		return false
	}
	return true
}

func (wc *wsConn) writeTimeout() time.Duration {
	if t := wc.srv.cfg.Server.WSWriteTimeout; t > 0 {
		return t
	}
	return 10 * time.Second
}

func (wc *wsConn) writeError(requestID, code, message string) {
	wc.write(map[string]any{"type": "error", "requestId": requestID, "code": code, "message": message})
}

func (wc *wsConn) writeDomainError(requestID string, err error) {
	var authErr *session.AuthError
	switch {
	case errors.As(err, &authErr):
		wc.writeError(requestID, string(authErr.Code), authErr.UserMessage())
	case errors.Is(err, orchestrator.ErrAccessDenied):
		wc.writeError(requestID, "access_denied", "Bu konuşmaya erişiminiz yok.")
	default:
		wc.srv.logger.Error("websocket request failed", "error", err)
		wc.writeError(requestID, "internal", "Bir hata oluştu. Lütfen tekrar deneyin.")
	}
}
