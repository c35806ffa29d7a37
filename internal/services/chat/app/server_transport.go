package server

import (
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"golang.org/x/net/websocket"

	"github.com/parleychat/parley/internal/platform/id"
)

type wsFrame struct {
	Type      string          `json:"type"`
	RequestID string          `json:"request_id,omitempty"`
	Payload   json.RawMessage `json:"payload"`
}

type wsErrorEnvelope struct {
	Error wsError `json:"error"`
}

type wsError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

type joinPayload struct {
	DisplayName string `json:"display_name"`
}

type joinedPayload struct {
	SessionID   string `json:"session_id"`
	DisplayName string `json:"display_name"`
	Room        string `json:"room"`
	ServerTime  string `json:"server_time"`
}

type switchRoomPayload struct {
	Room string `json:"room"`
}

type sendPayload struct {
	Body           string `json:"body"`
	AttachmentURL  string `json:"attachment_url,omitempty"`
	AttachmentName string `json:"attachment_name,omitempty"`
}

type privateSendPayload struct {
	RecipientID string `json:"recipient_id"`
	Body        string `json:"body"`
}

type typingPayload struct {
	Typing bool `json:"typing"`
}

type reactionAddPayload struct {
	MessageID int64  `json:"message_id"`
	Reaction  string `json:"reaction"`
}

type readMarkPayload struct {
	MessageID int64 `json:"message_id"`
}

type historyBeforePayload struct {
	Room            string `json:"room"`
	BeforeMessageID int64  `json:"before_message_id"`
	Limit           int    `json:"limit"`
}

type presencePayload struct {
	Users []userRef `json:"users"`
}

type roomMembersPayload struct {
	Room    string    `json:"room"`
	Members []userRef `json:"members"`
}

type roomHistoryPayload struct {
	Room     string         `json:"room"`
	Messages []*chatMessage `json:"messages"`
}

type typingUsersPayload struct {
	Room  string   `json:"room"`
	Users []string `json:"users"`
}

type reactionAddedPayload struct {
	MessageID int64  `json:"message_id"`
	UserID    string `json:"user_id"`
	Reaction  string `json:"reaction"`
}

type readUpdatedPayload struct {
	MessageID int64    `json:"message_id"`
	Readers   []string `json:"readers"`
}

type messageEnvelope struct {
	Message *chatMessage `json:"message"`
}

type ackEnvelope struct {
	Result ackResult `json:"result"`
}

type ackResult struct {
	Status    string `json:"status"`
	MessageID int64  `json:"message_id,omitempty"`
	Count     int    `json:"count,omitempty"`
}

// wsPeer serializes writes to one connection. Broadcast fan-out touches
// peers from under the hub lock, so the write path needs its own small lock
// to keep frames whole.
type wsPeer struct {
	mu      sync.Mutex
	encoder *json.Encoder
}

func newWSPeer(encoder *json.Encoder) *wsPeer {
	return &wsPeer{encoder: encoder}
}

func (p *wsPeer) writeFrame(frame wsFrame) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.encoder.Encode(frame)
}

func handleWSConn(conn *websocket.Conn, h *hub) {
	defer func() {
		_ = conn.Close()
	}()

	connID, err := id.NewID()
	if err != nil {
		log.Printf("chat: assigning connection id: %v", err)
		return
	}

	decoder := json.NewDecoder(conn)
	peer := newWSPeer(json.NewEncoder(conn))

	// Disconnect is terminal and reachable from any state; the deferred
	// leave retracts the session before this goroutine exits.
	defer h.leave(connID)

	windowStart := time.Now()
	framesInWindow := 0
	decodeErrors := 0

	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return
			}
			decodeErrors++
			_ = writeWSError(peer, "", "INVALID_ARGUMENT", "invalid frame payload")
			if decodeErrors >= maxDecodeErrorsPerConn {
				return
			}
			continue
		}
		decodeErrors = 0

		if len(frame.Payload) > maxFramePayloadBytes {
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "payload too large")
			continue
		}

		now := time.Now()
		if now.Sub(windowStart) >= time.Second {
			windowStart = now
			framesInWindow = 0
		}
		framesInWindow++
		if framesInWindow > maxFramesPerSecond {
			_ = writeWSError(peer, frame.RequestID, "RESOURCE_EXHAUSTED", "rate limit exceeded")
			return
		}

		switch frame.Type {
		case "chat.join":
			handleJoinFrame(h, connID, peer, frame)
		case "chat.room.switch":
			handleSwitchRoomFrame(h, connID, peer, frame)
		case "chat.send":
			handleSendFrame(h, connID, peer, frame)
		case "chat.private.send":
			handlePrivateSendFrame(h, connID, peer, frame)
		case "chat.typing":
			handleTypingFrame(h, connID, peer, frame)
		case "chat.reaction.add":
			handleReactionAddFrame(h, connID, peer, frame)
		case "chat.read.mark":
			handleReadMarkFrame(h, connID, peer, frame)
		case "chat.history.before":
			handleHistoryBeforeFrame(h, connID, peer, frame)
		default:
			_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "unsupported frame type")
		}
	}
}

func handleJoinFrame(h *hub, connID string, peer *wsPeer, frame wsFrame) {
	var payload joinPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid join payload")
		return
	}

	displayName := strings.TrimSpace(payload.DisplayName)
	if displayName == "" {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "display_name is required")
		return
	}
	if utf8.RuneCountInString(displayName) > maxDisplayNameRunes {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "display_name must be at most 64 characters")
		return
	}

	h.join(connID, displayName, peer, frame.RequestID)
}

func handleSwitchRoomFrame(h *hub, connID string, peer *wsPeer, frame wsFrame) {
	var payload switchRoomPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid room switch payload")
		return
	}

	roomName := strings.TrimSpace(payload.Room)
	if roomName == "" {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "room is required")
		return
	}
	if utf8.RuneCountInString(roomName) > maxRoomNameRunes {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "room must be at most 64 characters")
		return
	}

	h.switchRoom(connID, roomName)
}

func handleSendFrame(h *hub, connID string, peer *wsPeer, frame wsFrame) {
	var payload sendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid send payload")
		return
	}

	body := strings.TrimSpace(payload.Body)
	attachmentURL := strings.TrimSpace(payload.AttachmentURL)
	attachmentName := strings.TrimSpace(payload.AttachmentName)
	if body == "" && attachmentURL == "" {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "body or attachment_url is required")
		return
	}
	if utf8.RuneCountInString(body) > maxMessageBodyRunes {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "body must be at most 2000 characters")
		return
	}
	if attachmentName != "" && attachmentURL == "" {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "attachment_name requires attachment_url")
		return
	}

	h.sendRoom(connID, body, attachmentURL, attachmentName, frame.RequestID)
}

func handlePrivateSendFrame(h *hub, connID string, peer *wsPeer, frame wsFrame) {
	var payload privateSendPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid private send payload")
		return
	}

	recipientID := strings.TrimSpace(payload.RecipientID)
	if recipientID == "" {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "recipient_id is required")
		return
	}
	body := strings.TrimSpace(payload.Body)
	if body == "" {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "body is required")
		return
	}
	if utf8.RuneCountInString(body) > maxMessageBodyRunes {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "body must be at most 2000 characters")
		return
	}

	h.sendPrivate(connID, recipientID, body, frame.RequestID)
}

func handleTypingFrame(h *hub, connID string, peer *wsPeer, frame wsFrame) {
	var payload typingPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid typing payload")
		return
	}

	h.setTyping(connID, payload.Typing)
}

func handleReactionAddFrame(h *hub, connID string, peer *wsPeer, frame wsFrame) {
	var payload reactionAddPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid reaction payload")
		return
	}

	if payload.MessageID < 1 {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "message_id must be >= 1")
		return
	}
	symbol := strings.TrimSpace(payload.Reaction)
	if symbol == "" {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "reaction is required")
		return
	}
	if utf8.RuneCountInString(symbol) > maxReactionRunes {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "reaction must be at most 16 characters")
		return
	}

	h.addReaction(connID, payload.MessageID, symbol)
}

func handleReadMarkFrame(h *hub, connID string, peer *wsPeer, frame wsFrame) {
	var payload readMarkPayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid read receipt payload")
		return
	}

	if payload.MessageID < 1 {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "message_id must be >= 1")
		return
	}

	h.markRead(connID, payload.MessageID)
}

func handleHistoryBeforeFrame(h *hub, connID string, peer *wsPeer, frame wsFrame) {
	var payload historyBeforePayload
	if err := json.Unmarshal(frame.Payload, &payload); err != nil {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "invalid history payload")
		return
	}

	roomName := strings.TrimSpace(payload.Room)
	if roomName == "" {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "room is required")
		return
	}
	if payload.BeforeMessageID < 0 {
		_ = writeWSError(peer, frame.RequestID, "INVALID_ARGUMENT", "before_message_id must be >= 0")
		return
	}
	if payload.Limit <= 0 {
		payload.Limit = defaultHistoryLimit
	}
	if payload.Limit > maxHistoryLimit {
		payload.Limit = maxHistoryLimit
	}

	h.historyBefore(connID, roomName, payload.BeforeMessageID, payload.Limit, frame.RequestID)
}

func writeWSError(peer *wsPeer, requestID string, code string, message string) error {
	return peer.writeFrame(wsFrame{
		Type:      "chat.error",
		RequestID: requestID,
		Payload: mustJSON(wsErrorEnvelope{
			Error: wsError{
				Code:      code,
				Message:   message,
				Retryable: false,
			},
		}),
	})
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		log.Printf("failed to marshal websocket frame payload: %v", err)
		return nil
	}
	return b
}

// newHandler mounts the websocket endpoint plus the read-only introspection
// routes. Introspection never mutates the hub and is not a real-time path.
func newHandler(defaultRoom string) http.Handler {
	h := newHub(defaultRoom)
	mux := http.NewServeMux()
	mux.HandleFunc("/up", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	mux.HandleFunc("/api/online", h.handleOnlineUsers)
	mux.HandleFunc("/api/rooms", h.handleRoomSnapshots)

	wsHandler := websocket.Handler(func(conn *websocket.Conn) {
		handleWSConn(conn, h)
	})

	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		wsHandler.ServeHTTP(w, r)
	})

	return mux
}
