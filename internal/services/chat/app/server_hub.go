package server

import (
	"log"
	"strings"
	"sync"
	"time"
)

// hub owns every process-wide registry: the session registry, the room
// directory with its message logs, the typing set, and the global message id
// index. One mutex serializes all mutation and fan-out, which is the Go
// rendering of a single-threaded event loop: each operation reads what it
// needs, performs its one atomic mutation, and emits to the computed audience
// before the next operation can observe the registries.
type hub struct {
	mu sync.Mutex

	defaultRoom string

	sessions map[string]*session
	rooms    map[string]*room
	typing   map[string]struct{}

	nextMessageID int64
	byID          map[int64]*chatMessage
	private       []*chatMessage
}

func newHub(defaultRoom string) *hub {
	defaultRoom = strings.TrimSpace(defaultRoom)
	if defaultRoom == "" {
		defaultRoom = defaultRoomName
	}
	return &hub{
		defaultRoom: defaultRoom,
		sessions:    make(map[string]*session),
		rooms:       make(map[string]*room),
		typing:      make(map[string]struct{}),
		byID:        make(map[int64]*chatMessage),
	}
}

// join registers a session for the connection and places it in the default
// room. The caller sees a joined ack plus the room's history; everyone else
// sees updated presence and a join announcement.
func (h *hub) join(connID, displayName string, peer *wsPeer, requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, exists := h.sessions[connID]; exists {
		_ = writeWSError(peer, requestID, "FAILED_PRECONDITION", "connection has already joined")
		return
	}

	sess := &session{
		id:          connID,
		displayName: displayName,
		room:        h.defaultRoom,
		peer:        peer,
	}
	h.sessions[connID] = sess
	rm := h.ensureRoomLocked(h.defaultRoom)
	rm.members[connID] = sess

	_ = peer.writeFrame(wsFrame{
		Type:      "chat.joined",
		RequestID: requestID,
		Payload: mustJSON(joinedPayload{
			SessionID:   sess.id,
			DisplayName: sess.displayName,
			Room:        sess.room,
			ServerTime:  time.Now().UTC().Format(time.RFC3339),
		}),
	})
	h.broadcastPresenceLocked()
	h.emitLocked(wsFrame{
		Type:    "chat.user.joined",
		Payload: mustJSON(userRef{ID: sess.id, DisplayName: sess.displayName}),
	}, h.peersExceptLocked(connID))
	h.emitLocked(roomMembersFrame(rm), rm.peers())
	_ = peer.writeFrame(roomHistoryFrame(rm.name, rm.log))
}

// leave retracts the connection's session from every registry in one critical
// section: session registry, room membership, and the typing set. A
// connection that never joined is tolerated silently. No broadcast computed
// after leave returns can include the departed session.
func (h *hub) leave(connID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[connID]
	if !ok {
		return
	}
	delete(h.sessions, connID)

	_, wasTyping := h.typing[connID]
	delete(h.typing, connID)

	var rm *room
	if sess.room != "" {
		rm = h.rooms[sess.room]
		if rm != nil {
			delete(rm.members, connID)
		}
	}

	h.broadcastPresenceLocked()
	h.emitLocked(wsFrame{
		Type:    "chat.user.left",
		Payload: mustJSON(userRef{ID: sess.id, DisplayName: sess.displayName}),
	}, h.allPeersLocked())
	if rm != nil {
		h.emitLocked(roomMembersFrame(rm), rm.peers())
		if wasTyping {
			h.broadcastTypingLocked(rm)
		}
	}
}

// switchRoom atomically moves the session from its previous room to the
// target room, creating the target on first reference. The caller receives
// the target room's full log as its initial view; both rooms get refreshed
// member lists.
func (h *hub) switchRoom(connID, roomName string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[connID]
	if !ok {
		log.Printf("chat: dropping room switch from unregistered connection %s", connID)
		return
	}

	var prev *room
	if sess.room != "" && sess.room != roomName {
		prev = h.rooms[sess.room]
		if prev != nil {
			delete(prev.members, connID)
		}
	}

	next := h.ensureRoomLocked(roomName)
	next.members[connID] = sess
	sess.room = roomName

	_, wasTyping := h.typing[connID]
	delete(h.typing, connID)

	if prev != nil {
		h.emitLocked(roomMembersFrame(prev), prev.peers())
		if wasTyping {
			h.broadcastTypingLocked(prev)
		}
	} else if wasTyping {
		// Same-room switch: the cleared typing entry still has to reach the
		// room or members keep rendering the switcher as typing.
		h.broadcastTypingLocked(next)
	}
	h.emitLocked(roomMembersFrame(next), next.peers())
	_ = sess.peer.writeFrame(roomHistoryFrame(next.name, next.log))
}

// sendRoom appends a message to the sender's current room and fans it out to
// the room's members. Append order equals broadcast order because both happen
// under the same lock hold.
func (h *hub) sendRoom(connID, body, attachmentURL, attachmentName, requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[connID]
	if !ok {
		log.Printf("chat: dropping message from unregistered connection %s", connID)
		return
	}
	if sess.room == "" {
		_ = writeWSError(sess.peer, requestID, "FAILED_PRECONDITION", "session is not in a room")
		return
	}

	rm := h.ensureRoomLocked(sess.room)
	msg := h.newMessageLocked(sess)
	msg.Room = rm.name
	msg.Body = body
	msg.AttachmentURL = attachmentURL
	msg.AttachmentName = attachmentName
	rm.append(msg)
	h.byID[msg.ID] = msg
	h.trimRoomLocked(rm)

	_ = sess.peer.writeFrame(ackFrame(requestID, msg.ID, 0))
	h.emitLocked(messageFrame(msg), rm.peers())
}

// sendPrivate delivers a one-to-one message to exactly the sender and the
// recipient. The message is indexed for later mutation but never enters any
// room log.
func (h *hub) sendPrivate(connID, recipientID, body, requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[connID]
	if !ok {
		log.Printf("chat: dropping private message from unregistered connection %s", connID)
		return
	}
	recipient, ok := h.sessions[recipientID]
	if !ok {
		_ = writeWSError(sess.peer, requestID, "NOT_FOUND", "recipient is not connected")
		return
	}

	msg := h.newMessageLocked(sess)
	msg.Private = true
	msg.Body = body
	msg.RecipientID = recipient.id
	msg.RecipientName = recipient.displayName
	h.byID[msg.ID] = msg
	h.private = append(h.private, msg)
	h.trimPrivateLocked()

	_ = sess.peer.writeFrame(ackFrame(requestID, msg.ID, 0))
	h.emitLocked(messageFrame(msg), h.participantPeersLocked(msg))
}

// historyBefore serves one backward page of a room's log to the requesting
// connection. before == 0 means "from the newest end". An unknown room yields
// an empty page rather than an error.
func (h *hub) historyBefore(connID, roomName string, before int64, limit int, requestID string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[connID]
	if !ok {
		log.Printf("chat: dropping history request from unregistered connection %s", connID)
		return
	}

	if before == 0 {
		before = h.nextMessageID + 1
	}
	var page []*chatMessage
	if rm := h.rooms[roomName]; rm != nil {
		page = rm.pageBefore(before, limit)
	}

	history := roomHistoryFrame(roomName, page)
	history.RequestID = requestID
	_ = sess.peer.writeFrame(history)
	_ = sess.peer.writeFrame(ackFrame(requestID, 0, len(page)))
}
