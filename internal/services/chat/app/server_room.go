package server

import (
	"sort"
	"time"
)

// reaction is one entry in a message's append-only reaction sequence. The
// same user may appear more than once; de-duplication is intentionally not
// applied.
type reaction struct {
	UserID   string `json:"user_id"`
	Reaction string `json:"reaction"`
}

// chatMessage is a message record. ID, sender, body, attachment, and
// timestamp fields never change after append; only Reactions and Readers
// grow.
type chatMessage struct {
	ID             int64      `json:"id"`
	Room           string     `json:"room,omitempty"`
	SenderID       string     `json:"sender_id"`
	SenderName     string     `json:"sender_name"`
	Body           string     `json:"body,omitempty"`
	AttachmentURL  string     `json:"attachment_url,omitempty"`
	AttachmentName string     `json:"attachment_name,omitempty"`
	Private        bool       `json:"private,omitempty"`
	RecipientID    string     `json:"recipient_id,omitempty"`
	RecipientName  string     `json:"recipient_name,omitempty"`
	SentAt         string     `json:"sent_at"`
	Reactions      []reaction `json:"reactions"`
	Readers        []string   `json:"readers"`
}

func (m *chatMessage) hasReader(name string) bool {
	for _, reader := range m.Readers {
		if reader == name {
			return true
		}
	}
	return false
}

// room pairs a member set with its ordered message log. Rooms are created
// implicitly on first reference and never removed, so history survives
// everyone leaving.
type room struct {
	name    string
	members map[string]*session
	log     []*chatMessage
}

func newRoom(name string) *room {
	return &room{
		name:    name,
		members: make(map[string]*session),
	}
}

// append adds a message to the log tail. Log order equals id order because
// ids are assigned under the same hub lock that serializes appends.
func (r *room) append(msg *chatMessage) {
	r.log = append(r.log, msg)
}

// pageBefore returns up to limit messages with id strictly less than before,
// in ascending id order, drawn from the tail of the qualifying prefix. A
// short or empty page means the start of the log was reached; that is the
// terminal condition for pagination, not an error.
func (r *room) pageBefore(before int64, limit int) []*chatMessage {
	end := sort.Search(len(r.log), func(i int) bool {
		return r.log[i].ID >= before
	})
	start := end - limit
	if start < 0 {
		start = 0
	}
	return r.log[start:end]
}

func (r *room) memberList() []userRef {
	members := make([]userRef, 0, len(r.members))
	for _, sess := range r.members {
		members = append(members, userRef{ID: sess.id, DisplayName: sess.displayName})
	}
	sort.Slice(members, func(i, j int) bool {
		if members[i].DisplayName != members[j].DisplayName {
			return members[i].DisplayName < members[j].DisplayName
		}
		return members[i].ID < members[j].ID
	})
	return members
}

func (r *room) peers() []*wsPeer {
	peers := make([]*wsPeer, 0, len(r.members))
	for _, sess := range r.members {
		peers = append(peers, sess.peer)
	}
	return peers
}

// ensureRoomLocked looks up a room, creating it on first reference. An
// unknown room name is never an error anywhere in the hub.
func (h *hub) ensureRoomLocked(name string) *room {
	rm, ok := h.rooms[name]
	if ok {
		return rm
	}
	rm = newRoom(name)
	h.rooms[name] = rm
	return rm
}

// newMessageLocked assigns the next process-wide message id. Ids are
// monotonically increasing across all rooms and private threads so they
// double as the ordering key and the mutation lookup key.
func (h *hub) newMessageLocked(sess *session) *chatMessage {
	h.nextMessageID++
	return &chatMessage{
		ID:         h.nextMessageID,
		SenderID:   sess.id,
		SenderName: sess.displayName,
		SentAt:     time.Now().UTC().Format(time.RFC3339),
		Reactions:  []reaction{},
		Readers:    []string{},
	}
}

// trimRoomLocked drops the oldest messages once a room log exceeds its cap.
// Trimmed messages leave the id index too, so later mutations against them
// are dropped as expired.
func (h *hub) trimRoomLocked(rm *room) {
	if len(rm.log) <= maxRoomMessages {
		return
	}
	evicted := rm.log[:len(rm.log)-maxRoomMessages]
	for _, msg := range evicted {
		delete(h.byID, msg.ID)
	}
	rm.log = rm.log[len(rm.log)-maxRoomMessages:]
}

// trimPrivateLocked caps the retained private messages. They live in no room
// log, so without this the id index would grow for the life of the process.
func (h *hub) trimPrivateLocked() {
	if len(h.private) <= maxPrivateMessages {
		return
	}
	evicted := h.private[:len(h.private)-maxPrivateMessages]
	for _, msg := range evicted {
		delete(h.byID, msg.ID)
	}
	h.private = h.private[len(h.private)-maxPrivateMessages:]
}
