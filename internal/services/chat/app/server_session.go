package server

import (
	"log"
	"sort"
)

// session is the server-side record for one live connection. The display
// name is fixed at join time; only the current room changes afterwards.
type session struct {
	id          string
	displayName string
	room        string
	peer        *wsPeer
}

// userRef is the public identity shape used in presence and membership
// payloads.
type userRef struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
}

// setTyping adds or removes the session from the typing set and, when the
// set actually changes, broadcasts the room's current typing names to the
// session's room. Entries never expire on their own; the disconnect path
// clears them.
func (h *hub) setTyping(connID string, typing bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[connID]
	if !ok {
		log.Printf("chat: dropping typing update from unregistered connection %s", connID)
		return
	}

	_, present := h.typing[connID]
	if typing == present {
		return
	}
	if typing {
		h.typing[connID] = struct{}{}
	} else {
		delete(h.typing, connID)
	}

	if rm := h.rooms[sess.room]; rm != nil {
		h.broadcastTypingLocked(rm)
	}
}

// typingNamesLocked resolves the typing set against the room's membership.
// Typing visibility is scoped to the room; other rooms never see it.
func (h *hub) typingNamesLocked(rm *room) []string {
	names := make([]string, 0, len(h.typing))
	for connID := range h.typing {
		sess, ok := rm.members[connID]
		if !ok {
			continue
		}
		names = append(names, sess.displayName)
	}
	sort.Strings(names)
	return names
}

func (h *hub) onlineUsersLocked() []userRef {
	users := make([]userRef, 0, len(h.sessions))
	for _, sess := range h.sessions {
		users = append(users, userRef{ID: sess.id, DisplayName: sess.displayName})
	}
	sort.Slice(users, func(i, j int) bool {
		if users[i].DisplayName != users[j].DisplayName {
			return users[i].DisplayName < users[j].DisplayName
		}
		return users[i].ID < users[j].ID
	})
	return users
}
