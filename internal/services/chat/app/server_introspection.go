package server

import (
	"encoding/json"
	"log"
	"net/http"
	"sort"
)

type onlineUsersSnapshot struct {
	Users []userRef `json:"users"`
}

type roomSnapshot struct {
	Name        string        `json:"name"`
	MemberCount int           `json:"member_count"`
	Messages    []chatMessage `json:"messages"`
}

type roomsSnapshot struct {
	Rooms []roomSnapshot `json:"rooms"`
}

// onlineUsers returns a copy of the current online-user list for diagnostic
// reads outside the hub lock.
func (h *hub) onlineUsers() []userRef {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.onlineUsersLocked()
}

// roomSnapshots deep-copies every room's log so introspection handlers can
// marshal without racing later mutations.
func (h *hub) roomSnapshots() []roomSnapshot {
	h.mu.Lock()
	defer h.mu.Unlock()

	names := make([]string, 0, len(h.rooms))
	for name := range h.rooms {
		names = append(names, name)
	}
	sort.Strings(names)

	snapshots := make([]roomSnapshot, 0, len(names))
	for _, name := range names {
		rm := h.rooms[name]
		messages := make([]chatMessage, 0, len(rm.log))
		for _, msg := range rm.log {
			copied := *msg
			copied.Reactions = append([]reaction{}, msg.Reactions...)
			copied.Readers = append([]string{}, msg.Readers...)
			messages = append(messages, copied)
		}
		snapshots = append(snapshots, roomSnapshot{
			Name:        rm.name,
			MemberCount: len(rm.members),
			Messages:    messages,
		})
	}
	return snapshots
}

func (h *hub) handleOnlineUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, onlineUsersSnapshot{Users: h.onlineUsers()})
}

func (h *hub) handleRoomSnapshots(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, roomsSnapshot{Rooms: h.roomSnapshots()})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Printf("chat: writing introspection response: %v", err)
	}
}
