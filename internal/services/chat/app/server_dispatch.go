package server

// Audience resolution and fan-out. Three audience shapes exist: every
// connected session (presence changes), one room's members (messages,
// member lists, typing, mutations), and the two participants of a private
// thread. Frames are composed and written under the hub lock so delivery
// order always matches mutation order.

func (h *hub) emitLocked(frame wsFrame, peers []*wsPeer) {
	for _, peer := range peers {
		_ = peer.writeFrame(frame)
	}
}

func (h *hub) allPeersLocked() []*wsPeer {
	peers := make([]*wsPeer, 0, len(h.sessions))
	for _, sess := range h.sessions {
		peers = append(peers, sess.peer)
	}
	return peers
}

func (h *hub) peersExceptLocked(connID string) []*wsPeer {
	peers := make([]*wsPeer, 0, len(h.sessions))
	for id, sess := range h.sessions {
		if id == connID {
			continue
		}
		peers = append(peers, sess.peer)
	}
	return peers
}

// participantPeersLocked resolves the live peers of a private message's
// sender and recipient. A participant that has disconnected is simply
// absent; delivery is best effort while connected.
func (h *hub) participantPeersLocked(msg *chatMessage) []*wsPeer {
	peers := make([]*wsPeer, 0, 2)
	if sess, ok := h.sessions[msg.SenderID]; ok {
		peers = append(peers, sess.peer)
	}
	if sess, ok := h.sessions[msg.RecipientID]; ok && msg.RecipientID != msg.SenderID {
		peers = append(peers, sess.peer)
	}
	return peers
}

// audienceForLocked computes the audience for a mutation against an existing
// message: the message's room members, or both participants when private.
func (h *hub) audienceForLocked(msg *chatMessage) []*wsPeer {
	if msg.Private {
		return h.participantPeersLocked(msg)
	}
	if rm := h.rooms[msg.Room]; rm != nil {
		return rm.peers()
	}
	return nil
}

func (h *hub) broadcastPresenceLocked() {
	h.emitLocked(wsFrame{
		Type:    "chat.presence",
		Payload: mustJSON(presencePayload{Users: h.onlineUsersLocked()}),
	}, h.allPeersLocked())
}

func (h *hub) broadcastTypingLocked(rm *room) {
	h.emitLocked(wsFrame{
		Type: "chat.typing.users",
		Payload: mustJSON(typingUsersPayload{
			Room:  rm.name,
			Users: h.typingNamesLocked(rm),
		}),
	}, rm.peers())
}

func roomMembersFrame(rm *room) wsFrame {
	return wsFrame{
		Type: "chat.room.members",
		Payload: mustJSON(roomMembersPayload{
			Room:    rm.name,
			Members: rm.memberList(),
		}),
	}
}

func roomHistoryFrame(roomName string, messages []*chatMessage) wsFrame {
	if messages == nil {
		messages = []*chatMessage{}
	}
	return wsFrame{
		Type: "chat.room.history",
		Payload: mustJSON(roomHistoryPayload{
			Room:     roomName,
			Messages: messages,
		}),
	}
}

func messageFrame(msg *chatMessage) wsFrame {
	return wsFrame{
		Type:    "chat.message",
		Payload: mustJSON(messageEnvelope{Message: msg}),
	}
}

func ackFrame(requestID string, messageID int64, count int) wsFrame {
	return wsFrame{
		Type:      "chat.ack",
		RequestID: requestID,
		Payload: mustJSON(ackEnvelope{
			Result: ackResult{
				Status:    "ok",
				MessageID: messageID,
				Count:     count,
			},
		}),
	}
}
