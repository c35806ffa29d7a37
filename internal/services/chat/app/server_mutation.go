package server

import "log"

// Post-hoc message mutation: reactions and read receipts. Both locate the
// message through the global id index populated on append, so lookup cost is
// independent of room count and history length. A message that expired out of
// its log, or never existed, makes the mutation a logged no-op; the caller
// never sees an error.

// addReaction appends {userID, reaction} to the message's reaction sequence
// and notifies the message's room, or both participants for a private
// message. Duplicate reactions from the same user are permitted.
func (h *hub) addReaction(connID string, messageID int64, symbol string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[connID]
	if !ok {
		log.Printf("chat: dropping reaction from unregistered connection %s", connID)
		return
	}
	msg, ok := h.byID[messageID]
	if !ok {
		log.Printf("chat: dropping reaction to unknown message %d from %s", messageID, connID)
		return
	}

	msg.Reactions = append(msg.Reactions, reaction{UserID: sess.id, Reaction: symbol})

	h.emitLocked(wsFrame{
		Type: "chat.reaction.added",
		Payload: mustJSON(reactionAddedPayload{
			MessageID: msg.ID,
			UserID:    sess.id,
			Reaction:  symbol,
		}),
	}, h.audienceForLocked(msg))
}

// markRead records that the session's display name has acknowledged the
// message. Idempotent by construction: a reader already present causes no
// mutation and no broadcast.
func (h *hub) markRead(connID string, messageID int64) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sess, ok := h.sessions[connID]
	if !ok {
		log.Printf("chat: dropping read receipt from unregistered connection %s", connID)
		return
	}
	msg, ok := h.byID[messageID]
	if !ok {
		log.Printf("chat: dropping read receipt for unknown message %d from %s", messageID, connID)
		return
	}
	if msg.hasReader(sess.displayName) {
		return
	}

	msg.Readers = append(msg.Readers, sess.displayName)

	h.emitLocked(wsFrame{
		Type: "chat.read.updated",
		Payload: mustJSON(readUpdatedPayload{
			MessageID: msg.ID,
			Readers:   msg.Readers,
		}),
	}, h.audienceForLocked(msg))
}
