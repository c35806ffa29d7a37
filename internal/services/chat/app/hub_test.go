package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"testing"
)

func newTestPeer() (*wsPeer, *bytes.Buffer) {
	var buf bytes.Buffer
	return newWSPeer(json.NewEncoder(&buf)), &buf
}

func decodeFrames(t *testing.T, buf *bytes.Buffer) []wsFrame {
	t.Helper()
	decoder := json.NewDecoder(bytes.NewReader(buf.Bytes()))
	var frames []wsFrame
	for {
		var frame wsFrame
		if err := decoder.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return frames
			}
			t.Fatalf("decode recorded frame: %v", err)
		}
		frames = append(frames, frame)
	}
}

func framesOfType(frames []wsFrame, frameType string) []wsFrame {
	var matched []wsFrame
	for _, frame := range frames {
		if frame.Type == frameType {
			matched = append(matched, frame)
		}
	}
	return matched
}

// assertMembershipConsistent checks that every room's member set equals
// exactly the sessions whose current room is that room.
func assertMembershipConsistent(t *testing.T, h *hub) {
	t.Helper()
	for name, rm := range h.rooms {
		for connID := range rm.members {
			sess, ok := h.sessions[connID]
			if !ok {
				t.Fatalf("room %q holds member %q with no session", name, connID)
			}
			if sess.room != name {
				t.Fatalf("room %q holds member %q whose current room is %q", name, connID, sess.room)
			}
		}
	}
	for connID, sess := range h.sessions {
		if sess.room == "" {
			continue
		}
		rm, ok := h.rooms[sess.room]
		if !ok {
			t.Fatalf("session %q references missing room %q", connID, sess.room)
		}
		if _, ok := rm.members[connID]; !ok {
			t.Fatalf("session %q missing from members of room %q", connID, sess.room)
		}
	}
}

func TestMembershipConsistencyAcrossJoinSwitchLeave(t *testing.T) {
	h := newHub("global")

	peerA, _ := newTestPeer()
	peerB, _ := newTestPeer()
	peerC, _ := newTestPeer()
	h.join("conn-a", "alice", peerA, "")
	h.join("conn-b", "bob", peerB, "")
	h.join("conn-c", "carol", peerC, "")
	assertMembershipConsistent(t, h)

	h.switchRoom("conn-a", "tech")
	assertMembershipConsistent(t, h)

	h.switchRoom("conn-b", "tech")
	h.switchRoom("conn-a", "global")
	assertMembershipConsistent(t, h)

	h.leave("conn-b")
	assertMembershipConsistent(t, h)
	if _, ok := h.sessions["conn-b"]; ok {
		t.Fatal("expected conn-b session removed")
	}

	h.leave("conn-a")
	h.leave("conn-c")
	assertMembershipConsistent(t, h)
	if len(h.sessions) != 0 {
		t.Fatalf("expected no sessions, got %d", len(h.sessions))
	}
}

func TestSwitchToSameRoomKeepsMembership(t *testing.T) {
	h := newHub("global")
	peer, _ := newTestPeer()
	h.join("conn-a", "alice", peer, "")

	h.switchRoom("conn-a", "global")
	assertMembershipConsistent(t, h)
	if h.sessions["conn-a"].room != "global" {
		t.Fatalf("expected session to stay in global, got %q", h.sessions["conn-a"].room)
	}
}

func TestAppendOrderMatchesLogAndBroadcastOrder(t *testing.T) {
	h := newHub("global")
	sender, _ := newTestPeer()
	receiver, receiverBuf := newTestPeer()
	h.join("conn-a", "alice", sender, "")
	h.join("conn-b", "bob", receiver, "")
	receiverBuf.Reset()

	for i := 0; i < 5; i++ {
		h.sendRoom("conn-a", fmt.Sprintf("msg-%d", i), "", "", "")
	}

	rm := h.rooms["global"]
	if len(rm.log) != 5 {
		t.Fatalf("expected 5 messages in log, got %d", len(rm.log))
	}
	for i := 1; i < len(rm.log); i++ {
		if rm.log[i].ID <= rm.log[i-1].ID {
			t.Fatalf("log ids not ascending: %d then %d", rm.log[i-1].ID, rm.log[i].ID)
		}
	}

	received := framesOfType(decodeFrames(t, receiverBuf), "chat.message")
	if len(received) != 5 {
		t.Fatalf("expected 5 broadcast messages, got %d", len(received))
	}
	for i, frame := range received {
		var envelope messageEnvelope
		if err := json.Unmarshal(frame.Payload, &envelope); err != nil {
			t.Fatalf("decode message payload: %v", err)
		}
		if envelope.Message.ID != rm.log[i].ID {
			t.Fatalf("broadcast order diverges from log at %d: %d != %d", i, envelope.Message.ID, rm.log[i].ID)
		}
	}
}

func TestPageBeforeChainsWithoutOverlapOrGaps(t *testing.T) {
	h := newHub("global")
	peer, _ := newTestPeer()
	h.join("conn-a", "alice", peer, "")
	for i := 0; i < 25; i++ {
		h.sendRoom("conn-a", fmt.Sprintf("msg-%d", i), "", "", "")
	}
	rm := h.rooms["global"]

	cursor := h.nextMessageID + 1
	var collected []int64
	for {
		page := rm.pageBefore(cursor, 10)
		if len(page) == 0 {
			break
		}
		ids := make([]int64, 0, len(page))
		for _, msg := range page {
			ids = append(ids, msg.ID)
		}
		collected = append(ids, collected...)
		cursor = page[0].ID
	}

	if len(collected) != 25 {
		t.Fatalf("expected 25 paginated messages, got %d", len(collected))
	}
	for i, msgID := range collected {
		if msgID != rm.log[i].ID {
			t.Fatalf("pagination diverges from log at %d: %d != %d", i, msgID, rm.log[i].ID)
		}
	}

	// Repeating a page against an unchanged log returns identical results.
	first := rm.pageBefore(11, 10)
	second := rm.pageBefore(11, 10)
	if len(first) != len(second) {
		t.Fatalf("repeated page sizes differ: %d != %d", len(first), len(second))
	}
	for i := range first {
		if first[i].ID != second[i].ID {
			t.Fatalf("repeated page diverges at %d", i)
		}
	}
}

func TestPageBeforeEmptyAtLogStart(t *testing.T) {
	h := newHub("global")
	peer, _ := newTestPeer()
	h.join("conn-a", "alice", peer, "")
	h.sendRoom("conn-a", "only", "", "", "")

	rm := h.rooms["global"]
	if page := rm.pageBefore(rm.log[0].ID, 10); len(page) != 0 {
		t.Fatalf("expected empty page before first message, got %d", len(page))
	}
}

func TestMarkReadIsIdempotent(t *testing.T) {
	h := newHub("global")
	peerA, _ := newTestPeer()
	peerB, bufB := newTestPeer()
	h.join("conn-a", "alice", peerA, "")
	h.join("conn-b", "bob", peerB, "")
	h.sendRoom("conn-a", "hello", "", "", "")
	msgID := h.nextMessageID
	bufB.Reset()

	h.markRead("conn-b", msgID)
	h.markRead("conn-b", msgID)

	msg := h.byID[msgID]
	if len(msg.Readers) != 1 {
		t.Fatalf("expected a single reader, got %v", msg.Readers)
	}
	if msg.Readers[0] != "bob" {
		t.Fatalf("expected reader bob, got %q", msg.Readers[0])
	}
	updates := framesOfType(decodeFrames(t, bufB), "chat.read.updated")
	if len(updates) != 1 {
		t.Fatalf("expected one read update broadcast, got %d", len(updates))
	}
}

func TestReactionLookupResolvesAcrossManyRooms(t *testing.T) {
	h := newHub("global")
	peer, _ := newTestPeer()
	h.join("conn-a", "alice", peer, "")

	var msgIDs []int64
	for i := 0; i < 20; i++ {
		h.switchRoom("conn-a", fmt.Sprintf("room-%d", i))
		for j := 0; j < 10; j++ {
			h.sendRoom("conn-a", fmt.Sprintf("msg-%d-%d", i, j), "", "", "")
			msgIDs = append(msgIDs, h.nextMessageID)
		}
	}

	for _, msgID := range msgIDs {
		h.addReaction("conn-a", msgID, "👍")
	}

	for _, msgID := range msgIDs {
		msg, ok := h.byID[msgID]
		if !ok {
			t.Fatalf("message %d missing from index", msgID)
		}
		if len(msg.Reactions) != 1 {
			t.Fatalf("message %d has %d reactions, want 1", msgID, len(msg.Reactions))
		}
	}
}

func TestDuplicateReactionsFromSameUserAreKept(t *testing.T) {
	h := newHub("global")
	peer, _ := newTestPeer()
	h.join("conn-a", "alice", peer, "")
	h.sendRoom("conn-a", "hello", "", "", "")
	msgID := h.nextMessageID

	h.addReaction("conn-a", msgID, "🎉")
	h.addReaction("conn-a", msgID, "🎉")

	if got := len(h.byID[msgID].Reactions); got != 2 {
		t.Fatalf("expected 2 reactions, got %d", got)
	}
}

func TestUnknownMessageMutationIsDropped(t *testing.T) {
	h := newHub("global")
	peer, buf := newTestPeer()
	h.join("conn-a", "alice", peer, "")
	buf.Reset()

	h.addReaction("conn-a", 999, "👍")
	h.markRead("conn-a", 999)

	if frames := decodeFrames(t, buf); len(frames) != 0 {
		t.Fatalf("expected no frames for dropped mutations, got %d", len(frames))
	}
}

func TestUnknownSessionOperationsAreIgnored(t *testing.T) {
	h := newHub("global")

	h.leave("ghost")
	h.switchRoom("ghost", "tech")
	h.sendRoom("ghost", "hello", "", "", "")
	h.setTyping("ghost", true)
	h.addReaction("ghost", 1, "👍")
	h.markRead("ghost", 1)

	if len(h.sessions) != 0 || len(h.typing) != 0 {
		t.Fatal("expected registries unchanged by unregistered connection")
	}
}

func TestDisconnectRetractsSessionCompletely(t *testing.T) {
	h := newHub("global")
	peerA, _ := newTestPeer()
	peerB, bufB := newTestPeer()
	h.join("conn-a", "alice", peerA, "")
	h.join("conn-b", "bob", peerB, "")
	h.setTyping("conn-a", true)
	bufB.Reset()

	h.leave("conn-a")

	if _, ok := h.sessions["conn-a"]; ok {
		t.Fatal("expected session removed")
	}
	if _, ok := h.typing["conn-a"]; ok {
		t.Fatal("expected typing entry removed")
	}
	for name, rm := range h.rooms {
		if _, ok := rm.members["conn-a"]; ok {
			t.Fatalf("expected conn-a absent from room %q", name)
		}
	}

	frames := decodeFrames(t, bufB)
	if len(framesOfType(frames, "chat.user.left")) != 1 {
		t.Fatal("expected a leave announcement")
	}
	typing := framesOfType(frames, "chat.typing.users")
	if len(typing) != 1 {
		t.Fatalf("expected a typing update after disconnect, got %d", len(typing))
	}
	var payload typingUsersPayload
	if err := json.Unmarshal(typing[0].Payload, &payload); err != nil {
		t.Fatalf("decode typing payload: %v", err)
	}
	if len(payload.Users) != 0 {
		t.Fatalf("expected empty typing list, got %v", payload.Users)
	}
}

func TestSwitchRoomClearsTyping(t *testing.T) {
	h := newHub("global")
	peerA, _ := newTestPeer()
	peerB, bufB := newTestPeer()
	h.join("conn-a", "alice", peerA, "")
	h.join("conn-b", "bob", peerB, "")
	h.setTyping("conn-a", true)
	bufB.Reset()

	h.switchRoom("conn-a", "tech")

	if _, ok := h.typing["conn-a"]; ok {
		t.Fatal("expected typing cleared on room switch")
	}
	typing := framesOfType(decodeFrames(t, bufB), "chat.typing.users")
	if len(typing) != 1 {
		t.Fatalf("expected typing update for the old room, got %d frames", len(typing))
	}
}

func TestSwitchToCurrentRoomBroadcastsTypingReset(t *testing.T) {
	h := newHub("global")
	peerA, _ := newTestPeer()
	peerB, bufB := newTestPeer()
	h.join("conn-a", "alice", peerA, "")
	h.join("conn-b", "bob", peerB, "")
	h.setTyping("conn-a", true)
	bufB.Reset()

	h.switchRoom("conn-a", "global")

	if _, ok := h.typing["conn-a"]; ok {
		t.Fatal("expected typing cleared on room switch")
	}
	typing := framesOfType(decodeFrames(t, bufB), "chat.typing.users")
	if len(typing) != 1 {
		t.Fatalf("expected a typing update for the unchanged room, got %d frames", len(typing))
	}
	var payload typingUsersPayload
	if err := json.Unmarshal(typing[0].Payload, &payload); err != nil {
		t.Fatalf("decode typing payload: %v", err)
	}
	if len(payload.Users) != 0 {
		t.Fatalf("expected empty typing list, got %v", payload.Users)
	}
}

func TestPrivateMessageIndexIsCapped(t *testing.T) {
	h := newHub("global")
	peerA, _ := newTestPeer()
	peerB, _ := newTestPeer()
	h.join("conn-a", "alice", peerA, "")
	h.join("conn-b", "bob", peerB, "")

	total := maxPrivateMessages + 5
	for i := 0; i < total; i++ {
		h.sendPrivate("conn-a", "conn-b", fmt.Sprintf("msg-%d", i), "")
	}

	if len(h.private) != maxPrivateMessages {
		t.Fatalf("expected private log capped at %d, got %d", maxPrivateMessages, len(h.private))
	}
	for evicted := int64(1); evicted <= 5; evicted++ {
		if _, ok := h.byID[evicted]; ok {
			t.Fatalf("expected private message %d evicted from index", evicted)
		}
	}
	if _, ok := h.byID[h.private[0].ID]; !ok {
		t.Fatal("expected retained private messages to stay indexed")
	}
}

func TestPrivateMessageNeverEntersRoomLog(t *testing.T) {
	h := newHub("global")
	peerA, _ := newTestPeer()
	peerB, bufB := newTestPeer()
	peerC, bufC := newTestPeer()
	h.join("conn-a", "alice", peerA, "")
	h.join("conn-b", "bob", peerB, "")
	h.join("conn-c", "carol", peerC, "")
	bufB.Reset()
	bufC.Reset()

	h.sendPrivate("conn-a", "conn-b", "just us", "")
	msgID := h.nextMessageID

	for name, rm := range h.rooms {
		for _, msg := range rm.log {
			if msg.ID == msgID {
				t.Fatalf("private message leaked into room %q log", name)
			}
		}
	}
	msg, ok := h.byID[msgID]
	if !ok {
		t.Fatal("expected private message indexed for mutation")
	}
	if !msg.Private || msg.RecipientID != "conn-b" {
		t.Fatalf("unexpected private message shape: %+v", msg)
	}

	if got := framesOfType(decodeFrames(t, bufB), "chat.message"); len(got) != 1 {
		t.Fatalf("expected recipient delivery, got %d messages", len(got))
	}
	if got := framesOfType(decodeFrames(t, bufC), "chat.message"); len(got) != 0 {
		t.Fatalf("expected no delivery to third party, got %d messages", len(got))
	}
}

func TestPrivateMessageMutationNotifiesParticipantsOnly(t *testing.T) {
	h := newHub("global")
	peerA, bufA := newTestPeer()
	peerB, bufB := newTestPeer()
	peerC, bufC := newTestPeer()
	h.join("conn-a", "alice", peerA, "")
	h.join("conn-b", "bob", peerB, "")
	h.join("conn-c", "carol", peerC, "")
	h.sendPrivate("conn-a", "conn-b", "just us", "")
	msgID := h.nextMessageID
	bufA.Reset()
	bufB.Reset()
	bufC.Reset()

	h.addReaction("conn-b", msgID, "❤️")

	if got := framesOfType(decodeFrames(t, bufA), "chat.reaction.added"); len(got) != 1 {
		t.Fatalf("expected sender notification, got %d", len(got))
	}
	if got := framesOfType(decodeFrames(t, bufB), "chat.reaction.added"); len(got) != 1 {
		t.Fatalf("expected recipient notification, got %d", len(got))
	}
	if got := framesOfType(decodeFrames(t, bufC), "chat.reaction.added"); len(got) != 0 {
		t.Fatalf("expected no third-party notification, got %d", len(got))
	}
}

func TestRoomLogTrimEvictsIndexEntries(t *testing.T) {
	h := newHub("global")
	peer, _ := newTestPeer()
	h.join("conn-a", "alice", peer, "")

	total := maxRoomMessages + 5
	for i := 0; i < total; i++ {
		h.sendRoom("conn-a", fmt.Sprintf("msg-%d", i), "", "", "")
	}

	rm := h.rooms["global"]
	if len(rm.log) != maxRoomMessages {
		t.Fatalf("expected log capped at %d, got %d", maxRoomMessages, len(rm.log))
	}
	for evicted := int64(1); evicted <= 5; evicted++ {
		if _, ok := h.byID[evicted]; ok {
			t.Fatalf("expected message %d evicted from index", evicted)
		}
	}
	if _, ok := h.byID[rm.log[0].ID]; !ok {
		t.Fatal("expected retained messages to stay indexed")
	}
}

func TestTypingVisibilityScopedToRoom(t *testing.T) {
	h := newHub("global")
	peerA, _ := newTestPeer()
	peerB, bufB := newTestPeer()
	peerC, bufC := newTestPeer()
	h.join("conn-a", "alice", peerA, "")
	h.join("conn-b", "bob", peerB, "")
	h.join("conn-c", "carol", peerC, "")
	h.switchRoom("conn-c", "tech")
	bufB.Reset()
	bufC.Reset()

	h.setTyping("conn-a", true)

	typing := framesOfType(decodeFrames(t, bufB), "chat.typing.users")
	if len(typing) != 1 {
		t.Fatalf("expected room member to see typing update, got %d", len(typing))
	}
	var payload typingUsersPayload
	if err := json.Unmarshal(typing[0].Payload, &payload); err != nil {
		t.Fatalf("decode typing payload: %v", err)
	}
	if payload.Room != "global" || len(payload.Users) != 1 || payload.Users[0] != "alice" {
		t.Fatalf("unexpected typing payload: %+v", payload)
	}
	if got := framesOfType(decodeFrames(t, bufC), "chat.typing.users"); len(got) != 0 {
		t.Fatalf("expected no typing leak to other rooms, got %d frames", len(got))
	}
}

func TestSetTypingWithoutChangeDoesNotBroadcast(t *testing.T) {
	h := newHub("global")
	peerA, _ := newTestPeer()
	peerB, bufB := newTestPeer()
	h.join("conn-a", "alice", peerA, "")
	h.join("conn-b", "bob", peerB, "")
	h.setTyping("conn-a", true)
	bufB.Reset()

	h.setTyping("conn-a", true)

	if got := framesOfType(decodeFrames(t, bufB), "chat.typing.users"); len(got) != 0 {
		t.Fatalf("expected no broadcast for unchanged typing state, got %d", len(got))
	}
}
