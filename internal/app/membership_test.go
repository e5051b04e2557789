package app

import (
	"context"
	"testing"

	"parley/internal/store"
)

func TestSyncThreadParticipants(t *testing.T) {
	m := newMemStore()
	thread := store.Thread{ID: "thr_1", ChannelID: "ch_general", OriginalMessageID: "msg_root", OriginalMessageUserID: "usr_alice"}
	msg := seedMessage(m, "msg_reply", "ch_general", "usr_bob", strPtr("msg_root"), strPtr("thr_1"))

	if err := syncThreadParticipants(context.Background(), m, thread, msg); err != nil {
		t.Fatalf("syncThreadParticipants: %v", err)
	}

	bob := m.threadMemberships["thr_1/usr_bob"]
	if bob.LastReadMessageID == nil || *bob.LastReadMessageID != "msg_reply" {
		t.Fatal("replier read pointer not advanced")
	}
	alice, ok := m.threadMemberships["thr_1/usr_alice"]
	if !ok {
		t.Fatal("original author not joined")
	}
	if alice.LastReadMessageID != nil {
		t.Fatal("original author read pointer must stay unset")
	}
}

func TestSyncThreadParticipantsSelfReply(t *testing.T) {
	m := newMemStore()
	thread := store.Thread{ID: "thr_1", ChannelID: "ch_general", OriginalMessageID: "msg_root", OriginalMessageUserID: "usr_alice"}
	msg := seedMessage(m, "msg_reply", "ch_general", "usr_alice", strPtr("msg_root"), strPtr("thr_1"))

	if err := syncThreadParticipants(context.Background(), m, thread, msg); err != nil {
		t.Fatalf("syncThreadParticipants: %v", err)
	}
	if len(m.threadMemberships) != 1 {
		t.Fatalf("memberships = %d, want 1", len(m.threadMemberships))
	}
	self := m.threadMemberships["thr_1/usr_alice"]
	if self.LastReadMessageID == nil || *self.LastReadMessageID != "msg_reply" {
		t.Fatal("self reply should advance the author's read pointer")
	}
}

func TestAutofollowSkipsRegularChannels(t *testing.T) {
	m := newMemStore()
	ch := seedChannel(m, "ch_general", false, true)
	m.channelMemberships["ch_general/usr_bob"] = store.ChannelMembership{ChannelID: ch.ID, UserID: "usr_bob", Following: false}

	flipped, err := autofollowDirectMembers(context.Background(), m, ch, "usr_alice")
	if err != nil {
		t.Fatalf("autofollowDirectMembers: %v", err)
	}
	if flipped != nil {
		t.Fatalf("flipped = %v, want nil", flipped)
	}
	if m.channelMemberships["ch_general/usr_bob"].Following {
		t.Fatal("regular channel members must not be flipped")
	}
}

func TestAutofollowScreensPreventers(t *testing.T) {
	m := newMemStore()
	ch := seedChannel(m, "ch_dm", true, false)
	m.channelMemberships["ch_dm/usr_bob"] = store.ChannelMembership{ChannelID: ch.ID, UserID: "usr_bob", Following: false}
	m.channelMemberships["ch_dm/usr_carol"] = store.ChannelMembership{ChannelID: ch.ID, UserID: "usr_carol", Following: false}
	m.relationships = append(m.relationships, store.UserRelationship{UserID: "usr_bob", TargetUserID: "usr_alice", Kind: "mute"})

	flipped, err := autofollowDirectMembers(context.Background(), m, ch, "usr_alice")
	if err != nil {
		t.Fatalf("autofollowDirectMembers: %v", err)
	}
	if len(flipped) != 1 || flipped[0] != "usr_carol" {
		t.Fatalf("flipped = %v, want [usr_carol]", flipped)
	}
	if m.channelMemberships["ch_dm/usr_bob"].Following {
		t.Fatal("muting member must stay unfollowed")
	}
	if !m.channelMemberships["ch_dm/usr_carol"].Following {
		t.Fatal("carol should be following")
	}
}

func TestAutofollowNoCandidates(t *testing.T) {
	m := newMemStore()
	ch := seedChannel(m, "ch_dm", true, false)
	m.channelMemberships["ch_dm/usr_alice"] = store.ChannelMembership{ChannelID: ch.ID, UserID: "usr_alice", Following: true}

	flipped, err := autofollowDirectMembers(context.Background(), m, ch, "usr_alice")
	if err != nil {
		t.Fatalf("autofollowDirectMembers: %v", err)
	}
	if flipped != nil {
		t.Fatalf("flipped = %v, want nil", flipped)
	}
}
