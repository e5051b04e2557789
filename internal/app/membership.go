package app

import (
	"context"

	"parley/internal/screener"
	"parley/internal/store"
)

// syncThreadParticipants keeps thread membership in step with activity. The
// replying author joins the thread and their thread-level read pointer
// advances to the message they just wrote. The thread's original author
// joins too, but their read pointer is left alone: someone else's reply is
// unread content for them.
func syncThreadParticipants(ctx context.Context, db dataStore, thread store.Thread, msg store.Message) error {
	if err := db.EnsureThreadMembership(ctx, thread.ID, msg.UserID); err != nil {
		return err
	}
	if err := db.TouchThreadRead(ctx, thread.ID, msg.UserID, msg.ID); err != nil {
		return err
	}
	if thread.OriginalMessageUserID != msg.UserID {
		if err := db.EnsureThreadMembership(ctx, thread.ID, thread.OriginalMessageUserID); err != nil {
			return err
		}
	}
	return nil
}

// autofollowDirectMembers flips non-following members of a direct message
// channel back to following so the conversation resurfaces in their channel
// list. Members who mute, ignore or block the sender stay unfollowed.
// Returns the ids that were flipped.
func autofollowDirectMembers(ctx context.Context, db dataStore, channel store.Channel, actorID string) ([]string, error) {
	if !channel.DirectMessage {
		return nil, nil
	}

	candidates, err := db.ListNotFollowingMemberIDs(ctx, channel.ID, actorID)
	if err != nil {
		return nil, err
	}
	if len(candidates) == 0 {
		return nil, nil
	}

	allowed, err := screener.New(db).AllowingActorCommunication(ctx, actorID, candidates)
	if err != nil {
		return nil, err
	}
	if len(allowed) == 0 {
		return nil, nil
	}

	if err := db.SetMembershipsFollowing(ctx, channel.ID, allowed); err != nil {
		return nil, err
	}
	return allowed, nil
}
