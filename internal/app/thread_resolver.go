package app

import (
	"context"
	"fmt"
	"net/http"

	"parley/internal/store"
	"parley/internal/util"
)

// Reply chains are user data; a hard depth cap keeps a corrupt or malicious
// graph from pinning a transaction.
const maxReplyChainDepth = 512

type threadResolution struct {
	Thread     store.Thread
	Created    bool
	Backfilled int64
}

// resolveThread turns a reply into thread state: it finds the conversation
// root by walking the reply chain, finds or creates the thread keyed by that
// root, and attaches every unthreaded member of the reply graph to it. Runs
// inside the message-creation transaction; concurrent resolutions of the
// same root converge on the unique (channel, root) constraint.
func resolveThread(ctx context.Context, db dataStore, channel store.Channel, replyTo store.Message) (threadResolution, error) {
	thread, created, err := findOrCreateThread(ctx, db, channel, replyTo)
	if err != nil {
		return threadResolution{}, err
	}

	// Fill-only: the root keeps any assignment it already has.
	if _, err := db.AssignMessageThread(ctx, thread.OriginalMessageID, thread.ID); err != nil {
		return threadResolution{}, err
	}

	backfilled, err := backfillThread(ctx, db, thread)
	if err != nil {
		return threadResolution{}, err
	}

	return threadResolution{Thread: thread, Created: created, Backfilled: backfilled}, nil
}

// findOrCreateThread resolves the reply target to its conversation root. An
// ancestor already in a thread settles the answer; otherwise a thread is
// created for the topmost message.
func findOrCreateThread(ctx context.Context, db dataStore, channel store.Channel, replyTo store.Message) (store.Thread, bool, error) {
	if replyTo.InThread() {
		thread, err := db.GetThread(ctx, *replyTo.ThreadID)
		return thread, false, err
	}

	root, adopted, err := replyChainRoot(ctx, db, replyTo)
	if err != nil {
		return store.Thread{}, false, err
	}
	if adopted != nil {
		return *adopted, false, nil
	}

	return db.CreateThreadIfAbsent(ctx, store.Thread{
		ID:                    util.NewID("thr"),
		ChannelID:             channel.ID,
		OriginalMessageID:     root.ID,
		OriginalMessageUserID: root.UserID,
	})
}

// replyChainRoot walks parent links upward from replyTo. When an ancestor
// already belongs to a thread, that thread is returned and the walk stops;
// otherwise the topmost reachable message is the conversation root. A
// dangling parent reference, e.g. a deleted message, ends the walk with the
// current message as root.
func replyChainRoot(ctx context.Context, db dataStore, replyTo store.Message) (store.Message, *store.Thread, error) {
	root := replyTo
	visited := map[string]bool{replyTo.ID: true}
	for root.InReplyToID != nil {
		if len(visited) >= maxReplyChainDepth {
			return store.Message{}, nil, fmt.Errorf("reply chain deeper than %d", maxReplyChainDepth)
		}
		parentID := *root.InReplyToID
		if visited[parentID] {
			return store.Message{}, nil, domainError(http.StatusConflict, "REPLY_CYCLE", "reply chain contains a cycle", nil)
		}
		visited[parentID] = true

		parent, err := db.GetMessage(ctx, parentID)
		if err != nil {
			if store.IsNoRows(err) {
				break
			}
			return store.Message{}, nil, err
		}
		if parent.InThread() {
			thread, err := db.GetThread(ctx, *parent.ThreadID)
			if err != nil {
				return store.Message{}, nil, err
			}
			return parent, &thread, nil
		}
		root = parent
	}
	return root, nil, nil
}

// backfillThread attaches every reachable unthreaded descendant of the
// thread's root, breadth first, one batch query per level. Members of a
// different thread stop the walk on their branch.
func backfillThread(ctx context.Context, db dataStore, thread store.Thread) (int64, error) {
	var total int64
	frontier := []string{thread.OriginalMessageID}

	for depth := 0; len(frontier) > 0; depth++ {
		if depth >= maxReplyChainDepth {
			return total, fmt.Errorf("reply graph deeper than %d", maxReplyChainDepth)
		}

		children, err := db.ListReplyChildren(ctx, frontier)
		if err != nil {
			return total, err
		}

		var toAssign, next []string
		for _, child := range children {
			if child.ThreadID != nil && *child.ThreadID != thread.ID {
				continue
			}
			if child.ThreadID == nil {
				toAssign = append(toAssign, child.ID)
			}
			next = append(next, child.ID)
		}

		if len(toAssign) > 0 {
			n, err := db.AssignThreadToMessages(ctx, toAssign, thread.ID)
			if err != nil {
				return total, err
			}
			total += n
		}
		frontier = next
	}
	return total, nil
}
