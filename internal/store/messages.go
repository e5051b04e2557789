package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

func (s *PostgresStore) GetMessage(ctx context.Context, messageID string) (Message, error) {
	var m Message
	err := s.q.QueryRowContext(ctx, `
		SELECT id, channel_id, user_id, in_reply_to_id, thread_id, body, cooked, staged_id, created_at
		FROM messages WHERE id=$1
	`, messageID).Scan(&m.ID, &m.ChannelID, &m.UserID, &m.InReplyToID, &m.ThreadID, &m.Body, &m.Cooked, &m.StagedID, &m.CreatedAt)
	if err != nil {
		return Message{}, err
	}
	return m, nil
}

func (s *PostgresStore) InsertMessage(ctx context.Context, m Message) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO messages (id, channel_id, user_id, in_reply_to_id, thread_id, body, cooked, staged_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, m.ID, m.ChannelID, m.UserID, m.InReplyToID, m.ThreadID, m.Body, m.Cooked, m.StagedID, m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChannelMessages(ctx context.Context, channelID string, limit int) ([]Message, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, channel_id, user_id, in_reply_to_id, thread_id, body, cooked, staged_id, created_at
		FROM messages
		WHERE channel_id=$1
		ORDER BY created_at DESC
		LIMIT $2
	`, channelID, limit)
	if err != nil {
		return nil, fmt.Errorf("list channel messages: %w", err)
	}
	defer rows.Close()

	items := make([]Message, 0, limit)
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ChannelID, &m.UserID, &m.InReplyToID, &m.ThreadID, &m.Body, &m.Cooked, &m.StagedID, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		items = append(items, m)
	}
	return items, rows.Err()
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (Thread, error) {
	var t Thread
	err := s.q.QueryRowContext(ctx, `
		SELECT id, channel_id, original_message_id, original_message_user_id, last_message_id, replies_count, created_at
		FROM threads WHERE id=$1
	`, threadID).Scan(&t.ID, &t.ChannelID, &t.OriginalMessageID, &t.OriginalMessageUserID, &t.LastMessageID, &t.RepliesCount, &t.CreatedAt)
	if err != nil {
		return Thread{}, err
	}
	return t, nil
}

// FindThreadByRoot returns the thread whose original message is the given
// conversation root, or nil when no thread exists yet.
func (s *PostgresStore) FindThreadByRoot(ctx context.Context, channelID, originalMessageID string) (*Thread, error) {
	var t Thread
	err := s.q.QueryRowContext(ctx, `
		SELECT id, channel_id, original_message_id, original_message_user_id, last_message_id, replies_count, created_at
		FROM threads WHERE channel_id=$1 AND original_message_id=$2
	`, channelID, originalMessageID).Scan(&t.ID, &t.ChannelID, &t.OriginalMessageID, &t.OriginalMessageUserID, &t.LastMessageID, &t.RepliesCount, &t.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find thread by root: %w", err)
	}
	return &t, nil
}

// CreateThreadIfAbsent inserts the thread, relying on the unique constraint
// on (channel_id, original_message_id) to arbitrate concurrent creations.
// When another transaction won the race, the winner's row is returned with
// created=false.
func (s *PostgresStore) CreateThreadIfAbsent(ctx context.Context, t Thread) (Thread, bool, error) {
	var id string
	err := s.q.QueryRowContext(ctx, `
		INSERT INTO threads (id, channel_id, original_message_id, original_message_user_id)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (channel_id, original_message_id) DO NOTHING
		RETURNING id
	`, t.ID, t.ChannelID, t.OriginalMessageID, t.OriginalMessageUserID).Scan(&id)
	if err == nil {
		created, getErr := s.GetThread(ctx, id)
		if getErr != nil {
			return Thread{}, false, fmt.Errorf("reload created thread: %w", getErr)
		}
		return created, true, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return Thread{}, false, fmt.Errorf("create thread: %w", err)
	}

	existing, findErr := s.FindThreadByRoot(ctx, t.ChannelID, t.OriginalMessageID)
	if findErr != nil {
		return Thread{}, false, findErr
	}
	if existing == nil {
		return Thread{}, false, fmt.Errorf("thread for root %s vanished after conflict", t.OriginalMessageID)
	}
	return *existing, false, nil
}

// AssignMessageThread fills a null thread reference. It never overwrites an
// existing assignment; the returned bool reports whether a row changed.
func (s *PostgresStore) AssignMessageThread(ctx context.Context, messageID, threadID string) (bool, error) {
	res, err := s.q.ExecContext(ctx, `
		UPDATE messages SET thread_id=$2 WHERE id=$1 AND thread_id IS NULL
	`, messageID, threadID)
	if err != nil {
		return false, fmt.Errorf("assign message thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("assign message thread rows: %w", err)
	}
	return n > 0, nil
}

// AssignThreadToMessages is the batch form used by backfill; fill-only like
// AssignMessageThread.
func (s *PostgresStore) AssignThreadToMessages(ctx context.Context, messageIDs []string, threadID string) (int64, error) {
	if len(messageIDs) == 0 {
		return 0, nil
	}
	res, err := s.q.ExecContext(ctx, `
		UPDATE messages SET thread_id=$2 WHERE id = ANY($1) AND thread_id IS NULL
	`, messageIDs, threadID)
	if err != nil {
		return 0, fmt.Errorf("backfill thread: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("backfill thread rows: %w", err)
	}
	return n, nil
}

// ListReplyChildren returns the direct replies of the given messages. One
// batch per traversal level keeps the backfill walk at O(depth) round trips.
func (s *PostgresStore) ListReplyChildren(ctx context.Context, parentIDs []string) ([]MessageRef, error) {
	if len(parentIDs) == 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, in_reply_to_id, thread_id FROM messages WHERE in_reply_to_id = ANY($1)
	`, parentIDs)
	if err != nil {
		return nil, fmt.Errorf("list reply children: %w", err)
	}
	defer rows.Close()

	var refs []MessageRef
	for rows.Next() {
		var ref MessageRef
		if err := rows.Scan(&ref.ID, &ref.InReplyToID, &ref.ThreadID); err != nil {
			return nil, fmt.Errorf("scan reply child: %w", err)
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// UpdateThreadActivity points the thread at its newest message and recomputes
// the reply-count cache from the actual membership of the thread, which keeps
// the count correct after a backfill attached older chain members.
func (s *PostgresStore) UpdateThreadActivity(ctx context.Context, threadID, lastMessageID string) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE threads
		SET last_message_id=$2,
			replies_count=(
				SELECT COUNT(*) FROM messages
				WHERE messages.thread_id=$1 AND messages.id <> threads.original_message_id
			)
		WHERE id=$1
	`, threadID, lastMessageID)
	if err != nil {
		return fmt.Errorf("update thread activity: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetChannelMembership(ctx context.Context, channelID, userID string) (*ChannelMembership, error) {
	var m ChannelMembership
	err := s.q.QueryRowContext(ctx, `
		SELECT channel_id, user_id, following, last_read_message_id, created_at
		FROM channel_memberships WHERE channel_id=$1 AND user_id=$2
	`, channelID, userID).Scan(&m.ChannelID, &m.UserID, &m.Following, &m.LastReadMessageID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get channel membership: %w", err)
	}
	return &m, nil
}

func (s *PostgresStore) EnsureChannelMembership(ctx context.Context, channelID, userID string, following bool) (ChannelMembership, error) {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO channel_memberships (channel_id, user_id, following)
		VALUES ($1, $2, $3)
		ON CONFLICT (channel_id, user_id) DO NOTHING
	`, channelID, userID, following)
	if err != nil {
		return ChannelMembership{}, fmt.Errorf("ensure channel membership: %w", err)
	}
	m, err := s.GetChannelMembership(ctx, channelID, userID)
	if err != nil {
		return ChannelMembership{}, err
	}
	if m == nil {
		return ChannelMembership{}, fmt.Errorf("channel membership missing after upsert")
	}
	return *m, nil
}

func (s *PostgresStore) TouchChannelRead(ctx context.Context, channelID, userID, messageID string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO channel_memberships (channel_id, user_id, following, last_read_message_id)
		VALUES ($1, $2, TRUE, $3)
		ON CONFLICT (channel_id, user_id) DO UPDATE SET last_read_message_id=EXCLUDED.last_read_message_id
	`, channelID, userID, messageID)
	if err != nil {
		return fmt.Errorf("touch channel read: %w", err)
	}
	return nil
}

// ListNotFollowingMemberIDs returns members of the channel who are not
// currently following it, excluding the actor.
func (s *PostgresStore) ListNotFollowingMemberIDs(ctx context.Context, channelID, excludeUserID string) ([]string, error) {
	rows, err := s.q.QueryContext(ctx, `
		SELECT user_id FROM channel_memberships
		WHERE channel_id=$1 AND NOT following AND user_id <> $2
		ORDER BY user_id
	`, channelID, excludeUserID)
	if err != nil {
		return nil, fmt.Errorf("list not-following members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan member id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) SetMembershipsFollowing(ctx context.Context, channelID string, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	_, err := s.q.ExecContext(ctx, `
		UPDATE channel_memberships SET following=TRUE
		WHERE channel_id=$1 AND user_id = ANY($2)
	`, channelID, userIDs)
	if err != nil {
		return fmt.Errorf("set memberships following: %w", err)
	}
	return nil
}

func (s *PostgresStore) EnsureThreadMembership(ctx context.Context, threadID, userID string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO thread_memberships (thread_id, user_id)
		VALUES ($1, $2)
		ON CONFLICT (thread_id, user_id) DO NOTHING
	`, threadID, userID)
	if err != nil {
		return fmt.Errorf("ensure thread membership: %w", err)
	}
	return nil
}

func (s *PostgresStore) TouchThreadRead(ctx context.Context, threadID, userID, messageID string) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO thread_memberships (thread_id, user_id, last_read_message_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (thread_id, user_id) DO UPDATE SET last_read_message_id=EXCLUDED.last_read_message_id
	`, threadID, userID, messageID)
	if err != nil {
		return fmt.Errorf("touch thread read: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetThreadMembership(ctx context.Context, threadID, userID string) (*ThreadMembership, error) {
	var m ThreadMembership
	err := s.q.QueryRowContext(ctx, `
		SELECT thread_id, user_id, last_read_message_id, created_at
		FROM thread_memberships WHERE thread_id=$1 AND user_id=$2
	`, threadID, userID).Scan(&m.ThreadID, &m.UserID, &m.LastReadMessageID, &m.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get thread membership: %w", err)
	}
	return &m, nil
}
