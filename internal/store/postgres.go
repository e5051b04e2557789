package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// querier is satisfied by both *sql.DB and *sql.Tx so the same store methods
// run inside and outside a transaction.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type PostgresStore struct {
	db *sql.DB
	q  querier
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, q: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// InTransaction runs fn against a transaction-bound copy of the store. Any
// error from fn rolls the transaction back. Read committed is sufficient:
// thread creation races converge on the (channel_id, original_message_id)
// unique constraint, not on read-then-write checks.
func (s *PostgresStore) InTransaction(ctx context.Context, fn func(tx *PostgresStore) error) error {
	if _, nested := s.q.(*sql.Tx); nested {
		return fmt.Errorf("nested transaction")
	}
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if err := fn(&PostgresStore{db: s.db, q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUser(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.q.QueryRowContext(ctx, `
		SELECT id, username, display_name, email, password_hash, silenced, created_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.Username, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Silenced, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.q.QueryRowContext(ctx, `
		SELECT id, username, display_name, email, password_hash, silenced, created_at
		FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.Username, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Silenced, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO users (id, username, display_name, email, password_hash, silenced)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, user.ID, user.Username, user.DisplayName, user.Email, user.PasswordHash, user.Silenced)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// LookupUserIDsByUsername resolves extracted mention names to user ids,
// silently skipping names that match no user.
func (s *PostgresStore) LookupUserIDsByUsername(ctx context.Context, usernames []string) ([]string, error) {
	if len(usernames) == 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx, `SELECT id FROM users WHERE username = ANY($1)`, usernames)
	if err != nil {
		return nil, fmt.Errorf("lookup users by username: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan user id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListCommunicationPreventers returns the subset of candidateIDs who have a
// mute/ignore/block relationship against the actor.
func (s *PostgresStore) ListCommunicationPreventers(ctx context.Context, actorID string, candidateIDs []string) ([]string, error) {
	if len(candidateIDs) == 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT DISTINCT user_id
		FROM user_relationships
		WHERE target_user_id=$1 AND user_id = ANY($2)
	`, actorID, candidateIDs)
	if err != nil {
		return nil, fmt.Errorf("list communication preventers: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan preventer id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *PostgresStore) GetChannel(ctx context.Context, channelID string) (Channel, error) {
	var ch Channel
	err := s.q.QueryRowContext(ctx, `
		SELECT id, name, status, direct_message, threading_enabled, last_message_id, last_message_sent_at, created_at
		FROM channels WHERE id=$1
	`, channelID).Scan(&ch.ID, &ch.Name, &ch.Status, &ch.DirectMessage, &ch.ThreadingEnabled, &ch.LastMessageID, &ch.LastMessageSentAt, &ch.CreatedAt)
	if err != nil {
		return Channel{}, err
	}
	return ch, nil
}

func (s *PostgresStore) CreateChannel(ctx context.Context, ch Channel) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO channels (id, name, status, direct_message, threading_enabled)
		VALUES ($1, $2, $3, $4, $5)
	`, ch.ID, ch.Name, ch.Status, ch.DirectMessage, ch.ThreadingEnabled)
	if err != nil {
		return fmt.Errorf("create channel: %w", err)
	}
	return nil
}

func (s *PostgresStore) UpdateChannelLastMessage(ctx context.Context, channelID, messageID string, sentAt time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		UPDATE channels SET last_message_id=$2, last_message_sent_at=$3 WHERE id=$1
	`, channelID, messageID, sentAt)
	if err != nil {
		return fmt.Errorf("update channel last message: %w", err)
	}
	return nil
}

func (s *PostgresStore) DeleteDrafts(ctx context.Context, channelID, userID string) error {
	_, err := s.q.ExecContext(ctx, `DELETE FROM drafts WHERE channel_id=$1 AND user_id=$2`, channelID, userID)
	if err != nil {
		return fmt.Errorf("delete drafts: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveDraft(ctx context.Context, draft Draft) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO drafts (channel_id, user_id, body, updated_at)
		VALUES ($1, $2, $3, NOW())
		ON CONFLICT (channel_id, user_id) DO UPDATE SET body=EXCLUDED.body, updated_at=NOW()
	`, draft.ChannelID, draft.UserID, draft.Body)
	if err != nil {
		return fmt.Errorf("save draft: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListUploads(ctx context.Context, uploadIDs []string) ([]Upload, error) {
	if len(uploadIDs) == 0 {
		return nil, nil
	}
	rows, err := s.q.QueryContext(ctx, `
		SELECT id, user_id, filename, object_key, size_bytes, created_at
		FROM uploads WHERE id = ANY($1)
	`, uploadIDs)
	if err != nil {
		return nil, fmt.Errorf("list uploads: %w", err)
	}
	defer rows.Close()

	items := make([]Upload, 0, len(uploadIDs))
	for rows.Next() {
		var u Upload
		if err := rows.Scan(&u.ID, &u.UserID, &u.Filename, &u.ObjectKey, &u.SizeBytes, &u.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan upload: %w", err)
		}
		items = append(items, u)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CreateUpload(ctx context.Context, upload Upload) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO uploads (id, user_id, filename, object_key, size_bytes)
		VALUES ($1, $2, $3, $4, $5)
	`, upload.ID, upload.UserID, upload.Filename, upload.ObjectKey, upload.SizeBytes)
	if err != nil {
		return fmt.Errorf("create upload: %w", err)
	}
	return nil
}

func (s *PostgresStore) AttachUploads(ctx context.Context, messageID string, uploadIDs []string) error {
	for _, uploadID := range uploadIDs {
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO message_uploads (message_id, upload_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, messageID, uploadID); err != nil {
			return fmt.Errorf("attach upload %s: %w", uploadID, err)
		}
	}
	return nil
}

func (s *PostgresStore) InsertMentions(ctx context.Context, messageID string, userIDs []string) error {
	for _, userID := range userIDs {
		if _, err := s.q.ExecContext(ctx, `
			INSERT INTO mentions (message_id, mentioned_user_id)
			VALUES ($1, $2)
			ON CONFLICT DO NOTHING
		`, messageID, userID); err != nil {
			return fmt.Errorf("insert mention: %w", err)
		}
	}
	return nil
}

func (s *PostgresStore) GetIncomingWebhook(ctx context.Context, webhookID string) (IncomingWebhook, error) {
	var wh IncomingWebhook
	err := s.q.QueryRowContext(ctx, `
		SELECT id, channel_id, name, secret_key, created_at
		FROM incoming_webhooks WHERE id=$1
	`, webhookID).Scan(&wh.ID, &wh.ChannelID, &wh.Name, &wh.SecretKey, &wh.CreatedAt)
	if err != nil {
		return IncomingWebhook{}, err
	}
	return wh, nil
}

func (s *PostgresStore) InsertWebhookEvent(ctx context.Context, event WebhookEvent) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO webhook_events (id, webhook_id, message_id)
		VALUES ($1, $2, $3)
	`, event.ID, event.WebhookID, event.MessageID)
	if err != nil {
		return fmt.Errorf("insert webhook event: %w", err)
	}
	return nil
}

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.username, u.display_name, u.email, u.password_hash, u.silenced, u.created_at
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.q.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.Username, &user.DisplayName, &user.Email, &user.PasswordHash, &user.Silenced, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.q.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.q.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.q.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// IsNoRows reports whether err is the driver's no-rows sentinel.
func IsNoRows(err error) bool {
	return errors.Is(err, sql.ErrNoRows)
}
