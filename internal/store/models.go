package store

import "time"

type User struct {
	ID           string
	Username     string
	DisplayName  string
	Email        string
	PasswordHash string
	Silenced     bool
	CreatedAt    time.Time
}

// UserRelationship records that UserID does not want communication from
// TargetUserID. Kind is one of "mute", "ignore", "block".
type UserRelationship struct {
	UserID       string
	TargetUserID string
	Kind         string
	CreatedAt    time.Time
}

type Channel struct {
	ID                string
	Name              string
	Status            string
	DirectMessage     bool
	ThreadingEnabled  bool
	LastMessageID     *string
	LastMessageSentAt *time.Time
	CreatedAt         time.Time
}

type Message struct {
	ID          string
	ChannelID   string
	UserID      string
	InReplyToID *string
	ThreadID    *string
	Body        string
	Cooked      string
	StagedID    string
	CreatedAt   time.Time
}

// InThread reports whether the message has been attached to a thread.
func (m Message) InThread() bool {
	return m.ThreadID != nil && *m.ThreadID != ""
}

type Thread struct {
	ID                    string
	ChannelID             string
	OriginalMessageID     string
	OriginalMessageUserID string
	LastMessageID         *string
	RepliesCount          int
	CreatedAt             time.Time
}

type ChannelMembership struct {
	ChannelID         string
	UserID            string
	Following         bool
	LastReadMessageID *string
	CreatedAt         time.Time
}

type ThreadMembership struct {
	ThreadID          string
	UserID            string
	LastReadMessageID *string
	CreatedAt         time.Time
}

type Draft struct {
	ChannelID string
	UserID    string
	Body      string
	UpdatedAt time.Time
}

type Upload struct {
	ID        string
	UserID    string
	Filename  string
	ObjectKey string
	SizeBytes int64
	CreatedAt time.Time
}

type IncomingWebhook struct {
	ID        string
	ChannelID string
	Name      string
	SecretKey string
	CreatedAt time.Time
}

type WebhookEvent struct {
	ID        string
	WebhookID string
	MessageID string
	CreatedAt time.Time
}

// MessageRef is the slim projection used by reply-graph traversal.
type MessageRef struct {
	ID          string
	InReplyToID *string
	ThreadID    *string
}
