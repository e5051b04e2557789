// Package notify fans out realtime events over Redis pub/sub and feeds the
// background processing queue. Subscribers are websocket gateways and
// workers outside this process; publishing is best effort and callers treat
// failures as warnings once the originating write has committed.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	channelPrefix = "parley:channel:"
	userPrefix    = "parley:user:"
	processQueue  = "parley:process_queue"
)

// Event is the envelope every published payload travels in.
type Event struct {
	Type string `json:"type"`
	Data any    `json:"data"`
}

// MessagePayload describes a newly created message.
type MessagePayload struct {
	MessageID string  `json:"message_id"`
	ChannelID string  `json:"channel_id"`
	ThreadID  *string `json:"thread_id,omitempty"`
	UserID    string  `json:"user_id"`
	StagedID  string  `json:"staged_id,omitempty"`
	Cooked    string  `json:"cooked"`
}

// ThreadPayload describes a thread that came into existence.
type ThreadPayload struct {
	ThreadID          string `json:"thread_id"`
	ChannelID         string `json:"channel_id"`
	OriginalMessageID string `json:"original_message_id"`
}

// TrackingPayload carries a user's updated read state for a channel.
type TrackingPayload struct {
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	// ThreadID is set when the advanced pointer is a thread-level one.
	ThreadID          string `json:"thread_id,omitempty"`
	LastReadMessageID string `json:"last_read_message_id"`
}

// ChannelPayload tells a user a channel became visible to them.
type ChannelPayload struct {
	ChannelID string `json:"channel_id"`
}

type Publisher struct {
	client *redis.Client
}

func New(redisURL string) (*Publisher, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis: %w", err)
	}
	return NewWithClient(client), nil
}

// NewWithClient creates a publisher from an existing Redis client.
func NewWithClient(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

func (p *Publisher) Close() error {
	return p.client.Close()
}

func (p *Publisher) publish(ctx context.Context, topic string, event Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal %s event: %w", event.Type, err)
	}
	if err := p.client.Publish(ctx, topic, payload).Err(); err != nil {
		return fmt.Errorf("publish %s to %s: %w", event.Type, topic, err)
	}
	return nil
}

// PublishNewMessage announces a message to everyone watching its channel.
func (p *Publisher) PublishNewMessage(ctx context.Context, msg MessagePayload) error {
	return p.publish(ctx, channelPrefix+msg.ChannelID, Event{Type: "message.created", Data: msg})
}

// PublishThreadCreated announces a thread that a reply just materialized.
func (p *Publisher) PublishThreadCreated(ctx context.Context, thread ThreadPayload) error {
	return p.publish(ctx, channelPrefix+thread.ChannelID, Event{Type: "thread.created", Data: thread})
}

// PublishUserTrackingState pushes the author's advanced read pointer to
// their own connections.
func (p *Publisher) PublishUserTrackingState(ctx context.Context, tracking TrackingPayload) error {
	return p.publish(ctx, userPrefix+tracking.UserID, Event{Type: "tracking.updated", Data: tracking})
}

// PublishNewChannel tells each user that a channel is now on their list.
// Used when a direct message channel resurfaces for non-following members.
func (p *Publisher) PublishNewChannel(ctx context.Context, channelID string, userIDs []string) error {
	for _, userID := range userIDs {
		if err := p.publish(ctx, userPrefix+userID, Event{Type: "channel.listed", Data: ChannelPayload{ChannelID: channelID}}); err != nil {
			return err
		}
	}
	return nil
}

// EnqueueMessageProcessing hands a committed message to the background
// workers (mention notifications, link previews, reindexing).
func (p *Publisher) EnqueueMessageProcessing(ctx context.Context, messageID string) error {
	if err := p.client.LPush(ctx, processQueue, messageID).Err(); err != nil {
		return fmt.Errorf("enqueue message %s: %w", messageID, err)
	}
	return nil
}
