package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"parley/internal/notify"
	"parley/internal/pipeline"
	"parley/internal/render"
	"parley/internal/search"
	"parley/internal/store"
	"parley/internal/util"
)

const maxMessageLength = 32000

type CreateMessageInput struct {
	ActorID     string
	ChannelID   string
	Body        string
	InReplyToID string
	ThreadID    string
	StagedID    string
	UploadIDs   []string
	WebhookID   string
}

type CreateMessageResult struct {
	Message           store.Message
	Thread            *store.Thread
	ThreadCreated     bool
	BackfilledReplies int64
	Warnings          []string
}

// CreateMessage runs the full ingestion pipeline for one message. Validation
// and policy gates run first, the persistence block runs in one transaction,
// and notification fan-out runs after commit with failures demoted to
// warnings on the result.
func (s *Service) CreateMessage(ctx context.Context, input CreateMessageInput) (CreateMessageResult, error) {
	pctx := pipeline.NewContext()
	result := pipeline.Run(ctx, pctx, s.createMessageStages(input))
	if !result.OK {
		return CreateMessageResult{}, mapStageFailure(result)
	}

	out := CreateMessageResult{Message: pctx.Get("message").(store.Message)}
	if value, ok := pctx.Lookup("thread"); ok {
		thread := value.(store.Thread)
		out.Thread = &thread
	}
	if value, ok := pctx.Lookup("thread_created"); ok {
		out.ThreadCreated = value.(bool)
	}
	if value, ok := pctx.Lookup("backfilled"); ok {
		out.BackfilledReplies = value.(int64)
	}
	for _, warning := range result.Warnings {
		log.Printf("create_message: %s: %v", warning.Stage, warning.Err)
		out.Warnings = append(out.Warnings, fmt.Sprintf("%s: %v", warning.Stage, warning.Err))
	}
	return out, nil
}

func (s *Service) createMessageStages(input CreateMessageInput) []pipeline.Stage {
	return []pipeline.Stage{
		pipeline.Contract("contract", func(ctx context.Context, pctx *pipeline.Context) error {
			input.Body = strings.TrimSpace(input.Body)
			if input.ActorID == "" {
				return errors.New("actor_id is required")
			}
			if input.ChannelID == "" {
				return errors.New("channel_id is required")
			}
			if input.Body == "" && len(input.UploadIDs) == 0 {
				return errors.New("message body is required")
			}
			if len(input.Body) > maxMessageLength {
				return fmt.Errorf("message body exceeds %d characters", maxMessageLength)
			}
			pctx.Set("input", input)
			return nil
		}),

		pipeline.Model("actor", func(ctx context.Context, pctx *pipeline.Context) (any, error) {
			user, err := s.store.GetUser(ctx, input.ActorID)
			if err != nil {
				if store.IsNoRows(err) {
					return nil, nil
				}
				return nil, err
			}
			return user, nil
		}),

		pipeline.Policy("no_silenced_user", func(ctx context.Context, pctx *pipeline.Context) (bool, error) {
			return !pctx.Get("actor").(store.User).Silenced, nil
		}),

		pipeline.Model("channel", func(ctx context.Context, pctx *pipeline.Context) (any, error) {
			channel, err := s.store.GetChannel(ctx, input.ChannelID)
			if err != nil {
				if store.IsNoRows(err) {
					return nil, nil
				}
				return nil, err
			}
			return channel, nil
		}),

		pipeline.Policy("allowed_to_create_message_in_channel", func(ctx context.Context, pctx *pipeline.Context) (bool, error) {
			return pctx.Get("channel").(store.Channel).Status == "open", nil
		}),

		// Direct message channels require a pre-existing membership; open
		// channels enroll the author on first write.
		pipeline.Model("channel_membership", func(ctx context.Context, pctx *pipeline.Context) (any, error) {
			channel := pctx.Get("channel").(store.Channel)
			if channel.DirectMessage {
				membership, err := s.store.GetChannelMembership(ctx, channel.ID, input.ActorID)
				if err != nil {
					return nil, err
				}
				if membership == nil {
					return nil, nil
				}
				return *membership, nil
			}
			membership, err := s.store.EnsureChannelMembership(ctx, channel.ID, input.ActorID, true)
			if err != nil {
				return nil, err
			}
			return membership, nil
		}),

		pipeline.OptionalModel("reply_to", func(ctx context.Context, pctx *pipeline.Context) (any, error) {
			if input.InReplyToID == "" {
				return nil, nil
			}
			msg, err := s.store.GetMessage(ctx, input.InReplyToID)
			if err != nil {
				if store.IsNoRows(err) {
					return nil, &pipeline.NotFoundError{Model: "reply_to"}
				}
				return nil, err
			}
			return msg, nil
		}),

		pipeline.Policy("ensure_reply_consistency", func(ctx context.Context, pctx *pipeline.Context) (bool, error) {
			value, ok := pctx.Lookup("reply_to")
			if !ok {
				return true, nil
			}
			return value.(store.Message).ChannelID == input.ChannelID, nil
		}),

		pipeline.OptionalModel("thread", func(ctx context.Context, pctx *pipeline.Context) (any, error) {
			if input.ThreadID == "" {
				return nil, nil
			}
			thread, err := s.store.GetThread(ctx, input.ThreadID)
			if err != nil {
				if store.IsNoRows(err) {
					return nil, &pipeline.NotFoundError{Model: "thread"}
				}
				return nil, err
			}
			return thread, nil
		}),

		pipeline.Policy("ensure_valid_thread_for_channel", func(ctx context.Context, pctx *pipeline.Context) (bool, error) {
			value, ok := pctx.Lookup("thread")
			if !ok {
				return true, nil
			}
			thread := value.(store.Thread)
			channel := pctx.Get("channel").(store.Channel)
			return thread.ChannelID == channel.ID && channel.ThreadingEnabled, nil
		}),

		// An explicit thread must agree with the reply target's conversation
		// root, not just its direct parent: an unthreaded chain still implies
		// a root, and naming an unrelated thread would split the chain once
		// the real thread materializes.
		pipeline.Policy("ensure_thread_matches_parent", func(ctx context.Context, pctx *pipeline.Context) (bool, error) {
			threadValue, haveThread := pctx.Lookup("thread")
			replyValue, haveReply := pctx.Lookup("reply_to")
			if !haveThread || !haveReply {
				return true, nil
			}
			thread := threadValue.(store.Thread)
			replyTo := replyValue.(store.Message)
			if replyTo.InThread() {
				return *replyTo.ThreadID == thread.ID, nil
			}
			root, adopted, err := replyChainRoot(ctx, s.store, replyTo)
			if err != nil {
				return false, err
			}
			if adopted != nil {
				return adopted.ID == thread.ID, nil
			}
			return thread.OriginalMessageID == root.ID, nil
		}),

		pipeline.OptionalModel("uploads", func(ctx context.Context, pctx *pipeline.Context) (any, error) {
			if len(input.UploadIDs) == 0 {
				return nil, nil
			}
			if !s.cfg.AllowUploads {
				return nil, domainError(http.StatusForbidden, "UPLOADS_DISABLED", "uploads are disabled", nil)
			}
			uploads, err := s.store.ListUploads(ctx, input.UploadIDs)
			if err != nil {
				return nil, err
			}
			if len(uploads) != len(input.UploadIDs) {
				return nil, &pipeline.NotFoundError{Model: "uploads"}
			}
			if s.blobs != nil {
				for _, upload := range uploads {
					if _, err := s.blobs.Verify(ctx, upload.ObjectKey); err != nil {
						return nil, fmt.Errorf("upload %s: %w", upload.ID, err)
					}
				}
			}
			return uploads, nil
		}),

		pipeline.Model("message", func(ctx context.Context, pctx *pipeline.Context) (any, error) {
			cooked, err := render.Cook(input.Body)
			if err != nil {
				return nil, err
			}

			mentionIDs, err := s.store.LookupUserIDsByUsername(ctx, render.ExtractMentions(input.Body))
			if err != nil {
				return nil, err
			}
			pctx.Set("mention_user_ids", mentionIDs)

			msg := store.Message{
				ID:        util.NewID("msg"),
				ChannelID: input.ChannelID,
				UserID:    input.ActorID,
				Body:      input.Body,
				Cooked:    cooked,
				StagedID:  input.StagedID,
				CreatedAt: time.Now().UTC(),
			}
			if input.InReplyToID != "" {
				msg.InReplyToID = &input.InReplyToID
			}
			return msg, nil
		}),

		pipeline.Transaction("create_message", s.pipelineTx(),
			pipeline.Step("resolve_thread", func(ctx context.Context, pctx *pipeline.Context) error {
				db := txStore(pctx)
				msg := pctx.Get("message").(store.Message)
				channel := pctx.Get("channel").(store.Channel)

				// The target was validated before the transaction opened; a
				// concurrent delete in between is a conflict, not a crash.
				if input.InReplyToID != "" {
					if _, err := db.GetMessage(ctx, input.InReplyToID); err != nil {
						if store.IsNoRows(err) {
							return domainError(http.StatusConflict, "STALE_REPLY_TARGET", "reply target no longer exists", nil)
						}
						return err
					}
				}

				if value, ok := pctx.Lookup("thread"); ok {
					thread := value.(store.Thread)
					msg.ThreadID = &thread.ID
					pctx.Set("message", msg)
					return nil
				}

				replyValue, haveReply := pctx.Lookup("reply_to")
				if !haveReply || !channel.ThreadingEnabled {
					return nil
				}

				resolution, err := resolveThread(ctx, db, channel, replyValue.(store.Message))
				if err != nil {
					return err
				}
				msg.ThreadID = &resolution.Thread.ID
				pctx.Set("message", msg)
				pctx.Set("thread", resolution.Thread)
				pctx.Set("thread_created", resolution.Created)
				pctx.Set("backfilled", resolution.Backfilled)
				return nil
			}),

			pipeline.Step("save_message", func(ctx context.Context, pctx *pipeline.Context) error {
				db := txStore(pctx)
				msg := pctx.Get("message").(store.Message)
				if err := db.InsertMessage(ctx, msg); err != nil {
					return err
				}
				if len(input.UploadIDs) > 0 {
					if err := db.AttachUploads(ctx, msg.ID, input.UploadIDs); err != nil {
						return err
					}
				}
				if value, ok := pctx.Lookup("mention_user_ids"); ok {
					if ids := value.([]string); len(ids) > 0 {
						if err := db.InsertMentions(ctx, msg.ID, ids); err != nil {
							return err
						}
					}
				}
				return nil
			}),

			pipeline.Step("update_thread", func(ctx context.Context, pctx *pipeline.Context) error {
				msg := pctx.Get("message").(store.Message)
				if !msg.InThread() {
					return nil
				}
				return txStore(pctx).UpdateThreadActivity(ctx, *msg.ThreadID, msg.ID)
			}),

			pipeline.Step("sync_thread_participants", func(ctx context.Context, pctx *pipeline.Context) error {
				msg := pctx.Get("message").(store.Message)
				if !msg.InThread() {
					return nil
				}
				return syncThreadParticipants(ctx, txStore(pctx), pctx.Get("thread").(store.Thread), msg)
			}),

			pipeline.Step("record_webhook_event", func(ctx context.Context, pctx *pipeline.Context) error {
				if input.WebhookID == "" {
					return nil
				}
				msg := pctx.Get("message").(store.Message)
				return txStore(pctx).InsertWebhookEvent(ctx, store.WebhookEvent{
					ID:        util.NewID("whe"),
					WebhookID: input.WebhookID,
					MessageID: msg.ID,
				})
			}),

			pipeline.Step("delete_drafts", func(ctx context.Context, pctx *pipeline.Context) error {
				return txStore(pctx).DeleteDrafts(ctx, input.ChannelID, input.ActorID)
			}),

			pipeline.Step("update_channel_last_message", func(ctx context.Context, pctx *pipeline.Context) error {
				msg := pctx.Get("message").(store.Message)
				if msg.InThread() {
					// Thread activity lands on the thread row, not the channel.
					return nil
				}
				return txStore(pctx).UpdateChannelLastMessage(ctx, input.ChannelID, msg.ID, msg.CreatedAt)
			}),

			pipeline.Step("update_membership_last_read", func(ctx context.Context, pctx *pipeline.Context) error {
				msg := pctx.Get("message").(store.Message)
				if msg.InThread() && !s.cfg.ReplyAdvancesChannelRead {
					// Thread replies track read state at the thread level.
					return nil
				}
				return txStore(pctx).TouchChannelRead(ctx, input.ChannelID, input.ActorID, msg.ID)
			}),

			pipeline.Step("direct_message_autofollow", func(ctx context.Context, pctx *pipeline.Context) error {
				channel := pctx.Get("channel").(store.Channel)
				flipped, err := autofollowDirectMembers(ctx, txStore(pctx), channel, input.ActorID)
				if err != nil {
					return err
				}
				if len(flipped) > 0 {
					pctx.Set("autofollow_user_ids", flipped)
				}
				return nil
			}),
		),

		pipeline.NonFatalStep("publish_thread_created", func(ctx context.Context, pctx *pipeline.Context) error {
			if s.publish == nil {
				return nil
			}
			created, ok := pctx.Lookup("thread_created")
			if !ok || !created.(bool) {
				return nil
			}
			thread := pctx.Get("thread").(store.Thread)
			return s.publish.PublishThreadCreated(ctx, notify.ThreadPayload{
				ThreadID:          thread.ID,
				ChannelID:         thread.ChannelID,
				OriginalMessageID: thread.OriginalMessageID,
			})
		}),

		pipeline.NonFatalStep("publish_message", func(ctx context.Context, pctx *pipeline.Context) error {
			msg := pctx.Get("message").(store.Message)
			if s.search != nil {
				s.search.IndexMessage(search.MessageRecord{
					ID:        msg.ID,
					ChannelID: msg.ChannelID,
					ThreadID:  derefOrEmpty(msg.ThreadID),
					UserID:    msg.UserID,
					Body:      msg.Body,
				})
			}
			if s.publish == nil {
				return nil
			}
			if err := s.publish.PublishNewMessage(ctx, notify.MessagePayload{
				MessageID: msg.ID,
				ChannelID: msg.ChannelID,
				ThreadID:  msg.ThreadID,
				UserID:    msg.UserID,
				StagedID:  msg.StagedID,
				Cooked:    msg.Cooked,
			}); err != nil {
				return err
			}
			return s.publish.EnqueueMessageProcessing(ctx, msg.ID)
		}),

		pipeline.NonFatalStep("publish_new_channel", func(ctx context.Context, pctx *pipeline.Context) error {
			if s.publish == nil {
				return nil
			}
			value, ok := pctx.Lookup("autofollow_user_ids")
			if !ok {
				return nil
			}
			return s.publish.PublishNewChannel(ctx, input.ChannelID, value.([]string))
		}),

		// Always published; the thread field tells clients which read pointer
		// moved.
		pipeline.NonFatalStep("publish_user_tracking_state", func(ctx context.Context, pctx *pipeline.Context) error {
			if s.publish == nil {
				return nil
			}
			msg := pctx.Get("message").(store.Message)
			payload := notify.TrackingPayload{
				UserID:            input.ActorID,
				ChannelID:         input.ChannelID,
				LastReadMessageID: msg.ID,
			}
			if msg.InThread() {
				payload.ThreadID = *msg.ThreadID
			}
			return s.publish.PublishUserTrackingState(ctx, payload)
		}),
	}
}

// pipelineTx adapts the service's transaction runner to the pipeline's
// transaction stage: nested stages reach the transaction-bound store through
// the pipeline context.
func (s *Service) pipelineTx() pipeline.TxFunc {
	return func(ctx context.Context, pctx *pipeline.Context, fn func() error) error {
		return s.tx(ctx, func(tx dataStore) error {
			pctx.Set("tx", tx)
			defer pctx.Delete("tx")
			return fn()
		})
	}
}

func txStore(pctx *pipeline.Context) dataStore {
	return pctx.Get("tx").(dataStore)
}

func derefOrEmpty(value *string) string {
	if value == nil {
		return ""
	}
	return *value
}

// mapStageFailure turns a pipeline failure into the API error taxonomy.
func mapStageFailure(result pipeline.Result) error {
	var domainErr *DomainError
	if errors.As(result.Err, &domainErr) {
		return domainErr
	}

	var contractErr *pipeline.ContractError
	if errors.As(result.Err, &contractErr) {
		return domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", contractErr.Err.Error(), nil)
	}

	var policyErr *pipeline.PolicyError
	if errors.As(result.Err, &policyErr) {
		return domainError(http.StatusForbidden, "POLICY_VIOLATION", fmt.Sprintf("policy %s rejected this message", policyErr.Policy), map[string]any{"policy": policyErr.Policy})
	}

	var notFoundErr *pipeline.NotFoundError
	if errors.As(result.Err, &notFoundErr) {
		return domainError(http.StatusNotFound, "NOT_FOUND", fmt.Sprintf("%s not found", notFoundErr.Model), nil)
	}

	if errors.Is(result.Err, sql.ErrNoRows) {
		return domainError(http.StatusNotFound, "NOT_FOUND", "not found", nil)
	}
	return result.Err
}
