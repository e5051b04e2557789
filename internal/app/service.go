package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"parley/internal/auth"
	"parley/internal/authpw"
	"parley/internal/config"
	"parley/internal/notify"
	"parley/internal/search"
	"parley/internal/store"
	"parley/internal/util"
)

type Session struct {
	Token        string
	RefreshToken string
	UserID       string
	Username     string
	JTI          string
	ExpiresAt    time.Time
}

// dataStore is the slice of the persistence layer the service consumes. The
// same interface is satisfied by the live store, a transaction-bound copy of
// it, and the in-memory fake used in tests.
type dataStore interface {
	GetUser(ctx context.Context, userID string) (store.User, error)
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
	LookupUserIDsByUsername(ctx context.Context, usernames []string) ([]string, error)
	ListCommunicationPreventers(ctx context.Context, actorID string, candidateIDs []string) ([]string, error)

	GetChannel(ctx context.Context, channelID string) (store.Channel, error)
	CreateChannel(ctx context.Context, ch store.Channel) error
	UpdateChannelLastMessage(ctx context.Context, channelID, messageID string, sentAt time.Time) error

	GetMessage(ctx context.Context, messageID string) (store.Message, error)
	InsertMessage(ctx context.Context, m store.Message) error
	ListChannelMessages(ctx context.Context, channelID string, limit int) ([]store.Message, error)

	GetThread(ctx context.Context, threadID string) (store.Thread, error)
	FindThreadByRoot(ctx context.Context, channelID, originalMessageID string) (*store.Thread, error)
	CreateThreadIfAbsent(ctx context.Context, t store.Thread) (store.Thread, bool, error)
	AssignMessageThread(ctx context.Context, messageID, threadID string) (bool, error)
	AssignThreadToMessages(ctx context.Context, messageIDs []string, threadID string) (int64, error)
	ListReplyChildren(ctx context.Context, parentIDs []string) ([]store.MessageRef, error)
	UpdateThreadActivity(ctx context.Context, threadID, lastMessageID string) error

	GetChannelMembership(ctx context.Context, channelID, userID string) (*store.ChannelMembership, error)
	EnsureChannelMembership(ctx context.Context, channelID, userID string, following bool) (store.ChannelMembership, error)
	TouchChannelRead(ctx context.Context, channelID, userID, messageID string) error
	ListNotFollowingMemberIDs(ctx context.Context, channelID, excludeUserID string) ([]string, error)
	SetMembershipsFollowing(ctx context.Context, channelID string, userIDs []string) error
	EnsureThreadMembership(ctx context.Context, threadID, userID string) error
	TouchThreadRead(ctx context.Context, threadID, userID, messageID string) error
	GetThreadMembership(ctx context.Context, threadID, userID string) (*store.ThreadMembership, error)

	DeleteDrafts(ctx context.Context, channelID, userID string) error
	SaveDraft(ctx context.Context, draft store.Draft) error

	ListUploads(ctx context.Context, uploadIDs []string) ([]store.Upload, error)
	CreateUpload(ctx context.Context, upload store.Upload) error
	AttachUploads(ctx context.Context, messageID string, uploadIDs []string) error
	InsertMentions(ctx context.Context, messageID string, userIDs []string) error

	GetIncomingWebhook(ctx context.Context, webhookID string) (store.IncomingWebhook, error)
	InsertWebhookEvent(ctx context.Context, event store.WebhookEvent) error

	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
	RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error
	IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error)

	Ping(ctx context.Context) error
}

// txFunc runs fn against a transaction-bound dataStore; any error rolls the
// transaction back.
type txFunc func(ctx context.Context, fn func(tx dataStore) error) error

// sessionStore holds refresh tokens. Redis when configured, Postgres
// otherwise.
type sessionStore interface {
	SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error
	LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error)
	RevokeRefreshSession(ctx context.Context, tokenHash string) error
}

// publisher fans out realtime events after a message commits.
type publisher interface {
	PublishNewMessage(ctx context.Context, msg notify.MessagePayload) error
	PublishThreadCreated(ctx context.Context, thread notify.ThreadPayload) error
	PublishUserTrackingState(ctx context.Context, tracking notify.TrackingPayload) error
	PublishNewChannel(ctx context.Context, channelID string, userIDs []string) error
	EnqueueMessageProcessing(ctx context.Context, messageID string) error
}

// searchService indexes committed messages and serves queries.
type searchService interface {
	Search(q search.Query) search.Response
	IndexMessage(rec search.MessageRecord)
	ReindexAllFromPG(ctx context.Context)
}

// BlobStore backs attachment uploads. nil when uploads are disabled.
type BlobStore interface {
	Put(ctx context.Context, objectKey string, r io.Reader, size int64, contentType string) error
	Verify(ctx context.Context, objectKey string) (int64, error)
}

type Service struct {
	cfg      config.Config
	store    dataStore
	tx       txFunc
	sessions sessionStore
	publish  publisher
	search   searchService
	blobs    BlobStore
	authpw   *authpw.Service
}

func New(cfg config.Config, dataStore *store.PostgresStore, searchSvc *search.Service, pub *notify.Publisher, blobs BlobStore) *Service {
	return newService(cfg, dataStore, postgresTx(dataStore), dataStore, searchSvc, pub, blobs)
}

// NewWithSessionStore keeps refresh tokens in Redis instead of Postgres.
func NewWithSessionStore(cfg config.Config, dataStore *store.PostgresStore, sessions sessionStore, searchSvc *search.Service, pub *notify.Publisher, blobs BlobStore) *Service {
	return newService(cfg, dataStore, postgresTx(dataStore), sessions, searchSvc, pub, blobs)
}

func newService(cfg config.Config, ds dataStore, tx txFunc, sessions sessionStore, searchSvc searchService, pub publisher, blobs BlobStore) *Service {
	return &Service{
		cfg:      cfg,
		store:    ds,
		tx:       tx,
		sessions: sessions,
		publish:  pub,
		search:   searchSvc,
		blobs:    blobs,
		authpw:   authpw.NewService(ds),
	}
}

func postgresTx(ds *store.PostgresStore) txFunc {
	return func(ctx context.Context, fn func(tx dataStore) error) error {
		return ds.InTransaction(ctx, func(tx *store.PostgresStore) error {
			return fn(tx)
		})
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// Bootstrap runs startup work that needs the full stack wired: pushing the
// message corpus into Meilisearch when it is reachable.
func (s *Service) Bootstrap(ctx context.Context) error {
	if err := s.store.Ping(ctx); err != nil {
		return fmt.Errorf("bootstrap ping: %w", err)
	}
	if s.search != nil {
		s.search.ReindexAllFromPG(ctx)
	}
	return nil
}

// Sessions

func (s *Service) SignUp(ctx context.Context, req authpw.SignUpRequest) (Session, error) {
	user, err := s.authpw.SignUp(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) SignIn(ctx context.Context, req authpw.SignInRequest) (Session, error) {
	user, err := s.authpw.SignIn(ctx, req)
	if err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) issueSession(ctx context.Context, user store.User) (Session, error) {
	jti := randomToken(8)
	expiresAt := time.Now().Add(s.cfg.AccessTTL)

	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:      user.ID,
		Username: user.Username,
		JTI:      jti,
		Exp:      expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	refreshToken := randomToken(32)
	refreshExpiry := time.Now().Add(s.cfg.RefreshTTL)
	if err := s.sessions.SaveRefreshSession(ctx, auth.HashToken(refreshToken), user.ID, refreshExpiry); err != nil {
		return Session{}, fmt.Errorf("save refresh session: %w", err)
	}

	return Session{
		Token:        token,
		RefreshToken: refreshToken,
		UserID:       user.ID,
		Username:     user.Username,
		JTI:          jti,
		ExpiresAt:    expiresAt,
	}, nil
}

// Refresh rotates the refresh token and issues a fresh access token.
func (s *Service) Refresh(ctx context.Context, refreshToken string) (Session, error) {
	if strings.TrimSpace(refreshToken) == "" {
		return Session{}, errors.New("refresh token required")
	}
	hash := auth.HashToken(refreshToken)
	user, err := s.sessions.LookupRefreshSession(ctx, hash)
	if err != nil {
		return Session{}, err
	}
	if user.Username == "" {
		// Redis sessions store only the user id; reload the rest.
		user, err = s.store.GetUser(ctx, user.ID)
		if err != nil {
			return Session{}, err
		}
	}
	if err := s.sessions.RevokeRefreshSession(ctx, hash); err != nil {
		return Session{}, err
	}
	return s.issueSession(ctx, user)
}

func (s *Service) Logout(ctx context.Context, session Session, refreshToken string) error {
	if refreshToken != "" {
		if err := s.sessions.RevokeRefreshSession(ctx, auth.HashToken(refreshToken)); err != nil {
			return err
		}
	}
	if session.JTI != "" {
		exp := session.ExpiresAt
		if exp.IsZero() {
			exp = time.Now().Add(s.cfg.AccessTTL)
		}
		return s.store.RevokeAccessToken(ctx, session.JTI, exp)
	}
	return nil
}

// SessionFromToken validates a bearer token and rejects revoked ones.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	revoked, err := s.store.IsAccessTokenRevoked(ctx, claims.JTI)
	if err != nil {
		return Session{}, err
	}
	if revoked {
		return Session{}, auth.ErrInvalidToken
	}
	return Session{
		Token:     token,
		UserID:    claims.Sub,
		Username:  claims.Username,
		JTI:       claims.JTI,
		ExpiresAt: time.Unix(claims.Exp, 0),
	}, nil
}

// Channels

type CreateChannelInput struct {
	Name             string `json:"name"`
	DirectMessage    bool   `json:"directMessage"`
	ThreadingEnabled bool   `json:"threadingEnabled"`
	MemberIDs        []string
}

func (s *Service) CreateChannel(ctx context.Context, session Session, input CreateChannelInput) (store.Channel, error) {
	name := strings.TrimSpace(input.Name)
	if name == "" && !input.DirectMessage {
		return store.Channel{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "name is required", nil)
	}

	ch := store.Channel{
		ID:               util.NewID("ch"),
		Name:             name,
		Status:           "open",
		DirectMessage:    input.DirectMessage,
		ThreadingEnabled: input.ThreadingEnabled,
	}
	if err := s.store.CreateChannel(ctx, ch); err != nil {
		return store.Channel{}, err
	}

	members := append([]string{session.UserID}, input.MemberIDs...)
	for _, userID := range members {
		// The creator follows immediately; invited members surface on first
		// message via autofollow.
		following := userID == session.UserID
		if _, err := s.store.EnsureChannelMembership(ctx, ch.ID, userID, following); err != nil {
			return store.Channel{}, err
		}
	}
	return s.store.GetChannel(ctx, ch.ID)
}

func (s *Service) GetChannel(ctx context.Context, channelID string) (store.Channel, error) {
	return s.store.GetChannel(ctx, channelID)
}

func (s *Service) ListChannelMessages(ctx context.Context, session Session, channelID string, limit int) ([]store.Message, error) {
	channel, err := s.store.GetChannel(ctx, channelID)
	if err != nil {
		return nil, err
	}
	if channel.DirectMessage {
		membership, err := s.store.GetChannelMembership(ctx, channel.ID, session.UserID)
		if err != nil {
			return nil, err
		}
		if membership == nil {
			return nil, domainError(http.StatusForbidden, "FORBIDDEN", "not a member of this conversation", nil)
		}
	}
	return s.store.ListChannelMessages(ctx, channel.ID, limit)
}

func (s *Service) GetThreadDetail(ctx context.Context, threadID string) (store.Thread, error) {
	return s.store.GetThread(ctx, threadID)
}

// Drafts

func (s *Service) SaveDraft(ctx context.Context, session Session, channelID, body string) error {
	if strings.TrimSpace(body) == "" {
		return s.store.DeleteDrafts(ctx, channelID, session.UserID)
	}
	return s.store.SaveDraft(ctx, store.Draft{
		ChannelID: channelID,
		UserID:    session.UserID,
		Body:      body,
	})
}

// Search

func (s *Service) Search(q search.Query) search.Response {
	return s.search.Search(q)
}

// Uploads

func (s *Service) CreateUpload(ctx context.Context, session Session, filename string, r io.Reader, size int64, contentType string) (store.Upload, error) {
	if !s.cfg.AllowUploads || s.blobs == nil {
		return store.Upload{}, domainError(http.StatusForbidden, "UPLOADS_DISABLED", "uploads are disabled", nil)
	}
	upload := store.Upload{
		ID:        util.NewID("upl"),
		UserID:    session.UserID,
		Filename:  filename,
		SizeBytes: size,
	}
	upload.ObjectKey = fmt.Sprintf("uploads/%s/%s", session.UserID, upload.ID)

	if err := s.blobs.Put(ctx, upload.ObjectKey, r, size, contentType); err != nil {
		return store.Upload{}, err
	}
	if err := s.store.CreateUpload(ctx, upload); err != nil {
		return store.Upload{}, err
	}
	return upload, nil
}

// Incoming webhooks

// CreateWebhookMessage posts a message on behalf of an incoming webhook. The
// caller proves possession of the webhook's secret; the message is attributed
// to the named user and the delivery is recorded as a webhook event.
func (s *Service) CreateWebhookMessage(ctx context.Context, webhookID, secretKey, username, body string) (CreateMessageResult, error) {
	webhook, err := s.store.GetIncomingWebhook(ctx, webhookID)
	if err != nil {
		if store.IsNoRows(err) {
			return CreateMessageResult{}, domainError(http.StatusNotFound, "NOT_FOUND", "webhook not found", nil)
		}
		return CreateMessageResult{}, err
	}
	if webhook.SecretKey != secretKey {
		return CreateMessageResult{}, domainError(http.StatusUnauthorized, "UNAUTHORIZED", "invalid webhook token", nil)
	}

	ids, err := s.store.LookupUserIDsByUsername(ctx, []string{strings.ToLower(strings.TrimSpace(username))})
	if err != nil {
		return CreateMessageResult{}, err
	}
	if len(ids) == 0 {
		return CreateMessageResult{}, domainError(http.StatusUnprocessableEntity, "VALIDATION_ERROR", "unknown username", nil)
	}

	return s.CreateMessage(ctx, CreateMessageInput{
		ActorID:   ids[0],
		ChannelID: webhook.ChannelID,
		Body:      body,
		WebhookID: webhook.ID,
	})
}

func randomToken(n int) string {
	buf := make([]byte, n)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}
