package app

import (
	"context"
	"database/sql"
	"sort"
	"strings"
	"time"

	"parley/internal/config"
	"parley/internal/notify"
	"parley/internal/store"
)

// memStore is an in-memory dataStore. The test transaction runner snapshots
// it before the transactional block and restores the snapshot on failure,
// which is how the tests observe rollback behavior.
type memStore struct {
	users              map[string]store.User
	relationships      []store.UserRelationship
	channels           map[string]store.Channel
	messages           map[string]store.Message
	messageOrder       []string
	threads            map[string]store.Thread
	channelMemberships map[string]store.ChannelMembership
	threadMemberships  map[string]store.ThreadMembership
	drafts             map[string]store.Draft
	uploads            map[string]store.Upload
	messageUploads     map[string][]string
	mentions           map[string][]string
	webhooks           map[string]store.IncomingWebhook
	webhookEvents      []store.WebhookEvent
	refreshSessions    map[string]string
	revokedTokens      map[string]bool

	// failOn makes the named method return the given error, to exercise
	// rollback and warning paths.
	failOn map[string]error

	// beforeTx runs just before the transactional block, standing in for a
	// concurrent writer that committed first.
	beforeTx func()
}

func newMemStore() *memStore {
	return &memStore{
		users:              map[string]store.User{},
		channels:           map[string]store.Channel{},
		messages:           map[string]store.Message{},
		threads:            map[string]store.Thread{},
		channelMemberships: map[string]store.ChannelMembership{},
		threadMemberships:  map[string]store.ThreadMembership{},
		drafts:             map[string]store.Draft{},
		uploads:            map[string]store.Upload{},
		messageUploads:     map[string][]string{},
		mentions:           map[string][]string{},
		webhooks:           map[string]store.IncomingWebhook{},
		refreshSessions:    map[string]string{},
		revokedTokens:      map[string]bool{},
		failOn:             map[string]error{},
	}
}

func (m *memStore) clone() *memStore {
	c := newMemStore()
	for k, v := range m.users {
		c.users[k] = v
	}
	c.relationships = append([]store.UserRelationship(nil), m.relationships...)
	for k, v := range m.channels {
		c.channels[k] = v
	}
	for k, v := range m.messages {
		c.messages[k] = v
	}
	c.messageOrder = append([]string(nil), m.messageOrder...)
	for k, v := range m.threads {
		c.threads[k] = v
	}
	for k, v := range m.channelMemberships {
		c.channelMemberships[k] = v
	}
	for k, v := range m.threadMemberships {
		c.threadMemberships[k] = v
	}
	for k, v := range m.drafts {
		c.drafts[k] = v
	}
	for k, v := range m.uploads {
		c.uploads[k] = v
	}
	for k, v := range m.messageUploads {
		c.messageUploads[k] = append([]string(nil), v...)
	}
	for k, v := range m.mentions {
		c.mentions[k] = append([]string(nil), v...)
	}
	for k, v := range m.webhooks {
		c.webhooks[k] = v
	}
	c.webhookEvents = append([]store.WebhookEvent(nil), m.webhookEvents...)
	for k, v := range m.refreshSessions {
		c.refreshSessions[k] = v
	}
	for k, v := range m.revokedTokens {
		c.revokedTokens[k] = v
	}
	c.failOn = m.failOn
	c.beforeTx = m.beforeTx
	return c
}

func (m *memStore) restore(snap *memStore) {
	*m = *snap
}

func (m *memStore) fail(method string) error {
	return m.failOn[method]
}

// users

func (m *memStore) GetUser(ctx context.Context, userID string) (store.User, error) {
	user, ok := m.users[userID]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return user, nil
}

func (m *memStore) GetUserByEmail(ctx context.Context, email string) (store.User, error) {
	for _, user := range m.users {
		if user.Email == email {
			return user, nil
		}
	}
	return store.User{}, sql.ErrNoRows
}

func (m *memStore) CreateUser(ctx context.Context, user store.User) error {
	m.users[user.ID] = user
	return nil
}

func (m *memStore) LookupUserIDsByUsername(ctx context.Context, usernames []string) ([]string, error) {
	var ids []string
	for _, name := range usernames {
		for _, user := range m.users {
			if user.Username == name {
				ids = append(ids, user.ID)
			}
		}
	}
	return ids, nil
}

func (m *memStore) ListCommunicationPreventers(ctx context.Context, actorID string, candidateIDs []string) ([]string, error) {
	candidates := map[string]bool{}
	for _, id := range candidateIDs {
		candidates[id] = true
	}
	seen := map[string]bool{}
	var ids []string
	for _, rel := range m.relationships {
		if rel.TargetUserID == actorID && candidates[rel.UserID] && !seen[rel.UserID] {
			seen[rel.UserID] = true
			ids = append(ids, rel.UserID)
		}
	}
	return ids, nil
}

// channels

func (m *memStore) GetChannel(ctx context.Context, channelID string) (store.Channel, error) {
	ch, ok := m.channels[channelID]
	if !ok {
		return store.Channel{}, sql.ErrNoRows
	}
	return ch, nil
}

func (m *memStore) CreateChannel(ctx context.Context, ch store.Channel) error {
	m.channels[ch.ID] = ch
	return nil
}

func (m *memStore) UpdateChannelLastMessage(ctx context.Context, channelID, messageID string, sentAt time.Time) error {
	if err := m.fail("UpdateChannelLastMessage"); err != nil {
		return err
	}
	ch := m.channels[channelID]
	ch.LastMessageID = &messageID
	ch.LastMessageSentAt = &sentAt
	m.channels[channelID] = ch
	return nil
}

// messages

func (m *memStore) GetMessage(ctx context.Context, messageID string) (store.Message, error) {
	msg, ok := m.messages[messageID]
	if !ok {
		return store.Message{}, sql.ErrNoRows
	}
	return msg, nil
}

func (m *memStore) InsertMessage(ctx context.Context, msg store.Message) error {
	if err := m.fail("InsertMessage"); err != nil {
		return err
	}
	m.messages[msg.ID] = msg
	m.messageOrder = append(m.messageOrder, msg.ID)
	return nil
}

func (m *memStore) ListChannelMessages(ctx context.Context, channelID string, limit int) ([]store.Message, error) {
	var out []store.Message
	for i := len(m.messageOrder) - 1; i >= 0; i-- {
		msg := m.messages[m.messageOrder[i]]
		if msg.ChannelID != channelID {
			continue
		}
		out = append(out, msg)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// threads

func (m *memStore) GetThread(ctx context.Context, threadID string) (store.Thread, error) {
	t, ok := m.threads[threadID]
	if !ok {
		return store.Thread{}, sql.ErrNoRows
	}
	return t, nil
}

func (m *memStore) FindThreadByRoot(ctx context.Context, channelID, originalMessageID string) (*store.Thread, error) {
	for _, t := range m.threads {
		if t.ChannelID == channelID && t.OriginalMessageID == originalMessageID {
			found := t
			return &found, nil
		}
	}
	return nil, nil
}

func (m *memStore) CreateThreadIfAbsent(ctx context.Context, t store.Thread) (store.Thread, bool, error) {
	existing, err := m.FindThreadByRoot(ctx, t.ChannelID, t.OriginalMessageID)
	if err != nil {
		return store.Thread{}, false, err
	}
	if existing != nil {
		return *existing, false, nil
	}
	m.threads[t.ID] = t
	return t, true, nil
}

func (m *memStore) AssignMessageThread(ctx context.Context, messageID, threadID string) (bool, error) {
	msg, ok := m.messages[messageID]
	if !ok || msg.ThreadID != nil {
		return false, nil
	}
	msg.ThreadID = &threadID
	m.messages[messageID] = msg
	return true, nil
}

func (m *memStore) AssignThreadToMessages(ctx context.Context, messageIDs []string, threadID string) (int64, error) {
	var n int64
	for _, id := range messageIDs {
		changed, err := m.AssignMessageThread(ctx, id, threadID)
		if err != nil {
			return n, err
		}
		if changed {
			n++
		}
	}
	return n, nil
}

func (m *memStore) ListReplyChildren(ctx context.Context, parentIDs []string) ([]store.MessageRef, error) {
	parents := map[string]bool{}
	for _, id := range parentIDs {
		parents[id] = true
	}
	var refs []store.MessageRef
	for _, id := range m.messageOrder {
		msg := m.messages[id]
		if msg.InReplyToID != nil && parents[*msg.InReplyToID] {
			refs = append(refs, store.MessageRef{ID: msg.ID, InReplyToID: msg.InReplyToID, ThreadID: msg.ThreadID})
		}
	}
	return refs, nil
}

func (m *memStore) UpdateThreadActivity(ctx context.Context, threadID, lastMessageID string) error {
	if err := m.fail("UpdateThreadActivity"); err != nil {
		return err
	}
	t, ok := m.threads[threadID]
	if !ok {
		return sql.ErrNoRows
	}
	count := 0
	for _, msg := range m.messages {
		if msg.ThreadID != nil && *msg.ThreadID == threadID && msg.ID != t.OriginalMessageID {
			count++
		}
	}
	t.LastMessageID = &lastMessageID
	t.RepliesCount = count
	m.threads[threadID] = t
	return nil
}

// memberships

func membershipKey(a, b string) string { return a + "/" + b }

func (m *memStore) GetChannelMembership(ctx context.Context, channelID, userID string) (*store.ChannelMembership, error) {
	cm, ok := m.channelMemberships[membershipKey(channelID, userID)]
	if !ok {
		return nil, nil
	}
	found := cm
	return &found, nil
}

func (m *memStore) EnsureChannelMembership(ctx context.Context, channelID, userID string, following bool) (store.ChannelMembership, error) {
	key := membershipKey(channelID, userID)
	if cm, ok := m.channelMemberships[key]; ok {
		return cm, nil
	}
	cm := store.ChannelMembership{ChannelID: channelID, UserID: userID, Following: following}
	m.channelMemberships[key] = cm
	return cm, nil
}

func (m *memStore) TouchChannelRead(ctx context.Context, channelID, userID, messageID string) error {
	if err := m.fail("TouchChannelRead"); err != nil {
		return err
	}
	key := membershipKey(channelID, userID)
	cm, ok := m.channelMemberships[key]
	if !ok {
		cm = store.ChannelMembership{ChannelID: channelID, UserID: userID, Following: true}
	}
	cm.LastReadMessageID = &messageID
	m.channelMemberships[key] = cm
	return nil
}

func (m *memStore) ListNotFollowingMemberIDs(ctx context.Context, channelID, excludeUserID string) ([]string, error) {
	var ids []string
	for _, cm := range m.channelMemberships {
		if cm.ChannelID == channelID && !cm.Following && cm.UserID != excludeUserID {
			ids = append(ids, cm.UserID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (m *memStore) SetMembershipsFollowing(ctx context.Context, channelID string, userIDs []string) error {
	for _, userID := range userIDs {
		key := membershipKey(channelID, userID)
		if cm, ok := m.channelMemberships[key]; ok {
			cm.Following = true
			m.channelMemberships[key] = cm
		}
	}
	return nil
}

func (m *memStore) EnsureThreadMembership(ctx context.Context, threadID, userID string) error {
	key := membershipKey(threadID, userID)
	if _, ok := m.threadMemberships[key]; !ok {
		m.threadMemberships[key] = store.ThreadMembership{ThreadID: threadID, UserID: userID}
	}
	return nil
}

func (m *memStore) TouchThreadRead(ctx context.Context, threadID, userID, messageID string) error {
	key := membershipKey(threadID, userID)
	tm, ok := m.threadMemberships[key]
	if !ok {
		tm = store.ThreadMembership{ThreadID: threadID, UserID: userID}
	}
	tm.LastReadMessageID = &messageID
	m.threadMemberships[key] = tm
	return nil
}

func (m *memStore) GetThreadMembership(ctx context.Context, threadID, userID string) (*store.ThreadMembership, error) {
	tm, ok := m.threadMemberships[membershipKey(threadID, userID)]
	if !ok {
		return nil, nil
	}
	found := tm
	return &found, nil
}

// drafts

func (m *memStore) DeleteDrafts(ctx context.Context, channelID, userID string) error {
	delete(m.drafts, membershipKey(channelID, userID))
	return nil
}

func (m *memStore) SaveDraft(ctx context.Context, draft store.Draft) error {
	m.drafts[membershipKey(draft.ChannelID, draft.UserID)] = draft
	return nil
}

// uploads and mentions

func (m *memStore) ListUploads(ctx context.Context, uploadIDs []string) ([]store.Upload, error) {
	var out []store.Upload
	for _, id := range uploadIDs {
		if u, ok := m.uploads[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (m *memStore) CreateUpload(ctx context.Context, upload store.Upload) error {
	m.uploads[upload.ID] = upload
	return nil
}

func (m *memStore) AttachUploads(ctx context.Context, messageID string, uploadIDs []string) error {
	m.messageUploads[messageID] = append(m.messageUploads[messageID], uploadIDs...)
	return nil
}

func (m *memStore) InsertMentions(ctx context.Context, messageID string, userIDs []string) error {
	m.mentions[messageID] = append(m.mentions[messageID], userIDs...)
	return nil
}

// webhooks

func (m *memStore) GetIncomingWebhook(ctx context.Context, webhookID string) (store.IncomingWebhook, error) {
	wh, ok := m.webhooks[webhookID]
	if !ok {
		return store.IncomingWebhook{}, sql.ErrNoRows
	}
	return wh, nil
}

func (m *memStore) InsertWebhookEvent(ctx context.Context, event store.WebhookEvent) error {
	m.webhookEvents = append(m.webhookEvents, event)
	return nil
}

// sessions

func (m *memStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	m.refreshSessions[tokenHash] = userID
	return nil
}

func (m *memStore) LookupRefreshSession(ctx context.Context, tokenHash string) (store.User, error) {
	userID, ok := m.refreshSessions[tokenHash]
	if !ok {
		return store.User{}, sql.ErrNoRows
	}
	return m.GetUser(ctx, userID)
}

func (m *memStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	delete(m.refreshSessions, tokenHash)
	return nil
}

func (m *memStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	m.revokedTokens[jti] = true
	return nil
}

func (m *memStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	return m.revokedTokens[jti], nil
}

func (m *memStore) Ping(ctx context.Context) error { return m.fail("Ping") }

// fakePublisher records the post-commit fan-out.
type fakePublisher struct {
	messages    []notify.MessagePayload
	threads     []notify.ThreadPayload
	tracking    []notify.TrackingPayload
	newChannels map[string][]string
	queued      []string

	failPublishMessage error
}

func newFakePublisher() *fakePublisher {
	return &fakePublisher{newChannels: map[string][]string{}}
}

func (p *fakePublisher) PublishNewMessage(ctx context.Context, msg notify.MessagePayload) error {
	if p.failPublishMessage != nil {
		return p.failPublishMessage
	}
	p.messages = append(p.messages, msg)
	return nil
}

func (p *fakePublisher) PublishThreadCreated(ctx context.Context, thread notify.ThreadPayload) error {
	p.threads = append(p.threads, thread)
	return nil
}

func (p *fakePublisher) PublishUserTrackingState(ctx context.Context, tracking notify.TrackingPayload) error {
	p.tracking = append(p.tracking, tracking)
	return nil
}

func (p *fakePublisher) PublishNewChannel(ctx context.Context, channelID string, userIDs []string) error {
	p.newChannels[channelID] = append(p.newChannels[channelID], userIDs...)
	return nil
}

func (p *fakePublisher) EnqueueMessageProcessing(ctx context.Context, messageID string) error {
	p.queued = append(p.queued, messageID)
	return nil
}

func newTestService(cfg config.Config, m *memStore, pub publisher) *Service {
	tx := func(ctx context.Context, fn func(tx dataStore) error) error {
		if m.beforeTx != nil {
			m.beforeTx()
		}
		snap := m.clone()
		if err := fn(m); err != nil {
			m.restore(snap)
			return err
		}
		return nil
	}
	return newService(cfg, m, tx, m, nil, pub, nil)
}

func seedUser(m *memStore, id, username string) store.User {
	user := store.User{ID: id, Username: strings.ToLower(username), DisplayName: username, Email: username + "@example.com"}
	m.users[id] = user
	return user
}

func seedChannel(m *memStore, id string, directMessage, threadingEnabled bool) store.Channel {
	ch := store.Channel{ID: id, Name: id, Status: "open", DirectMessage: directMessage, ThreadingEnabled: threadingEnabled}
	m.channels[id] = ch
	return ch
}

func seedMessage(m *memStore, id, channelID, userID string, inReplyTo, threadID *string) store.Message {
	msg := store.Message{ID: id, ChannelID: channelID, UserID: userID, InReplyToID: inReplyTo, ThreadID: threadID, Body: "seed " + id, CreatedAt: time.Now().UTC()}
	m.messages[id] = msg
	m.messageOrder = append(m.messageOrder, id)
	return msg
}

func strPtr(s string) *string { return &s }
