// Package memory implements storage.Store over process memory. It pairs
// with bus/membus to run the engine without external backends and backs the
// component tests.
package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/dmitrykh/whisperline/models"
	"github.com/dmitrykh/whisperline/storage"
)

type Store struct {
	mu            sync.RWMutex
	conversations map[string]models.Conversation
	participants  map[string][]models.Participant // by conversation id
	messages      map[string]models.Message
	attachments   map[string][]models.Attachment // by message id
	keys          map[string]models.PublicKey
	profiles      map[string]models.Profile
	contacts      map[string]models.Contact // userID + "\x00" + contactID
}

var _ storage.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		conversations: make(map[string]models.Conversation),
		participants:  make(map[string][]models.Participant),
		messages:      make(map[string]models.Message),
		attachments:   make(map[string][]models.Attachment),
		keys:          make(map[string]models.PublicKey),
		profiles:      make(map[string]models.Profile),
		contacts:      make(map[string]models.Contact),
	}
}

func (s *Store) Conversations() storage.ConversationRepository { return (*conversationRepo)(s) }
func (s *Store) Participants() storage.ParticipantRepository   { return (*participantRepo)(s) }
func (s *Store) Messages() storage.MessageRepository           { return (*messageRepo)(s) }
func (s *Store) Attachments() storage.AttachmentRepository     { return (*attachmentRepo)(s) }
func (s *Store) Keys() storage.KeyRegistry                     { return (*keyRepo)(s) }
func (s *Store) Profiles() storage.ProfileRepository           { return (*profileRepo)(s) }
func (s *Store) Contacts() storage.ContactRepository           { return (*contactRepo)(s) }

// SeedProfile and SeedContact populate rows owned by the backend in
// production deployments.
func (s *Store) SeedProfile(p models.Profile) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.profiles[p.ID] = p
}

func (s *Store) SeedContact(c models.Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.contacts[contactKey(c.UserID, c.ContactID)] = c
}

func contactKey(userID, contactID string) string { return userID + "\x00" + contactID }

type conversationRepo Store

func (r *conversationRepo) Create(_ context.Context, c *models.Conversation) error {
	if err := c.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.conversations[c.ID]; ok {
		return storage.ErrAlreadyExists
	}
	r.conversations[c.ID] = *c
	return nil
}

func (r *conversationRepo) GetByID(_ context.Context, id string) (*models.Conversation, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conversations[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &c, nil
}

func (r *conversationRepo) Touch(_ context.Context, id string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conversations[id]
	if !ok {
		return storage.ErrNotFound
	}
	if at.After(c.UpdatedAt) {
		c.UpdatedAt = at
		r.conversations[id] = c
	}
	return nil
}

type participantRepo Store

func (r *participantRepo) Add(_ context.Context, p *models.Participant) error {
	if err := p.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.participants[p.ConversationID] {
		if existing.UserID == p.UserID {
			return storage.ErrAlreadyExists
		}
	}
	r.participants[p.ConversationID] = append(r.participants[p.ConversationID], *p)
	return nil
}

func (r *participantRepo) ListByConversation(_ context.Context, conversationID string) ([]*models.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rows := r.participants[conversationID]
	out := make([]*models.Participant, 0, len(rows))
	for i := range rows {
		p := rows[i]
		out = append(out, &p)
	}
	return out, nil
}

func (r *participantRepo) ListByUser(_ context.Context, userID string) ([]*models.Participant, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Participant
	for _, rows := range r.participants {
		for i := range rows {
			if rows[i].UserID == userID {
				p := rows[i]
				out = append(out, &p)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConversationID < out[j].ConversationID })
	return out, nil
}

func (r *participantRepo) UpdateLastRead(_ context.Context, conversationID, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	rows := r.participants[conversationID]
	for i := range rows {
		if rows[i].UserID == userID {
			if at.After(rows[i].LastReadAt) {
				rows[i].LastReadAt = at
			}
			return nil
		}
	}
	return storage.ErrNotFound
}

func (r *participantRepo) FindDirect(_ context.Context, userA, userB string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for id, rows := range r.participants {
		c, ok := r.conversations[id]
		if !ok || c.IsGroup || len(rows) != 2 {
			continue
		}
		members := map[string]bool{rows[0].UserID: true, rows[1].UserID: true}
		if members[userA] && members[userB] {
			return id, nil
		}
	}
	return "", storage.ErrNotFound
}

type messageRepo Store

func (r *messageRepo) Insert(_ context.Context, m *models.Message) error {
	if err := m.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[m.ID]; ok {
		return storage.ErrAlreadyExists
	}
	stored := *m
	stored.Plaintext, stored.Undecryptable = "", false
	r.messages[m.ID] = stored
	return nil
}

func (r *messageRepo) GetByID(_ context.Context, id string) (*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.messages[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &m, nil
}

func (r *messageRepo) ListByConversation(_ context.Context, conversationID string) ([]*models.Message, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*models.Message
	for id := range r.messages {
		if r.messages[id].ConversationID == conversationID {
			m := r.messages[id]
			out = append(out, &m)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out, nil
}

func (r *messageRepo) UpdateStatus(_ context.Context, id string, status models.MessageStatus) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	m, ok := r.messages[id]
	if !ok {
		return storage.ErrNotFound
	}
	m.Status = status
	m.UpdatedAt = time.Now().UTC()
	r.messages[id] = m
	return nil
}

func (r *messageRepo) MarkRead(_ context.Context, conversationID, userID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, m := range r.messages {
		if m.ConversationID == conversationID && m.SenderID != userID && m.Status == models.StatusDelivered {
			m.Status = models.StatusRead
			m.UpdatedAt = time.Now().UTC()
			r.messages[id] = m
		}
	}
	return nil
}

func (r *messageRepo) Delete(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.messages, id)
	delete(r.attachments, id)
	return nil
}

func (r *messageRepo) LastByConversation(_ context.Context, conversationIDs []string) (map[string]*models.Message, error) {
	wanted := make(map[string]bool, len(conversationIDs))
	for _, id := range conversationIDs {
		wanted[id] = true
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*models.Message)
	for id := range r.messages {
		m := r.messages[id]
		if !wanted[m.ConversationID] {
			continue
		}
		if cur, ok := out[m.ConversationID]; !ok || cur.Less(&m) {
			copied := m
			out[m.ConversationID] = &copied
		}
	}
	return out, nil
}

func (r *messageRepo) CountUnread(_ context.Context, conversationID, userID string, after time.Time) (int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, m := range r.messages {
		if m.ConversationID == conversationID && m.SenderID != userID && m.CreatedAt.After(after) {
			n++
		}
	}
	return n, nil
}

type attachmentRepo Store

func (r *attachmentRepo) Insert(_ context.Context, a *models.Attachment) error {
	if err := a.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.messages[a.MessageID]; !ok {
		return storage.ErrNotFound
	}
	r.attachments[a.MessageID] = append(r.attachments[a.MessageID], *a)
	return nil
}

func (r *attachmentRepo) ListByMessage(_ context.Context, messageID string) ([]*models.Attachment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rows := r.attachments[messageID]
	out := make([]*models.Attachment, 0, len(rows))
	for i := range rows {
		a := rows[i]
		out = append(out, &a)
	}
	return out, nil
}

func (r *attachmentRepo) DeleteByMessage(_ context.Context, messageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.attachments, messageID)
	return nil
}

type keyRepo Store

func (r *keyRepo) Upsert(_ context.Context, k *models.PublicKey) error {
	if err := k.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.keys[k.UserID] = *k
	return nil
}

func (r *keyRepo) Get(_ context.Context, userID string) (*models.PublicKey, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	k, ok := r.keys[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &k, nil
}

type profileRepo Store

func (r *profileRepo) GetByID(_ context.Context, userID string) (*models.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.profiles[userID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (r *profileRepo) ListByIDs(_ context.Context, userIDs []string) (map[string]*models.Profile, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]*models.Profile, len(userIDs))
	for _, id := range userIDs {
		if p, ok := r.profiles[id]; ok {
			copied := p
			out[id] = &copied
		}
	}
	return out, nil
}

func (r *profileRepo) UpdateStatus(_ context.Context, userID string, status models.PresenceStatus, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.profiles[userID]
	if !ok {
		return storage.ErrNotFound
	}
	p.Status = status
	p.UpdatedAt = at
	r.profiles[userID] = p
	return nil
}

type contactRepo Store

func (r *contactRepo) Get(_ context.Context, userID, contactID string) (*models.Contact, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.contacts[contactKey(userID, contactID)]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &c, nil
}

// BlobStore is an in-memory storage.BlobStore counterpart.
type BlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

var _ storage.BlobStore = (*BlobStore)(nil)

func NewBlobStore() *BlobStore {
	return &BlobStore{blobs: make(map[string][]byte)}
}

func (b *BlobStore) Upload(_ context.Context, path string, data []byte, _ string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.blobs[path] = append([]byte(nil), data...)
	return "mem://" + path, nil
}

func (b *BlobStore) Remove(_ context.Context, paths []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, p := range paths {
		delete(b.blobs, strings.TrimPrefix(p, "mem://"))
	}
	return nil
}

// Len reports the number of stored blobs.
func (b *BlobStore) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.blobs)
}
