// Package chat implements the conversation engine: sending, receiving, and
// deleting messages over the persistent store and the real-time bus, with
// transparent end-to-end encryption for direct conversations that enable it.
package chat

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dmitrykh/whisperline/bus"
	"github.com/dmitrykh/whisperline/cryptox"
	"github.com/dmitrykh/whisperline/destruct"
	"github.com/dmitrykh/whisperline/keyvault"
	"github.com/dmitrykh/whisperline/logging"
	"github.com/dmitrykh/whisperline/models"
	"github.com/dmitrykh/whisperline/storage"
)

var (
	// ErrNoConversation is returned by operations that need an open
	// conversation when none is open.
	ErrNoConversation = errors.New("no open conversation")

	// ErrNotParticipant is returned when the user tries to open a
	// conversation they are not a member of.
	ErrNotParticipant = errors.New("not a participant")

	// ErrNotSender is returned when someone other than the sender tries to
	// delete a message. The check runs before any store or blob call.
	ErrNotSender = errors.New("only the sender can delete a message")
)

const (
	tableMessages     = "messages"
	tableAttachments  = "message_attachments"
	tableParticipants = "conversation_participants"
)

// Service is one user's view of the message store. It holds at most one
// open conversation; opening another tears the previous subscription down
// first, so the service can never consume two conflicting streams.
type Service struct {
	userID string
	store  storage.Store
	blobs  storage.BlobStore
	bus    bus.Bus
	vault  *keyvault.Vault
	log    logging.Logger

	timers *destruct.Scheduler

	mu           sync.RWMutex
	conv         *models.Conversation
	counterparty string // other member of a direct conversation
	encrypted    bool   // contact-level gate, direct conversations only
	pair         *cryptox.KeyPair
	messages     map[string]*models.Message
	sub          bus.Subscription
	done         chan struct{}

	onChange func()
	onTyping func(userID string)
}

func New(userID string, store storage.Store, blobs storage.BlobStore, b bus.Bus, vault *keyvault.Vault, log logging.Logger) *Service {
	if log == nil {
		log = logging.Nop()
	}
	s := &Service{
		userID:   userID,
		store:    store,
		blobs:    blobs,
		bus:      b,
		vault:    vault,
		log:      log,
		messages: make(map[string]*models.Message),
	}
	s.timers = destruct.New(s.expire, log)
	return s
}

// SetOnChange registers a callback fired after the message view changes.
// Must be called before Open.
func (s *Service) SetOnChange(f func()) { s.onChange = f }

// SetOnTyping registers a callback fired when another participant signals
// typing. Must be called before Open.
func (s *Service) SetOnTyping(f func(userID string)) { s.onTyping = f }

// Open loads a conversation and subscribes to its live traffic. Any
// previously open conversation is closed first.
func (s *Service) Open(ctx context.Context, conversationID string) error {
	if err := s.CloseConversation(); err != nil {
		return err
	}

	conv, err := s.store.Conversations().GetByID(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load conversation: %w", err)
	}

	participants, err := s.store.Participants().ListByConversation(ctx, conversationID)
	if err != nil {
		return fmt.Errorf("load participants: %w", err)
	}
	counterparty, member := "", false
	for _, p := range participants {
		if p.UserID == s.userID {
			member = true
		} else if !conv.IsGroup {
			counterparty = p.UserID
		}
	}
	if !member {
		return fmt.Errorf("%w: %s in %s", ErrNotParticipant, s.userID, conversationID)
	}

	encrypted := false
	if counterparty != "" {
		contact, err := s.store.Contacts().Get(ctx, s.userID, counterparty)
		switch {
		case err == nil:
			encrypted = contact.IsEncrypted
		case errors.Is(err, storage.ErrNotFound):
		default:
			return fmt.Errorf("load contact: %w", err)
		}
	}

	var pair *cryptox.KeyPair
	if encrypted {
		pair, err = s.vault.EnsureKeyPair(ctx, s.userID)
		if err != nil && pair == nil {
			return fmt.Errorf("ensure keypair: %w", err)
		}
		if err != nil {
			// Local pair is usable; the public-half mirror retries later.
			s.log.Warn(ctx, "keypair mirror pending", "user_id", s.userID, "err", err)
		}
	}

	sub, err := s.bus.Subscribe(ctx, bus.ConversationChannel(conversationID), bus.Filter{})
	if err != nil {
		return fmt.Errorf("subscribe conversation: %w", err)
	}

	history, err := s.store.Messages().ListByConversation(ctx, conversationID)
	if err != nil {
		_ = sub.Close()
		return fmt.Errorf("load messages: %w", err)
	}

	done := make(chan struct{})
	s.mu.Lock()
	s.conv = conv
	s.counterparty = counterparty
	s.encrypted = encrypted
	s.pair = pair
	s.messages = make(map[string]*models.Message, len(history))
	s.sub = sub
	s.done = done
	for _, m := range history {
		s.decrypt(ctx, m)
		s.messages[m.ID] = m
		s.armTimer(m)
	}
	s.mu.Unlock()

	go s.dispatch(sub, done)
	return nil
}

// CloseConversation tears down the open conversation, if any. Pending
// self-destruct timers are cancelled; they re-arm on the next Open.
func (s *Service) CloseConversation() error {
	s.mu.Lock()
	sub, done := s.sub, s.done
	s.sub, s.done, s.conv = nil, nil, nil
	s.messages = make(map[string]*models.Message)
	s.mu.Unlock()
	if sub == nil {
		return nil
	}
	err := sub.Close()
	<-done
	s.timers.CancelAll()
	return err
}

// Conversation returns the open conversation, or nil.
func (s *Service) Conversation() *models.Conversation {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.conv == nil {
		return nil
	}
	c := *s.conv
	return &c
}

// Messages returns the current view ordered by (created_at, id).
func (s *Service) Messages() []*models.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Message, 0, len(s.messages))
	for _, m := range s.messages {
		copied := *m
		out = append(out, &copied)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Less(out[j]) })
	return out
}

// Send persists and broadcasts a message in the open conversation. The
// message enters the local view immediately with status sending; a store
// failure leaves it visible as failed. When the conversation is encrypted
// and the counterparty has a registered key, only ciphertext leaves the
// device. A missing counterparty key falls back to plaintext rather than
// blocking the send: the message is returned together with an error
// wrapping keyvault.ErrNoPublicKey so the UI can warn.
func (s *Service) Send(ctx context.Context, content string, selfDestructSeconds int) (*models.Message, error) {
	s.mu.RLock()
	conv, counterparty, encrypted, pair := s.conv, s.counterparty, s.encrypted, s.pair
	s.mu.RUnlock()
	if conv == nil {
		return nil, ErrNoConversation
	}
	if selfDestructSeconds < 0 {
		return nil, fmt.Errorf("negative self-destruct window")
	}

	now := time.Now().UTC()
	m := &models.Message{
		ID:                  uuid.NewString(),
		ConversationID:      conv.ID,
		SenderID:            s.userID,
		Content:             content,
		SelfDestructSeconds: selfDestructSeconds,
		Status:              models.StatusSending,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	var fallbackErr error
	if encrypted && counterparty != "" && pair != nil {
		pub, err := s.vault.PublicKey(ctx, counterparty)
		switch {
		case err == nil:
			sealed, err := cryptox.EncryptToString(content, pub, pair.Private)
			if err != nil {
				return nil, fmt.Errorf("encrypt message: %w", err)
			}
			m.EncryptedContent = sealed
			m.Content = ""
			m.Plaintext = content
		case errors.Is(err, keyvault.ErrNoPublicKey):
			s.log.Warn(ctx, "counterparty has no public key, sending plaintext",
				"conversation_id", conv.ID, "user_id", counterparty)
			fallbackErr = err
		default:
			return nil, err
		}
	}

	local := *m
	s.mu.Lock()
	s.messages[m.ID] = &local
	s.mu.Unlock()
	s.fireChange()

	stored := *m
	stored.Status = models.StatusSent
	if err := s.store.Messages().Insert(ctx, &stored); err != nil {
		s.mu.Lock()
		if cur, ok := s.messages[m.ID]; ok {
			cur.Status = models.StatusFailed
		}
		s.mu.Unlock()
		s.fireChange()
		return nil, fmt.Errorf("persist message: %w", err)
	}

	s.mu.Lock()
	if cur, ok := s.messages[m.ID]; ok {
		cur.Status = models.StatusSent
	}
	s.mu.Unlock()
	s.armTimer(&stored)

	// The sender has read their own message by definition.
	if err := s.store.Conversations().Touch(ctx, conv.ID, now); err != nil {
		s.log.Warn(ctx, "touch conversation failed", "conversation_id", conv.ID, "err", err)
	}
	if err := s.store.Participants().UpdateLastRead(ctx, conv.ID, s.userID, now); err != nil {
		s.log.Warn(ctx, "advance last_read_at failed", "conversation_id", conv.ID, "err", err)
	}

	if err := s.bus.Publish(ctx, bus.ConversationChannel(conv.ID), bus.NewChange(bus.EventInsert, tableMessages, stored)); err != nil {
		s.log.Warn(ctx, "broadcast message failed", "message_id", m.ID, "err", err)
	}

	s.fireChange()
	result := stored
	result.Plaintext = m.Plaintext
	// fallbackErr is advisory: the message went out in plaintext because
	// the counterparty has no registered key.
	return &result, fallbackErr
}

// MarkAsRead flips every delivered message from other senders to read and
// advances the user's read cursor. Calling it again with nothing unread is
// a no-op.
func (s *Service) MarkAsRead(ctx context.Context) error {
	s.mu.RLock()
	conv := s.conv
	s.mu.RUnlock()
	if conv == nil {
		return ErrNoConversation
	}

	now := time.Now().UTC()
	if err := s.store.Messages().MarkRead(ctx, conv.ID, s.userID); err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	if err := s.store.Participants().UpdateLastRead(ctx, conv.ID, s.userID, now); err != nil {
		return fmt.Errorf("advance last_read_at: %w", err)
	}

	var flipped []models.Message
	s.mu.Lock()
	for _, m := range s.messages {
		if m.SenderID != s.userID && m.Status == models.StatusDelivered {
			m.Status = models.StatusRead
			m.UpdatedAt = now
			flipped = append(flipped, *m)
		}
	}
	s.mu.Unlock()

	for _, m := range flipped {
		if err := s.bus.Publish(ctx, bus.ConversationChannel(conv.ID), bus.NewChange(bus.EventUpdate, tableMessages, m)); err != nil {
			s.log.Warn(ctx, "broadcast read receipt failed", "message_id", m.ID, "err", err)
		}
	}
	if len(flipped) > 0 {
		s.fireChange()
	}
	return nil
}

// Delete removes a message the user sent, its attachment rows, and
// best-effort their blobs. Non-senders are rejected synchronously against
// the local view before any store call; the stored row is re-checked for
// messages not currently in view.
func (s *Service) Delete(ctx context.Context, messageID string) error {
	s.mu.RLock()
	local, ok := s.messages[messageID]
	inView, sender := ok, ""
	if ok {
		sender = local.SenderID
	}
	s.mu.RUnlock()
	if inView && sender != s.userID {
		return fmt.Errorf("%w: message %s", ErrNotSender, messageID)
	}

	m, err := s.store.Messages().GetByID(ctx, messageID)
	if err != nil {
		return fmt.Errorf("load message: %w", err)
	}
	if m.SenderID != s.userID {
		return fmt.Errorf("%w: message %s", ErrNotSender, messageID)
	}
	return s.remove(ctx, m)
}

func (s *Service) remove(ctx context.Context, m *models.Message) error {
	attachments, err := s.store.Attachments().ListByMessage(ctx, m.ID)
	if err != nil {
		return fmt.Errorf("list attachments: %w", err)
	}

	if err := s.store.Attachments().DeleteByMessage(ctx, m.ID); err != nil {
		return fmt.Errorf("delete attachment rows: %w", err)
	}
	if err := s.store.Messages().Delete(ctx, m.ID); err != nil {
		return fmt.Errorf("delete message: %w", err)
	}

	// Orphaned blobs are acceptable; an orphaned row would not be.
	if len(attachments) > 0 && s.blobs != nil {
		paths := make([]string, 0, len(attachments))
		for _, a := range attachments {
			paths = append(paths, storage.AttachmentPath(m.ConversationID, m.ID, a.FileName))
		}
		if err := s.blobs.Remove(ctx, paths); err != nil {
			s.log.Warn(ctx, "attachment blob cleanup failed", "message_id", m.ID, "err", err)
		}
	}

	ev := bus.NewChange(bus.EventDelete, tableMessages, models.Message{ID: m.ID, ConversationID: m.ConversationID})
	if err := s.bus.Publish(ctx, bus.ConversationChannel(m.ConversationID), ev); err != nil {
		s.log.Warn(ctx, "broadcast delete failed", "message_id", m.ID, "err", err)
	}

	s.timers.Cancel(m.ID)
	s.mu.Lock()
	delete(s.messages, m.ID)
	s.mu.Unlock()
	s.fireChange()
	return nil
}

// expire is the self-destruct callback; the countdown owner deletes for
// everyone, sender or not.
func (s *Service) expire(messageID string) {
	ctx := context.Background()
	m, err := s.store.Messages().GetByID(ctx, messageID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.log.Warn(ctx, "self-destruct lookup failed", "message_id", messageID, "err", err)
		}
		s.mu.Lock()
		delete(s.messages, messageID)
		s.mu.Unlock()
		s.fireChange()
		return
	}
	if err := s.remove(ctx, m); err != nil {
		s.log.Error(ctx, "self-destruct delete failed", "message_id", messageID, "err", err)
	}
}

// StartConversation returns the existing direct conversation with the other
// user, or creates one. Repeated calls for the same pair converge on one
// conversation.
func (s *Service) StartConversation(ctx context.Context, otherUserID string) (string, error) {
	if otherUserID == "" || otherUserID == s.userID {
		return "", fmt.Errorf("invalid counterparty %q", otherUserID)
	}

	id, err := s.store.Participants().FindDirect(ctx, s.userID, otherUserID)
	switch {
	case err == nil:
		return id, nil
	case errors.Is(err, storage.ErrNotFound):
	default:
		return "", fmt.Errorf("find direct conversation: %w", err)
	}

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		IsGroup:   false,
		CreatedBy: s.userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Conversations().Create(ctx, conv); err != nil {
		return "", fmt.Errorf("create conversation: %w", err)
	}
	members := []string{s.userID, otherUserID}
	for _, member := range members {
		p := &models.Participant{ConversationID: conv.ID, UserID: member}
		if err := s.store.Participants().Add(ctx, p); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
			return "", fmt.Errorf("add participant %s: %w", member, err)
		}
	}
	s.announceMembers(ctx, conv.ID, members)
	return conv.ID, nil
}

// CreateGroup creates a named group conversation containing the user and
// the given members.
func (s *Service) CreateGroup(ctx context.Context, name string, memberIDs []string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("group name required")
	}
	if len(memberIDs) == 0 {
		return "", fmt.Errorf("group needs at least one other member")
	}

	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Name:      name,
		IsGroup:   true,
		CreatedBy: s.userID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.store.Conversations().Create(ctx, conv); err != nil {
		return "", fmt.Errorf("create group: %w", err)
	}
	members := append([]string{s.userID}, memberIDs...)
	for _, member := range members {
		p := &models.Participant{ConversationID: conv.ID, UserID: member}
		if err := s.store.Participants().Add(ctx, p); err != nil && !errors.Is(err, storage.ErrAlreadyExists) {
			return "", fmt.Errorf("add participant %s: %w", member, err)
		}
	}
	s.announceMembers(ctx, conv.ID, members)
	return conv.ID, nil
}

// announceMembers publishes each new membership row on its owner's user
// channel so their conversation list learns about the conversation without
// polling. Best-effort: a missed announcement is recovered by the next
// directory refresh.
func (s *Service) announceMembers(ctx context.Context, conversationID string, memberIDs []string) {
	for _, userID := range memberIDs {
		p := models.Participant{ConversationID: conversationID, UserID: userID}
		ev := bus.NewChange(bus.EventInsert, tableParticipants, p)
		if err := s.bus.Publish(ctx, bus.UserChannel(userID), ev); err != nil {
			s.log.Warn(ctx, "announce membership failed",
				"conversation_id", conversationID, "user_id", userID, "err", err)
		}
	}
}

// UploadAttachment stores a file for an existing message: blob first, then
// the attachment row pointing at it. The message row must already exist, so
// a crash can only ever leak a blob, never a dangling row.
func (s *Service) UploadAttachment(ctx context.Context, messageID, fileName, contentType string, data []byte) (*models.Attachment, error) {
	if s.blobs == nil {
		return nil, fmt.Errorf("no blob store configured")
	}
	if fileName == "" {
		return nil, fmt.Errorf("file name required")
	}

	m, err := s.store.Messages().GetByID(ctx, messageID)
	if err != nil {
		return nil, fmt.Errorf("load message: %w", err)
	}

	path := storage.AttachmentPath(m.ConversationID, messageID, fileName)
	url, err := s.blobs.Upload(ctx, path, data, contentType)
	if err != nil {
		return nil, fmt.Errorf("upload attachment: %w", err)
	}

	a := &models.Attachment{
		ID:        uuid.NewString(),
		MessageID: messageID,
		FileName:  fileName,
		FileType:  contentType,
		FileSize:  int64(len(data)),
		FileURL:   url,
		CreatedAt: time.Now().UTC(),
	}
	if err := s.store.Attachments().Insert(ctx, a); err != nil {
		return nil, fmt.Errorf("persist attachment: %w", err)
	}

	ev := bus.NewChange(bus.EventInsert, tableAttachments, *a)
	if err := s.bus.Publish(ctx, bus.ConversationChannel(m.ConversationID), ev); err != nil {
		s.log.Warn(ctx, "broadcast attachment failed", "attachment_id", a.ID, "err", err)
	}
	return a, nil
}

// Attachments lists the stored attachments of a message.
func (s *Service) Attachments(ctx context.Context, messageID string) ([]*models.Attachment, error) {
	return s.store.Attachments().ListByMessage(ctx, messageID)
}

// Typing broadcasts an ephemeral typing signal on the open conversation.
func (s *Service) Typing(ctx context.Context) error {
	s.mu.RLock()
	conv := s.conv
	s.mu.RUnlock()
	if conv == nil {
		return ErrNoConversation
	}
	ev := bus.Event{Signal: &bus.Signal{
		Kind:           bus.SignalTyping,
		ConversationID: conv.ID,
		UserID:         s.userID,
		At:             time.Now().UTC(),
	}}
	return s.bus.Publish(ctx, bus.ConversationChannel(conv.ID), ev)
}

func (s *Service) dispatch(sub bus.Subscription, done chan struct{}) {
	defer close(done)
	ctx := context.Background()
	for ev := range sub.Events() {
		switch {
		case ev.Signal != nil:
			if ev.Signal.Kind == bus.SignalTyping && ev.Signal.UserID != s.userID && s.onTyping != nil {
				s.onTyping(ev.Signal.UserID)
			}
		case ev.Change != nil:
			switch ev.Change.Table {
			case tableMessages:
				s.applyMessageChange(ctx, ev.Change)
			case tableAttachments:
				s.fireChange()
			}
		}
	}
}

func (s *Service) applyMessageChange(ctx context.Context, ch *bus.ChangeEvent) {
	switch ch.Type {
	case bus.EventInsert:
		m, err := ch.DecodeMessage()
		if err != nil {
			s.log.Warn(ctx, "rejecting bus row", "err", err)
			return
		}
		s.applyInsert(ctx, m)
	case bus.EventUpdate:
		m, err := ch.DecodeMessage()
		if err != nil {
			s.log.Warn(ctx, "rejecting bus row", "err", err)
			return
		}
		s.mu.Lock()
		if cur, ok := s.messages[m.ID]; ok {
			cur.Status = m.Status
			cur.UpdatedAt = m.UpdatedAt
		}
		s.mu.Unlock()
		s.fireChange()
	case bus.EventDelete:
		m, err := ch.DecodeMessage()
		if err != nil {
			s.log.Warn(ctx, "rejecting bus row", "err", err)
			return
		}
		s.timers.Cancel(m.ID)
		s.mu.Lock()
		delete(s.messages, m.ID)
		s.mu.Unlock()
		s.fireChange()
	}
}

func (s *Service) applyInsert(ctx context.Context, m *models.Message) {
	s.mu.Lock()
	if cur, ok := s.messages[m.ID]; ok {
		// Echo of our own optimistic insert: take the stored status, keep
		// the local plaintext. Never a second record.
		if cur.Status.CanAdvanceTo(m.Status) || cur.Status == m.Status {
			cur.Status = m.Status
			cur.UpdatedAt = m.UpdatedAt
		}
		s.mu.Unlock()
		s.fireChange()
		return
	}
	s.decrypt(ctx, m)
	copied := *m
	s.messages[m.ID] = &copied
	s.armTimer(&copied)
	fromOther := m.SenderID != s.userID && m.Status == models.StatusSent
	conv := s.conv
	s.mu.Unlock()

	if fromOther && conv != nil {
		// Acknowledge receipt so the sender's view advances to delivered.
		if err := s.store.Messages().UpdateStatus(ctx, m.ID, models.StatusDelivered); err != nil {
			s.log.Warn(ctx, "delivery ack failed", "message_id", m.ID, "err", err)
		} else {
			s.mu.Lock()
			if cur, ok := s.messages[m.ID]; ok {
				cur.Status = models.StatusDelivered
			}
			s.mu.Unlock()
			ack := *m
			ack.Status = models.StatusDelivered
			ack.UpdatedAt = time.Now().UTC()
			if err := s.bus.Publish(ctx, bus.ConversationChannel(conv.ID), bus.NewChange(bus.EventUpdate, tableMessages, ack)); err != nil {
				s.log.Warn(ctx, "broadcast delivery ack failed", "message_id", m.ID, "err", err)
			}
		}
	}
	s.fireChange()
}

// decrypt populates Plaintext or Undecryptable on an encrypted message.
// The caller may hold s.mu; only immutable fields are read from s.
func (s *Service) decrypt(ctx context.Context, m *models.Message) {
	if !m.Encrypted() {
		return
	}
	pair := s.pair
	if pair == nil {
		var err error
		pair, err = s.vault.EnsureKeyPair(ctx, s.userID)
		if pair == nil {
			s.log.Warn(ctx, "cannot decrypt without keypair", "message_id", m.ID, "err", err)
			m.Undecryptable = true
			return
		}
	}

	// box keys are symmetric in the shared secret: our own sent messages
	// open with the counterparty's public key, incoming ones with the
	// sender's.
	otherID := m.SenderID
	if otherID == s.userID {
		otherID = s.counterparty
	}
	if otherID == "" {
		m.Undecryptable = true
		return
	}

	pub, err := s.vault.PublicKey(ctx, otherID)
	if err != nil {
		s.log.Warn(ctx, "cannot resolve key for decryption", "message_id", m.ID, "user_id", otherID, "err", err)
		m.Undecryptable = true
		return
	}
	plaintext, err := cryptox.DecryptFromString(m.EncryptedContent, pub, pair.Private)
	if err != nil {
		s.log.Warn(ctx, "decryption failed", "message_id", m.ID, "err", err)
		m.Undecryptable = true
		return
	}
	m.Plaintext = plaintext
}

// armTimer starts the self-destruct countdown at first render. The
// scheduler ignores re-arms, so a message rendered again does not get a
// fresh clock.
func (s *Service) armTimer(m *models.Message) {
	if m.SelfDestructSeconds > 0 {
		s.timers.Schedule(m.ID, time.Duration(m.SelfDestructSeconds)*time.Second)
	}
}

func (s *Service) fireChange() {
	if s.onChange != nil {
		s.onChange()
	}
}
