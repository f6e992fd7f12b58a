// Package storage defines the persistent-store boundary consumed by the
// engine: typed repositories over the backend tables plus a blob store for
// attachments. Implementations live in subpackages (postgres, s3blob);
// callers match failures with errors.Is against the sentinel errors below.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dmitrykh/whisperline/models"
)

var (
	// ErrNotFound is returned when a requested row does not exist.
	ErrNotFound = errors.New("not found")

	// ErrAlreadyExists is returned on uniqueness violations, e.g. adding a
	// (conversation, user) participant pair twice.
	ErrAlreadyExists = errors.New("already exists")
)

// ConversationRepository manages rows in the conversations table.
type ConversationRepository interface {
	Create(ctx context.Context, c *models.Conversation) error
	GetByID(ctx context.Context, id string) (*models.Conversation, error)

	// Touch advances updated_at; called after every successful send so the
	// directory can fall back to it when a conversation has no messages.
	Touch(ctx context.Context, id string, at time.Time) error
}

// ParticipantRepository manages conversation membership rows.
type ParticipantRepository interface {
	// Add inserts one membership row. Returns ErrAlreadyExists when the
	// (conversation, user) pair is already present.
	Add(ctx context.Context, p *models.Participant) error

	ListByConversation(ctx context.Context, conversationID string) ([]*models.Participant, error)
	ListByUser(ctx context.Context, userID string) ([]*models.Participant, error)

	// UpdateLastRead advances last_read_at for one membership row. The
	// column is monotonic: implementations must not move it backwards.
	UpdateLastRead(ctx context.Context, conversationID, userID string, at time.Time) error

	// FindDirect returns the id of an existing non-group conversation whose
	// membership is exactly {userA, userB}, or ErrNotFound.
	FindDirect(ctx context.Context, userA, userB string) (string, error)
}

// MessageRepository manages rows in the messages table.
type MessageRepository interface {
	Insert(ctx context.Context, m *models.Message) error
	GetByID(ctx context.Context, id string) (*models.Message, error)
	ListByConversation(ctx context.Context, conversationID string) ([]*models.Message, error)
	UpdateStatus(ctx context.Context, id string, status models.MessageStatus) error

	// MarkRead flips delivered messages not sent by userID to read.
	MarkRead(ctx context.Context, conversationID, userID string) error

	Delete(ctx context.Context, id string) error

	// LastByConversation returns the newest message per conversation id.
	// Conversations with no messages are absent from the result.
	LastByConversation(ctx context.Context, conversationIDs []string) (map[string]*models.Message, error)

	// CountUnread counts messages in the conversation created after the
	// given time by senders other than userID.
	CountUnread(ctx context.Context, conversationID, userID string, after time.Time) (int, error)
}

// AttachmentRepository manages rows in the message_attachments table.
type AttachmentRepository interface {
	Insert(ctx context.Context, a *models.Attachment) error
	ListByMessage(ctx context.Context, messageID string) ([]*models.Attachment, error)
	DeleteByMessage(ctx context.Context, messageID string) error
}

// KeyRegistry maps user ids to their current public keys
// (the encryption_keys table).
type KeyRegistry interface {
	Upsert(ctx context.Context, k *models.PublicKey) error
	Get(ctx context.Context, userID string) (*models.PublicKey, error)
}

// ProfileRepository reads and mirrors displayable user records.
type ProfileRepository interface {
	GetByID(ctx context.Context, userID string) (*models.Profile, error)
	ListByIDs(ctx context.Context, userIDs []string) (map[string]*models.Profile, error)

	// UpdateStatus best-effort mirrors presence into the profile row.
	UpdateStatus(ctx context.Context, userID string, status models.PresenceStatus, at time.Time) error
}

// ContactRepository reads the caller's address book.
type ContactRepository interface {
	// Get returns the contact row owned by userID for contactID, or
	// ErrNotFound when the user never added the contact.
	Get(ctx context.Context, userID, contactID string) (*models.Contact, error)
}

// Store bundles all repositories over one backend.
type Store interface {
	Conversations() ConversationRepository
	Participants() ParticipantRepository
	Messages() MessageRepository
	Attachments() AttachmentRepository
	Keys() KeyRegistry
	Profiles() ProfileRepository
	Contacts() ContactRepository
}

// AttachmentPath is the canonical blob path for an attachment payload.
// Both the uploader and the delete path derive it from the attachment row,
// so no URL parsing is needed to locate the blob.
func AttachmentPath(conversationID, messageID, fileName string) string {
	return conversationID + "/" + messageID + "/" + fileName
}

// BlobStore stores attachment payloads outside the relational store.
type BlobStore interface {
	// Upload stores data under path and returns a URL the UI can render.
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)

	// Remove deletes the given paths. Missing paths are not an error.
	Remove(ctx context.Context, paths []string) error
}
