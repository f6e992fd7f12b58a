// Package models defines the row types the engine exchanges with the
// persistent store and the real-time bus. Every type that crosses the bus
// boundary carries JSON tags matching the backend column names and a
// Validate method; malformed rows are rejected at the boundary instead of
// propagating zero values into the engine.
package models

import (
	"errors"
	"fmt"
	"time"
)

// MessageStatus is the delivery lifecycle of a message.
//
// Valid transitions: sending -> sent -> delivered -> read, and
// sending -> failed. Read and failed are terminal.
type MessageStatus string

const (
	StatusSending   MessageStatus = "sending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusRead      MessageStatus = "read"
	StatusFailed    MessageStatus = "failed"
)

func (s MessageStatus) Valid() bool {
	switch s {
	case StatusSending, StatusSent, StatusDelivered, StatusRead, StatusFailed:
		return true
	}
	return false
}

// CanAdvanceTo reports whether moving from s to next is a legal transition.
func (s MessageStatus) CanAdvanceTo(next MessageStatus) bool {
	switch s {
	case StatusSending:
		return next == StatusSent || next == StatusFailed
	case StatusSent:
		return next == StatusDelivered
	case StatusDelivered:
		return next == StatusRead
	default:
		return false
	}
}

// PresenceStatus is the ephemeral availability of a user.
type PresenceStatus string

const (
	PresenceOnline  PresenceStatus = "online"
	PresenceAway    PresenceStatus = "away"
	PresenceBusy    PresenceStatus = "busy"
	PresenceOffline PresenceStatus = "offline"
)

func (s PresenceStatus) Valid() bool {
	switch s {
	case PresenceOnline, PresenceAway, PresenceBusy, PresenceOffline:
		return true
	}
	return false
}

// Conversation is a durable thread of messages among a fixed participant set.
type Conversation struct {
	ID        string    `json:"id"`
	Name      string    `json:"name,omitempty"`
	IsGroup   bool      `json:"is_group"`
	CreatedBy string    `json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (c *Conversation) Validate() error {
	if c.ID == "" {
		return errors.New("conversation: missing id")
	}
	return nil
}

// Participant is one (conversation, user) membership row. LastReadAt only
// ever moves forward and drives unread counts.
type Participant struct {
	ConversationID string    `json:"conversation_id"`
	UserID         string    `json:"user_id"`
	LastReadAt     time.Time `json:"last_read_at"`
}

func (p *Participant) Validate() error {
	if p.ConversationID == "" || p.UserID == "" {
		return errors.New("participant: missing conversation_id or user_id")
	}
	return nil
}

// Message is a single conversation entry. Exactly one of Content and
// EncryptedContent is authoritative at send time: if encryption succeeded
// the ciphertext is stored and Content is empty.
type Message struct {
	ID                  string        `json:"id"`
	ConversationID      string        `json:"conversation_id"`
	SenderID            string        `json:"sender_id"`
	Content             string        `json:"content,omitempty"`
	EncryptedContent    string        `json:"encrypted_content,omitempty"`
	SelfDestructSeconds int           `json:"self_destruct_seconds,omitempty"`
	Status              MessageStatus `json:"status"`
	CreatedAt           time.Time     `json:"created_at"`
	UpdatedAt           time.Time     `json:"updated_at"`

	// Display-only fields, populated locally and never written back.
	Plaintext     string `json:"-"`
	Undecryptable bool   `json:"-"`
}

func (m *Message) Validate() error {
	switch {
	case m.ID == "":
		return errors.New("message: missing id")
	case m.ConversationID == "":
		return errors.New("message: missing conversation_id")
	case m.SenderID == "":
		return errors.New("message: missing sender_id")
	case !m.Status.Valid():
		return fmt.Errorf("message: unknown status %q", m.Status)
	case m.CreatedAt.IsZero():
		return errors.New("message: missing created_at")
	case m.SelfDestructSeconds < 0:
		return errors.New("message: negative self_destruct_seconds")
	}
	return nil
}

// Encrypted reports whether the stored form of the message is ciphertext.
func (m *Message) Encrypted() bool {
	return m.EncryptedContent != "" && m.Content == ""
}

// DisplayText is what a UI should render for the message body.
func (m *Message) DisplayText() string {
	if m.Content != "" {
		return m.Content
	}
	if m.Plaintext != "" {
		return m.Plaintext
	}
	if m.Undecryptable {
		return "Unable to decrypt message."
	}
	if m.EncryptedContent != "" {
		return "This message is encrypted."
	}
	return ""
}

// Less orders messages by (CreatedAt, ID); the id tiebreak keeps the order
// total and stable under concurrent inserts from different senders.
func (m *Message) Less(other *Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}

// Attachment is a file owned by exactly one message, created after the
// message exists (two-phase upload).
type Attachment struct {
	ID        string    `json:"id"`
	MessageID string    `json:"message_id"`
	FileName  string    `json:"file_name"`
	FileType  string    `json:"file_type"`
	FileSize  int64     `json:"file_size,omitempty"`
	FileURL   string    `json:"file_url"`
	CreatedAt time.Time `json:"created_at"`
}

func (a *Attachment) Validate() error {
	if a.ID == "" || a.MessageID == "" {
		return errors.New("attachment: missing id or message_id")
	}
	if a.FileName == "" {
		return errors.New("attachment: missing file_name")
	}
	return nil
}

// Profile is the displayable user record mirrored by the backend.
type Profile struct {
	ID        string         `json:"id"`
	Name      string         `json:"name,omitempty"`
	AvatarURL string         `json:"avatar_url,omitempty"`
	Status    PresenceStatus `json:"status,omitempty"`
	UpdatedAt time.Time      `json:"updated_at"`
}

func (p *Profile) Validate() error {
	if p.ID == "" {
		return errors.New("profile: missing id")
	}
	return nil
}

// Contact is the caller's address-book row for another user; IsEncrypted
// gates outbound encryption for direct conversations.
type Contact struct {
	UserID      string    `json:"user_id"`
	ContactID   string    `json:"contact_id"`
	IsEncrypted bool      `json:"is_encrypted"`
	CreatedAt   time.Time `json:"created_at"`
}

func (c *Contact) Validate() error {
	if c.UserID == "" || c.ContactID == "" {
		return errors.New("contact: missing user_id or contact_id")
	}
	return nil
}

// PublicKey is one key-registry row: the current public key for a user.
type PublicKey struct {
	UserID    string    `json:"user_id"`
	PublicKey []byte    `json:"public_key"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (k *PublicKey) Validate() error {
	if k.UserID == "" {
		return errors.New("public key: missing user_id")
	}
	if len(k.PublicKey) == 0 {
		return errors.New("public key: empty key material")
	}
	return nil
}

// PresenceRecord is the ephemeral per-user presence payload tracked on the
// shared presence channel. The authoritative copy lives in the channel's
// live membership, not in any table.
type PresenceRecord struct {
	UserID   string         `json:"user_id"`
	Status   PresenceStatus `json:"status"`
	LastSeen time.Time      `json:"last_seen"`
}

func (r *PresenceRecord) Validate() error {
	if r.UserID == "" {
		return errors.New("presence: missing user_id")
	}
	if !r.Status.Valid() {
		return fmt.Errorf("presence: unknown status %q", r.Status)
	}
	return nil
}
