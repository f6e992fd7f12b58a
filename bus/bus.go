// Package bus defines the real-time boundary consumed by the engine: named
// channels delivering typed row-change events and ephemeral signals, plus
// presence tracking with sync/join/leave notifications.
//
// Subscriptions are explicit handle objects owned by the component that
// created them and torn down by calling Close on the handle, never by
// channel name; a component re-subscribing to a logical slot must Close the
// old handle first so it can never receive two conflicting streams.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dmitrykh/whisperline/models"
)

// EventType tags a row-change event.
type EventType string

const (
	EventInsert EventType = "insert"
	EventUpdate EventType = "update"
	EventDelete EventType = "delete"
)

// ChangeEvent is one row change observed on a channel. Row holds the new
// row for inserts/updates and the old row (possibly only its key columns)
// for deletes.
type ChangeEvent struct {
	Type  EventType       `json:"type"`
	Table string          `json:"table"`
	Row   json.RawMessage `json:"row"`
}

// Signal is an ephemeral event (e.g. a typing indicator) that is published
// on a channel but never persisted.
type Signal struct {
	Kind           string    `json:"kind"`
	ConversationID string    `json:"conversation_id,omitempty"`
	UserID         string    `json:"user_id"`
	At             time.Time `json:"at"`
}

// SignalTyping is the Kind of typing-indicator signals.
const SignalTyping = "typing"

// Event is one item of a subscription stream; exactly one field is set.
type Event struct {
	Change *ChangeEvent `json:"change,omitempty"`
	Signal *Signal      `json:"signal,omitempty"`
}

// Filter restricts a subscription to rows of one table whose decoded JSON
// column equals Value. A zero Filter matches every change event.
type Filter struct {
	Table  string
	Column string
	Value  string
}

// Matches reports whether the change event passes the filter. Events whose
// rows cannot be decoded do not match.
func (f Filter) Matches(ev *ChangeEvent) bool {
	if f.Table != "" && f.Table != ev.Table {
		return false
	}
	if f.Column == "" {
		return true
	}
	var row map[string]any
	if err := json.Unmarshal(ev.Row, &row); err != nil {
		return false
	}
	v, ok := row[f.Column].(string)
	return ok && v == f.Value
}

// Subscription is the handle for one channel subscription.
type Subscription interface {
	// Events returns the stream; it is closed after Close.
	Events() <-chan Event

	// Close tears the subscription down. Idempotent.
	Close() error
}

// PresenceEventType tags a presence notification.
type PresenceEventType string

const (
	PresenceSync  PresenceEventType = "sync"
	PresenceJoin  PresenceEventType = "join"
	PresenceLeave PresenceEventType = "leave"
)

// PresenceEvent is one presence notification. Sync events carry the full
// authoritative member set; join/leave carry the single member concerned
// and may be delivered late, duplicated, or out of order, so observers
// must treat Members from the latest sync as the source of truth.
type PresenceEvent struct {
	Type    PresenceEventType
	Member  *models.PresenceRecord
	Members []models.PresenceRecord
}

// PresenceSubscription is the handle for one presence channel subscription.
type PresenceSubscription interface {
	Events() <-chan PresenceEvent
	Close() error
}

// Bus is the real-time collaborator. All methods are safe for concurrent use.
type Bus interface {
	// Subscribe opens a stream of events published on the named channel,
	// restricted by filter.
	Subscribe(ctx context.Context, channel string, filter Filter) (Subscription, error)

	// Publish delivers an event to current subscribers of the channel.
	Publish(ctx context.Context, channel string, ev Event) error

	// PresenceTrack adds or replaces this device's membership entry on the
	// presence channel.
	PresenceTrack(ctx context.Context, channel string, state models.PresenceRecord) error

	// PresenceLeave removes the user's membership entry.
	PresenceLeave(ctx context.Context, channel, userID string) error

	// PresenceSubscribe opens a stream of presence notifications. A sync
	// snapshot is delivered first.
	PresenceSubscribe(ctx context.Context, channel string) (PresenceSubscription, error)
}

// ErrClosed is returned by operations on a closed bus or subscription.
var ErrClosed = errors.New("bus closed")

// ConversationChannel names the channel carrying one conversation's row
// changes and signals.
func ConversationChannel(conversationID string) string {
	return "conversation:" + conversationID
}

// UserChannel names the per-user channel carrying membership changes: a
// participant row inserted for the user is announced here, so watchers
// learn about conversations they were just added to.
func UserChannel(userID string) string {
	return "user:" + userID
}

// DecodeMessage decodes and validates a messages-table row.
func (e *ChangeEvent) DecodeMessage() (*models.Message, error) {
	m := &models.Message{}
	if err := decodeRow(e, m, e.Type != EventDelete); err != nil {
		return nil, err
	}
	return m, nil
}

// DecodeConversation decodes and validates a conversations-table row.
func (e *ChangeEvent) DecodeConversation() (*models.Conversation, error) {
	c := &models.Conversation{}
	if err := decodeRow(e, c, e.Type != EventDelete); err != nil {
		return nil, err
	}
	return c, nil
}

// DecodeParticipant decodes and validates a conversation_participants row.
func (e *ChangeEvent) DecodeParticipant() (*models.Participant, error) {
	p := &models.Participant{}
	if err := decodeRow(e, p, e.Type != EventDelete); err != nil {
		return nil, err
	}
	return p, nil
}

type validatable interface {
	Validate() error
}

// decodeRow unmarshals the event row; full validation is skipped for delete
// events, whose rows may carry only key columns.
func decodeRow(e *ChangeEvent, dst validatable, validate bool) error {
	if err := json.Unmarshal(e.Row, dst); err != nil {
		return fmt.Errorf("decode %s row: %w", e.Table, err)
	}
	if validate {
		if err := dst.Validate(); err != nil {
			return fmt.Errorf("reject %s row: %w", e.Table, err)
		}
	}
	return nil
}

// NewChange marshals row into a change event; it panics only on marshal
// failures of engine-owned types, which would be a programming error.
func NewChange(typ EventType, table string, row any) Event {
	raw, err := json.Marshal(row)
	if err != nil {
		panic(fmt.Sprintf("bus: marshal %s row: %v", table, err))
	}
	return Event{Change: &ChangeEvent{Type: typ, Table: table, Row: raw}}
}
