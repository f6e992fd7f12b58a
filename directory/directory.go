// Package directory builds the conversation list for one user: display
// names, last-message previews, unread counts, and presence badges for
// direct chats, ordered by most recent activity.
package directory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dmitrykh/whisperline/bus"
	"github.com/dmitrykh/whisperline/logging"
	"github.com/dmitrykh/whisperline/models"
	"github.com/dmitrykh/whisperline/storage"
)

// PresenceSource reports the observed presence of a user. presence.Tracker
// satisfies it; a nil source renders every badge offline.
type PresenceSource interface {
	Status(userID string) models.PresenceStatus
}

// Entry is one conversation as shown in the list.
type Entry struct {
	Conversation models.Conversation

	// DisplayName is the group name, or the counterparty's profile name
	// for direct chats.
	DisplayName string

	// Counterparty is set for direct conversations only.
	Counterparty       string
	CounterpartyStatus models.PresenceStatus

	LastMessage *models.Message
	Unread      int

	// LastActivity is the newest message's creation time, falling back to
	// the conversation's updated_at when it has no messages.
	LastActivity time.Time
}

// Preview is what the list renders as the last-message line; encrypted
// bodies show their placeholder rather than ciphertext.
func (e *Entry) Preview() string {
	if e.LastMessage == nil {
		return ""
	}
	return e.LastMessage.DisplayText()
}

// Directory computes and watches one user's conversation list.
type Directory struct {
	userID   string
	store    storage.Store
	bus      bus.Bus
	presence PresenceSource
	log      logging.Logger

	mu       sync.Mutex
	subs     map[string]bus.Subscription // by conversation id
	userSub  bus.Subscription            // membership channel
	onChange func()
}

const tableParticipants = "conversation_participants"

func New(userID string, store storage.Store, b bus.Bus, presence PresenceSource, log logging.Logger) *Directory {
	if log == nil {
		log = logging.Nop()
	}
	return &Directory{
		userID:   userID,
		store:    store,
		bus:      b,
		presence: presence,
		log:      log,
		subs:     make(map[string]bus.Subscription),
	}
}

// SetOnChange registers a callback fired when watched conversations see
// traffic. Must be called before Watch.
func (d *Directory) SetOnChange(f func()) { d.onChange = f }

// List assembles the current conversation list, newest activity first.
func (d *Directory) List(ctx context.Context) ([]*Entry, error) {
	memberships, err := d.store.Participants().ListByUser(ctx, d.userID)
	if err != nil {
		return nil, fmt.Errorf("list memberships: %w", err)
	}
	if len(memberships) == 0 {
		return nil, nil
	}

	convIDs := make([]string, 0, len(memberships))
	lastRead := make(map[string]time.Time, len(memberships))
	for _, p := range memberships {
		convIDs = append(convIDs, p.ConversationID)
		lastRead[p.ConversationID] = p.LastReadAt
	}

	lastMessages, err := d.store.Messages().LastByConversation(ctx, convIDs)
	if err != nil {
		return nil, fmt.Errorf("load last messages: %w", err)
	}

	entries := make([]*Entry, 0, len(convIDs))
	var counterpartyIDs []string
	for _, id := range convIDs {
		conv, err := d.store.Conversations().GetByID(ctx, id)
		if err != nil {
			d.log.Warn(ctx, "skipping unloadable conversation", "conversation_id", id, "err", err)
			continue
		}

		e := &Entry{Conversation: *conv, LastActivity: conv.UpdatedAt}
		if last, ok := lastMessages[id]; ok {
			e.LastMessage = last
			e.LastActivity = last.CreatedAt
		}

		if !conv.IsGroup {
			members, err := d.store.Participants().ListByConversation(ctx, id)
			if err != nil {
				return nil, fmt.Errorf("load participants: %w", err)
			}
			for _, m := range members {
				if m.UserID != d.userID {
					e.Counterparty = m.UserID
					break
				}
			}
			if e.Counterparty != "" {
				counterpartyIDs = append(counterpartyIDs, e.Counterparty)
			}
		}

		unread, err := d.store.Messages().CountUnread(ctx, id, d.userID, lastRead[id])
		if err != nil {
			return nil, fmt.Errorf("count unread: %w", err)
		}
		e.Unread = unread
		entries = append(entries, e)
	}

	profiles, err := d.store.Profiles().ListByIDs(ctx, counterpartyIDs)
	if err != nil {
		return nil, fmt.Errorf("load profiles: %w", err)
	}
	for _, e := range entries {
		switch {
		case e.Conversation.IsGroup:
			e.DisplayName = e.Conversation.Name
		case e.Counterparty != "":
			e.DisplayName = e.Counterparty
			if p, ok := profiles[e.Counterparty]; ok && p.Name != "" {
				e.DisplayName = p.Name
			}
			e.CounterpartyStatus = models.PresenceOffline
			if d.presence != nil {
				e.CounterpartyStatus = d.presence.Status(e.Counterparty)
			}
		}
	}

	sort.Slice(entries, func(i, j int) bool {
		if !entries[i].LastActivity.Equal(entries[j].LastActivity) {
			return entries[i].LastActivity.After(entries[j].LastActivity)
		}
		return entries[i].Conversation.ID < entries[j].Conversation.ID
	})
	return entries, nil
}

// Watch subscribes to every conversation the user is currently in, plus the
// user's own membership channel so conversations created later (by anyone)
// are picked up without another Watch call. Fires the change callback on
// any traffic; existing subscriptions are kept across calls.
func (d *Directory) Watch(ctx context.Context) error {
	memberships, err := d.store.Participants().ListByUser(ctx, d.userID)
	if err != nil {
		return fmt.Errorf("list memberships: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.userSub == nil {
		sub, err := d.bus.Subscribe(ctx, bus.UserChannel(d.userID), bus.Filter{
			Table: tableParticipants, Column: "user_id", Value: d.userID,
		})
		if err != nil {
			return fmt.Errorf("watch memberships: %w", err)
		}
		d.userSub = sub
		go d.forwardMemberships(sub)
	}
	for _, p := range memberships {
		if err := d.watchConversationLocked(ctx, p.ConversationID); err != nil {
			return err
		}
	}
	return nil
}

func (d *Directory) watchConversationLocked(ctx context.Context, id string) error {
	if _, ok := d.subs[id]; ok {
		return nil
	}
	sub, err := d.bus.Subscribe(ctx, bus.ConversationChannel(id), bus.Filter{})
	if err != nil {
		return fmt.Errorf("watch conversation %s: %w", id, err)
	}
	d.subs[id] = sub
	go d.forward(sub)
	return nil
}

// forwardMemberships reacts to participant rows inserted for the user:
// the new conversation's channel joins the watch set, then the list is
// recomputed.
func (d *Directory) forwardMemberships(sub bus.Subscription) {
	ctx := context.Background()
	for ev := range sub.Events() {
		if ev.Change == nil || ev.Change.Table != tableParticipants {
			continue
		}
		p, err := ev.Change.DecodeParticipant()
		if err != nil {
			d.log.Warn(ctx, "rejecting bus row", "err", err)
			continue
		}
		d.mu.Lock()
		err = d.watchConversationLocked(ctx, p.ConversationID)
		d.mu.Unlock()
		if err != nil {
			d.log.Warn(ctx, "watch new conversation failed", "conversation_id", p.ConversationID, "err", err)
		}
		if d.onChange != nil {
			d.onChange()
		}
	}
}

func (d *Directory) forward(sub bus.Subscription) {
	for ev := range sub.Events() {
		// Ephemeral signals do not move conversations in the list.
		if ev.Change == nil {
			continue
		}
		if d.onChange != nil {
			d.onChange()
		}
	}
}

// Close tears down every watch subscription.
func (d *Directory) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var first error
	if d.userSub != nil {
		first = d.userSub.Close()
		d.userSub = nil
	}
	for id, sub := range d.subs {
		if err := sub.Close(); err != nil && first == nil {
			first = err
		}
		delete(d.subs, id)
	}
	return first
}
