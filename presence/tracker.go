// Package presence maintains the local view of who is online. One Tracker
// per signed-in user joins the shared presence channel, republishes the
// user's own status, and reconciles the displayed member set from the
// channel's notifications.
package presence

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

// DefaultChannel is the shared presence channel every signed-in user joins.
const DefaultChannel = "online-users"

// Tracker tracks the local user on a presence channel and mirrors the
// member set it observes. Sync snapshots are authoritative; join/leave
// notifications are applied only when they are not older than what the
// tracker already knows, so a late leave cannot erase a fresher state.
type Tracker struct {
	bus      bus.Bus
	profiles storage.ProfileRepository
	log      logging.Logger
	channel  string

	mu      sync.RWMutex
	userID  string
	self    models.PresenceStatus
	members map[string]models.PresenceRecord
	sub     bus.PresenceSubscription
	done    chan struct{}
}

// New builds a Tracker on the default channel. profiles may be nil; status
// mirroring to the profile row is then skipped.
func New(b bus.Bus, profiles storage.ProfileRepository, log logging.Logger) *Tracker {
	if log == nil {
		log = logging.Nop()
	}
	return &Tracker{
		bus:      b,
		profiles: profiles,
		log:      log,
		channel:  DefaultChannel,
		members:  make(map[string]models.PresenceRecord),
	}
}

// Start joins the presence channel as userID with status online and begins
// consuming notifications. Calling Start again for the same user is a no-op;
// the channel entry is simply re-tracked.
func (t *Tracker) Start(ctx context.Context, userID string) error {
	if userID == "" {
		return fmt.Errorf("presence: empty user id")
	}

	t.mu.Lock()
	if t.sub != nil {
		started := t.userID
		t.mu.Unlock()
		if started != userID {
			return fmt.Errorf("presence: tracker already started for %s", started)
		}
		return t.track(ctx, models.PresenceOnline)
	}

	sub, err := t.bus.PresenceSubscribe(ctx, t.channel)
	if err != nil {
		t.mu.Unlock()
		return fmt.Errorf("join presence channel: %w", err)
	}
	t.userID = userID
	t.self = models.PresenceOnline
	t.sub = sub
	done := make(chan struct{})
	t.done = done
	t.mu.Unlock()

	go t.consume(sub, done)

	if err := t.track(ctx, models.PresenceOnline); err != nil {
		_ = t.Stop(ctx)
		return err
	}
	return nil
}

// UpdateStatus republishes the user's presence with the new status and
// best-effort mirrors it into the profile row. The channel entry is the
// source of truth; a failed mirror is logged, not returned.
func (t *Tracker) UpdateStatus(ctx context.Context, status models.PresenceStatus) error {
	if !status.Valid() {
		return fmt.Errorf("presence: unknown status %q", status)
	}
	if err := t.track(ctx, status); err != nil {
		return err
	}

	t.mu.RLock()
	userID := t.userID
	t.mu.RUnlock()
	if t.profiles != nil {
		if err := t.profiles.UpdateStatus(ctx, userID, status, time.Now().UTC()); err != nil {
			t.log.Warn(ctx, "profile status mirror failed", "user_id", userID, "err", err)
		}
	}
	return nil
}

func (t *Tracker) track(ctx context.Context, status models.PresenceStatus) error {
	t.mu.Lock()
	if t.sub == nil {
		t.mu.Unlock()
		return fmt.Errorf("presence: tracker not started")
	}
	t.self = status
	record := models.PresenceRecord{
		UserID:   t.userID,
		Status:   status,
		LastSeen: time.Now().UTC(),
	}
	t.mu.Unlock()

	if err := t.bus.PresenceTrack(ctx, t.channel, record); err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	return nil
}

// Stop marks the user offline, leaves the channel, and tears down the
// subscription. Safe to call more than once.
func (t *Tracker) Stop(ctx context.Context) error {
	t.mu.Lock()
	sub := t.sub
	done := t.done
	userID := t.userID
	t.sub = nil
	t.mu.Unlock()
	if sub == nil {
		return nil
	}

	if t.profiles != nil {
		if err := t.profiles.UpdateStatus(ctx, userID, models.PresenceOffline, time.Now().UTC()); err != nil {
			t.log.Warn(ctx, "profile status mirror failed", "user_id", userID, "err", err)
		}
	}

	err := t.bus.PresenceLeave(ctx, t.channel, userID)
	if cerr := sub.Close(); err == nil {
		err = cerr
	}
	<-done
	return err
}

func (t *Tracker) consume(sub bus.PresenceSubscription, done chan struct{}) {
	defer close(done)
	for ev := range sub.Events() {
		switch ev.Type {
		case bus.PresenceSync:
			t.applySync(ev.Members)
		case bus.PresenceJoin:
			t.applyJoin(ev.Member)
		case bus.PresenceLeave:
			t.applyLeave(ev.Member)
		}
	}
}

// applySync replaces the member set wholesale; the snapshot is authoritative.
func (t *Tracker) applySync(members []models.PresenceRecord) {
	next := make(map[string]models.PresenceRecord, len(members))
	for _, r := range members {
		next[r.UserID] = r
	}
	t.mu.Lock()
	t.members = next
	t.mu.Unlock()
}

func (t *Tracker) applyJoin(member *models.PresenceRecord) {
	if member == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.members[member.UserID]; ok && cur.LastSeen.After(member.LastSeen) {
		return // stale notification
	}
	t.members[member.UserID] = *member
}

func (t *Tracker) applyLeave(member *models.PresenceRecord) {
	if member == nil {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.members[member.UserID]; ok && cur.LastSeen.After(member.LastSeen) {
		return // a fresher track arrived after this leave was emitted
	}
	delete(t.members, member.UserID)
}

// Status returns the observed presence of a user; absent users are offline.
func (t *Tracker) Status(userID string) models.PresenceStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if r, ok := t.members[userID]; ok {
		return r.Status
	}
	return models.PresenceOffline
}

// IsOnline reports whether the user has any non-offline entry on the channel.
func (t *Tracker) IsOnline(userID string) bool {
	return t.Status(userID) != models.PresenceOffline
}

// Members returns the observed member set sorted by user id.
func (t *Tracker) Members() []models.PresenceRecord {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]models.PresenceRecord, 0, len(t.members))
	for _, r := range t.members {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}
