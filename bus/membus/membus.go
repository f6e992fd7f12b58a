// Package membus provides an in-memory bus.Bus with FIFO delivery per
// channel. It backs component tests and lets the engine run without a
// real-time backend (single-process deployments, demos).
package membus

import (
	"context"
	"sort"
	"sync"

	"github.com/dmitrykh/whisperline/bus"
	"github.com/dmitrykh/whisperline/models"
)

// subscriberBuffer is the per-subscription queue length. A subscriber that
// falls this far behind starts losing events, which the engine tolerates by
// refetching state on reconnect.
const subscriberBuffer = 256

type Bus struct {
	mu       sync.Mutex
	subs     map[string][]*subscription
	psubs    map[string][]*presenceSubscription
	presence map[string]map[string]models.PresenceRecord
}

var _ bus.Bus = (*Bus)(nil)

func New() *Bus {
	return &Bus{
		subs:     make(map[string][]*subscription),
		psubs:    make(map[string][]*presenceSubscription),
		presence: make(map[string]map[string]models.PresenceRecord),
	}
}

type subscription struct {
	bus     *Bus
	channel string
	filter  bus.Filter
	events  chan bus.Event
	once    sync.Once
}

func (s *subscription) Events() <-chan bus.Event { return s.events }

// Close removes the subscription and closes its channel under the bus
// lock; delivery also runs under that lock, so a racing Publish can never
// send on the closed channel.
func (s *subscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		s.bus.subs[s.channel] = remove(s.bus.subs[s.channel], s)
		close(s.events)
		s.bus.mu.Unlock()
	})
	return nil
}

func (b *Bus) Subscribe(_ context.Context, channel string, filter bus.Filter) (bus.Subscription, error) {
	s := &subscription{
		bus:     b,
		channel: channel,
		filter:  filter,
		events:  make(chan bus.Event, subscriberBuffer),
	}
	b.mu.Lock()
	b.subs[channel] = append(b.subs[channel], s)
	b.mu.Unlock()
	return s, nil
}

func (b *Bus) Publish(_ context.Context, channel string, ev bus.Event) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs[channel] {
		if ev.Change != nil && !s.filter.Matches(ev.Change) {
			continue
		}
		select {
		case s.events <- ev:
		default: // subscriber too far behind, drop
		}
	}
	return nil
}

type presenceSubscription struct {
	bus     *Bus
	channel string
	events  chan bus.PresenceEvent
	once    sync.Once
}

func (s *presenceSubscription) Events() <-chan bus.PresenceEvent { return s.events }

func (s *presenceSubscription) Close() error {
	s.once.Do(func() {
		s.bus.mu.Lock()
		s.bus.psubs[s.channel] = remove(s.bus.psubs[s.channel], s)
		close(s.events)
		s.bus.mu.Unlock()
	})
	return nil
}

func (b *Bus) PresenceTrack(_ context.Context, channel string, state models.PresenceRecord) error {
	if err := state.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	members, ok := b.presence[channel]
	if !ok {
		members = make(map[string]models.PresenceRecord)
		b.presence[channel] = members
	}
	_, rejoin := members[state.UserID]
	members[state.UserID] = state
	snapshot := snapshotLocked(members)
	targets := b.psubs[channel]

	// Replacing an existing entry is a state change, not a new join.
	if !rejoin {
		member := state
		broadcast(targets, bus.PresenceEvent{Type: bus.PresenceJoin, Member: &member})
	}
	broadcast(targets, bus.PresenceEvent{Type: bus.PresenceSync, Members: snapshot})
	b.mu.Unlock()
	return nil
}

func (b *Bus) PresenceLeave(_ context.Context, channel, userID string) error {
	b.mu.Lock()
	members := b.presence[channel]
	record, ok := members[userID]
	if ok {
		delete(members, userID)
	}
	snapshot := snapshotLocked(members)
	targets := b.psubs[channel]

	if ok {
		record.Status = models.PresenceOffline
		broadcast(targets, bus.PresenceEvent{Type: bus.PresenceLeave, Member: &record})
	}
	broadcast(targets, bus.PresenceEvent{Type: bus.PresenceSync, Members: snapshot})
	b.mu.Unlock()
	return nil
}

func (b *Bus) PresenceSubscribe(_ context.Context, channel string) (bus.PresenceSubscription, error) {
	s := &presenceSubscription{
		bus:     b,
		channel: channel,
		events:  make(chan bus.PresenceEvent, subscriberBuffer),
	}
	b.mu.Lock()
	b.psubs[channel] = append(b.psubs[channel], s)
	snapshot := snapshotLocked(b.presence[channel])
	s.events <- bus.PresenceEvent{Type: bus.PresenceSync, Members: snapshot}
	b.mu.Unlock()
	return s, nil
}

func broadcast(targets []*presenceSubscription, ev bus.PresenceEvent) {
	for _, s := range targets {
		select {
		case s.events <- ev:
		default:
		}
	}
}

// snapshotLocked copies the member set sorted by user id so sync events are
// deterministic.
func snapshotLocked(members map[string]models.PresenceRecord) []models.PresenceRecord {
	out := make([]models.PresenceRecord, 0, len(members))
	for _, r := range members {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func remove[T comparable](s []T, v T) []T {
	for i, x := range s {
		if x == v {
			return append(s[:i], s[i+1:]...)
		}
	}
	return s
}
