// Package redisbus implements bus.Bus on Redis: pub/sub for row-change
// events and ephemeral signals, and a hash per presence channel for the
// live member set. Join/leave notifications ride pub/sub while sync
// snapshots are rebuilt from the hash, so observers converge on the hash
// contents regardless of notification ordering.
package redisbus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/dmitrykh/whisperline/bus"
	"github.com/dmitrykh/whisperline/logging"
	"github.com/dmitrykh/whisperline/models"
)

const (
	channelPrefix  = "wl:chan:"
	presenceKeyFmt = "wl:presence:%s"
	presenceSubFmt = "wl:presence-events:%s"

	// presenceTTL bounds how long a crashed client stays in the member
	// hash; live clients refresh it on every track call.
	presenceTTL = 90 * time.Second

	// syncInterval is how often subscribers rebuild a snapshot even
	// without join/leave traffic.
	syncInterval = 30 * time.Second

	subscriberBuffer = 256
)

type Bus struct {
	rdb *redis.Client
	log logging.Logger
}

var _ bus.Bus = (*Bus)(nil)

// New wraps an existing Redis client.
func New(rdb *redis.Client, log logging.Logger) *Bus {
	if log == nil {
		log = logging.Nop()
	}
	return &Bus{rdb: rdb, log: log}
}

// Open connects to Redis and verifies the connection.
func Open(ctx context.Context, addr, password string, db int, log logging.Logger) (*Bus, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	if err := rdb.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return New(rdb, log), nil
}

type subscription struct {
	pubsub *redis.PubSub
	events chan bus.Event
	once   sync.Once
}

func (s *subscription) Events() <-chan bus.Event { return s.events }

func (s *subscription) Close() error {
	var err error
	s.once.Do(func() {
		// Closing the PubSub closes its message channel, which lets the
		// dispatch goroutine drain and close s.events.
		err = s.pubsub.Close()
	})
	return err
}

func (b *Bus) Subscribe(ctx context.Context, channel string, filter bus.Filter) (bus.Subscription, error) {
	pubsub := b.rdb.Subscribe(ctx, channelPrefix+channel)
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	s := &subscription{
		pubsub: pubsub,
		events: make(chan bus.Event, subscriberBuffer),
	}

	go func() {
		defer close(s.events)
		for msg := range pubsub.Channel() {
			var ev bus.Event
			if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
				b.log.Warn(context.Background(), "dropping malformed bus event",
					"channel", channel, "err", err)
				continue
			}
			if ev.Change != nil && !filter.Matches(ev.Change) {
				continue
			}
			select {
			case s.events <- ev:
			default:
				b.log.Warn(context.Background(), "subscriber lagging, dropping event", "channel", channel)
			}
		}
	}()

	return s, nil
}

func (b *Bus) Publish(ctx context.Context, channel string, ev bus.Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := b.rdb.Publish(ctx, channelPrefix+channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// presenceMessage is the wire form of join/leave notifications.
type presenceMessage struct {
	Type   bus.PresenceEventType `json:"type"`
	Member models.PresenceRecord `json:"member"`
}

func (b *Bus) PresenceTrack(ctx context.Context, channel string, state models.PresenceRecord) error {
	if err := state.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal presence record: %w", err)
	}

	key := fmt.Sprintf(presenceKeyFmt, channel)
	added, err := b.rdb.HSet(ctx, key, state.UserID, payload).Result()
	if err != nil {
		return fmt.Errorf("track presence: %w", err)
	}
	if err := b.rdb.Expire(ctx, key, presenceTTL).Err(); err != nil {
		return fmt.Errorf("refresh presence ttl: %w", err)
	}

	typ := bus.PresenceSync
	if added > 0 {
		typ = bus.PresenceJoin
	}
	return b.publishPresence(ctx, channel, presenceMessage{Type: typ, Member: state})
}

func (b *Bus) PresenceLeave(ctx context.Context, channel, userID string) error {
	key := fmt.Sprintf(presenceKeyFmt, channel)

	record := models.PresenceRecord{UserID: userID, Status: models.PresenceOffline, LastSeen: time.Now().UTC()}
	if raw, err := b.rdb.HGet(ctx, key, userID).Result(); err == nil {
		_ = json.Unmarshal([]byte(raw), &record)
		record.Status = models.PresenceOffline
	}

	if err := b.rdb.HDel(ctx, key, userID).Err(); err != nil {
		return fmt.Errorf("leave presence: %w", err)
	}
	return b.publishPresence(ctx, channel, presenceMessage{Type: bus.PresenceLeave, Member: record})
}

func (b *Bus) publishPresence(ctx context.Context, channel string, msg presenceMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal presence message: %w", err)
	}
	if err := b.rdb.Publish(ctx, fmt.Sprintf(presenceSubFmt, channel), payload).Err(); err != nil {
		return fmt.Errorf("publish presence: %w", err)
	}
	return nil
}

type presenceSubscription struct {
	pubsub *redis.PubSub
	cancel context.CancelFunc
	events chan bus.PresenceEvent
	once   sync.Once
}

func (s *presenceSubscription) Events() <-chan bus.PresenceEvent { return s.events }

func (s *presenceSubscription) Close() error {
	var err error
	s.once.Do(func() {
		s.cancel()
		err = s.pubsub.Close()
	})
	return err
}

func (b *Bus) PresenceSubscribe(ctx context.Context, channel string) (bus.PresenceSubscription, error) {
	pubsub := b.rdb.Subscribe(ctx, fmt.Sprintf(presenceSubFmt, channel))
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe presence %s: %w", channel, err)
	}

	loopCtx, cancel := context.WithCancel(context.Background())
	s := &presenceSubscription{
		pubsub: pubsub,
		cancel: cancel,
		events: make(chan bus.PresenceEvent, subscriberBuffer),
	}

	go b.presenceLoop(loopCtx, channel, s)
	return s, nil
}

// presenceLoop forwards join/leave notifications and follows each one (and
// every syncInterval tick) with an authoritative sync snapshot read from
// the member hash.
func (b *Bus) presenceLoop(ctx context.Context, channel string, s *presenceSubscription) {
	defer close(s.events)

	emit := func(ev bus.PresenceEvent) {
		select {
		case s.events <- ev:
		default:
			b.log.Warn(ctx, "presence subscriber lagging, dropping event", "channel", channel)
		}
	}

	emitSync := func() {
		members, err := b.snapshot(ctx, channel)
		if err != nil {
			if ctx.Err() == nil {
				b.log.Warn(ctx, "presence snapshot failed", "channel", channel, "err", err)
			}
			return
		}
		emit(bus.PresenceEvent{Type: bus.PresenceSync, Members: members})
	}

	emitSync()

	ticker := time.NewTicker(syncInterval)
	defer ticker.Stop()

	msgs := s.pubsub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			emitSync()
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			var pm presenceMessage
			if err := json.Unmarshal([]byte(msg.Payload), &pm); err != nil {
				b.log.Warn(ctx, "dropping malformed presence message", "channel", channel, "err", err)
				continue
			}
			if pm.Type == bus.PresenceJoin || pm.Type == bus.PresenceLeave {
				member := pm.Member
				emit(bus.PresenceEvent{Type: pm.Type, Member: &member})
			}
			emitSync()
		}
	}
}

func (b *Bus) snapshot(ctx context.Context, channel string) ([]models.PresenceRecord, error) {
	raw, err := b.rdb.HGetAll(ctx, fmt.Sprintf(presenceKeyFmt, channel)).Result()
	if err != nil {
		return nil, err
	}
	members := make([]models.PresenceRecord, 0, len(raw))
	for userID, payload := range raw {
		var r models.PresenceRecord
		if err := json.Unmarshal([]byte(payload), &r); err != nil {
			b.log.Warn(ctx, "skipping malformed presence entry", "channel", channel, "user_id", userID)
			continue
		}
		members = append(members, r)
	}
	return members, nil
}
