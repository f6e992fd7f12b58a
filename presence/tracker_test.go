package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrykh/whisperline/bus"
	"github.com/dmitrykh/whisperline/bus/membus"
	"github.com/dmitrykh/whisperline/models"
)

type statusMirror struct {
	mu      sync.Mutex
	updates []models.PresenceStatus
	fail    bool
}

func (m *statusMirror) GetByID(context.Context, string) (*models.Profile, error) { return nil, nil }
func (m *statusMirror) ListByIDs(context.Context, []string) (map[string]*models.Profile, error) {
	return nil, nil
}

func (m *statusMirror) UpdateStatus(_ context.Context, _ string, status models.PresenceStatus, _ time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return assert.AnError
	}
	m.updates = append(m.updates, status)
	return nil
}

func (m *statusMirror) recorded() []models.PresenceStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]models.PresenceStatus(nil), m.updates...)
}

func TestTracker_StartAndObserve(t *testing.T) {
	b := membus.New()
	ctx := context.Background()

	alice := New(b, nil, nil)
	require.NoError(t, alice.Start(ctx, "alice"))
	defer alice.Stop(ctx)

	bob := New(b, nil, nil)
	require.NoError(t, bob.Start(ctx, "bob"))
	defer bob.Stop(ctx)

	require.Eventually(t, func() bool {
		return alice.IsOnline("bob") && bob.IsOnline("alice")
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, models.PresenceOnline, alice.Status("bob"))
	assert.Equal(t, models.PresenceOffline, alice.Status("stranger"))
}

func TestTracker_StartIsIdempotent(t *testing.T) {
	b := membus.New()
	ctx := context.Background()

	tr := New(b, nil, nil)
	require.NoError(t, tr.Start(ctx, "alice"))
	defer tr.Stop(ctx)

	require.NoError(t, tr.Start(ctx, "alice"))
	require.Error(t, tr.Start(ctx, "bob"), "one tracker serves one user")
}

func TestTracker_UpdateStatusMirrorsToProfile(t *testing.T) {
	b := membus.New()
	mirror := &statusMirror{}
	ctx := context.Background()

	tr := New(b, mirror, nil)
	require.NoError(t, tr.Start(ctx, "alice"))
	defer tr.Stop(ctx)

	observer := New(b, nil, nil)
	require.NoError(t, observer.Start(ctx, "bob"))
	defer observer.Stop(ctx)

	require.NoError(t, tr.UpdateStatus(ctx, models.PresenceAway))

	require.Eventually(t, func() bool {
		return observer.Status("alice") == models.PresenceAway
	}, time.Second, 5*time.Millisecond)
	assert.Contains(t, mirror.recorded(), models.PresenceAway)

	require.Error(t, tr.UpdateStatus(ctx, "sleeping"))
}

func TestTracker_MirrorFailureDoesNotBlockStatus(t *testing.T) {
	b := membus.New()
	mirror := &statusMirror{fail: true}
	ctx := context.Background()

	tr := New(b, mirror, nil)
	require.NoError(t, tr.Start(ctx, "alice"))
	defer tr.Stop(ctx)

	// The channel entry is the source of truth; a failed row mirror is
	// logged and swallowed.
	require.NoError(t, tr.UpdateStatus(ctx, models.PresenceBusy))
}

func TestTracker_StopRemovesFromChannel(t *testing.T) {
	b := membus.New()
	ctx := context.Background()

	alice := New(b, nil, nil)
	require.NoError(t, alice.Start(ctx, "alice"))

	bob := New(b, nil, nil)
	require.NoError(t, bob.Start(ctx, "bob"))
	defer bob.Stop(ctx)

	require.Eventually(t, func() bool { return bob.IsOnline("alice") }, time.Second, 5*time.Millisecond)

	require.NoError(t, alice.Stop(ctx))
	require.Eventually(t, func() bool { return !bob.IsOnline("alice") }, time.Second, 5*time.Millisecond)

	require.NoError(t, alice.Stop(ctx), "stop is idempotent")
}

// scriptedBus delivers a fixed presence event sequence, bypassing any
// backend ordering guarantees.
type scriptedBus struct {
	bus.Bus
	events chan bus.PresenceEvent
}

type scriptedSub struct {
	events chan bus.PresenceEvent
	once   sync.Once
}

func (s *scriptedSub) Events() <-chan bus.PresenceEvent { return s.events }
func (s *scriptedSub) Close() error {
	s.once.Do(func() { close(s.events) })
	return nil
}

func (b *scriptedBus) PresenceSubscribe(context.Context, string) (bus.PresenceSubscription, error) {
	return &scriptedSub{events: b.events}, nil
}

func (b *scriptedBus) PresenceTrack(context.Context, string, models.PresenceRecord) error {
	return nil
}

func (b *scriptedBus) PresenceLeave(context.Context, string, string) error { return nil }

func TestTracker_StaleNotificationsLoseToSync(t *testing.T) {
	script := &scriptedBus{events: make(chan bus.PresenceEvent, 8)}
	ctx := context.Background()

	tr := New(script, nil, nil)
	require.NoError(t, tr.Start(ctx, "me"))

	synced := time.Now().UTC()
	script.events <- bus.PresenceEvent{Type: bus.PresenceSync, Members: []models.PresenceRecord{
		{UserID: "alice", Status: models.PresenceOnline, LastSeen: synced},
	}}
	require.Eventually(t, func() bool { return tr.IsOnline("alice") }, time.Second, 5*time.Millisecond)

	// A leave emitted before the snapshot arrives late; the fresher synced
	// state must win.
	script.events <- bus.PresenceEvent{Type: bus.PresenceLeave, Member: &models.PresenceRecord{
		UserID: "alice", Status: models.PresenceOffline, LastSeen: synced.Add(-time.Minute),
	}}
	// A stale join must not resurrect an older status either.
	script.events <- bus.PresenceEvent{Type: bus.PresenceJoin, Member: &models.PresenceRecord{
		UserID: "alice", Status: models.PresenceBusy, LastSeen: synced.Add(-time.Hour),
	}}
	script.events <- bus.PresenceEvent{Type: bus.PresenceJoin, Member: &models.PresenceRecord{
		UserID: "carol", Status: models.PresenceOnline, LastSeen: synced,
	}}
	require.Eventually(t, func() bool { return tr.IsOnline("carol") }, time.Second, 5*time.Millisecond)

	assert.Equal(t, models.PresenceOnline, tr.Status("alice"))

	// A leave newer than the synced entry is honored.
	script.events <- bus.PresenceEvent{Type: bus.PresenceLeave, Member: &models.PresenceRecord{
		UserID: "alice", Status: models.PresenceOffline, LastSeen: synced.Add(time.Minute),
	}}
	require.Eventually(t, func() bool { return !tr.IsOnline("alice") }, time.Second, 5*time.Millisecond)

	require.NoError(t, tr.Stop(ctx))
}
