package membus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrykh/whisperline/bus"
	"github.com/dmitrykh/whisperline/models"
)

func recvEvent(t *testing.T, ch <-chan bus.Event) bus.Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
		return bus.Event{}
	}
}

func recvPresence(t *testing.T, ch <-chan bus.PresenceEvent) bus.PresenceEvent {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for presence event")
		return bus.PresenceEvent{}
	}
}

func TestPublish_DeliversInFIFOOrder(t *testing.T) {
	b := New()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "messages-c1", bus.Filter{})
	require.NoError(t, err)
	defer sub.Close()

	for i, id := range []string{"m1", "m2", "m3"} {
		msg := models.Message{
			ID: id, ConversationID: "c1", SenderID: "u1",
			Content: "x", Status: models.StatusSent,
			CreatedAt: time.Now().Add(time.Duration(i) * time.Millisecond),
		}
		require.NoError(t, b.Publish(ctx, "messages-c1", bus.NewChange(bus.EventInsert, "messages", msg)))
	}

	for _, want := range []string{"m1", "m2", "m3"} {
		ev := recvEvent(t, sub.Events())
		require.NotNil(t, ev.Change)
		m, err := ev.Change.DecodeMessage()
		require.NoError(t, err)
		assert.Equal(t, want, m.ID)
	}
}

func TestPublish_RespectsFilter(t *testing.T) {
	b := New()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "messages", bus.Filter{Table: "messages", Column: "conversation_id", Value: "c1"})
	require.NoError(t, err)
	defer sub.Close()

	other := models.Message{ID: "mx", ConversationID: "c2", SenderID: "u1", Content: "x", Status: models.StatusSent, CreatedAt: time.Now()}
	mine := models.Message{ID: "my", ConversationID: "c1", SenderID: "u1", Content: "x", Status: models.StatusSent, CreatedAt: time.Now()}
	require.NoError(t, b.Publish(ctx, "messages", bus.NewChange(bus.EventInsert, "messages", other)))
	require.NoError(t, b.Publish(ctx, "messages", bus.NewChange(bus.EventInsert, "messages", mine)))

	ev := recvEvent(t, sub.Events())
	m, err := ev.Change.DecodeMessage()
	require.NoError(t, err)
	assert.Equal(t, "my", m.ID, "filtered-out conversation must not be delivered")
}

func TestSubscription_CloseStopsDeliveryAndIsIdempotent(t *testing.T) {
	b := New()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, "ch", bus.Filter{})
	require.NoError(t, err)
	require.NoError(t, sub.Close())
	require.NoError(t, sub.Close())

	_, open := <-sub.Events()
	assert.False(t, open, "events channel must be closed")

	// Publishing after close must not panic.
	require.NoError(t, b.Publish(ctx, "ch", bus.Event{Signal: &bus.Signal{Kind: bus.SignalTyping, UserID: "u1", At: time.Now()}}))
}

func TestPublish_ConcurrentWithCloseDoesNotPanic(t *testing.T) {
	b := New()
	ctx := context.Background()
	ev := bus.Event{Signal: &bus.Signal{Kind: bus.SignalTyping, UserID: "u1", At: time.Now()}}

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
					require.NoError(t, b.Publish(ctx, "ch", ev))
				}
			}
		}()
	}

	// Churn subscriptions against the publishers; a send on a channel that
	// Close just closed would panic the process.
	for i := 0; i < 5000; i++ {
		sub, err := b.Subscribe(ctx, "ch", bus.Filter{})
		require.NoError(t, err)
		require.NoError(t, sub.Close())
	}
	close(stop)
	wg.Wait()
}

func TestPresence_TrackLeaveAndSync(t *testing.T) {
	b := New()
	ctx := context.Background()

	psub, err := b.PresenceSubscribe(ctx, "online-users")
	require.NoError(t, err)
	defer psub.Close()

	first := recvPresence(t, psub.Events())
	require.Equal(t, bus.PresenceSync, first.Type)
	assert.Empty(t, first.Members)

	require.NoError(t, b.PresenceTrack(ctx, "online-users", models.PresenceRecord{
		UserID: "alice", Status: models.PresenceOnline, LastSeen: time.Now(),
	}))

	join := recvPresence(t, psub.Events())
	require.Equal(t, bus.PresenceJoin, join.Type)
	assert.Equal(t, "alice", join.Member.UserID)

	sync := recvPresence(t, psub.Events())
	require.Equal(t, bus.PresenceSync, sync.Type)
	require.Len(t, sync.Members, 1)

	// Re-tracking the same user is a state change, not another join.
	require.NoError(t, b.PresenceTrack(ctx, "online-users", models.PresenceRecord{
		UserID: "alice", Status: models.PresenceAway, LastSeen: time.Now(),
	}))
	sync = recvPresence(t, psub.Events())
	require.Equal(t, bus.PresenceSync, sync.Type)
	assert.Equal(t, models.PresenceAway, sync.Members[0].Status)

	require.NoError(t, b.PresenceLeave(ctx, "online-users", "alice"))
	leave := recvPresence(t, psub.Events())
	require.Equal(t, bus.PresenceLeave, leave.Type)
	assert.Equal(t, models.PresenceOffline, leave.Member.Status)

	sync = recvPresence(t, psub.Events())
	require.Equal(t, bus.PresenceSync, sync.Type)
	assert.Empty(t, sync.Members)
}

func TestPresenceTrack_RejectsInvalidRecord(t *testing.T) {
	b := New()
	err := b.PresenceTrack(context.Background(), "online-users", models.PresenceRecord{UserID: "u1", Status: "napping"})
	require.Error(t, err)
}
