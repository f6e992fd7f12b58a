package directory

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrykh/whisperline/bus"
	"github.com/dmitrykh/whisperline/bus/membus"
	"github.com/dmitrykh/whisperline/chat"
	"github.com/dmitrykh/whisperline/models"
	"github.com/dmitrykh/whisperline/storage/memory"
)

type fixedPresence map[string]models.PresenceStatus

func (p fixedPresence) Status(userID string) models.PresenceStatus {
	if s, ok := p[userID]; ok {
		return s
	}
	return models.PresenceOffline
}

func seedConversation(t *testing.T, store *memory.Store, id string, isGroup bool, name string, at time.Time, members ...string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, store.Conversations().Create(ctx, &models.Conversation{
		ID: id, Name: name, IsGroup: isGroup, CreatedBy: members[0],
		CreatedAt: at, UpdatedAt: at,
	}))
	for _, m := range members {
		require.NoError(t, store.Participants().Add(ctx, &models.Participant{
			ConversationID: id, UserID: m,
		}))
	}
}

func seedMessage(t *testing.T, store *memory.Store, id, convID, sender, content string, at time.Time) {
	t.Helper()
	require.NoError(t, store.Messages().Insert(context.Background(), &models.Message{
		ID: id, ConversationID: convID, SenderID: sender, Content: content,
		Status: models.StatusSent, CreatedAt: at, UpdatedAt: at,
	}))
}

func TestList_NamesBadgesAndOrdering(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	store.SeedProfile(models.Profile{ID: "bob", Name: "Bob Odenkirk", UpdatedAt: base})

	seedConversation(t, store, "direct", false, "", base, "alice", "bob")
	seedConversation(t, store, "group", true, "book club", base.Add(time.Minute), "alice", "bob", "carol")
	seedMessage(t, store, "m1", "direct", "bob", "hey", base.Add(30*time.Minute))

	d := New("alice", store, membus.New(), fixedPresence{"bob": models.PresenceAway}, nil)
	entries, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 2)

	// The direct chat has the newest message and sorts first.
	direct, group := entries[0], entries[1]
	assert.Equal(t, "direct", direct.Conversation.ID)
	assert.Equal(t, "Bob Odenkirk", direct.DisplayName)
	assert.Equal(t, "bob", direct.Counterparty)
	assert.Equal(t, models.PresenceAway, direct.CounterpartyStatus)
	assert.Equal(t, "hey", direct.Preview())
	assert.Equal(t, 1, direct.Unread)

	// The empty group falls back to updated_at and its own name.
	assert.Equal(t, "group", group.Conversation.ID)
	assert.Equal(t, "book club", group.DisplayName)
	assert.Empty(t, group.Counterparty)
	assert.Nil(t, group.LastMessage)
	assert.Empty(t, group.Preview())
	assert.Equal(t, base.Add(time.Minute), group.LastActivity)
}

func TestList_UnreadFollowsReadCursor(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	seedConversation(t, store, "c1", false, "", base, "alice", "bob")
	seedMessage(t, store, "m1", "c1", "bob", "one", base.Add(time.Minute))
	seedMessage(t, store, "m2", "c1", "bob", "two", base.Add(2*time.Minute))
	seedMessage(t, store, "mine", "c1", "alice", "mine", base.Add(3*time.Minute))

	d := New("alice", store, membus.New(), nil, nil)

	entries, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, 2, entries[0].Unread, "own messages never count as unread")

	require.NoError(t, store.Participants().UpdateLastRead(ctx, "c1", "alice", base.Add(time.Minute)))
	entries, err = d.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, entries[0].Unread)

	require.NoError(t, store.Participants().UpdateLastRead(ctx, "c1", "alice", time.Now().UTC()))
	entries, err = d.List(ctx)
	require.NoError(t, err)
	assert.Zero(t, entries[0].Unread)
}

func TestList_EncryptedPreviewShowsPlaceholder(t *testing.T) {
	store := memory.New()
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	seedConversation(t, store, "c1", false, "", base, "alice", "bob")
	require.NoError(t, store.Messages().Insert(ctx, &models.Message{
		ID: "m1", ConversationID: "c1", SenderID: "bob",
		EncryptedContent: "b64-ciphertext", Status: models.StatusSent,
		CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute),
	}))

	d := New("alice", store, membus.New(), nil, nil)
	entries, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "This message is encrypted.", entries[0].Preview())
}

func TestList_MissingProfileFallsBackToUserID(t *testing.T) {
	store := memory.New()
	base := time.Now().UTC()
	seedConversation(t, store, "c1", false, "", base, "alice", "bob")

	d := New("alice", store, membus.New(), nil, nil)
	entries, err := d.List(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "bob", entries[0].DisplayName)
	assert.Equal(t, models.PresenceOffline, entries[0].CounterpartyStatus)
}

func TestWatch_FiresOnTraffic(t *testing.T) {
	store := memory.New()
	b := membus.New()
	ctx := context.Background()
	base := time.Now().UTC()
	seedConversation(t, store, "c1", false, "", base, "alice", "bob")

	var fired atomic.Int32
	d := New("alice", store, b, nil, nil)
	d.SetOnChange(func() { fired.Add(1) })
	require.NoError(t, d.Watch(ctx))
	defer d.Close()

	msg := models.Message{
		ID: "m1", ConversationID: "c1", SenderID: "bob", Content: "ping",
		Status: models.StatusSent, CreatedAt: base, UpdatedAt: base,
	}
	require.NoError(t, b.Publish(ctx, bus.ConversationChannel("c1"), bus.NewChange(bus.EventInsert, "messages", msg)))

	require.Eventually(t, func() bool { return fired.Load() == 1 }, time.Second, 5*time.Millisecond)

	// Ephemeral signals do not reorder the list.
	require.NoError(t, b.Publish(ctx, bus.ConversationChannel("c1"), bus.Event{Signal: &bus.Signal{
		Kind: bus.SignalTyping, ConversationID: "c1", UserID: "bob", At: base,
	}}))
	msg.ID = "m2"
	require.NoError(t, b.Publish(ctx, bus.ConversationChannel("c1"), bus.NewChange(bus.EventInsert, "messages", msg)))
	require.Eventually(t, func() bool { return fired.Load() == 2 }, time.Second, 5*time.Millisecond)

	// Watch again picks up conversations created in the meantime.
	seedConversation(t, store, "c2", false, "", base, "alice", "carol")
	require.NoError(t, d.Watch(ctx))
	msg.ID, msg.ConversationID, msg.SenderID = "m3", "c2", "carol"
	require.NoError(t, b.Publish(ctx, bus.ConversationChannel("c2"), bus.NewChange(bus.EventInsert, "messages", msg)))
	require.Eventually(t, func() bool { return fired.Load() == 3 }, time.Second, 5*time.Millisecond)

	require.NoError(t, d.Close())
}

func TestWatch_LearnsAboutNewConversations(t *testing.T) {
	store := memory.New()
	b := membus.New()
	ctx := context.Background()

	var fired atomic.Int32
	d := New("alice", store, b, nil, nil)
	d.SetOnChange(func() { fired.Add(1) })
	require.NoError(t, d.Watch(ctx))
	defer d.Close()

	// A counterparty opens a conversation with alice after she started
	// watching.
	bob := chat.New("bob", store, nil, b, nil, nil)
	convID, err := bob.StartConversation(ctx, "alice")
	require.NoError(t, err)

	// The membership announcement alone moves the list.
	require.Eventually(t, func() bool { return fired.Load() >= 1 }, time.Second, 5*time.Millisecond)

	entries, err := d.List(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, convID, entries[0].Conversation.ID)

	// The new conversation's traffic is watched without another Watch call.
	require.NoError(t, bob.Open(ctx, convID))
	defer bob.CloseConversation()
	before := fired.Load()
	_, err = bob.Send(ctx, "hi alice", 0)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return fired.Load() > before }, time.Second, 5*time.Millisecond)
}
