package bus

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrykh/whisperline/models"
)

func TestFilter_Matches(t *testing.T) {
	row, _ := json.Marshal(map[string]any{"conversation_id": "c1", "id": "m1"})
	ev := &ChangeEvent{Type: EventInsert, Table: "messages", Row: row}

	tests := []struct {
		name   string
		filter Filter
		want   bool
	}{
		{"zero filter matches all", Filter{}, true},
		{"table only", Filter{Table: "messages"}, true},
		{"wrong table", Filter{Table: "profiles"}, false},
		{"column match", Filter{Table: "messages", Column: "conversation_id", Value: "c1"}, true},
		{"column mismatch", Filter{Table: "messages", Column: "conversation_id", Value: "c2"}, false},
		{"missing column", Filter{Column: "nope", Value: "x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.filter.Matches(ev))
		})
	}

	malformed := &ChangeEvent{Type: EventInsert, Table: "messages", Row: json.RawMessage(`{broken`)}
	assert.False(t, Filter{Column: "id", Value: "m1"}.Matches(malformed))
}

func TestDecodeMessage_ValidatesInsertRows(t *testing.T) {
	msg := models.Message{
		ID: "m1", ConversationID: "c1", SenderID: "u1",
		Content: "hi", Status: models.StatusSent, CreatedAt: time.Now(),
	}
	ev := NewChange(EventInsert, "messages", msg)

	got, err := ev.Change.DecodeMessage()
	require.NoError(t, err)
	assert.Equal(t, "m1", got.ID)

	// A row missing required fields is rejected at the boundary.
	bad := NewChange(EventInsert, "messages", models.Message{ID: "m2"})
	_, err = bad.Change.DecodeMessage()
	require.Error(t, err)
}

func TestDecodeMessage_DeleteRowsMayBePartial(t *testing.T) {
	ev := ChangeEvent{Type: EventDelete, Table: "messages", Row: json.RawMessage(`{"id":"m9"}`)}
	got, err := ev.DecodeMessage()
	require.NoError(t, err)
	assert.Equal(t, "m9", got.ID)
}

func TestDecodeParticipantAndConversation(t *testing.T) {
	pEv := NewChange(EventUpdate, "conversation_participants", models.Participant{
		ConversationID: "c1", UserID: "u1", LastReadAt: time.Now(),
	})
	p, err := pEv.Change.DecodeParticipant()
	require.NoError(t, err)
	assert.Equal(t, "u1", p.UserID)

	cEv := NewChange(EventInsert, "conversations", models.Conversation{ID: "c1", CreatedBy: "u1", CreatedAt: time.Now(), UpdatedAt: time.Now()})
	c, err := cEv.Change.DecodeConversation()
	require.NoError(t, err)
	assert.Equal(t, "c1", c.ID)

	garbage := &ChangeEvent{Type: EventInsert, Table: "conversations", Row: json.RawMessage(`[1,2]`)}
	_, err = garbage.DecodeConversation()
	require.Error(t, err)
}
