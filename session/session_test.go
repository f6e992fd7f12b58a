package session

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret")

func TestTokenRoundtrip(t *testing.T) {
	token, err := GenerateToken("alice", secret, time.Hour)
	require.NoError(t, err)

	s, err := FromToken(token, secret)
	require.NoError(t, err)
	assert.Equal(t, "alice", s.UserID())
	assert.True(t, s.Valid())
}

func TestFromToken_RejectsWrongSecret(t *testing.T) {
	token, err := GenerateToken("alice", secret, time.Hour)
	require.NoError(t, err)

	_, err = FromToken(token, []byte("other-secret"))
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestFromToken_RejectsExpired(t *testing.T) {
	token, err := GenerateToken("alice", secret, -time.Minute)
	require.NoError(t, err)

	_, err = FromToken(token, secret)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestFromToken_RejectsGarbage(t *testing.T) {
	_, err := FromToken("not.a.token", secret)
	require.ErrorIs(t, err, ErrInvalidToken)
}

func TestGenerateToken_RequiresUserID(t *testing.T) {
	_, err := GenerateToken("", secret, time.Hour)
	require.ErrorIs(t, err, ErrInvalidToken)
}
