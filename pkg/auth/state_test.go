package auth

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oriole-systems/toolhub/pkg/apperrors"
)

func TestStateStore_SingleUse(t *testing.T) {
	store := NewStateStore(time.Minute)

	token, err := store.Issue("payload")
	require.NoError(t, err)
	require.NotEmpty(t, token)

	payload, err := store.Consume(token)
	require.NoError(t, err)
	assert.Equal(t, "payload", payload)

	// Second consume fails: the token is gone.
	_, err = store.Consume(token)
	assert.Equal(t, apperrors.KindAuthStateExpired, apperrors.KindOf(err))
}

func TestStateStore_Expiry(t *testing.T) {
	store := NewStateStore(time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }

	token, err := store.Issue("payload")
	require.NoError(t, err)

	now = now.Add(2 * time.Minute)

	_, err = store.Consume(token)
	assert.Equal(t, apperrors.KindAuthStateExpired, apperrors.KindOf(err))
}

func TestStateStore_UnknownToken(t *testing.T) {
	store := NewStateStore(0)

	_, err := store.Consume("deadbeef")
	assert.Equal(t, apperrors.KindAuthStateExpired, apperrors.KindOf(err))
}

func TestStateStore_SweepOnIssue(t *testing.T) {
	store := NewStateStore(time.Minute)
	now := time.Now()
	store.now = func() time.Time { return now }

	for i := 0; i < 5; i++ {
		_, err := store.Issue(i)
		require.NoError(t, err)
	}
	require.Len(t, store.entries, 5)

	now = now.Add(2 * time.Minute)
	_, err := store.Issue("fresh")
	require.NoError(t, err)

	// Only the fresh entry survives the sweep.
	assert.Len(t, store.entries, 1)
}
