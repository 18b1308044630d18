package database

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemorySessionStore(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(16, time.Hour)
	base := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 1; i <= 3; i++ {
		require.NoError(t, store.SaveSession(ctx, &SessionRecord{
			SessionID:   fmt.Sprintf("%d", i),
			ClientName:  fmt.Sprintf("client-%d", i),
			ConnectedAt: base.Add(time.Duration(i) * time.Minute),
			Active:      true,
		}))
	}

	record, err := store.GetSession(ctx, "2")
	if err != nil {
		t.Fatal("Except got session 2, but got error")
	}
	assert.Equal(t, "client-2", record.ClientName)

	require.NoError(t, store.DeleteSession(ctx, "1"))
	_, err = store.GetSession(ctx, "1")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, store.DeleteSession(ctx, "1"), ErrNotFound)

	recent, err := store.RecentSessions(ctx, 1)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "3", recent[0].SessionID)
}

func TestMemorySessionStoreCopiesRecords(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(4, 0)
	record := &SessionRecord{SessionID: "a", ClientData: map[string]string{"user": "x"}}
	require.NoError(t, store.SaveSession(ctx, record))

	record.ClientData["user"] = "changed"
	got, err := store.GetSession(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "x", got.ClientData["user"])

	assert.ErrorIs(t, store.SaveSession(ctx, &SessionRecord{}), ErrSessionIDEmpty)
}

func TestMemorySessionStoreEvictsOldest(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore(2, 0)
	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, store.SaveSession(ctx, &SessionRecord{SessionID: id}))
	}
	_, err := store.GetSession(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
	recent, err := store.RecentSessions(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}
