package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLiteAppendAndList(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	base := time.Now()
	for i, to := range []string{"queued", "staging", "running", "completed"} {
		from := "created"
		if i > 0 {
			from = []string{"created", "queued", "staging", "running"}[i]
		}
		require.NoError(t, store.Append(ctx, Transition{
			JobID: "J1", From: from, To: to, At: base.Add(time.Duration(i) * time.Second),
		}))
	}
	require.NoError(t, store.Append(ctx, Transition{JobID: "J2", From: "created", To: "queued", At: base}))

	got, err := store.ListForJob(ctx, "J1")
	require.NoError(t, err)
	require.Len(t, got, 4)
	assert.Equal(t, "queued", got[0].To)
	assert.Equal(t, "completed", got[3].To)

	other, err := store.ListForJob(ctx, "J2")
	require.NoError(t, err)
	assert.Len(t, other, 1)
}

func TestSQLitePruneBefore(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	ctx := context.Background()
	old := time.Now().Add(-48 * time.Hour)
	require.NoError(t, store.Append(ctx, Transition{JobID: "J1", From: "a", To: "b", At: old}))
	require.NoError(t, store.Append(ctx, Transition{JobID: "J1", From: "b", To: "c", At: time.Now()}))

	n, err := store.PruneBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	got, err := store.ListForJob(ctx, "J1")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestBusDeliversToStore(t *testing.T) {
	store, err := NewSQLiteStore(":memory:")
	require.NoError(t, err)
	defer store.Close()

	bus := NewBus(store, nil)
	bus.Publish(Transition{JobID: "J1", From: "created", To: "queued"})
	bus.Publish(Transition{JobID: "J1", From: "queued", To: "staging"})
	bus.Close() // flushes

	got, err := store.ListForJob(context.Background(), "J1")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.False(t, got[0].At.IsZero())
}
