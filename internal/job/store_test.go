package job

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"git.home.luguber.info/inful/agentbatch/internal/auth"
	derrors "git.home.luguber.info/inful/agentbatch/internal/errors"
)

var (
	alice = &auth.Principal{Username: "alice", UID: 1000, GID: 1000}
	bob   = &auth.Principal{Username: "bob", UID: 1001, GID: 1001}
	root  = &auth.Principal{Username: "root", Admin: true}
)

func TestCreateInitializesRecord(t *testing.T) {
	s := NewStore(nil)
	j := s.Create(alice, "demo", "list files\nand more", Options{PreUpdate: true, TimeoutSeconds: 60})

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, StateCreated, j.State)
	assert.Equal(t, "alice", j.Owner)
	assert.Equal(t, "list files", j.Title)
	assert.False(t, j.CreatedAt.IsZero())
}

func TestGetEnforcesOwnership(t *testing.T) {
	s := NewStore(nil)
	j := s.Create(alice, "demo", "p", Options{})

	_, err := s.Get(j.ID, alice)
	require.NoError(t, err)

	_, err = s.Get(j.ID, bob)
	require.Error(t, err)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryForbidden))

	// Administrators may observe any job.
	_, err = s.Get(j.ID, root)
	require.NoError(t, err)

	_, err = s.Get("nope", alice)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryNotFound))
}

func TestListForDescendingCreation(t *testing.T) {
	s := NewStore(nil)
	a := s.Create(alice, "demo", "first", Options{})
	time.Sleep(2 * time.Millisecond)
	b := s.Create(alice, "demo", "second", Options{})
	s.Create(bob, "demo", "other", Options{})

	got := s.ListFor(alice)
	require.Len(t, got, 2)
	assert.Equal(t, b.ID, got[0].ID)
	assert.Equal(t, a.ID, got[1].ID)

	assert.Len(t, s.ListFor(root), 3)
}

func TestSetStateFollowsDAG(t *testing.T) {
	s := NewStore(nil)
	j := s.Create(alice, "demo", "p", Options{})

	for _, to := range []State{StateQueued, StateStaging, StateGitPulling, StateIndexBuilding, StateRunning, StateCompleted} {
		_, err := s.SetState(j.ID, to, "")
		require.NoError(t, err, "transition to %s", to)
	}

	// Terminal states cannot be left.
	_, err := s.SetState(j.ID, StateCancelled, "")
	require.Error(t, err)
}

func TestSetStateRejectsIllegalEdges(t *testing.T) {
	s := NewStore(nil)
	j := s.Create(alice, "demo", "p", Options{})

	_, err := s.SetState(j.ID, StateRunning, "")
	require.Error(t, err)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryConflict))

	// No state is re-entered.
	_, err = s.SetState(j.ID, StateQueued, "")
	require.NoError(t, err)
	_, err = s.SetState(j.ID, StateQueued, "")
	require.Error(t, err)
}

func TestCancelFromAnyNonTerminal(t *testing.T) {
	s := NewStore(nil)

	for _, prep := range [][]State{
		{},
		{StateQueued},
		{StateQueued, StateStaging},
		{StateQueued, StateStaging, StateGitPulling},
		{StateQueued, StateStaging, StateRunning},
	} {
		j := s.Create(alice, "demo", "p", Options{})
		for _, st := range prep {
			_, err := s.SetState(j.ID, st, "")
			require.NoError(t, err)
		}
		got, err := s.SetState(j.ID, StateCancelled, "user request")
		require.NoError(t, err)
		assert.Equal(t, StateCancelled, got.State)
		assert.NotNil(t, got.CompletedAt)
	}
}

func TestSetStateTimestamps(t *testing.T) {
	s := NewStore(nil)
	j := s.Create(alice, "demo", "p", Options{})

	_, err := s.SetState(j.ID, StateQueued, "")
	require.NoError(t, err)
	got, err := s.SetState(j.ID, StateStaging, "")
	require.NoError(t, err)
	assert.NotNil(t, got.StartedAt)
	assert.Nil(t, got.CompletedAt)

	_, err = s.SetState(j.ID, StateRunning, "")
	require.NoError(t, err)
	got, err = s.SetState(j.ID, StateCompleted, "")
	require.NoError(t, err)
	assert.NotNil(t, got.CompletedAt)
}

func TestMutateBroadcastsToWatchers(t *testing.T) {
	s := NewStore(nil)
	j := s.Create(alice, "demo", "p", Options{})

	ch, cancel := s.Watch(j.ID)
	defer cancel()

	_, err := s.Mutate(j.ID, func(job *Job) {
		code := 0
		job.ExitCode = &code
		job.Output = "done"
	})
	require.NoError(t, err)

	select {
	case got := <-ch:
		assert.Equal(t, "done", got.Output)
	case <-time.After(time.Second):
		t.Fatal("watcher did not receive update")
	}
}

func TestWatcherSeesMonotonicStates(t *testing.T) {
	s := NewStore(nil)
	j := s.Create(alice, "demo", "p", Options{})
	ch, cancel := s.Watch(j.ID)
	defer cancel()

	seq := []State{StateQueued, StateStaging, StateRunning, StateCompleted}
	for _, st := range seq {
		_, err := s.SetState(j.ID, st, "")
		require.NoError(t, err)
	}

	var seen []State
	for len(seen) < len(seq) {
		select {
		case got := <-ch:
			if len(seen) == 0 || seen[len(seen)-1] != got.State {
				seen = append(seen, got.State)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	assert.Equal(t, seq, seen)
}

func TestDeleteRequiresTerminalState(t *testing.T) {
	s := NewStore(nil)
	j := s.Create(alice, "demo", "p", Options{})
	_, err := s.SetState(j.ID, StateQueued, "")
	require.NoError(t, err)

	err = s.Delete(j.ID, alice, false)
	require.Error(t, err)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryConflict))

	// Force path removes regardless (used after termination).
	require.NoError(t, s.Delete(j.ID, alice, true))
	_, err = s.Get(j.ID, alice)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryNotFound))
}

func TestDeleteEnforcesOwnership(t *testing.T) {
	s := NewStore(nil)
	j := s.Create(alice, "demo", "p", Options{})

	err := s.Delete(j.ID, bob, true)
	assert.True(t, derrors.IsCategory(err, derrors.CategoryForbidden))
}

func TestSnapshotCopiesDoNotAlias(t *testing.T) {
	s := NewStore(nil)
	j := s.Create(alice, "demo", "p", Options{})

	got, err := s.Get(j.ID, alice)
	require.NoError(t, err)
	got.Output = "tampered"
	got.State = StateCompleted

	fresh, err := s.Get(j.ID, alice)
	require.NoError(t, err)
	assert.Empty(t, fresh.Output)
	assert.Equal(t, StateCreated, fresh.State)
}

func TestDeriveTitle(t *testing.T) {
	assert.Equal(t, "fix the tests", DeriveTitle("\n\n  fix   the tests  \nmore"))
	assert.Equal(t, "", DeriveTitle("  \n \n"))

	long := make([]rune, 0, 200)
	for i := 0; i < 200; i++ {
		long = append(long, 'x')
	}
	title := DeriveTitle(string(long))
	assert.LessOrEqual(t, len([]rune(title)), 80)
}
