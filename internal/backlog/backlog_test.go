package backlog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sample() *Sprint {
	return &Sprint{
		Initiative: "billing-revamp",
		Created:    time.Date(2026, 1, 10, 0, 0, 0, 0, time.UTC),
		Status:     StatusInProgress,
		Features: []Feature{
			{ID: "f1", Description: "Add invoice model", Passes: true},
			{ID: "f2", Description: "Wire payment webhook", Passes: false},
			{ID: "f3", Description: "Backfill ledger", Passes: false},
		},
	}
}

func TestSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sprint.json")
	st := NewStore(path)

	require.NoError(t, st.Save(sample()))

	loaded, err := st.Load()
	require.NoError(t, err)
	assert.Equal(t, "billing-revamp", loaded.Initiative)
	assert.Len(t, loaded.Features, 3)
	assert.True(t, loaded.Features[0].Passes)
}

func TestLoadMissing(t *testing.T) {
	st := NewStore(filepath.Join(t.TempDir(), "sprint.json"))
	_, err := st.Load()
	assert.ErrorIs(t, err, ErrMissing)
}

func TestLoadDefaultsStatus(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sprint.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"initiative":"x","features":[]}`), 0o644))

	sp, err := NewStore(path).Load()
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, sp.Status)
}

func TestCurrent(t *testing.T) {
	sp := sample()
	cur := sp.Current()
	require.NotNil(t, cur)
	assert.Equal(t, "f2", cur.ID)

	sp.Features[1].Passes = true
	sp.Features[2].Passes = true
	assert.Nil(t, sp.Current())
}

func TestIncompleteAndNewlyPassed(t *testing.T) {
	sp := sample()
	before := sp.Incomplete()
	assert.Equal(t, map[string]bool{"f2": true, "f3": true}, before)

	sp.Features[1].Passes = true
	newly := sp.NewlyPassed(before)
	require.Len(t, newly, 1)
	assert.Equal(t, "f2", newly[0].ID)
}

func TestCompleted(t *testing.T) {
	sp := sample()
	assert.False(t, sp.Completed())

	sp.Features[1].Passes = true
	sp.Features[2].Passes = true
	assert.True(t, sp.Completed())

	empty := &Sprint{Initiative: "none"}
	assert.False(t, empty.Completed(), "an empty sprint is not complete")
}

func TestRevert(t *testing.T) {
	sp := sample()
	sp.Features[1].Passes = true
	sp.Features[2].Passes = true
	sp.Status = StatusCompleted

	sp.Revert([]string{"f2", "f3"})

	assert.False(t, sp.Features[1].Passes)
	assert.False(t, sp.Features[2].Passes)
	assert.True(t, sp.Features[0].Passes, "untouched feature keeps its flag")
	assert.Equal(t, StatusInProgress, sp.Status)
}

func TestRevertNoIDsKeepsStatus(t *testing.T) {
	sp := sample()
	sp.Status = StatusCompleted
	sp.Revert(nil)
	assert.Equal(t, StatusCompleted, sp.Status)
}
