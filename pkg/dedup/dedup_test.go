package dedup

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertReturnsTrueOnlyOnce(t *testing.T) {
	c := New(10, time.Minute, nil)
	assert.True(t, c.Insert("m1"))
	assert.False(t, c.Insert("m1"))
	assert.True(t, c.Seen("m1"))
}

func TestCountCapEvictsOldest(t *testing.T) {
	now := time.Now()
	c := New(2, time.Hour, func() time.Time { return now })

	c.Insert("a")
	now = now.Add(time.Millisecond)
	c.Insert("b")
	now = now.Add(time.Millisecond)
	c.Insert("c") // evicts "a"

	assert.False(t, c.Seen("a"))
	assert.True(t, c.Seen("b"))
	assert.True(t, c.Seen("c"))
	assert.Equal(t, 2, c.Len())
}

func TestAgeEvictsBeforeCountCap(t *testing.T) {
	now := time.Now()
	c := New(100, 10*time.Millisecond, func() time.Time { return now })

	c.Insert("old")
	now = now.Add(20 * time.Millisecond)
	c.Insert("new")

	assert.False(t, c.Seen("old"))
	assert.True(t, c.Seen("new"))
}

func TestStoreSaveAndLoadSeeds(t *testing.T) {
	now := time.Now()
	dbPath := filepath.Join(t.TempDir(), "dedup.db")

	store, err := OpenStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.SaveSeed("seed-1", now))
	require.NoError(t, store.Close())

	store2, err := OpenStore(dbPath)
	require.NoError(t, err)
	defer store2.Close()

	c := New(100, time.Hour, func() time.Time { return now })
	require.NoError(t, store2.LoadSeeds(c))
	assert.True(t, c.Seen("seed-1"))
}

func TestLoadSeedsDropsEntriesOlderThanTTL(t *testing.T) {
	now := time.Now()
	dbPath := filepath.Join(t.TempDir(), "dedup.db")

	store, err := OpenStore(dbPath)
	require.NoError(t, err)
	require.NoError(t, store.SaveSeed("stale", now.Add(-time.Hour)))
	require.NoError(t, store.Close())

	store2, err := OpenStore(dbPath)
	require.NoError(t, err)
	defer store2.Close()

	c := New(100, time.Minute, func() time.Time { return now })
	require.NoError(t, store2.LoadSeeds(c))
	assert.False(t, c.Seen("stale"))
}
