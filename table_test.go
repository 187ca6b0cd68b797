package persistcache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInstallIfAbsentRefusesDeadEntry(t *testing.T) {
	table := newEntryTable[string, string]()
	now := time.Now()

	ent := newEntry("foo", "bar", &EntryPolicy[string, string]{}, now)
	ent.markEvicted(ReasonRemoved)

	// A lazy fill shares its revived entry across concurrent callers; one
	// losing a race with Remove must not be able to re-install it.
	cur, installed := table.installIfAbsent(ent, nil)
	assert.Nil(t, cur)
	assert.False(t, installed)
	assert.Equal(t, 0, table.len())
}

func TestInstallIfAbsentKeepsExistingEntry(t *testing.T) {
	table := newEntryTable[string, string]()
	now := time.Now()

	first := newEntry("foo", "v1", &EntryPolicy[string, string]{}, now)
	cur, installed := table.installIfAbsent(first, nil)
	require.True(t, installed)
	require.Same(t, first, cur)

	second := newEntry("foo", "v2", &EntryPolicy[string, string]{}, now)
	committed := false
	cur, installed = table.installIfAbsent(second, func() { committed = true })
	assert.False(t, installed)
	assert.Same(t, first, cur)
	assert.False(t, committed, "the commit hook only runs for an actual install")
}
