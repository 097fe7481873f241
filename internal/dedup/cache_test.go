package dedup

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSessionCacheEvictsOldestTenth(t *testing.T) {
	t.Parallel()

	c := NewSessionCache(20)
	for i := 0; i < 20; i++ {
		c.Add(fmt.Sprintf("id-%02d", i))
	}
	require.Equal(t, 20, c.Len())

	c.Add("id-20")
	require.Equal(t, 19, c.Len(), "two oldest evicted, one added")
	require.False(t, c.Contains("id-00"))
	require.False(t, c.Contains("id-01"))
	require.True(t, c.Contains("id-02"))
	require.True(t, c.Contains("id-20"))
}

func TestSessionCacheReAddKeepsPosition(t *testing.T) {
	t.Parallel()

	c := NewSessionCache(10)
	for i := 0; i < 10; i++ {
		c.Add(fmt.Sprintf("id-%d", i))
	}
	c.Add("id-0")
	require.Equal(t, 10, c.Len())

	c.Add("id-new")
	require.False(t, c.Contains("id-0"), "re-adding must not refresh insertion order")
	require.True(t, c.Contains("id-1"))
}

func TestSessionCacheSmallCapacityEvictsAtLeastOne(t *testing.T) {
	t.Parallel()

	c := NewSessionCache(1)
	c.Add("a")
	c.Add("b")
	require.Equal(t, 1, c.Len())
	require.False(t, c.Contains("a"))
	require.True(t, c.Contains("b"))
}

func TestSessionCacheDefaultCapacity(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultCacheSize, NewSessionCache(0).Capacity())
}

func TestSessionCacheNeverExceedsCapacity(t *testing.T) {
	t.Parallel()

	c := NewSessionCache(1000)
	for i := 0; i < 5000; i++ {
		c.Add(fmt.Sprintf("%013d", i))
		require.LessOrEqual(t, c.Len(), 1000)
	}
	require.True(t, c.Contains(fmt.Sprintf("%013d", 4999)))
}
