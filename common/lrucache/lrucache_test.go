package lrucache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func intLess(a, b int) bool { return a < b }

func TestLookupAddMiss(t *testing.T) {
	c := New[int, string](4, intLess)
	c.Add(1, "one")

	v, ok := c.Lookup(1, true)
	require.True(t, ok)
	require.Equal(t, "one", v)

	_, ok = c.Lookup(2, true)
	require.False(t, ok)
}

func TestEviction(t *testing.T) {
	c := New[int, string](3, intLess)
	for i := 0; i < 10; i++ {
		c.Add(i, "v")
	}
	require.Equal(t, 3, c.Size())

	_, ok := c.Lookup(0, true)
	require.False(t, ok)
	_, ok = c.Lookup(9, true)
	require.True(t, ok)
}

func TestReorderFlag(t *testing.T) {
	c := New[int, string](2, intLess)
	c.Add(1, "a")
	c.Add(2, "b")

	// Touch 1 without reorder, 1 is still coldest and gets evicted.
	c.Lookup(1, false)
	c.Add(3, "c")
	_, ok := c.Lookup(1, false)
	require.False(t, ok)

	// Touch 2 with reorder, 3 becomes coldest.
	c.Lookup(2, true)
	c.Add(4, "d")
	_, ok = c.Lookup(3, false)
	require.False(t, ok)
	_, ok = c.Lookup(2, false)
	require.True(t, ok)
}

func TestPinSurvivesEviction(t *testing.T) {
	c := New[int, string](2, intLess)
	c.Pin(1, "pinned")
	for i := 10; i < 20; i++ {
		c.Add(i, "v")
	}

	v, ok := c.Lookup(1, true)
	require.True(t, ok)
	require.Equal(t, "pinned", v)
	require.Equal(t, 2, c.Size())
}

func TestClearPinned(t *testing.T) {
	c := New[int, string](8, intLess)
	c.Pin(1, "a")
	c.Pin(2, "b")
	c.Pin(5, "c")

	c.ClearPinned(2)

	// 1 and 2 moved into the LRU, 5 stays pinned.
	require.Equal(t, 2, c.Size())
	_, ok := c.Lookup(5, true)
	require.True(t, ok)
	require.Equal(t, 2, c.Size())

	c.ClearPinned(5)
	require.Equal(t, 3, c.Size())
}

func TestClearPinnedAlreadyCached(t *testing.T) {
	c := New[int, string](2, intLess)
	c.Add(1, "a")
	c.Pin(1, "a")
	c.ClearPinned(1)
	require.Equal(t, 1, c.Size())
}

func TestLastNKeysAndRange(t *testing.T) {
	c := New[int, string](8, intLess)
	for i := 1; i <= 5; i++ {
		c.Add(i, "v")
	}

	// Coldest first.
	require.Equal(t, []int{1, 2, 3}, c.LastNKeys(3))
	require.Equal(t, []int{3, 4}, c.GetRangeKeys(2, 2))
	require.Equal(t, []int{1, 2}, c.GetRangeKeys(-1, 2))
	require.Empty(t, c.GetRangeKeys(10, 2))

	last, ok := c.LastKey()
	require.True(t, ok)
	require.Equal(t, 1, last)
}

func TestSetSizeShrinks(t *testing.T) {
	c := New[int, string](8, intLess)
	for i := 0; i < 8; i++ {
		c.Add(i, "v")
	}
	c.SetSize(2)
	require.Equal(t, 2, c.Size())
}

func TestLookupOrCreate(t *testing.T) {
	c := New[int, string](4, intLess)
	require.Equal(t, "fresh", c.LookupOrCreate(7, "fresh"))
	require.Equal(t, "fresh", c.LookupOrCreate(7, "other"))

	c.Pin(8, "pinned")
	require.Equal(t, "pinned", c.LookupOrCreate(8, "other"))
}
