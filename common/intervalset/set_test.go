package intervalset

import (
	"testing"

	"github.com/cubefs/ecstore/proto"
	"github.com/stretchr/testify/require"
)

func extents(s *Set) []proto.Extent {
	return s.Extents()
}

func TestInsertMerging(t *testing.T) {
	s := New()
	s.Insert(0, 10)
	s.Insert(20, 10)
	require.Equal(t, 2, s.NumIntervals())
	require.Equal(t, uint64(20), s.Size())

	// Overlap bridges both.
	s.Insert(5, 20)
	require.Equal(t, 1, s.NumIntervals())
	require.Equal(t, []proto.Extent{{Off: 0, Len: 30}}, extents(s))

	// Adjacent intervals merge too.
	s.Insert(30, 5)
	require.Equal(t, 1, s.NumIntervals())
	require.Equal(t, uint64(35), s.Size())

	s.Insert(40, 0)
	require.Equal(t, 1, s.NumIntervals())
}

func TestEraseSplits(t *testing.T) {
	s := New()
	s.Insert(0, 100)
	s.Erase(40, 20)
	require.Equal(t, []proto.Extent{{Off: 0, Len: 40}, {Off: 60, Len: 40}}, extents(s))
	require.Equal(t, uint64(80), s.Size())

	// Erase across a hole trims both sides.
	s.Erase(30, 40)
	require.Equal(t, []proto.Extent{{Off: 0, Len: 30}, {Off: 70, Len: 30}}, extents(s))

	// Erasing absent bytes is a no-op.
	s.Erase(30, 40)
	require.Equal(t, uint64(60), s.Size())
}

func TestContainsIntersects(t *testing.T) {
	s := New()
	s.Insert(10, 10)
	s.Insert(30, 10)

	require.True(t, s.Contains(10, 10))
	require.True(t, s.Contains(12, 5))
	require.False(t, s.Contains(15, 10))
	require.False(t, s.Contains(10, 30))

	require.True(t, s.Intersects(15, 10))
	require.True(t, s.Intersects(0, 11))
	require.False(t, s.Intersects(20, 10))
	require.False(t, s.Intersects(0, 10))
}

func TestRangeEndsAndStartsAfter(t *testing.T) {
	s := New()
	s.Insert(5, 10)
	s.Insert(20, 5)

	require.Equal(t, uint64(5), s.RangeStart())
	require.Equal(t, uint64(25), s.RangeEnd())
	require.True(t, s.StartsAfter(5))
	require.False(t, s.StartsAfter(20))

	end, ok := s.EndAfter(7)
	require.True(t, ok)
	require.Equal(t, uint64(15), end)
	_, ok = s.EndAfter(15)
	require.False(t, ok)
}

func TestSetAlgebra(t *testing.T) {
	a := New()
	a.Insert(0, 10)
	a.Insert(20, 10)

	b := New()
	b.Insert(5, 20)

	i := a.Intersection(b)
	require.Equal(t, []proto.Extent{{Off: 5, Len: 5}, {Off: 20, Len: 5}}, extents(i))
	require.True(t, i.SubsetOf(a))
	require.True(t, i.SubsetOf(b))

	a.Union(b)
	require.Equal(t, []proto.Extent{{Off: 0, Len: 30}}, extents(a))

	a.Subtract(b)
	require.Equal(t, []proto.Extent{{Off: 0, Len: 5}, {Off: 25, Len: 5}}, extents(a))
}

func TestSpanOfSkipsHoles(t *testing.T) {
	other := New()
	other.Insert(5, 5)
	other.Insert(20, 5)

	s := New()
	s.Insert(100, 1)
	s.SpanOf(other, 8, 5)
	require.Equal(t, []proto.Extent{{Off: 8, Len: 2}, {Off: 20, Len: 3}}, extents(s))
	require.Equal(t, uint64(5), s.Size())
}

func TestEqualAndClear(t *testing.T) {
	a := New()
	a.Insert(0, 5)
	a.Insert(10, 5)
	b := FromExtents(a.Extents())
	require.True(t, a.Equal(b))

	b.Insert(20, 1)
	require.False(t, a.Equal(b))

	a.Clear()
	require.True(t, a.Empty())
	require.Equal(t, uint64(0), a.Size())
}

func TestBoundedExactUnderCap(t *testing.T) {
	b := NewBounded()
	for i := 0; i < proto.MaxNumIntervals; i++ {
		b.Insert(uint64(i)*10, 5)
	}
	require.Equal(t, proto.MaxNumIntervals, b.NumIntervals())
	require.Equal(t, uint64(5*proto.MaxNumIntervals), b.Size())
}

func TestBoundedDropsShortest(t *testing.T) {
	b := NewBounded()
	for i := 0; i < proto.MaxNumIntervals; i++ {
		b.Insert(uint64(i)*100, 10)
	}
	// One more, shorter than the rest, gets dropped by the cap.
	b.Insert(5000, 3)
	require.Equal(t, proto.MaxNumIntervals, b.NumIntervals())
	require.False(t, b.Intersects(5000, 3))
	require.True(t, b.Contains(0, 10))
}

func TestBoundedNeverExceedsCap(t *testing.T) {
	b := NewBounded()
	for i := 0; i < 100; i++ {
		b.Insert(uint64(i)*7, 3)
		require.LessOrEqual(t, b.NumIntervals(), proto.MaxNumIntervals)
	}

	// Erasing the middle of each interval can double the count before
	// the trim kicks in; the cap still holds afterwards.
	b.Each(func(start, length uint64) bool {
		return true
	})
	snapshot := b.Extents()
	for _, x := range snapshot {
		if x.Len >= 2 {
			b.Erase(x.Off+x.Len/2, 1)
		}
		require.LessOrEqual(t, b.NumIntervals(), proto.MaxNumIntervals)
	}
}

func TestBoundedSpanOf(t *testing.T) {
	other := New()
	for i := 0; i < 30; i++ {
		other.Insert(uint64(i)*10, 5)
	}

	b := NewBounded()
	b.SpanOf(other, 0, 200)
	require.LessOrEqual(t, b.NumIntervals(), proto.MaxNumIntervals)
	require.LessOrEqual(t, b.Size(), uint64(200))
}
