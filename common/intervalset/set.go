// Copyright 2023 The CubeFS Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or
// implied. See the License for the specific language governing
// permissions and limitations under the License.

// Package intervalset keeps sets of non-overlapping [start, start+len)
// byte ranges, keyed by interval start.
package intervalset

import (
	"github.com/cubefs/cubefs/util/btree"
	"github.com/cubefs/ecstore/proto"
)

type interval struct {
	start  uint64
	length uint64
}

func (i *interval) end() uint64 {
	return i.start + i.length
}

func (i *interval) Less(than btree.Item) bool {
	return i.start < than.(*interval).start
}

func (i *interval) Copy() btree.Item {
	c := *i
	return &c
}

type Set struct {
	tree *btree.BTree
	size uint64
}

func New() *Set {
	return &Set{tree: btree.New(8)}
}

func FromExtents(xs []proto.Extent) *Set {
	s := New()
	for _, x := range xs {
		s.Insert(x.Off, x.Len)
	}
	return s
}

// Insert adds [start, start+length), merging overlapping and adjacent
// intervals.
func (s *Set) Insert(start, length uint64) {
	if length == 0 {
		return
	}
	newStart, newEnd := start, start+length
	var doomed []*interval
	s.tree.DescendLessOrEqual(&interval{start: newEnd}, func(item btree.Item) bool {
		iv := item.(*interval)
		if iv.end() < newStart {
			return false
		}
		doomed = append(doomed, iv)
		return true
	})
	for _, iv := range doomed {
		s.tree.Delete(iv)
		s.size -= iv.length
		if iv.start < newStart {
			newStart = iv.start
		}
		if iv.end() > newEnd {
			newEnd = iv.end()
		}
	}
	s.tree.ReplaceOrInsert(&interval{start: newStart, length: newEnd - newStart})
	s.size += newEnd - newStart
}

// Erase removes whatever part of [start, start+length) is present.
func (s *Set) Erase(start, length uint64) {
	if length == 0 {
		return
	}
	end := start + length
	var doomed []*interval
	s.tree.DescendLessOrEqual(&interval{start: end}, func(item btree.Item) bool {
		iv := item.(*interval)
		if iv.end() <= start {
			return false
		}
		if iv.start < end {
			doomed = append(doomed, iv)
		}
		return true
	})
	for _, iv := range doomed {
		s.tree.Delete(iv)
		s.size -= iv.length
		if iv.start < start {
			left := &interval{start: iv.start, length: start - iv.start}
			s.tree.ReplaceOrInsert(left)
			s.size += left.length
		}
		if iv.end() > end {
			right := &interval{start: end, length: iv.end() - end}
			s.tree.ReplaceOrInsert(right)
			s.size += right.length
		}
	}
}

// Contains reports whether [start, start+length) is fully covered by
// a single interval.
func (s *Set) Contains(start, length uint64) bool {
	found := false
	s.tree.DescendLessOrEqual(&interval{start: start}, func(item btree.Item) bool {
		iv := item.(*interval)
		found = iv.end() >= start+length
		return false
	})
	return found
}

func (s *Set) Intersects(start, length uint64) bool {
	end := start + length
	hit := false
	s.tree.DescendLessOrEqual(&interval{start: end}, func(item btree.Item) bool {
		iv := item.(*interval)
		if iv.end() <= start {
			return false
		}
		if iv.start < end {
			hit = true
			return false
		}
		return true
	})
	return hit
}

func (s *Set) NumIntervals() int {
	return s.tree.Len()
}

// Size is the total number of covered bytes.
func (s *Set) Size() uint64 {
	return s.size
}

func (s *Set) Empty() bool {
	return s.tree.Len() == 0
}

func (s *Set) Clear() {
	s.tree = btree.New(8)
	s.size = 0
}

// RangeStart is the start of the first interval. The set must not be
// empty.
func (s *Set) RangeStart() uint64 {
	return s.tree.Min().(*interval).start
}

// RangeEnd is the end of the last interval. The set must not be
// empty.
func (s *Set) RangeEnd() uint64 {
	return s.tree.Max().(*interval).end()
}

// StartsAfter reports whether some interval starts strictly after i.
func (s *Set) StartsAfter(i uint64) bool {
	found := false
	s.tree.DescendGreaterThan(&interval{start: i}, func(item btree.Item) bool {
		found = true
		return false
	})
	return found
}

// EndAfter returns the end of the interval containing start.
func (s *Set) EndAfter(start uint64) (uint64, bool) {
	var end uint64
	ok := false
	s.tree.DescendLessOrEqual(&interval{start: start}, func(item btree.Item) bool {
		iv := item.(*interval)
		if iv.end() > start {
			end, ok = iv.end(), true
		}
		return false
	})
	return end, ok
}

// Each visits intervals in ascending start order until fn returns
// false.
func (s *Set) Each(fn func(start, length uint64) bool) {
	s.tree.Ascend(func(item btree.Item) bool {
		iv := item.(*interval)
		return fn(iv.start, iv.length)
	})
}

func (s *Set) Union(other *Set) {
	other.Each(func(start, length uint64) bool {
		s.Insert(start, length)
		return true
	})
}

func (s *Set) Subtract(other *Set) {
	other.Each(func(start, length uint64) bool {
		s.Erase(start, length)
		return true
	})
}

// Intersection returns the overlap of s and other as a new set.
func (s *Set) Intersection(other *Set) *Set {
	out := New()
	s.Each(func(start, length uint64) bool {
		end := start + length
		other.Each(func(os, ol uint64) bool {
			oe := os + ol
			if os >= end {
				return false
			}
			if oe > start {
				lo, hi := start, end
				if os > lo {
					lo = os
				}
				if oe < hi {
					hi = oe
				}
				out.Insert(lo, hi-lo)
			}
			return true
		})
		return true
	})
	return out
}

func (s *Set) SubsetOf(big *Set) bool {
	ok := true
	s.Each(func(start, length uint64) bool {
		if !big.Contains(start, length) {
			ok = false
			return false
		}
		return true
	})
	return ok
}

// SpanOf rebuilds s as the subset of other starting at or after
// start and covering length bytes of set content, skipping holes.
func (s *Set) SpanOf(other *Set, start, length uint64) {
	s.Clear()
	remain := length
	other.Each(func(os, ol uint64) bool {
		if remain == 0 {
			return false
		}
		oe := os + ol
		if oe <= start {
			return true
		}
		lo := os
		if start > lo {
			lo = start
		}
		take := oe - lo
		if take > remain {
			take = remain
		}
		s.Insert(lo, take)
		remain -= take
		return true
	})
}

func (s *Set) Extents() []proto.Extent {
	xs := make([]proto.Extent, 0, s.tree.Len())
	s.Each(func(start, length uint64) bool {
		xs = append(xs, proto.Extent{Off: start, Len: length})
		return true
	})
	return xs
}

func (s *Set) Equal(other *Set) bool {
	if s.tree.Len() != other.tree.Len() || s.size != other.size {
		return false
	}
	a, b := s.Extents(), other.Extents()
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
