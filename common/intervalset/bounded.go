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

package intervalset

import (
	"github.com/cubefs/ecstore/proto"
)

// BoundedLossy caps the number of intervals it tracks. Whenever a
// mutation leaves more than max intervals, the shortest one is
// dropped entirely, so the set under-reports coverage but never
// claims bytes it was not told about.
type BoundedLossy struct {
	set *Set
	max int
}

func NewBounded() *BoundedLossy {
	return &BoundedLossy{set: New(), max: proto.MaxNumIntervals}
}

func BoundedFromExtents(xs []proto.Extent) *BoundedLossy {
	b := NewBounded()
	for _, x := range xs {
		b.Insert(x.Off, x.Len)
	}
	return b
}

func (b *BoundedLossy) trim() {
	for b.set.NumIntervals() > b.max {
		var smallStart, smallLen uint64
		first := true
		b.set.Each(func(start, length uint64) bool {
			if first || length < smallLen {
				smallStart, smallLen = start, length
				first = false
			}
			return true
		})
		b.set.Erase(smallStart, smallLen)
	}
}

func (b *BoundedLossy) Insert(start, length uint64) {
	b.set.Insert(start, length)
	b.trim()
}

func (b *BoundedLossy) Erase(start, length uint64) {
	b.set.Erase(start, length)
	b.trim()
}

func (b *BoundedLossy) Union(other *BoundedLossy) {
	b.set.Union(other.set)
	b.trim()
}

func (b *BoundedLossy) UnionSet(other *Set) {
	b.set.Union(other)
	b.trim()
}

func (b *BoundedLossy) Subtract(other *BoundedLossy) {
	b.set.Subtract(other.set)
	b.trim()
}

func (b *BoundedLossy) SubtractSet(other *Set) {
	b.set.Subtract(other)
	b.trim()
}

func (b *BoundedLossy) IntersectionOf(other *Set) {
	b.set = b.set.Intersection(other)
	b.trim()
}

func (b *BoundedLossy) SpanOf(other *Set, start, length uint64) {
	b.set.SpanOf(other, start, length)
	b.trim()
}

func (b *BoundedLossy) Clear() {
	b.set.Clear()
}

func (b *BoundedLossy) Contains(start, length uint64) bool {
	return b.set.Contains(start, length)
}

func (b *BoundedLossy) Intersects(start, length uint64) bool {
	return b.set.Intersects(start, length)
}

func (b *BoundedLossy) NumIntervals() int {
	return b.set.NumIntervals()
}

func (b *BoundedLossy) Size() uint64 {
	return b.set.Size()
}

func (b *BoundedLossy) Empty() bool {
	return b.set.Empty()
}

func (b *BoundedLossy) RangeStart() uint64 {
	return b.set.RangeStart()
}

func (b *BoundedLossy) RangeEnd() uint64 {
	return b.set.RangeEnd()
}

func (b *BoundedLossy) Each(fn func(start, length uint64) bool) {
	b.set.Each(fn)
}

func (b *BoundedLossy) Extents() []proto.Extent {
	return b.set.Extents()
}

func (b *BoundedLossy) Equal(other *BoundedLossy) bool {
	return b.set.Equal(other.set)
}
