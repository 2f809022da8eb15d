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

// Package ecbackend implements the erasure-coded object backend: stripe
// geometry, per-object hash and compression metadata, the read, write,
// recovery and scrub engines, and the sub-op dispatch that ties them to
// the peer transport.
package ecbackend

import (
	"fmt"
)

// StripeInfo is the immutable geometry of a placement group: the
// logical bytes covered by one stripe and the per-shard chunk size.
type StripeInfo struct {
	stripeWidth uint64
	chunkSize   uint64
}

// NewStripeInfo panics unless stripeWidth is a multiple of k.
func NewStripeInfo(k int, stripeWidth uint64) *StripeInfo {
	if k <= 0 || stripeWidth%uint64(k) != 0 {
		panic(fmt.Sprintf("stripe width %d not divisible by data chunk count %d", stripeWidth, k))
	}
	return &StripeInfo{
		stripeWidth: stripeWidth,
		chunkSize:   stripeWidth / uint64(k),
	}
}

func (s *StripeInfo) StripeWidth() uint64 {
	return s.stripeWidth
}

func (s *StripeInfo) ChunkSize() uint64 {
	return s.chunkSize
}

func (s *StripeInfo) LogicalToPrevChunkOffset(offset uint64) uint64 {
	return (offset / s.stripeWidth) * s.chunkSize
}

func (s *StripeInfo) LogicalToNextChunkOffset(offset uint64) uint64 {
	return ((offset + s.stripeWidth - 1) / s.stripeWidth) * s.chunkSize
}

func (s *StripeInfo) LogicalToPrevStripeOffset(offset uint64) uint64 {
	return offset - offset%s.stripeWidth
}

func (s *StripeInfo) LogicalToNextStripeOffset(offset uint64) uint64 {
	if offset%s.stripeWidth == 0 {
		return offset
	}
	return s.LogicalToPrevStripeOffset(offset) + s.stripeWidth
}

// AlignedLogicalOffsetToChunkOffset requires offset to be
// stripe-aligned.
func (s *StripeInfo) AlignedLogicalOffsetToChunkOffset(offset uint64) uint64 {
	if offset%s.stripeWidth != 0 {
		panic(fmt.Sprintf("logical offset %d not stripe aligned (width %d)", offset, s.stripeWidth))
	}
	return (offset / s.stripeWidth) * s.chunkSize
}

// AlignedChunkOffsetToLogicalOffset requires offset to be
// chunk-aligned.
func (s *StripeInfo) AlignedChunkOffsetToLogicalOffset(offset uint64) uint64 {
	if offset%s.chunkSize != 0 {
		panic(fmt.Sprintf("chunk offset %d not chunk aligned (size %d)", offset, s.chunkSize))
	}
	return (offset / s.chunkSize) * s.stripeWidth
}

// AlignedOffsetLenToChunk maps a stripe-aligned logical (offset, len)
// to the corresponding chunk (offset, len).
func (s *StripeInfo) AlignedOffsetLenToChunk(offset, length uint64) (uint64, uint64) {
	return s.AlignedLogicalOffsetToChunkOffset(offset), s.AlignedLogicalOffsetToChunkOffset(length)
}

// OffsetLenToStripeBounds widens a logical (offset, len) to the
// enclosing stripe-aligned (offset, len).
func (s *StripeInfo) OffsetLenToStripeBounds(offset, length uint64) (uint64, uint64) {
	off := s.LogicalToPrevStripeOffset(offset)
	return off, s.LogicalToNextStripeOffset(offset - off + length)
}
