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

package ecbackend

import (
	"fmt"

	"github.com/cubefs/ecstore/proto"
)

// CinfoKey is the xattr key holding the encoded CompactInfo of an
// object.
const CinfoKey = "cinfo_key"

const compactInfoVersion = 1

// CompactInfo is the per-shard compression index of one object. For
// each shard it keeps the cumulative on-disk end offset of every
// compressed chunk, in write order, so the i-th compressed chunk
// occupies [ranges[i-1], ranges[i]) on disk (the 0th starts at 0).
// All shards always hold vectors of equal length, and
// totalOriginChunkSize == len(ranges) * chunkSize.
type CompactInfo struct {
	totalOriginChunkSize uint64
	stripeWidth          uint32
	chunkSize            uint32
	ranges               [][]uint32
}

func NewCompactInfo(numChunks int, stripeWidth, chunkSize uint32) *CompactInfo {
	return &CompactInfo{
		stripeWidth: stripeWidth,
		chunkSize:   chunkSize,
		ranges:      make([][]uint32, numChunks),
	}
}

func (c *CompactInfo) StripeWidth() uint32 {
	return c.stripeWidth
}

func (c *CompactInfo) ChunkSize() uint32 {
	return c.chunkSize
}

func (c *CompactInfo) NumChunks() int {
	return len(c.ranges)
}

func (c *CompactInfo) TotalOriginChunkSize() uint64 {
	return c.totalOriginChunkSize
}

// ChunkCompactRange is the cumulative compressed end offsets of the
// shard, one entry per uncompressed chunk written.
func (c *CompactInfo) ChunkCompactRange(shard int) []uint32 {
	return c.ranges[shard]
}

// TotalChunkSize is the on-disk byte count of the shard. The shard
// must have at least one chunk.
func (c *CompactInfo) TotalChunkSize(shard int) uint64 {
	r := c.ranges[shard]
	return uint64(r[len(r)-1])
}

// Append extends every shard's range vector. The caller supplies
// cumulative end offsets already biased to continue from the previous
// tail. appendSize is the uncompressed byte count added to each shard
// (the new chunk count times the chunk size).
func (c *CompactInfo) Append(oldSize uint64, toAppend [][]uint32, appendSize uint64) {
	if len(toAppend) != len(c.ranges) {
		panic("compact append with wrong shard count")
	}
	if oldSize != c.totalOriginChunkSize {
		panic("compact append not at current origin chunk size")
	}
	n := len(toAppend[0])
	for shard, ends := range toAppend {
		if len(ends) != n {
			panic("compact append with unequal range vectors")
		}
		c.ranges[shard] = append(c.ranges[shard], ends...)
	}
	c.totalOriginChunkSize += appendSize
}

func (c *CompactInfo) Clear() {
	c.totalOriginChunkSize = 0
	for i := range c.ranges {
		c.ranges[i] = nil
	}
}

// ConvertCompactRanges maps a chunk-aligned logical range of the shard
// to its compressed on-disk (offset, len).
func (c *CompactInfo) ConvertCompactRanges(shard int, offset, length uint32) (uint32, uint32) {
	if offset%c.chunkSize != 0 || length%c.chunkSize != 0 {
		panic(fmt.Sprintf("compact range %d+%d not chunk aligned (size %d)", offset, length, c.chunkSize))
	}
	ranges := c.ranges[shard]
	if len(ranges) == 0 {
		return 0, 0
	}
	var start uint32
	if offset != 0 {
		start = ranges[offset/c.chunkSize-1]
	}
	var endChunk uint32
	if (offset+length)/c.chunkSize > 1 {
		endChunk = (offset+length)/c.chunkSize - 1
	}
	if int(endChunk) >= len(ranges) {
		endChunk = uint32(len(ranges) - 1)
	}
	if ranges[endChunk] < start {
		panic("compact range end before start")
	}
	return start, ranges[endChunk] - start
}

// ConvertCompactRange maps a compressed end offset to the index of the
// next chunk. The offset must be zero or exactly match an entry.
func (c *CompactInfo) ConvertCompactRange(shard int, offset uint32) uint32 {
	if offset == 0 {
		return 0
	}
	for i, end := range c.ranges[shard] {
		if offset == end {
			return uint32(i + 1)
		}
	}
	panic(fmt.Sprintf("compressed offset %d not a chunk boundary of shard %d", offset, shard))
}

// ConvertCompactMinRange returns the largest chunk index whose
// cumulative offset is at most offset.
func (c *CompactInfo) ConvertCompactMinRange(shard int, offset uint32) uint32 {
	if offset == 0 {
		return 0
	}
	ranges := c.ranges[shard]
	for i, end := range ranges {
		if offset < end {
			if i == 0 {
				panic(fmt.Sprintf("compressed offset %d inside first chunk of shard %d", offset, shard))
			}
			return uint32(i - 1)
		}
		if offset == end {
			return uint32(i)
		}
	}
	return uint32(len(ranges) - 1)
}

// Decompact decompresses src, a run of compressed chunks of the shard
// starting at compressed offset, into dst. When wholeDecode is false a
// trailing partial compressed chunk in src is tolerated and skipped.
// The produced length is always a multiple of the chunk size.
func (c *CompactInfo) Decompact(shard int, offset, length uint32, src []byte, dst []byte, wholeDecode bool) []byte {
	if uint32(len(src)) > length {
		panic("decompact source longer than requested length")
	}
	startChunk := c.ConvertCompactRange(shard, offset)
	ranges := c.ranges[shard]
	for step := uint32(0); step < uint32(len(src)); startChunk++ {
		decodeStep := ranges[startChunk]
		if startChunk > 0 {
			decodeStep -= ranges[startChunk-1]
		}
		if !wholeDecode && step+decodeStep > uint32(len(src)) {
			break
		}
		if step+decodeStep > uint32(len(src)) {
			panic("decompact source truncated mid chunk")
		}
		chunk, err := decompressChunk(src[step:step+decodeStep], int(c.chunkSize))
		if err != nil {
			panic(fmt.Sprintf("decompact shard %d chunk %d: %v", shard, startChunk, err))
		}
		dst = append(dst, chunk...)
		step += decodeStep
	}
	if uint32(len(dst))%c.chunkSize != 0 {
		panic("decompact output not chunk aligned")
	}
	return dst
}

func (c *CompactInfo) Marshal() ([]byte, error) {
	enc := proto.NewEncoder(32)
	enc.PutU8(compactInfoVersion)
	enc.PutU64(c.totalOriginChunkSize)
	enc.PutU32(c.stripeWidth)
	enc.PutU32(c.chunkSize)
	enc.PutU32(uint32(len(c.ranges)))
	for _, r := range c.ranges {
		enc.PutU32Slice(r)
	}
	return enc.Bytes(), nil
}

func (c *CompactInfo) Unmarshal(data []byte) error {
	dec := proto.NewDecoder(data)
	dec.U8()
	c.totalOriginChunkSize = dec.U64()
	c.stripeWidth = dec.U32()
	c.chunkSize = dec.U32()
	n := int(dec.U32())
	if dec.Err() != nil {
		return dec.Err()
	}
	c.ranges = make([][]uint32, n)
	for i := 0; i < n; i++ {
		c.ranges[i] = dec.U32Slice()
	}
	return dec.Err()
}
