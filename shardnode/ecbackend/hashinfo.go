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
	"hash/crc32"

	"github.com/cubefs/ecstore/proto"
)

// HinfoKey is the xattr key holding the encoded HashInfo of an object.
const HinfoKey = "hinfo_key"

const hashInfoVersion = 1

const hashSeed = uint32(0xffffffff)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// HashInfo carries the rolling per-shard chunk hashes of one object.
// All shards advance together: Append takes one equal-length buffer
// per shard and is only valid at the current total chunk size.
type HashInfo struct {
	totalChunkSize uint64
	hashes         []uint32
}

func NewHashInfo(numChunks int) *HashInfo {
	h := &HashInfo{hashes: make([]uint32, numChunks)}
	for i := range h.hashes {
		h.hashes[i] = hashSeed
	}
	return h
}

func (h *HashInfo) Append(oldSize uint64, chunks [][]byte) {
	if len(chunks) != len(h.hashes) {
		panic("hash append with wrong shard count")
	}
	if oldSize != h.totalChunkSize {
		panic("hash append not at current chunk size")
	}
	size := len(chunks[0])
	for shard, buf := range chunks {
		if len(buf) != size {
			panic("hash append with unequal chunk buffers")
		}
		h.hashes[shard] = crc32.Update(h.hashes[shard], castagnoli, buf)
	}
	h.totalChunkSize += uint64(size)
}

func (h *HashInfo) Clear() {
	h.totalChunkSize = 0
	for i := range h.hashes {
		h.hashes[i] = hashSeed
	}
}

func (h *HashInfo) ChunkHash(shard int) uint32 {
	return h.hashes[shard]
}

func (h *HashInfo) TotalChunkSize() uint64 {
	return h.totalChunkSize
}

func (h *HashInfo) NumChunks() int {
	return len(h.hashes)
}

func (h *HashInfo) Marshal() ([]byte, error) {
	enc := proto.NewEncoder(16 + 4*len(h.hashes))
	enc.PutU8(hashInfoVersion)
	enc.PutU64(h.totalChunkSize)
	enc.PutU32Slice(h.hashes)
	return enc.Bytes(), nil
}

func (h *HashInfo) Unmarshal(data []byte) error {
	dec := proto.NewDecoder(data)
	dec.U8()
	h.totalChunkSize = dec.U64()
	h.hashes = dec.U32Slice()
	return dec.Err()
}
