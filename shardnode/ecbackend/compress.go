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

	"github.com/pierrec/lz4/v4"

	"github.com/cubefs/cubefs/blobstore/util/bytespool"
)

// Chunks are compressed one at a time with lz4 block compression. A
// chunk whose compressed form would not be smaller than the original
// is stored raw; on disk a compressed length equal to the chunk size
// therefore always means a raw chunk.

// compressChunk compresses one chunk into scratch, which must hold at
// least len(chunk)-1 bytes. It returns either a prefix of scratch or,
// for an incompressible chunk, the chunk itself; the caller copies the
// result out before reusing either buffer.
func compressChunk(c *lz4.Compressor, chunk, scratch []byte) []byte {
	n, err := c.CompressBlock(chunk, scratch[:len(chunk)-1])
	if err != nil || n == 0 || n >= len(chunk) {
		return chunk
	}
	return scratch[:n]
}

func decompressChunk(src []byte, chunkSize int) ([]byte, error) {
	if len(src) == chunkSize {
		out := make([]byte, chunkSize)
		copy(out, src)
		return out, nil
	}
	dst := make([]byte, chunkSize)
	n, err := lz4.UncompressBlock(src, dst)
	if err != nil {
		return nil, err
	}
	if n != chunkSize {
		return nil, fmt.Errorf("decompressed %d bytes, chunk size %d", n, chunkSize)
	}
	return dst, nil
}

// compressShardChunks compresses a shard buffer chunk by chunk. It
// returns the concatenated compressed bytes plus the cumulative end
// offsets, biased by base so they continue an existing range vector.
func compressShardChunks(buf []byte, chunkSize int, base uint32) ([]byte, []uint32) {
	if len(buf)%chunkSize != 0 {
		panic(fmt.Sprintf("shard buffer length %d not a multiple of chunk size %d", len(buf), chunkSize))
	}
	numChunks := len(buf) / chunkSize
	out := make([]byte, 0, len(buf))
	ends := make([]uint32, 0, numChunks)
	scratch := bytespool.Alloc(chunkSize - 1)
	defer bytespool.Free(scratch)
	var c lz4.Compressor
	cum := base
	for i := 0; i < numChunks; i++ {
		compressed := compressChunk(&c, buf[i*chunkSize:(i+1)*chunkSize], scratch)
		out = append(out, compressed...)
		cum += uint32(len(compressed))
		ends = append(ends, cum)
	}
	return out, ends
}
