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
	"context"
	"hash/crc32"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/ecstore/metrics"
	"github.com/cubefs/ecstore/proto"
)

// ScrubRecord is the outcome of one local deep scrub. Digest is shard
// 0's chunk hash so peers scrubbing their own shards report a common
// object digest.
type ScrubRecord struct {
	Oid       proto.Oid
	ReadError bool
	Digest    uint32
}

// BeDeepScrub reads back the local shard stride by stride, verifying
// the compressed bytes against the compression index and the running
// CRC against the hash info. Read errors are recorded, never fatal,
// and scanning continues.
func (b *ECBackend) BeDeepScrub(ctx context.Context, oid proto.Oid) ScrubRecord {
	span := trace.SpanFromContextSafe(ctx)
	rec := ScrubRecord{Oid: oid}

	hinfo := b.getHashInfo(oid)
	cinfo := b.getCompactInfo(oid)
	shard := int(b.lst.Whoami().Shard)
	rec.Digest = hinfo.ChunkHash(0)

	chunkSize := uint64(cinfo.ChunkSize())
	stride := b.cfg.ScrubStride
	if rem := stride % chunkSize; rem != 0 {
		stride += chunkSize - rem
	}

	gid := b.localGid(oid)
	ranges := cinfo.ChunkCompactRange(shard)
	shardChunkSize := hinfo.TotalChunkSize()

	crc := hashSeed
	bytesRead := uint64(0)
	for uOff := uint64(0); uOff < shardChunkSize; uOff += stride {
		dOff, dLen := cinfo.ConvertCompactRanges(shard, uint32(uOff), uint32(stride))
		raw, err := b.store.Read(gid, uint64(dOff), uint64(dLen))
		if err != nil || uint32(len(raw)) != dLen {
			span.Errorf("scrub %s: read %d+%d on shard %d: %v", oid.String(), dOff, dLen, shard, err)
			rec.ReadError = true
			continue
		}
		bytesRead += uint64(dLen)

		decoded := cinfo.Decompact(shard, dOff, dLen, raw, nil, true)
		_, ends := compressShardChunks(decoded, int(chunkSize), dOff)
		firstChunk := int(uOff / chunkSize)
		for i, end := range ends {
			if firstChunk+i >= len(ranges) || ranges[firstChunk+i] != end {
				span.Errorf("scrub %s: shard %d chunk %d recompressed to end %d, index disagrees",
					oid.String(), shard, firstChunk+i, end)
				rec.ReadError = true
			}
		}
		crc = crc32.Update(crc, castagnoli, decoded)
	}

	if len(ranges) > 0 && bytesRead != cinfo.TotalChunkSize(shard) {
		span.Errorf("scrub %s: read %d bytes on shard %d, index holds %d",
			oid.String(), bytesRead, shard, cinfo.TotalChunkSize(shard))
		rec.ReadError = true
	}
	if crc != hinfo.ChunkHash(shard) {
		span.Errorf("scrub %s: shard %d crc %08x, hash info holds %08x",
			oid.String(), shard, crc, hinfo.ChunkHash(shard))
		rec.ReadError = true
	}
	if rec.ReadError {
		metrics.ScrubErrors.Inc()
	}
	return rec
}
