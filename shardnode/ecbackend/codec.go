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
	"sort"

	"github.com/klauspost/reedsolomon"

	apierrors "github.com/cubefs/ecstore/errors"
)

// Codec erasure-codes one stripe at a time. Shard indexes 0..K-1 are
// data, K..N-1 parity. The backend never inspects codec internals.
type Codec interface {
	DataChunkCount() int
	ChunkCount() int
	ChunkSize(stripeWidth uint64) uint64
	// ChunkMapping is the permutation from logical shard index to
	// physical shard id, or nil for identity.
	ChunkMapping() []int
	// Encode splits a stripe into K data chunks, computes parity, and
	// returns the chunks named by want.
	Encode(want []int, data []byte) (map[int][]byte, error)
	// Decode reconstructs the chunks named by need from any K
	// available chunks of one stripe.
	Decode(need []int, chunks map[int][]byte) (map[int][]byte, error)
	// DecodeConcat reconstructs the data chunks and returns the
	// original stripe.
	DecodeConcat(chunks map[int][]byte) ([]byte, error)
	// MinimumToDecode picks the smallest shard set from have that can
	// reconstruct want, preferring the wanted shards themselves.
	MinimumToDecode(want, have []int) ([]int, error)
}

type rsCodec struct {
	k   int
	m   int
	enc reedsolomon.Encoder
}

func NewRSCodec(k, m int) (Codec, error) {
	enc, err := reedsolomon.New(k, m)
	if err != nil {
		return nil, err
	}
	return &rsCodec{k: k, m: m, enc: enc}, nil
}

func (c *rsCodec) DataChunkCount() int { return c.k }

func (c *rsCodec) ChunkCount() int { return c.k + c.m }

func (c *rsCodec) ChunkSize(stripeWidth uint64) uint64 {
	return stripeWidth / uint64(c.k)
}

func (c *rsCodec) ChunkMapping() []int { return nil }

func (c *rsCodec) Encode(want []int, data []byte) (map[int][]byte, error) {
	if len(data)%c.k != 0 {
		return nil, fmt.Errorf("stripe length %d not divisible by %d data chunks", len(data), c.k)
	}
	chunkSize := len(data) / c.k
	shards := make([][]byte, c.k+c.m)
	for i := 0; i < c.k; i++ {
		shards[i] = data[i*chunkSize : (i+1)*chunkSize]
	}
	for i := c.k; i < c.k+c.m; i++ {
		shards[i] = make([]byte, chunkSize)
	}
	if err := c.enc.Encode(shards); err != nil {
		return nil, err
	}
	out := make(map[int][]byte, len(want))
	for _, shard := range want {
		if shard < 0 || shard >= len(shards) {
			return nil, fmt.Errorf("shard %d out of range", shard)
		}
		out[shard] = shards[shard]
	}
	return out, nil
}

func (c *rsCodec) reconstruct(chunks map[int][]byte) ([][]byte, error) {
	if len(chunks) < c.k {
		return nil, apierrors.ErrInsufficientShards
	}
	shards := make([][]byte, c.k+c.m)
	for shard, buf := range chunks {
		if shard < 0 || shard >= len(shards) {
			return nil, fmt.Errorf("shard %d out of range", shard)
		}
		shards[shard] = buf
	}
	if err := c.enc.Reconstruct(shards); err != nil {
		return nil, err
	}
	return shards, nil
}

func (c *rsCodec) Decode(need []int, chunks map[int][]byte) (map[int][]byte, error) {
	shards, err := c.reconstruct(chunks)
	if err != nil {
		return nil, err
	}
	out := make(map[int][]byte, len(need))
	for _, shard := range need {
		if shard < 0 || shard >= len(shards) {
			return nil, fmt.Errorf("shard %d out of range", shard)
		}
		out[shard] = shards[shard]
	}
	return out, nil
}

func (c *rsCodec) DecodeConcat(chunks map[int][]byte) ([]byte, error) {
	shards, err := c.reconstruct(chunks)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, c.k*len(shards[0]))
	for i := 0; i < c.k; i++ {
		out = append(out, shards[i]...)
	}
	return out, nil
}

func (c *rsCodec) MinimumToDecode(want, have []int) ([]int, error) {
	avail := make(map[int]bool, len(have))
	for _, shard := range have {
		avail[shard] = true
	}
	need := make([]int, 0, c.k)
	missing := false
	for _, shard := range want {
		if avail[shard] {
			need = append(need, shard)
		} else {
			missing = true
		}
	}
	if !missing {
		sort.Ints(need)
		return need, nil
	}
	// A wanted shard is unavailable, so decoding needs K chunks.
	picked := make(map[int]bool, len(need))
	for _, shard := range need {
		picked[shard] = true
	}
	rest := make([]int, 0, len(have))
	for _, shard := range have {
		if !picked[shard] {
			rest = append(rest, shard)
		}
	}
	sort.Ints(rest)
	for _, shard := range rest {
		if len(need) >= c.k {
			break
		}
		need = append(need, shard)
	}
	if len(need) < c.k {
		return nil, apierrors.ErrInsufficientShards
	}
	sort.Ints(need)
	return need, nil
}

// EncodeStripes encodes a stripe-aligned logical buffer into per-shard
// chunk buffers for the shards named by want.
func EncodeStripes(sinfo *StripeInfo, codec Codec, in []byte, want []int) (map[int][]byte, error) {
	width := int(sinfo.StripeWidth())
	if len(in)%width != 0 {
		panic(fmt.Sprintf("encode input length %d not stripe aligned (width %d)", len(in), width))
	}
	out := make(map[int][]byte, len(want))
	for off := 0; off < len(in); off += width {
		chunks, err := codec.Encode(want, in[off:off+width])
		if err != nil {
			return nil, err
		}
		for shard, chunk := range chunks {
			out[shard] = append(out[shard], chunk...)
		}
	}
	return out, nil
}

// DecodeStripes reconstructs the shards named by need, stripe by
// stripe, from equal-length chunk buffers.
func DecodeStripes(sinfo *StripeInfo, codec Codec, toDecode map[int][]byte, need []int) (map[int][]byte, error) {
	chunkSize := int(sinfo.ChunkSize())
	total := chunkBufLen(toDecode, chunkSize)
	out := make(map[int][]byte, len(need))
	for off := 0; off < total; off += chunkSize {
		stripeChunks := make(map[int][]byte, len(toDecode))
		for shard, buf := range toDecode {
			stripeChunks[shard] = buf[off : off+chunkSize]
		}
		decoded, err := codec.Decode(need, stripeChunks)
		if err != nil {
			return nil, err
		}
		for _, shard := range need {
			out[shard] = append(out[shard], decoded[shard]...)
		}
	}
	return out, nil
}

// DecodeStripesConcat reconstructs the original logical bytes, stripe
// by stripe, from equal-length chunk buffers.
func DecodeStripesConcat(sinfo *StripeInfo, codec Codec, toDecode map[int][]byte) ([]byte, error) {
	chunkSize := int(sinfo.ChunkSize())
	total := chunkBufLen(toDecode, chunkSize)
	out := make([]byte, 0, total/chunkSize*int(sinfo.StripeWidth()))
	for off := 0; off < total; off += chunkSize {
		stripeChunks := make(map[int][]byte, len(toDecode))
		for shard, buf := range toDecode {
			stripeChunks[shard] = buf[off : off+chunkSize]
		}
		stripe, err := codec.DecodeConcat(stripeChunks)
		if err != nil {
			return nil, err
		}
		out = append(out, stripe...)
	}
	return out, nil
}

func chunkBufLen(toDecode map[int][]byte, chunkSize int) int {
	if len(toDecode) == 0 {
		panic("decode with no chunks")
	}
	total := -1
	for _, buf := range toDecode {
		if total == -1 {
			total = len(buf)
		} else if len(buf) != total {
			panic("decode with unequal chunk buffers")
		}
	}
	if total%chunkSize != 0 {
		panic(fmt.Sprintf("chunk buffer length %d not chunk aligned (size %d)", total, chunkSize))
	}
	return total
}
