package ecbackend

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompactInfoAppend(t *testing.T) {
	c := NewCompactInfo(3, 32, 16)
	require.Equal(t, uint64(0), c.TotalOriginChunkSize())

	c.Append(0, [][]uint32{{10}, {16}, {12}}, 16)
	c.Append(16, [][]uint32{{18, 30}, {32, 48}, {20, 29}}, 32)

	require.Equal(t, uint64(48), c.TotalOriginChunkSize())
	require.Equal(t, []uint32{10, 18, 30}, c.ChunkCompactRange(0))
	require.Equal(t, uint64(48), c.TotalChunkSize(1))

	require.Panics(t, func() { c.Append(0, [][]uint32{{1}, {1}, {1}}, 16) })
	require.Panics(t, func() { c.Append(48, [][]uint32{{40}, {50}}, 16) })
	require.Panics(t, func() { c.Append(48, [][]uint32{{40}, {50, 60}, {40}}, 16) })
}

func TestConvertCompactRanges(t *testing.T) {
	c := NewCompactInfo(1, 16, 16)
	c.Append(0, [][]uint32{{10, 18, 30}}, 48)

	start, length := c.ConvertCompactRanges(0, 0, 16)
	require.Equal(t, uint32(0), start)
	require.Equal(t, uint32(10), length)

	start, length = c.ConvertCompactRanges(0, 16, 32)
	require.Equal(t, uint32(10), start)
	require.Equal(t, uint32(20), length)

	// End clamps to the last recorded chunk.
	start, length = c.ConvertCompactRanges(0, 0, 160)
	require.Equal(t, uint32(0), start)
	require.Equal(t, uint32(30), length)

	empty := NewCompactInfo(1, 16, 16)
	start, length = empty.ConvertCompactRanges(0, 0, 16)
	require.Equal(t, uint32(0), start)
	require.Equal(t, uint32(0), length)

	require.Panics(t, func() { c.ConvertCompactRanges(0, 3, 16) })
}

func TestConvertCompactRangePoints(t *testing.T) {
	c := NewCompactInfo(1, 16, 16)
	c.Append(0, [][]uint32{{10, 18, 30}}, 48)

	require.Equal(t, uint32(0), c.ConvertCompactRange(0, 0))
	require.Equal(t, uint32(1), c.ConvertCompactRange(0, 10))
	require.Equal(t, uint32(3), c.ConvertCompactRange(0, 30))
	require.Panics(t, func() { c.ConvertCompactRange(0, 11) })

	require.Equal(t, uint32(0), c.ConvertCompactMinRange(0, 0))
	require.Equal(t, uint32(0), c.ConvertCompactMinRange(0, 10))
	require.Equal(t, uint32(0), c.ConvertCompactMinRange(0, 15))
	require.Equal(t, uint32(1), c.ConvertCompactMinRange(0, 18))
	require.Equal(t, uint32(2), c.ConvertCompactMinRange(0, 99))
	require.Panics(t, func() { c.ConvertCompactMinRange(0, 5) })
}

func TestDecompactRoundTrip(t *testing.T) {
	const chunkSize = 64
	plain := append(
		bytes.Repeat([]byte{7}, 2*chunkSize), // compressible
		randomBytes(chunkSize)...,            // stored raw
	)

	compressed, ends := compressShardChunks(plain, chunkSize, 0)
	require.Len(t, ends, 3)
	require.Equal(t, ends[2], uint32(len(compressed)))

	c := NewCompactInfo(1, chunkSize, chunkSize)
	c.Append(0, [][]uint32{ends}, uint64(len(plain)))

	out := c.Decompact(0, 0, uint32(len(compressed)), compressed, nil, true)
	require.Equal(t, plain, out)

	// Offset into the second chunk.
	out = c.Decompact(0, ends[0], uint32(len(compressed))-ends[0], compressed[ends[0]:], nil, true)
	require.Equal(t, plain[chunkSize:], out)

	// Partial tail tolerated only when wholeDecode is off.
	short := compressed[:ends[1]+1]
	out = c.Decompact(0, 0, uint32(len(compressed)), short, nil, false)
	require.Equal(t, plain[:2*chunkSize], out)
}

func TestCompactInfoRoundTrip(t *testing.T) {
	c := NewCompactInfo(2, 32, 16)
	c.Append(0, [][]uint32{{9, 20}, {16, 32}}, 32)

	data, err := c.Marshal()
	require.NoError(t, err)

	out := &CompactInfo{}
	require.NoError(t, out.Unmarshal(data))
	require.Equal(t, c, out)
}

func randomBytes(n int) []byte {
	r := rand.New(rand.NewSource(42))
	b := make([]byte, n)
	r.Read(b)
	return b
}
