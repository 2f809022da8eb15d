package ecbackend

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/ecstore/proto"
)

// incompressible fills a buffer from a xorshift stream so every chunk
// stores raw.
func incompressible(n int) []byte {
	buf := make([]byte, n)
	x := uint32(0x9E3779B9)
	for i := range buf {
		x ^= x << 13
		x ^= x >> 17
		x ^= x << 5
		buf[i] = byte(x)
	}
	return buf
}

func TestDeepScrubClean(t *testing.T) {
	cluster := newTestCluster(t, 2, 1, 8192)
	oid := proto.Oid{Name: "obj"}
	cluster.submitWrite(oid, 0, bytes.Repeat([]byte{0xAA}, 8192), proto.EVersion{Epoch: 1, Seq: 1})
	cluster.submitWrite(oid, 8192, incompressible(8192), proto.EVersion{Epoch: 1, Seq: 2})

	var digests []uint32
	for _, shard := range cluster.acting {
		rec := cluster.nodes[shard].backend.BeDeepScrub(context.Background(), oid)
		require.False(t, rec.ReadError, "shard %d", shard.Shard)
		digests = append(digests, rec.Digest)
	}
	require.Equal(t, digests[0], digests[1])
	require.Equal(t, digests[0], digests[2])
}

func TestDeepScrubStrideRoundsUpToChunkSize(t *testing.T) {
	cluster := newTestCluster(t, 2, 1, 8192)
	oid := proto.Oid{Name: "obj"}
	cluster.submitWrite(oid, 0, incompressible(8192), proto.EVersion{Epoch: 1, Seq: 1})
	cluster.submitWrite(oid, 8192, incompressible(8192), proto.EVersion{Epoch: 1, Seq: 2})

	node := cluster.primary()
	node.backend.cfg.ScrubStride = 100
	rec := node.backend.BeDeepScrub(context.Background(), oid)
	require.False(t, rec.ReadError)
}

func TestDeepScrubDetectsCorruption(t *testing.T) {
	cluster := newTestCluster(t, 2, 1, 8192)
	oid := proto.Oid{Name: "obj"}
	cluster.submitWrite(oid, 0, incompressible(8192), proto.EVersion{Epoch: 1, Seq: 1})

	victim := cluster.acting[1]
	node := cluster.nodes[victim]
	gid := proto.GhObject{Oid: oid, Shard: victim.Shard}
	node.store.objects[gid][1000] ^= 0xFF

	rec := node.backend.BeDeepScrub(context.Background(), oid)
	require.True(t, rec.ReadError)

	hinfo := &HashInfo{}
	raw, err := node.store.GetAttr(gid, HinfoKey)
	require.NoError(t, err)
	require.NoError(t, hinfo.Unmarshal(raw))
	require.Equal(t, hinfo.ChunkHash(0), rec.Digest)

	clean := cluster.primary().backend.BeDeepScrub(context.Background(), oid)
	require.False(t, clean.ReadError)
	require.Equal(t, clean.Digest, rec.Digest)
}

func TestDeepScrubShortReadContinues(t *testing.T) {
	cluster := newTestCluster(t, 2, 1, 8192)
	oid := proto.Oid{Name: "obj"}
	cluster.submitWrite(oid, 0, incompressible(8192), proto.EVersion{Epoch: 1, Seq: 1})
	cluster.submitWrite(oid, 8192, incompressible(8192), proto.EVersion{Epoch: 1, Seq: 2})

	victim := cluster.acting[1]
	node := cluster.nodes[victim]
	node.backend.cfg.ScrubStride = 4096
	gid := proto.GhObject{Oid: oid, Shard: victim.Shard}
	node.store.objects[gid] = node.store.objects[gid][:4096]

	rec := node.backend.BeDeepScrub(context.Background(), oid)
	require.True(t, rec.ReadError)
}
