package ecbackend

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/ecstore/proto"
)

func writeTwoStripes(t *testing.T, cluster *testCluster, oid proto.Oid) ([]byte, []byte) {
	first := bytes.Repeat([]byte{0xAA}, 8192)
	second := bytes.Repeat([]byte{0xBB}, 8192)
	applied, committed := cluster.submitWrite(oid, 0, first, proto.EVersion{Epoch: 1, Seq: 1})
	require.Equal(t, 1, applied)
	require.Equal(t, 1, committed)
	applied, committed = cluster.submitWrite(oid, 8192, second, proto.EVersion{Epoch: 1, Seq: 2})
	require.Equal(t, 1, applied)
	require.Equal(t, 1, committed)
	return first, second
}

func runRecovery(cluster *testCluster, oid proto.Oid) {
	primary := cluster.primary().backend
	handle := primary.OpenRecoveryOp()
	primary.RecoverObject(oid, proto.EVersion{Epoch: 1, Seq: 2}, handle)
	primary.RunRecoveryOp(context.Background(), handle)
	cluster.flush()
}

func TestRecoverMissingDataShard(t *testing.T) {
	cluster := newTestCluster(t, 2, 1, 8192)
	oid := proto.Oid{Name: "obj"}
	first, second := writeTwoStripes(t, cluster, oid)

	lost := cluster.acting[1]
	cluster.markMissing(lost, oid)
	runRecovery(cluster, oid)

	require.Equal(t, []proto.Oid{oid}, cluster.globalRecovered)
	require.Equal(t, []proto.PgShard{lost}, cluster.peerRecovered)
	require.Empty(t, cluster.primary().backend.recoveryOps)
	require.Empty(t, cluster.canceledPulls)

	node := cluster.nodes[lost]
	gid := proto.GhObject{Oid: oid, Shard: lost.Shard}
	tempGid := proto.GhObject{Oid: proto.TempOid(oid.Name), Shard: lost.Shard}
	_, stillTemp := node.store.objects[tempGid]
	require.False(t, stillTemp)

	rawC, err := node.store.GetAttr(gid, CinfoKey)
	require.NoError(t, err)
	cinfo := &CompactInfo{}
	require.NoError(t, cinfo.Unmarshal(rawC))
	require.Equal(t, uint64(8192), cinfo.TotalOriginChunkSize())

	size, err := node.store.Stat(gid)
	require.NoError(t, err)
	require.Equal(t, cinfo.TotalChunkSize(1), size)

	raw, err := node.store.Read(gid, 0, size)
	require.NoError(t, err)
	got := cinfo.Decompact(1, 0, 8192, raw, nil, true)
	require.Equal(t, first[4096:], got[:4096])
	require.Equal(t, second[4096:], got[4096:])

	// The recovered shard carries the same metadata as its peers.
	peerC, err := cluster.primary().store.GetAttr(proto.GhObject{Oid: oid, Shard: 0}, CinfoKey)
	require.NoError(t, err)
	require.Equal(t, peerC, rawC)
}

func TestRecoverMissingParityShard(t *testing.T) {
	cluster := newTestCluster(t, 2, 1, 8192)
	oid := proto.Oid{Name: "obj"}
	writeTwoStripes(t, cluster, oid)

	lost := cluster.acting[2]
	gid := proto.GhObject{Oid: oid, Shard: lost.Shard}
	want := append([]byte{}, cluster.nodes[lost].store.objects[gid]...)
	wantAttrs, err := cluster.nodes[lost].store.GetAttrs(gid)
	require.NoError(t, err)

	cluster.markMissing(lost, oid)
	runRecovery(cluster, oid)

	require.Equal(t, []proto.Oid{oid}, cluster.globalRecovered)
	require.Equal(t, want, cluster.nodes[lost].store.objects[gid])
	gotAttrs, err := cluster.nodes[lost].store.GetAttrs(gid)
	require.NoError(t, err)
	require.Equal(t, wantAttrs[HinfoKey], gotAttrs[HinfoKey])
	require.Equal(t, wantAttrs[CinfoKey], gotAttrs[CinfoKey])
}

func TestRecoveryRunsInChunkSizedPasses(t *testing.T) {
	cluster := newTestCluster(t, 2, 1, 8192)
	oid := proto.Oid{Name: "obj"}
	first, second := writeTwoStripes(t, cluster, oid)

	lost := cluster.acting[1]
	cluster.markMissing(lost, oid)

	// Budget exactly one compressed chunk of the slowest source per
	// pass, so the repair takes one pass per stripe.
	sourceC := &CompactInfo{}
	rawC, err := cluster.primary().store.GetAttr(proto.GhObject{Oid: oid, Shard: 0}, CinfoKey)
	require.NoError(t, err)
	require.NoError(t, sourceC.Unmarshal(rawC))
	budget := sourceC.ChunkCompactRange(0)[0]
	if r2 := sourceC.ChunkCompactRange(2)[0]; r2 > budget {
		budget = r2
	}
	cluster.primary().backend.cfg.RecoveryMaxChunk = uint64(budget)

	runRecovery(cluster, oid)

	require.Equal(t, []proto.Oid{oid}, cluster.globalRecovered)
	node := cluster.nodes[lost]
	tempGid := proto.GhObject{Oid: proto.TempOid(oid.Name), Shard: lost.Shard}
	require.Len(t, node.store.writeFlags[tempGid], 2)

	gid := proto.GhObject{Oid: oid, Shard: lost.Shard}
	cinfo := &CompactInfo{}
	rawC, err = node.store.GetAttr(gid, CinfoKey)
	require.NoError(t, err)
	require.NoError(t, cinfo.Unmarshal(rawC))
	size, err := node.store.Stat(gid)
	require.NoError(t, err)
	raw, err := node.store.Read(gid, 0, size)
	require.NoError(t, err)
	got := cinfo.Decompact(1, 0, 8192, raw, nil, true)
	require.Equal(t, first[4096:], got[:4096])
	require.Equal(t, second[4096:], got[4096:])
}

func TestRecoveryCanceledWithoutSources(t *testing.T) {
	cluster := newTestCluster(t, 2, 1, 8192)
	oid := proto.Oid{Name: "obj"}
	writeTwoStripes(t, cluster, oid)

	cluster.markMissing(cluster.acting[1], oid)
	cluster.markMissing(cluster.acting[2], oid)
	runRecovery(cluster, oid)

	require.Equal(t, []proto.Oid{oid}, cluster.canceledPulls)
	require.Empty(t, cluster.globalRecovered)
	require.Empty(t, cluster.primary().backend.recoveryOps)
}

func TestRecoveryCanceledWhenSourceGoesDown(t *testing.T) {
	cluster := newTestCluster(t, 2, 1, 8192)
	oid := proto.Oid{Name: "obj"}
	writeTwoStripes(t, cluster, oid)

	cluster.markMissing(cluster.acting[1], oid)
	primary := cluster.primary().backend
	handle := primary.OpenRecoveryOp()
	primary.RecoverObject(oid, proto.EVersion{Epoch: 1, Seq: 2}, handle)
	primary.RunRecoveryOp(context.Background(), handle)

	// The recovery read to shards 0 and 2 is still in flight.
	primary.CheckRecoverySources(context.Background(), cluster.acting[2])
	cluster.flush()

	require.Equal(t, []proto.Oid{oid}, cluster.canceledPulls)
	require.Empty(t, cluster.globalRecovered)
	require.Empty(t, primary.recoveryOps)
	require.Empty(t, primary.tidToRead)
}

func TestPushReplyForUnknownObjectDropped(t *testing.T) {
	cluster := newTestCluster(t, 2, 1, 8192)
	primary := cluster.primary().backend
	primary.HandleRecoveryPushReply(context.Background(), cluster.acting[1], &proto.PgPushReply{
		From:    cluster.acting[1],
		Replies: []proto.PushReplyOp{{Oid: proto.Oid{Name: "ghost"}}},
	})
	require.Empty(t, primary.recoveryOps)
}
