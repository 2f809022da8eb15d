package ecbackend

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/ecstore/proto"
)

func TestSingleWrite(t *testing.T) {
	cluster := newTestCluster(t, 2, 1, 8192)
	oid := proto.Oid{Name: "obj"}
	data := bytes.Repeat([]byte{0xAA}, 8192)

	localApplied := 0
	primary := cluster.primary()
	txn := &WriteTxn{}
	txn.Append(oid, 0, data)
	applied, committed := 0, 0
	primary.backend.SubmitTransaction(context.Background(), &WriteArgs{
		Tid:                primary.backend.lst.NextTid(),
		ReqID:              "req-1",
		Oid:                oid,
		AtVersion:          proto.EVersion{Epoch: 1, Seq: 1},
		Txn:                txn,
		OnLocalAppliedSync: func() { localApplied++ },
		OnAllApplied:       func() { applied++ },
		OnAllCommit:        func() { committed++ },
	})
	require.Len(t, primary.backend.writing, 1)
	cluster.flush()

	require.Equal(t, 1, localApplied)
	require.Equal(t, 1, applied)
	require.Equal(t, 1, committed)
	require.Empty(t, primary.backend.writing)
	require.Empty(t, primary.backend.tidToOp)

	for _, shard := range cluster.acting {
		node := cluster.nodes[shard]
		gid := proto.GhObject{Oid: oid, Shard: shard.Shard}

		rawH, err := node.store.GetAttr(gid, HinfoKey)
		require.NoError(t, err)
		hinfo := &HashInfo{}
		require.NoError(t, hinfo.Unmarshal(rawH))
		require.Equal(t, uint64(4096), hinfo.TotalChunkSize())

		rawC, err := node.store.GetAttr(gid, CinfoKey)
		require.NoError(t, err)
		cinfo := &CompactInfo{}
		require.NoError(t, cinfo.Unmarshal(rawC))
		require.Equal(t, uint64(4096), cinfo.TotalOriginChunkSize())

		size, err := node.store.Stat(gid)
		require.NoError(t, err)
		require.Equal(t, cinfo.TotalChunkSize(int(shard.Shard)), size)

		raw, err := node.store.Read(gid, 0, size)
		require.NoError(t, err)
		got := cinfo.Decompact(int(shard.Shard), 0, 4096, raw, nil, true)
		require.Len(t, got, 4096)
		if int(shard.Shard) < 2 {
			require.Equal(t, data[int(shard.Shard)*4096:(int(shard.Shard)+1)*4096], got)
		}
	}
}

func TestAppendContinuation(t *testing.T) {
	cluster := newTestCluster(t, 2, 1, 8192)
	oid := proto.Oid{Name: "obj"}

	first := bytes.Repeat([]byte{0xAA}, 8192)
	second := make([]byte, 8192)
	for i := range second {
		second[i] = byte(i % 251)
	}
	applied, committed := cluster.submitWrite(oid, 0, first, proto.EVersion{Epoch: 1, Seq: 1})
	require.Equal(t, 1, applied)
	require.Equal(t, 1, committed)
	applied, committed = cluster.submitWrite(oid, 8192, second, proto.EVersion{Epoch: 1, Seq: 2})
	require.Equal(t, 1, applied)
	require.Equal(t, 1, committed)

	for _, shard := range cluster.acting {
		node := cluster.nodes[shard]
		gid := proto.GhObject{Oid: oid, Shard: shard.Shard}

		rawC, err := node.store.GetAttr(gid, CinfoKey)
		require.NoError(t, err)
		cinfo := &CompactInfo{}
		require.NoError(t, cinfo.Unmarshal(rawC))
		require.Equal(t, uint64(8192), cinfo.TotalOriginChunkSize())
		require.Len(t, cinfo.ChunkCompactRange(int(shard.Shard)), 2)

		size, err := node.store.Stat(gid)
		require.NoError(t, err)
		require.Equal(t, cinfo.TotalChunkSize(int(shard.Shard)), size)

		raw, err := node.store.Read(gid, 0, size)
		require.NoError(t, err)
		got := cinfo.Decompact(int(shard.Shard), 0, 8192, raw, nil, true)
		require.Len(t, got, 8192)
		if s := int(shard.Shard); s < 2 {
			require.Equal(t, first[s*4096:(s+1)*4096], got[:4096])
			require.Equal(t, second[s*4096:(s+1)*4096], got[4096:])
		}
	}
}

func TestRollbackAttrsOnAppendEntries(t *testing.T) {
	cluster := newTestCluster(t, 2, 1, 8192)
	oid := proto.Oid{Name: "obj"}
	primary := cluster.primary()

	write := func(off uint64, seq uint64) []proto.LogEntry {
		entries := []proto.LogEntry{
			{
				Version: proto.EVersion{Epoch: 1, Seq: seq},
				Oid:     oid,
				Mod:     proto.ModDesc{Kind: proto.ModAppend, PrevSize: off},
			},
			{
				Version: proto.EVersion{Epoch: 1, Seq: seq},
				Oid:     oid,
				Mod:     proto.ModDesc{Kind: proto.ModCreate},
			},
		}
		txn := &WriteTxn{}
		txn.Append(oid, off, bytes.Repeat([]byte{0xBB}, 8192))
		primary.backend.SubmitTransaction(context.Background(), &WriteArgs{
			Tid:        primary.backend.lst.NextTid(),
			Oid:        oid,
			AtVersion:  proto.EVersion{Epoch: 1, Seq: seq},
			Txn:        txn,
			LogEntries: entries,
		})
		cluster.flush()
		return entries
	}

	entries := write(0, 1)
	require.Empty(t, entries[1].RollbackAttrs)
	hinfo := &HashInfo{}
	require.NoError(t, hinfo.Unmarshal(entries[0].RollbackAttrs[HinfoKey]))
	require.Equal(t, uint64(0), hinfo.TotalChunkSize())
	cinfo := &CompactInfo{}
	require.NoError(t, cinfo.Unmarshal(entries[0].RollbackAttrs[CinfoKey]))
	require.Equal(t, uint64(0), cinfo.TotalOriginChunkSize())

	entries = write(8192, 2)
	require.NoError(t, hinfo.Unmarshal(entries[0].RollbackAttrs[HinfoKey]))
	require.Equal(t, uint64(4096), hinfo.TotalChunkSize())
	require.NoError(t, cinfo.Unmarshal(entries[0].RollbackAttrs[CinfoKey]))
	require.Equal(t, uint64(4096), cinfo.TotalOriginChunkSize())
}

func TestParityWritesMarkedCold(t *testing.T) {
	cluster := newTestCluster(t, 2, 1, 8192)
	oid := proto.Oid{Name: "obj"}
	data := bytes.Repeat([]byte{0xCC}, 8192)

	cluster.submitWrite(oid, 0, data, proto.EVersion{Epoch: 1, Seq: 1})
	for _, shard := range cluster.acting {
		gid := proto.GhObject{Oid: oid, Shard: shard.Shard}
		flags := cluster.nodes[shard].store.writeFlags[gid]
		require.Len(t, flags, 1)
		if int(shard.Shard) >= 2 {
			require.NotZero(t, flags[0]&proto.FlagFadviseDontNeed)
		} else {
			require.Zero(t, flags[0])
		}
	}

	// An undersized group keeps parity warm.
	cluster.undersized = true
	cluster.submitWrite(oid, 8192, data, proto.EVersion{Epoch: 1, Seq: 2})
	parity := cluster.acting[2]
	gid := proto.GhObject{Oid: oid, Shard: parity.Shard}
	flags := cluster.nodes[parity].store.writeFlags[gid]
	require.Len(t, flags, 2)
	require.Zero(t, flags[1])
}

func TestWritesCompleteInSubmissionOrder(t *testing.T) {
	cluster := newTestCluster(t, 2, 1, 8192)
	primary := cluster.primary()
	oidA := proto.Oid{Name: "a"}
	oidB := proto.Oid{Name: "b"}

	state := make(map[string]int)
	submit := func(oid proto.Oid, name string) {
		txn := &WriteTxn{}
		txn.Append(oid, 0, bytes.Repeat([]byte{0xDD}, 8192))
		primary.backend.SubmitTransaction(context.Background(), &WriteArgs{
			Tid:          primary.backend.lst.NextTid(),
			Oid:          oid,
			AtVersion:    proto.EVersion{Epoch: 1, Seq: 1},
			Txn:          txn,
			OnAllApplied: func() { state[name+"-applied"]++ },
			OnAllCommit:  func() { state[name+"-commit"]++ },
		})
	}
	submit(oidA, "a")
	submit(oidB, "b")
	cluster.flushMessages()
	require.Len(t, cluster.txns, 6)

	// Let the second write's shards finish first.
	cluster.txns = append(append([]queuedTxn{}, cluster.txns[3:]...), cluster.txns[:3]...)
	for i := 0; i < 3; i++ {
		cluster.applyNextTxn()
	}
	cluster.flushMessages()

	require.Equal(t, 1, state["b-applied"])
	require.Equal(t, 1, state["b-commit"])
	require.Zero(t, state["a-applied"])
	require.Len(t, primary.backend.writing, 2)
	require.Equal(t, oidA, primary.backend.writing[0].oid)

	cluster.flush()
	require.Equal(t, 1, state["a-applied"])
	require.Equal(t, 1, state["a-commit"])
	require.Empty(t, primary.backend.writing)
	require.Empty(t, primary.backend.tidToOp)
}

func TestSubWriteTempObjects(t *testing.T) {
	cluster := newTestCluster(t, 2, 1, 8192)
	node := cluster.nodes[cluster.acting[1]]
	stale := proto.TempOid("obj")
	staleGid := proto.GhObject{Oid: stale, Shard: node.shard.Shard}
	node.store.objects[staleGid] = []byte{1, 2, 3}

	fresh := proto.TempOid("other")
	node.backend.HandleSubWrite(context.Background(), cluster.acting[0], &proto.EcWrite{
		Tid:         77,
		From:        cluster.acting[0],
		Oid:         proto.Oid{Name: "obj"},
		TempAdded:   []proto.Oid{fresh},
		TempRemoved: []proto.Oid{stale},
	})
	require.Len(t, cluster.txns, 1)
	cluster.applyNextTxn()

	_, ok := node.store.objects[staleGid]
	require.False(t, ok)
	require.True(t, node.store.temp[proto.GhObject{Oid: fresh, Shard: node.shard.Shard}])
	require.Len(t, cluster.msgs, 2)
}
