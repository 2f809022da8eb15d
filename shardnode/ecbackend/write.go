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
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/ecstore/metrics"
	"github.com/cubefs/ecstore/proto"
)

// writeOp tracks one in-flight client write on the primary. The op
// retires only from the front of the writing queue.
type writeOp struct {
	tid       proto.Tid
	reqID     string
	oid       proto.Oid
	atVersion proto.EVersion
	start     time.Time

	// oids are the appended objects whose metadata this op pins.
	oids []proto.Oid

	pendingApply  map[proto.PgShard]struct{}
	pendingCommit map[proto.PgShard]struct{}

	onLocalAppliedSync func()
	onAllApplied       func()
	onAllCommit        func()
}

// WriteArgs carries one client write into the backend. The caller
// allocates Tid and assigns AtVersion; LogEntries describe the
// modifications for the placement-group log.
type WriteArgs struct {
	Tid       proto.Tid
	ReqID     string
	Oid       proto.Oid
	AtVersion proto.EVersion
	Txn       *WriteTxn

	TrimTo         proto.EVersion
	TrimRollbackTo proto.EVersion
	LogEntries     []proto.LogEntry

	OnLocalAppliedSync func()
	OnAllApplied       func()
	OnAllCommit        func()
}

// SubmitTransaction encodes, compresses and fans a client write out to
// every acting shard. Completion callbacks fire as the per-shard
// applied and committed acknowledgments drain.
func (b *ECBackend) SubmitTransaction(ctx context.Context, args *WriteArgs) {
	span := trace.SpanFromContextSafe(ctx)

	txns := b.generateTransactions(args.Txn, args.LogEntries)

	op := &writeOp{
		tid:                args.Tid,
		reqID:              args.ReqID,
		oid:                args.Oid,
		atVersion:          args.AtVersion,
		start:              time.Now(),
		oids:               args.Txn.AppendedObjects(),
		pendingApply:       make(map[proto.PgShard]struct{}),
		pendingCommit:      make(map[proto.PgShard]struct{}),
		onLocalAppliedSync: args.OnLocalAppliedSync,
		onAllApplied:       args.OnAllApplied,
		onAllCommit:        args.OnAllCommit,
	}
	b.tidToOp[op.tid] = op
	b.writing = append(b.writing, op)
	b.pinMetadata(op.oids)

	peers := b.shardPeers()
	for shard := 0; shard < b.codec.ChunkCount(); shard++ {
		txn, ok := txns[shard]
		if !ok {
			continue
		}
		peer, ok := peers[shard]
		if !ok {
			// Missing member. The log entries drive its repair later.
			continue
		}
		op.pendingApply[peer] = struct{}{}
		op.pendingCommit[peer] = struct{}{}
		b.lst.Send(ctx, peer, &proto.EcWrite{
			Tid:            op.tid,
			ReqID:          op.reqID,
			From:           b.lst.Whoami(),
			Oid:            op.oid,
			Txn:            *txn,
			AtVersion:      op.atVersion,
			TrimTo:         args.TrimTo,
			TrimRollbackTo: args.TrimRollbackTo,
			LogEntries:     args.LogEntries,
		})
	}
	span.Debugf("submitted write tid %d oid %s to %d shards", op.tid, op.oid.String(), len(op.pendingApply))

	if len(op.pendingApply) == 0 && len(op.pendingCommit) == 0 {
		b.maybeCompleteWrite(op)
		b.checkOp()
	}
}

// generateTransactions turns the logical appends into one store
// transaction per shard: encode each stripe, compress every chunk,
// advance the hash and compaction metadata, and write each shard's
// compressed bytes at that shard's current compressed end.
func (b *ECBackend) generateTransactions(txn *WriteTxn, logEntries []proto.LogEntry) map[int]*proto.Transaction {
	n := b.codec.ChunkCount()
	allShards := make([]int, n)
	for i := range allShards {
		allShards[i] = i
	}
	chunkSize := int(b.sinfo.ChunkSize())

	out := make(map[int]*proto.Transaction, n)
	for _, ap := range txn.Appends {
		hinfo := b.getHashInfo(ap.Oid)
		cinfo := b.getCompactInfo(ap.Oid)
		if hinfo.TotalChunkSize() != cinfo.TotalOriginChunkSize() {
			log.Panicf("metadata drift on %s: hash end %d, compact end %d",
				ap.Oid.String(), hinfo.TotalChunkSize(), cinfo.TotalOriginChunkSize())
		}
		if end := b.sinfo.AlignedChunkOffsetToLogicalOffset(hinfo.TotalChunkSize()); ap.Off != end {
			log.Panicf("append to %s at %d, object ends at %d", ap.Oid.String(), ap.Off, end)
		}

		rawHinfo := mustMarshalHashInfo(ap.Oid, hinfo)
		rawCinfo := mustMarshalCompactInfo(ap.Oid, cinfo)
		for i := range logEntries {
			l := &logEntries[i]
			if l.Oid != ap.Oid || !mustPrependRollback(l.Mod) {
				continue
			}
			if l.RollbackAttrs == nil {
				l.RollbackAttrs = make(map[string][]byte, 2)
			}
			l.RollbackAttrs[HinfoKey] = rawHinfo
			l.RollbackAttrs[CinfoKey] = rawCinfo
		}

		chunks, err := EncodeStripes(b.sinfo, b.codec, ap.Data, allShards)
		if err != nil {
			log.Panicf("encode %s: %v", ap.Oid.String(), err)
		}
		ordered := make([][]byte, n)
		for shard := 0; shard < n; shard++ {
			ordered[shard] = chunks[shard]
		}

		oldChunkSize := hinfo.TotalChunkSize()
		hinfo.Append(oldChunkSize, ordered)

		compressed := make([][]byte, n)
		ends := make([][]uint32, n)
		bases := make([]uint64, n)
		for shard := 0; shard < n; shard++ {
			var base uint32
			if r := cinfo.ChunkCompactRange(shard); len(r) > 0 {
				base = r[len(r)-1]
			}
			bases[shard] = uint64(base)
			compressed[shard], ends[shard] = compressShardChunks(ordered[shard], chunkSize, base)
		}
		cinfo.Append(oldChunkSize, ends, uint64(len(ordered[0])))

		newHinfo := mustMarshalHashInfo(ap.Oid, hinfo)
		newCinfo := mustMarshalCompactInfo(ap.Oid, cinfo)
		for shard := 0; shard < n; shard++ {
			st := out[shard]
			if st == nil {
				st = &proto.Transaction{}
				out[shard] = st
			}
			gid := proto.GhObject{Oid: ap.Oid, Shard: proto.ShardID(shard)}
			st.Write(gid, bases[shard], compressed[shard], 0)
			st.SetAttrs(gid, map[string][]byte{
				HinfoKey: newHinfo,
				CinfoKey: newCinfo,
			})
		}
	}
	return out
}

func (b *ECBackend) pinMetadata(oids []proto.Oid) {
	for _, oid := range oids {
		if b.pinnedMeta[oid] == 0 {
			if hinfo, ok := b.hinfoRegistry.Lookup(oid, false); ok {
				b.hinfoRegistry.Pin(oid, hinfo)
			}
			if cinfo, ok := b.cinfoRegistry.Lookup(oid, false); ok {
				b.cinfoRegistry.Pin(oid, cinfo)
			}
		}
		b.pinnedMeta[oid]++
	}
}

func (b *ECBackend) unpinMetadata(oids []proto.Oid) {
	for _, oid := range oids {
		b.pinnedMeta[oid]--
		if b.pinnedMeta[oid] <= 0 {
			delete(b.pinnedMeta, oid)
			b.hinfoRegistry.Unpin(oid)
			b.cinfoRegistry.Unpin(oid)
		}
	}
}

// HandleSubWrite installs one shard's transaction into the local
// store. Parity shards mark their writes cache-cold unless the group
// is undersized.
func (b *ECBackend) HandleSubWrite(ctx context.Context, from proto.PgShard, msg *proto.EcWrite) {
	span := trace.SpanFromContextSafe(ctx)
	me := b.lst.Whoami()

	txn := &proto.Transaction{}
	for _, oid := range msg.TempRemoved {
		txn.Remove(proto.GhObject{Oid: oid, Shard: me.Shard})
	}
	for _, oid := range msg.TempAdded {
		txn.TouchTempCollection(proto.GhObject{Oid: oid, Shard: me.Shard})
	}
	txn.Append(&msg.Txn)

	if int(me.Shard) >= b.codec.DataChunkCount() && !b.lst.Undersized() {
		for i := range txn.Records {
			if txn.Records[i].Op == proto.TxnWrite {
				txn.Records[i].Flags |= proto.FlagFadviseDontNeed
			}
		}
	}

	tid := msg.Tid
	at := msg.AtVersion
	b.lst.Queue(ctx, txn,
		func() {
			b.lst.Send(ctx, from, &proto.EcWriteReply{Tid: tid, From: me, Applied: true, LastComplete: at})
		},
		func() {
			b.lst.Send(ctx, from, &proto.EcWriteReply{Tid: tid, From: me, Committed: true, LastComplete: at})
		})
	span.Debugf("queued sub write tid %d from %v", tid, from)
}

// HandleSubWriteReply drains the sender from the op's pending sets.
// Replies whose tid is unknown are dropped unconditionally.
func (b *ECBackend) HandleSubWriteReply(ctx context.Context, from proto.PgShard, msg *proto.EcWriteReply) {
	span := trace.SpanFromContextSafe(ctx)
	op, ok := b.tidToOp[msg.Tid]
	if !ok {
		span.Debugf("dropping write reply tid %d from %v", msg.Tid, from)
		return
	}
	if msg.Applied {
		delete(op.pendingApply, msg.From)
		if msg.From == b.lst.Whoami() && op.onLocalAppliedSync != nil {
			cb := op.onLocalAppliedSync
			op.onLocalAppliedSync = nil
			cb()
		}
	}
	if msg.Committed {
		delete(op.pendingCommit, msg.From)
	}
	b.maybeCompleteWrite(op)
	b.checkOp()
}

func (b *ECBackend) maybeCompleteWrite(op *writeOp) {
	if len(op.pendingApply) == 0 && op.onAllApplied != nil {
		cb := op.onAllApplied
		op.onAllApplied = nil
		cb()
	}
	if len(op.pendingCommit) == 0 && op.onAllCommit != nil {
		cb := op.onAllCommit
		op.onAllCommit = nil
		cb()
	}
}

// checkOp retires finished ops from the front of the writing queue
// only, so writes complete in submission order.
func (b *ECBackend) checkOp() {
	for len(b.writing) > 0 {
		op := b.writing[0]
		if len(op.pendingApply) != 0 || len(op.pendingCommit) != 0 {
			return
		}
		b.writing = b.writing[1:]
		delete(b.tidToOp, op.tid)
		b.unpinMetadata(op.oids)
		metrics.WriteLatency.Observe(time.Since(op.start).Seconds())
	}
}

func mustMarshalHashInfo(oid proto.Oid, hinfo *HashInfo) []byte {
	raw, err := hinfo.Marshal()
	if err != nil {
		log.Panicf("marshal hash info %s: %v", oid.String(), err)
	}
	return raw
}

func mustMarshalCompactInfo(oid proto.Oid, cinfo *CompactInfo) []byte {
	raw, err := cinfo.Marshal()
	if err != nil {
		log.Panicf("marshal compact info %s: %v", oid.String(), err)
	}
	return raw
}
