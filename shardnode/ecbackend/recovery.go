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

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/ecstore/metrics"
	"github.com/cubefs/ecstore/proto"
)

type recoveryState int

const (
	recoveryIdle recoveryState = iota
	recoveryReading
	recoveryWriting
)

// recoveryOp repairs one object onto the shards missing it, one chunk
// of progress at a time: read K sources, decode the missing shards,
// recompress and push.
type recoveryOp struct {
	info      proto.RecoveryInfo
	state     recoveryState
	missingOn []proto.PgShard
	progress  proto.RecoveryProgress

	// attrs, hinfo and cinfo are swapped in from the first-pass read.
	// cinfo is the authoritative compaction index for every shard.
	attrs map[string][]byte
	hinfo *HashInfo
	cinfo *CompactInfo

	waitingOnPushes map[proto.PgShard]struct{}
}

// RecoveryHandle batches scheduled recoveries until RunRecoveryOp.
type RecoveryHandle struct {
	ops []*recoveryOp
}

func (b *ECBackend) OpenRecoveryOp() *RecoveryHandle {
	return &RecoveryHandle{}
}

// RecoverObject enqueues a repair of oid onto every shard whose
// missing set contains it.
func (b *ECBackend) RecoverObject(oid proto.Oid, version proto.EVersion, h *RecoveryHandle) {
	size, _, ok := b.lst.ObjectInfo(oid)
	if !ok {
		log.Panicf("recover unknown object %s", oid.String())
	}
	h.ops = append(h.ops, &recoveryOp{
		info:      proto.RecoveryInfo{Oid: oid, Version: version, Size: size},
		missingOn: b.lst.MissingOnShards(oid),
		progress:  proto.RecoveryProgress{First: true},
	})
}

// RunRecoveryOp installs the handle's ops and drives each through its
// first step. An object already being recovered keeps its running op.
func (b *ECBackend) RunRecoveryOp(ctx context.Context, h *RecoveryHandle) {
	span := trace.SpanFromContextSafe(ctx)
	for _, op := range h.ops {
		if _, running := b.recoveryOps[op.info.Oid]; running {
			span.Warnf("recovery of %s already running", op.info.Oid.String())
			continue
		}
		b.recoveryOps[op.info.Oid] = op
		b.continueRecoveryOp(ctx, op)
	}
	h.ops = nil
}

func (b *ECBackend) continueRecoveryOp(ctx context.Context, op *recoveryOp) {
	switch op.state {
	case recoveryIdle:
		b.startRecoveryRead(ctx, op)
	case recoveryWriting:
		if len(op.waitingOnPushes) > 0 {
			return
		}
		if op.progress.DataComplete {
			b.finishRecovery(ctx, op)
			return
		}
		op.state = recoveryIdle
		b.startRecoveryRead(ctx, op)
	case recoveryReading:
		log.Panicf("recovery of %s continued while reading", op.info.Oid.String())
	}
}

// startRecoveryRead issues one recovery-sized read against a minimum
// source set, at each source's own compressed cursor.
func (b *ECBackend) startRecoveryRead(ctx context.Context, op *recoveryOp) {
	span := trace.SpanFromContextSafe(ctx)
	oid := op.info.Oid

	want := make([]int, 0, len(op.missingOn))
	for _, peer := range op.missingOn {
		want = append(want, int(peer.Shard))
	}
	need, peers, err := b.getMinAvailToReadShards(oid, want, true)
	if err != nil {
		span.Errorf("recovery of %s: no source set: %v", oid.String(), err)
		b.cancelRecovery(ctx, oid)
		return
	}

	tokens := int(b.cfg.RecoveryMaxChunk)
	if tokens > b.cfg.RecoveryRate {
		tokens = b.cfg.RecoveryRate
	}
	if err := b.recoveryLimiter.WaitN(ctx, tokens); err != nil {
		span.Errorf("recovery of %s: %v", oid.String(), err)
		b.cancelRecovery(ctx, oid)
		return
	}

	obj := &objectRead{
		ranges:    []rangePlan{{}},
		reqs:      make(map[proto.PgShard][]shardReq),
		wantAttrs: op.progress.First,
	}
	for _, shard := range need {
		var dOff uint32
		if op.progress.DataRecoveredTo != 0 {
			uOff := b.sinfo.AlignedLogicalOffsetToChunkOffset(op.progress.DataRecoveredTo)
			dOff, _ = op.cinfo.ConvertCompactRanges(shard, uint32(uOff), uint32(b.sinfo.ChunkSize()))
		}
		obj.reqs[peers[shard]] = append(obj.reqs[peers[shard]], shardReq{
			rangeIdx: 0, cellIdx: -1, shard: shard,
			dOff: dOff, dLen: uint32(b.cfg.RecoveryMaxChunk),
		})
	}
	obj.cb = func(res *objectResult) {
		b.onRecoveryReadComplete(ctx, oid, res)
	}

	op.state = recoveryReading
	readOp := b.newReadOp(oid, obj, true)
	b.startReadOp(ctx, readOp)
}

// onRecoveryReadComplete decodes one chunk of progress and pushes it
// to every missing shard.
func (b *ECBackend) onRecoveryReadComplete(ctx context.Context, oid proto.Oid, res *objectResult) {
	span := trace.SpanFromContextSafe(ctx)
	op, ok := b.recoveryOps[oid]
	if !ok {
		return
	}
	if res.err != nil {
		span.Errorf("recovery read of %s: %v", oid.String(), res.err)
		b.cancelRecovery(ctx, oid)
		return
	}

	if op.progress.First {
		op.attrs = res.attrs
		op.hinfo = NewHashInfo(b.codec.ChunkCount())
		op.cinfo = NewCompactInfo(b.codec.ChunkCount(), uint32(b.cfg.StripeWidth), uint32(b.sinfo.ChunkSize()))
		if raw, ok := op.attrs[HinfoKey]; ok {
			if err := op.hinfo.Unmarshal(raw); err != nil {
				log.Panicf("corrupt hash info on %s: %v", oid.String(), err)
			}
		}
		if raw, ok := op.attrs[CinfoKey]; ok {
			if err := op.cinfo.Unmarshal(raw); err != nil {
				log.Panicf("corrupt compact info on %s: %v", oid.String(), err)
			}
		}
	}

	chunkSize := b.sinfo.ChunkSize()
	uOff := b.sinfo.AlignedLogicalOffsetToChunkOffset(op.progress.DataRecoveredTo)

	// Sources compress independently well, so each returns a different
	// number of whole chunks for the same compressed byte budget. Keep
	// the common prefix.
	toDecode := make(map[int][]byte)
	minLen := uint64(0)
	first := true
	for shard, buf := range res.ranges[0].shards {
		out := op.cinfo.Decompact(shard, buf.dOff, uint32(len(buf.data)), buf.data, nil, false)
		toDecode[shard] = out
		if first || uint64(len(out)) < minLen {
			minLen = uint64(len(out))
			first = false
		}
	}
	if len(toDecode) < b.codec.DataChunkCount() {
		span.Errorf("recovery read of %s: %d of %d sources", oid.String(), len(toDecode), b.codec.DataChunkCount())
		b.cancelRecovery(ctx, oid)
		return
	}
	if minLen == 0 {
		log.Panicf("recovery read of %s returned no data at %d", oid.String(), op.progress.DataRecoveredTo)
	}
	for shard, buf := range toDecode {
		toDecode[shard] = buf[:minLen]
	}

	needIdx := make([]int, 0, len(op.missingOn))
	seen := make(map[int]struct{}, len(op.missingOn))
	for _, peer := range op.missingOn {
		if _, dup := seen[int(peer.Shard)]; dup {
			continue
		}
		seen[int(peer.Shard)] = struct{}{}
		needIdx = append(needIdx, int(peer.Shard))
	}
	decoded, err := DecodeStripes(b.sinfo, b.codec, toDecode, needIdx)
	if err != nil {
		span.Errorf("recovery decode of %s: %v", oid.String(), err)
		b.cancelRecovery(ctx, oid)
		return
	}

	extentLen := minLen * uint64(b.codec.DataChunkCount())
	before := op.progress
	after := before
	after.First = false
	after.DataRecoveredTo = before.DataRecoveredTo + extentLen
	if after.DataRecoveredTo >= op.info.Size {
		after.DataRecoveredTo = b.sinfo.LogicalToNextStripeOffset(op.info.Size)
		after.DataComplete = true
	}

	op.waitingOnPushes = make(map[proto.PgShard]struct{}, len(op.missingOn))
	for _, target := range op.missingOn {
		shard := int(target.Shard)
		dStart, dLen := op.cinfo.ConvertCompactRanges(shard, uint32(uOff), uint32(minLen))
		compressed, ends := compressShardChunks(decoded[shard], int(chunkSize), dStart)
		if uint64(len(compressed)) != uint64(dLen) {
			log.Panicf("recompressed %s shard %d to %d bytes, index says %d",
				oid.String(), shard, len(compressed), dLen)
		}
		authoritative := op.cinfo.ChunkCompactRange(shard)
		base := int(uOff / chunkSize)
		for i, end := range ends {
			if authoritative[base+i] != end {
				log.Panicf("recompressed %s shard %d chunk %d end %d, index says %d",
					oid.String(), shard, base+i, end, authoritative[base+i])
			}
		}

		push := proto.PushOp{
			Oid:            oid,
			Version:        op.info.Version,
			Data:           compressed,
			DataIncluded:   []proto.Extent{{Off: uint64(dStart), Len: uint64(len(compressed))}},
			CompactEnds:    ends,
			RecoveryInfo:   op.info,
			BeforeProgress: before,
			AfterProgress:  after,
		}
		if before.First {
			push.Attrs = op.attrs
		}
		op.waitingOnPushes[target] = struct{}{}
		b.lst.Send(ctx, target, &proto.PgPush{From: b.lst.Whoami(), Pushes: []proto.PushOp{push}})
	}

	metrics.RecoveredBytes.Add(float64(extentLen))
	op.progress = after
	op.state = recoveryWriting
	b.continueRecoveryOp(ctx, op)
}

func (b *ECBackend) finishRecovery(ctx context.Context, op *recoveryOp) {
	oid := op.info.Oid
	me := b.lst.Whoami()
	for _, target := range op.missingOn {
		if target != me {
			b.lst.OnPeerRecover(target, oid)
		}
	}
	delete(b.recoveryOps, oid)
	b.lst.OnGlobalRecover(oid)
}

// HandleRecoveryPush stages pushed bytes into the temp collection and
// renames them into place when the data completes.
func (b *ECBackend) HandleRecoveryPush(ctx context.Context, from proto.PgShard, msg *proto.PgPush) {
	me := b.lst.Whoami()
	replies := make([]proto.PushReplyOp, 0, len(msg.Pushes))
	txn := &proto.Transaction{}
	for _, push := range msg.Pushes {
		tempGid := proto.GhObject{Oid: proto.TempOid(push.Oid.Name), Shard: me.Shard}
		if push.BeforeProgress.First {
			txn.Remove(tempGid)
			txn.TouchTempCollection(tempGid)
		}
		for _, x := range push.DataIncluded {
			txn.Write(tempGid, x.Off, push.Data, 0)
		}
		if push.BeforeProgress.First {
			txn.SetAttrs(tempGid, push.Attrs)
		}
		if push.AfterProgress.DataComplete {
			txn.MoveCollection(proto.GhObject{Oid: push.Oid, Shard: me.Shard})
		}
		replies = append(replies, proto.PushReplyOp{Oid: push.Oid})
	}
	b.lst.Queue(ctx, txn, nil, func() {
		b.lst.Send(ctx, from, &proto.PgPushReply{From: me, Replies: replies})
	})
}

// HandleRecoveryPushReply drains the sender from the op's pending push
// set and advances the state machine.
func (b *ECBackend) HandleRecoveryPushReply(ctx context.Context, from proto.PgShard, msg *proto.PgPushReply) {
	span := trace.SpanFromContextSafe(ctx)
	for _, reply := range msg.Replies {
		op, ok := b.recoveryOps[reply.Oid]
		if !ok || op.state != recoveryWriting {
			span.Debugf("dropping push reply for %s from %v", reply.Oid.String(), from)
			continue
		}
		delete(op.waitingOnPushes, from)
		b.continueRecoveryOp(ctx, op)
	}
}

// cancelRecovery abandons the pull. The object stays missing for the
// next repair attempt.
func (b *ECBackend) cancelRecovery(ctx context.Context, oid proto.Oid) {
	if _, ok := b.recoveryOps[oid]; !ok {
		return
	}
	delete(b.recoveryOps, oid)
	b.lst.CancelPull(oid)
}

func (b *ECBackend) clearRecoveryState() {
	b.recoveryOps = make(map[proto.Oid]*recoveryOp)
}
