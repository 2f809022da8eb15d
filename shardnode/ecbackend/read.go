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
	"sort"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"

	apierrors "github.com/cubefs/ecstore/errors"
	"github.com/cubefs/ecstore/metrics"
	"github.com/cubefs/ecstore/proto"
)

// ReadRange is one client-requested logical byte range. OnDone fires
// exactly once with the bytes read, unless the op is canceled, in
// which case it never fires.
type ReadRange struct {
	Off    uint64
	Len    uint64
	Flags  uint32
	OnDone func([]byte, error)
}

// fastCell is one chunk of the partial-read fast path: a single
// shard's chunk covering part of the requested window.
type fastCell struct {
	shard        int
	chunkOff     uint64
	logicalStart uint64
}

type rangePlan struct {
	ReadRange
	fast     bool
	cells    []fastCell
	chunkOff uint64
	chunkLen uint64
}

// shardReq ties one on-disk request sent to a peer back to the range
// (and fast-path cell) it serves.
type shardReq struct {
	rangeIdx int
	cellIdx  int // -1 on the full-stripe path
	shard    int
	dOff     uint32
	dLen     uint32
}

type rawBuf struct {
	dOff uint32
	data []byte
}

type rangeResult struct {
	cells  []rawBuf
	shards map[int]rawBuf
}

type objectResult struct {
	ranges []rangeResult
	attrs  map[string][]byte
	err    error
}

type objectRead struct {
	ranges    []rangePlan
	reqs      map[proto.PgShard][]shardReq
	wantAttrs bool
	// cb, when set, receives the whole object result instead of the
	// per-range callbacks. Recovery reads use it.
	cb func(*objectResult)
}

type readOp struct {
	tid         proto.Tid
	start       time.Time
	forRecovery bool
	doRedundant bool
	toRead      map[proto.Oid]*objectRead
	results     map[proto.Oid]*objectResult
	inProgress  map[proto.PgShard]struct{}
	responded   map[proto.Oid]int
	canceled    map[proto.Oid]bool
	onComplete  func()
}

// ObjectsReadAsync services a client read: plan each range on the
// partial fast path or the full-stripe path, fan sub-reads out to the
// selected shards and decode on completion.
func (b *ECBackend) ObjectsReadAsync(ctx context.Context, oid proto.Oid, ranges []ReadRange, onComplete func()) error {
	span := trace.SpanFromContextSafe(ctx)
	cinfo := b.getCompactInfo(oid)

	plans := make([]rangePlan, 0, len(ranges))
	needFull := false
	for _, r := range ranges {
		plan := b.planRange(oid, r)
		if !plan.fast {
			needFull = true
		}
		plans = append(plans, plan)
	}

	peers := b.shardPeers()
	obj := &objectRead{ranges: plans, reqs: make(map[proto.PgShard][]shardReq)}

	var need []int
	if needFull || b.cfg.SubreadAll {
		var err error
		want := make([]int, b.codec.DataChunkCount())
		for i := range want {
			want[i] = i
		}
		need, _, err = b.getMinAvailToReadShards(oid, want, false)
		if err != nil {
			span.Errorf("read %s: no decodable shard set: %v", oid.String(), err)
			return err
		}
	}

	for idx := range plans {
		plan := &plans[idx]
		if plan.fast {
			metrics.PartialReadHits.Inc()
			for cellIdx, cell := range plan.cells {
				peer, ok := peers[cell.shard]
				if !ok || b.lst.IsMissing(peer, oid) {
					log.Panicf("fast path planned on unavailable shard %d", cell.shard)
				}
				dOff, dLen := cinfo.ConvertCompactRanges(cell.shard, uint32(cell.chunkOff), uint32(b.sinfo.ChunkSize()))
				obj.reqs[peer] = append(obj.reqs[peer], shardReq{
					rangeIdx: idx, cellIdx: cellIdx, shard: cell.shard, dOff: dOff, dLen: dLen,
				})
			}
			continue
		}
		for _, shard := range need {
			dOff, dLen := cinfo.ConvertCompactRanges(shard, uint32(plan.chunkOff), uint32(plan.chunkLen))
			obj.reqs[peers[shard]] = append(obj.reqs[peers[shard]], shardReq{
				rangeIdx: idx, cellIdx: -1, shard: shard, dOff: dOff, dLen: dLen,
			})
		}
	}

	op := b.newReadOp(oid, obj, false)
	op.onComplete = onComplete
	b.startReadOp(ctx, op)
	return nil
}

// ObjectPreheat warms the store caches of the minimum shard set. No
// reply is expected and no op is tracked.
func (b *ECBackend) ObjectPreheat(ctx context.Context, oid proto.Oid) {
	span := trace.SpanFromContextSafe(ctx)
	cinfo := b.getCompactInfo(oid)
	want := make([]int, b.codec.DataChunkCount())
	for i := range want {
		want[i] = i
	}
	need, peers, err := b.getMinAvailToReadShards(oid, want, false)
	if err != nil {
		span.Warnf("preheat %s skipped: %v", oid.String(), err)
		return
	}
	tid := b.lst.NextTid()
	for _, shard := range need {
		ranges := cinfo.ChunkCompactRange(shard)
		if len(ranges) == 0 {
			continue
		}
		msg := &proto.EcRead{
			Tid:     tid,
			From:    b.lst.Whoami(),
			ToRead:  map[proto.Oid][]proto.ReadRequest{oid: {{Off: 0, Len: uint64(ranges[len(ranges)-1])}}},
			Preheat: true,
		}
		b.lst.Send(ctx, peers[shard], msg)
	}
}

// planRange picks the fast or the full-stripe path for one range.
func (b *ECBackend) planRange(oid proto.Oid, r ReadRange) rangePlan {
	plan := rangePlan{ReadRange: r}
	width := b.sinfo.StripeWidth()
	chunkSize := b.sinfo.ChunkSize()

	aligned := r.Off%chunkSize == 0
	small := float64(r.Len) <= float64(width)*b.cfg.PartialReadRatio && aligned
	smaller := float64(r.Len) <= float64(width-chunkSize)*b.cfg.PartialReadRatio
	if (small || smaller) && r.Len > 0 {
		if cells, ok := b.planFastCells(oid, r); ok {
			plan.fast = true
			plan.cells = cells
			return plan
		}
	}

	stripeOff, stripeLen := b.sinfo.OffsetLenToStripeBounds(r.Off, r.Len)
	plan.chunkOff = stripeOff / width * chunkSize
	plan.chunkLen = stripeLen / width * chunkSize
	return plan
}

// planFastCells walks the chunks covering the range in logical order.
// Any required chunk on a missing shard aborts the fast path.
func (b *ECBackend) planFastCells(oid proto.Oid, r ReadRange) ([]fastCell, bool) {
	width := b.sinfo.StripeWidth()
	chunkSize := b.sinfo.ChunkSize()
	k := uint64(b.codec.DataChunkCount())
	peers := b.shardPeers()

	var cells []fastCell
	for pos := r.Off - r.Off%chunkSize; pos < r.Off+r.Len; pos += chunkSize {
		stripe := pos / width
		shard := int(pos % width / chunkSize)
		if uint64(shard) >= k {
			return nil, false
		}
		peer, ok := peers[shard]
		if !ok || b.lst.IsMissing(peer, oid) {
			return nil, false
		}
		cells = append(cells, fastCell{
			shard:        shard,
			chunkOff:     stripe * chunkSize,
			logicalStart: pos,
		})
	}
	return cells, true
}

// getMinAvailToReadShards picks the shard set to read from. With
// subread_all on (and not recovering) every available shard is read
// and a subset failure is tolerated.
func (b *ECBackend) getMinAvailToReadShards(oid proto.Oid, want []int, forRecovery bool) ([]int, map[int]proto.PgShard, error) {
	peers := make(map[int]proto.PgShard)
	var have []int
	for _, peer := range b.lst.ActingShards() {
		if b.lst.IsMissing(peer, oid) {
			continue
		}
		have = append(have, int(peer.Shard))
		peers[int(peer.Shard)] = peer
	}
	if forRecovery {
		for _, peer := range b.lst.BackfillShards() {
			if b.lst.IsMissing(peer, oid) {
				continue
			}
			if oid.Less(b.lst.LastBackfill(peer)) || oid == b.lst.LastBackfill(peer) {
				if _, ok := peers[int(peer.Shard)]; !ok {
					have = append(have, int(peer.Shard))
					peers[int(peer.Shard)] = peer
				}
			}
		}
		for _, peer := range b.lst.MissingLoc(oid) {
			if _, ok := peers[int(peer.Shard)]; !ok {
				have = append(have, int(peer.Shard))
				peers[int(peer.Shard)] = peer
			}
		}
	}
	if b.cfg.SubreadAll && !forRecovery {
		if len(have) < b.codec.DataChunkCount() {
			return nil, nil, apierrors.ErrInsufficientShards
		}
		sort.Ints(have)
		return have, peers, nil
	}
	need, err := b.codec.MinimumToDecode(want, have)
	if err != nil {
		return nil, nil, err
	}
	return need, peers, nil
}

func (b *ECBackend) newReadOp(oid proto.Oid, obj *objectRead, forRecovery bool) *readOp {
	op := &readOp{
		tid:         b.lst.NextTid(),
		start:       time.Now(),
		forRecovery: forRecovery,
		doRedundant: b.cfg.SubreadAll && !forRecovery,
		toRead:      map[proto.Oid]*objectRead{oid: obj},
		results:     make(map[proto.Oid]*objectResult),
		inProgress:  make(map[proto.PgShard]struct{}),
		responded:   make(map[proto.Oid]int),
		canceled:    make(map[proto.Oid]bool),
	}
	for oid, obj := range op.toRead {
		res := &objectResult{ranges: make([]rangeResult, len(obj.ranges))}
		for i, plan := range obj.ranges {
			if plan.fast {
				res.ranges[i].cells = make([]rawBuf, len(plan.cells))
			} else {
				res.ranges[i].shards = make(map[int]rawBuf)
			}
		}
		op.results[oid] = res
	}
	return op
}

// startReadOp registers the op and sends one EcRead per peer.
func (b *ECBackend) startReadOp(ctx context.Context, op *readOp) {
	b.tidToRead[op.tid] = op

	perPeer := make(map[proto.PgShard]*proto.EcRead)
	for oid, obj := range op.toRead {
		for peer, reqs := range obj.reqs {
			msg, ok := perPeer[peer]
			if !ok {
				msg = &proto.EcRead{
					Tid:       op.tid,
					From:      b.lst.Whoami(),
					ToRead:    make(map[proto.Oid][]proto.ReadRequest),
					SelfCheck: obj.wantAttrs,
				}
				perPeer[peer] = msg
			}
			for _, req := range reqs {
				msg.ToRead[oid] = append(msg.ToRead[oid], proto.ReadRequest{
					Off:   uint64(req.dOff),
					Len:   uint64(req.dLen),
					Flags: req.rangeFlags(obj),
				})
			}
			if obj.wantAttrs {
				msg.AttrsToRead = append(msg.AttrsToRead, oid)
			}
		}
	}
	for peer, msg := range perPeer {
		op.inProgress[peer] = struct{}{}
		if b.shardToRead[peer] == nil {
			b.shardToRead[peer] = make(map[proto.Tid]struct{})
		}
		b.shardToRead[peer][op.tid] = struct{}{}
		b.lst.Send(ctx, peer, msg)
	}
	if len(op.inProgress) == 0 {
		b.completeReadOp(ctx, op)
	}
}

func (req shardReq) rangeFlags(obj *objectRead) uint32 {
	return obj.ranges[req.rangeIdx].Flags
}

// HandleSubRead services an EcRead on the shard it addresses: read the
// compressed bytes, optionally verify, reply. Preheat requests warm
// the store cache and return nothing.
func (b *ECBackend) HandleSubRead(ctx context.Context, from proto.PgShard, msg *proto.EcRead) {
	span := trace.SpanFromContextSafe(ctx)

	if msg.Preheat {
		for oid, reqs := range msg.ToRead {
			gid := b.localGid(oid)
			for _, req := range reqs {
				b.store.Preheat(gid, req.Off, req.Len)
			}
		}
		return
	}

	reply := &proto.EcReadReply{
		Tid:         msg.Tid,
		From:        b.lst.Whoami(),
		BuffersRead: make(map[proto.Oid][]proto.ReadPiece),
	}
	for oid, reqs := range msg.ToRead {
		gid := b.localGid(oid)
		failed := false
		for _, req := range reqs {
			data, err := b.store.Read(gid, req.Off, req.Len)
			if err != nil {
				if !b.cfg.SubreadAll {
					log.Panicf("sub read %s at %d+%d: %v", oid.String(), req.Off, req.Len, err)
				}
				span.Errorf("sub read %s at %d+%d: %v", oid.String(), req.Off, req.Len, err)
				if reply.Errors == nil {
					reply.Errors = make(map[proto.Oid]int32)
				}
				reply.Errors[oid] = 1
				failed = true
				break
			}
			if msg.SelfCheck && b.coversWholeShard(oid, req) {
				if rec := b.BeDeepScrub(ctx, oid); rec.ReadError {
					log.Panicf("self check failed on %s", oid.String())
				}
			}
			reply.BuffersRead[oid] = append(reply.BuffersRead[oid], proto.ReadPiece{Off: req.Off, Data: data})
		}
		if failed {
			delete(reply.BuffersRead, oid)
		}
	}
	for _, oid := range msg.AttrsToRead {
		attrs, err := b.store.GetAttrs(b.localGid(oid))
		if err != nil && err != apierrors.ErrObjectDoesNotExist {
			log.Panicf("read attrs %s: %v", oid.String(), err)
		}
		if reply.AttrsRead == nil {
			reply.AttrsRead = make(map[proto.Oid]map[string][]byte)
		}
		reply.AttrsRead[oid] = attrs
	}
	b.lst.Send(ctx, from, reply)
}

func (b *ECBackend) coversWholeShard(oid proto.Oid, req proto.ReadRequest) bool {
	size, err := b.store.Stat(b.localGid(oid))
	if err != nil {
		return false
	}
	return req.Off == 0 && req.Len >= size
}

// HandleSubReadReply splices one peer's buffers into the op. Replies
// whose tid is unknown are dropped unconditionally.
func (b *ECBackend) HandleSubReadReply(ctx context.Context, from proto.PgShard, msg *proto.EcReadReply) {
	span := trace.SpanFromContextSafe(ctx)
	op, ok := b.tidToRead[msg.Tid]
	if !ok {
		span.Debugf("dropping read reply tid %d from %v", msg.Tid, from)
		return
	}

	for oid, obj := range op.toRead {
		reqs, ok := obj.reqs[from]
		if !ok || op.canceled[oid] {
			continue
		}
		if errCode, bad := msg.Errors[oid]; bad {
			span.Errorf("peer %v read error %d on %s", from, errCode, oid.String())
			if !op.doRedundant {
				op.results[oid].err = apierrors.ErrInsufficientShards
			}
			continue
		}
		pieces := msg.BuffersRead[oid]
		if len(pieces) != len(reqs) {
			log.Panicf("peer %v returned %d pieces for %d requests on %s", from, len(pieces), len(reqs), oid.String())
		}
		for i, req := range reqs {
			buf := rawBuf{dOff: req.dOff, data: pieces[i].Data}
			if req.cellIdx >= 0 {
				op.results[oid].ranges[req.rangeIdx].cells[req.cellIdx] = buf
			} else {
				op.results[oid].ranges[req.rangeIdx].shards[req.shard] = buf
			}
		}
		if attrs, ok := msg.AttrsRead[oid]; ok {
			op.results[oid].attrs = attrs
		}
		op.responded[oid]++
	}
	delete(op.inProgress, from)
	if sub := b.shardToRead[from]; sub != nil {
		delete(sub, op.tid)
	}

	if op.doRedundant {
		done := true
		for oid := range op.toRead {
			if op.responded[oid] < b.codec.DataChunkCount() && !op.canceled[oid] {
				done = false
				break
			}
		}
		if done || len(op.inProgress) == 0 {
			b.completeReadOp(ctx, op)
		}
		return
	}
	if len(op.inProgress) == 0 {
		b.completeReadOp(ctx, op)
	}
}

// completeReadOp decodes every surviving object and fires callbacks.
func (b *ECBackend) completeReadOp(ctx context.Context, op *readOp) {
	delete(b.tidToRead, op.tid)
	for peer := range op.inProgress {
		if sub := b.shardToRead[peer]; sub != nil {
			delete(sub, op.tid)
		}
	}

	path := "full"
	for oid, obj := range op.toRead {
		if op.canceled[oid] {
			continue
		}
		res := op.results[oid]
		if obj.cb != nil {
			obj.cb(res)
			continue
		}
		for i := range obj.ranges {
			plan := &obj.ranges[i]
			if plan.OnDone == nil {
				continue
			}
			if res.err != nil {
				plan.OnDone(nil, res.err)
				continue
			}
			if plan.fast {
				path = "partial"
				plan.OnDone(b.completeFastRange(oid, plan, &res.ranges[i]))
			} else {
				plan.OnDone(b.completeFullRange(oid, plan, &res.ranges[i]))
			}
		}
	}
	metrics.ReadLatency.WithLabelValues(path).Observe(time.Since(op.start).Seconds())
	if op.onComplete != nil {
		op.onComplete()
	}
}

// completeFastRange decompresses each cell and slices the window out
// of the logically contiguous concatenation.
func (b *ECBackend) completeFastRange(oid proto.Oid, plan *rangePlan, res *rangeResult) ([]byte, error) {
	cinfo := b.getCompactInfo(oid)
	chunkSize := b.sinfo.ChunkSize()
	var concat []byte
	for cellIdx, cell := range plan.cells {
		buf := res.cells[cellIdx]
		out := cinfo.Decompact(cell.shard, buf.dOff, uint32(len(buf.data)), buf.data, nil, true)
		if uint64(len(out)) != chunkSize {
			log.Panicf("fast read cell on %s decompressed to %d, chunk size %d", oid.String(), len(out), chunkSize)
		}
		concat = append(concat, out...)
	}
	window := plan.Off - plan.cells[0].logicalStart
	end := window + plan.Len
	if end > uint64(len(concat)) {
		end = uint64(len(concat))
	}
	if window >= end {
		return nil, nil
	}
	return concat[window:end], nil
}

// completeFullRange decompresses each shard's chunks, erasure-decodes
// the stripes and slices the requested window.
func (b *ECBackend) completeFullRange(oid proto.Oid, plan *rangePlan, res *rangeResult) ([]byte, error) {
	cinfo := b.getCompactInfo(oid)
	toDecode := make(map[int][]byte, len(res.shards))
	minLen := uint64(0)
	first := true
	for shard, buf := range res.shards {
		out := cinfo.Decompact(shard, buf.dOff, uint32(len(buf.data)), buf.data, nil, true)
		toDecode[shard] = out
		if first || uint64(len(out)) < minLen {
			minLen = uint64(len(out))
			first = false
		}
	}
	if len(toDecode) < b.codec.DataChunkCount() {
		return nil, apierrors.ErrInsufficientShards
	}
	for shard, buf := range toDecode {
		toDecode[shard] = buf[:minLen]
	}
	logical, err := DecodeStripesConcat(b.sinfo, b.codec, toDecode)
	if err != nil {
		return nil, err
	}
	stripeStart := b.sinfo.AlignedChunkOffsetToLogicalOffset(plan.chunkOff)
	window := plan.Off - stripeStart
	if window >= uint64(len(logical)) {
		return nil, nil
	}
	end := window + plan.Len
	if end > uint64(len(logical)) {
		end = uint64(len(logical))
	}
	return logical[window:end], nil
}

// CheckRecoverySources cancels every read that depended on a downed
// peer. Canceled objects lose their callbacks silently; recovery
// objects additionally cancel their pull.
func (b *ECBackend) CheckRecoverySources(ctx context.Context, down proto.PgShard) {
	span := trace.SpanFromContextSafe(ctx)
	tids := b.shardToRead[down]
	delete(b.shardToRead, down)
	for tid := range tids {
		op, ok := b.tidToRead[tid]
		if !ok {
			continue
		}
		for oid, obj := range op.toRead {
			if _, uses := obj.reqs[down]; !uses || op.canceled[oid] {
				continue
			}
			span.Warnf("canceling read of %s: peer %v down", oid.String(), down)
			op.canceled[oid] = true
			if op.forRecovery {
				b.cancelRecovery(ctx, oid)
			}
		}
		delete(op.inProgress, down)
		if len(op.inProgress) == 0 {
			b.completeReadOp(ctx, op)
		}
	}
}
