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

package catalog

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/ecstore/errors"
	"github.com/cubefs/ecstore/proto"
	"github.com/cubefs/ecstore/shardnode/ecbackend"
	"github.com/cubefs/ecstore/shardnode/store"
)

// PGConfig describes one placement group this node is a member of.
// Backend carries the group id and erasure geometry.
type PGConfig struct {
	Epoch    uint32           `json:"epoch"`
	Acting   []proto.PgShard  `json:"acting"`
	Backfill []proto.PgShard  `json:"backfill"`
	Backend  ecbackend.Config `json:"backend"`
}

type objectInfo struct {
	size    uint64
	version proto.EVersion
}

// pendingCall is one blocked client entry point. The worker finishes
// it exactly once; a membership change finishes every registered call
// with ErrPgMembershipChanged.
type pendingCall struct {
	ch chan error
}

// PG is one placement group on this node: the erasure backend plus
// the group bookkeeping it listens on. All state below the worker is
// touched only from the worker goroutine; client entry points post
// closures and block until the worker finishes their call.
type PG struct {
	id        proto.PgID
	self      proto.PgShard
	chunks    int
	w         *worker
	backend   *ecbackend.ECBackend
	store     store.ObjectStore
	transport Transport

	epoch    uint32
	seq      uint64
	tid      proto.Tid
	acting   []proto.PgShard
	backfill []proto.PgShard
	lastBf   map[proto.PgShard]proto.Oid
	missing  map[proto.PgShard]map[proto.Oid]bool
	objInfo  map[proto.Oid]objectInfo

	calls          map[*pendingCall]struct{}
	recoverWaiters map[proto.Oid][]*pendingCall
}

func newPG(cfg PGConfig, self proto.PgShard, os store.ObjectStore, tr Transport) (*PG, error) {
	codec, err := ecbackend.NewRSCodec(cfg.Backend.DataChunks, cfg.Backend.ParityChunks)
	if err != nil {
		return nil, err
	}
	p := &PG{
		id:             cfg.Backend.PgID,
		self:           self,
		chunks:         cfg.Backend.DataChunks + cfg.Backend.ParityChunks,
		store:          os,
		transport:      tr,
		epoch:          cfg.Epoch,
		acting:         append([]proto.PgShard{}, cfg.Acting...),
		backfill:       append([]proto.PgShard{}, cfg.Backfill...),
		lastBf:         make(map[proto.PgShard]proto.Oid),
		missing:        make(map[proto.PgShard]map[proto.Oid]bool),
		objInfo:        make(map[proto.Oid]objectInfo),
		calls:          make(map[*pendingCall]struct{}),
		recoverWaiters: make(map[proto.Oid][]*pendingCall),
	}
	p.backend = ecbackend.New(cfg.Backend, codec, p, os)
	p.w = newWorker()
	return p, nil
}

func (p *PG) ID() proto.PgID { return p.id }

func (p *PG) close() { p.w.close() }

func newCall() *pendingCall { return &pendingCall{ch: make(chan error, 1)} }

// register and finish run on the worker.
func (p *PG) register(c *pendingCall) { p.calls[c] = struct{}{} }

func (p *PG) finish(c *pendingCall, err error) {
	if _, ok := p.calls[c]; !ok {
		return
	}
	delete(p.calls, c)
	c.ch <- err
}

func (p *PG) wait(ctx context.Context, c *pendingCall) error {
	select {
	case err := <-c.ch:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Write appends data at off, which must be the object's current
// logical tail. It returns once every acting shard committed.
func (p *PG) Write(ctx context.Context, oid proto.Oid, off uint64, data []byte) error {
	span := trace.SpanFromContextSafe(ctx)
	call := newCall()
	p.w.post(func() {
		p.register(call)
		size := uint64(0)
		mod := proto.ModDesc{Kind: proto.ModCreate}
		if info, ok := p.objInfo[oid]; ok {
			size = info.size
			mod = proto.ModDesc{Kind: proto.ModAppend, PrevSize: size}
		}
		if off != size {
			p.finish(call, apierrors.ErrOffsetMismatch)
			return
		}
		p.seq++
		version := proto.EVersion{Epoch: p.epoch, Seq: p.seq}
		txn := &ecbackend.WriteTxn{}
		txn.Append(oid, off, data)
		p.backend.SubmitTransaction(ctx, &ecbackend.WriteArgs{
			Tid:       p.NextTid(),
			ReqID:     span.TraceID(),
			Oid:       oid,
			AtVersion: version,
			Txn:       txn,
			LogEntries: []proto.LogEntry{{
				Version: version,
				Oid:     oid,
				Mod:     mod,
			}},
			OnAllCommit: func() {
				p.objInfo[oid] = objectInfo{size: off + uint64(len(data)), version: version}
				p.finish(call, nil)
			},
		})
	})
	return p.wait(ctx, call)
}

// Read returns length bytes at logical offset off, short at the
// object's end.
func (p *PG) Read(ctx context.Context, oid proto.Oid, off, length uint64) ([]byte, error) {
	call := newCall()
	var (
		out     []byte
		readErr error
		fired   bool
	)
	p.w.post(func() {
		p.register(call)
		err := p.backend.ObjectsReadAsync(ctx, oid, []ecbackend.ReadRange{{
			Off: off,
			Len: length,
			OnDone: func(data []byte, err error) {
				fired = true
				out, readErr = data, err
			},
		}}, func() {
			if !fired {
				readErr = apierrors.ErrReadCanceled
			}
			p.finish(call, readErr)
		})
		if err != nil {
			p.finish(call, err)
		}
	})
	if err := p.wait(ctx, call); err != nil {
		return nil, err
	}
	return out, nil
}

// Recover repairs oid onto every shard missing it and returns when
// the object is fully present, or with ErrRecoveryCanceled when the
// group cannot assemble enough sources.
func (p *PG) Recover(ctx context.Context, oid proto.Oid) error {
	call := newCall()
	p.w.post(func() {
		p.register(call)
		if len(p.MissingOnShards(oid)) == 0 {
			p.finish(call, nil)
			return
		}
		info, ok := p.objInfo[oid]
		if !ok {
			p.finish(call, apierrors.ErrObjectDoesNotExist)
			return
		}
		running := len(p.recoverWaiters[oid]) > 0
		p.recoverWaiters[oid] = append(p.recoverWaiters[oid], call)
		if running {
			return
		}
		h := p.backend.OpenRecoveryOp()
		p.backend.RecoverObject(oid, info.version, h)
		p.backend.RunRecoveryOp(ctx, h)
	})
	return p.wait(ctx, call)
}

// DeepScrub verifies the local shard of oid chunk by chunk.
func (p *PG) DeepScrub(ctx context.Context, oid proto.Oid) (ecbackend.ScrubRecord, error) {
	call := newCall()
	var rec ecbackend.ScrubRecord
	p.w.post(func() {
		p.register(call)
		rec = p.backend.BeDeepScrub(ctx, oid)
		p.finish(call, nil)
	})
	err := p.wait(ctx, call)
	return rec, err
}

// ObjectStat returns the object's logical size and the version of its
// last committed write.
func (p *PG) ObjectStat(ctx context.Context, oid proto.Oid) (uint64, proto.EVersion, error) {
	call := newCall()
	var (
		size    uint64
		version proto.EVersion
	)
	p.w.post(func() {
		p.register(call)
		info, ok := p.objInfo[oid]
		if !ok {
			p.finish(call, apierrors.ErrObjectDoesNotExist)
			return
		}
		size, version = info.size, info.version
		p.finish(call, nil)
	})
	err := p.wait(ctx, call)
	return size, version, err
}

// ListObjects snapshots the ids of every object the group knows.
func (p *PG) ListObjects(ctx context.Context) ([]proto.Oid, error) {
	call := newCall()
	var oids []proto.Oid
	p.w.post(func() {
		p.register(call)
		oids = make([]proto.Oid, 0, len(p.objInfo))
		for oid := range p.objInfo {
			oids = append(oids, oid)
		}
		p.finish(call, nil)
	})
	err := p.wait(ctx, call)
	return oids, err
}

// Preheat asks every acting shard to warm its cache for oid.
func (p *PG) Preheat(ctx context.Context, oid proto.Oid) {
	p.w.post(func() {
		p.backend.ObjectPreheat(ctx, oid)
	})
}

// MarkMissing records that peer lost its shard of oid. Recovery and
// degraded reads route around it until the object is repaired.
func (p *PG) MarkMissing(peer proto.PgShard, oid proto.Oid) {
	p.w.post(func() {
		if p.missing[peer] == nil {
			p.missing[peer] = make(map[proto.Oid]bool)
		}
		p.missing[peer][oid] = true
	})
}

// HandleSubOp delivers one inbound peer message in arrival order.
func (p *PG) HandleSubOp(ctx context.Context, from proto.PgShard, msg proto.Message) {
	p.w.post(func() {
		p.backend.HandleSubOpMessage(ctx, from, msg)
	})
}

// NodeDown cancels work depending on the peer's shard.
func (p *PG) NodeDown(ctx context.Context, node proto.NodeID) {
	p.w.post(func() {
		for _, peer := range p.acting {
			if peer.NodeID == node {
				p.backend.CheckRecoverySources(ctx, peer)
			}
		}
	})
}

// PGMembership is an epoch-stamped view of the group's members.
type PGMembership struct {
	Epoch    uint32          `json:"epoch"`
	Acting   []proto.PgShard `json:"acting"`
	Backfill []proto.PgShard `json:"backfill"`
}

// UpdateMembership installs a newer membership view. Every in-flight
// operation is abandoned; blocked client calls fail with
// ErrPgMembershipChanged. Stale epochs are ignored.
func (p *PG) UpdateMembership(ctx context.Context, m PGMembership) {
	p.w.post(func() {
		if m.Epoch <= p.epoch {
			return
		}
		p.epoch = m.Epoch
		p.seq = 0
		p.acting = append([]proto.PgShard{}, m.Acting...)
		p.backfill = append([]proto.PgShard{}, m.Backfill...)
		members := make(map[proto.PgShard]bool, len(p.acting)+len(p.backfill))
		for _, peer := range p.acting {
			members[peer] = true
		}
		for _, peer := range p.backfill {
			members[peer] = true
		}
		for peer := range p.missing {
			if !members[peer] {
				delete(p.missing, peer)
				delete(p.lastBf, peer)
			}
		}
		p.backend.OnChange()
		p.recoverWaiters = make(map[proto.Oid][]*pendingCall)
		for c := range p.calls {
			p.finish(c, apierrors.ErrPgMembershipChanged)
		}
	})
}

// PGStats is a point-in-time summary for reports and the http surface.
type PGStats struct {
	ID             proto.PgID      `json:"id"`
	Epoch          uint32          `json:"epoch"`
	Acting         []proto.PgShard `json:"acting"`
	Backfill       []proto.PgShard `json:"backfill"`
	Objects        int             `json:"objects"`
	MissingObjects int             `json:"missing_objects"`
}

func (p *PG) Stats(ctx context.Context) (PGStats, error) {
	call := newCall()
	var stats PGStats
	p.w.post(func() {
		p.register(call)
		stats = PGStats{
			ID:       p.id,
			Epoch:    p.epoch,
			Acting:   append([]proto.PgShard{}, p.acting...),
			Backfill: append([]proto.PgShard{}, p.backfill...),
			Objects:  len(p.objInfo),
		}
		for _, oids := range p.missing {
			stats.MissingObjects += len(oids)
		}
		p.finish(call, nil)
	})
	err := p.wait(ctx, call)
	return stats, err
}
