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
)

// Transport moves sub-op messages between placement-group peers. The
// daemon's peer connection pool implements it.
type Transport interface {
	Send(ctx context.Context, from, to proto.PgShard, pg proto.PgID, msg proto.Message) error
}

// The methods below are the backend's Listener contract. The backend
// only calls them from PG worker closures, so they read and write the
// group state without further locking.

func (p *PG) Whoami() proto.PgShard { return p.self }

func (p *PG) ActingShards() []proto.PgShard { return p.acting }

func (p *PG) BackfillShards() []proto.PgShard { return p.backfill }

func (p *PG) LastBackfill(peer proto.PgShard) proto.Oid { return p.lastBf[peer] }

func (p *PG) IsMissing(peer proto.PgShard, oid proto.Oid) bool {
	return p.missing[peer][oid]
}

// MissingLoc would list stray holders beyond the acting set. The
// catalog tracks none, every copy lives on an acting or backfill
// member.
func (p *PG) MissingLoc(oid proto.Oid) []proto.PgShard { return nil }

func (p *PG) MissingOnShards(oid proto.Oid) []proto.PgShard {
	var out []proto.PgShard
	for _, peer := range p.acting {
		if p.missing[peer][oid] {
			out = append(out, peer)
		}
	}
	return out
}

func (p *PG) Undersized() bool { return len(p.acting) < p.chunks }

func (p *PG) ObjectInfo(oid proto.Oid) (uint64, proto.EVersion, bool) {
	info, ok := p.objInfo[oid]
	return info.size, info.version, ok
}

func (p *PG) NextTid() proto.Tid {
	p.tid++
	return p.tid
}

// Send routes a message to a peer. Messages to this shard loop back
// through the worker queue so they observe the same ordering as
// remote deliveries. A failed send marks the peer as a lost source.
func (p *PG) Send(ctx context.Context, to proto.PgShard, msg proto.Message) {
	if to == p.self {
		p.w.post(func() {
			p.backend.HandleSubOpMessage(ctx, p.self, msg)
		})
		return
	}
	if err := p.transport.Send(ctx, p.self, to, p.id, msg); err != nil {
		span := trace.SpanFromContextSafe(ctx)
		span.Warnf("pg %d send %d to %+v failed: %v", p.id, msg.Kind(), to, err)
		p.w.post(func() {
			p.backend.CheckRecoverySources(ctx, to)
		})
	}
}

// Queue hands the transaction to the store and re-posts its
// completion callbacks onto the worker, so backend state is only
// touched from the worker goroutine.
func (p *PG) Queue(ctx context.Context, txn *proto.Transaction, onApplied, onCommitted func()) {
	wrap := func(fn func()) func() {
		if fn == nil {
			return nil
		}
		return func() { p.w.post(fn) }
	}
	p.store.Queue(ctx, txn, wrap(onApplied), wrap(onCommitted))
}

func (p *PG) OnPeerRecover(peer proto.PgShard, oid proto.Oid) {
	delete(p.missing[peer], oid)
	for _, bf := range p.backfill {
		if bf == peer && p.lastBf[peer].Less(oid) {
			p.lastBf[peer] = oid
		}
	}
}

func (p *PG) OnGlobalRecover(oid proto.Oid) {
	for _, oids := range p.missing {
		delete(oids, oid)
	}
	waiters := p.recoverWaiters[oid]
	delete(p.recoverWaiters, oid)
	for _, c := range waiters {
		p.finish(c, nil)
	}
}

func (p *PG) CancelPull(oid proto.Oid) {
	waiters := p.recoverWaiters[oid]
	delete(p.recoverWaiters, oid)
	for _, c := range waiters {
		p.finish(c, apierrors.ErrRecoveryCanceled)
	}
}
