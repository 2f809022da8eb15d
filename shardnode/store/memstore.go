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

package store

import (
	"context"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/log"

	apierrors "github.com/cubefs/ecstore/errors"
	"github.com/cubefs/ecstore/proto"
)

type memObject struct {
	data  []byte
	attrs map[string][]byte
	temp  bool
}

// MemStore is the in-memory ObjectStore used by tests and single-node
// runs. Transactions apply synchronously; callbacks fire inline,
// applied before committed, so callers that need deferral must post
// them onto their own worker.
type MemStore struct {
	mu      sync.Mutex
	objects map[proto.PgID]map[proto.GhObject]*memObject
}

func NewMemStore() *MemStore {
	return &MemStore{objects: make(map[proto.PgID]map[proto.GhObject]*memObject)}
}

func (m *MemStore) PG(id proto.PgID) ObjectStore {
	return &memPG{m: m, pg: id}
}

func (m *MemStore) group(pg proto.PgID) map[proto.GhObject]*memObject {
	g, ok := m.objects[pg]
	if !ok {
		g = make(map[proto.GhObject]*memObject)
		m.objects[pg] = g
	}
	return g
}

// CleanupTemp drops staging objects left behind in the group.
func (m *MemStore) CleanupTemp(ctx context.Context, pg proto.PgID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	group := m.group(pg)
	for gid, obj := range group {
		if obj.temp {
			delete(group, gid)
		}
	}
	return nil
}

type memPG struct {
	m  *MemStore
	pg proto.PgID
}

func (p *memPG) Read(gid proto.GhObject, off, length uint64) ([]byte, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	obj, ok := p.m.group(p.pg)[gid]
	if !ok {
		return nil, apierrors.ErrObjectDoesNotExist
	}
	if off >= uint64(len(obj.data)) {
		return nil, nil
	}
	end := off + length
	if end > uint64(len(obj.data)) {
		end = uint64(len(obj.data))
	}
	out := make([]byte, end-off)
	copy(out, obj.data[off:end])
	return out, nil
}

func (p *memPG) Stat(gid proto.GhObject) (uint64, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	obj, ok := p.m.group(p.pg)[gid]
	if !ok {
		return 0, apierrors.ErrObjectDoesNotExist
	}
	return uint64(len(obj.data)), nil
}

func (p *memPG) GetAttr(gid proto.GhObject, key string) ([]byte, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	obj, ok := p.m.group(p.pg)[gid]
	if !ok {
		return nil, apierrors.ErrObjectDoesNotExist
	}
	raw, ok := obj.attrs[key]
	if !ok {
		return nil, apierrors.ErrAttrDoesNotExist
	}
	return raw, nil
}

func (p *memPG) GetAttrs(gid proto.GhObject) (map[string][]byte, error) {
	p.m.mu.Lock()
	defer p.m.mu.Unlock()
	obj, ok := p.m.group(p.pg)[gid]
	if !ok {
		return nil, apierrors.ErrObjectDoesNotExist
	}
	out := make(map[string][]byte, len(obj.attrs))
	for k, v := range obj.attrs {
		out[k] = v
	}
	return out, nil
}

func (p *memPG) Preheat(gid proto.GhObject, off, length uint64) {}

func (p *memPG) Queue(ctx context.Context, txn *proto.Transaction, onApplied, onCommitted func()) {
	p.m.mu.Lock()
	group := p.m.group(p.pg)
	for i := range txn.Records {
		r := &txn.Records[i]
		switch r.Op {
		case proto.TxnWrite:
			obj, ok := group[r.Gid]
			if !ok {
				obj = &memObject{attrs: make(map[string][]byte)}
				group[r.Gid] = obj
			}
			end := r.Off + uint64(len(r.Data))
			if uint64(len(obj.data)) < end {
				grown := make([]byte, end)
				copy(grown, obj.data)
				obj.data = grown
			}
			copy(obj.data[r.Off:], r.Data)
		case proto.TxnSetAttrs:
			obj, ok := group[r.Gid]
			if !ok {
				obj = &memObject{attrs: make(map[string][]byte)}
				group[r.Gid] = obj
			}
			for k, v := range r.Attrs {
				obj.attrs[k] = v
			}
		case proto.TxnTruncate:
			if obj, ok := group[r.Gid]; ok && uint64(len(obj.data)) > r.Off {
				obj.data = obj.data[:r.Off]
			}
		case proto.TxnRemove:
			delete(group, r.Gid)
		case proto.TxnMoveCollection:
			from := proto.GhObject{Oid: proto.TempOid(r.Gid.Oid.Name), Shard: r.Gid.Shard}
			to := proto.GhObject{Oid: r.Gid.Oid.Canonical(), Shard: r.Gid.Shard}
			obj, ok := group[from]
			if !ok {
				log.Panicf("move collection %s: staging object missing", r.Gid.Oid.Name)
			}
			obj.temp = false
			group[to] = obj
			delete(group, from)
		case proto.TxnTouchTempCollection:
			obj, ok := group[r.Gid]
			if !ok {
				obj = &memObject{attrs: make(map[string][]byte)}
				group[r.Gid] = obj
			}
			obj.temp = true
		default:
			log.Panicf("op %d: %v", r.Op, apierrors.ErrUnknownTxnOp)
		}
	}
	p.m.mu.Unlock()
	if onApplied != nil {
		onApplied()
	}
	if onCommitted != nil {
		onCommitted()
	}
}
