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
	"fmt"

	"github.com/cubefs/ecstore/common/kvstore"
	apierrors "github.com/cubefs/ecstore/errors"
	"github.com/cubefs/ecstore/proto"
)

// batchView stages a batch of transactions in memory so that later
// records observe earlier ones before anything reaches the write
// batch. A staged move of a collection written in the same batch must
// see the written bytes.
type batchView struct {
	ctx     context.Context
	s       *Store
	objects map[string]*stagedObject
}

type stagedObject struct {
	key    []byte
	exists bool
	data   []byte

	// attrs holds only staged values; flush writes every entry.
	attrs map[string][]byte

	temp bool

	dataDirty bool
	wipeAttrs bool
	tempDirty bool
	wipe      bool
}

func newBatchView(ctx context.Context, s *Store) *batchView {
	return &batchView{ctx: ctx, s: s, objects: make(map[string]*stagedObject)}
}

func (v *batchView) get(pg proto.PgID, gid proto.GhObject) (*stagedObject, error) {
	key := objectKey(pg, gid)
	if so, ok := v.objects[string(key)]; ok {
		return so, nil
	}
	so := &stagedObject{key: key, attrs: make(map[string][]byte)}
	data, err := v.s.kv.GetRaw(v.ctx, dataCF, key)
	switch err {
	case nil:
		so.exists = true
		so.data = data
	case kvstore.ErrNotFound:
	default:
		return nil, err
	}
	v.objects[string(key)] = so
	return so, nil
}

// fullAttrs merges the stored attrs under the staged overlay.
func (v *batchView) fullAttrs(so *stagedObject) (map[string][]byte, error) {
	merged := make(map[string][]byte, len(so.attrs))
	if !so.wipeAttrs {
		lr := v.s.kv.List(v.ctx, attrCF, so.key, nil)
		defer lr.Close()
		for {
			key, value, err := lr.ReadNextCopy()
			if err != nil {
				return nil, err
			}
			if key == nil {
				break
			}
			merged[string(key[len(so.key):])] = value
		}
	}
	for k, val := range so.attrs {
		merged[k] = val
	}
	return merged, nil
}

func (so *stagedObject) wipeObject() {
	so.exists = false
	so.data = nil
	so.dataDirty = false
	so.attrs = make(map[string][]byte)
	so.wipeAttrs = true
	so.temp = false
	so.tempDirty = true
	so.wipe = true
}

func (v *batchView) apply(pg proto.PgID, txn *proto.Transaction) error {
	for i := range txn.Records {
		r := &txn.Records[i]
		switch r.Op {
		case proto.TxnWrite:
			so, err := v.get(pg, r.Gid)
			if err != nil {
				return err
			}
			end := r.Off + uint64(len(r.Data))
			if uint64(len(so.data)) < end {
				grown := make([]byte, end)
				copy(grown, so.data)
				so.data = grown
			}
			copy(so.data[r.Off:], r.Data)
			so.exists = true
			so.dataDirty = true
		case proto.TxnSetAttrs:
			so, err := v.get(pg, r.Gid)
			if err != nil {
				return err
			}
			for k, val := range r.Attrs {
				so.attrs[k] = val
			}
		case proto.TxnTruncate:
			so, err := v.get(pg, r.Gid)
			if err != nil {
				return err
			}
			if so.exists && uint64(len(so.data)) > r.Off {
				so.data = so.data[:r.Off]
				so.dataDirty = true
			}
		case proto.TxnRemove:
			so, err := v.get(pg, r.Gid)
			if err != nil {
				return err
			}
			so.wipeObject()
		case proto.TxnMoveCollection:
			src, err := v.get(pg, proto.GhObject{Oid: proto.TempOid(r.Gid.Oid.Name), Shard: r.Gid.Shard})
			if err != nil {
				return err
			}
			if !src.exists {
				return fmt.Errorf("move collection %s: %w", r.Gid.Oid.Name, apierrors.ErrObjectDoesNotExist)
			}
			attrs, err := v.fullAttrs(src)
			if err != nil {
				return err
			}
			dst, err := v.get(pg, proto.GhObject{Oid: r.Gid.Oid.Canonical(), Shard: r.Gid.Shard})
			if err != nil {
				return err
			}
			dst.exists = true
			dst.data = append([]byte{}, src.data...)
			dst.dataDirty = true
			dst.wipeAttrs = true
			dst.attrs = attrs
			src.wipeObject()
		case proto.TxnTouchTempCollection:
			so, err := v.get(pg, r.Gid)
			if err != nil {
				return err
			}
			so.temp = true
			so.tempDirty = true
		default:
			return fmt.Errorf("op %d: %w", r.Op, apierrors.ErrUnknownTxnOp)
		}
	}
	return nil
}

func (v *batchView) flush(wb kvstore.WriteBatch) {
	for _, so := range v.objects {
		if so.wipe && !so.exists {
			wb.Delete(dataCF, so.key)
			wb.DeleteRange(attrCF, so.key, prefixSuccessor(so.key))
			wb.Delete(tempCF, so.key)
			continue
		}
		if so.wipeAttrs {
			wb.DeleteRange(attrCF, so.key, prefixSuccessor(so.key))
		}
		if so.dataDirty {
			wb.Put(dataCF, so.key, so.data)
		}
		for k, val := range so.attrs {
			wb.Put(attrCF, attrKey(so.key, k), val)
		}
		if so.tempDirty {
			if so.temp {
				wb.Put(tempCF, so.key, []byte{1})
			} else {
				wb.Delete(tempCF, so.key)
			}
		}
	}
}
