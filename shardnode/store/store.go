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
	"bytes"
	"context"
	"encoding/binary"
	"sync"

	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/ecstore/common/kvstore"
	apierrors "github.com/cubefs/ecstore/errors"
	"github.com/cubefs/ecstore/proto"
)

const (
	dataCF  = kvstore.CF("data")
	attrCF  = kvstore.CF("attr")
	tempCF  = kvstore.CF("temp")
	superCF = kvstore.CF("super")
)

var (
	magicKey   = []byte("ecstore_magic")
	magicValue = []byte("ecstore.store.v1")
)

const (
	defaultQueueDepth = 1024
	defaultBatchSize  = 64
)

// ObjectStore is one placement group's slice of the node store. Reads
// are synchronous; all mutation goes through Queue, whose callbacks
// fire from the store's writer goroutine after the batch lands.
type ObjectStore interface {
	Read(gid proto.GhObject, off, length uint64) ([]byte, error)
	Stat(gid proto.GhObject) (uint64, error)
	GetAttr(gid proto.GhObject, key string) ([]byte, error)
	GetAttrs(gid proto.GhObject) (map[string][]byte, error)
	Preheat(gid proto.GhObject, off, length uint64)
	Queue(ctx context.Context, txn *proto.Transaction, onApplied, onCommitted func())
}

type Config struct {
	Path       string         `json:"path"`
	KVOption   kvstore.Option `json:"kv_option"`
	QueueDepth int            `json:"queue_depth"`
	BatchSize  int            `json:"batch_size"`
}

type queuedTxn struct {
	pg          proto.PgID
	txn         *proto.Transaction
	onApplied   func()
	onCommitted func()
}

// Store is the node-wide object store over a rocksdb instance. Object
// payloads live in the data column family keyed by placement group and
// shard-qualified object id, xattrs in the attr family under the same
// prefix, and staging markers in the temp family.
type Store struct {
	kv  kvstore.Store
	cfg Config

	pending chan queuedTxn
	stop    chan struct{}
	wg      sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.QueueDepth == 0 {
		cfg.QueueDepth = defaultQueueDepth
	}
	if cfg.BatchSize == 0 {
		cfg.BatchSize = defaultBatchSize
	}
	cfg.KVOption.CreateIfMissing = true
	cfg.KVOption.ColumnFamily = []kvstore.CF{dataCF, attrCF, tempCF, superCF}
	kv, err := kvstore.NewKVStore(ctx, cfg.Path, kvstore.RocksdbLsmKVType, &cfg.KVOption)
	if err != nil {
		return nil, err
	}
	s := &Store{
		kv:      kv,
		cfg:     cfg,
		pending: make(chan queuedTxn, cfg.QueueDepth),
		stop:    make(chan struct{}),
	}
	if err := s.checkSuperblock(ctx); err != nil {
		kv.Close()
		return nil, err
	}
	s.wg.Add(1)
	go s.writerLoop()
	return s, nil
}

// checkSuperblock formats a fresh store and rejects a foreign one.
func (s *Store) checkSuperblock(ctx context.Context) error {
	raw, err := s.kv.GetRaw(ctx, superCF, magicKey)
	if err == kvstore.ErrNotFound {
		return s.kv.SetRaw(ctx, superCF, magicKey, magicValue)
	}
	if err != nil {
		return err
	}
	if !bytes.Equal(raw, magicValue) {
		return apierrors.ErrStoreCorrupted
	}
	return nil
}

func (s *Store) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	close(s.stop)
	s.wg.Wait()
	s.kv.Close()
}

func (s *Store) Stats(ctx context.Context) (kvstore.Stats, error) {
	return s.kv.Stats(ctx)
}

// PG scopes the store to one placement group.
func (s *Store) PG(id proto.PgID) ObjectStore {
	return &pgStore{s: s, pg: id}
}

// CleanupTemp drops staging objects a crash left behind in the group.
func (s *Store) CleanupTemp(ctx context.Context, pg proto.PgID) error {
	prefix := binary.BigEndian.AppendUint32(nil, uint32(pg))
	lr := s.kv.List(ctx, tempCF, prefix, nil)
	defer lr.Close()

	wb := s.kv.NewWriteBatch()
	defer wb.Close()
	dirty := false
	for {
		key, _, err := lr.ReadNextCopy()
		if err != nil {
			return err
		}
		if key == nil {
			break
		}
		wb.Delete(dataCF, key)
		wb.DeleteRange(attrCF, key, prefixSuccessor(key))
		wb.Delete(tempCF, key)
		dirty = true
	}
	if !dirty {
		return nil
	}
	return s.kv.Write(ctx, wb)
}

func (s *Store) writerLoop() {
	defer s.wg.Done()
	for {
		var first queuedTxn
		select {
		case first = <-s.pending:
		case <-s.stop:
			// Drain what was queued before the close.
			for {
				select {
				case qt := <-s.pending:
					s.applyBatch([]queuedTxn{qt})
				default:
					return
				}
			}
		}
		batch := []queuedTxn{first}
	more:
		for len(batch) < s.cfg.BatchSize {
			select {
			case qt := <-s.pending:
				batch = append(batch, qt)
			default:
				break more
			}
		}
		s.applyBatch(batch)
	}
}

// applyBatch stages every transaction over a shared view, lands the
// combined write batch and fires the callbacks, applied before
// committed. A store that cannot apply a queued transaction is dead.
func (s *Store) applyBatch(batch []queuedTxn) {
	ctx := context.Background()
	view := newBatchView(ctx, s)
	for _, qt := range batch {
		if err := view.apply(qt.pg, qt.txn); err != nil {
			log.Panicf("object store apply: %v", err)
		}
	}
	wb := s.kv.NewWriteBatch()
	view.flush(wb)
	if err := s.kv.Write(ctx, wb); err != nil {
		log.Panicf("object store write batch: %v", err)
	}
	wb.Close()
	for _, qt := range batch {
		if qt.onApplied != nil {
			qt.onApplied()
		}
	}
	for _, qt := range batch {
		if qt.onCommitted != nil {
			qt.onCommitted()
		}
	}
}

// pgStore binds an ObjectStore view to one placement group.
type pgStore struct {
	s  *Store
	pg proto.PgID
}

func (p *pgStore) Read(gid proto.GhObject, off, length uint64) ([]byte, error) {
	data, err := p.s.kv.GetRaw(context.Background(), dataCF, objectKey(p.pg, gid))
	if err == kvstore.ErrNotFound {
		return nil, apierrors.ErrObjectDoesNotExist
	}
	if err != nil {
		return nil, err
	}
	if off >= uint64(len(data)) {
		return nil, nil
	}
	end := off + length
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	return data[off:end], nil
}

func (p *pgStore) Stat(gid proto.GhObject) (uint64, error) {
	value, err := p.s.kv.Get(context.Background(), dataCF, objectKey(p.pg, gid))
	if err == kvstore.ErrNotFound {
		return 0, apierrors.ErrObjectDoesNotExist
	}
	if err != nil {
		return 0, err
	}
	size := uint64(value.Size())
	value.Close()
	return size, nil
}

func (p *pgStore) GetAttr(gid proto.GhObject, key string) ([]byte, error) {
	okey := objectKey(p.pg, gid)
	raw, err := p.s.kv.GetRaw(context.Background(), attrCF, attrKey(okey, key))
	if err == kvstore.ErrNotFound {
		if _, serr := p.Stat(gid); serr != nil {
			return nil, serr
		}
		return nil, apierrors.ErrAttrDoesNotExist
	}
	return raw, err
}

func (p *pgStore) GetAttrs(gid proto.GhObject) (map[string][]byte, error) {
	okey := objectKey(p.pg, gid)
	if _, err := p.Stat(gid); err != nil {
		return nil, err
	}
	lr := p.s.kv.List(context.Background(), attrCF, okey, nil)
	defer lr.Close()
	out := make(map[string][]byte)
	for {
		key, value, err := lr.ReadNextCopy()
		if err != nil {
			return nil, err
		}
		if key == nil {
			return out, nil
		}
		out[string(key[len(okey):])] = value
	}
}

// Preheat pulls the range through the block cache and drops it.
func (p *pgStore) Preheat(gid proto.GhObject, off, length uint64) {
	_, _ = p.Read(gid, off, length)
}

func (p *pgStore) Queue(ctx context.Context, txn *proto.Transaction, onApplied, onCommitted func()) {
	qt := queuedTxn{pg: p.pg, txn: txn, onApplied: onApplied, onCommitted: onCommitted}
	select {
	case p.s.pending <- qt:
	case <-p.s.stop:
		log.Warnf("transaction dropped, store closed")
	}
}

// objectKey is pg + shard + staging flag + length-prefixed name. The
// length prefix keeps attr keys, which append the attr name, from
// colliding across objects.
func objectKey(pg proto.PgID, gid proto.GhObject) []byte {
	name := gid.Oid.Name
	key := make([]byte, 0, 11+len(name))
	key = binary.BigEndian.AppendUint32(key, uint32(pg))
	key = binary.BigEndian.AppendUint32(key, uint32(gid.Shard))
	if gid.Oid.Temp {
		key = append(key, 1)
	} else {
		key = append(key, 0)
	}
	key = binary.BigEndian.AppendUint16(key, uint16(len(name)))
	return append(key, name...)
}

func attrKey(objKey []byte, name string) []byte {
	return append(append(make([]byte, 0, len(objKey)+len(name)), objKey...), name...)
}

func prefixSuccessor(prefix []byte) []byte {
	succ := append([]byte{}, prefix...)
	for i := len(succ) - 1; i >= 0; i-- {
		if succ[i] != 0xff {
			succ[i]++
			return succ[:i+1]
		}
	}
	return nil
}
