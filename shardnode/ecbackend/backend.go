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

	"github.com/cubefs/cubefs/blobstore/util/log"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/cubefs/ecstore/common/lrucache"
	apierrors "github.com/cubefs/ecstore/errors"
	"github.com/cubefs/ecstore/proto"
)

const (
	defaultPartialReadRatio = 0.5
	defaultRecoveryMaxChunk = 8 << 20
	defaultScrubStride      = 512 << 10
	defaultRegistrySize     = 256
	defaultRecoveryRate     = 64 << 20
)

type Config struct {
	PgID             proto.PgID `json:"pg_id"`
	DataChunks       int        `json:"data_chunks"`
	ParityChunks     int        `json:"parity_chunks"`
	StripeWidth      uint64     `json:"stripe_width"`
	PartialReadRatio float64    `json:"partial_read_ratio"`
	SubreadAll       bool       `json:"subread_all"`
	RecoveryMaxChunk uint64     `json:"recovery_max_chunk"`
	ScrubStride      uint64     `json:"scrub_stride"`
	RegistrySize     int        `json:"registry_size"`
	RecoveryRate     int        `json:"recovery_rate"`
}

func (cfg *Config) fixup() {
	if cfg.PartialReadRatio <= 0 {
		cfg.PartialReadRatio = defaultPartialReadRatio
	}
	if cfg.RecoveryMaxChunk == 0 {
		cfg.RecoveryMaxChunk = defaultRecoveryMaxChunk
	}
	if cfg.ScrubStride == 0 {
		cfg.ScrubStride = defaultScrubStride
	}
	if cfg.RegistrySize == 0 {
		cfg.RegistrySize = defaultRegistrySize
	}
	if cfg.RecoveryRate == 0 {
		cfg.RecoveryRate = defaultRecoveryRate
	}
}

// Listener is the placement-group side of the backend: topology,
// missing-set bookkeeping, tid allocation, peer messaging and the
// local transaction queue. The catalog implements it.
type Listener interface {
	Whoami() proto.PgShard
	// ActingShards lists the live placement-group members; each
	// entry's Shard field is its shard index.
	ActingShards() []proto.PgShard
	BackfillShards() []proto.PgShard
	LastBackfill(peer proto.PgShard) proto.Oid
	IsMissing(peer proto.PgShard, oid proto.Oid) bool
	// MissingLoc lists extra shards known to hold the object beyond
	// the acting set.
	MissingLoc(oid proto.Oid) []proto.PgShard
	// MissingOnShards lists the peers that need the object recovered.
	MissingOnShards(oid proto.Oid) []proto.PgShard
	Undersized() bool
	// ObjectInfo returns the recorded size and version of an object.
	ObjectInfo(oid proto.Oid) (uint64, proto.EVersion, bool)

	NextTid() proto.Tid
	Send(ctx context.Context, to proto.PgShard, msg proto.Message)
	Queue(ctx context.Context, txn *proto.Transaction, onApplied, onCommitted func())

	OnPeerRecover(peer proto.PgShard, oid proto.Oid)
	OnGlobalRecover(oid proto.Oid)
	CancelPull(oid proto.Oid)
}

// objectStore is the slice of the local store the backend reads
// synchronously. Writes always go through Listener.Queue.
type objectStore interface {
	Read(gid proto.GhObject, off, length uint64) ([]byte, error)
	Stat(gid proto.GhObject) (uint64, error)
	GetAttr(gid proto.GhObject, key string) ([]byte, error)
	GetAttrs(gid proto.GhObject) (map[string][]byte, error)
	Preheat(gid proto.GhObject, off, length uint64)
}

// ECBackend services reads, writes, recovery and scrub for one
// placement group. All maps below are touched only from the group
// worker; the metadata registries carry their own synchronization.
type ECBackend struct {
	cfg   Config
	sinfo *StripeInfo
	codec Codec
	lst   Listener
	store objectStore

	hinfoRegistry *lrucache.Cache[proto.Oid, *HashInfo]
	cinfoRegistry *lrucache.Cache[proto.Oid, *CompactInfo]
	metaLoads     singleflight.Group
	// pinnedMeta counts in-flight writes per object. While nonzero the
	// object's metadata entries are pinned in the registries.
	pinnedMeta map[proto.Oid]int

	tidToOp     map[proto.Tid]*writeOp
	writing     []*writeOp
	tidToRead   map[proto.Tid]*readOp
	shardToRead map[proto.PgShard]map[proto.Tid]struct{}
	recoveryOps map[proto.Oid]*recoveryOp

	recoveryLimiter *rate.Limiter
}

func New(cfg Config, codec Codec, lst Listener, store objectStore) *ECBackend {
	cfg.fixup()
	if codec.DataChunkCount() != cfg.DataChunks || codec.ChunkCount() != cfg.DataChunks+cfg.ParityChunks {
		log.Panicf("codec geometry %d+%d does not match config %d+%d",
			codec.DataChunkCount(), codec.ChunkCount()-codec.DataChunkCount(),
			cfg.DataChunks, cfg.ParityChunks)
	}
	return &ECBackend{
		cfg:             cfg,
		sinfo:           NewStripeInfo(cfg.DataChunks, cfg.StripeWidth),
		codec:           codec,
		lst:             lst,
		store:           store,
		hinfoRegistry:   lrucache.New[proto.Oid, *HashInfo](cfg.RegistrySize, proto.Oid.Less),
		cinfoRegistry:   lrucache.New[proto.Oid, *CompactInfo](cfg.RegistrySize, proto.Oid.Less),
		pinnedMeta:      make(map[proto.Oid]int),
		tidToOp:         make(map[proto.Tid]*writeOp),
		tidToRead:       make(map[proto.Tid]*readOp),
		shardToRead:     make(map[proto.PgShard]map[proto.Tid]struct{}),
		recoveryOps:     make(map[proto.Oid]*recoveryOp),
		recoveryLimiter: rate.NewLimiter(rate.Limit(cfg.RecoveryRate), cfg.RecoveryRate),
	}
}

func (b *ECBackend) StripeInfo() *StripeInfo { return b.sinfo }

func (b *ECBackend) localGid(oid proto.Oid) proto.GhObject {
	return proto.GhObject{Oid: oid, Shard: b.lst.Whoami().Shard}
}

// shardPeers maps shard index to the acting peer holding it.
func (b *ECBackend) shardPeers() map[int]proto.PgShard {
	acting := b.lst.ActingShards()
	out := make(map[int]proto.PgShard, len(acting))
	for _, peer := range acting {
		out[int(peer.Shard)] = peer
	}
	return out
}

// getHashInfo resolves the object's HashInfo through the registry,
// loading it from the hinfo xattr on a miss. An existing object
// without the xattr is fatal.
func (b *ECBackend) getHashInfo(oid proto.Oid) *HashInfo {
	if hinfo, ok := b.hinfoRegistry.Lookup(oid, true); ok {
		return hinfo
	}
	v, err, _ := b.metaLoads.Do("h/"+oid.String(), func() (interface{}, error) {
		return b.loadHashInfo(oid), nil
	})
	if err != nil {
		log.Panicf("hash info load %s: %v", oid.String(), err)
	}
	hinfo := v.(*HashInfo)
	b.hinfoRegistry.Add(oid, hinfo)
	return hinfo
}

func (b *ECBackend) loadHashInfo(oid proto.Oid) *HashInfo {
	gid := b.localGid(oid)
	if _, err := b.store.Stat(gid); err != nil {
		if err != apierrors.ErrObjectDoesNotExist {
			log.Panicf("stat %s: %v", oid.String(), err)
		}
		return NewHashInfo(b.codec.ChunkCount())
	}
	raw, err := b.store.GetAttr(gid, HinfoKey)
	if err != nil {
		log.Panicf("object %s exists without hash info: %v", oid.String(), err)
	}
	hinfo := &HashInfo{}
	if err := hinfo.Unmarshal(raw); err != nil {
		log.Panicf("corrupt hash info on %s: %v", oid.String(), err)
	}
	return hinfo
}

// getCompactInfo is getHashInfo's twin for the compression index.
func (b *ECBackend) getCompactInfo(oid proto.Oid) *CompactInfo {
	if cinfo, ok := b.cinfoRegistry.Lookup(oid, true); ok {
		return cinfo
	}
	v, err, _ := b.metaLoads.Do("c/"+oid.String(), func() (interface{}, error) {
		return b.loadCompactInfo(oid), nil
	})
	if err != nil {
		log.Panicf("compact info load %s: %v", oid.String(), err)
	}
	cinfo := v.(*CompactInfo)
	b.cinfoRegistry.Add(oid, cinfo)
	return cinfo
}

func (b *ECBackend) loadCompactInfo(oid proto.Oid) *CompactInfo {
	gid := b.localGid(oid)
	if _, err := b.store.Stat(gid); err != nil {
		if err != apierrors.ErrObjectDoesNotExist {
			log.Panicf("stat %s: %v", oid.String(), err)
		}
		return NewCompactInfo(b.codec.ChunkCount(), uint32(b.cfg.StripeWidth), uint32(b.sinfo.ChunkSize()))
	}
	raw, err := b.store.GetAttr(gid, CinfoKey)
	if err != nil {
		log.Panicf("object %s exists without compact info: %v", oid.String(), err)
	}
	cinfo := &CompactInfo{}
	if err := cinfo.Unmarshal(raw); err != nil {
		log.Panicf("corrupt compact info on %s: %v", oid.String(), err)
	}
	return cinfo
}

// OnChange drops all in-flight tracking when the placement group's
// membership or role changes. Client callbacks are abandoned, never
// invoked.
func (b *ECBackend) OnChange() {
	b.tidToOp = make(map[proto.Tid]*writeOp)
	b.writing = nil
	b.tidToRead = make(map[proto.Tid]*readOp)
	b.shardToRead = make(map[proto.PgShard]map[proto.Tid]struct{})
	b.clearRecoveryState()
	for oid := range b.pinnedMeta {
		b.hinfoRegistry.Unpin(oid)
		b.cinfoRegistry.Unpin(oid)
	}
	b.pinnedMeta = make(map[proto.Oid]int)
	b.hinfoRegistry.ClearAll()
	b.cinfoRegistry.ClearAll()
}
