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
	"sync"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/ecstore/errors"
	"github.com/cubefs/ecstore/proto"
	"github.com/cubefs/ecstore/shardnode/store"
)

type Config struct {
	Node proto.Node `json:"node_config"`
	PGs  []PGConfig `json:"pgs"`
}

// NodeStore is the slice of the node store the catalog consumes. Both
// the rocksdb store and the in-memory store satisfy it.
type NodeStore interface {
	PG(id proto.PgID) store.ObjectStore
	CleanupTemp(ctx context.Context, pg proto.PgID) error
}

// Catalog owns every placement group this node serves and routes
// inbound sub-ops to them.
type Catalog struct {
	node proto.Node
	pgs  sync.Map
}

// NewCatalog builds the node's placement groups. Staging leftovers
// from a previous run are dropped before a group starts serving.
func NewCatalog(ctx context.Context, cfg *Config, st NodeStore, tr Transport) (*Catalog, error) {
	span := trace.SpanFromContextSafe(ctx)
	c := &Catalog{node: cfg.Node}
	for _, pgCfg := range cfg.PGs {
		self, ok := selfShard(cfg.Node.ID, pgCfg.Acting)
		if !ok {
			c.closeAll()
			return nil, apierrors.ErrShardDoesNotExist
		}
		if err := st.CleanupTemp(ctx, pgCfg.Backend.PgID); err != nil {
			c.closeAll()
			return nil, err
		}
		pg, err := newPG(pgCfg, self, st.PG(pgCfg.Backend.PgID), tr)
		if err != nil {
			c.closeAll()
			return nil, err
		}
		c.pgs.Store(pg.ID(), pg)
		span.Infof("pg %d up, shard %d of %d members", pg.ID(), self.Shard, len(pgCfg.Acting))
	}
	return c, nil
}

func selfShard(node proto.NodeID, acting []proto.PgShard) (proto.PgShard, bool) {
	for _, peer := range acting {
		if peer.NodeID == node {
			return peer, true
		}
	}
	return proto.PgShard{}, false
}

func (c *Catalog) GetPG(id proto.PgID) (*PG, error) {
	v, ok := c.pgs.Load(id)
	if !ok {
		return nil, apierrors.ErrPgDoesNotExist
	}
	return v.(*PG), nil
}

// HandleSubOp routes one inbound peer message to its group.
func (c *Catalog) HandleSubOp(ctx context.Context, id proto.PgID, from proto.PgShard, msg proto.Message) error {
	pg, err := c.GetPG(id)
	if err != nil {
		return err
	}
	pg.HandleSubOp(ctx, from, msg)
	return nil
}

// NodeDown tells every group that a peer daemon went away.
func (c *Catalog) NodeDown(ctx context.Context, node proto.NodeID) {
	c.RangePG(func(pg *PG) bool {
		pg.NodeDown(ctx, node)
		return true
	})
}

func (c *Catalog) RangePG(fn func(pg *PG) bool) {
	c.pgs.Range(func(_, v interface{}) bool {
		return fn(v.(*PG))
	})
}

func (c *Catalog) Close() {
	c.closeAll()
}

func (c *Catalog) closeAll() {
	c.pgs.Range(func(_, v interface{}) bool {
		v.(*PG).close()
		return true
	})
}
