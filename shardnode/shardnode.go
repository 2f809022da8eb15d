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

package shardnode

import (
	"context"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	"github.com/cubefs/ecstore/proto"
	"github.com/cubefs/ecstore/shardnode/catalog"
	"github.com/cubefs/ecstore/shardnode/store"
	"github.com/cubefs/ecstore/util/limiter"
)

type Config struct {
	NodeConfig      proto.Node          `json:"node_config"`
	Peers           []proto.Node        `json:"peers"`
	StoreConfig     store.Config        `json:"store_config"`
	PGs             []catalog.PGConfig  `json:"pgs"`
	TransportConfig TransportConfig     `json:"transport"`
	LimitConfig     limiter.LimitConfig `json:"limit_config"`
	ScrubConfig     ScrubConfig         `json:"scrub_config"`
}

// ShardNode is one erasure store daemon: the rocksdb-backed object
// store, the peer connection pool and the placement group catalog
// wired together.
type ShardNode struct {
	*catalog.Catalog

	node     proto.Node
	store    *store.Store
	peers    *PeerPool
	limiter  limiter.Limiter
	scrubber *scrubber
}

func NewShardNode(cfg *Config) (*ShardNode, error) {
	span, ctx := trace.StartSpanFromContext(context.Background(), "")

	st, err := store.NewStore(ctx, cfg.StoreConfig)
	if err != nil {
		return nil, err
	}

	peers := NewPeerPool(cfg.TransportConfig, cfg.Peers)
	cat, err := catalog.NewCatalog(ctx, &catalog.Config{
		Node: cfg.NodeConfig,
		PGs:  cfg.PGs,
	}, st, peers)
	if err != nil {
		peers.Close()
		st.Close()
		return nil, err
	}

	span.Infof("shardnode %d up, %d placement groups", cfg.NodeConfig.ID, len(cfg.PGs))
	node := &ShardNode{
		Catalog: cat,
		node:    cfg.NodeConfig,
		store:   st,
		peers:   peers,
		limiter: limiter.NewLimiter(cfg.LimitConfig),
	}
	if !cfg.ScrubConfig.Disable {
		node.scrubber = newScrubber(cfg.ScrubConfig, cat)
	}
	return node, nil
}

func (s *ShardNode) Node() proto.Node { return s.node }

func (s *ShardNode) Close() {
	if s.scrubber != nil {
		s.scrubber.close()
	}
	s.Catalog.Close()
	s.peers.Close()
	s.store.Close()
}
