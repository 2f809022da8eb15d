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

package proto

const (
	ReqIdKey = "req-id"

	// MaxNumIntervals caps every lossy interval set carried on the wire.
	MaxNumIntervals = 10
)

type (
	NodeID = uint32
	PgID   = uint32
	Tid    = uint64

	// ShardID indexes a chunk position inside a placement group,
	// in [0, K+M). NoShard marks an unset position.
	ShardID = int32
)

const NoShard = ShardID(-1)

// PgShard names one shard of a placement group on a concrete node.
type PgShard struct {
	NodeID NodeID
	Shard  ShardID
}

// Node describes a peer daemon.
type Node struct {
	ID       NodeID `json:"id"`
	Addr     string `json:"addr"`
	GrpcPort uint32 `json:"grpc_port"`
	HttpPort uint32 `json:"http_port"`
}
