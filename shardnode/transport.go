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
	"fmt"
	"math"
	"strconv"
	"sync"
	"time"

	"github.com/sethvargo/go-retry"
	"golang.org/x/sync/singleflight"
	"google.golang.org/grpc"
	"google.golang.org/grpc/backoff"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"

	"github.com/cubefs/cubefs/blobstore/common/trace"

	apierrors "github.com/cubefs/ecstore/errors"
	"github.com/cubefs/ecstore/proto"
)

type TransportConfig struct {
	ConnectTimeoutMs   uint32 `json:"connect_timeout_ms"`
	KeepaliveTimeoutS  uint32 `json:"keepalive_timeout_s"`
	BackoffBaseDelayMs uint32 `json:"backoff_base_delay_ms"`
	BackoffMaxDelayMs  uint32 `json:"backoff_max_delay_ms"`
	DialRetries        uint64 `json:"dial_retries"`
}

func (c *TransportConfig) fixup() {
	if c.ConnectTimeoutMs == 0 {
		c.ConnectTimeoutMs = 2000
	}
	if c.KeepaliveTimeoutS == 0 {
		c.KeepaliveTimeoutS = 5
	}
	if c.BackoffBaseDelayMs == 0 {
		c.BackoffBaseDelayMs = 100
	}
	if c.BackoffMaxDelayMs == 0 {
		c.BackoffMaxDelayMs = 2000
	}
	if c.DialRetries == 0 {
		c.DialRetries = 3
	}
}

type peerConn struct {
	conn *grpc.ClientConn

	proto.ShardNodeClient
}

// PeerPool keeps one grpc connection per peer daemon and moves sub-op
// messages over them. It is the catalog's Transport.
type PeerPool struct {
	cfg      TransportConfig
	dialOpts []grpc.DialOption

	mu    sync.RWMutex
	nodes map[proto.NodeID]proto.Node

	conns  sync.Map
	dialsf singleflight.Group
}

func NewPeerPool(cfg TransportConfig, peers []proto.Node) *PeerPool {
	cfg.fixup()
	p := &PeerPool{
		cfg:      cfg,
		dialOpts: dialOpts(&cfg),
		nodes:    make(map[proto.NodeID]proto.Node, len(peers)),
	}
	for _, node := range peers {
		p.nodes[node.ID] = node
	}
	return p
}

func dialOpts(cfg *TransportConfig) []grpc.DialOption {
	return []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(math.MaxInt32),
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
			grpc.CallContentSubtype(proto.CodecName),
		),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Timeout:             time.Duration(cfg.KeepaliveTimeoutS) * time.Second,
			PermitWithoutStream: true,
		}),
		grpc.WithConnectParams(grpc.ConnectParams{
			Backoff: backoff.Config{
				BaseDelay: time.Duration(cfg.BackoffBaseDelayMs) * time.Millisecond,
				MaxDelay:  time.Duration(cfg.BackoffMaxDelayMs) * time.Millisecond,
			},
			MinConnectTimeout: time.Duration(cfg.ConnectTimeoutMs) * time.Millisecond,
		}),
		grpc.WithChainUnaryInterceptor(unaryInterceptorWithTracer),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}
}

func unaryInterceptorWithTracer(ctx context.Context, method string, req, reply interface{},
	cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption,
) error {
	span := trace.SpanFromContextSafe(ctx)
	ctx = metadata.NewOutgoingContext(ctx, metadata.Pairs(
		proto.ReqIdKey, span.TraceID(),
	))
	return invoker(ctx, method, req, reply, cc, opts...)
}

// UpdatePeers installs a fresh peer address table. Connections to
// nodes no longer listed are torn down.
func (p *PeerPool) UpdatePeers(peers []proto.Node) {
	nodes := make(map[proto.NodeID]proto.Node, len(peers))
	for _, node := range peers {
		nodes[node.ID] = node
	}
	p.mu.Lock()
	p.nodes = nodes
	p.mu.Unlock()
	p.conns.Range(func(k, v interface{}) bool {
		if _, ok := nodes[k.(proto.NodeID)]; !ok {
			p.conns.Delete(k)
			v.(*peerConn).conn.Close()
		}
		return true
	})
}

// Send ships one sub-op message to a peer shard.
func (p *PeerPool) Send(ctx context.Context, from, to proto.PgShard, pg proto.PgID, msg proto.Message) error {
	cli, err := p.client(ctx, to.NodeID)
	if err != nil {
		return err
	}
	req, err := proto.NewSubOpRequest(pg, from, msg)
	if err != nil {
		return err
	}
	_, err = cli.SubOp(ctx, req)
	return err
}

func (p *PeerPool) client(ctx context.Context, node proto.NodeID) (proto.ShardNodeClient, error) {
	if v, ok := p.conns.Load(node); ok {
		return v.(*peerConn), nil
	}
	v, err, _ := p.dialsf.Do(strconv.FormatUint(uint64(node), 10), func() (interface{}, error) {
		if v, ok := p.conns.Load(node); ok {
			return v.(*peerConn), nil
		}
		pc, err := p.dial(ctx, node)
		if err != nil {
			return nil, err
		}
		p.conns.Store(node, pc)
		return pc, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*peerConn), nil
}

// dial connects to the peer with a capped fibonacci backoff around
// the blocking grpc dial.
func (p *PeerPool) dial(ctx context.Context, node proto.NodeID) (*peerConn, error) {
	p.mu.RLock()
	peer, ok := p.nodes[node]
	p.mu.RUnlock()
	if !ok {
		return nil, apierrors.ErrNodeDoesNotExist
	}
	addr := fmt.Sprintf("%s:%d", peer.Addr, peer.GrpcPort)

	var conn *grpc.ClientConn
	b := retry.NewFibonacci(time.Duration(p.cfg.BackoffBaseDelayMs) * time.Millisecond)
	err := retry.Do(ctx, retry.WithMaxRetries(p.cfg.DialRetries, b), func(ctx context.Context) error {
		dialCtx, cancel := context.WithTimeout(ctx, time.Duration(p.cfg.ConnectTimeoutMs)*time.Millisecond)
		defer cancel()
		c, err := grpc.DialContext(dialCtx, addr, append(p.dialOpts, grpc.WithBlock())...)
		if err != nil {
			return retry.RetryableError(err)
		}
		conn = c
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &peerConn{conn: conn, ShardNodeClient: proto.NewShardNodeClient(conn)}, nil
}

func (p *PeerPool) Close() {
	p.conns.Range(func(k, v interface{}) bool {
		p.conns.Delete(k)
		v.(*peerConn).conn.Close()
		return true
	})
}
