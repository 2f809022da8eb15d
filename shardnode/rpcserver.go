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
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/metadata"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/ecstore/metrics"
	"github.com/cubefs/ecstore/proto"
)

// RPCServer is the daemon's grpc surface: sub-op traffic from peers
// plus the object entry points clients call on a primary.
type RPCServer struct {
	*ShardNode
	grpcServer *grpc.Server
}

func NewRPCServer(node *ShardNode) *RPCServer {
	rs := &RPCServer{ShardNode: node}
	s := grpc.NewServer(grpc.ChainUnaryInterceptor(
		rs.unaryInterceptorWithTracer,
		metrics.GRPCMetrics.UnaryServerInterceptor(),
	))
	proto.RegisterShardNodeServer(s, rs)
	metrics.GRPCMetrics.InitializeMetrics(s)
	rs.grpcServer = s
	return rs
}

func (r *RPCServer) Serve(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		if err := r.grpcServer.Serve(lis); err != nil {
			log.Warnf("grpc server exits: %s", err)
		}
	}()
	log.Info("grpc server is running at:", addr)
	return nil
}

func (r *RPCServer) Stop() {
	r.grpcServer.GracefulStop()
}

func (r *RPCServer) SubOp(ctx context.Context, req *proto.SubOpRequest) (*proto.SubOpResponse, error) {
	msg, err := req.Message()
	if err != nil {
		return nil, err
	}
	if err := r.HandleSubOp(ctx, req.PgID, req.From, msg); err != nil {
		return nil, err
	}
	return &proto.SubOpResponse{}, nil
}

func (r *RPCServer) WriteObject(ctx context.Context, req *proto.WriteObjectRequest) (*proto.WriteObjectResponse, error) {
	span := trace.SpanFromContextSafe(ctx)
	if err := r.limiter.AcquireWrite(); err != nil {
		return nil, err
	}
	defer r.limiter.ReleaseWrite()
	if err := r.limiter.Writer(ctx, nil).WaitN(len(req.Data)); err != nil {
		return nil, err
	}
	pg, err := r.GetPG(req.PgID)
	if err != nil {
		return nil, err
	}
	oid := proto.Oid{Name: req.Name}
	if err := pg.Write(ctx, oid, req.Off, req.Data); err != nil {
		span.Errorf("write %s at %d failed: %s", req.Name, req.Off, err)
		return nil, err
	}
	_, version, err := pg.ObjectStat(ctx, oid)
	if err != nil {
		return nil, err
	}
	return &proto.WriteObjectResponse{Version: version}, nil
}

func (r *RPCServer) ReadObject(ctx context.Context, req *proto.ReadObjectRequest) (*proto.ReadObjectResponse, error) {
	if err := r.limiter.AcquireRead(); err != nil {
		return nil, err
	}
	defer r.limiter.ReleaseRead()
	if err := r.limiter.Reader(ctx, nil).WaitN(int(req.Len)); err != nil {
		return nil, err
	}
	pg, err := r.GetPG(req.PgID)
	if err != nil {
		return nil, err
	}
	data, err := pg.Read(ctx, proto.Oid{Name: req.Name}, req.Off, req.Len)
	if err != nil {
		return nil, err
	}
	return &proto.ReadObjectResponse{Data: data}, nil
}

func (r *RPCServer) RecoverObject(ctx context.Context, req *proto.RecoverObjectRequest) (*proto.RecoverObjectResponse, error) {
	span := trace.SpanFromContextSafe(ctx)
	pg, err := r.GetPG(req.PgID)
	if err != nil {
		return nil, err
	}
	if err := pg.Recover(ctx, proto.Oid{Name: req.Name}); err != nil {
		span.Errorf("recover %s failed: %s", req.Name, err)
		return nil, err
	}
	return &proto.RecoverObjectResponse{}, nil
}

func (r *RPCServer) DeepScrub(ctx context.Context, req *proto.DeepScrubRequest) (*proto.DeepScrubResponse, error) {
	pg, err := r.GetPG(req.PgID)
	if err != nil {
		return nil, err
	}
	rec, err := pg.DeepScrub(ctx, proto.Oid{Name: req.Name})
	if err != nil {
		return nil, err
	}
	return &proto.DeepScrubResponse{Digest: rec.Digest, ReadError: rec.ReadError}, nil
}

func (r *RPCServer) unaryInterceptorWithTracer(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	if md, ok := metadata.FromIncomingContext(ctx); ok {
		if reqID := md[proto.ReqIdKey]; len(reqID) > 0 {
			_, ctx = trace.StartSpanFromContextWithTraceID(ctx, "", reqID[0])
		}
	}
	return handler(ctx, req)
}
