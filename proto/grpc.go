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

import (
	"context"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"
)

// CodecName is the grpc content subtype of the ecstore wire encoding.
const CodecName = "ecwire"

func init() {
	encoding.RegisterCodec(wireCodec{})
}

type wireCodec struct{}

func (wireCodec) Name() string { return CodecName }

func (wireCodec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(WireMessage)
	if !ok {
		return nil, fmt.Errorf("ecwire: cannot marshal %T", v)
	}
	return m.Marshal()
}

func (wireCodec) Unmarshal(data []byte, v interface{}) error {
	m, ok := v.(WireMessage)
	if !ok {
		return fmt.Errorf("ecwire: cannot unmarshal into %T", v)
	}
	return m.Unmarshal(data)
}

// SubOpRequest is the peer traffic envelope: one sub-op message,
// routed to a placement group, stamped with the sending shard.
type SubOpRequest struct {
	PgID    PgID
	From    PgShard
	MsgKind MessageKind
	Payload []byte
}

func NewSubOpRequest(pgID PgID, from PgShard, msg Message) (*SubOpRequest, error) {
	payload, err := msg.Marshal()
	if err != nil {
		return nil, err
	}
	return &SubOpRequest{PgID: pgID, From: from, MsgKind: msg.Kind(), Payload: payload}, nil
}

func (m *SubOpRequest) Message() (Message, error) {
	msg, err := NewMessage(m.MsgKind)
	if err != nil {
		return nil, err
	}
	if err := msg.Unmarshal(m.Payload); err != nil {
		return nil, err
	}
	return msg, nil
}

func (m *SubOpRequest) Marshal() ([]byte, error) {
	e := NewEncoder(24 + len(m.Payload))
	e.PutU32(m.PgID)
	m.From.encodeTo(e)
	e.PutU8(uint8(m.MsgKind))
	e.PutBytes(m.Payload)
	return e.Bytes(), nil
}

func (m *SubOpRequest) Unmarshal(data []byte) error {
	d := NewDecoder(data)
	m.PgID = d.U32()
	m.From.decodeFrom(d)
	m.MsgKind = MessageKind(d.U8())
	m.Payload = d.Bytes()
	return d.Err()
}

type SubOpResponse struct{}

func (m *SubOpResponse) Marshal() ([]byte, error)   { return nil, nil }
func (m *SubOpResponse) Unmarshal(data []byte) error { return nil }

// Client facing messages.

type WriteObjectRequest struct {
	PgID PgID
	Name string
	Off  uint64
	Data []byte
}

func (m *WriteObjectRequest) Marshal() ([]byte, error) {
	e := NewEncoder(32 + len(m.Data))
	e.PutU32(m.PgID)
	e.PutString(m.Name)
	e.PutU64(m.Off)
	e.PutBytes(m.Data)
	return e.Bytes(), nil
}

func (m *WriteObjectRequest) Unmarshal(data []byte) error {
	d := NewDecoder(data)
	m.PgID = d.U32()
	m.Name = d.String()
	m.Off = d.U64()
	m.Data = d.Bytes()
	return d.Err()
}

type WriteObjectResponse struct {
	Version EVersion
}

func (m *WriteObjectResponse) Marshal() ([]byte, error) {
	e := NewEncoder(16)
	m.Version.encodeTo(e)
	return e.Bytes(), nil
}

func (m *WriteObjectResponse) Unmarshal(data []byte) error {
	d := NewDecoder(data)
	m.Version.decodeFrom(d)
	return d.Err()
}

type ReadObjectRequest struct {
	PgID PgID
	Name string
	Off  uint64
	Len  uint64
}

func (m *ReadObjectRequest) Marshal() ([]byte, error) {
	e := NewEncoder(32)
	e.PutU32(m.PgID)
	e.PutString(m.Name)
	e.PutU64(m.Off)
	e.PutU64(m.Len)
	return e.Bytes(), nil
}

func (m *ReadObjectRequest) Unmarshal(data []byte) error {
	d := NewDecoder(data)
	m.PgID = d.U32()
	m.Name = d.String()
	m.Off = d.U64()
	m.Len = d.U64()
	return d.Err()
}

type ReadObjectResponse struct {
	Data []byte
}

func (m *ReadObjectResponse) Marshal() ([]byte, error) {
	e := NewEncoder(8 + len(m.Data))
	e.PutBytes(m.Data)
	return e.Bytes(), nil
}

func (m *ReadObjectResponse) Unmarshal(data []byte) error {
	d := NewDecoder(data)
	m.Data = d.Bytes()
	return d.Err()
}

type RecoverObjectRequest struct {
	PgID PgID
	Name string
}

func (m *RecoverObjectRequest) Marshal() ([]byte, error) {
	e := NewEncoder(16)
	e.PutU32(m.PgID)
	e.PutString(m.Name)
	return e.Bytes(), nil
}

func (m *RecoverObjectRequest) Unmarshal(data []byte) error {
	d := NewDecoder(data)
	m.PgID = d.U32()
	m.Name = d.String()
	return d.Err()
}

type RecoverObjectResponse struct{}

func (m *RecoverObjectResponse) Marshal() ([]byte, error)   { return nil, nil }
func (m *RecoverObjectResponse) Unmarshal(data []byte) error { return nil }

type DeepScrubRequest struct {
	PgID PgID
	Name string
}

func (m *DeepScrubRequest) Marshal() ([]byte, error) {
	e := NewEncoder(16)
	e.PutU32(m.PgID)
	e.PutString(m.Name)
	return e.Bytes(), nil
}

func (m *DeepScrubRequest) Unmarshal(data []byte) error {
	d := NewDecoder(data)
	m.PgID = d.U32()
	m.Name = d.String()
	return d.Err()
}

type DeepScrubResponse struct {
	Digest    uint32
	ReadError bool
}

func (m *DeepScrubResponse) Marshal() ([]byte, error) {
	e := NewEncoder(8)
	e.PutU32(m.Digest)
	e.PutBool(m.ReadError)
	return e.Bytes(), nil
}

func (m *DeepScrubResponse) Unmarshal(data []byte) error {
	d := NewDecoder(data)
	m.Digest = d.U32()
	m.ReadError = d.Bool()
	return d.Err()
}

// ShardNodeServer is the rpc surface a daemon exposes.
type ShardNodeServer interface {
	SubOp(context.Context, *SubOpRequest) (*SubOpResponse, error)
	WriteObject(context.Context, *WriteObjectRequest) (*WriteObjectResponse, error)
	ReadObject(context.Context, *ReadObjectRequest) (*ReadObjectResponse, error)
	RecoverObject(context.Context, *RecoverObjectRequest) (*RecoverObjectResponse, error)
	DeepScrub(context.Context, *DeepScrubRequest) (*DeepScrubResponse, error)
}

type ShardNodeClient interface {
	SubOp(ctx context.Context, in *SubOpRequest, opts ...grpc.CallOption) (*SubOpResponse, error)
	WriteObject(ctx context.Context, in *WriteObjectRequest, opts ...grpc.CallOption) (*WriteObjectResponse, error)
	ReadObject(ctx context.Context, in *ReadObjectRequest, opts ...grpc.CallOption) (*ReadObjectResponse, error)
	RecoverObject(ctx context.Context, in *RecoverObjectRequest, opts ...grpc.CallOption) (*RecoverObjectResponse, error)
	DeepScrub(ctx context.Context, in *DeepScrubRequest, opts ...grpc.CallOption) (*DeepScrubResponse, error)
}

type shardNodeClient struct {
	cc *grpc.ClientConn
}

func NewShardNodeClient(cc *grpc.ClientConn) ShardNodeClient {
	return &shardNodeClient{cc: cc}
}

func (c *shardNodeClient) invoke(ctx context.Context, method string, in, out WireMessage, opts []grpc.CallOption) error {
	opts = append([]grpc.CallOption{grpc.CallContentSubtype(CodecName)}, opts...)
	return c.cc.Invoke(ctx, method, in, out, opts...)
}

func (c *shardNodeClient) SubOp(ctx context.Context, in *SubOpRequest, opts ...grpc.CallOption) (*SubOpResponse, error) {
	out := new(SubOpResponse)
	if err := c.invoke(ctx, "/ecstore.ShardNode/SubOp", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *shardNodeClient) WriteObject(ctx context.Context, in *WriteObjectRequest, opts ...grpc.CallOption) (*WriteObjectResponse, error) {
	out := new(WriteObjectResponse)
	if err := c.invoke(ctx, "/ecstore.ShardNode/WriteObject", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *shardNodeClient) ReadObject(ctx context.Context, in *ReadObjectRequest, opts ...grpc.CallOption) (*ReadObjectResponse, error) {
	out := new(ReadObjectResponse)
	if err := c.invoke(ctx, "/ecstore.ShardNode/ReadObject", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *shardNodeClient) RecoverObject(ctx context.Context, in *RecoverObjectRequest, opts ...grpc.CallOption) (*RecoverObjectResponse, error) {
	out := new(RecoverObjectResponse)
	if err := c.invoke(ctx, "/ecstore.ShardNode/RecoverObject", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *shardNodeClient) DeepScrub(ctx context.Context, in *DeepScrubRequest, opts ...grpc.CallOption) (*DeepScrubResponse, error) {
	out := new(DeepScrubResponse)
	if err := c.invoke(ctx, "/ecstore.ShardNode/DeepScrub", in, out, opts); err != nil {
		return nil, err
	}
	return out, nil
}

func RegisterShardNodeServer(s *grpc.Server, srv ShardNodeServer) {
	s.RegisterService(&shardNodeServiceDesc, srv)
}

func unaryHandler(newReq func() WireMessage, call func(ctx context.Context, srv interface{}, req WireMessage) (interface{}, error)) func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	return func(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
		req := newReq()
		if err := dec(req); err != nil {
			return nil, err
		}
		if interceptor == nil {
			return call(ctx, srv, req)
		}
		info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/ecstore.ShardNode/"}
		return interceptor(ctx, req, info, func(ctx context.Context, req interface{}) (interface{}, error) {
			return call(ctx, srv, req.(WireMessage))
		})
	}
}

var shardNodeServiceDesc = grpc.ServiceDesc{
	ServiceName: "ecstore.ShardNode",
	HandlerType: (*ShardNodeServer)(nil),
	Methods: []grpc.MethodDesc{
		{
			MethodName: "SubOp",
			Handler: unaryHandler(
				func() WireMessage { return new(SubOpRequest) },
				func(ctx context.Context, srv interface{}, req WireMessage) (interface{}, error) {
					return srv.(ShardNodeServer).SubOp(ctx, req.(*SubOpRequest))
				}),
		},
		{
			MethodName: "WriteObject",
			Handler: unaryHandler(
				func() WireMessage { return new(WriteObjectRequest) },
				func(ctx context.Context, srv interface{}, req WireMessage) (interface{}, error) {
					return srv.(ShardNodeServer).WriteObject(ctx, req.(*WriteObjectRequest))
				}),
		},
		{
			MethodName: "ReadObject",
			Handler: unaryHandler(
				func() WireMessage { return new(ReadObjectRequest) },
				func(ctx context.Context, srv interface{}, req WireMessage) (interface{}, error) {
					return srv.(ShardNodeServer).ReadObject(ctx, req.(*ReadObjectRequest))
				}),
		},
		{
			MethodName: "RecoverObject",
			Handler: unaryHandler(
				func() WireMessage { return new(RecoverObjectRequest) },
				func(ctx context.Context, srv interface{}, req WireMessage) (interface{}, error) {
					return srv.(ShardNodeServer).RecoverObject(ctx, req.(*RecoverObjectRequest))
				}),
		},
		{
			MethodName: "DeepScrub",
			Handler: unaryHandler(
				func() WireMessage { return new(DeepScrubRequest) },
				func(ctx context.Context, srv interface{}, req WireMessage) (interface{}, error) {
					return srv.(ShardNodeServer).DeepScrub(ctx, req.(*DeepScrubRequest))
				}),
		},
	},
	Metadata: "ecstore/shardnode",
}
