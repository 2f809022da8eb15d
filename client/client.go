package client

import (
	"context"
	"math"
	"time"

	"github.com/google/uuid"
	"github.com/sethvargo/go-retry"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/cubefs/ecstore/proto"
)

type Config struct {
	Address          string `json:"address"`
	RequestTimeoutMs uint32 `json:"request_timeout_ms"`
	MaxRetries       uint64 `json:"max_retries"`
	RetryBaseDelayMs uint32 `json:"retry_base_delay_ms"`
}

func (c *Config) fixup() {
	if c.RequestTimeoutMs == 0 {
		c.RequestTimeoutMs = 30000
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.RetryBaseDelayMs == 0 {
		c.RetryBaseDelayMs = 100
	}
}

// Client talks to one shardnode daemon, usually the primary of the
// placement groups the caller uses. Unavailable peers are retried with
// a capped fibonacci backoff; every request carries a fresh request id
// the daemon adopts as its trace id.
type Client struct {
	proto.ShardNodeClient

	cfg  Config
	conn *grpc.ClientConn
}

func NewClient(cfg Config) (*Client, error) {
	cfg.fixup()
	dialOpts := []grpc.DialOption{
		grpc.WithDefaultCallOptions(
			grpc.MaxCallSendMsgSize(math.MaxInt32),
			grpc.MaxCallRecvMsgSize(math.MaxInt32),
			grpc.CallContentSubtype(proto.CodecName),
		),
		grpc.WithKeepaliveParams(
			keepalive.ClientParameters{
				Time:                1 * time.Second,
				Timeout:             5 * time.Second,
				PermitWithoutStream: true,
			},
		),
		grpc.WithChainUnaryInterceptor(reqidInterceptor),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	}

	conn, err := grpc.Dial(cfg.Address, dialOpts...)
	if err != nil {
		return nil, err
	}

	return &Client{
		ShardNodeClient: proto.NewShardNodeClient(conn),
		cfg:             cfg,
		conn:            conn,
	}, nil
}

func reqidInterceptor(ctx context.Context, method string, req, reply interface{},
	cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption,
) error {
	if md, ok := metadata.FromOutgoingContext(ctx); !ok || len(md[proto.ReqIdKey]) == 0 {
		ctx = metadata.AppendToOutgoingContext(ctx, proto.ReqIdKey, uuid.NewString())
	}
	return invoker(ctx, method, req, reply, cc, opts...)
}

func (c *Client) Address() string {
	return c.conn.Target()
}

func (c *Client) Close() error {
	return c.conn.Close()
}

// Write appends data to the named object at off, which must equal the
// object's current size. It returns the version the primary assigned.
func (c *Client) Write(ctx context.Context, pg proto.PgID, name string, off uint64, data []byte) (proto.EVersion, error) {
	var version proto.EVersion
	err := c.do(ctx, func(ctx context.Context) error {
		resp, err := c.WriteObject(ctx, &proto.WriteObjectRequest{PgID: pg, Name: name, Off: off, Data: data})
		if err != nil {
			return err
		}
		version = resp.Version
		return nil
	})
	return version, err
}

func (c *Client) Read(ctx context.Context, pg proto.PgID, name string, off, length uint64) ([]byte, error) {
	var data []byte
	err := c.do(ctx, func(ctx context.Context) error {
		resp, err := c.ReadObject(ctx, &proto.ReadObjectRequest{PgID: pg, Name: name, Off: off, Len: length})
		if err != nil {
			return err
		}
		data = resp.Data
		return nil
	})
	return data, err
}

func (c *Client) Recover(ctx context.Context, pg proto.PgID, name string) error {
	return c.do(ctx, func(ctx context.Context) error {
		_, err := c.RecoverObject(ctx, &proto.RecoverObjectRequest{PgID: pg, Name: name})
		return err
	})
}

// DeepScrub asks the daemon to verify its local shard of the object.
// It returns the object digest and whether the scan found an error.
func (c *Client) DeepScrub(ctx context.Context, pg proto.PgID, name string) (uint32, bool, error) {
	var digest uint32
	var readError bool
	err := c.do(ctx, func(ctx context.Context) error {
		resp, err := c.ShardNodeClient.DeepScrub(ctx, &proto.DeepScrubRequest{PgID: pg, Name: name})
		if err != nil {
			return err
		}
		digest, readError = resp.Digest, resp.ReadError
		return nil
	})
	return digest, readError, err
}

func (c *Client) do(ctx context.Context, fn func(ctx context.Context) error) error {
	b := retry.NewFibonacci(time.Duration(c.cfg.RetryBaseDelayMs) * time.Millisecond)
	return retry.Do(ctx, retry.WithMaxRetries(c.cfg.MaxRetries, b), func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, time.Duration(c.cfg.RequestTimeoutMs)*time.Millisecond)
		defer cancel()
		err := fn(callCtx)
		if status.Code(err) == codes.Unavailable {
			return retry.RetryableError(err)
		}
		return err
	})
}
