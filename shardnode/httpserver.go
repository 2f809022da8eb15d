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
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cubefs/cubefs/blobstore/common/profile"
	"github.com/cubefs/cubefs/blobstore/common/rpc"
	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/ecstore/metrics"
	"github.com/cubefs/ecstore/shardnode/catalog"
)

const (
	defaultShutdownTimeoutS      = 10
	defaultReadRequestTimeoutS   = 30
	defaultWriteResponseTimeoutS = 30
)

type HttpServer struct {
	httpServer *http.Server

	*ShardNode
}

func NewHttpServer(node *ShardNode) *HttpServer {
	return &HttpServer{ShardNode: node}
}

func (h *HttpServer) Serve(addr string) {
	ph := profile.NewProfileHandler(addr)
	httpServer := &http.Server{
		Addr:         addr,
		Handler:      rpc.MiddlewareHandlerWith(h.newHandler(), ph),
		ReadTimeout:  defaultReadRequestTimeoutS * time.Second,
		WriteTimeout: defaultWriteResponseTimeoutS * time.Second,
	}
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("http server exits:", err)
		}
	}()
	h.httpServer = httpServer

	log.Info("http server is running at:", addr)
}

func (h *HttpServer) Stop() {
	ctx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeoutS*time.Second)
	defer cancel()

	h.httpServer.Shutdown(ctx)
}

func (h *HttpServer) newHandler() *rpc.Router {
	rpc.GET("/stats", h.Stats, rpc.OptArgsQuery())
	rpc.GET("/limit", h.Limit, rpc.OptArgsQuery())
	rpc.POST("/limit", h.LimitSet, rpc.OptArgsQuery())
	rpc.GET("/metrics", h.Metrics)

	return rpc.DefaultRouter
}

func (h *HttpServer) Limit(c *rpc.Context) {
	c.RespondJSON(h.limiter.Status())
}

type limitSetArgs struct {
	ReadConcurrency  uint32 `json:"read_concurrency"`
	WriteConcurrency uint32 `json:"write_concurrency"`
	ReadMBPS         int    `json:"read_mbps"`
	WriteMBPS        int    `json:"write_mbps"`
}

// LimitSet retunes the request limits without a restart. Zero fields
// keep their current value.
func (h *HttpServer) LimitSet(c *rpc.Context) {
	args := new(limitSetArgs)
	if err := c.ParseArgs(args); err != nil {
		c.RespondError(err)
		return
	}
	if args.ReadConcurrency > 0 {
		h.limiter.SetReadConcurrency(args.ReadConcurrency)
	}
	if args.WriteConcurrency > 0 {
		h.limiter.SetWriteConcurrency(args.WriteConcurrency)
	}
	if args.ReadMBPS > 0 {
		h.limiter.SetReadMBPS(args.ReadMBPS)
	}
	if args.WriteMBPS > 0 {
		h.limiter.SetWriteMBPS(args.WriteMBPS)
	}
	c.RespondJSON(h.limiter.GetConfig())
}

// Stats reports a point-in-time summary of every group this node
// serves.
func (h *HttpServer) Stats(c *rpc.Context) {
	var stats []catalog.PGStats
	var failed error
	h.RangePG(func(pg *catalog.PG) bool {
		s, err := pg.Stats(c.Request.Context())
		if err != nil {
			failed = err
			return false
		}
		stats = append(stats, s)
		return true
	})
	if failed != nil {
		c.RespondError(failed)
		return
	}
	c.RespondJSON(stats)
}

func (h *HttpServer) Metrics(c *rpc.Context) {
	promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}).ServeHTTP(c.Writer, c.Request)
}
