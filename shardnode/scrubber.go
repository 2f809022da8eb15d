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
	"sync"
	"time"

	"github.com/cubefs/cubefs/blobstore/common/trace"
	"github.com/cubefs/cubefs/blobstore/util/taskpool"

	"github.com/cubefs/ecstore/shardnode/catalog"
)

type ScrubConfig struct {
	IntervalS uint32 `json:"interval_s"`
	Workers   int    `json:"workers"`
	Disable   bool   `json:"disable"`
}

func (c *ScrubConfig) fixup() {
	if c.IntervalS == 0 {
		c.IntervalS = 86400
	}
	if c.Workers == 0 {
		c.Workers = 2
	}
}

// scrubber walks every placement group on a timer and deep-scrubs each
// local object shard through a small worker pool. A scrub pass never
// blocks client traffic: each object is a single worker-serialized
// verification read.
type scrubber struct {
	cfg  ScrubConfig
	cat  *catalog.Catalog
	pool taskpool.TaskPool

	stop chan struct{}
	wg   sync.WaitGroup
}

func newScrubber(cfg ScrubConfig, cat *catalog.Catalog) *scrubber {
	cfg.fixup()
	s := &scrubber{
		cfg:  cfg,
		cat:  cat,
		pool: taskpool.New(cfg.Workers, cfg.Workers),
		stop: make(chan struct{}),
	}
	s.wg.Add(1)
	go s.loop()
	return s
}

func (s *scrubber) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(time.Duration(s.cfg.IntervalS) * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			s.scanOnce()
		case <-s.stop:
			return
		}
	}
}

func (s *scrubber) scanOnce() {
	span, ctx := trace.StartSpanFromContext(context.Background(), "scrub")
	var wg sync.WaitGroup
	s.cat.RangePG(func(pg *catalog.PG) bool {
		oids, err := pg.ListObjects(ctx)
		if err != nil {
			span.Warnf("pg %d list failed: %v", pg.ID(), err)
			return true
		}
		for _, oid := range oids {
			oid := oid
			wg.Add(1)
			s.pool.Run(func() {
				defer wg.Done()
				select {
				case <-s.stop:
					return
				default:
				}
				rec, err := pg.DeepScrub(ctx, oid)
				if err != nil {
					span.Warnf("pg %d scrub %s: %v", pg.ID(), oid, err)
					return
				}
				if rec.ReadError {
					span.Errorf("pg %d object %s failed verification", pg.ID(), oid)
				}
			})
		}
		return true
	})
	wg.Wait()
	span.Info("scrub pass done")
}

func (s *scrubber) close() {
	close(s.stop)
	s.wg.Wait()
	s.pool.Close()
}
