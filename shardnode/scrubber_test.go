package shardnode

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cubefs/ecstore/proto"
	"github.com/cubefs/ecstore/shardnode/catalog"
	"github.com/cubefs/ecstore/shardnode/ecbackend"
	"github.com/cubefs/ecstore/shardnode/store"
)

type loopTransport struct {
	mu       sync.Mutex
	catalogs map[proto.NodeID]*catalog.Catalog
}

func (tr *loopTransport) Send(ctx context.Context, from, to proto.PgShard, pg proto.PgID, msg proto.Message) error {
	tr.mu.Lock()
	cat := tr.catalogs[to.NodeID]
	tr.mu.Unlock()
	data, err := msg.Marshal()
	if err != nil {
		return err
	}
	clone, err := proto.NewMessage(msg.Kind())
	if err != nil {
		return err
	}
	if err := clone.Unmarshal(data); err != nil {
		return err
	}
	return cat.HandleSubOp(ctx, pg, from, clone)
}

func newScrubCluster(t *testing.T) []*catalog.Catalog {
	tr := &loopTransport{catalogs: make(map[proto.NodeID]*catalog.Catalog)}
	acting := []proto.PgShard{{NodeID: 1, Shard: 0}, {NodeID: 2, Shard: 1}, {NodeID: 3, Shard: 2}}
	var catalogs []*catalog.Catalog
	for i := 0; i < 3; i++ {
		cat, err := catalog.NewCatalog(context.Background(), &catalog.Config{
			Node: proto.Node{ID: proto.NodeID(i + 1)},
			PGs: []catalog.PGConfig{{
				Epoch:  1,
				Acting: acting,
				Backend: ecbackend.Config{
					PgID:         1,
					DataChunks:   2,
					ParityChunks: 1,
					StripeWidth:  8192,
				},
			}},
		}, store.NewMemStore(), tr)
		require.NoError(t, err)
		tr.catalogs[proto.NodeID(i+1)] = cat
		catalogs = append(catalogs, cat)
	}
	t.Cleanup(func() {
		for _, cat := range catalogs {
			cat.Close()
		}
	})
	return catalogs
}

func TestScrubberScansAllObjects(t *testing.T) {
	catalogs := newScrubCluster(t)
	pg, err := catalogs[0].GetPG(1)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	data := make([]byte, 16384)
	for i := range data {
		data[i] = byte(i)
	}
	require.NoError(t, pg.Write(ctx, proto.Oid{Name: "a"}, 0, data))
	require.NoError(t, pg.Write(ctx, proto.Oid{Name: "b"}, 0, data[:8192]))

	s := newScrubber(ScrubConfig{IntervalS: 3600, Workers: 2}, catalogs[0])
	s.scanOnce()
	s.close()

	oids, err := pg.ListObjects(ctx)
	require.NoError(t, err)
	require.Len(t, oids, 2)
}
