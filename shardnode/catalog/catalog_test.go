package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/ecstore/errors"
	"github.com/cubefs/ecstore/proto"
	"github.com/cubefs/ecstore/shardnode/ecbackend"
	"github.com/cubefs/ecstore/shardnode/store"
)

// testTransport routes sub-ops between the cluster's catalogs through
// a marshal and unmarshal round trip, the way the grpc surface does.
type testTransport struct {
	mu           sync.Mutex
	catalogs     map[proto.NodeID]*Catalog
	down         map[proto.NodeID]bool
	downAttempts int
}

func newTestTransport() *testTransport {
	return &testTransport{
		catalogs: make(map[proto.NodeID]*Catalog),
		down:     make(map[proto.NodeID]bool),
	}
}

func (tr *testTransport) Send(ctx context.Context, from, to proto.PgShard, pg proto.PgID, msg proto.Message) error {
	tr.mu.Lock()
	if tr.down[to.NodeID] {
		tr.downAttempts++
		tr.mu.Unlock()
		return apierrors.ErrNodeDoesNotExist
	}
	cat := tr.catalogs[to.NodeID]
	tr.mu.Unlock()
	if cat == nil {
		return apierrors.ErrNodeDoesNotExist
	}
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

func (tr *testTransport) setDown(node proto.NodeID, down bool) {
	tr.mu.Lock()
	tr.down[node] = down
	tr.mu.Unlock()
}

func (tr *testTransport) downAttemptCount() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return tr.downAttempts
}

type testCluster struct {
	t        *testing.T
	acting   []proto.PgShard
	catalogs []*Catalog
	stores   []*store.MemStore
	tr       *testTransport
}

func newTestCluster(t *testing.T, k, m int, width uint64) *testCluster {
	c := &testCluster{t: t, tr: newTestTransport()}
	for i := 0; i < k+m; i++ {
		c.acting = append(c.acting, proto.PgShard{NodeID: proto.NodeID(i + 1), Shard: proto.ShardID(i)})
	}
	for i := 0; i < k+m; i++ {
		ms := store.NewMemStore()
		cat, err := NewCatalog(context.Background(), &Config{
			Node: proto.Node{ID: proto.NodeID(i + 1)},
			PGs: []PGConfig{{
				Epoch:  1,
				Acting: c.acting,
				Backend: ecbackend.Config{
					PgID:         1,
					DataChunks:   k,
					ParityChunks: m,
					StripeWidth:  width,
				},
			}},
		}, ms, c.tr)
		require.NoError(t, err)
		c.stores = append(c.stores, ms)
		c.catalogs = append(c.catalogs, cat)
		c.tr.catalogs[proto.NodeID(i+1)] = cat
	}
	t.Cleanup(func() {
		for _, cat := range c.catalogs {
			cat.Close()
		}
	})
	return c
}

func (c *testCluster) pg(node int) *PG {
	pg, err := c.catalogs[node].GetPG(1)
	require.NoError(c.t, err)
	return pg
}

func (c *testCluster) ctx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 10*time.Second)
}

func patternData(n int) []byte {
	out := make([]byte, n)
	for i := range out {
		out[i] = byte(i*31 + 7)
	}
	return out
}

func TestClusterWriteRead(t *testing.T) {
	c := newTestCluster(t, 2, 1, 8192)
	ctx, cancel := c.ctx()
	defer cancel()
	oid := proto.Oid{Name: "obj"}
	data := patternData(16384)

	require.NoError(t, c.pg(0).Write(ctx, oid, 0, data))

	got, err := c.pg(0).Read(ctx, oid, 0, uint64(len(data)))
	require.NoError(t, err)
	require.Equal(t, data, got)

	got, err = c.pg(0).Read(ctx, oid, 100, 1000)
	require.NoError(t, err)
	require.Equal(t, data[100:1100], got)

	// Appends land only at the current tail.
	require.ErrorIs(t, c.pg(0).Write(ctx, oid, 8192, patternData(8192)), apierrors.ErrOffsetMismatch)

	more := patternData(8192)
	require.NoError(t, c.pg(0).Write(ctx, oid, 16384, more))
	got, err = c.pg(0).Read(ctx, oid, 16384, 8192)
	require.NoError(t, err)
	require.Equal(t, more, got)

	stats, err := c.pg(0).Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Objects)
	require.Zero(t, stats.MissingObjects)

	oids, err := c.pg(0).ListObjects(ctx)
	require.NoError(t, err)
	require.Equal(t, []proto.Oid{oid}, oids)
}

func (c *testCluster) dropShard(node int, oid proto.Oid) {
	gid := proto.GhObject{Oid: oid, Shard: c.acting[node].Shard}
	txn := &proto.Transaction{}
	txn.Remove(gid)
	c.stores[node].PG(1).Queue(context.Background(), txn, nil, nil)
	c.pg(0).MarkMissing(c.acting[node], oid)
}

func TestClusterRecover(t *testing.T) {
	c := newTestCluster(t, 2, 1, 8192)
	ctx, cancel := c.ctx()
	defer cancel()
	oid := proto.Oid{Name: "obj"}
	data := patternData(16384)
	require.NoError(t, c.pg(0).Write(ctx, oid, 0, data))

	c.dropShard(1, oid)
	require.NoError(t, c.pg(0).Recover(ctx, oid))

	stats, err := c.pg(0).Stats(ctx)
	require.NoError(t, err)
	require.Zero(t, stats.MissingObjects)

	gid := proto.GhObject{Oid: oid, Shard: c.acting[1].Shard}
	size, err := c.stores[1].PG(1).Stat(gid)
	require.NoError(t, err)
	require.NotZero(t, size)

	got, err := c.pg(0).Read(ctx, oid, 0, uint64(len(data)))
	require.NoError(t, err)
	require.Equal(t, data, got)

	// A fully present object recovers as a no-op.
	require.NoError(t, c.pg(0).Recover(ctx, oid))
}

func TestClusterRecoverCanceledWithoutSources(t *testing.T) {
	c := newTestCluster(t, 2, 1, 8192)
	ctx, cancel := c.ctx()
	defer cancel()
	oid := proto.Oid{Name: "obj"}
	require.NoError(t, c.pg(0).Write(ctx, oid, 0, patternData(16384)))

	c.dropShard(1, oid)
	c.dropShard(2, oid)
	require.ErrorIs(t, c.pg(0).Recover(ctx, oid), apierrors.ErrRecoveryCanceled)
}

func TestClusterDeepScrub(t *testing.T) {
	c := newTestCluster(t, 2, 1, 8192)
	ctx, cancel := c.ctx()
	defer cancel()
	oid := proto.Oid{Name: "obj"}
	require.NoError(t, c.pg(0).Write(ctx, oid, 0, patternData(16384)))

	rec, err := c.pg(0).DeepScrub(ctx, oid)
	require.NoError(t, err)
	require.False(t, rec.ReadError)

	peer, err := c.pg(1).DeepScrub(ctx, oid)
	require.NoError(t, err)
	require.False(t, peer.ReadError)
	require.Equal(t, rec.Digest, peer.Digest)
}

func TestCatalogUnknownPG(t *testing.T) {
	c := newTestCluster(t, 2, 1, 8192)
	err := c.catalogs[0].HandleSubOp(context.Background(), 99, c.acting[1], &proto.EcRead{})
	require.ErrorIs(t, err, apierrors.ErrPgDoesNotExist)

	_, err = c.catalogs[0].GetPG(99)
	require.ErrorIs(t, err, apierrors.ErrPgDoesNotExist)
}

func TestMembershipChangeAbortsPendingWrite(t *testing.T) {
	c := newTestCluster(t, 2, 1, 8192)
	ctx, cancel := c.ctx()
	defer cancel()
	oid := proto.Oid{Name: "obj"}

	// With a member down the write can never fully commit.
	c.tr.setDown(c.acting[1].NodeID, true)
	errc := make(chan error, 1)
	go func() {
		errc <- c.pg(0).Write(ctx, oid, 0, patternData(16384))
	}()
	require.Eventually(t, func() bool {
		return c.tr.downAttemptCount() > 0
	}, 10*time.Second, time.Millisecond)

	c.pg(0).UpdateMembership(ctx, PGMembership{Epoch: 2, Acting: c.acting})
	require.ErrorIs(t, <-errc, apierrors.ErrPgMembershipChanged)

	// Stale epochs do not reinstall.
	c.pg(0).UpdateMembership(ctx, PGMembership{Epoch: 1, Acting: c.acting[:1]})
	stats, err := c.pg(0).Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, uint32(2), stats.Epoch)
	require.Equal(t, c.acting, stats.Acting)

	c.tr.setDown(c.acting[1].NodeID, false)
	require.NoError(t, c.pg(0).Write(ctx, proto.Oid{Name: "obj2"}, 0, patternData(8192)))
}

func TestCatalogCleansTempOnStartup(t *testing.T) {
	ms := store.NewMemStore()
	gid := proto.GhObject{Oid: proto.TempOid("stale"), Shard: 0}
	txn := &proto.Transaction{}
	txn.TouchTempCollection(gid)
	txn.Write(gid, 0, []byte("staged"), 0)
	ms.PG(1).Queue(context.Background(), txn, nil, nil)

	acting := []proto.PgShard{{NodeID: 1, Shard: 0}, {NodeID: 2, Shard: 1}, {NodeID: 3, Shard: 2}}
	cat, err := NewCatalog(context.Background(), &Config{
		Node: proto.Node{ID: 1},
		PGs: []PGConfig{{
			Epoch:  1,
			Acting: acting,
			Backend: ecbackend.Config{
				PgID:         1,
				DataChunks:   2,
				ParityChunks: 1,
				StripeWidth:  8192,
			},
		}},
	}, ms, newTestTransport())
	require.NoError(t, err)
	defer cat.Close()

	_, err = ms.PG(1).Stat(gid)
	require.ErrorIs(t, err, apierrors.ErrObjectDoesNotExist)
}

func TestCatalogNodeNotMember(t *testing.T) {
	ms := store.NewMemStore()
	_, err := NewCatalog(context.Background(), &Config{
		Node: proto.Node{ID: 9},
		PGs: []PGConfig{{
			Epoch:  1,
			Acting: []proto.PgShard{{NodeID: 1, Shard: 0}},
			Backend: ecbackend.Config{
				PgID:         1,
				DataChunks:   2,
				ParityChunks: 1,
				StripeWidth:  8192,
			},
		}},
	}, ms, newTestTransport())
	require.ErrorIs(t, err, apierrors.ErrShardDoesNotExist)
}
