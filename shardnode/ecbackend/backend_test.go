package ecbackend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	apierrors "github.com/cubefs/ecstore/errors"
	"github.com/cubefs/ecstore/proto"
)

// testStore is an in-memory objectStore. Transactions are applied by
// the cluster's flush loop, never directly by the backend.
type testStore struct {
	objects    map[proto.GhObject][]byte
	attrs      map[proto.GhObject]map[string][]byte
	temp       map[proto.GhObject]bool
	writeFlags map[proto.GhObject][]uint32
	preheats   int
}

func newTestStore() *testStore {
	return &testStore{
		objects:    make(map[proto.GhObject][]byte),
		attrs:      make(map[proto.GhObject]map[string][]byte),
		temp:       make(map[proto.GhObject]bool),
		writeFlags: make(map[proto.GhObject][]uint32),
	}
}

func (s *testStore) Read(gid proto.GhObject, off, length uint64) ([]byte, error) {
	data, ok := s.objects[gid]
	if !ok {
		return nil, apierrors.ErrObjectDoesNotExist
	}
	if off >= uint64(len(data)) {
		return nil, nil
	}
	end := off + length
	if end > uint64(len(data)) {
		end = uint64(len(data))
	}
	out := make([]byte, end-off)
	copy(out, data[off:end])
	return out, nil
}

func (s *testStore) Stat(gid proto.GhObject) (uint64, error) {
	data, ok := s.objects[gid]
	if !ok {
		return 0, apierrors.ErrObjectDoesNotExist
	}
	return uint64(len(data)), nil
}

func (s *testStore) GetAttr(gid proto.GhObject, key string) ([]byte, error) {
	if _, ok := s.objects[gid]; !ok {
		return nil, apierrors.ErrObjectDoesNotExist
	}
	raw, ok := s.attrs[gid][key]
	if !ok {
		return nil, apierrors.ErrAttrDoesNotExist
	}
	return raw, nil
}

func (s *testStore) GetAttrs(gid proto.GhObject) (map[string][]byte, error) {
	if _, ok := s.objects[gid]; !ok {
		return nil, apierrors.ErrObjectDoesNotExist
	}
	out := make(map[string][]byte, len(s.attrs[gid]))
	for k, v := range s.attrs[gid] {
		out[k] = v
	}
	return out, nil
}

func (s *testStore) Preheat(gid proto.GhObject, off, length uint64) {
	s.preheats++
}

func (s *testStore) apply(txn *proto.Transaction) {
	for _, r := range txn.Records {
		switch r.Op {
		case proto.TxnWrite:
			buf := s.objects[r.Gid]
			end := r.Off + uint64(len(r.Data))
			if uint64(len(buf)) < end {
				grown := make([]byte, end)
				copy(grown, buf)
				buf = grown
			}
			copy(buf[r.Off:], r.Data)
			s.objects[r.Gid] = buf
			s.writeFlags[r.Gid] = append(s.writeFlags[r.Gid], r.Flags)
		case proto.TxnSetAttrs:
			if s.attrs[r.Gid] == nil {
				s.attrs[r.Gid] = make(map[string][]byte)
			}
			for k, v := range r.Attrs {
				s.attrs[r.Gid][k] = v
			}
		case proto.TxnTruncate:
			if buf, ok := s.objects[r.Gid]; ok && uint64(len(buf)) > r.Off {
				s.objects[r.Gid] = buf[:r.Off]
			}
		case proto.TxnRemove:
			delete(s.objects, r.Gid)
			delete(s.attrs, r.Gid)
			delete(s.temp, r.Gid)
		case proto.TxnMoveCollection:
			from := proto.GhObject{Oid: proto.TempOid(r.Gid.Oid.Name), Shard: r.Gid.Shard}
			to := proto.GhObject{Oid: r.Gid.Oid.Canonical(), Shard: r.Gid.Shard}
			s.objects[to] = s.objects[from]
			s.attrs[to] = s.attrs[from]
			delete(s.objects, from)
			delete(s.attrs, from)
			delete(s.temp, from)
		case proto.TxnTouchTempCollection:
			s.temp[r.Gid] = true
		}
	}
}

type queuedMessage struct {
	from proto.PgShard
	to   proto.PgShard
	msg  proto.Message
}

type queuedTxn struct {
	node        *testNode
	txn         *proto.Transaction
	onApplied   func()
	onCommitted func()
}

type testNode struct {
	shard   proto.PgShard
	store   *testStore
	backend *ECBackend
}

type objectInfo struct {
	size    uint64
	version proto.EVersion
}

// testCluster wires K+M backends together with a deferred message and
// transaction queue standing in for the group worker and the store's
// async completion path.
type testCluster struct {
	t     *testing.T
	nodes map[proto.PgShard]*testNode

	acting   []proto.PgShard
	backfill []proto.PgShard
	lastBf   map[proto.PgShard]proto.Oid
	missing  map[proto.PgShard]map[proto.Oid]bool
	objInfo  map[proto.Oid]objectInfo

	undersized bool
	nextTid    proto.Tid

	msgs []queuedMessage
	txns []queuedTxn

	peerRecovered   []proto.PgShard
	globalRecovered []proto.Oid
	canceledPulls   []proto.Oid
}

type testListener struct {
	cluster *testCluster
	self    proto.PgShard
}

func (l *testListener) Whoami() proto.PgShard { return l.self }

func (l *testListener) ActingShards() []proto.PgShard { return l.cluster.acting }

func (l *testListener) BackfillShards() []proto.PgShard { return l.cluster.backfill }

func (l *testListener) LastBackfill(peer proto.PgShard) proto.Oid {
	return l.cluster.lastBf[peer]
}

func (l *testListener) IsMissing(peer proto.PgShard, oid proto.Oid) bool {
	return l.cluster.missing[peer][oid]
}

func (l *testListener) MissingLoc(oid proto.Oid) []proto.PgShard { return nil }

func (l *testListener) MissingOnShards(oid proto.Oid) []proto.PgShard {
	var out []proto.PgShard
	for _, peer := range l.cluster.acting {
		if l.cluster.missing[peer][oid] {
			out = append(out, peer)
		}
	}
	return out
}

func (l *testListener) Undersized() bool { return l.cluster.undersized }

func (l *testListener) ObjectInfo(oid proto.Oid) (uint64, proto.EVersion, bool) {
	info, ok := l.cluster.objInfo[oid]
	return info.size, info.version, ok
}

func (l *testListener) NextTid() proto.Tid {
	l.cluster.nextTid++
	return l.cluster.nextTid
}

func (l *testListener) Send(ctx context.Context, to proto.PgShard, msg proto.Message) {
	l.cluster.msgs = append(l.cluster.msgs, queuedMessage{from: l.self, to: to, msg: msg})
}

func (l *testListener) Queue(ctx context.Context, txn *proto.Transaction, onApplied, onCommitted func()) {
	l.cluster.txns = append(l.cluster.txns, queuedTxn{
		node:        l.cluster.nodes[l.self],
		txn:         txn,
		onApplied:   onApplied,
		onCommitted: onCommitted,
	})
}

func (l *testListener) OnPeerRecover(peer proto.PgShard, oid proto.Oid) {
	l.cluster.peerRecovered = append(l.cluster.peerRecovered, peer)
}

func (l *testListener) OnGlobalRecover(oid proto.Oid) {
	l.cluster.globalRecovered = append(l.cluster.globalRecovered, oid)
	for _, peers := range l.cluster.missing {
		delete(peers, oid)
	}
}

func (l *testListener) CancelPull(oid proto.Oid) {
	l.cluster.canceledPulls = append(l.cluster.canceledPulls, oid)
}

func newTestCluster(t *testing.T, k, m int, stripeWidth uint64) *testCluster {
	cluster := &testCluster{
		t:       t,
		nodes:   make(map[proto.PgShard]*testNode),
		lastBf:  make(map[proto.PgShard]proto.Oid),
		missing: make(map[proto.PgShard]map[proto.Oid]bool),
		objInfo: make(map[proto.Oid]objectInfo),
	}
	for i := 0; i < k+m; i++ {
		shard := proto.PgShard{NodeID: proto.NodeID(i + 1), Shard: proto.ShardID(i)}
		cluster.acting = append(cluster.acting, shard)
		cluster.missing[shard] = make(map[proto.Oid]bool)
	}
	for _, shard := range cluster.acting {
		codec, err := NewRSCodec(k, m)
		require.NoError(t, err)
		store := newTestStore()
		backend := New(Config{
			PgID:         1,
			DataChunks:   k,
			ParityChunks: m,
			StripeWidth:  stripeWidth,
		}, codec, &testListener{cluster: cluster, self: shard}, store)
		cluster.nodes[shard] = &testNode{shard: shard, store: store, backend: backend}
	}
	return cluster
}

func (c *testCluster) primary() *testNode { return c.nodes[c.acting[0]] }

// flushMessages delivers queued peer messages, including ones
// generated while delivering, but leaves store transactions queued.
func (c *testCluster) flushMessages() {
	ctx := context.Background()
	for len(c.msgs) > 0 {
		qm := c.msgs[0]
		c.msgs = c.msgs[1:]
		node, ok := c.nodes[qm.to]
		require.True(c.t, ok, "message to unknown shard %v", qm.to)
		node.backend.HandleSubOpMessage(ctx, qm.from, qm.msg)
	}
}

// applyNextTxn applies the oldest queued store transaction and runs
// both its completion callbacks.
func (c *testCluster) applyNextTxn() {
	require.NotEmpty(c.t, c.txns)
	qt := c.txns[0]
	c.txns = c.txns[1:]
	qt.node.store.apply(qt.txn)
	if qt.onApplied != nil {
		qt.onApplied()
	}
	if qt.onCommitted != nil {
		qt.onCommitted()
	}
}

// flush drains messages and transactions until the cluster is idle.
func (c *testCluster) flush() {
	for len(c.msgs) > 0 || len(c.txns) > 0 {
		c.flushMessages()
		if len(c.txns) > 0 {
			c.applyNextTxn()
		}
	}
}

func (c *testCluster) markMissing(peer proto.PgShard, oid proto.Oid) {
	c.missing[peer][oid] = true
	gid := proto.GhObject{Oid: oid, Shard: peer.Shard}
	delete(c.nodes[peer].store.objects, gid)
	delete(c.nodes[peer].store.attrs, gid)
}

// submitWrite appends data at off on the primary and drains the
// cluster, returning the applied and committed callback counts.
func (c *testCluster) submitWrite(oid proto.Oid, off uint64, data []byte, version proto.EVersion) (int, int) {
	applied, committed := 0, 0
	primary := c.primary()
	txn := &WriteTxn{}
	txn.Append(oid, off, data)
	primary.backend.SubmitTransaction(context.Background(), &WriteArgs{
		Tid:       primary.backend.lst.NextTid(),
		ReqID:     "test-req",
		Oid:       oid,
		AtVersion: version,
		Txn:       txn,
		LogEntries: []proto.LogEntry{{
			Version: version,
			Oid:     oid,
			Mod:     proto.ModDesc{Kind: proto.ModAppend, PrevSize: off},
		}},
		OnAllApplied: func() { applied++ },
		OnAllCommit:  func() { committed++ },
	})
	c.flush()
	c.objInfo[oid] = objectInfo{size: off + uint64(len(data)), version: version}
	return applied, committed
}
