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

// Oid names a logical object. Temp marks recovery staging objects
// which live in the temp collection until renamed into place.
type Oid struct {
	Name string
	Temp bool
}

func TempOid(name string) Oid {
	return Oid{Name: name, Temp: true}
}

func (o Oid) Canonical() Oid {
	return Oid{Name: o.Name}
}

func (o Oid) Less(than Oid) bool {
	if o.Name != than.Name {
		return o.Name < than.Name
	}
	return !o.Temp && than.Temp
}

func (o Oid) String() string {
	if o.Temp {
		return "temp:" + o.Name
	}
	return o.Name
}

func (o Oid) encodeTo(e *Encoder) {
	e.PutString(o.Name)
	e.PutBool(o.Temp)
}

func (o *Oid) decodeFrom(d *Decoder) {
	o.Name = d.String()
	o.Temp = d.Bool()
}

// GhObject names one shard of an object.
type GhObject struct {
	Oid   Oid
	Shard ShardID
}

func (g GhObject) encodeTo(e *Encoder) {
	g.Oid.encodeTo(e)
	e.PutI32(g.Shard)
}

func (g *GhObject) decodeFrom(d *Decoder) {
	g.Oid.decodeFrom(d)
	g.Shard = d.I32()
}

// EVersion is the (epoch, sequence) version the primary assigns to
// every write.
type EVersion struct {
	Epoch uint32
	Seq   uint64
}

func (v EVersion) Compare(o EVersion) int {
	if v.Epoch != o.Epoch {
		if v.Epoch < o.Epoch {
			return -1
		}
		return 1
	}
	if v.Seq != o.Seq {
		if v.Seq < o.Seq {
			return -1
		}
		return 1
	}
	return 0
}

func (v EVersion) IsZero() bool {
	return v.Epoch == 0 && v.Seq == 0
}

func (v EVersion) encodeTo(e *Encoder) {
	e.PutU32(v.Epoch)
	e.PutU64(v.Seq)
}

func (v *EVersion) decodeFrom(d *Decoder) {
	v.Epoch = d.U32()
	v.Seq = d.U64()
}

func (s PgShard) encodeTo(e *Encoder) {
	e.PutU32(s.NodeID)
	e.PutI32(s.Shard)
}

func (s *PgShard) decodeFrom(d *Decoder) {
	s.NodeID = d.U32()
	s.Shard = d.I32()
}

// Extent is a half open [Off, Off+Len) byte range. Interval sets are
// carried on the wire as extents in ascending key order.
type Extent struct {
	Off uint64
	Len uint64
}

func (x Extent) encodeTo(e *Encoder) {
	e.PutU64(x.Off)
	e.PutU64(x.Len)
}

func (x *Extent) decodeFrom(d *Decoder) {
	x.Off = d.U64()
	x.Len = d.U64()
}

func encodeExtents(e *Encoder, xs []Extent) {
	e.PutU32(uint32(len(xs)))
	for _, x := range xs {
		x.encodeTo(e)
	}
}

func decodeExtents(d *Decoder) []Extent {
	n := int(d.U32())
	if d.Err() != nil {
		return nil
	}
	xs := make([]Extent, n)
	for i := range xs {
		xs[i].decodeFrom(d)
	}
	return xs
}

type ModKind uint8

const (
	ModCreate ModKind = iota + 1
	ModAppend
	ModDelete
)

// ModDesc describes how a log entry modified its object. PrevSize is
// meaningful only for ModAppend.
type ModDesc struct {
	Kind     ModKind
	PrevSize uint64
}

func (m ModDesc) IsAppend() bool {
	return m.Kind == ModAppend
}

func (m ModDesc) encodeTo(e *Encoder) {
	e.PutU8(uint8(m.Kind))
	e.PutU64(m.PrevSize)
}

func (m *ModDesc) decodeFrom(d *Decoder) {
	m.Kind = ModKind(d.U8())
	m.PrevSize = d.U64()
}

// LogEntry records one object modification. RollbackAttrs carry the
// pre-write metadata attributes needed to undo an append.
type LogEntry struct {
	Version       EVersion
	Oid           Oid
	Mod           ModDesc
	RollbackAttrs map[string][]byte
}

func (l LogEntry) encodeTo(e *Encoder) {
	l.Version.encodeTo(e)
	l.Oid.encodeTo(e)
	l.Mod.encodeTo(e)
	e.PutAttrs(l.RollbackAttrs)
}

func (l *LogEntry) decodeFrom(d *Decoder) {
	l.Version.decodeFrom(d)
	l.Oid.decodeFrom(d)
	l.Mod.decodeFrom(d)
	l.RollbackAttrs = d.Attrs()
}

// RecoveryInfo identifies the object being recovered and its target
// state.
type RecoveryInfo struct {
	Oid     Oid
	Version EVersion
	Size    uint64
}

func (r RecoveryInfo) encodeTo(e *Encoder) {
	r.Oid.encodeTo(e)
	r.Version.encodeTo(e)
	e.PutU64(r.Size)
}

func (r *RecoveryInfo) decodeFrom(d *Decoder) {
	r.Oid.decodeFrom(d)
	r.Version.decodeFrom(d)
	r.Size = d.U64()
}

// RecoveryProgress is the pull cursor. DataRecoveredTo counts logical
// bytes, First marks the pass that carries the attributes.
type RecoveryProgress struct {
	DataRecoveredTo uint64
	First           bool
	DataComplete    bool
	OmapComplete    bool
}

func (p RecoveryProgress) encodeTo(e *Encoder) {
	e.PutU64(p.DataRecoveredTo)
	e.PutBool(p.First)
	e.PutBool(p.DataComplete)
	e.PutBool(p.OmapComplete)
}

func (p *RecoveryProgress) decodeFrom(d *Decoder) {
	p.DataRecoveredTo = d.U64()
	p.First = d.Bool()
	p.DataComplete = d.Bool()
	p.OmapComplete = d.Bool()
}

// PushOp moves one chunk of recovered bytes to a target shard.
// CompactEnds are the cumulative compressed end offsets the target
// appends to its compaction index for this push.
type PushOp struct {
	Oid            Oid
	Version        EVersion
	Data           []byte
	DataIncluded   []Extent
	CompactEnds    []uint32
	Attrs          map[string][]byte
	RecoveryInfo   RecoveryInfo
	BeforeProgress RecoveryProgress
	AfterProgress  RecoveryProgress
}

func (p PushOp) encodeTo(e *Encoder) {
	p.Oid.encodeTo(e)
	p.Version.encodeTo(e)
	e.PutBytes(p.Data)
	encodeExtents(e, p.DataIncluded)
	e.PutU32Slice(p.CompactEnds)
	e.PutAttrs(p.Attrs)
	p.RecoveryInfo.encodeTo(e)
	p.BeforeProgress.encodeTo(e)
	p.AfterProgress.encodeTo(e)
}

func (p *PushOp) decodeFrom(d *Decoder) {
	p.Oid.decodeFrom(d)
	p.Version.decodeFrom(d)
	p.Data = d.Bytes()
	p.DataIncluded = decodeExtents(d)
	p.CompactEnds = d.U32Slice()
	p.Attrs = d.Attrs()
	p.RecoveryInfo.decodeFrom(d)
	p.BeforeProgress.decodeFrom(d)
	p.AfterProgress.decodeFrom(d)
}

type PushReplyOp struct {
	Oid Oid
}

func (p PushReplyOp) encodeTo(e *Encoder) {
	p.Oid.encodeTo(e)
}

func (p *PushReplyOp) decodeFrom(d *Decoder) {
	p.Oid.decodeFrom(d)
}
