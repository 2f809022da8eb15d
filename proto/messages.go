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
	"sort"

	apierrors "github.com/cubefs/ecstore/errors"
)

type MessageKind uint8

const (
	KindEcWrite MessageKind = iota + 1
	KindEcWriteReply
	KindEcRead
	KindEcReadReply
	KindPgPush
	KindPgPushReply
)

const (
	ecWriteVersion      = 1
	ecWriteReplyVersion = 1
	ecReadVersion       = 1
	ecReadReplyVersion  = 1
	pgPushVersion       = 1
	pgPushReplyVersion  = 1
)

// WireMessage is anything the rpc codec can put on the wire.
type WireMessage interface {
	Marshal() ([]byte, error)
	Unmarshal(data []byte) error
}

// Message is a sub-op message routed to a placement group peer.
type Message interface {
	WireMessage
	Kind() MessageKind
}

func NewMessage(kind MessageKind) (Message, error) {
	switch kind {
	case KindEcWrite:
		return &EcWrite{}, nil
	case KindEcWriteReply:
		return &EcWriteReply{}, nil
	case KindEcRead:
		return &EcRead{}, nil
	case KindEcReadReply:
		return &EcReadReply{}, nil
	case KindPgPush:
		return &PgPush{}, nil
	case KindPgPushReply:
		return &PgPushReply{}, nil
	default:
		return nil, apierrors.ErrUnknownMessageKind
	}
}

// ReadRequest asks a shard for Len compressed bytes at compressed
// offset Off of its part of the object.
type ReadRequest struct {
	Off   uint64
	Len   uint64
	Flags uint32
}

// ReadPiece is one returned buffer at the compressed offset it was
// requested at.
type ReadPiece struct {
	Off  uint64
	Data []byte
}

// EcWrite carries one shard's transaction of a client write.
type EcWrite struct {
	Tid            Tid
	ReqID          string
	From           PgShard
	Oid            Oid
	Txn            Transaction
	AtVersion      EVersion
	TrimTo         EVersion
	TrimRollbackTo EVersion
	LogEntries     []LogEntry
	TempAdded      []Oid
	TempRemoved    []Oid
}

func (m *EcWrite) Kind() MessageKind { return KindEcWrite }

func (m *EcWrite) Marshal() ([]byte, error) {
	e := NewEncoder(64 + len(m.Txn.Records)*32)
	e.PutU8(ecWriteVersion)
	e.PutU64(m.Tid)
	e.PutString(m.ReqID)
	m.From.encodeTo(e)
	m.Oid.encodeTo(e)
	m.Txn.encodeTo(e)
	m.AtVersion.encodeTo(e)
	m.TrimTo.encodeTo(e)
	m.TrimRollbackTo.encodeTo(e)
	e.PutU32(uint32(len(m.LogEntries)))
	for _, l := range m.LogEntries {
		l.encodeTo(e)
	}
	encodeOids(e, m.TempAdded)
	encodeOids(e, m.TempRemoved)
	return e.Bytes(), nil
}

func (m *EcWrite) Unmarshal(data []byte) error {
	d := NewDecoder(data)
	if v := d.U8(); v != ecWriteVersion {
		return apierrors.ErrInvalidData
	}
	m.Tid = d.U64()
	m.ReqID = d.String()
	m.From.decodeFrom(d)
	m.Oid.decodeFrom(d)
	m.Txn.decodeFrom(d)
	m.AtVersion.decodeFrom(d)
	m.TrimTo.decodeFrom(d)
	m.TrimRollbackTo.decodeFrom(d)
	n := int(d.U32())
	if d.Err() == nil {
		m.LogEntries = make([]LogEntry, n)
		for i := range m.LogEntries {
			m.LogEntries[i].decodeFrom(d)
		}
	}
	m.TempAdded = decodeOids(d)
	m.TempRemoved = decodeOids(d)
	return d.Err()
}

type EcWriteReply struct {
	Tid          Tid
	From         PgShard
	Applied      bool
	Committed    bool
	LastComplete EVersion
}

func (m *EcWriteReply) Kind() MessageKind { return KindEcWriteReply }

func (m *EcWriteReply) Marshal() ([]byte, error) {
	e := NewEncoder(32)
	e.PutU8(ecWriteReplyVersion)
	e.PutU64(m.Tid)
	m.From.encodeTo(e)
	e.PutBool(m.Applied)
	e.PutBool(m.Committed)
	m.LastComplete.encodeTo(e)
	return e.Bytes(), nil
}

func (m *EcWriteReply) Unmarshal(data []byte) error {
	d := NewDecoder(data)
	if v := d.U8(); v != ecWriteReplyVersion {
		return apierrors.ErrInvalidData
	}
	m.Tid = d.U64()
	m.From.decodeFrom(d)
	m.Applied = d.Bool()
	m.Committed = d.Bool()
	m.LastComplete.decodeFrom(d)
	return d.Err()
}

// EcRead fans a primary read out to one shard. Preheat asks the peer
// to warm its store cache and return nothing. SelfCheck asks for a
// scrub verify when the read covers the whole shard object.
type EcRead struct {
	Tid         Tid
	From        PgShard
	ToRead      map[Oid][]ReadRequest
	AttrsToRead []Oid
	Preheat     bool
	SelfCheck   bool
}

func (m *EcRead) Kind() MessageKind { return KindEcRead }

func (m *EcRead) Marshal() ([]byte, error) {
	e := NewEncoder(64)
	e.PutU8(ecReadVersion)
	e.PutU64(m.Tid)
	m.From.encodeTo(e)
	oids := oidKeys(len(m.ToRead), m.ToRead)
	e.PutU32(uint32(len(oids)))
	for _, oid := range oids {
		oid.encodeTo(e)
		reqs := m.ToRead[oid]
		e.PutU32(uint32(len(reqs)))
		for _, r := range reqs {
			e.PutU64(r.Off)
			e.PutU64(r.Len)
			e.PutU32(r.Flags)
		}
	}
	encodeOids(e, m.AttrsToRead)
	e.PutBool(m.Preheat)
	e.PutBool(m.SelfCheck)
	return e.Bytes(), nil
}

func (m *EcRead) Unmarshal(data []byte) error {
	d := NewDecoder(data)
	if v := d.U8(); v != ecReadVersion {
		return apierrors.ErrInvalidData
	}
	m.Tid = d.U64()
	m.From.decodeFrom(d)
	n := int(d.U32())
	if d.Err() == nil {
		m.ToRead = make(map[Oid][]ReadRequest, n)
		for i := 0; i < n; i++ {
			var oid Oid
			oid.decodeFrom(d)
			cnt := int(d.U32())
			if d.Err() != nil {
				break
			}
			reqs := make([]ReadRequest, cnt)
			for j := range reqs {
				reqs[j].Off = d.U64()
				reqs[j].Len = d.U64()
				reqs[j].Flags = d.U32()
			}
			m.ToRead[oid] = reqs
		}
	}
	m.AttrsToRead = decodeOids(d)
	m.Preheat = d.Bool()
	m.SelfCheck = d.Bool()
	return d.Err()
}

type EcReadReply struct {
	Tid         Tid
	From        PgShard
	BuffersRead map[Oid][]ReadPiece
	AttrsRead   map[Oid]map[string][]byte
	Errors      map[Oid]int32
}

func (m *EcReadReply) Kind() MessageKind { return KindEcReadReply }

func (m *EcReadReply) Marshal() ([]byte, error) {
	e := NewEncoder(64)
	e.PutU8(ecReadReplyVersion)
	e.PutU64(m.Tid)
	m.From.encodeTo(e)

	oids := oidKeys(len(m.BuffersRead), m.BuffersRead)
	e.PutU32(uint32(len(oids)))
	for _, oid := range oids {
		oid.encodeTo(e)
		pieces := m.BuffersRead[oid]
		e.PutU32(uint32(len(pieces)))
		for _, p := range pieces {
			e.PutU64(p.Off)
			e.PutBytes(p.Data)
		}
	}

	attrOids := oidKeys(len(m.AttrsRead), m.AttrsRead)
	e.PutU32(uint32(len(attrOids)))
	for _, oid := range attrOids {
		oid.encodeTo(e)
		e.PutAttrs(m.AttrsRead[oid])
	}

	errOids := oidKeys(len(m.Errors), m.Errors)
	e.PutU32(uint32(len(errOids)))
	for _, oid := range errOids {
		oid.encodeTo(e)
		e.PutI32(m.Errors[oid])
	}
	return e.Bytes(), nil
}

func (m *EcReadReply) Unmarshal(data []byte) error {
	d := NewDecoder(data)
	if v := d.U8(); v != ecReadReplyVersion {
		return apierrors.ErrInvalidData
	}
	m.Tid = d.U64()
	m.From.decodeFrom(d)

	n := int(d.U32())
	if d.Err() == nil {
		m.BuffersRead = make(map[Oid][]ReadPiece, n)
		for i := 0; i < n; i++ {
			var oid Oid
			oid.decodeFrom(d)
			cnt := int(d.U32())
			if d.Err() != nil {
				break
			}
			pieces := make([]ReadPiece, cnt)
			for j := range pieces {
				pieces[j].Off = d.U64()
				pieces[j].Data = d.Bytes()
			}
			m.BuffersRead[oid] = pieces
		}
	}

	n = int(d.U32())
	if d.Err() == nil {
		m.AttrsRead = make(map[Oid]map[string][]byte, n)
		for i := 0; i < n; i++ {
			var oid Oid
			oid.decodeFrom(d)
			m.AttrsRead[oid] = d.Attrs()
		}
	}

	n = int(d.U32())
	if d.Err() == nil {
		m.Errors = make(map[Oid]int32, n)
		for i := 0; i < n; i++ {
			var oid Oid
			oid.decodeFrom(d)
			m.Errors[oid] = d.I32()
		}
	}
	return d.Err()
}

type PgPush struct {
	From   PgShard
	Pushes []PushOp
}

func (m *PgPush) Kind() MessageKind { return KindPgPush }

func (m *PgPush) Marshal() ([]byte, error) {
	e := NewEncoder(64)
	e.PutU8(pgPushVersion)
	m.From.encodeTo(e)
	e.PutU32(uint32(len(m.Pushes)))
	for _, p := range m.Pushes {
		p.encodeTo(e)
	}
	return e.Bytes(), nil
}

func (m *PgPush) Unmarshal(data []byte) error {
	d := NewDecoder(data)
	if v := d.U8(); v != pgPushVersion {
		return apierrors.ErrInvalidData
	}
	m.From.decodeFrom(d)
	n := int(d.U32())
	if d.Err() == nil {
		m.Pushes = make([]PushOp, n)
		for i := range m.Pushes {
			m.Pushes[i].decodeFrom(d)
		}
	}
	return d.Err()
}

type PgPushReply struct {
	From    PgShard
	Replies []PushReplyOp
}

func (m *PgPushReply) Kind() MessageKind { return KindPgPushReply }

func (m *PgPushReply) Marshal() ([]byte, error) {
	e := NewEncoder(32)
	e.PutU8(pgPushReplyVersion)
	m.From.encodeTo(e)
	e.PutU32(uint32(len(m.Replies)))
	for _, r := range m.Replies {
		r.encodeTo(e)
	}
	return e.Bytes(), nil
}

func (m *PgPushReply) Unmarshal(data []byte) error {
	d := NewDecoder(data)
	if v := d.U8(); v != pgPushReplyVersion {
		return apierrors.ErrInvalidData
	}
	m.From.decodeFrom(d)
	n := int(d.U32())
	if d.Err() == nil {
		m.Replies = make([]PushReplyOp, n)
		for i := range m.Replies {
			m.Replies[i].decodeFrom(d)
		}
	}
	return d.Err()
}

func encodeOids(e *Encoder, oids []Oid) {
	e.PutU32(uint32(len(oids)))
	for _, o := range oids {
		o.encodeTo(e)
	}
}

func decodeOids(d *Decoder) []Oid {
	n := int(d.U32())
	if d.Err() != nil {
		return nil
	}
	oids := make([]Oid, n)
	for i := range oids {
		oids[i].decodeFrom(d)
	}
	return oids
}

func oidKeys[V any](n int, m map[Oid]V) []Oid {
	oids := make([]Oid, 0, n)
	for oid := range m {
		oids = append(oids, oid)
	}
	sort.Slice(oids, func(i, j int) bool { return oids[i].Less(oids[j]) })
	return oids
}
