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

type TxnOp uint8

const (
	TxnWrite TxnOp = iota + 1
	TxnSetAttrs
	TxnTruncate
	TxnRemove
	TxnMoveCollection
	TxnTouchTempCollection
)

// Transaction flag bits.
const (
	FlagFadviseDontNeed uint32 = 1 << 0
)

// TxnRecord is one store mutation. Field use depends on Op:
// TxnWrite uses Off/Data/Flags, TxnSetAttrs uses Attrs, TxnTruncate
// uses Off as the new size, TxnMoveCollection renames the temp form
// of Gid.Oid into the canonical collection.
type TxnRecord struct {
	Op    TxnOp
	Gid   GhObject
	Off   uint64
	Data  []byte
	Attrs map[string][]byte
	Flags uint32
}

// Transaction is an ordered list of mutations applied atomically by
// the local object store.
type Transaction struct {
	Records []TxnRecord
}

func (t *Transaction) Write(gid GhObject, off uint64, data []byte, flags uint32) {
	t.Records = append(t.Records, TxnRecord{Op: TxnWrite, Gid: gid, Off: off, Data: data, Flags: flags})
}

func (t *Transaction) SetAttrs(gid GhObject, attrs map[string][]byte) {
	t.Records = append(t.Records, TxnRecord{Op: TxnSetAttrs, Gid: gid, Attrs: attrs})
}

func (t *Transaction) Truncate(gid GhObject, size uint64) {
	t.Records = append(t.Records, TxnRecord{Op: TxnTruncate, Gid: gid, Off: size})
}

func (t *Transaction) Remove(gid GhObject) {
	t.Records = append(t.Records, TxnRecord{Op: TxnRemove, Gid: gid})
}

func (t *Transaction) MoveCollection(gid GhObject) {
	t.Records = append(t.Records, TxnRecord{Op: TxnMoveCollection, Gid: gid})
}

func (t *Transaction) TouchTempCollection(gid GhObject) {
	t.Records = append(t.Records, TxnRecord{Op: TxnTouchTempCollection, Gid: gid})
}

func (t *Transaction) Empty() bool {
	return len(t.Records) == 0
}

// Append moves the records of other onto t, leaving other empty.
func (t *Transaction) Append(other *Transaction) {
	t.Records = append(t.Records, other.Records...)
	other.Records = nil
}

func (t Transaction) encodeTo(e *Encoder) {
	e.PutU32(uint32(len(t.Records)))
	for _, r := range t.Records {
		e.PutU8(uint8(r.Op))
		r.Gid.encodeTo(e)
		e.PutU64(r.Off)
		e.PutBytes(r.Data)
		e.PutAttrs(r.Attrs)
		e.PutU32(r.Flags)
	}
}

func (t *Transaction) decodeFrom(d *Decoder) {
	n := int(d.U32())
	if d.Err() != nil {
		return
	}
	t.Records = make([]TxnRecord, n)
	for i := range t.Records {
		r := &t.Records[i]
		r.Op = TxnOp(d.U8())
		r.Gid.decodeFrom(d)
		r.Off = d.U64()
		r.Data = d.Bytes()
		r.Attrs = d.Attrs()
		r.Flags = d.U32()
	}
}
