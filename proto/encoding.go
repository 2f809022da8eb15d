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
	"encoding/binary"
	"sort"

	apierrors "github.com/cubefs/ecstore/errors"
)

// Every persisted or on-wire structure begins with a one-byte struct
// version followed by its fields in declaration order. Integers are
// little endian fixed width, byte slices and strings are length
// prefixed with a uint32, maps are encoded as a uint32 count followed
// by the entries in sorted key order.

type Encoder struct {
	b []byte
}

func NewEncoder(sizeHint int) *Encoder {
	return &Encoder{b: make([]byte, 0, sizeHint)}
}

func (e *Encoder) PutU8(v uint8) {
	e.b = append(e.b, v)
}

func (e *Encoder) PutBool(v bool) {
	if v {
		e.b = append(e.b, 1)
		return
	}
	e.b = append(e.b, 0)
}

func (e *Encoder) PutU32(v uint32) {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	e.b = append(e.b, buf[:]...)
}

func (e *Encoder) PutI32(v int32) {
	e.PutU32(uint32(v))
}

func (e *Encoder) PutU64(v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	e.b = append(e.b, buf[:]...)
}

func (e *Encoder) PutBytes(v []byte) {
	e.PutU32(uint32(len(v)))
	e.b = append(e.b, v...)
}

func (e *Encoder) PutString(v string) {
	e.PutU32(uint32(len(v)))
	e.b = append(e.b, v...)
}

func (e *Encoder) PutU32Slice(v []uint32) {
	e.PutU32(uint32(len(v)))
	for _, x := range v {
		e.PutU32(x)
	}
}

func (e *Encoder) PutStringSlice(v []string) {
	e.PutU32(uint32(len(v)))
	for _, s := range v {
		e.PutString(s)
	}
}

func (e *Encoder) PutAttrs(attrs map[string][]byte) {
	keys := make([]string, 0, len(attrs))
	for k := range attrs {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	e.PutU32(uint32(len(keys)))
	for _, k := range keys {
		e.PutString(k)
		e.PutBytes(attrs[k])
	}
}

func (e *Encoder) Bytes() []byte {
	return e.b
}

// Decoder reads back what Encoder wrote. The first decode failure
// sticks; callers check Err once after draining all fields.
type Decoder struct {
	b   []byte
	off int
	err error
}

func NewDecoder(b []byte) *Decoder {
	return &Decoder{b: b}
}

func (d *Decoder) fail() {
	if d.err == nil {
		d.err = apierrors.ErrInvalidData
	}
}

func (d *Decoder) U8() uint8 {
	if d.err != nil || d.off+1 > len(d.b) {
		d.fail()
		return 0
	}
	v := d.b[d.off]
	d.off++
	return v
}

func (d *Decoder) Bool() bool {
	return d.U8() != 0
}

func (d *Decoder) U32() uint32 {
	if d.err != nil || d.off+4 > len(d.b) {
		d.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(d.b[d.off:])
	d.off += 4
	return v
}

func (d *Decoder) I32() int32 {
	return int32(d.U32())
}

func (d *Decoder) U64() uint64 {
	if d.err != nil || d.off+8 > len(d.b) {
		d.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(d.b[d.off:])
	d.off += 8
	return v
}

func (d *Decoder) Bytes() []byte {
	n := int(d.U32())
	if d.err != nil || d.off+n > len(d.b) {
		d.fail()
		return nil
	}
	v := make([]byte, n)
	copy(v, d.b[d.off:d.off+n])
	d.off += n
	return v
}

func (d *Decoder) String() string {
	n := int(d.U32())
	if d.err != nil || d.off+n > len(d.b) {
		d.fail()
		return ""
	}
	v := string(d.b[d.off : d.off+n])
	d.off += n
	return v
}

func (d *Decoder) U32Slice() []uint32 {
	n := int(d.U32())
	if d.err != nil {
		return nil
	}
	v := make([]uint32, 0, n)
	for i := 0; i < n; i++ {
		v = append(v, d.U32())
	}
	return v
}

func (d *Decoder) StringSlice() []string {
	n := int(d.U32())
	if d.err != nil {
		return nil
	}
	v := make([]string, 0, n)
	for i := 0; i < n; i++ {
		v = append(v, d.String())
	}
	return v
}

func (d *Decoder) Attrs() map[string][]byte {
	n := int(d.U32())
	if d.err != nil {
		return nil
	}
	attrs := make(map[string][]byte, n)
	for i := 0; i < n; i++ {
		k := d.String()
		attrs[k] = d.Bytes()
	}
	return attrs
}

func (d *Decoder) Remaining() int {
	return len(d.b) - d.off
}

func (d *Decoder) Err() error {
	return d.err
}
