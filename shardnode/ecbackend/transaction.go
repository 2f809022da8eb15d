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

package ecbackend

import (
	"github.com/cubefs/ecstore/proto"
)

// Append adds Data at logical offset Off of one object. Off must be
// the object's current logical size and both Off and len(Data) must
// be stripe aligned.
type Append struct {
	Oid  proto.Oid
	Off  uint64
	Data []byte
}

// WriteTxn is the logical client transaction: a list of object
// appends applied atomically across the placement group.
type WriteTxn struct {
	Appends []Append
}

func (t *WriteTxn) Append(oid proto.Oid, off uint64, data []byte) {
	t.Appends = append(t.Appends, Append{Oid: oid, Off: off, Data: data})
}

func (t *WriteTxn) Empty() bool {
	return len(t.Appends) == 0
}

// AppendedObjects lists the distinct objects the transaction touches,
// in transaction order.
func (t *WriteTxn) AppendedObjects() []proto.Oid {
	seen := make(map[proto.Oid]struct{}, len(t.Appends))
	oids := make([]proto.Oid, 0, len(t.Appends))
	for _, ap := range t.Appends {
		if _, ok := seen[ap.Oid]; ok {
			continue
		}
		seen[ap.Oid] = struct{}{}
		oids = append(oids, ap.Oid)
	}
	return oids
}

// mustPrependRollback reports whether a log entry's modification needs
// the pre-write metadata attributes attached for undo.
func mustPrependRollback(mod proto.ModDesc) bool {
	return mod.IsAppend()
}
