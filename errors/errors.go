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

import "errors"

var (
	ErrObjectDoesNotExist = errors.New("object does not exist")
	ErrAttrDoesNotExist   = errors.New("object attribute does not exist")

	ErrPgDoesNotExist      = errors.New("placement group does not exist")
	ErrShardDoesNotExist   = errors.New("shard does not exist")
	ErrNodeDoesNotExist    = errors.New("node not found")
	ErrPgMembershipChanged = errors.New("placement group membership changed")

	ErrOffsetMismatch = errors.New("write offset does not match object size")

	ErrInsufficientShards = errors.New("not enough shards to decode")
	ErrReadCanceled       = errors.New("read canceled by source loss")
	ErrRecoveryCanceled   = errors.New("recovery canceled, no sources")

	ErrInvalidData        = errors.New("invalid data")
	ErrUnknownMessageKind = errors.New("unknown sub-op message kind")
	ErrUnknownTxnOp       = errors.New("unknown transaction op")

	ErrStoreClosed    = errors.New("object store is closed")
	ErrStoreCorrupted = errors.New("object store superblock mismatch")
)
