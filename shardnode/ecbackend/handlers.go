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
	"context"

	"github.com/cubefs/cubefs/blobstore/util/log"

	"github.com/cubefs/ecstore/proto"
)

// HandleSubOpMessage routes one peer message to its engine. The
// caller delivers messages in placement-group order.
func (b *ECBackend) HandleSubOpMessage(ctx context.Context, from proto.PgShard, msg proto.Message) {
	switch m := msg.(type) {
	case *proto.EcWrite:
		b.HandleSubWrite(ctx, from, m)
	case *proto.EcWriteReply:
		b.HandleSubWriteReply(ctx, from, m)
	case *proto.EcRead:
		b.HandleSubRead(ctx, from, m)
	case *proto.EcReadReply:
		b.HandleSubReadReply(ctx, from, m)
	case *proto.PgPush:
		b.HandleRecoveryPush(ctx, from, m)
	case *proto.PgPushReply:
		b.HandleRecoveryPushReply(ctx, from, m)
	default:
		log.Panicf("unknown sub-op message kind %d", msg.Kind())
	}
}
