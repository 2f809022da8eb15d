/*
 *
 * Copyright 2023 CubeFS authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

/*

# ECStore: the erasure-coded object store node

## What it is

The per-node storage daemon of an erasure-coded object store. A logical
object is striped into K data chunks plus M parity chunks and spread
over a placement group whose members live on different nodes; any K of
the K+M shards reconstruct the data.

## Data Model

* Object, an append-only byte sequence named by an opaque id

* Placement group (PG), the unit of striping and of serialized
  processing; each member node holds one shard

* Stripe, stripe_width logical bytes encoded together into one row of
  K data and M parity chunks

* Chunk, one shard's slice of a stripe; chunks are individually
  lz4-compressed before they hit disk

* HashInfo, per-object running crc per shard, the deep scrub oracle

* CompactInfo, per-object compression index: cumulative on-disk end
  offsets, one per chunk, per shard

## Architecture

Every node runs the same daemon:

* ShardNode - the rocksdb-backed local object store, the placement
  group catalog and the peer connection pool

The primary of a group drives client reads and writes, fans sub-ops
out to the member shards over gRPC, pulls missing objects back during
recovery and deep-scrubs its local shard on demand.

### Replication

K+M erasure coding per stripe, two-phase (applied/committed) writes

### Storage

a node has a single rocksdb instance; shard payloads, xattrs and
staging markers live in separate column families

### Recovery

pull-style, chunked, re-compressed on the target so peers stay
byte-identical

## Building Blocks

* gRPC
* Rocksdb
* Reed-Solomon
* LZ4
* Prometheus

*/

package ecstore
