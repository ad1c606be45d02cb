// Copyright 2018-2024 CERN
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Package kv defines the ordered key-value store the persistence layer is
// built on. A Store is partitioned into named SubStores; every SubStore is
// an independent byte-ordered keyspace.
package kv

import "context"

// Well-known partition names. Values in every partition are UTF-8 JSON.
const (
	PartitionSpaces         = "spaces"
	PartitionProjectIndex   = "projects/index"
	PartitionProjectData    = "projects/data"
	PartitionProjectRevs    = "projects/revisions"
	PartitionUsers          = "users"
	PartitionSessions       = "sessions"
	PartitionBin            = "bin"
	PartitionHistoryData    = "history/data"
	PartitionHistorySpace   = "history/space"
	PartitionHistoryProject = "history/project"
	PartitionHistoryRequest = "history/request"
	PartitionHistoryApp     = "history/app"
	PartitionRevisions      = "revisions"
	PartitionFiles          = "files"
	PartitionMedia          = "media"
	PartitionPermissions    = "permissions"
	PartitionShared         = "shared"
	PartitionAppProjects    = "app/projects"
	PartitionAppRequests    = "app/requests"
)

// OpType discriminates batch operations.
type OpType int

const (
	// OpPut writes a value.
	OpPut OpType = iota
	// OpDelete removes a key.
	OpDelete
)

// Op is a single batched operation.
type Op struct {
	Type  OpType
	Key   string
	Value []byte
}

// IterateOptions bounds a range scan. GTE is inclusive, LT exclusive; empty
// bounds scan from the start or to the end of the partition. With KeysOnly
// the callback receives nil values.
type IterateOptions struct {
	GTE      string
	LT       string
	Reverse  bool
	KeysOnly bool
}

// IterateFunc is called once per visited entry. Returning false stops the
// scan without error. The key and value are only valid for the duration of
// the call; callers must copy what they keep.
type IterateFunc func(key string, value []byte) (bool, error)

// SubStore is one ordered partition of the store.
type SubStore interface {
	// Get returns the value at key or errtypes.NotFound.
	Get(ctx context.Context, key string) ([]byte, error)
	// GetMany returns the values for keys preserving input order, with nil
	// at positions that are missing.
	GetMany(ctx context.Context, keys []string) ([][]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// Batch applies all operations in one write transaction.
	Batch(ctx context.Context, ops []Op) error
	// Iterate scans the range in key order, or reversed. It stops with
	// errtypes.Cancelled at the next entry boundary once ctx is done.
	Iterate(ctx context.Context, opts IterateOptions, fn IterateFunc) error
}

// Store is an ordered key-value store partitioned into named sub-stores.
type Store interface {
	// Sub returns the partition with the given name, creating it on first
	// use.
	Sub(name string) SubStore
	Close() error
}
