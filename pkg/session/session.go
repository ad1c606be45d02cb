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

// Package session stores opaque session blobs. The authentication layer
// owns the format; this store never looks inside.
package session

import (
	"context"

	"github.com/apiwork/netstore/pkg/kv"
)

// Store persists session blobs by key.
type Store struct {
	sub kv.SubStore
}

// NewStore returns a store over the given partition.
func NewStore(sub kv.SubStore) *Store {
	return &Store{sub: sub}
}

// Set writes the blob for key, overwriting any previous value.
func (s *Store) Set(ctx context.Context, key string, value []byte) error {
	return s.sub.Put(ctx, key, value)
}

// Read returns the blob for key or NotFound.
func (s *Store) Read(ctx context.Context, key string) ([]byte, error) {
	return s.sub.Get(ctx, key)
}

// Delete removes the blob for key. Idempotent.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.sub.Delete(ctx, key)
}
