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

// Package revisions keeps the append-only patch history of a document.
// Revision keys embed the creation time so that reverse iteration lists
// newest first.
package revisions

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/apiwork/netstore/pkg/cursor"
	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/jsonpatch"
	"github.com/apiwork/netstore/pkg/keys"
	"github.com/apiwork/netstore/pkg/kv"
)

// Revision is one stored patch with its inverse. Immutable once written.
type Revision struct {
	ID      string          `json:"id"`
	Key     string          `json:"key"`
	Kind    string          `json:"kind"`
	Created int64           `json:"created"`
	Deleted bool            `json:"deleted"`
	Patch   jsonpatch.Patch `json:"patch"`
	Revert  jsonpatch.Patch `json:"revert"`
}

// Store is the revision store.
type Store struct {
	sub kv.SubStore

	mu     sync.Mutex
	lastMS int64
	now    func() time.Time
}

// New returns a store over the given partition.
func New(sub kv.SubStore) *Store {
	return &Store{sub: sub, now: time.Now}
}

// stamp returns a strictly increasing millisecond timestamp so that two
// revisions of the same document never collide on a key.
func (s *Store) stamp() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.now().UnixMilli()
	if ms <= s.lastMS {
		ms = s.lastMS + 1
	}
	s.lastMS = ms
	return ms
}

// Add appends a revision for (kind, key).
func (s *Store) Add(ctx context.Context, kind, key string, patch, revert jsonpatch.Patch) (*Revision, error) {
	ms := s.stamp()
	rev := &Revision{
		ID:      keys.Revision(kind, key, time.UnixMilli(ms)),
		Key:     key,
		Kind:    kind,
		Created: ms,
		Deleted: false,
		Patch:   patch,
		Revert:  revert,
	}
	raw, err := json.Marshal(rev)
	if err != nil {
		return nil, errors.Wrap(err, "error encoding revision")
	}
	if err := s.sub.Put(ctx, rev.ID, raw); err != nil {
		return nil, err
	}
	return rev, nil
}

// List returns the revisions of (kind, key) newest first, one page at a
// time.
func (s *Store) List(ctx context.Context, kind, key string, opts cursor.Options) ([]*Revision, string, error) {
	state, err := cursor.ReadListState(opts)
	if err != nil {
		return nil, "", err
	}
	gte, lt := keys.PrefixRange(keys.RevisionPrefix(kind, key))
	if state.LastKey != "" {
		// resume strictly below the last delivered key
		lt = state.LastKey
	}

	var revs []*Revision
	var lastKey string
	err = s.sub.Iterate(ctx, kv.IterateOptions{GTE: gte, LT: lt, Reverse: true}, func(k string, v []byte) (bool, error) {
		rev := &Revision{}
		if err := json.Unmarshal(v, rev); err != nil {
			return false, errtypes.InternalError("corrupt revision: " + k)
		}
		revs = append(revs, rev)
		lastKey = k
		return len(revs) < state.Limit, nil
	})
	if err != nil {
		return nil, "", err
	}
	next, err := cursor.Encode(state, lastKey, opts.Cursor)
	if err != nil {
		return nil, "", err
	}
	return revs, next, nil
}
