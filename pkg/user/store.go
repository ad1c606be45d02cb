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

package user

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/bluele/gcache"
	"github.com/pkg/errors"

	"github.com/apiwork/netstore/pkg/cursor"
	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/kv"
)

// cacheSize bounds the read-through cache. User records are consulted on
// every access resolution, so reads dominate writes by a wide margin.
const cacheSize = 1024

// Store persists user records.
type Store struct {
	sub   kv.SubStore
	cache gcache.Cache
}

// NewStore returns a store over the given partition.
func NewStore(sub kv.SubStore) *Store {
	return &Store{
		sub:   sub,
		cache: gcache.New(cacheSize).LRU().Build(),
	}
}

// Add writes a user record.
func (s *Store) Add(ctx context.Context, u *User) error {
	if u.Key == "" {
		return errtypes.BadRequest("missing user key")
	}
	raw, err := json.Marshal(u)
	if err != nil {
		return errors.Wrap(err, "error encoding user")
	}
	if err := s.sub.Put(ctx, u.Key, raw); err != nil {
		return err
	}
	_ = s.cache.Set(u.Key, u)
	return nil
}

// Read returns the user with the given key or NotFound.
func (s *Store) Read(ctx context.Context, key string) (*User, error) {
	if v, err := s.cache.Get(key); err == nil {
		return v.(*User), nil
	}
	raw, err := s.sub.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	u := &User{}
	if err := json.Unmarshal(raw, u); err != nil {
		return nil, errtypes.InternalError("corrupt user record: " + key)
	}
	_ = s.cache.Set(key, u)
	return u, nil
}

// ReadMany returns the users for the given keys preserving input order,
// with nil at positions that are missing.
func (s *Store) ReadMany(ctx context.Context, ids []string) ([]*User, error) {
	raws, err := s.sub.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	users := make([]*User, len(ids))
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		u := &User{}
		if err := json.Unmarshal(raw, u); err != nil {
			return nil, errtypes.InternalError("corrupt user record: " + ids[i])
		}
		users[i] = u
	}
	return users, nil
}

// ListMissing returns the subset of ids that have no user record. Used to
// validate access grants before they are written.
func (s *Store) ListMissing(ctx context.Context, ids []string) ([]string, error) {
	raws, err := s.sub.GetMany(ctx, ids)
	if err != nil {
		return nil, err
	}
	var missing []string
	for i, raw := range raws {
		if raw == nil {
			missing = append(missing, ids[i])
		}
	}
	return missing, nil
}

// List pages through user records. A query matches substrings of the name
// or of any email address, case-insensitively. The requesting user is
// excluded from the results.
func (s *Store) List(ctx context.Context, opts cursor.Options, requester string) ([]*User, string, error) {
	state, err := cursor.ReadListState(opts)
	if err != nil {
		return nil, "", err
	}
	var gte string
	if state.LastKey != "" {
		gte = state.LastKey + "\x00"
	}

	var users []*User
	var lastKey string
	err = s.sub.Iterate(ctx, kv.IterateOptions{GTE: gte}, func(k string, v []byte) (bool, error) {
		lastKey = k
		if k == requester {
			return true, nil
		}
		u := &User{}
		if err := json.Unmarshal(v, u); err != nil {
			return false, errtypes.InternalError("corrupt user record: " + k)
		}
		if state.Query != "" && !matches(u, state.Query) {
			return true, nil
		}
		users = append(users, u)
		return len(users) < state.Limit, nil
	})
	if err != nil {
		return nil, "", err
	}
	next, err := cursor.Encode(state, lastKey, opts.Cursor)
	if err != nil {
		return nil, "", err
	}
	return users, next, nil
}

func matches(u *User, query string) bool {
	q := strings.ToLower(query)
	if strings.Contains(strings.ToLower(u.Name), q) {
		return true
	}
	for _, e := range u.Email {
		if strings.Contains(strings.ToLower(e.Email), q) {
			return true
		}
	}
	return false
}
