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

// Package permission stores the authoritative permission records. The
// copies embedded in file metadata are a read-side convenience and are
// rehydrated from here on every read.
package permission

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/kv"
)

// Type is the subject class of a permission.
type Type string

// The known subject classes.
const (
	TypeUser   Type = "user"
	TypeGroup  Type = "group"
	TypeAnyone Type = "anyone"
)

// Valid reports whether t is a known subject class.
func (t Type) Valid() bool {
	return t == TypeUser || t == TypeGroup || t == TypeAnyone
}

// Permission is a single grant on a resource. For user and group grants
// Owner holds the subject id; for anyone grants it is empty.
type Permission struct {
	Key            string `json:"key"`
	AddingUser     string `json:"addingUser"`
	Owner          string `json:"owner,omitempty"`
	Type           Type   `json:"type"`
	Role           Role   `json:"role"`
	ExpirationTime int64  `json:"expirationTime,omitempty"`
}

// Expired reports whether the grant has an expiration in the past.
func (p *Permission) Expired(now time.Time) bool {
	return p.ExpirationTime != 0 && p.ExpirationTime <= now.UnixMilli()
}

// Matches reports whether the grant targets the given subject class and id.
// The id is ignored for anyone grants.
func (p *Permission) Matches(t Type, id string) bool {
	if p.Type != t {
		return false
	}
	return t == TypeAnyone || p.Owner == id
}

// NewKey returns a fresh permission record key.
func NewKey() string {
	return uuid.New().String()
}

// Store persists permission records.
type Store struct {
	sub kv.SubStore
}

// NewStore returns a store over the given partition.
func NewStore(sub kv.SubStore) *Store {
	return &Store{sub: sub}
}

// Put writes a record, assigning a key when absent.
func (s *Store) Put(ctx context.Context, p *Permission) error {
	if p.Key == "" {
		p.Key = NewKey()
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "error encoding permission")
	}
	return s.sub.Put(ctx, p.Key, raw)
}

// Read returns the record with the given key.
func (s *Store) Read(ctx context.Context, key string) (*Permission, error) {
	raw, err := s.sub.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	p := &Permission{}
	if err := json.Unmarshal(raw, p); err != nil {
		return nil, errtypes.InternalError("corrupt permission record: " + key)
	}
	return p, nil
}

// ReadMany returns the records for the given keys preserving input order,
// with nil at positions that are missing.
func (s *Store) ReadMany(ctx context.Context, keys []string) ([]*Permission, error) {
	raws, err := s.sub.GetMany(ctx, keys)
	if err != nil {
		return nil, err
	}
	ps := make([]*Permission, len(keys))
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		p := &Permission{}
		if err := json.Unmarshal(raw, p); err != nil {
			return nil, errtypes.InternalError("corrupt permission record: " + keys[i])
		}
		ps[i] = p
	}
	return ps, nil
}

// Delete removes a record. Deleting a missing record is a no-op.
func (s *Store) Delete(ctx context.Context, key string) error {
	return s.sub.Delete(ctx, key)
}
