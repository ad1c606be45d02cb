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

// Package media stores the content payload of files, separate from their
// metadata. One record per file key; the kind-specific schema lives inside
// the value and the store never interprets it beyond patching.
package media

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/jsonpatch"
	"github.com/apiwork/netstore/pkg/kv"
)

// Media is a stored content record.
type Media struct {
	Value   json.RawMessage `json:"value"`
	Mime    string          `json:"mime"`
	Deleted bool            `json:"deleted,omitempty"`
}

// Store persists media records.
type Store struct {
	sub kv.SubStore
}

// NewStore returns a store over the given partition.
func NewStore(sub kv.SubStore) *Store {
	return &Store{sub: sub}
}

// Set writes the content for key. With allowOverwrite false an existing
// record fails AlreadyExists.
func (s *Store) Set(ctx context.Context, key string, value json.RawMessage, mime string, allowOverwrite bool) error {
	if !allowOverwrite {
		_, err := s.sub.Get(ctx, key)
		if err == nil {
			return errtypes.AlreadyExists(key)
		}
		var nf errtypes.IsNotFound
		if !errors.As(err, &nf) {
			return err
		}
	}
	return s.put(ctx, key, &Media{Value: value, Mime: mime})
}

// Read returns the content for key. Soft-deleted records surface as
// NotFound unless includeDeleted is set.
func (s *Store) Read(ctx context.Context, key string, includeDeleted bool) (*Media, error) {
	raw, err := s.sub.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	m := &Media{}
	if err := json.Unmarshal(raw, m); err != nil {
		return nil, errtypes.InternalError("corrupt media record: " + key)
	}
	if m.Deleted && !includeDeleted {
		return nil, errtypes.NotFound(key)
	}
	return m, nil
}

// ApplyPatch patches the content value and returns the updated record with
// the revert patch. The caller appends the revision and emits the events.
func (s *Store) ApplyPatch(ctx context.Context, key string, p jsonpatch.Patch) (*Media, jsonpatch.Patch, error) {
	m, err := s.Read(ctx, key, false)
	if err != nil {
		return nil, nil, err
	}
	patched, revert, err := jsonpatch.Apply(m.Value, p)
	if err != nil {
		return nil, nil, err
	}
	m.Value = patched
	if err := s.put(ctx, key, m); err != nil {
		return nil, nil, err
	}
	return m, revert, nil
}

// SetDeleted toggles the soft-delete flag. Missing records are a no-op on
// delete so that file deletion cascades cleanly over files without
// content.
func (s *Store) SetDeleted(ctx context.Context, key string, deleted bool) error {
	raw, err := s.sub.Get(ctx, key)
	if err != nil {
		var nf errtypes.IsNotFound
		if errors.As(err, &nf) {
			return nil
		}
		return err
	}
	m := &Media{}
	if err := json.Unmarshal(raw, m); err != nil {
		return errtypes.InternalError("corrupt media record: " + key)
	}
	m.Deleted = deleted
	return s.put(ctx, key, m)
}

func (s *Store) put(ctx context.Context, key string, m *Media) error {
	raw, err := json.Marshal(m)
	if err != nil {
		return errors.Wrap(err, "error encoding media record")
	}
	return s.sub.Put(ctx, key, raw)
}
