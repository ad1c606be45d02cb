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

// Package project is the legacy store for HTTP project contents nested
// under a space. It predates the files/media split and keeps its own
// index, data and revisions partitions with the legacy nested key shape.
// A project key never doubles as a file key; the two route families stay
// disjoint.
package project

import (
	"context"
	"encoding/json"

	"github.com/pkg/errors"

	"github.com/apiwork/netstore/pkg/cursor"
	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/jsonpatch"
	"github.com/apiwork/netstore/pkg/keys"
	"github.com/apiwork/netstore/pkg/kv"
	"github.com/apiwork/netstore/pkg/revisions"
)

// IndexEntry is the listing record of a project, kept in sync with the
// name inside the project contents.
type IndexEntry struct {
	Key   string `json:"key"`
	Space string `json:"space"`
	Name  string `json:"name"`
}

// Project is a stored project: the index entry plus the contents.
type Project struct {
	IndexEntry
	Data json.RawMessage `json:"data"`
}

// Store persists legacy projects.
type Store struct {
	index kv.SubStore
	data  kv.SubStore
	revs  *revisions.Store
}

// NewStore returns a store over the legacy project partitions.
func NewStore(index, data kv.SubStore, revs *revisions.Store) *Store {
	return &Store{index: index, data: data, revs: revs}
}

// Create persists a new project under a space. Re-creating an existing
// project fails AlreadyExists.
func (s *Store) Create(ctx context.Context, spaceKey, projectKey, name string, data json.RawMessage) (*Project, error) {
	if err := keys.Validate(spaceKey, projectKey); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errtypes.BadRequest("missing project name")
	}
	k := keys.LegacyProject(spaceKey, projectKey)
	_, err := s.data.Get(ctx, k)
	if err == nil {
		return nil, errtypes.AlreadyExists(projectKey)
	}
	var nf errtypes.IsNotFound
	if !errors.As(err, &nf) {
		return nil, err
	}

	p := &Project{
		IndexEntry: IndexEntry{Key: projectKey, Space: spaceKey, Name: name},
		Data:       data,
	}
	if err := s.data.Put(ctx, k, data); err != nil {
		return nil, err
	}
	if err := s.putIndex(ctx, k, &p.IndexEntry); err != nil {
		return nil, err
	}
	return p, nil
}

// Read returns the project contents.
func (s *Store) Read(ctx context.Context, spaceKey, projectKey string) (*Project, error) {
	k := keys.LegacyProject(spaceKey, projectKey)
	data, err := s.data.Get(ctx, k)
	if err != nil {
		return nil, err
	}
	entry, err := s.readIndex(ctx, k)
	if err != nil {
		return nil, err
	}
	return &Project{IndexEntry: *entry, Data: data}, nil
}

// List pages through the index entries of one space.
func (s *Store) List(ctx context.Context, spaceKey string, opts cursor.Options) ([]*IndexEntry, string, error) {
	state, err := cursor.ReadListState(opts)
	if err != nil {
		return nil, "", err
	}
	gte, lt := keys.PrefixRange(keys.LegacySpacePrefix(spaceKey))
	if state.LastKey != "" {
		gte = state.LastKey + "\x00"
	}

	var entries []*IndexEntry
	var lastKey string
	err = s.index.Iterate(ctx, kv.IterateOptions{GTE: gte, LT: lt}, func(k string, v []byte) (bool, error) {
		entry := &IndexEntry{}
		if err := json.Unmarshal(v, entry); err != nil {
			return false, errtypes.InternalError("corrupt project index entry: " + k)
		}
		entries = append(entries, entry)
		lastKey = k
		return len(entries) < state.Limit, nil
	})
	if err != nil {
		return nil, "", err
	}
	next, err := cursor.Encode(state, lastKey, opts.Cursor)
	if err != nil {
		return nil, "", err
	}
	return entries, next, nil
}

// ApplyPatch patches the project contents, appends a revision and keeps
// the index name in sync with the contents. Returns the patched project
// and the revert patch.
func (s *Store) ApplyPatch(ctx context.Context, spaceKey, projectKey, kind string, p jsonpatch.Patch) (*Project, jsonpatch.Patch, error) {
	k := keys.LegacyProject(spaceKey, projectKey)
	data, err := s.data.Get(ctx, k)
	if err != nil {
		return nil, nil, err
	}
	patched, revert, err := jsonpatch.Apply(data, p)
	if err != nil {
		return nil, nil, err
	}
	if err := s.data.Put(ctx, k, patched); err != nil {
		return nil, nil, err
	}
	if _, err := s.revs.Add(ctx, kind, k, p, revert); err != nil {
		return nil, nil, err
	}

	entry, err := s.readIndex(ctx, k)
	if err != nil {
		return nil, nil, err
	}
	if name := projectName(patched); name != "" && name != entry.Name {
		entry.Name = name
		if err := s.putIndex(ctx, k, entry); err != nil {
			return nil, nil, err
		}
	}
	return &Project{IndexEntry: *entry, Data: patched}, revert, nil
}

// Delete removes the project contents and its index entry. The caller
// records the bin entry.
func (s *Store) Delete(ctx context.Context, spaceKey, projectKey string) error {
	k := keys.LegacyProject(spaceKey, projectKey)
	if _, err := s.data.Get(ctx, k); err != nil {
		return err
	}
	if err := s.data.Delete(ctx, k); err != nil {
		return err
	}
	return s.index.Delete(ctx, k)
}

// ListRevisions pages through the patch history of a project, newest
// first.
func (s *Store) ListRevisions(ctx context.Context, spaceKey, projectKey, kind string, opts cursor.Options) ([]*revisions.Revision, string, error) {
	return s.revs.List(ctx, kind, keys.LegacyProject(spaceKey, projectKey), opts)
}

func (s *Store) readIndex(ctx context.Context, k string) (*IndexEntry, error) {
	raw, err := s.index.Get(ctx, k)
	if err != nil {
		return nil, err
	}
	entry := &IndexEntry{}
	if err := json.Unmarshal(raw, entry); err != nil {
		return nil, errtypes.InternalError("corrupt project index entry: " + k)
	}
	return entry, nil
}

func (s *Store) putIndex(ctx context.Context, k string, entry *IndexEntry) error {
	raw, err := json.Marshal(entry)
	if err != nil {
		return errors.Wrap(err, "error encoding project index entry")
	}
	return s.index.Put(ctx, k, raw)
}

// projectName digs the display name out of the contents document.
func projectName(data []byte) string {
	var doc struct {
		Info struct {
			Name string `json:"name"`
		} `json:"info"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return ""
	}
	return doc.Info.Name
}
