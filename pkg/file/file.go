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

// Package file stores the file metadata tree: workspaces and the project
// and data files nested under them. The same store implementation serves
// the files partition and the legacy spaces partition; only the partition
// differs.
package file

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/apiwork/netstore/pkg/cursor"
	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/jsonpatch"
	"github.com/apiwork/netstore/pkg/kv"
	"github.com/apiwork/netstore/pkg/permission"
	"github.com/apiwork/netstore/pkg/shared"
)

// KindWorkspace is the kind of folder-like files that may nest.
const KindWorkspace = "Workspace"

// Info is the user-facing naming block of a file.
type Info struct {
	Name        string `json:"name"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
}

// LastModified records who touched the file last and when.
type LastModified struct {
	User string `json:"user"`
	Time int64  `json:"time"`
}

// File is a stored metadata record. Parents is the ordered ancestor chain,
// root first. Permissions is a read-side denormalization of the records
// behind PermissionIDs; it is rehydrated on every read and never
// authoritative.
type File struct {
	Key           string                   `json:"key"`
	Kind          string                   `json:"kind"`
	Info          Info                     `json:"info"`
	Owner         string                   `json:"owner"`
	Parents       []string                 `json:"parents"`
	PermissionIDs []string                 `json:"permissionIds"`
	Permissions   []*permission.Permission `json:"permissions"`
	LastModified  LastModified             `json:"lastModified"`
	Deleted       bool                     `json:"deleted,omitempty"`
}

// guardedPaths may never be touched by a metadata patch.
var guardedPaths = []string{"/owner", "/permissions", "/permissionIds", "/parents"}

// GuardedPaths returns the patch guards for file metadata beyond the
// engine defaults.
func GuardedPaths() []string {
	return guardedPaths
}

// ListFilter narrows a listing.
type ListFilter struct {
	User   string
	Kinds  []string
	Parent string
	Since  int64
}

// Store persists file metadata.
type Store struct {
	sub    kv.SubStore
	perms  *permission.Store
	shares *shared.Index
}

// NewStore returns a store over the given partition.
func NewStore(sub kv.SubStore, perms *permission.Store, shares *shared.Index) *Store {
	return &Store{sub: sub, perms: perms, shares: shares}
}

// Add persists a new file. The caller has resolved the parent chain and
// the owner; server-managed fields are reset here. Re-adding an existing
// key fails AlreadyExists.
func (s *Store) Add(ctx context.Context, f *File) (*File, error) {
	if f.Key == "" {
		return nil, errtypes.BadRequest("missing file key")
	}
	if f.Kind == "" {
		return nil, errtypes.BadRequest("missing file kind")
	}
	if f.Info.Name == "" {
		return nil, errtypes.BadRequest("missing file name")
	}
	_, err := s.sub.Get(ctx, f.Key)
	if err == nil {
		return nil, errtypes.AlreadyExists(f.Key)
	}
	var nf errtypes.IsNotFound
	if !errors.As(err, &nf) {
		return nil, err
	}

	f.Permissions = []*permission.Permission{}
	f.PermissionIDs = []string{}
	if f.Parents == nil {
		f.Parents = []string{}
	}
	f.Deleted = false
	if err := s.Put(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// Read returns the metadata for key with permissions rehydrated from the
// permission store. Soft-deleted files surface as NotFound unless
// includeDeleted is set.
func (s *Store) Read(ctx context.Context, key string, includeDeleted bool) (*File, error) {
	f, err := s.readRaw(ctx, key)
	if err != nil {
		return nil, err
	}
	if f.Deleted && !includeDeleted {
		return nil, errtypes.NotFound(key)
	}
	if err := s.rehydrate(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

func (s *Store) readRaw(ctx context.Context, key string) (*File, error) {
	raw, err := s.sub.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	f := &File{}
	if err := json.Unmarshal(raw, f); err != nil {
		return nil, errtypes.InternalError("corrupt file record: " + key)
	}
	return f, nil
}

// rehydrate refreshes the denormalized permission copies. Records that
// vanished since the last write are dropped from the id list on the fly.
func (s *Store) rehydrate(ctx context.Context, f *File) error {
	if len(f.PermissionIDs) == 0 {
		f.Permissions = []*permission.Permission{}
		return nil
	}
	ps, err := s.perms.ReadMany(ctx, f.PermissionIDs)
	if err != nil {
		return err
	}
	live := make([]*permission.Permission, 0, len(ps))
	ids := make([]string, 0, len(ps))
	for _, p := range ps {
		if p == nil {
			continue
		}
		live = append(live, p)
		ids = append(ids, p.Key)
	}
	f.Permissions = live
	f.PermissionIDs = ids
	return nil
}

// Put writes the record as-is. Used by patching and permission
// maintenance; Add is the only entry that guards against overwrites.
func (s *Store) Put(ctx context.Context, f *File) error {
	raw, err := json.Marshal(f)
	if err != nil {
		return errors.Wrap(err, "error encoding file record")
	}
	return s.sub.Put(ctx, f.Key, raw)
}

// ApplyPatch patches the metadata document and persists it. The engine
// guards /key and /kind; the file guards extend to ownership and
// permission fields. Returns the patched file and the revert patch.
func (s *Store) ApplyPatch(ctx context.Context, key string, p jsonpatch.Patch, actor string, now time.Time) (*File, jsonpatch.Patch, error) {
	f, err := s.readRaw(ctx, key)
	if err != nil {
		return nil, nil, err
	}
	if f.Deleted {
		return nil, nil, errtypes.NotFound(key)
	}
	doc, err := json.Marshal(f)
	if err != nil {
		return nil, nil, errors.Wrap(err, "error encoding file record")
	}
	patched, revert, err := jsonpatch.Apply(doc, p)
	if err != nil {
		return nil, nil, err
	}
	next := &File{}
	if err := json.Unmarshal(patched, next); err != nil {
		return nil, nil, errtypes.InvalidPatch("patch result is not a valid file")
	}
	next.LastModified = LastModified{User: actor, Time: now.UnixMilli()}
	if err := s.Put(ctx, next); err != nil {
		return nil, nil, err
	}
	if err := s.rehydrate(ctx, next); err != nil {
		return nil, nil, err
	}
	return next, revert, nil
}

// SetDeleted toggles the soft-delete flag.
func (s *Store) SetDeleted(ctx context.Context, key string, deleted bool) (*File, error) {
	f, err := s.readRaw(ctx, key)
	if err != nil {
		return nil, err
	}
	f.Deleted = deleted
	if err := s.Put(ctx, f); err != nil {
		return nil, err
	}
	return f, nil
}

// List pages through the files visible to filter.User: files they own and
// files shared with them through the reverse share index. Deleted files
// are skipped. Once a Put completes, a subsequent List from the same
// client reflects it; the kv engine gives read-your-writes on a single
// node.
func (s *Store) List(ctx context.Context, opts cursor.Options, filter ListFilter) ([]*File, string, error) {
	state, err := cursor.ReadListState(opts)
	if err != nil {
		return nil, "", err
	}
	if state.Parent == "" {
		state.Parent = filter.Parent
	}
	if state.Since == 0 {
		state.Since = filter.Since
	}
	var gte string
	if state.LastKey != "" {
		gte = state.LastKey + "\x00"
	}

	kinds := map[string]bool{}
	for _, k := range filter.Kinds {
		kinds[k] = true
	}

	var files []*File
	var lastKey string
	err = s.sub.Iterate(ctx, kv.IterateOptions{GTE: gte}, func(k string, v []byte) (bool, error) {
		lastKey = k
		f := &File{}
		if err := json.Unmarshal(v, f); err != nil {
			return false, errtypes.InternalError("corrupt file record: " + k)
		}
		ok, err := s.visible(ctx, f, filter.User)
		if err != nil {
			return false, err
		}
		if !ok {
			return true, nil
		}
		if len(kinds) > 0 && !kinds[f.Kind] {
			return true, nil
		}
		if state.Parent != "" && !hasDirectParent(f, state.Parent) {
			return true, nil
		}
		if state.Since != 0 && f.LastModified.Time < state.Since {
			return true, nil
		}
		if err := s.rehydrate(ctx, f); err != nil {
			return false, err
		}
		files = append(files, f)
		return len(files) < state.Limit, nil
	})
	if err != nil {
		return nil, "", err
	}
	next, err := cursor.Encode(state, lastKey, opts.Cursor)
	if err != nil {
		return nil, "", err
	}
	return files, next, nil
}

// ListDescendants returns every live file whose parent chain contains
// key. Used to cascade deletions down the tree.
func (s *Store) ListDescendants(ctx context.Context, key string) ([]*File, error) {
	var out []*File
	err := s.sub.Iterate(ctx, kv.IterateOptions{}, func(k string, v []byte) (bool, error) {
		f := &File{}
		if err := json.Unmarshal(v, f); err != nil {
			return false, errtypes.InternalError("corrupt file record: " + k)
		}
		if f.Deleted {
			return true, nil
		}
		for _, p := range f.Parents {
			if p == key {
				out = append(out, f)
				break
			}
		}
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) visible(ctx context.Context, f *File, user string) (bool, error) {
	if f.Deleted {
		return false, nil
	}
	if f.Owner == user {
		return true, nil
	}
	return s.shares.Has(ctx, user, f.Key)
}

// hasDirectParent reports whether the parents chain ends in parent.
func hasDirectParent(f *File, parent string) bool {
	return len(f.Parents) > 0 && f.Parents[len(f.Parents)-1] == parent
}
