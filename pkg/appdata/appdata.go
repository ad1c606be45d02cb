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

// Package appdata stores per-application records. Every record lives
// under an (application, user) scope and is invisible outside of it; the
// project store additionally feeds an in-memory full-text index.
package appdata

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/apiwork/netstore/pkg/cursor"
	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/jsonpatch"
	"github.com/apiwork/netstore/pkg/keys"
	"github.com/apiwork/netstore/pkg/kv"
)

// Meta is the server-managed envelope of a record.
type Meta struct {
	AppID   string `json:"appId"`
	User    string `json:"user"`
	Deleted bool   `json:"deleted,omitempty"`
}

// Record is a stored app-scoped document.
type Record struct {
	Key  string          `json:"key"`
	Meta Meta            `json:"meta"`
	Data json.RawMessage `json:"data"`
}

// BatchItem is one record of a batch create.
type BatchItem struct {
	Key  string
	Data json.RawMessage
}

// Store persists records of one family (projects or requests).
type Store struct {
	sub    kv.SubStore
	prefix func(appID, userKey string) string
	key    func(appID, userKey, recordKey string) string
	index  *Index
	now    func() time.Time
}

// NewProjects returns the store for app projects, wired to the full-text
// index.
func NewProjects(sub kv.SubStore, index *Index) *Store {
	return &Store{
		sub:    sub,
		prefix: keys.AppProjectsPrefix,
		key:    keys.AppProject,
		index:  index,
		now:    time.Now,
	}
}

// NewRequests returns the store for app requests.
func NewRequests(sub kv.SubStore) *Store {
	return &Store{
		sub:    sub,
		prefix: keys.AppRequestsPrefix,
		key:    keys.AppRequest,
		now:    time.Now,
	}
}

// Create persists one record. Created/updated stamps inside the document
// are set when absent.
func (s *Store) Create(ctx context.Context, appID, userKey, recordKey string, data json.RawMessage) (*Record, error) {
	records, err := s.CreateBatch(ctx, appID, userKey, []BatchItem{{Key: recordKey, Data: data}})
	if err != nil {
		return nil, err
	}
	return records[0], nil
}

// CreateBatch persists all items in one write transaction.
func (s *Store) CreateBatch(ctx context.Context, appID, userKey string, items []BatchItem) ([]*Record, error) {
	if err := keys.Validate(appID, userKey); err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, errtypes.BadRequest("empty batch")
	}
	now := s.now().UnixMilli()
	records := make([]*Record, len(items))
	ops := make([]kv.Op, len(items))
	for i, item := range items {
		if err := keys.Validate(item.Key); err != nil {
			return nil, err
		}
		data, err := stamp(item.Data, now)
		if err != nil {
			return nil, err
		}
		rec := &Record{
			Key:  item.Key,
			Meta: Meta{AppID: appID, User: userKey},
			Data: data,
		}
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, errors.Wrap(err, "error encoding record")
		}
		records[i] = rec
		ops[i] = kv.Op{Type: kv.OpPut, Key: s.key(appID, userKey, item.Key), Value: raw}
	}
	if err := s.sub.Batch(ctx, ops); err != nil {
		return nil, err
	}
	if s.index != nil {
		for _, rec := range records {
			s.index.Put(scope(appID, userKey), rec.Key, CollectTerms(rec.Data))
		}
	}
	return records, nil
}

// Read returns one record of the scope. Deleted records surface as
// NotFound unless includeDeleted is set.
func (s *Store) Read(ctx context.Context, appID, userKey, recordKey string, includeDeleted bool) (*Record, error) {
	raw, err := s.sub.Get(ctx, s.key(appID, userKey, recordKey))
	if err != nil {
		return nil, err
	}
	rec := &Record{}
	if err := json.Unmarshal(raw, rec); err != nil {
		return nil, errtypes.InternalError("corrupt record: " + recordKey)
	}
	if rec.Meta.Deleted && !includeDeleted {
		return nil, errtypes.NotFound(recordKey)
	}
	return rec, nil
}

// ReadBatch returns the records for recordKeys preserving input order.
// Positions that are missing, deleted (without includeDeleted) or outside
// the scope are nil.
func (s *Store) ReadBatch(ctx context.Context, appID, userKey string, recordKeys []string, includeDeleted bool) ([]*Record, error) {
	full := make([]string, len(recordKeys))
	for i, k := range recordKeys {
		full[i] = s.key(appID, userKey, k)
	}
	raws, err := s.sub.GetMany(ctx, full)
	if err != nil {
		return nil, err
	}
	records := make([]*Record, len(recordKeys))
	for i, raw := range raws {
		if raw == nil {
			continue
		}
		rec := &Record{}
		if err := json.Unmarshal(raw, rec); err != nil {
			return nil, errtypes.InternalError("corrupt record: " + recordKeys[i])
		}
		if rec.Meta.Deleted && !includeDeleted {
			continue
		}
		records[i] = rec
	}
	return records, nil
}

// List pages through the records of one scope in reverse key order, so the
// most recently keyed records come first. Deleted records are skipped.
func (s *Store) List(ctx context.Context, appID, userKey string, opts cursor.Options) ([]*Record, string, error) {
	state, err := cursor.ReadListState(opts)
	if err != nil {
		return nil, "", err
	}
	gte, lt := keys.PrefixRange(s.prefix(appID, userKey))
	if state.LastKey != "" {
		lt = state.LastKey
	}

	var records []*Record
	var lastKey string
	err = s.sub.Iterate(ctx, kv.IterateOptions{GTE: gte, LT: lt, Reverse: true}, func(k string, v []byte) (bool, error) {
		rec := &Record{}
		if err := json.Unmarshal(v, rec); err != nil {
			return false, errtypes.InternalError("corrupt record: " + k)
		}
		if rec.Meta.Deleted {
			return true, nil
		}
		records = append(records, rec)
		lastKey = k
		return len(records) < state.Limit, nil
	})
	if err != nil {
		return nil, "", err
	}
	next, err := cursor.Encode(state, lastKey, opts.Cursor)
	if err != nil {
		return nil, "", err
	}
	return records, next, nil
}

// Patch applies a JSON patch to the record document and refreshes its
// updated stamp. Returns the patched record and the revert patch.
func (s *Store) Patch(ctx context.Context, appID, userKey, recordKey string, p jsonpatch.Patch) (*Record, jsonpatch.Patch, error) {
	rec, err := s.Read(ctx, appID, userKey, recordKey, false)
	if err != nil {
		return nil, nil, err
	}
	patched, revert, err := jsonpatch.Apply(rec.Data, p)
	if err != nil {
		return nil, nil, err
	}
	patched, err = touch(patched, s.now().UnixMilli())
	if err != nil {
		return nil, nil, err
	}
	rec.Data = patched
	if err := s.put(ctx, rec); err != nil {
		return nil, nil, err
	}
	if s.index != nil {
		s.index.Put(scope(appID, userKey), rec.Key, CollectTerms(rec.Data))
	}
	return rec, revert, nil
}

// DeleteBatch soft-deletes the given records. Missing keys are skipped.
func (s *Store) DeleteBatch(ctx context.Context, appID, userKey string, recordKeys []string) ([]string, error) {
	return s.setDeleted(ctx, appID, userKey, recordKeys, true)
}

// UndeleteBatch restores previously deleted records. Missing keys are
// skipped.
func (s *Store) UndeleteBatch(ctx context.Context, appID, userKey string, recordKeys []string) ([]string, error) {
	return s.setDeleted(ctx, appID, userKey, recordKeys, false)
}

func (s *Store) setDeleted(ctx context.Context, appID, userKey string, recordKeys []string, deleted bool) ([]string, error) {
	var changed []string
	var ops []kv.Op
	for _, k := range recordKeys {
		rec, err := s.Read(ctx, appID, userKey, k, true)
		if err != nil {
			var nf errtypes.IsNotFound
			if errors.As(err, &nf) {
				continue
			}
			return nil, err
		}
		if rec.Meta.Deleted == deleted {
			changed = append(changed, k)
			continue
		}
		rec.Meta.Deleted = deleted
		raw, err := json.Marshal(rec)
		if err != nil {
			return nil, errors.Wrap(err, "error encoding record")
		}
		ops = append(ops, kv.Op{Type: kv.OpPut, Key: s.key(appID, userKey, k), Value: raw})
		changed = append(changed, k)
		if s.index != nil {
			if deleted {
				s.index.Remove(scope(appID, userKey), k)
			} else {
				s.index.Put(scope(appID, userKey), k, CollectTerms(rec.Data))
			}
		}
	}
	if len(ops) == 0 {
		return changed, nil
	}
	if err := s.sub.Batch(ctx, ops); err != nil {
		return nil, err
	}
	return changed, nil
}

// Query searches the full-text index of one scope. The index is built
// lazily from the stored records on first use.
func (s *Store) Query(ctx context.Context, appID, userKey, query string, limit int) ([]*Record, error) {
	if s.index == nil {
		return nil, errtypes.BadRequest("store is not indexed")
	}
	if limit <= 0 {
		limit = cursor.DefaultLimit
	}
	sc := scope(appID, userKey)
	if err := s.index.Ensure(ctx, sc, func(ctx context.Context) (map[string][]string, error) {
		return s.loadScope(ctx, appID, userKey)
	}); err != nil {
		return nil, err
	}
	matched := s.index.Query(sc, query, limit)
	if len(matched) == 0 {
		return []*Record{}, nil
	}
	records, err := s.ReadBatch(ctx, appID, userKey, matched, false)
	if err != nil {
		return nil, err
	}
	out := make([]*Record, 0, len(records))
	for _, rec := range records {
		if rec != nil {
			out = append(out, rec)
		}
	}
	return out, nil
}

// loadScope streams every live record of a scope for index warm-up.
func (s *Store) loadScope(ctx context.Context, appID, userKey string) (map[string][]string, error) {
	gte, lt := keys.PrefixRange(s.prefix(appID, userKey))
	terms := map[string][]string{}
	err := s.sub.Iterate(ctx, kv.IterateOptions{GTE: gte, LT: lt}, func(k string, v []byte) (bool, error) {
		rec := &Record{}
		if err := json.Unmarshal(v, rec); err != nil {
			return false, errtypes.InternalError("corrupt record: " + k)
		}
		if rec.Meta.Deleted {
			return true, nil
		}
		terms[rec.Key] = CollectTerms(rec.Data)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return terms, nil
}

func (s *Store) put(ctx context.Context, rec *Record) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "error encoding record")
	}
	return s.sub.Put(ctx, s.key(rec.Meta.AppID, rec.Meta.User, rec.Key), raw)
}

func scope(appID, userKey string) string {
	return appID + keys.Separator + userKey
}

// stamp sets the created/updated fields of a fresh document, keeping an
// existing created value.
func stamp(data json.RawMessage, now int64) (json.RawMessage, error) {
	doc := map[string]interface{}{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errtypes.BadRequest("record data is not a JSON object")
	}
	if _, ok := doc["created"]; !ok {
		doc["created"] = now
	}
	if _, ok := doc["updated"]; !ok {
		doc["updated"] = now
	}
	return json.Marshal(doc)
}

// touch refreshes the updated field after a patch.
func touch(data json.RawMessage, now int64) (json.RawMessage, error) {
	doc := map[string]interface{}{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errtypes.InvalidPatch("patch result is not a JSON object")
	}
	doc["updated"] = now
	return json.Marshal(doc)
}
