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

// Package history stores HTTP request/response traces. The data partition
// holds the bodies under time-prefixed keys; the space, project, request
// and app partitions hold forward pointers to the data keys so listings
// by any of those tags stay range scans.
package history

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/apiwork/netstore/pkg/cursor"
	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/keys"
	"github.com/apiwork/netstore/pkg/kv"
	"github.com/apiwork/netstore/pkg/user"
)

// Type selects the listing dimension.
type Type string

// The listing dimensions. TypeUser scans the data partition directly
// because data keys already carry the user.
const (
	TypeUser    Type = "user"
	TypeSpace   Type = "space"
	TypeProject Type = "project"
	TypeRequest Type = "request"
	TypeApp     Type = "app"
)

// Entry is one stored trace.
type Entry struct {
	Key     string          `json:"key"`
	ID      string          `json:"id"`
	Created int64           `json:"created"`
	User    string          `json:"user"`
	App     string          `json:"app,omitempty"`
	Space   string          `json:"space,omitempty"`
	Project string          `json:"project,omitempty"`
	Request string          `json:"request,omitempty"`
	Log     json.RawMessage `json:"log"`
}

// SpaceAccessFunc reports whether the requester may read traces tagged
// with the given space.
type SpaceAccessFunc func(ctx context.Context, spaceKey string) bool

// ListOptions narrow a history listing.
type ListOptions struct {
	Type Type
	// ID is the tag value to list, e.g. the space key for TypeSpace.
	// Ignored for TypeUser.
	ID     string
	Cursor cursor.Options
}

// Store persists history traces.
type Store struct {
	data kv.SubStore
	tags map[Type]kv.SubStore

	mu     sync.Mutex
	lastMS int64
	now    func() time.Time
}

// NewStore returns a store over the five history partitions.
func NewStore(data, space, project, request, app kv.SubStore) *Store {
	return &Store{
		data: data,
		tags: map[Type]kv.SubStore{
			TypeSpace:   space,
			TypeProject: project,
			TypeRequest: request,
			TypeApp:     app,
		},
		now: time.Now,
	}
}

// stamp returns a strictly increasing creation time so that two traces of
// the same user never collide on a data key.
func (s *Store) stamp() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.now().UnixMilli()
	if ms <= s.lastMS {
		ms = s.lastMS + 1
	}
	s.lastMS = ms
	return time.UnixMilli(ms).UTC()
}

// Add stores a trace for u and writes the tag pointers for every tag set
// on the entry.
func (s *Store) Add(ctx context.Context, e *Entry, u *user.User) (*Entry, error) {
	if u == nil {
		return nil, errtypes.UserRequired("authentication required")
	}
	if len(e.Log) == 0 {
		return nil, errtypes.BadRequest("missing log")
	}
	created := s.stamp()
	e.ID = uuid.New().String()
	e.Created = created.UnixMilli()
	e.User = u.Key
	e.Key = keys.HistoryData(created, u.Key)

	raw, err := json.Marshal(e)
	if err != nil {
		return nil, errors.Wrap(err, "error encoding history entry")
	}
	if err := s.data.Put(ctx, e.Key, raw); err != nil {
		return nil, err
	}
	for typ, tagKey := range e.tagValues() {
		pointer := keys.HistoryIndex(string(typ), created, tagKey, u.Key)
		if err := s.tags[typ].Put(ctx, pointer, []byte(e.Key)); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func (e *Entry) tagValues() map[Type]string {
	tags := map[Type]string{}
	if e.Space != "" {
		tags[TypeSpace] = e.Space
	}
	if e.Project != "" {
		tags[TypeProject] = e.Project
	}
	if e.Request != "" {
		tags[TypeRequest] = e.Request
	}
	if e.App != "" {
		tags[TypeApp] = e.App
	}
	return tags
}

// List pages through traces newest first. Requesters see their own
// entries plus space-tagged entries of spaces they can read.
func (s *Store) List(ctx context.Context, opts ListOptions, u *user.User, canReadSpace SpaceAccessFunc) ([]*Entry, string, error) {
	if u == nil {
		return nil, "", errtypes.UserRequired("authentication required")
	}
	state, err := cursor.ReadListState(opts.Cursor)
	if err != nil {
		return nil, "", err
	}

	collect := func(e *Entry) bool {
		if e.User == u.Key {
			return true
		}
		return e.Space != "" && canReadSpace != nil && canReadSpace(ctx, e.Space)
	}

	var entries []*Entry
	var lastKey string
	add := func(k string, e *Entry) bool {
		entries = append(entries, e)
		lastKey = k
		return len(entries) < state.Limit
	}

	if opts.Type == TypeUser {
		gte, lt := keys.PrefixRange(keys.HistoryDataPrefix())
		if state.LastKey != "" {
			lt = state.LastKey
		}
		err = s.data.Iterate(ctx, kv.IterateOptions{GTE: gte, LT: lt, Reverse: true}, func(k string, v []byte) (bool, error) {
			e := &Entry{}
			if err := json.Unmarshal(v, e); err != nil {
				return false, errtypes.InternalError("corrupt history entry: " + k)
			}
			if !collect(e) {
				return true, nil
			}
			return add(k, e), nil
		})
	} else {
		sub, ok := s.tags[opts.Type]
		if !ok {
			return nil, "", errtypes.BadRequest("unknown history type: " + string(opts.Type))
		}
		gte, lt := keys.PrefixRange(keys.HistoryIndexPrefix(string(opts.Type)))
		if state.LastKey != "" {
			lt = state.LastKey
		}
		err = sub.Iterate(ctx, kv.IterateOptions{GTE: gte, LT: lt, Reverse: true}, func(k string, v []byte) (bool, error) {
			if opts.ID != "" && tagOf(k) != opts.ID {
				return true, nil
			}
			e, err := s.readData(ctx, string(v))
			if err != nil {
				return false, err
			}
			if !collect(e) {
				return true, nil
			}
			return add(k, e), nil
		})
	}
	if err != nil {
		return nil, "", err
	}
	next, err := cursor.Encode(state, lastKey, opts.Cursor.Cursor)
	if err != nil {
		return nil, "", err
	}
	return entries, next, nil
}

// Query scans like List and keeps entries whose request or response
// fields contain q case-insensitively.
func (s *Store) Query(ctx context.Context, opts ListOptions, q string, u *user.User, canReadSpace SpaceAccessFunc) ([]*Entry, string, error) {
	entries, next, err := s.List(ctx, opts, u, canReadSpace)
	if err != nil {
		return nil, "", err
	}
	matched := make([]*Entry, 0, len(entries))
	for _, e := range entries {
		if matches(e, q) {
			matched = append(matched, e)
		}
	}
	return matched, next, nil
}

// Read returns a single trace addressed by its base64url-encoded data
// key.
func (s *Store) Read(ctx context.Context, encodedKey string, u *user.User, canReadSpace SpaceAccessFunc) (*Entry, error) {
	if u == nil {
		return nil, errtypes.UserRequired("authentication required")
	}
	key, err := decodeKey(encodedKey)
	if err != nil {
		return nil, err
	}
	e, err := s.readData(ctx, key)
	if err != nil {
		return nil, err
	}
	if e.User == u.Key {
		return e, nil
	}
	if e.Space != "" && canReadSpace != nil && canReadSpace(ctx, e.Space) {
		return e, nil
	}
	return nil, errtypes.NotFound(encodedKey)
}

// Delete removes a trace and its tag pointers. Owner only.
func (s *Store) Delete(ctx context.Context, encodedKey string, u *user.User) error {
	if u == nil {
		return errtypes.UserRequired("authentication required")
	}
	key, err := decodeKey(encodedKey)
	if err != nil {
		return err
	}
	e, err := s.readData(ctx, key)
	if err != nil {
		return err
	}
	if e.User != u.Key {
		return errtypes.NotFound(encodedKey)
	}
	created := time.UnixMilli(e.Created)
	for typ, tagKey := range e.tagValues() {
		if err := s.tags[typ].Delete(ctx, keys.HistoryIndex(string(typ), created, tagKey, e.User)); err != nil {
			return err
		}
	}
	return s.data.Delete(ctx, key)
}

func (s *Store) readData(ctx context.Context, key string) (*Entry, error) {
	raw, err := s.data.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	e := &Entry{}
	if err := json.Unmarshal(raw, e); err != nil {
		return nil, errtypes.InternalError("corrupt history entry: " + key)
	}
	return e, nil
}

// tagOf extracts the tag key component of a pointer key:
// ~history~<tag>~<isoTime>~<tagKey>~<userKey>~
func tagOf(key string) string {
	parts := strings.Split(key, keys.Separator)
	if len(parts) < 6 {
		return ""
	}
	return parts[4]
}

func decodeKey(encoded string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return "", errtypes.BadRequest("invalid history key")
	}
	return string(raw), nil
}

// EncodeKey renders a data key the way clients address single traces.
func EncodeKey(key string) string {
	return base64.RawURLEncoding.EncodeToString([]byte(key))
}

// matches searches the request and response blocks of the log.
func matches(e *Entry, q string) bool {
	if q == "" {
		return true
	}
	var log struct {
		Request struct {
			URL         string          `json:"url"`
			Headers     string          `json:"headers"`
			HTTPMessage string          `json:"httpMessage"`
			Payload     json.RawMessage `json:"payload"`
		} `json:"request"`
		Response struct {
			Headers string          `json:"headers"`
			Payload json.RawMessage `json:"payload"`
		} `json:"response"`
	}
	if err := json.Unmarshal(e.Log, &log); err != nil {
		return false
	}
	needle := strings.ToLower(q)
	for _, hay := range []string{
		log.Request.URL,
		log.Request.Headers,
		log.Request.HTTPMessage,
		payloadString(log.Request.Payload),
		log.Response.Headers,
		payloadString(log.Response.Payload),
	} {
		if hay != "" && strings.Contains(strings.ToLower(hay), needle) {
			return true
		}
	}
	return false
}

// payloadString unwraps a payload that is either a plain string or an
// object carrying the text under data.
func payloadString(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var obj struct {
		Data string `json:"data"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil {
		return obj.Data
	}
	return ""
}
