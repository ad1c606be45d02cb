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

// Package cursor implements the opaque pagination token used by every
// listing operation. The token carries the last-seen key together with the
// original listing parameters so that follow-up pages cannot change the
// shape of the listing.
package cursor

import (
	"encoding/base64"
	"encoding/json"

	"github.com/apiwork/netstore/pkg/errtypes"
)

const (
	// DefaultLimit is the page size used when the caller does not ask for one.
	DefaultLimit = 35
	// MaxLimit caps the page size.
	MaxLimit = 100
)

// State is the decoded content of a cursor plus the listing parameters of
// the current call.
type State struct {
	LastKey    string   `json:"lastKey,omitempty"`
	Limit      int      `json:"limit,omitempty"`
	Query      string   `json:"query,omitempty"`
	Parent     string   `json:"parent,omitempty"`
	Since      int64    `json:"since,omitempty"`
	QueryField []string `json:"queryField,omitempty"`
}

// Options are the caller-provided listing parameters. They are only
// consulted when no cursor is present.
type Options struct {
	Cursor     string
	Limit      int
	Query      string
	Parent     string
	Since      int64
	QueryField []string
}

// ReadListState seeds the listing state from the cursor when one is given,
// else from the options. The limit is clamped to [1, MaxLimit] and defaults
// to DefaultLimit.
func ReadListState(opts Options) (State, error) {
	var s State
	if opts.Cursor != "" {
		decoded, err := Decode(opts.Cursor)
		if err != nil {
			return State{}, err
		}
		s = decoded
	} else {
		s = State{
			Limit:      opts.Limit,
			Query:      opts.Query,
			Parent:     opts.Parent,
			Since:      opts.Since,
			QueryField: opts.QueryField,
		}
	}
	if s.Limit <= 0 {
		s.Limit = DefaultLimit
	}
	if s.Limit > MaxLimit {
		s.Limit = MaxLimit
	}
	return s, nil
}

// Encode returns the cursor for the page that ended at lastKey. When
// lastKey is empty the pagination is exhausted and the previous cursor is
// returned unchanged, which gives clients a stable end-of-list signal.
func Encode(s State, lastKey, previous string) (string, error) {
	if lastKey == "" {
		return previous, nil
	}
	s.LastKey = lastKey
	raw, err := json.Marshal(s)
	if err != nil {
		return "", errtypes.InternalError("encoding cursor: " + err.Error())
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}

// Decode parses a cursor token.
func Decode(token string) (State, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return State{}, errtypes.BadRequest("invalid cursor")
	}
	var s State
	if err := json.Unmarshal(raw, &s); err != nil {
		return State{}, errtypes.BadRequest("invalid cursor")
	}
	return s, nil
}
