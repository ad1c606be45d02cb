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

// Package shared maintains the reverse index from a user to the files
// shared with them. Listings consult it so shared files show up without
// walking every permission record.
package shared

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"

	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/keys"
	"github.com/apiwork/netstore/pkg/kv"
)

// Link is one share index entry. Parent is set when the grant sits on an
// ancestor and names the nearest shared ancestor.
type Link struct {
	ID     string `json:"id"`
	UID    string `json:"uid"`
	Parent string `json:"parent,omitempty"`
}

// Index is the reverse share index.
type Index struct {
	sub kv.SubStore
}

// New returns an index over the given partition.
func New(sub kv.SubStore) *Index {
	return &Index{sub: sub}
}

// Add writes the link for (uid, fileKey). Re-adding overwrites.
func (i *Index) Add(ctx context.Context, link Link) error {
	raw, err := json.Marshal(&link)
	if err != nil {
		return errors.Wrap(err, "error encoding shared link")
	}
	return i.sub.Put(ctx, keys.SharedLink(link.UID, link.ID), raw)
}

// Remove drops the link for (uid, fileKey). Removing a missing link is a
// no-op.
func (i *Index) Remove(ctx context.Context, uid, fileKey string) error {
	return i.sub.Delete(ctx, keys.SharedLink(uid, fileKey))
}

// RemoveAll drops every link pointing at fileKey, across all users. Used
// when the file is deleted.
func (i *Index) RemoveAll(ctx context.Context, fileKey string) error {
	var stale []kv.Op
	err := i.sub.Iterate(ctx, kv.IterateOptions{KeysOnly: true}, func(key string, _ []byte) (bool, error) {
		if strings.HasSuffix(key, keys.Separator+fileKey) {
			stale = append(stale, kv.Op{Type: kv.OpDelete, Key: key})
		}
		return true, nil
	})
	if err != nil {
		return err
	}
	if len(stale) == 0 {
		return nil
	}
	return i.sub.Batch(ctx, stale)
}

// Has reports whether fileKey is shared with uid.
func (i *Index) Has(ctx context.Context, uid, fileKey string) (bool, error) {
	_, err := i.sub.Get(ctx, keys.SharedLink(uid, fileKey))
	if err != nil {
		var nf errtypes.IsNotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// ListForUser returns every link of one user in key order.
func (i *Index) ListForUser(ctx context.Context, uid string) ([]Link, error) {
	gte, lt := keys.PrefixRange(keys.SharedUserPrefix(uid))
	var links []Link
	err := i.sub.Iterate(ctx, kv.IterateOptions{GTE: gte, LT: lt}, func(key string, value []byte) (bool, error) {
		var l Link
		if err := json.Unmarshal(value, &l); err != nil {
			return false, errtypes.InternalError("corrupt shared link: " + key)
		}
		links = append(links, l)
		return true, nil
	})
	if err != nil {
		return nil, err
	}
	return links, nil
}
