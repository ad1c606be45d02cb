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

// Package recycle keeps the append-only record of soft-deleted items. It
// gives access checks an O(1) way to treat deleted resources as missing,
// and it is what an external cleaner would scan to purge old data.
package recycle

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"

	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/keys"
	"github.com/apiwork/netstore/pkg/kv"
)

// Item is one bin entry.
type Item struct {
	Key         string `json:"key"`
	DeletedTime int64  `json:"deletedTime"`
	DeletedBy   string `json:"deletedBy,omitempty"`
}

// Bin is the trash bin.
type Bin struct {
	sub kv.SubStore
	now func() time.Time
}

// New returns a bin over the given partition.
func New(sub kv.SubStore) *Bin {
	return &Bin{sub: sub, now: time.Now}
}

// Mark records the deletion of (kind, key).
func (b *Bin) Mark(ctx context.Context, kind, key, deletedBy string) error {
	item := &Item{
		Key:         key,
		DeletedTime: b.now().UnixMilli(),
		DeletedBy:   deletedBy,
	}
	raw, err := json.Marshal(item)
	if err != nil {
		return errors.Wrap(err, "error encoding bin item")
	}
	return b.sub.Put(ctx, keys.Bin(kind, key), raw)
}

// Unmark removes the deletion record, restoring the item for access
// checks. Unmarking a live item is a no-op.
func (b *Bin) Unmark(ctx context.Context, kind, key string) error {
	return b.sub.Delete(ctx, keys.Bin(kind, key))
}

// IsDeleted reports whether (kind, key) sits in the bin.
func (b *Bin) IsDeleted(ctx context.Context, kind, key string) (bool, error) {
	_, err := b.sub.Get(ctx, keys.Bin(kind, key))
	if err != nil {
		var nf errtypes.IsNotFound
		if errors.As(err, &nf) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Read returns the bin entry for (kind, key) or NotFound.
func (b *Bin) Read(ctx context.Context, kind, key string) (*Item, error) {
	raw, err := b.sub.Get(ctx, keys.Bin(kind, key))
	if err != nil {
		return nil, err
	}
	item := &Item{}
	if err := json.Unmarshal(raw, item); err != nil {
		return nil, errtypes.InternalError("corrupt bin item: " + key)
	}
	return item, nil
}
