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

// Package bolt implements the kv store on a single bbolt file. Partitions
// map to top-level buckets; bbolt serializes writes per file and gives
// snapshot-isolated ordered cursors, which is exactly the contract the
// stores above need.
package bolt

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"

	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/kv"
	"github.com/apiwork/netstore/pkg/kv/registry"
)

func init() {
	registry.Register("bolt", New)
}

type config struct {
	File string `mapstructure:"file"`
}

func (c *config) init() {
	if c.File == "" {
		c.File = "/var/tmp/netstore/store.db"
	}
}

func parseConfig(m map[string]interface{}) (*config, error) {
	c := &config{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, err
	}
	return c, nil
}

// New returns a kv store backed by a bbolt file.
func New(m map[string]interface{}) (kv.Store, error) {
	c, err := parseConfig(m)
	if err != nil {
		return nil, errors.Wrap(err, "error creating bolt store")
	}
	c.init()

	if err := os.MkdirAll(filepath.Dir(c.File), 0700); err != nil {
		return nil, errors.Wrap(err, "error creating store directory")
	}

	db, err := bolt.Open(c.File, 0600, &bolt.Options{Timeout: 5 * time.Second})
	if err != nil {
		return nil, errors.Wrap(err, "error opening store file: "+c.File)
	}

	return &store{db: db}, nil
}

type store struct {
	db *bolt.DB
}

func (s *store) Sub(name string) kv.SubStore {
	return &sub{db: s.db, bucket: []byte(name)}
}

func (s *store) Close() error {
	return s.db.Close()
}

type sub struct {
	db     *bolt.DB
	bucket []byte
}

func (s *sub) Get(ctx context.Context, key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return errtypes.NotFound(key)
		}
		v := b.Get([]byte(key))
		if v == nil {
			return errtypes.NotFound(key)
		}
		value = append([]byte(nil), v...)
		return nil
	})
	if err != nil {
		return nil, asStoreError(err)
	}
	return value, nil
}

func (s *sub) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	values := make([][]byte, len(keys))
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		for i, key := range keys {
			if v := b.Get([]byte(key)); v != nil {
				values[i] = append([]byte(nil), v...)
			}
		}
		return nil
	})
	if err != nil {
		return nil, asStoreError(err)
	}
	return values, nil
}

func (s *sub) Put(ctx context.Context, key string, value []byte) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		return b.Put([]byte(key), value)
	})
	return asStoreError(err)
}

func (s *sub) Delete(ctx context.Context, key string) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		return b.Delete([]byte(key))
	})
	return asStoreError(err)
}

func (s *sub) Batch(ctx context.Context, ops []kv.Op) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(s.bucket)
		if err != nil {
			return err
		}
		for _, op := range ops {
			switch op.Type {
			case kv.OpPut:
				if err := b.Put([]byte(op.Key), op.Value); err != nil {
					return err
				}
			case kv.OpDelete:
				if err := b.Delete([]byte(op.Key)); err != nil {
					return err
				}
			}
		}
		return nil
	})
	return asStoreError(err)
}

func (s *sub) Iterate(ctx context.Context, opts kv.IterateOptions, fn kv.IterateFunc) error {
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(s.bucket)
		if b == nil {
			return nil
		}
		c := b.Cursor()

		var k, v []byte
		if opts.Reverse {
			k, v = seekLast(c, opts.LT)
		} else if opts.GTE != "" {
			k, v = c.Seek([]byte(opts.GTE))
		} else {
			k, v = c.First()
		}

		for k != nil {
			if err := ctx.Err(); err != nil {
				return errtypes.Cancelled("iteration cancelled")
			}
			key := string(k)
			if opts.Reverse {
				if opts.GTE != "" && key < opts.GTE {
					return nil
				}
			} else if opts.LT != "" && key >= opts.LT {
				return nil
			}
			value := v
			if opts.KeysOnly {
				value = nil
			}
			more, err := fn(key, value)
			if err != nil {
				return err
			}
			if !more {
				return nil
			}
			if opts.Reverse {
				k, v = c.Prev()
			} else {
				k, v = c.Next()
			}
		}
		return nil
	})
	return asStoreError(err)
}

// seekLast positions the cursor on the last key strictly below lt, or on
// the last key of the bucket when no bound is given.
func seekLast(c *bolt.Cursor, lt string) ([]byte, []byte) {
	if lt == "" {
		return c.Last()
	}
	if k, _ := c.Seek([]byte(lt)); k == nil {
		return c.Last()
	}
	return c.Prev()
}

// asStoreError keeps typed errors intact and converts engine failures to
// InternalError. Iteration callbacks may return any typed error; only
// errors without a kind come from the engine itself.
func asStoreError(err error) error {
	if err == nil {
		return nil
	}
	if errtypes.StatusCode(err) != 500 {
		return err
	}
	var internal errtypes.IsInternalError
	if errors.As(err, &internal) {
		return err
	}
	return errtypes.InternalError(err.Error())
}
