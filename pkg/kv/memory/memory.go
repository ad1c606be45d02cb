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

// Package memory implements the kv store in process memory. It backs unit
// tests and single-shot tooling; nothing is persisted.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/kv"
	"github.com/apiwork/netstore/pkg/kv/registry"
)

func init() {
	registry.Register("memory", New)
}

// New returns an empty in-memory kv store. The config map is ignored.
func New(m map[string]interface{}) (kv.Store, error) {
	return &store{subs: map[string]*sub{}}, nil
}

type store struct {
	mu   sync.Mutex
	subs map[string]*sub
}

func (s *store) Sub(name string) kv.SubStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if sb, ok := s.subs[name]; ok {
		return sb
	}
	sb := &sub{data: map[string][]byte{}}
	s.subs[name] = sb
	return sb
}

func (s *store) Close() error { return nil }

type sub struct {
	mu   sync.RWMutex
	keys []string // sorted
	data map[string][]byte
}

func (s *sub) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.data[key]
	if !ok {
		return nil, errtypes.NotFound(key)
	}
	return append([]byte(nil), v...), nil
}

func (s *sub) GetMany(ctx context.Context, keys []string) ([][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	values := make([][]byte, len(keys))
	for i, key := range keys {
		if v, ok := s.data[key]; ok {
			values[i] = append([]byte(nil), v...)
		}
	}
	return values, nil
}

func (s *sub) Put(ctx context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.put(key, value)
	return nil
}

func (s *sub) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.del(key)
	return nil
}

func (s *sub) Batch(ctx context.Context, ops []kv.Op) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, op := range ops {
		switch op.Type {
		case kv.OpPut:
			s.put(op.Key, op.Value)
		case kv.OpDelete:
			s.del(op.Key)
		}
	}
	return nil
}

func (s *sub) put(key string, value []byte) {
	if _, ok := s.data[key]; !ok {
		i := sort.SearchStrings(s.keys, key)
		s.keys = append(s.keys, "")
		copy(s.keys[i+1:], s.keys[i:])
		s.keys[i] = key
	}
	s.data[key] = append([]byte(nil), value...)
}

func (s *sub) del(key string) {
	if _, ok := s.data[key]; !ok {
		return
	}
	delete(s.data, key)
	i := sort.SearchStrings(s.keys, key)
	s.keys = append(s.keys[:i], s.keys[i+1:]...)
}

func (s *sub) Iterate(ctx context.Context, opts kv.IterateOptions, fn kv.IterateFunc) error {
	// snapshot under the lock, iterate outside of it
	s.mu.RLock()
	lo := 0
	if opts.GTE != "" {
		lo = sort.SearchStrings(s.keys, opts.GTE)
	}
	hi := len(s.keys)
	if opts.LT != "" {
		hi = sort.SearchStrings(s.keys, opts.LT)
	}
	var entries []kv.Op
	for _, key := range s.keys[lo:hi] {
		entries = append(entries, kv.Op{Key: key, Value: append([]byte(nil), s.data[key]...)})
	}
	s.mu.RUnlock()

	if opts.Reverse {
		for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
			entries[i], entries[j] = entries[j], entries[i]
		}
	}
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return errtypes.Cancelled("iteration cancelled")
		}
		value := e.Value
		if opts.KeysOnly {
			value = nil
		}
		more, err := fn(e.Key, value)
		if err != nil {
			return err
		}
		if !more {
			return nil
		}
	}
	return nil
}
