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

package appdata

import (
	"context"
	"strings"
	"sync"

	"golang.org/x/sync/singleflight"
)

// Index is the in-memory full-text index over app project documents.
// Entries are tagged with their (app, user) scope and queries never cross
// scopes. Nothing is persisted; a scope is rebuilt from the store on its
// first query after a restart. Searches may run concurrently with
// updates but are not required to observe writes of the same instant.
type Index struct {
	mu     sync.RWMutex
	scopes map[string]map[string][]string // scope -> record key -> lowercased terms
	group  singleflight.Group
}

// NewIndex returns an empty index.
func NewIndex() *Index {
	return &Index{scopes: map[string]map[string][]string{}}
}

// Ensure builds the scope from load unless it is already present.
// Concurrent warm-ups of the same scope are collapsed into one load.
func (i *Index) Ensure(ctx context.Context, scope string, load func(ctx context.Context) (map[string][]string, error)) error {
	i.mu.RLock()
	_, ok := i.scopes[scope]
	i.mu.RUnlock()
	if ok {
		return nil
	}
	_, err, _ := i.group.Do(scope, func() (interface{}, error) {
		terms, err := load(ctx)
		if err != nil {
			return nil, err
		}
		i.mu.Lock()
		if _, ok := i.scopes[scope]; !ok {
			i.scopes[scope] = terms
		}
		i.mu.Unlock()
		return nil, nil
	})
	return err
}

// Put replaces the terms of one record. Terms are expected lowercased, as
// CollectTerms produces them. A scope that was never built is left alone;
// it will pick the record up during warm-up.
func (i *Index) Put(scope, key string, terms []string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if entries, ok := i.scopes[scope]; ok {
		entries[key] = terms
	}
}

// Remove drops one record from its scope.
func (i *Index) Remove(scope, key string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if entries, ok := i.scopes[scope]; ok {
		delete(entries, key)
	}
}

// Query returns up to limit record keys of the scope whose terms contain
// the query as a case-insensitive substring.
func (i *Index) Query(scope, query string, limit int) []string {
	q := strings.ToLower(query)
	i.mu.RLock()
	defer i.mu.RUnlock()
	var matched []string
	for key, terms := range i.scopes[scope] {
		for _, t := range terms {
			if strings.Contains(t, q) {
				matched = append(matched, key)
				break
			}
		}
		if len(matched) >= limit {
			break
		}
	}
	return matched
}
