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

package appdata_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiwork/netstore/pkg/appdata"
	"github.com/apiwork/netstore/pkg/cursor"
	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/jsonpatch"
	"github.com/apiwork/netstore/pkg/kv"
	"github.com/apiwork/netstore/pkg/kv/memory"
)

func newProjects(t *testing.T) *appdata.Store {
	t.Helper()
	store, err := memory.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return appdata.NewProjects(store.Sub(kv.PartitionAppProjects), appdata.NewIndex())
}

func newRequests(t *testing.T) *appdata.Store {
	t.Helper()
	store, err := memory.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return appdata.NewRequests(store.Sub(kv.PartitionAppRequests))
}

func TestCreateStampsAndReads(t *testing.T) {
	ctx := context.Background()
	s := newRequests(t)

	rec, err := s.Create(ctx, "app1", "u1", "r1", json.RawMessage(`{"info":{"name":"req"}}`))
	require.NoError(t, err)
	assert.Equal(t, "r1", rec.Key)
	assert.Equal(t, "app1", rec.Meta.AppID)
	assert.Equal(t, "u1", rec.Meta.User)

	var doc map[string]interface{}
	require.NoError(t, json.Unmarshal(rec.Data, &doc))
	assert.Contains(t, doc, "created")
	assert.Contains(t, doc, "updated")

	got, err := s.Read(ctx, "app1", "u1", "r1", false)
	require.NoError(t, err)
	assert.Equal(t, "r1", got.Key)

	_, err = s.Create(ctx, "app1", "u1", "r2", json.RawMessage(`"not an object"`))
	var br errtypes.IsBadRequest
	assert.ErrorAs(t, err, &br)
}

func TestScopeIsolation(t *testing.T) {
	ctx := context.Background()
	s := newRequests(t)
	_, err := s.Create(ctx, "app1", "u1", "r1", json.RawMessage(`{}`))
	require.NoError(t, err)

	// same key, different app or user: invisible
	_, err = s.Read(ctx, "app2", "u1", "r1", false)
	var nf errtypes.IsNotFound
	assert.ErrorAs(t, err, &nf)
	_, err = s.Read(ctx, "app1", "u2", "r1", false)
	assert.ErrorAs(t, err, &nf)

	recs, _, err := s.List(ctx, "app2", "u1", cursor.Options{})
	require.NoError(t, err)
	assert.Empty(t, recs)
}

func TestReadBatchPreservesOrder(t *testing.T) {
	ctx := context.Background()
	s := newRequests(t)
	for _, k := range []string{"r1", "r2", "r3"} {
		_, err := s.Create(ctx, "app1", "u1", k, json.RawMessage(`{}`))
		require.NoError(t, err)
	}
	_, err := s.DeleteBatch(ctx, "app1", "u1", []string{"r2"})
	require.NoError(t, err)

	recs, err := s.ReadBatch(ctx, "app1", "u1", []string{"r3", "ghost", "r2", "r1"}, false)
	require.NoError(t, err)
	require.Len(t, recs, 4)
	assert.Equal(t, "r3", recs[0].Key)
	assert.Nil(t, recs[1])
	assert.Nil(t, recs[2], "deleted records stay hidden")
	assert.Equal(t, "r1", recs[3].Key)

	recs, err = s.ReadBatch(ctx, "app1", "u1", []string{"r2"}, true)
	require.NoError(t, err)
	require.NotNil(t, recs[0])
	assert.True(t, recs[0].Meta.Deleted)
}

func TestDeleteUndeleteRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newRequests(t)
	for _, k := range []string{"r1", "r2"} {
		_, err := s.Create(ctx, "app1", "u1", k, json.RawMessage(`{}`))
		require.NoError(t, err)
	}

	changed, err := s.DeleteBatch(ctx, "app1", "u1", []string{"r1", "missing"})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, changed)

	recs, _, err := s.List(ctx, "app1", "u1", cursor.Options{})
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "r2", recs[0].Key)

	changed, err = s.UndeleteBatch(ctx, "app1", "u1", []string{"r1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"r1"}, changed)

	_, err = s.Read(ctx, "app1", "u1", "r1", false)
	assert.NoError(t, err)
}

func TestPatchTouchesUpdated(t *testing.T) {
	ctx := context.Background()
	s := newRequests(t)
	_, err := s.Create(ctx, "app1", "u1", "r1", json.RawMessage(`{"info":{"name":"old"}}`))
	require.NoError(t, err)

	p := jsonpatch.Patch{{Op: "replace", Path: "/info/name", Value: json.RawMessage(`"new"`)}}
	rec, revert, err := s.Patch(ctx, "app1", "u1", "r1", p)
	require.NoError(t, err)
	require.NotEmpty(t, revert)

	var doc struct {
		Info struct {
			Name string `json:"name"`
		} `json:"info"`
		Updated int64 `json:"updated"`
	}
	require.NoError(t, json.Unmarshal(rec.Data, &doc))
	assert.Equal(t, "new", doc.Info.Name)
	assert.NotZero(t, doc.Updated)
}

func TestQueryFullText(t *testing.T) {
	ctx := context.Background()
	s := newProjects(t)
	_, err := s.Create(ctx, "app1", "u1", "p1", json.RawMessage(`{"info":{"name":"payment gateway"}}`))
	require.NoError(t, err)
	_, err = s.Create(ctx, "app1", "u1", "p2", json.RawMessage(`{"info":{"name":"user directory"}}`))
	require.NoError(t, err)

	recs, err := s.Query(ctx, "app1", "u1", "payment", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "p1", recs[0].Key)

	// deleted records drop out of the index
	_, err = s.DeleteBatch(ctx, "app1", "u1", []string{"p1"})
	require.NoError(t, err)
	recs, err = s.Query(ctx, "app1", "u1", "payment", 10)
	require.NoError(t, err)
	assert.Empty(t, recs)

	// requests are not indexed at all
	r := newRequests(t)
	_, err = r.Query(ctx, "app1", "u1", "anything", 10)
	var br errtypes.IsBadRequest
	assert.ErrorAs(t, err, &br)
}

func TestQueryWarmsIndexLazily(t *testing.T) {
	ctx := context.Background()
	store, err := memory.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	// records written through a store without an index attached
	bare := appdata.NewProjects(store.Sub(kv.PartitionAppProjects), nil)
	_, err = bare.Create(ctx, "app1", "u1", "p1", json.RawMessage(`{"info":{"name":"inventory"}}`))
	require.NoError(t, err)

	// a fresh indexed store over the same partition finds them on first query
	indexed := appdata.NewProjects(store.Sub(kv.PartitionAppProjects), appdata.NewIndex())
	recs, err := indexed.Query(ctx, "app1", "u1", "inventory", 10)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "p1", recs[0].Key)
}
