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

package media_test

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/jsonpatch"
	"github.com/apiwork/netstore/pkg/kv"
	"github.com/apiwork/netstore/pkg/kv/memory"
	"github.com/apiwork/netstore/pkg/media"
)

func newStore(t *testing.T) *media.Store {
	t.Helper()
	store, err := memory.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return media.NewStore(store.Sub(kv.PartitionMedia))
}

func TestSetAndRead(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	require.NoError(t, s.Set(ctx, "p1", json.RawMessage(`{"info":{"name":"p1"}}`), "application/json", true))

	m, err := s.Read(ctx, "p1", false)
	require.NoError(t, err)
	assert.Equal(t, "application/json", m.Mime)
	assert.JSONEq(t, `{"info":{"name":"p1"}}`, string(m.Value))

	_, err = s.Read(ctx, "missing", false)
	var nf errtypes.IsNotFound
	assert.ErrorAs(t, err, &nf)
}

func TestSetOverwriteRules(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Set(ctx, "p1", json.RawMessage(`{"v":1}`), "application/json", true))

	// overwrite allowed by default
	require.NoError(t, s.Set(ctx, "p1", json.RawMessage(`{"v":2}`), "application/json", true))
	m, err := s.Read(ctx, "p1", false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(m.Value))

	// immutable records refuse replacement
	err = s.Set(ctx, "p1", json.RawMessage(`{"v":3}`), "application/json", false)
	var ae errtypes.IsAlreadyExists
	assert.ErrorAs(t, err, &ae)

	// but a fresh key is fine
	assert.NoError(t, s.Set(ctx, "p2", json.RawMessage(`{"v":1}`), "application/json", false))
}

func TestApplyPatchRoundTrip(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Set(ctx, "p1", json.RawMessage(`{"info":{"name":"old"}}`), "application/json", true))

	p := jsonpatch.Patch{{Op: "replace", Path: "/info/name", Value: json.RawMessage(`"new"`)}}
	m, revert, err := s.ApplyPatch(ctx, "p1", p)
	require.NoError(t, err)
	assert.JSONEq(t, `{"info":{"name":"new"}}`, string(m.Value))

	restored, _, err := jsonpatch.Apply(m.Value, revert)
	require.NoError(t, err)
	assert.JSONEq(t, `{"info":{"name":"old"}}`, string(restored))
}

func TestSoftDelete(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	require.NoError(t, s.Set(ctx, "p1", json.RawMessage(`{}`), "application/json", true))

	require.NoError(t, s.SetDeleted(ctx, "p1", true))
	_, err := s.Read(ctx, "p1", false)
	var nf errtypes.IsNotFound
	require.ErrorAs(t, err, &nf)

	// internal readers may still see it
	m, err := s.Read(ctx, "p1", true)
	require.NoError(t, err)
	assert.True(t, m.Deleted)

	// deleting missing content is a no-op so file cascades never fail
	assert.NoError(t, s.SetDeleted(ctx, "no-content", true))

	require.NoError(t, s.SetDeleted(ctx, "p1", false))
	_, err = s.Read(ctx, "p1", false)
	assert.NoError(t, err)
}
