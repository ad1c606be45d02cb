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

package recycle_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiwork/netstore/pkg/kv"
	"github.com/apiwork/netstore/pkg/kv/memory"
	"github.com/apiwork/netstore/pkg/recycle"
)

func newBin(t *testing.T) *recycle.Bin {
	t.Helper()
	store, err := memory.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return recycle.New(store.Sub(kv.PartitionBin))
}

func TestMarkAndRead(t *testing.T) {
	ctx := context.Background()
	bin := newBin(t)

	deleted, err := bin.IsDeleted(ctx, "Workspace", "s1")
	require.NoError(t, err)
	assert.False(t, deleted)

	require.NoError(t, bin.Mark(ctx, "Workspace", "s1", "u1"))

	deleted, err = bin.IsDeleted(ctx, "Workspace", "s1")
	require.NoError(t, err)
	assert.True(t, deleted)

	item, err := bin.Read(ctx, "Workspace", "s1")
	require.NoError(t, err)
	assert.Equal(t, "s1", item.Key)
	assert.Equal(t, "u1", item.DeletedBy)
	assert.NotZero(t, item.DeletedTime)

	// the same key under another kind stays live
	deleted, err = bin.IsDeleted(ctx, "HttpProject", "s1")
	require.NoError(t, err)
	assert.False(t, deleted)
}

func TestUnmark(t *testing.T) {
	ctx := context.Background()
	bin := newBin(t)

	require.NoError(t, bin.Mark(ctx, "Workspace", "s1", "u1"))
	require.NoError(t, bin.Unmark(ctx, "Workspace", "s1"))

	deleted, err := bin.IsDeleted(ctx, "Workspace", "s1")
	require.NoError(t, err)
	assert.False(t, deleted)

	// unmarking a live item is a no-op
	assert.NoError(t, bin.Unmark(ctx, "Workspace", "s1"))
}
