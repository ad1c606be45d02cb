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

package user_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiwork/netstore/pkg/cursor"
	"github.com/apiwork/netstore/pkg/kv"
	"github.com/apiwork/netstore/pkg/kv/memory"
	"github.com/apiwork/netstore/pkg/user"
)

func newStore(t *testing.T) *user.Store {
	t.Helper()
	store, err := memory.New(nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return user.NewStore(store.Sub(kv.PartitionUsers))
}

func seed(t *testing.T, s *user.Store) {
	t.Helper()
	users := []*user.User{
		{Key: "u1", Name: "Ada Lovelace", Email: []user.Email{{Email: "ada@example.org", Verified: true}}},
		{Key: "u2", Name: "Grace Hopper", Email: []user.Email{{Email: "grace@navy.mil"}}},
		{Key: "u3", Name: "Barbara Liskov", Email: []user.Email{{Email: "liskov@mit.edu"}}},
	}
	for _, u := range users {
		require.NoError(t, s.Add(context.Background(), u))
	}
}

func TestAddRead(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)

	err := s.Add(ctx, &user.User{Name: "nameless"})
	assert.Error(t, err)

	seed(t, s)
	u, err := s.Read(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, "Ada Lovelace", u.Name)

	_, err = s.Read(ctx, "nobody")
	assert.Error(t, err)
}

func TestReadMany(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seed(t, s)

	us, err := s.ReadMany(ctx, []string{"u3", "ghost", "u1"})
	require.NoError(t, err)
	require.Len(t, us, 3)
	assert.Equal(t, "u3", us[0].Key)
	assert.Nil(t, us[1])
	assert.Equal(t, "u1", us[2].Key)
}

func TestListMissing(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seed(t, s)

	missing, err := s.ListMissing(ctx, []string{"u1", "ghost", "u2", "phantom"})
	require.NoError(t, err)
	assert.Equal(t, []string{"ghost", "phantom"}, missing)
}

func TestListExcludesRequesterAndQueries(t *testing.T) {
	ctx := context.Background()
	s := newStore(t)
	seed(t, s)

	us, _, err := s.List(ctx, cursor.Options{}, "u1")
	require.NoError(t, err)
	require.Len(t, us, 2)
	for _, u := range us {
		assert.NotEqual(t, "u1", u.Key)
	}

	// name substring, case-insensitive
	us, _, err = s.List(ctx, cursor.Options{Query: "GRACE"}, "u1")
	require.NoError(t, err)
	require.Len(t, us, 1)
	assert.Equal(t, "u2", us[0].Key)

	// email substring
	us, _, err = s.List(ctx, cursor.Options{Query: "mit.edu"}, "u1")
	require.NoError(t, err)
	require.Len(t, us, 1)
	assert.Equal(t, "u3", us[0].Key)

	us, _, err = s.List(ctx, cursor.Options{Query: "zzz"}, "u1")
	require.NoError(t, err)
	assert.Empty(t, us)
}

func TestDefaultUser(t *testing.T) {
	u := user.Default()
	assert.Equal(t, user.DefaultKey, u.Key)
}
