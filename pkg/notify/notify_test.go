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

package notify_test

import (
	"encoding/json"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/apiwork/netstore/pkg/events"
	"github.com/apiwork/netstore/pkg/notify"
	"github.com/apiwork/netstore/pkg/user"
)

type fakeSocket struct {
	sent    [][]byte
	closed  bool
	sendErr error
}

func (s *fakeSocket) Send(data []byte) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, data)
	return nil
}

func (s *fakeSocket) Close() error {
	s.closed = true
	return nil
}

func TestRegisterAndFilter(t *testing.T) {
	b := notify.NewBus()
	s1, s2, s3 := &fakeSocket{}, &fakeSocket{}, &fakeSocket{}
	b.Register(s1, "/files", &user.User{Key: "u1"}, "sid1")
	b.Register(s2, "/files", &user.User{Key: "u2"}, "sid2")
	b.Register(s3, "/spaces", &user.User{Key: "u1"}, "sid3")

	assert.Len(t, b.Filter(notify.Filter{URL: "/files"}), 2)
	assert.Len(t, b.Filter(notify.Filter{Users: []string{"u1"}}), 2)
	assert.Len(t, b.Filter(notify.Filter{URL: "/files", Users: []string{"u1"}}), 1)
	assert.Len(t, b.Filter(notify.Filter{SIDs: []string{"sid3"}}), 1)
	assert.Empty(t, b.Filter(notify.Filter{URL: "/nowhere"}))

	// re-registering replaces the channel
	b.Register(s1, "/spaces", &user.User{Key: "u1"}, "sid1")
	assert.Len(t, b.Filter(notify.Filter{URL: "/files"}), 1)

	b.Unregister(s1)
	assert.Len(t, b.Filter(notify.Filter{Users: []string{"u1"}}), 1)
}

func TestNotifyDeliversToMatchingChannels(t *testing.T) {
	b := notify.NewBus()
	s1, s2 := &fakeSocket{}, &fakeSocket{}
	b.Register(s1, "/files", &user.User{Key: "u1"}, "")
	b.Register(s2, "/spaces", &user.User{Key: "u1"}, "")

	e := events.New(events.OpCreated, "Workspace", "s1", json.RawMessage(`{"key":"s1"}`))
	require.NoError(t, b.Notify(e, notify.Filter{URL: "/files"}))

	require.Len(t, s1.sent, 1)
	assert.Empty(t, s2.sent)

	var got events.Event
	require.NoError(t, json.Unmarshal(s1.sent[0], &got))
	assert.Equal(t, "event", got.Type)
	assert.Equal(t, events.OpCreated, got.Operation)
	assert.Equal(t, "Workspace", got.Kind)
	assert.Equal(t, "s1", got.ID)
}

func TestNotifyDropsDeadSockets(t *testing.T) {
	b := notify.NewBus()
	dead := &fakeSocket{sendErr: errors.New("broken pipe")}
	live := &fakeSocket{}
	b.Register(dead, "/files", nil, "")
	b.Register(live, "/files", nil, "")

	e := events.New(events.OpUpdated, "Workspace", "s1", nil)
	require.NoError(t, b.Notify(e, notify.Filter{URL: "/files"}))

	assert.Len(t, live.sent, 1)
	assert.Equal(t, 1, b.Count("/files"), "failed socket is unregistered")

	// a second notify reaches only the survivor
	require.NoError(t, b.Notify(e, notify.Filter{URL: "/files"}))
	assert.Len(t, live.sent, 2)
}

func TestCloseByURL(t *testing.T) {
	b := notify.NewBus()
	s1, s2 := &fakeSocket{}, &fakeSocket{}
	b.Register(s1, "/files/s1", nil, "")
	b.Register(s2, "/files/s2", nil, "")

	b.CloseByURL("/files/s1")

	assert.True(t, s1.closed)
	assert.False(t, s2.closed)
	assert.Equal(t, 0, b.Count("/files/s1"))
	assert.Equal(t, 1, b.Count("/files/s2"))
}

func TestHasUserAndFilterUserIds(t *testing.T) {
	b := notify.NewBus()
	b.Register(&fakeSocket{}, "/files", &user.User{Key: "u1"}, "")
	b.Register(&fakeSocket{}, "/spaces", &user.User{Key: "u2"}, "")

	assert.True(t, b.HasUser("u1", notify.Filter{URL: "/files"}))
	assert.False(t, b.HasUser("u2", notify.Filter{URL: "/files"}))

	ids := b.FilterUserIds([]string{"u3", "u2", "u1"}, notify.Filter{})
	assert.Equal(t, []string{"u2", "u1"}, ids, "input order is preserved")
	assert.Empty(t, b.FilterUserIds([]string{"u9"}, notify.Filter{}))
}
