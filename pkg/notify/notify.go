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

// Package notify is the in-process registry of watch channels. Delivery
// is best effort: sockets that error on send are dropped from the
// registry, there are no retries, and clients treat events as hints to
// re-read.
package notify

import (
	"encoding/json"
	"sync"

	"github.com/pkg/errors"

	"github.com/apiwork/netstore/pkg/events"
	"github.com/apiwork/netstore/pkg/user"
)

// Socket is the transport side of a channel. The bus only ever writes
// and closes; reading client frames is the transport's business.
type Socket interface {
	Send(data []byte) error
	Close() error
}

// Channel binds a socket to the URL it watches, plus the authenticated
// user and session id when known.
type Channel struct {
	Socket Socket
	URL    string
	User   *user.User
	SID    string
}

// Filter selects channels. All set predicates must match.
type Filter struct {
	URL   string
	Users []string
	SIDs  []string
}

func (f Filter) matches(c *Channel) bool {
	if f.URL != "" && c.URL != f.URL {
		return false
	}
	if len(f.Users) > 0 {
		if c.User == nil || !contains(f.Users, c.User.Key) {
			return false
		}
	}
	if len(f.SIDs) > 0 && !contains(f.SIDs, c.SID) {
		return false
	}
	return true
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

// Bus holds the open channels of one process.
type Bus struct {
	mu       sync.RWMutex
	channels map[Socket]*Channel
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{channels: map[Socket]*Channel{}}
}

// Register adds a channel for the socket. Re-registering a socket
// replaces its previous channel.
func (b *Bus) Register(socket Socket, url string, u *user.User, sid string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.channels[socket] = &Channel{Socket: socket, URL: url, User: u, SID: sid}
}

// Unregister drops the socket's channel. Unknown sockets are a no-op.
func (b *Bus) Unregister(socket Socket) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.channels, socket)
}

// Filter returns the channels matching all set predicates.
func (b *Bus) Filter(f Filter) []*Channel {
	b.mu.RLock()
	defer b.mu.RUnlock()
	var matched []*Channel
	for _, c := range b.channels {
		if f.matches(c) {
			matched = append(matched, c)
		}
	}
	return matched
}

// Notify serializes the event once and sends it to every matching
// channel. Sockets that fail to send are unregistered.
func (b *Bus) Notify(e *events.Event, f Filter) error {
	data, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "error encoding event")
	}
	var dead []Socket
	for _, c := range b.Filter(f) {
		if err := c.Socket.Send(data); err != nil {
			dead = append(dead, c.Socket)
		}
	}
	for _, s := range dead {
		b.Unregister(s)
	}
	return nil
}

// CloseByURL closes and unregisters every channel watching the URL.
func (b *Bus) CloseByURL(url string) {
	for _, c := range b.Filter(Filter{URL: url}) {
		_ = c.Socket.Close()
		b.Unregister(c.Socket)
	}
}

// Count returns the number of channels watching the URL.
func (b *Bus) Count(url string) int {
	return len(b.Filter(Filter{URL: url}))
}

// HasUser reports whether the user holds a channel matching the filter.
func (b *Bus) HasUser(id string, f Filter) bool {
	for _, c := range b.Filter(f) {
		if c.User != nil && c.User.Key == id {
			return true
		}
	}
	return false
}

// FilterUserIds returns the subset of ids holding a channel matching the
// filter, in input order.
func (b *Bus) FilterUserIds(ids []string, f Filter) []string {
	present := map[string]bool{}
	for _, c := range b.Filter(f) {
		if c.User != nil {
			present[c.User.Key] = true
		}
	}
	var matched []string
	for _, id := range ids {
		if present[id] {
			matched = append(matched, id)
		}
	}
	return matched
}
