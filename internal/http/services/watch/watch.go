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

// Package watch is the WebSocket endpoint of the notification bus. A
// client connects below the service prefix; the path below the prefix is
// the watched URL. The server never reads client frames except to detect
// the close.
package watch

import (
	"context"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/apiwork/netstore/pkg/appctx"
	"github.com/apiwork/netstore/pkg/notify"
	"github.com/apiwork/netstore/pkg/user"
)

// TokenResolver authenticates a connection token. Implementations return
// nil without error for anonymous connections when those are allowed.
type TokenResolver func(ctx context.Context, token string) (*user.User, error)

type config struct {
	Prefix string `mapstructure:"prefix"`
	// ReadBufferSize and WriteBufferSize are handed to the upgrader.
	ReadBufferSize  int `mapstructure:"read_buffer_size"`
	WriteBufferSize int `mapstructure:"write_buffer_size"`
}

func (c *config) init() {
	if c.Prefix == "" {
		c.Prefix = "watch"
	}
	if c.ReadBufferSize == 0 {
		c.ReadBufferSize = 1024
	}
	if c.WriteBufferSize == 0 {
		c.WriteBufferSize = 1024
	}
}

// Service upgrades connections and registers them on the bus.
type Service struct {
	conf     *config
	bus      *notify.Bus
	resolve  TokenResolver
	upgrader websocket.Upgrader
	router   chi.Router
}

// New returns a watch service over the given bus.
func New(m map[string]interface{}, bus *notify.Bus, resolve TokenResolver) (*Service, error) {
	c := &config{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "error decoding watch configuration")
	}
	c.init()

	s := &Service{
		conf:    c,
		bus:     bus,
		resolve: resolve,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  c.ReadBufferSize,
			WriteBufferSize: c.WriteBufferSize,
		},
	}
	r := chi.NewRouter()
	r.Get("/*", s.handleWatch)
	s.router = r
	return s, nil
}

// Prefix returns the mount point of the service.
func (s *Service) Prefix() string {
	return s.conf.Prefix
}

// Unprotected lists the paths that skip auth middleware; the token is
// checked here because it arrives as a query parameter.
func (s *Service) Unprotected() []string {
	return []string{"/"}
}

// Handler returns the HTTP handler of the service.
func (s *Service) Handler() http.Handler {
	return s.router
}

// Close is a no-op; open sockets are owned by the bus.
func (s *Service) Close() error {
	return nil
}

func (s *Service) handleWatch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := appctx.GetLogger(ctx)

	var u *user.User
	if s.resolve != nil {
		var err error
		u, err = s.resolve(ctx, r.URL.Query().Get("token"))
		if err != nil {
			http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
			return
		}
	}
	url := "/" + strings.Trim(chi.URLParam(r, "*"), "/")
	sid := r.URL.Query().Get("sid")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Str("url", url).Msg("websocket upgrade failed")
		return
	}
	socket := NewSocket(conn)
	s.bus.Register(socket, url, u, sid)
	log.Debug().Str("url", url).Str("sid", sid).Msg("watch channel registered")

	go s.drain(socket, conn)
}

// drain discards client frames until the connection dies, then drops the
// channel.
func (s *Service) drain(socket notify.Socket, conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	s.bus.Unregister(socket)
	_ = conn.Close()
}
