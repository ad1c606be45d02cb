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

// Package gateway composes the stores into one entry point per API
// operation. Each method owns the access check, the writes, the
// revision/bin/index upkeep and the notification, in that order; events
// are published only after the writes committed so a client reading upon
// an event observes the new state.
package gateway

import (
	"context"
	"hash/fnv"
	"sync"

	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"

	"github.com/apiwork/netstore/pkg/access"
	"github.com/apiwork/netstore/pkg/appdata"
	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/events"
	"github.com/apiwork/netstore/pkg/file"
	"github.com/apiwork/netstore/pkg/history"
	"github.com/apiwork/netstore/pkg/kv"
	"github.com/apiwork/netstore/pkg/kv/registry"
	"github.com/apiwork/netstore/pkg/media"
	"github.com/apiwork/netstore/pkg/notify"
	"github.com/apiwork/netstore/pkg/permission"
	"github.com/apiwork/netstore/pkg/project"
	"github.com/apiwork/netstore/pkg/recycle"
	"github.com/apiwork/netstore/pkg/revisions"
	"github.com/apiwork/netstore/pkg/session"
	"github.com/apiwork/netstore/pkg/shared"
	"github.com/apiwork/netstore/pkg/user"

	// kv store drivers
	_ "github.com/apiwork/netstore/pkg/kv/bolt"
	_ "github.com/apiwork/netstore/pkg/kv/memory"
)

// Alt selects the representation of a file.
type Alt int

// The representations: metadata or content.
const (
	AltMeta Alt = iota
	AltMedia
)

// ParseAlt maps the query parameter value to an Alt.
func ParseAlt(s string) (Alt, error) {
	switch s {
	case "", "meta":
		return AltMeta, nil
	case "media":
		return AltMedia, nil
	default:
		return AltMeta, errtypes.BadRequest("unknown alt: " + s)
	}
}

// Publisher is the slice of the notification bus the gateway publishes
// to.
type Publisher interface {
	Notify(e *events.Event, f notify.Filter) error
	CloseByURL(url string)
}

// Config holds the gateway options.
type Config struct {
	// Driver selects the kv store implementation.
	Driver string `mapstructure:"driver"`
	// Drivers holds the per-driver configuration.
	Drivers map[string]map[string]interface{} `mapstructure:"drivers"`
	// SingleUser disables authentication; every caller acts as the
	// default user and owns everything.
	SingleUser bool `mapstructure:"single_user"`
}

func (c *Config) init() {
	if c.Driver == "" {
		c.Driver = "bolt"
	}
}

// lockStripes is the size of the advisory lock table for per-key write
// serialization.
const lockStripes = 64

// Gateway is the orchestrator.
type Gateway struct {
	conf  *Config
	store kv.Store
	bus   Publisher

	files       *file.Store
	spaces      *file.Store
	media       *media.Store
	perms       *permission.Store
	shares      *shared.Index
	bin         *recycle.Bin
	revs        *revisions.Store
	projects    *project.Store
	appProjects *appdata.Store
	appRequests *appdata.Store
	users       *user.Store
	sessions    *session.Store
	history     *history.Store

	fileAccess  *access.Resolver
	spaceAccess *access.Resolver

	locks [lockStripes]sync.Mutex
}

// New builds a gateway from the raw driver configuration and the bus.
func New(m map[string]interface{}, bus Publisher) (*Gateway, error) {
	c := &Config{}
	if err := mapstructure.Decode(m, c); err != nil {
		return nil, errors.Wrap(err, "error decoding gateway configuration")
	}
	c.init()

	f, ok := registry.NewFuncs[c.Driver]
	if !ok {
		return nil, errtypes.NotFound("kv driver not found: " + c.Driver)
	}
	store, err := f(c.Drivers[c.Driver])
	if err != nil {
		return nil, err
	}
	return NewWithStore(c, store, bus), nil
}

// NewWithStore wires a gateway over an already open store.
func NewWithStore(c *Config, store kv.Store, bus Publisher) *Gateway {
	g := &Gateway{conf: c, store: store, bus: bus}

	g.perms = permission.NewStore(store.Sub(kv.PartitionPermissions))
	g.shares = shared.New(store.Sub(kv.PartitionShared))
	g.bin = recycle.New(store.Sub(kv.PartitionBin))
	g.revs = revisions.New(store.Sub(kv.PartitionRevisions))
	g.media = media.NewStore(store.Sub(kv.PartitionMedia))
	g.files = file.NewStore(store.Sub(kv.PartitionFiles), g.perms, g.shares)
	g.spaces = file.NewStore(store.Sub(kv.PartitionSpaces), g.perms, g.shares)
	g.projects = project.NewStore(
		store.Sub(kv.PartitionProjectIndex),
		store.Sub(kv.PartitionProjectData),
		revisions.New(store.Sub(kv.PartitionProjectRevs)),
	)
	g.appProjects = appdata.NewProjects(store.Sub(kv.PartitionAppProjects), appdata.NewIndex())
	g.appRequests = appdata.NewRequests(store.Sub(kv.PartitionAppRequests))
	g.users = user.NewStore(store.Sub(kv.PartitionUsers))
	g.sessions = session.NewStore(store.Sub(kv.PartitionSessions))
	g.history = history.NewStore(
		store.Sub(kv.PartitionHistoryData),
		store.Sub(kv.PartitionHistorySpace),
		store.Sub(kv.PartitionHistoryProject),
		store.Sub(kv.PartitionHistoryRequest),
		store.Sub(kv.PartitionHistoryApp),
	)
	g.fileAccess = access.NewResolver(g.files, g.perms, g.bin, c.SingleUser)
	g.spaceAccess = access.NewResolver(g.spaces, g.perms, g.bin, c.SingleUser)
	return g
}

// Close releases the underlying store.
func (g *Gateway) Close() error {
	return g.store.Close()
}

// currentUser resolves the acting user. In single-user mode an
// unauthenticated caller acts as the default user; otherwise nil is
// returned and the operation decides whether that is acceptable.
func (g *Gateway) currentUser(ctx context.Context) *user.User {
	if u, ok := user.ContextGetUser(ctx); ok {
		return u
	}
	if g.conf.SingleUser {
		return user.Default()
	}
	return nil
}

// requireUser is currentUser for operations that cannot proceed
// anonymously.
func (g *Gateway) requireUser(ctx context.Context) (*user.User, error) {
	u := g.currentUser(ctx)
	if u == nil {
		return nil, errtypes.UserRequired("authentication required")
	}
	return u, nil
}

// checkCancelled guards the first write of an operation: once the
// context is done the operation returns Cancelled with no side effects.
func checkCancelled(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return errtypes.Cancelled(err.Error())
	}
	return nil
}

// lockKey returns the advisory lock serializing writes to one file key.
func (g *Gateway) lockKey(key string) *sync.Mutex {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &g.locks[h.Sum32()%lockStripes]
}

// canReadSpace adapts the space resolver to the history store's filter.
func (g *Gateway) canReadSpace(u *user.User) history.SpaceAccessFunc {
	return func(ctx context.Context, spaceKey string) bool {
		_, err := g.spaceAccess.CheckAccess(ctx, permission.RoleReader, spaceKey, u)
		return err == nil
	}
}
