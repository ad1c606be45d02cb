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

package gateway

import (
	"context"

	"github.com/pkg/errors"

	"github.com/apiwork/netstore/pkg/cursor"
	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/history"
	"github.com/apiwork/netstore/pkg/user"
)

// Me returns the calling user, storing the record on first sight so that
// other users can find it when granting access.
func (g *Gateway) Me(ctx context.Context) (*user.User, error) {
	u, err := g.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	_, err = g.users.Read(ctx, u.Key)
	if err != nil {
		var nf errtypes.IsNotFound
		if !errors.As(err, &nf) {
			return nil, err
		}
		if err := g.users.Add(ctx, u); err != nil {
			return nil, err
		}
	}
	return u, nil
}

// ReadUser returns one user record.
func (g *Gateway) ReadUser(ctx context.Context, key string) (*user.User, error) {
	if _, err := g.requireUser(ctx); err != nil {
		return nil, err
	}
	return g.users.Read(ctx, key)
}

// ListUsers pages through user records, excluding the caller. The query
// matches name and email substrings.
func (g *Gateway) ListUsers(ctx context.Context, opts cursor.Options) ([]*user.User, string, error) {
	u, err := g.requireUser(ctx)
	if err != nil {
		return nil, "", err
	}
	return g.users.List(ctx, opts, u.Key)
}

// SetSession stores an opaque session blob.
func (g *Gateway) SetSession(ctx context.Context, key string, value []byte) error {
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	return g.sessions.Set(ctx, key, value)
}

// ReadSession returns a session blob or NotFound.
func (g *Gateway) ReadSession(ctx context.Context, key string) ([]byte, error) {
	return g.sessions.Read(ctx, key)
}

// DeleteSession removes a session. Idempotent.
func (g *Gateway) DeleteSession(ctx context.Context, key string) error {
	return g.sessions.Delete(ctx, key)
}

// AddHistory stores a request/response trace for the caller.
func (g *Gateway) AddHistory(ctx context.Context, e *history.Entry) (*history.Entry, error) {
	u, err := g.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	return g.history.Add(ctx, e, u)
}

// ListHistory pages through traces, newest first.
func (g *Gateway) ListHistory(ctx context.Context, opts history.ListOptions) ([]*history.Entry, string, error) {
	u, err := g.requireUser(ctx)
	if err != nil {
		return nil, "", err
	}
	return g.history.List(ctx, opts, u, g.canReadSpace(u))
}

// QueryHistory searches traces for a substring of their request or
// response fields.
func (g *Gateway) QueryHistory(ctx context.Context, opts history.ListOptions, q string) ([]*history.Entry, string, error) {
	u, err := g.requireUser(ctx)
	if err != nil {
		return nil, "", err
	}
	return g.history.Query(ctx, opts, q, u, g.canReadSpace(u))
}

// ReadHistory returns one trace addressed by its encoded key.
func (g *Gateway) ReadHistory(ctx context.Context, encodedKey string) (*history.Entry, error) {
	u, err := g.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	return g.history.Read(ctx, encodedKey, u, g.canReadSpace(u))
}

// DeleteHistory removes one of the caller's traces.
func (g *Gateway) DeleteHistory(ctx context.Context, encodedKey string) error {
	u, err := g.requireUser(ctx)
	if err != nil {
		return err
	}
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	return g.history.Delete(ctx, encodedKey, u)
}
