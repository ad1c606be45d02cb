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

// Package access computes the effective role a user holds on a resource by
// walking its parent chain. Denials are reported as NotFound when the user
// holds no role at all, so that resource existence is never disclosed.
package access

import (
	"context"
	"time"

	"github.com/pkg/errors"

	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/file"
	"github.com/apiwork/netstore/pkg/permission"
	"github.com/apiwork/netstore/pkg/recycle"
	"github.com/apiwork/netstore/pkg/user"
)

// Loader reads raw file metadata including soft-deleted records.
type Loader interface {
	Read(ctx context.Context, key string, includeDeleted bool) (*file.File, error)
}

// Resolver walks parent chains against the permission store.
type Resolver struct {
	loader     Loader
	perms      *permission.Store
	bin        *recycle.Bin
	singleUser bool
	now        func() time.Time
}

// NewResolver returns a resolver over the given stores. With singleUser
// set every check succeeds with the owner role without touching the
// permission store.
func NewResolver(loader Loader, perms *permission.Store, bin *recycle.Bin, singleUser bool) *Resolver {
	return &Resolver{
		loader:     loader,
		perms:      perms,
		bin:        bin,
		singleUser: singleUser,
		now:        time.Now,
	}
}

// CheckAccess returns the effective role of u on key, failing with
// UserRequired, NotFound or PermissionDenied per the access rules. The
// highest role found anywhere in the chain wins.
func (r *Resolver) CheckAccess(ctx context.Context, min permission.Role, key string, u *user.User) (permission.Role, error) {
	if r.singleUser {
		return permission.RoleOwner, nil
	}
	if u == nil {
		return "", errtypes.UserRequired("authentication required")
	}

	f, err := r.loader.Read(ctx, key, true)
	if err != nil {
		return "", err
	}
	deleted, err := r.bin.IsDeleted(ctx, f.Kind, key)
	if err != nil {
		return "", err
	}
	if f.Deleted || deleted {
		return "", errtypes.NotFound(key)
	}
	if f.Owner == u.Key {
		return permission.RoleOwner, nil
	}

	var best permission.Role
	collect := func(target *file.File) error {
		role, err := r.roleOn(ctx, target, u)
		if err != nil {
			return err
		}
		if role != "" {
			best = permission.Max(best, role)
		}
		return nil
	}
	if err := collect(f); err != nil {
		return "", err
	}
	// nearest ancestor first
	for i := len(f.Parents) - 1; i >= 0; i-- {
		ancestor, err := r.loader.Read(ctx, f.Parents[i], true)
		if err != nil {
			var nf errtypes.IsNotFound
			if errors.As(err, &nf) {
				continue
			}
			return "", err
		}
		if ancestor.Owner == u.Key {
			return permission.RoleOwner, nil
		}
		if err := collect(ancestor); err != nil {
			return "", err
		}
	}

	if best == "" {
		return "", errtypes.NotFound(key)
	}
	if !best.AtLeast(min) {
		return "", errtypes.PermissionDenied(key)
	}
	return best, nil
}

// roleOn returns the highest unexpired role the user holds directly on the
// resource: user grants first, then group grants, then anyone grants.
func (r *Resolver) roleOn(ctx context.Context, f *file.File, u *user.User) (permission.Role, error) {
	if len(f.PermissionIDs) == 0 {
		return "", nil
	}
	ps, err := r.perms.ReadMany(ctx, f.PermissionIDs)
	if err != nil {
		return "", err
	}
	now := r.now()
	var best permission.Role
	for _, p := range ps {
		if p == nil || p.Expired(now) {
			continue
		}
		switch {
		case p.Matches(permission.TypeUser, u.Key):
			best = permission.Max(best, p.Role)
		case p.Type == permission.TypeGroup && inGroups(u, p.Owner):
			best = permission.Max(best, p.Role)
		case p.Type == permission.TypeAnyone:
			best = permission.Max(best, p.Role)
		}
	}
	return best, nil
}

func inGroups(u *user.User, group string) bool {
	for _, g := range u.Groups {
		if g == group {
			return true
		}
	}
	return false
}
