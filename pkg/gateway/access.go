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
	"encoding/json"
	"strings"
	"time"

	"github.com/apiwork/netstore/pkg/access"
	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/events"
	"github.com/apiwork/netstore/pkg/file"
	"github.com/apiwork/netstore/pkg/jsonpatch"
	"github.com/apiwork/netstore/pkg/notify"
	"github.com/apiwork/netstore/pkg/permission"
	"github.com/apiwork/netstore/pkg/shared"
	"github.com/apiwork/netstore/pkg/user"
)

// AccessOp is one access-patch operation on a resource.
type AccessOp struct {
	Action         string          `json:"action"`
	Type           permission.Type `json:"type"`
	ID             string          `json:"id,omitempty"`
	Value          permission.Role `json:"value,omitempty"`
	ExpirationTime int64           `json:"expirationTime,omitempty"`
}

const (
	actionAdd    = "add"
	actionRemove = "remove"
)

func (op *AccessOp) validate(now time.Time) error {
	if op.Action != actionAdd && op.Action != actionRemove {
		return errtypes.BadRequest("unknown access action: " + op.Action)
	}
	if !op.Type.Valid() {
		return errtypes.BadRequest("unknown subject type: " + string(op.Type))
	}
	if op.Type != permission.TypeAnyone && op.ID == "" {
		return errtypes.BadRequest("missing subject id")
	}
	if op.Action == actionAdd {
		if !op.Value.Valid() {
			return errtypes.BadRequest("unknown role: " + string(op.Value))
		}
		if op.ExpirationTime != 0 && op.ExpirationTime <= now.UnixMilli() {
			return errtypes.BadRequest("expiration time is in the past")
		}
	}
	return nil
}

// ReadFileUsers returns the permission records of a file.
func (g *Gateway) ReadFileUsers(ctx context.Context, key string) ([]*permission.Permission, error) {
	f, err := g.ReadFile(ctx, key)
	if err != nil {
		return nil, err
	}
	return f.Permissions, nil
}

// PatchAccess applies access operations to a file. Adds of an existing
// (type, id) pair update the role in place; removes of a missing pair
// are a no-op, so replaying a request converges. Grantees are notified
// individually and watchers of the file receive the metadata diff.
func (g *Gateway) PatchAccess(ctx context.Context, key string, ops []AccessOp) ([]*permission.Permission, error) {
	return g.patchAccess(ctx, g.files, g.fileAccess, fileURL(key), key, ops)
}

// PatchSpaceAccess is PatchAccess for the legacy space partition.
func (g *Gateway) PatchSpaceAccess(ctx context.Context, key string, ops []AccessOp) ([]*permission.Permission, error) {
	return g.patchAccess(ctx, g.spaces, g.spaceAccess, spaceURL(key), key, ops)
}

func (g *Gateway) patchAccess(ctx context.Context, store *file.Store, resolver *access.Resolver, url, key string, ops []AccessOp) ([]*permission.Permission, error) {
	u := g.currentUser(ctx)
	if _, err := resolver.CheckAccess(ctx, permission.RoleWriter, key, u); err != nil {
		return nil, err
	}
	if len(ops) == 0 {
		return nil, errtypes.BadRequest("empty access patch")
	}
	now := time.Now()
	var userAdds []string
	for i := range ops {
		if err := ops[i].validate(now); err != nil {
			return nil, err
		}
		if ops[i].Action == actionAdd && ops[i].Type == permission.TypeUser {
			userAdds = append(userAdds, ops[i].ID)
		}
	}
	if len(userAdds) > 0 {
		missing, err := g.users.ListMissing(ctx, userAdds)
		if err != nil {
			return nil, err
		}
		if len(missing) > 0 {
			return nil, errtypes.BadRequest("unknown users: " + strings.Join(missing, ", "))
		}
	}

	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	mu := g.lockKey(key)
	mu.Lock()
	defer mu.Unlock()

	f, err := store.Read(ctx, key, false)
	if err != nil {
		return nil, err
	}
	before, err := json.Marshal(f)
	if err != nil {
		return nil, errtypes.InternalError("encoding file record: " + err.Error())
	}

	actor := user.DefaultKey
	if u != nil {
		actor = u.Key
	}
	var granted, removed []string
	for _, op := range ops {
		existing := findPermission(f.Permissions, op.Type, op.ID)
		switch op.Action {
		case actionAdd:
			if existing != nil {
				existing.Role = op.Value
				existing.ExpirationTime = op.ExpirationTime
				if err := g.perms.Put(ctx, existing); err != nil {
					return nil, err
				}
			} else {
				p := &permission.Permission{
					AddingUser:     actor,
					Type:           op.Type,
					Role:           op.Value,
					ExpirationTime: op.ExpirationTime,
				}
				if op.Type != permission.TypeAnyone {
					p.Owner = op.ID
				}
				if err := g.perms.Put(ctx, p); err != nil {
					return nil, err
				}
				f.Permissions = append(f.Permissions, p)
				f.PermissionIDs = append(f.PermissionIDs, p.Key)
			}
			if op.Type == permission.TypeUser {
				link := shared.Link{ID: key, UID: op.ID, Parent: g.accessibleParent(ctx, resolver, f, op.ID)}
				if err := g.shares.Add(ctx, link); err != nil {
					return nil, err
				}
				granted = append(granted, op.ID)
			}
		case actionRemove:
			if existing == nil {
				continue
			}
			if err := g.perms.Delete(ctx, existing.Key); err != nil {
				return nil, err
			}
			f.Permissions = dropPermission(f.Permissions, existing.Key)
			f.PermissionIDs = dropID(f.PermissionIDs, existing.Key)
			if op.Type == permission.TypeUser {
				if err := g.shares.Remove(ctx, op.ID, key); err != nil {
					return nil, err
				}
				removed = append(removed, op.ID)
			}
		}
	}
	if err := store.Put(ctx, f); err != nil {
		return nil, err
	}

	after, err := json.Marshal(f)
	if err != nil {
		return nil, errtypes.InternalError("encoding file record: " + err.Error())
	}
	diff, err := jsonpatch.Diff(before, after)
	if err == nil && len(diff) > 0 {
		g.publish(ctx, events.New(events.OpPatch, f.Kind, key, mustJSON(diff)), notify.Filter{URL: url})
	}
	if len(granted) > 0 {
		g.publish(ctx, events.New(events.OpAccessGranted, f.Kind, key, nil), notify.Filter{Users: granted})
	}
	if len(removed) > 0 {
		g.publish(ctx, events.New(events.OpAccessRemoved, f.Kind, key, nil), notify.Filter{Users: removed})
	}
	return f.Permissions, nil
}

// accessibleParent returns the nearest ancestor of f the grantee can
// already read, or "" when the whole chain is opaque to them. The link
// parent lets clients place a shared item in their tree without probing
// every ancestor.
func (g *Gateway) accessibleParent(ctx context.Context, resolver *access.Resolver, f *file.File, granteeID string) string {
	grantee, err := g.users.Read(ctx, granteeID)
	if err != nil {
		return ""
	}
	for i := len(f.Parents) - 1; i >= 0; i-- {
		if _, err := resolver.CheckAccess(ctx, permission.RoleReader, f.Parents[i], grantee); err == nil {
			return f.Parents[i]
		}
	}
	return ""
}

func findPermission(ps []*permission.Permission, t permission.Type, id string) *permission.Permission {
	for _, p := range ps {
		if p.Matches(t, id) {
			return p
		}
	}
	return nil
}

func dropPermission(ps []*permission.Permission, key string) []*permission.Permission {
	out := ps[:0]
	for _, p := range ps {
		if p.Key != key {
			out = append(out, p)
		}
	}
	return out
}

func dropID(ids []string, key string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != key {
			out = append(out, id)
		}
	}
	return out
}
