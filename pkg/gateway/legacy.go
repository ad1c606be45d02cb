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
	"time"

	"github.com/apiwork/netstore/pkg/cursor"
	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/events"
	"github.com/apiwork/netstore/pkg/file"
	"github.com/apiwork/netstore/pkg/jsonpatch"
	"github.com/apiwork/netstore/pkg/keys"
	"github.com/apiwork/netstore/pkg/notify"
	"github.com/apiwork/netstore/pkg/permission"
	"github.com/apiwork/netstore/pkg/project"
	"github.com/apiwork/netstore/pkg/revisions"
	"github.com/apiwork/netstore/pkg/user"
)

// The legacy route family predates the files tree. Spaces are stored in
// their own partition with the same record shape as files; projects nest
// under a space with the legacy key layout.
const (
	spacesURL         = "/spaces"
	kindSpace         = "Space"
	kindLegacyProject = "Project"
)

func spaceURL(key string) string {
	return spacesURL + "/" + key
}

func projectsURL(spaceKey string) string {
	return spaceURL(spaceKey) + "/projects"
}

func projectURL(spaceKey, projectKey string) string {
	return projectsURL(spaceKey) + "/" + projectKey
}

// AddSpace creates a workspace root in the legacy partition.
func (g *Gateway) AddSpace(ctx context.Context, s *file.File) (*file.File, error) {
	u, err := g.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := keys.Validate(s.Key); err != nil {
		return nil, err
	}
	if s.Kind == "" {
		s.Kind = kindSpace
	}
	s.Owner = u.Key
	s.Parents = []string{}
	s.LastModified = file.LastModified{User: u.Key, Time: time.Now().UnixMilli()}

	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	mu := g.lockKey(s.Key)
	mu.Lock()
	defer mu.Unlock()

	added, err := g.spaces.Add(ctx, s)
	if err != nil {
		return nil, err
	}
	g.publish(ctx, events.New(events.OpCreated, added.Kind, added.Key, mustJSON(added)), notify.Filter{URL: spacesURL, Users: singleUserFilter(g, u)})
	return added, nil
}

// ReadSpace returns the space metadata.
func (g *Gateway) ReadSpace(ctx context.Context, key string) (*file.File, error) {
	u := g.currentUser(ctx)
	if _, err := g.spaceAccess.CheckAccess(ctx, permission.RoleReader, key, u); err != nil {
		return nil, err
	}
	return g.spaces.Read(ctx, key, false)
}

// ListSpaces pages through the spaces visible to the caller.
func (g *Gateway) ListSpaces(ctx context.Context, opts cursor.Options) ([]*file.File, string, error) {
	u, err := g.requireUser(ctx)
	if err != nil {
		return nil, "", err
	}
	return g.spaces.List(ctx, opts, file.ListFilter{User: u.Key})
}

// PatchSpace applies a metadata patch to a space.
func (g *Gateway) PatchSpace(ctx context.Context, key string, info *jsonpatch.Info) (*file.File, error) {
	u := g.currentUser(ctx)
	if _, err := g.spaceAccess.CheckAccess(ctx, permission.RoleWriter, key, u); err != nil {
		return nil, err
	}
	if err := jsonpatch.Validate(info, file.GuardedPaths()...); err != nil {
		return nil, err
	}
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	mu := g.lockKey(key)
	mu.Lock()
	defer mu.Unlock()

	actor := user.DefaultKey
	if u != nil {
		actor = u.Key
	}
	patched, _, err := g.spaces.ApplyPatch(ctx, key, info.Patch, actor, time.Now())
	if err != nil {
		return nil, err
	}
	g.publish(ctx, events.New(events.OpPatch, patched.Kind, patched.Key, mustJSON(info.Patch)), notify.Filter{URL: spaceURL(key)})
	return patched, nil
}

// DeleteSpace soft-deletes a space and closes the channels watching it
// and its project collection.
func (g *Gateway) DeleteSpace(ctx context.Context, key string) error {
	u := g.currentUser(ctx)
	if _, err := g.spaceAccess.CheckAccess(ctx, permission.RoleWriter, key, u); err != nil {
		return err
	}
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	mu := g.lockKey(key)
	mu.Lock()
	defer mu.Unlock()

	s, err := g.spaces.SetDeleted(ctx, key, true)
	if err != nil {
		return err
	}
	actor := user.DefaultKey
	if u != nil {
		actor = u.Key
	}
	if err := g.bin.Mark(ctx, s.Kind, key, actor); err != nil {
		return err
	}
	if err := g.shares.RemoveAll(ctx, key); err != nil {
		return err
	}

	e := events.New(events.OpDeleted, s.Kind, key, nil)
	g.publish(ctx, e, notify.Filter{URL: spacesURL})
	g.publish(ctx, e, notify.Filter{URL: spaceURL(key)})
	g.bus.CloseByURL(spaceURL(key))
	g.bus.CloseByURL(projectsURL(key))
	return nil
}

// CreateProject creates a legacy project under a space.
func (g *Gateway) CreateProject(ctx context.Context, spaceKey, projectKey, name string, data json.RawMessage) (*project.Project, error) {
	u := g.currentUser(ctx)
	if _, err := g.spaceAccess.CheckAccess(ctx, permission.RoleWriter, spaceKey, u); err != nil {
		return nil, err
	}
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	mu := g.lockKey(keys.LegacyProject(spaceKey, projectKey))
	mu.Lock()
	defer mu.Unlock()

	p, err := g.projects.Create(ctx, spaceKey, projectKey, name, data)
	if err != nil {
		return nil, err
	}
	g.publish(ctx, events.New(events.OpCreated, kindLegacyProject, projectKey, mustJSON(&p.IndexEntry)), notify.Filter{URL: projectsURL(spaceKey)})
	return p, nil
}

// ReadProject returns the project contents.
func (g *Gateway) ReadProject(ctx context.Context, spaceKey, projectKey string) (*project.Project, error) {
	u := g.currentUser(ctx)
	if _, err := g.spaceAccess.CheckAccess(ctx, permission.RoleReader, spaceKey, u); err != nil {
		return nil, err
	}
	deleted, err := g.bin.IsDeleted(ctx, kindLegacyProject, keys.LegacyProject(spaceKey, projectKey))
	if err != nil {
		return nil, err
	}
	if deleted {
		return nil, errtypes.NotFound(projectKey)
	}
	return g.projects.Read(ctx, spaceKey, projectKey)
}

// ListProjects pages through the project index of a space.
func (g *Gateway) ListProjects(ctx context.Context, spaceKey string, opts cursor.Options) ([]*project.IndexEntry, string, error) {
	u := g.currentUser(ctx)
	if _, err := g.spaceAccess.CheckAccess(ctx, permission.RoleReader, spaceKey, u); err != nil {
		return nil, "", err
	}
	return g.projects.List(ctx, spaceKey, opts)
}

// PatchProject patches the project contents and appends a revision.
func (g *Gateway) PatchProject(ctx context.Context, spaceKey, projectKey string, info *jsonpatch.Info) (*project.Project, error) {
	u := g.currentUser(ctx)
	if _, err := g.spaceAccess.CheckAccess(ctx, permission.RoleWriter, spaceKey, u); err != nil {
		return nil, err
	}
	if err := jsonpatch.Validate(info); err != nil {
		return nil, err
	}
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	mu := g.lockKey(keys.LegacyProject(spaceKey, projectKey))
	mu.Lock()
	defer mu.Unlock()

	p, _, err := g.projects.ApplyPatch(ctx, spaceKey, projectKey, kindLegacyProject, info.Patch)
	if err != nil {
		return nil, err
	}
	g.publish(ctx, events.New(events.OpPatch, kindLegacyProject, projectKey, mustJSON(info.Patch)), notify.Filter{URL: projectURL(spaceKey, projectKey)})
	return p, nil
}

// DeleteProject removes a project, recording it in the bin.
func (g *Gateway) DeleteProject(ctx context.Context, spaceKey, projectKey string) error {
	u := g.currentUser(ctx)
	if _, err := g.spaceAccess.CheckAccess(ctx, permission.RoleWriter, spaceKey, u); err != nil {
		return err
	}
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	k := keys.LegacyProject(spaceKey, projectKey)
	mu := g.lockKey(k)
	mu.Lock()
	defer mu.Unlock()

	if err := g.projects.Delete(ctx, spaceKey, projectKey); err != nil {
		return err
	}
	actor := user.DefaultKey
	if u != nil {
		actor = u.Key
	}
	if err := g.bin.Mark(ctx, kindLegacyProject, k, actor); err != nil {
		return err
	}

	e := events.New(events.OpDeleted, kindLegacyProject, projectKey, nil)
	g.publish(ctx, e, notify.Filter{URL: projectsURL(spaceKey)})
	g.publish(ctx, e, notify.Filter{URL: projectURL(spaceKey, projectKey)})
	g.bus.CloseByURL(projectURL(spaceKey, projectKey))
	return nil
}

// ListProjectRevisions pages through a project's patch history, newest
// first.
func (g *Gateway) ListProjectRevisions(ctx context.Context, spaceKey, projectKey string, opts cursor.Options) ([]*revisions.Revision, string, error) {
	u := g.currentUser(ctx)
	if _, err := g.spaceAccess.CheckAccess(ctx, permission.RoleReader, spaceKey, u); err != nil {
		return nil, "", err
	}
	return g.projects.ListRevisions(ctx, spaceKey, projectKey, kindLegacyProject, opts)
}

// singleUserFilter returns no user restriction in single-user mode and
// the caller alone otherwise.
func singleUserFilter(g *Gateway, u *user.User) []string {
	if g.conf.SingleUser {
		return nil
	}
	return []string{u.Key}
}
