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

	"github.com/apiwork/netstore/pkg/appctx"
	"github.com/apiwork/netstore/pkg/cursor"
	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/events"
	"github.com/apiwork/netstore/pkg/file"
	"github.com/apiwork/netstore/pkg/jsonpatch"
	"github.com/apiwork/netstore/pkg/keys"
	"github.com/apiwork/netstore/pkg/media"
	"github.com/apiwork/netstore/pkg/notify"
	"github.com/apiwork/netstore/pkg/permission"
	"github.com/apiwork/netstore/pkg/revisions"
	"github.com/apiwork/netstore/pkg/user"
)

const filesURL = "/files"

func fileURL(key string) string {
	return filesURL + "/" + key
}

func mediaURL(key string) string {
	return fileURL(key) + "?alt=media"
}

func childCollectionURL(key string) string {
	return fileURL(key) + filesURL
}

// AddFile creates a file. With a parent the caller needs writer there and
// the new file inherits the parent chain; without one the caller becomes
// the owner of a new root.
func (g *Gateway) AddFile(ctx context.Context, f *file.File, parentKey string) (*file.File, error) {
	u, err := g.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := keys.Validate(f.Key); err != nil {
		return nil, err
	}
	if parentKey != "" {
		if _, err := g.fileAccess.CheckAccess(ctx, permission.RoleWriter, parentKey, u); err != nil {
			return nil, err
		}
		parent, err := g.files.Read(ctx, parentKey, false)
		if err != nil {
			return nil, err
		}
		f.Parents = append(append([]string{}, parent.Parents...), parent.Key)
	} else {
		f.Parents = []string{}
	}
	f.Owner = u.Key
	f.LastModified = file.LastModified{User: u.Key, Time: time.Now().UnixMilli()}

	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	mu := g.lockKey(f.Key)
	mu.Lock()
	defer mu.Unlock()

	added, err := g.files.Add(ctx, f)
	if err != nil {
		return nil, err
	}
	g.publish(ctx, events.New(events.OpCreated, added.Kind, added.Key, mustJSON(added)), g.memberFilter(ctx, filesURL, added))
	return added, nil
}

// AddFilesBulk creates several files under one parent in a single call.
// Validation runs before the first write; creation is sequential and a
// failure mid-way leaves the already created files in place.
func (g *Gateway) AddFilesBulk(ctx context.Context, fs []*file.File, parentKey string) ([]*file.File, error) {
	if len(fs) == 0 {
		return nil, errtypes.BadRequest("empty bulk request")
	}
	for _, f := range fs {
		if err := keys.Validate(f.Key); err != nil {
			return nil, err
		}
	}
	added := make([]*file.File, 0, len(fs))
	for _, f := range fs {
		a, err := g.AddFile(ctx, f, parentKey)
		if err != nil {
			return nil, err
		}
		added = append(added, a)
	}
	return added, nil
}

// ReadFile returns the file metadata.
func (g *Gateway) ReadFile(ctx context.Context, key string) (*file.File, error) {
	u := g.currentUser(ctx)
	if _, err := g.fileAccess.CheckAccess(ctx, permission.RoleReader, key, u); err != nil {
		return nil, err
	}
	return g.files.Read(ctx, key, false)
}

// ReadMedia returns the file content.
func (g *Gateway) ReadMedia(ctx context.Context, key string) (*media.Media, error) {
	u := g.currentUser(ctx)
	if _, err := g.fileAccess.CheckAccess(ctx, permission.RoleReader, key, u); err != nil {
		return nil, err
	}
	return g.media.Read(ctx, key, false)
}

// SetMedia writes the file content. With allowOverwrite false an existing
// record is not replaced.
func (g *Gateway) SetMedia(ctx context.Context, key string, value json.RawMessage, mime string, allowOverwrite bool) error {
	u := g.currentUser(ctx)
	if _, err := g.fileAccess.CheckAccess(ctx, permission.RoleWriter, key, u); err != nil {
		return err
	}
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	mu := g.lockKey(key)
	mu.Lock()
	defer mu.Unlock()

	if err := g.media.Set(ctx, key, value, mime, allowOverwrite); err != nil {
		return err
	}
	g.publish(ctx, events.New(events.OpUpdated, "", key, nil), notify.Filter{URL: mediaURL(key)})
	return nil
}

// ListFiles pages through the files visible to the caller.
func (g *Gateway) ListFiles(ctx context.Context, opts cursor.Options, kinds []string, parent string, since int64) ([]*file.File, string, error) {
	u, err := g.requireUser(ctx)
	if err != nil {
		return nil, "", err
	}
	return g.files.List(ctx, opts, file.ListFilter{
		User:   u.Key,
		Kinds:  kinds,
		Parent: parent,
		Since:  since,
	})
}

// PatchFile applies a metadata patch.
func (g *Gateway) PatchFile(ctx context.Context, key string, info *jsonpatch.Info) (*file.File, error) {
	u := g.currentUser(ctx)
	if _, err := g.fileAccess.CheckAccess(ctx, permission.RoleWriter, key, u); err != nil {
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
	patched, _, err := g.files.ApplyPatch(ctx, key, info.Patch, actor, time.Now())
	if err != nil {
		return nil, err
	}
	g.publish(ctx, events.New(events.OpPatch, patched.Kind, patched.Key, mustJSON(info.Patch)), notify.Filter{URL: fileURL(key)})
	return patched, nil
}

// PatchMedia applies a content patch and appends a revision. A revision
// is always written for a successful content patch.
func (g *Gateway) PatchMedia(ctx context.Context, key string, info *jsonpatch.Info) (*media.Media, error) {
	u := g.currentUser(ctx)
	if _, err := g.fileAccess.CheckAccess(ctx, permission.RoleWriter, key, u); err != nil {
		return nil, err
	}
	if err := jsonpatch.Validate(info); err != nil {
		return nil, err
	}
	f, err := g.files.Read(ctx, key, false)
	if err != nil {
		return nil, err
	}
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	mu := g.lockKey(key)
	mu.Lock()
	defer mu.Unlock()

	m, revert, err := g.media.ApplyPatch(ctx, key, info.Patch)
	if err != nil {
		return nil, err
	}
	rev, err := g.revs.Add(ctx, f.Kind, key, info.Patch, revert)
	if err != nil {
		return nil, err
	}
	g.publish(ctx, events.New(events.OpCreated, "Revision", rev.ID, mustJSON(rev)), notify.Filter{URL: fileURL(key) + "/revisions"})
	g.publish(ctx, events.New(events.OpPatch, f.Kind, key, mustJSON(info.Patch)), notify.Filter{URL: mediaURL(key)})
	return m, nil
}

// DeleteFile soft-deletes a file: the metadata and media records are
// flagged, a bin entry is written, the reverse share links are dropped
// and every channel watching the item or its child collection is closed.
func (g *Gateway) DeleteFile(ctx context.Context, key string) error {
	u := g.currentUser(ctx)
	if _, err := g.fileAccess.CheckAccess(ctx, permission.RoleWriter, key, u); err != nil {
		return err
	}
	if err := checkCancelled(ctx); err != nil {
		return err
	}
	mu := g.lockKey(key)
	mu.Lock()
	defer mu.Unlock()

	descendants, err := g.files.ListDescendants(ctx, key)
	if err != nil {
		return err
	}
	actor := user.DefaultKey
	if u != nil {
		actor = u.Key
	}
	if err := g.deleteFileRecord(ctx, key, actor); err != nil {
		return err
	}
	for _, d := range descendants {
		if err := g.deleteFileRecord(ctx, d.Key, actor); err != nil {
			return err
		}
	}
	return nil
}

// deleteFileRecord soft-deletes one node of the tree and runs the
// cascades: bin entry, share links, media flag, events, channel close.
func (g *Gateway) deleteFileRecord(ctx context.Context, key, actor string) error {
	f, err := g.files.SetDeleted(ctx, key, true)
	if err != nil {
		return err
	}
	if err := g.bin.Mark(ctx, f.Kind, key, actor); err != nil {
		return err
	}
	if err := g.shares.RemoveAll(ctx, key); err != nil {
		return err
	}
	if err := g.media.SetDeleted(ctx, key, true); err != nil {
		return err
	}

	e := events.New(events.OpDeleted, f.Kind, key, nil)
	g.publish(ctx, e, notify.Filter{URL: filesURL})
	g.publish(ctx, e, notify.Filter{URL: fileURL(key)})
	g.publish(ctx, e, notify.Filter{URL: mediaURL(key)})
	g.bus.CloseByURL(fileURL(key))
	g.bus.CloseByURL(childCollectionURL(key))
	return nil
}

// ListRevisions pages through the content revisions of a file, newest
// first. Only the media representation has revisions.
func (g *Gateway) ListRevisions(ctx context.Context, key string, alt Alt, opts cursor.Options) ([]*revisions.Revision, string, error) {
	if alt != AltMedia {
		return nil, "", errtypes.BadRequest("revisions exist for alt=media only")
	}
	u := g.currentUser(ctx)
	if _, err := g.fileAccess.CheckAccess(ctx, permission.RoleReader, key, u); err != nil {
		return nil, "", err
	}
	f, err := g.files.Read(ctx, key, false)
	if err != nil {
		return nil, "", err
	}
	return g.revs.List(ctx, f.Kind, key, opts)
}

// publish sends an event, logging instead of failing the operation when
// the bus refuses it.
func (g *Gateway) publish(ctx context.Context, e *events.Event, f notify.Filter) {
	if err := g.bus.Notify(e, f); err != nil {
		log := appctx.GetLogger(ctx)
		log.Error().Err(err).Str("operation", string(e.Operation)).Str("id", e.ID).Msg("error publishing event")
	}
}

// memberFilter restricts a collection event to the users that can see the
// resource: the owner plus every user-type grantee along the parent
// chain. In single-user mode the URL alone filters.
func (g *Gateway) memberFilter(ctx context.Context, url string, f *file.File) notify.Filter {
	if g.conf.SingleUser {
		return notify.Filter{URL: url}
	}
	seen := map[string]bool{f.Owner: true}
	ids := []string{f.Owner}
	chain := append([]string{f.Key}, f.Parents...)
	for _, key := range chain {
		node, err := g.files.Read(ctx, key, true)
		if err != nil {
			continue
		}
		if !seen[node.Owner] {
			seen[node.Owner] = true
			ids = append(ids, node.Owner)
		}
		for _, p := range node.Permissions {
			if p.Type == permission.TypeUser && !seen[p.Owner] {
				seen[p.Owner] = true
				ids = append(ids, p.Owner)
			}
		}
	}
	return notify.Filter{URL: url, Users: ids}
}

// mustJSON marshals event payloads. The payload types marshal by
// construction; a failure would be a programming error.
func mustJSON(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return raw
}
