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

package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/apiwork/netstore/pkg/appdata"
	"github.com/apiwork/netstore/pkg/cursor"
	"github.com/apiwork/netstore/pkg/errtypes"
	"github.com/apiwork/netstore/pkg/events"
	"github.com/apiwork/netstore/pkg/file"
	"github.com/apiwork/netstore/pkg/gateway"
	"github.com/apiwork/netstore/pkg/history"
	"github.com/apiwork/netstore/pkg/jsonpatch"
	"github.com/apiwork/netstore/pkg/kv"
	"github.com/apiwork/netstore/pkg/kv/memory"
	"github.com/apiwork/netstore/pkg/notify"
	"github.com/apiwork/netstore/pkg/permission"
	"github.com/apiwork/netstore/pkg/shared"
	"github.com/apiwork/netstore/pkg/user"
)

// recorder captures what the gateway publishes instead of delivering it.
type recorder struct {
	mu     sync.Mutex
	events []recorded
	closed []string
}

type recorded struct {
	event  *events.Event
	filter notify.Filter
}

func (r *recorder) Notify(e *events.Event, f notify.Filter) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, recorded{event: e, filter: f})
	return nil
}

func (r *recorder) CloseByURL(url string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = append(r.closed, url)
}

func (r *recorder) byOperation(op events.Operation) []recorded {
	r.mu.Lock()
	defer r.mu.Unlock()
	var matched []recorded
	for _, rec := range r.events {
		if rec.event.Operation == op {
			matched = append(matched, rec)
		}
	}
	return matched
}

func (r *recorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
	r.closed = nil
}

func patchInfo(p jsonpatch.Patch) *jsonpatch.Info {
	return &jsonpatch.Info{App: "api-client", AppVersion: "1.0.0", ID: "op-1", Patch: p}
}

func permissionRole(s string) permission.Role {
	return permission.Role(s)
}

var _ = Describe("Gateway", func() {
	var (
		g     *gateway.Gateway
		bus   *recorder
		store kv.Store
		ctx1  context.Context
		ctx2  context.Context
	)

	BeforeEach(func() {
		var err error
		store, err = memory.New(nil)
		Expect(err).ToNot(HaveOccurred())
		bus = &recorder{}
		g = gateway.NewWithStore(&gateway.Config{Driver: "memory"}, store, bus)
		DeferCleanup(g.Close)

		ctx1 = user.ContextSetUser(context.Background(), &user.User{Key: "u1", Name: "User One"})
		ctx2 = user.ContextSetUser(context.Background(), &user.User{Key: "u2", Name: "User Two"})

		// register both users so access grants can resolve them
		_, err = g.Me(ctx1)
		Expect(err).ToNot(HaveOccurred())
		_, err = g.Me(ctx2)
		Expect(err).ToNot(HaveOccurred())
		bus.reset()
	})

	addFile := func(ctx context.Context, key, parent string) *file.File {
		f, err := g.AddFile(ctx, &file.File{
			Key:  key,
			Kind: file.KindWorkspace,
			Info: file.Info{Name: key},
		}, parent)
		Expect(err).ToNot(HaveOccurred())
		return f
	}

	grant := func(ctx context.Context, key, uid, role string) {
		_, err := g.PatchAccess(ctx, key, []gateway.AccessOp{{
			Action: "add",
			Type:   "user",
			ID:     uid,
			Value:  permissionRole(role),
		}})
		Expect(err).ToNot(HaveOccurred())
	}

	Describe("creating and sharing a workspace", func() {
		It("lets the grantee read but not write", func() {
			added := addFile(ctx1, "s1", "")
			Expect(added.Owner).To(Equal("u1"))
			Expect(added.Parents).To(BeEmpty())

			created := bus.byOperation(events.OpCreated)
			Expect(created).To(HaveLen(1))
			Expect(created[0].event.Kind).To(Equal(file.KindWorkspace))
			Expect(created[0].event.ID).To(Equal("s1"))
			Expect(created[0].filter.URL).To(Equal("/files"))

			// before the grant the workspace does not exist for u2
			_, err := g.ReadFile(ctx2, "s1")
			Expect(errtypes.StatusCode(err)).To(Equal(404))

			grant(ctx1, "s1", "u2", "reader")

			granted := bus.byOperation(events.OpAccessGranted)
			Expect(granted).To(HaveLen(1))
			Expect(granted[0].filter.Users).To(Equal([]string{"u2"}))

			f, err := g.ReadFile(ctx2, "s1")
			Expect(err).ToNot(HaveOccurred())
			Expect(f.Key).To(Equal("s1"))

			// readers cannot patch
			p := jsonpatch.Patch{{Op: "replace", Path: "/info/name", Value: json.RawMessage(`"x"`)}}
			_, err = g.PatchFile(ctx2, "s1", patchInfo(p))
			Expect(errtypes.StatusCode(err)).To(Equal(403))

			// the shared workspace shows up in the grantee's listing
			fs, _, err := g.ListFiles(ctx2, cursor.Options{}, nil, "", 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(fs).To(HaveLen(1))
			Expect(fs[0].Key).To(Equal("s1"))
		})

		It("converges when the same grant is replayed", func() {
			addFile(ctx1, "s1", "")
			grant(ctx1, "s1", "u2", "reader")
			grant(ctx1, "s1", "u2", "writer")

			ps, err := g.ReadFileUsers(ctx1, "s1")
			Expect(err).ToNot(HaveOccurred())
			Expect(ps).To(HaveLen(1), "re-adding updates in place")
			Expect(string(ps[0].Role)).To(Equal("writer"))

			// removing an absent grant is a no-op
			ps, err = g.PatchAccess(ctx1, "s1", []gateway.AccessOp{
				{Action: "remove", Type: "user", ID: "u2"},
				{Action: "remove", Type: "user", ID: "u2"},
			})
			Expect(err).ToNot(HaveOccurred())
			Expect(ps).To(BeEmpty())

			_, err = g.ReadFile(ctx2, "s1")
			Expect(errtypes.StatusCode(err)).To(Equal(404))
		})

		It("refuses grants to unknown users", func() {
			addFile(ctx1, "s1", "")
			_, err := g.PatchAccess(ctx1, "s1", []gateway.AccessOp{{
				Action: "add", Type: "user", ID: "nobody", Value: permissionRole("reader"),
			}})
			Expect(errtypes.StatusCode(err)).To(Equal(400))
			Expect(err.Error()).To(ContainSubstring("nobody"))
		})
	})

	Describe("inherited access", func() {
		It("links shared items to the nearest ancestor the grantee can reach", func() {
			addFile(ctx1, "s1", "")
			addFile(ctx1, "s2", "s1")
			addFile(ctx1, "p1", "s2")

			shares := shared.New(store.Sub(kv.PartitionShared))

			// the grantee sees no ancestor yet, so the item is a root of
			// their shared tree
			grant(ctx1, "p1", "u2", "reader")
			links, err := shares.ListForUser(context.Background(), "u2")
			Expect(err).ToNot(HaveOccurred())
			Expect(links).To(HaveLen(1))
			Expect(links[0].Parent).To(BeEmpty())

			// once the root workspace is shared too, regranting records the
			// nearest ancestor the grantee can read
			grant(ctx1, "s1", "u2", "reader")
			grant(ctx1, "p1", "u2", "reader")
			links, err = shares.ListForUser(context.Background(), "u2")
			Expect(err).ToNot(HaveOccurred())
			for _, l := range links {
				if l.ID == "p1" {
					Expect(l.Parent).To(Equal("s2"))
				}
			}
		})

		It("reaches nested files through the parent chain", func() {
			addFile(ctx1, "s1", "")
			addFile(ctx1, "s2", "s1")
			p1 := addFile(ctx1, "p1", "s2")
			Expect(p1.Parents).To(Equal([]string{"s1", "s2"}))

			grant(ctx1, "s1", "u2", "writer")

			f, err := g.ReadFile(ctx2, "p1")
			Expect(err).ToNot(HaveOccurred())
			Expect(f.Key).To(Equal("p1"))

			// writers create children anywhere below the grant
			child, err := g.AddFile(ctx2, &file.File{
				Key: "p2", Kind: file.KindWorkspace, Info: file.Info{Name: "p2"},
			}, "s2")
			Expect(err).ToNot(HaveOccurred())
			Expect(child.Owner).To(Equal("u2"))
			Expect(child.Parents).To(Equal([]string{"s1", "s2"}))
		})
	})

	Describe("content patches and revisions", func() {
		BeforeEach(func() {
			addFile(ctx1, "p1", "")
			Expect(g.SetMedia(ctx1, "p1", json.RawMessage(`{"info":{"name":"v1"}}`), "application/json", true)).To(Succeed())
			bus.reset()
		})

		It("appends a revision per content patch and the revert restores", func() {
			p := jsonpatch.Patch{{Op: "replace", Path: "/info/name", Value: json.RawMessage(`"v2"`)}}
			m, err := g.PatchMedia(ctx1, "p1", patchInfo(p))
			Expect(err).ToNot(HaveOccurred())
			Expect(string(m.Value)).To(MatchJSON(`{"info":{"name":"v2"}}`))

			revs, _, err := g.ListRevisions(ctx1, "p1", gateway.AltMedia, cursor.Options{})
			Expect(err).ToNot(HaveOccurred())
			Expect(revs).To(HaveLen(1))
			Expect(revs[0].Patch).To(Equal(p))

			// the stored revert patch undoes the change
			restored, _, err := jsonpatch.Apply(m.Value, revs[0].Revert)
			Expect(err).ToNot(HaveOccurred())
			Expect(string(restored)).To(MatchJSON(`{"info":{"name":"v1"}}`))

			// a revision-created event and a patch event went out
			Expect(bus.byOperation(events.OpCreated)).To(HaveLen(1))
			Expect(bus.byOperation(events.OpPatch)).To(HaveLen(1))
		})

		It("lists revisions newest first", func() {
			for i := 2; i <= 4; i++ {
				p := jsonpatch.Patch{{Op: "replace", Path: "/info/name", Value: json.RawMessage(fmt.Sprintf(`"v%d"`, i))}}
				_, err := g.PatchMedia(ctx1, "p1", patchInfo(p))
				Expect(err).ToNot(HaveOccurred())
			}
			revs, _, err := g.ListRevisions(ctx1, "p1", gateway.AltMedia, cursor.Options{})
			Expect(err).ToNot(HaveOccurred())
			Expect(revs).To(HaveLen(3))
			Expect(revs[0].Created).To(BeNumerically(">", revs[1].Created))
			Expect(revs[1].Created).To(BeNumerically(">", revs[2].Created))
		})

		It("rejects revision listings of the metadata representation", func() {
			_, _, err := g.ListRevisions(ctx1, "p1", gateway.AltMeta, cursor.Options{})
			Expect(errtypes.StatusCode(err)).To(Equal(400))
		})

		It("guards server-managed metadata paths", func() {
			p := jsonpatch.Patch{{Op: "replace", Path: "/key", Value: json.RawMessage(`"sneaky"`)}}
			_, err := g.PatchFile(ctx1, "p1", patchInfo(p))
			Expect(errtypes.StatusCode(err)).To(Equal(400))
		})
	})

	Describe("deleting a file", func() {
		BeforeEach(func() {
			addFile(ctx1, "s1", "")
			addFile(ctx1, "s2", "s1")
			addFile(ctx1, "p1", "s2")
			Expect(g.SetMedia(ctx1, "p1", json.RawMessage(`{}`), "application/json", true)).To(Succeed())
			grant(ctx1, "p1", "u2", "reader")
			bus.reset()
		})

		It("cascades to descendants, media, shares and channels", func() {
			Expect(g.DeleteFile(ctx1, "s2")).To(Succeed())

			// the subtree is gone
			for _, key := range []string{"s2", "p1"} {
				_, err := g.ReadFile(ctx1, key)
				Expect(errtypes.StatusCode(err)).To(Equal(404), key)
			}
			_, err := g.ReadMedia(ctx1, "p1")
			Expect(errtypes.StatusCode(err)).To(Equal(404))

			// the share link no longer surfaces p1 for u2
			fs, _, err := g.ListFiles(ctx2, cursor.Options{}, nil, "", 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(fs).To(BeEmpty())

			// deleted events for both nodes, channels closed
			deleted := bus.byOperation(events.OpDeleted)
			Expect(deleted).To(HaveLen(6), "collection, item and media event per node")
			var urls []string
			for _, rec := range deleted {
				urls = append(urls, rec.filter.URL)
			}
			Expect(urls).To(ContainElement("/files/p1?alt=media"), "media watchers learn of the deletion")
			Expect(bus.closed).To(ContainElements(
				"/files/s2", "/files/s2/files", "/files/p1", "/files/p1/files",
			))

			// the parent survives
			_, err = g.ReadFile(ctx1, "s1")
			Expect(err).ToNot(HaveOccurred())
		})
	})

	Describe("app-scoped records", func() {
		It("isolates records per application and user", func() {
			_, err := g.CreateAppRecord(ctx1, gateway.AppProjects, "app1", "r1", json.RawMessage(`{"info":{"name":"alpha"}}`))
			Expect(err).ToNot(HaveOccurred())

			created := bus.byOperation(events.OpCreated)
			Expect(created).To(HaveLen(1))
			Expect(created[0].event.Kind).To(Equal("AppProject"))

			_, err = g.ReadAppRecord(ctx1, gateway.AppProjects, "app1", "r1")
			Expect(err).ToNot(HaveOccurred())

			// other app, other user, other family: all invisible
			_, err = g.ReadAppRecord(ctx1, gateway.AppProjects, "app2", "r1")
			Expect(errtypes.StatusCode(err)).To(Equal(404))
			_, err = g.ReadAppRecord(ctx2, gateway.AppProjects, "app1", "r1")
			Expect(errtypes.StatusCode(err)).To(Equal(404))
			_, err = g.ReadAppRecord(ctx1, gateway.AppRequests, "app1", "r1")
			Expect(errtypes.StatusCode(err)).To(Equal(404))

			// search stays inside the scope too
			recs, err := g.QueryAppProjects(ctx1, "app1", "alpha", 10)
			Expect(err).ToNot(HaveOccurred())
			Expect(recs).To(HaveLen(1))
			recs, err = g.QueryAppProjects(ctx2, "app1", "alpha", 10)
			Expect(err).ToNot(HaveOccurred())
			Expect(recs).To(BeEmpty())
		})

		It("round-trips delete and undelete in batches", func() {
			items := []appdata.BatchItem{
				{Key: "r1", Data: json.RawMessage(`{}`)},
				{Key: "r2", Data: json.RawMessage(`{}`)},
			}
			_, err := g.CreateAppRecordsBatch(ctx1, gateway.AppRequests, "app1", items)
			Expect(err).ToNot(HaveOccurred())

			deleted, err := g.DeleteAppRecordsBatch(ctx1, gateway.AppRequests, "app1", []string{"r1", "ghost"})
			Expect(err).ToNot(HaveOccurred())
			Expect(deleted).To(Equal([]string{"r1"}))
			delEvents := bus.byOperation(events.OpDeleted)
			Expect(delEvents).To(HaveLen(1))
			Expect(delEvents[0].event.Kind).To(Equal("AppRequest"))

			recs, _, err := g.ListAppRecords(ctx1, gateway.AppRequests, "app1", cursor.Options{})
			Expect(err).ToNot(HaveOccurred())
			Expect(recs).To(HaveLen(1))

			restored, err := g.UndeleteAppRecordsBatch(ctx1, gateway.AppRequests, "app1", []string{"r1"})
			Expect(err).ToNot(HaveOccurred())
			Expect(restored).To(Equal([]string{"r1"}))

			recs, _, err = g.ListAppRecords(ctx1, gateway.AppRequests, "app1", cursor.Options{})
			Expect(err).ToNot(HaveOccurred())
			Expect(recs).To(HaveLen(2))
		})
	})

	Describe("pagination", func() {
		It("pages 40 files as 35, 5 and then a stable empty page", func() {
			for i := 0; i < 40; i++ {
				addFile(ctx1, fmt.Sprintf("file%02d", i), "")
			}

			page1, next, err := g.ListFiles(ctx1, cursor.Options{}, nil, "", 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(page1).To(HaveLen(35))
			Expect(next).ToNot(BeEmpty())

			page2, next2, err := g.ListFiles(ctx1, cursor.Options{Cursor: next}, nil, "", 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(page2).To(HaveLen(5))

			page3, next3, err := g.ListFiles(ctx1, cursor.Options{Cursor: next2}, nil, "", 0)
			Expect(err).ToNot(HaveOccurred())
			Expect(page3).To(BeEmpty())
			Expect(next3).To(Equal(next2), "end of list is a fixed point")

			// no duplicates across pages
			seen := map[string]bool{}
			for _, f := range append(page1, page2...) {
				Expect(seen[f.Key]).To(BeFalse(), f.Key)
				seen[f.Key] = true
			}
			Expect(seen).To(HaveLen(40))
		})
	})

	Describe("unauthenticated callers", func() {
		It("refuses operations that need a user", func() {
			anon := context.Background()
			_, err := g.AddFile(anon, &file.File{Key: "x", Kind: "Workspace", Info: file.Info{Name: "x"}}, "")
			Expect(errtypes.StatusCode(err)).To(Equal(401))
			_, _, err = g.ListFiles(anon, cursor.Options{}, nil, "", 0)
			Expect(errtypes.StatusCode(err)).To(Equal(401))
		})

		It("acts as the default user in single-user mode", func() {
			store, err := memory.New(nil)
			Expect(err).ToNot(HaveOccurred())
			su := gateway.NewWithStore(&gateway.Config{Driver: "memory", SingleUser: true}, store, &recorder{})
			DeferCleanup(su.Close)

			anon := context.Background()
			f, err := su.AddFile(anon, &file.File{Key: "x", Kind: "Workspace", Info: file.Info{Name: "x"}}, "")
			Expect(err).ToNot(HaveOccurred())
			Expect(f.Owner).To(Equal(user.DefaultKey))

			got, err := su.ReadFile(anon, "x")
			Expect(err).ToNot(HaveOccurred())
			Expect(got.Key).To(Equal("x"))
		})
	})

	Describe("cancelled requests", func() {
		It("stops before the first write", func() {
			cancelled, cancel := context.WithCancel(ctx1)
			cancel()
			_, err := g.AddFile(cancelled, &file.File{Key: "x", Kind: "Workspace", Info: file.Info{Name: "x"}}, "")
			Expect(errtypes.StatusCode(err)).To(Equal(499))

			_, err = g.ReadFile(ctx1, "x")
			Expect(errtypes.StatusCode(err)).To(Equal(404), "nothing was written")
		})
	})

	Describe("legacy spaces and projects", func() {
		BeforeEach(func() {
			_, err := g.AddSpace(ctx1, &file.File{Key: "s1", Info: file.Info{Name: "s1"}})
			Expect(err).ToNot(HaveOccurred())
			bus.reset()
		})

		It("keeps the project index in sync with patched contents", func() {
			_, err := g.CreateProject(ctx1, "s1", "p1", "old", json.RawMessage(`{"info":{"name":"old"}}`))
			Expect(err).ToNot(HaveOccurred())

			p := jsonpatch.Patch{{Op: "replace", Path: "/info/name", Value: json.RawMessage(`"new"`)}}
			_, err = g.PatchProject(ctx1, "s1", "p1", patchInfo(p))
			Expect(err).ToNot(HaveOccurred())

			entries, _, err := g.ListProjects(ctx1, "s1", cursor.Options{})
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(HaveLen(1))
			Expect(entries[0].Name).To(Equal("new"))

			revs, _, err := g.ListProjectRevisions(ctx1, "s1", "p1", cursor.Options{})
			Expect(err).ToNot(HaveOccurred())
			Expect(revs).To(HaveLen(1))
		})

		It("hides deleted projects behind the bin", func() {
			_, err := g.CreateProject(ctx1, "s1", "p1", "proj", json.RawMessage(`{}`))
			Expect(err).ToNot(HaveOccurred())

			Expect(g.DeleteProject(ctx1, "s1", "p1")).To(Succeed())
			_, err = g.ReadProject(ctx1, "s1", "p1")
			Expect(errtypes.StatusCode(err)).To(Equal(404))
			Expect(bus.closed).To(ContainElement("/spaces/s1/projects/p1"))
		})

		It("closes space channels on space deletion", func() {
			Expect(g.DeleteSpace(ctx1, "s1")).To(Succeed())
			Expect(bus.closed).To(ContainElements("/spaces/s1", "/spaces/s1/projects"))
			_, err := g.ReadSpace(ctx1, "s1")
			Expect(errtypes.StatusCode(err)).To(Equal(404))
		})
	})

	Describe("history traces", func() {
		It("scopes reads to the owner and space readers", func() {
			_, err := g.AddSpace(ctx1, &file.File{Key: "hs1", Info: file.Info{Name: "hs1"}})
			Expect(err).ToNot(HaveOccurred())

			log, _ := json.Marshal(map[string]interface{}{
				"request": map[string]interface{}{"url": "https://api.example.org/v1/orders"},
			})
			e, err := g.AddHistory(ctx1, &history.Entry{Log: log, Space: "hs1"})
			Expect(err).ToNot(HaveOccurred())
			encoded := history.EncodeKey(e.Key)

			_, err = g.ReadHistory(ctx2, encoded)
			Expect(errtypes.StatusCode(err)).To(Equal(404))

			// space readers see space-tagged traces
			_, err = g.PatchSpaceAccess(ctx1, "hs1", []gateway.AccessOp{{
				Action: "add", Type: "user", ID: "u2", Value: permissionRole("reader"),
			}})
			Expect(err).ToNot(HaveOccurred())
			_, err = g.ReadHistory(ctx2, encoded)
			Expect(err).ToNot(HaveOccurred())

			// the query scans the caller's own traces
			entries, _, err := g.QueryHistory(ctx1, history.ListOptions{Type: history.TypeUser}, "orders")
			Expect(err).ToNot(HaveOccurred())
			Expect(entries).To(HaveLen(1))

			// only the owner may delete
			Expect(errtypes.StatusCode(g.DeleteHistory(ctx2, encoded))).To(Equal(404))
			Expect(g.DeleteHistory(ctx1, encoded)).To(Succeed())
			_, err = g.ReadHistory(ctx1, encoded)
			Expect(errtypes.StatusCode(err)).To(Equal(404))
		})
	})
})
