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

	"github.com/apiwork/netstore/pkg/appdata"
	"github.com/apiwork/netstore/pkg/cursor"
	"github.com/apiwork/netstore/pkg/events"
	"github.com/apiwork/netstore/pkg/jsonpatch"
	"github.com/apiwork/netstore/pkg/notify"
)

// AppFamily selects the record family of an app-scoped operation.
type AppFamily int

// The app record families.
const (
	AppProjects AppFamily = iota
	AppRequests
)

func (g *Gateway) appStore(family AppFamily) *appdata.Store {
	if family == AppRequests {
		return g.appRequests
	}
	return g.appProjects
}

// kind returns the schema tag carried by events of the family.
func (f AppFamily) kind() string {
	if f == AppRequests {
		return "AppRequest"
	}
	return "AppProject"
}

func appCollectionURL(appID string, family AppFamily) string {
	if family == AppRequests {
		return "/app/" + appID + "/requests"
	}
	return "/app/" + appID + "/projects"
}

// CreateAppRecord creates one record in the caller's (app, user) scope.
func (g *Gateway) CreateAppRecord(ctx context.Context, family AppFamily, appID, key string, data json.RawMessage) (*appdata.Record, error) {
	records, err := g.CreateAppRecordsBatch(ctx, family, appID, []appdata.BatchItem{{Key: key, Data: data}})
	if err != nil {
		return nil, err
	}
	return records[0], nil
}

// CreateAppRecordsBatch creates several records in one write.
func (g *Gateway) CreateAppRecordsBatch(ctx context.Context, family AppFamily, appID string, items []appdata.BatchItem) ([]*appdata.Record, error) {
	u, err := g.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	records, err := g.appStore(family).CreateBatch(ctx, appID, u.Key, items)
	if err != nil {
		return nil, err
	}
	for _, rec := range records {
		g.publish(ctx, events.New(events.OpCreated, family.kind(), rec.Key, mustJSON(rec)),
			notify.Filter{URL: appCollectionURL(appID, family), Users: singleUserFilter(g, u)})
	}
	return records, nil
}

// ReadAppRecord returns one record of the caller's scope.
func (g *Gateway) ReadAppRecord(ctx context.Context, family AppFamily, appID, key string) (*appdata.Record, error) {
	u, err := g.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	return g.appStore(family).Read(ctx, appID, u.Key, key, false)
}

// ReadAppRecordsBatch returns the records for keys preserving input
// order, with nil at missing or deleted positions.
func (g *Gateway) ReadAppRecordsBatch(ctx context.Context, family AppFamily, appID string, recordKeys []string, includeDeleted bool) ([]*appdata.Record, error) {
	u, err := g.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	return g.appStore(family).ReadBatch(ctx, appID, u.Key, recordKeys, includeDeleted)
}

// ListAppRecords pages through the caller's scope, most recent keys
// first.
func (g *Gateway) ListAppRecords(ctx context.Context, family AppFamily, appID string, opts cursor.Options) ([]*appdata.Record, string, error) {
	u, err := g.requireUser(ctx)
	if err != nil {
		return nil, "", err
	}
	return g.appStore(family).List(ctx, appID, u.Key, opts)
}

// PatchAppRecord applies a JSON patch to one record.
func (g *Gateway) PatchAppRecord(ctx context.Context, family AppFamily, appID, key string, info *jsonpatch.Info) (*appdata.Record, error) {
	u, err := g.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := jsonpatch.Validate(info); err != nil {
		return nil, err
	}
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	rec, _, err := g.appStore(family).Patch(ctx, appID, u.Key, key, info.Patch)
	if err != nil {
		return nil, err
	}
	g.publish(ctx, events.New(events.OpPatch, family.kind(), key, mustJSON(info.Patch)),
		notify.Filter{URL: appCollectionURL(appID, family) + "/" + key, Users: singleUserFilter(g, u)})
	return rec, nil
}

// DeleteAppRecordsBatch soft-deletes records of the caller's scope.
// Missing keys are skipped.
func (g *Gateway) DeleteAppRecordsBatch(ctx context.Context, family AppFamily, appID string, recordKeys []string) ([]string, error) {
	u, err := g.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	deleted, err := g.appStore(family).DeleteBatch(ctx, appID, u.Key, recordKeys)
	if err != nil {
		return nil, err
	}
	for _, k := range deleted {
		g.publish(ctx, events.New(events.OpDeleted, family.kind(), k, nil),
			notify.Filter{URL: appCollectionURL(appID, family), Users: singleUserFilter(g, u)})
	}
	return deleted, nil
}

// UndeleteAppRecordsBatch restores soft-deleted records. Missing keys are
// skipped.
func (g *Gateway) UndeleteAppRecordsBatch(ctx context.Context, family AppFamily, appID string, recordKeys []string) ([]string, error) {
	u, err := g.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	if err := checkCancelled(ctx); err != nil {
		return nil, err
	}
	restored, err := g.appStore(family).UndeleteBatch(ctx, appID, u.Key, recordKeys)
	if err != nil {
		return nil, err
	}
	for _, k := range restored {
		g.publish(ctx, events.New(events.OpUpdated, family.kind(), k, nil),
			notify.Filter{URL: appCollectionURL(appID, family), Users: singleUserFilter(g, u)})
	}
	return restored, nil
}

// QueryAppProjects searches the full-text index of the caller's project
// scope.
func (g *Gateway) QueryAppProjects(ctx context.Context, appID, query string, limit int) ([]*appdata.Record, error) {
	u, err := g.requireUser(ctx)
	if err != nil {
		return nil, err
	}
	return g.appProjects.Query(ctx, appID, u.Key, query, limit)
}
