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

// Package keys builds the canonical storage keys for every entity family.
// The tilde is the reserved separator; key components must never contain it
// so that a prefix ending in a tilde bounds the range of all keys built
// from it.
package keys

import (
	"strconv"
	"strings"
	"time"

	"github.com/apiwork/netstore/pkg/errtypes"
)

// Separator joins key components. It sorts after every URL-safe component
// character, which is what makes PrefixRange work.
const Separator = "~"

// isoMillis is the fixed-width UTC layout used for time-prefixed keys.
// Variable-width layouts would break byte ordering.
const isoMillis = "2006-01-02T15:04:05.000Z"

// Validate fails with BadRequest when any component is empty or contains
// the reserved separator.
func Validate(components ...string) error {
	for _, c := range components {
		if c == "" {
			return errtypes.BadRequest("empty key component")
		}
		if strings.Contains(c, Separator) {
			return errtypes.BadRequest("key component contains reserved character: " + c)
		}
	}
	return nil
}

// FormatTime renders t for use inside a time-prefixed key.
func FormatTime(t time.Time) string {
	return t.UTC().Format(isoMillis)
}

// ParseTime is the inverse of FormatTime.
func ParseTime(s string) (time.Time, error) {
	t, err := time.Parse(isoMillis, s)
	if err != nil {
		return time.Time{}, errtypes.BadRequest("invalid time component: " + s)
	}
	return t, nil
}

// LegacyProject is the nested key of a project stored under a space:
// ~<spaceKey>~<projectKey>~
func LegacyProject(spaceKey, projectKey string) string {
	return Separator + spaceKey + Separator + projectKey + Separator
}

// LegacySpacePrefix bounds all projects stored under a space.
func LegacySpacePrefix(spaceKey string) string {
	return Separator + spaceKey + Separator
}

// AppProject scopes a project record to an application and a user:
// ~app~<appID>~user~<userKey>~project~<projectKey>
func AppProject(appID, userKey, projectKey string) string {
	return AppProjectsPrefix(appID, userKey) + projectKey
}

// AppProjectsPrefix bounds all project records of an (app, user) scope.
func AppProjectsPrefix(appID, userKey string) string {
	return Separator + "app" + Separator + appID + Separator + "user" + Separator + userKey + Separator + "project" + Separator
}

// AppRequest scopes a request record to an application and a user.
func AppRequest(appID, userKey, requestKey string) string {
	return AppRequestsPrefix(appID, userKey) + requestKey
}

// AppRequestsPrefix bounds all request records of an (app, user) scope.
func AppRequestsPrefix(appID, userKey string) string {
	return Separator + "app" + Separator + appID + Separator + "user" + Separator + userKey + Separator + "request" + Separator
}

// HistoryData is the key of a history entry body:
// ~history~<isoTime>~<userKey>~
func HistoryData(created time.Time, userKey string) string {
	return Separator + "history" + Separator + FormatTime(created) + Separator + userKey + Separator
}

// HistoryIndex is the key of a history pointer in one of the index
// sub-stores: ~history~<tag>~<isoTime>~<tagKey>~<userKey>~
func HistoryIndex(tag string, created time.Time, tagKey, userKey string) string {
	return Separator + "history" + Separator + tag + Separator + FormatTime(created) + Separator + tagKey + Separator + userKey + Separator
}

// HistoryIndexPrefix bounds all history pointers of one tagged resource.
// The time component sits before the tag key, so the range has to span all
// times and callers filter on the tag key while iterating.
func HistoryIndexPrefix(tag string) string {
	return Separator + "history" + Separator + tag + Separator
}

// HistoryDataPrefix bounds all history entry bodies.
func HistoryDataPrefix() string {
	return Separator + "history" + Separator
}

// Revision is the key of a stored revision:
// ~<kind>~<parentKey>~<creationMillis>~
// Keys of one parent sort oldest first; reverse iteration yields newest
// first.
func Revision(kind, parentKey string, created time.Time) string {
	return RevisionPrefix(kind, parentKey) + strconv.FormatInt(created.UnixMilli(), 10) + Separator
}

// RevisionPrefix bounds all revisions of one (kind, parent).
func RevisionPrefix(kind, parentKey string) string {
	return Separator + kind + Separator + parentKey + Separator
}

// SharedLink is the key of a reverse share index entry:
// ~shared~<userKey>~<fileKey>
func SharedLink(userKey, fileKey string) string {
	return SharedUserPrefix(userKey) + fileKey
}

// SharedUserPrefix bounds all files shared with one user.
func SharedUserPrefix(userKey string) string {
	return Separator + "shared" + Separator + userKey + Separator
}

// Bin is the key of a trash bin entry: ~deleted~<kind>~<originalKey>
func Bin(kind, originalKey string) string {
	return Separator + "deleted" + Separator + kind + Separator + originalKey
}

// PrefixRange returns the [gte, lt) bounds covering every key that starts
// with prefix followed by at least one component character. The prefix is
// expected to end in the separator.
func PrefixRange(prefix string) (gte, lt string) {
	return prefix, prefix + Separator
}
