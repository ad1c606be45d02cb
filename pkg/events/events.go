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

// Package events defines the envelope pushed to watchers after a write.
package events

import "encoding/json"

// Operation says what happened to the resource.
type Operation string

// The operations watchers can observe.
const (
	OpCreated       Operation = "created"
	OpPatch         Operation = "patch"
	OpUpdated       Operation = "updated"
	OpDeleted       Operation = "deleted"
	OpAccessGranted Operation = "access-granted"
	OpAccessRemoved Operation = "access-removed"
)

// Event is the wire envelope. Type is always "event" so clients can tell
// notifications apart from other frames on the same socket.
type Event struct {
	Type      string          `json:"type"`
	Operation Operation       `json:"operation"`
	Kind      string          `json:"kind,omitempty"`
	ID        string          `json:"id"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope for the given operation and resource.
func New(op Operation, kind, id string, data json.RawMessage) *Event {
	return &Event{Type: "event", Operation: op, Kind: kind, ID: id, Data: data}
}
