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

// Package jsonpatch validates and applies RFC 6902 patches and produces
// the inverse patch that undoes them. Application is delegated to
// evanphx/json-patch; the inverse and the structural diff are computed
// here because the library has no support for either.
package jsonpatch

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"

	"github.com/apiwork/netstore/pkg/errtypes"
)

// Operation is a single RFC 6902 operation.
type Operation struct {
	Op    string          `json:"op"`
	Path  string          `json:"path"`
	From  string          `json:"from,omitempty"`
	Value json.RawMessage `json:"value,omitempty"`
}

// Patch is an ordered list of operations.
type Patch []Operation

// Info is the envelope a client sends with a patch request.
type Info struct {
	App        string `json:"app"`
	AppVersion string `json:"appVersion"`
	ID         string `json:"id"`
	Patch      Patch  `json:"patch"`
}

// guardedDefaults are refused on every document.
var guardedDefaults = []string{"/key", "/kind"}

var validOps = map[string]bool{
	"add": true, "remove": true, "replace": true,
	"move": true, "copy": true, "test": true,
}

// Validate checks the patch envelope and refuses operations touching
// guarded paths. Callers pass additional guarded paths for their document
// family.
func Validate(info *Info, guarded ...string) error {
	if info == nil {
		return errtypes.InvalidPatch("missing patch info")
	}
	if info.App == "" {
		return errtypes.InvalidPatch("missing app")
	}
	if info.AppVersion == "" {
		return errtypes.InvalidPatch("missing appVersion")
	}
	if info.ID == "" {
		return errtypes.InvalidPatch("missing id")
	}
	if len(info.Patch) == 0 {
		return errtypes.InvalidPatch("missing patch")
	}
	guards := append(append([]string{}, guardedDefaults...), guarded...)
	for _, op := range info.Patch {
		if !validOps[op.Op] {
			return errtypes.InvalidPatch("unknown operation: " + op.Op)
		}
		if op.Path == "" || !strings.HasPrefix(op.Path, "/") {
			return errtypes.InvalidPatch("invalid path: " + op.Path)
		}
		if (op.Op == "move" || op.Op == "copy") && !strings.HasPrefix(op.From, "/") {
			return errtypes.InvalidPatch("invalid from: " + op.From)
		}
		for _, g := range guards {
			if touches(op.Path, g) || touches(op.From, g) {
				return errtypes.InvalidPatch("path is read only: " + g)
			}
		}
	}
	return nil
}

func touches(path, guard string) bool {
	return path == guard || strings.HasPrefix(path, guard+"/")
}

// Apply applies the patch to doc and returns the patched document together
// with the inverse patch. Applying the inverse to the result restores doc.
func Apply(doc []byte, p Patch) ([]byte, Patch, error) {
	cur := doc
	var revert Patch
	for _, op := range p {
		inv, err := invert(cur, op)
		if err != nil {
			return nil, nil, err
		}
		next, err := applyOne(cur, op)
		if err != nil {
			return nil, nil, err
		}
		cur = next
		// inverse ops run in reverse order
		revert = append(inv, revert...)
	}
	return cur, revert, nil
}

func applyOne(doc []byte, op Operation) ([]byte, error) {
	raw, err := json.Marshal(Patch{op})
	if err != nil {
		return nil, errtypes.InvalidPatch(err.Error())
	}
	p, err := jsonpatch.DecodePatch(raw)
	if err != nil {
		return nil, errtypes.InvalidPatch(err.Error())
	}
	out, err := p.Apply(doc)
	if err != nil {
		return nil, errtypes.InvalidPatch(err.Error())
	}
	return out, nil
}

// invert computes the operation that undoes op against the document state
// it is about to be applied to.
func invert(doc []byte, op Operation) (Patch, error) {
	var root interface{}
	if err := json.Unmarshal(doc, &root); err != nil {
		return nil, errtypes.InvalidPatch("document is not valid JSON")
	}
	switch op.Op {
	case "add":
		old, existed := lookup(root, op.Path)
		if existed && !isArrayInsert(root, op.Path) {
			return Patch{{Op: "replace", Path: op.Path, Value: mustRaw(old)}}, nil
		}
		return Patch{{Op: "remove", Path: resolveAppend(root, op.Path)}}, nil
	case "remove":
		old, existed := lookup(root, op.Path)
		if !existed {
			return nil, errtypes.InvalidPatch("remove of missing path: " + op.Path)
		}
		return Patch{{Op: "add", Path: op.Path, Value: mustRaw(old)}}, nil
	case "replace":
		old, existed := lookup(root, op.Path)
		if !existed {
			return nil, errtypes.InvalidPatch("replace of missing path: " + op.Path)
		}
		return Patch{{Op: "replace", Path: op.Path, Value: mustRaw(old)}}, nil
	case "move":
		inv := Patch{{Op: "move", Path: op.From, From: op.Path}}
		if old, existed := lookup(root, op.Path); existed && !isArrayInsert(root, op.Path) {
			// a move onto an existing member replaces it; restore it after
			// moving the value back
			inv = append(inv, Operation{Op: "add", Path: op.Path, Value: mustRaw(old)})
		}
		return inv, nil
	case "copy":
		if old, existed := lookup(root, op.Path); existed {
			return Patch{{Op: "replace", Path: op.Path, Value: mustRaw(old)}}, nil
		}
		return Patch{{Op: "remove", Path: op.Path}}, nil
	case "test":
		return Patch{op}, nil
	}
	return nil, errtypes.InvalidPatch("unknown operation: " + op.Op)
}

// Diff produces a patch that transforms a into b. Objects are walked
// member by member; arrays and scalars are replaced wholesale.
func Diff(a, b []byte) (Patch, error) {
	var va, vb interface{}
	if err := json.Unmarshal(a, &va); err != nil {
		return nil, errtypes.InvalidPatch("document is not valid JSON")
	}
	if err := json.Unmarshal(b, &vb); err != nil {
		return nil, errtypes.InvalidPatch("document is not valid JSON")
	}
	return diffValue("", va, vb), nil
}

func diffValue(path string, a, b interface{}) Patch {
	ma, aIsMap := a.(map[string]interface{})
	mb, bIsMap := b.(map[string]interface{})
	if aIsMap && bIsMap {
		var p Patch
		for k, av := range ma {
			child := path + "/" + escape(k)
			bv, ok := mb[k]
			if !ok {
				p = append(p, Operation{Op: "remove", Path: child})
				continue
			}
			p = append(p, diffValue(child, av, bv)...)
		}
		for k, bv := range mb {
			if _, ok := ma[k]; !ok {
				p = append(p, Operation{Op: "add", Path: path + "/" + escape(k), Value: mustRaw(bv)})
			}
		}
		return p
	}
	if equalJSON(a, b) {
		return nil
	}
	if path == "" {
		path = "/"
	}
	return Patch{{Op: "replace", Path: path, Value: mustRaw(b)}}
}

func equalJSON(a, b interface{}) bool {
	ra, err1 := json.Marshal(a)
	rb, err2 := json.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(ra, rb)
}

// lookup resolves a JSON pointer against a decoded document.
func lookup(root interface{}, pointer string) (interface{}, bool) {
	if pointer == "" {
		return root, true
	}
	cur := root
	for _, part := range splitPointer(pointer) {
		switch node := cur.(type) {
		case map[string]interface{}:
			v, ok := node[part]
			if !ok {
				return nil, false
			}
			cur = v
		case []interface{}:
			i, err := strconv.Atoi(part)
			if err != nil || i < 0 || i >= len(node) {
				return nil, false
			}
			cur = node[i]
		default:
			return nil, false
		}
	}
	return cur, true
}

// isArrayInsert reports whether an add at pointer targets an array slot,
// where RFC 6902 inserts rather than replaces.
func isArrayInsert(root interface{}, pointer string) bool {
	parts := splitPointer(pointer)
	if len(parts) == 0 {
		return false
	}
	parent, ok := lookup(root, joinPointer(parts[:len(parts)-1]))
	if !ok {
		return false
	}
	_, isArray := parent.([]interface{})
	return isArray
}

// resolveAppend rewrites a trailing "-" array index to the concrete index
// the value lands on, so the inverse remove targets the right slot.
func resolveAppend(root interface{}, pointer string) string {
	parts := splitPointer(pointer)
	if len(parts) == 0 || parts[len(parts)-1] != "-" {
		return pointer
	}
	parent, ok := lookup(root, joinPointer(parts[:len(parts)-1]))
	if !ok {
		return pointer
	}
	arr, isArray := parent.([]interface{})
	if !isArray {
		return pointer
	}
	parts[len(parts)-1] = strconv.Itoa(len(arr))
	return joinPointer(parts)
}

func splitPointer(pointer string) []string {
	parts := strings.Split(strings.TrimPrefix(pointer, "/"), "/")
	for i, p := range parts {
		parts[i] = strings.ReplaceAll(strings.ReplaceAll(p, "~1", "/"), "~0", "~")
	}
	return parts
}

func joinPointer(parts []string) string {
	var sb strings.Builder
	for _, p := range parts {
		sb.WriteString("/")
		sb.WriteString(escape(p))
	}
	return sb.String()
}

func escape(part string) string {
	return strings.ReplaceAll(strings.ReplaceAll(part, "~", "~0"), "/", "~1")
}

func mustRaw(v interface{}) json.RawMessage {
	raw, err := json.Marshal(v)
	if err != nil {
		return json.RawMessage("null")
	}
	return raw
}
