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

// Package user holds the user record model, the request-context helpers
// and the user store.
package user

import "context"

// Email is one address of a user.
type Email struct {
	Email    string `json:"email"`
	Verified bool   `json:"verified,omitempty"`
}

// User is a stored user record.
type User struct {
	Key     string   `json:"key"`
	Name    string   `json:"name"`
	Email   []Email  `json:"email,omitempty"`
	Locale  string   `json:"locale,omitempty"`
	Picture string   `json:"picture,omitempty"`
	Groups  []string `json:"groups,omitempty"`
}

// DefaultKey is the sentinel identity used in single-user mode.
const DefaultKey = "default"

// Default is the identity every operation runs as in single-user mode.
func Default() *User {
	return &User{Key: DefaultKey, Name: "Default user"}
}

type key int

const userKey key = iota

// ContextGetUser returns the user if set in the given context.
func ContextGetUser(ctx context.Context) (*User, bool) {
	u, ok := ctx.Value(userKey).(*User)
	return u, ok
}

// ContextMustGetUser panics if user is not in context.
func ContextMustGetUser(ctx context.Context) *User {
	u, ok := ContextGetUser(ctx)
	if !ok {
		panic("user not found in context")
	}
	return u
}

// ContextSetUser stores the user in the context.
func ContextSetUser(ctx context.Context, u *User) context.Context {
	return context.WithValue(ctx, userKey, u)
}
