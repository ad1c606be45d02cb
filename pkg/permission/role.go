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

package permission

// Role is one of the totally ordered access levels.
type Role string

// The known roles, lowest first.
const (
	RoleReader    Role = "reader"
	RoleCommenter Role = "commenter"
	RoleWriter    Role = "writer"
	RoleOwner     Role = "owner"
)

var roleWeights = map[Role]int{
	RoleReader:    1,
	RoleCommenter: 2,
	RoleWriter:    3,
	RoleOwner:     4,
}

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	_, ok := roleWeights[r]
	return ok
}

// AtLeast reports whether r grants everything min grants.
func (r Role) AtLeast(min Role) bool {
	return roleWeights[r] >= roleWeights[min]
}

// Max returns the higher of two roles.
func Max(a, b Role) Role {
	if roleWeights[b] > roleWeights[a] {
		return b
	}
	return a
}
