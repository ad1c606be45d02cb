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

// Package errtypes contains definitons for common errors.
// It would have nice to call this package errors, err or error
// but errors clashes with github.com/pkg/errors, err is used for any error variable
// and error is a reserved word :)
package errtypes

import "errors"

// NotFound is the error to use when a resource is not found. It is also used
// when a resource exists but the caller holds no role on it, so that
// existence is not disclosed.
type NotFound string

func (e NotFound) Error() string { return "error: not found: " + string(e) }

// IsNotFound implements the IsNotFound interface.
func (e NotFound) IsNotFound() {}

// AlreadyExists is the error to use when a resource with the same key
// already exists.
type AlreadyExists string

func (e AlreadyExists) Error() string { return "error: already exists: " + string(e) }

// IsAlreadyExists implements the IsAlreadyExists interface.
func (e AlreadyExists) IsAlreadyExists() {}

// UserRequired is the error to use when no authenticated user is available.
type UserRequired string

func (e UserRequired) Error() string { return "error: user required: " + string(e) }

// IsUserRequired implements the IsUserRequired interface.
func (e UserRequired) IsUserRequired() {}

// PermissionDenied is the error to use when a user holds a role on a
// resource but the role is not sufficient for the operation.
type PermissionDenied string

func (e PermissionDenied) Error() string { return "error: permission denied: " + string(e) }

// IsPermissionDenied implements the IsPermissionDenied interface.
func (e PermissionDenied) IsPermissionDenied() {}

// BadRequest is the error to use when the input is malformed: a missing
// required field, an expiration in the past, an unsupported alt value or an
// unknown user in an access operation.
type BadRequest string

func (e BadRequest) Error() string { return "error: bad request: " + string(e) }

// IsBadRequest implements the IsBadRequest interface.
func (e BadRequest) IsBadRequest() {}

// InvalidPatch is the error to use when a JSON patch is malformed or
// touches a guarded path.
type InvalidPatch string

func (e InvalidPatch) Error() string { return "error: invalid patch: " + string(e) }

// IsInvalidPatch implements the IsInvalidPatch interface.
func (e InvalidPatch) IsInvalidPatch() {}

// Conflict is the error to use when a request cannot be completed because
// of the current state of the resource. Nothing returns it today; it is
// kept so the status mapping stays total.
type Conflict string

func (e Conflict) Error() string { return "error: conflict: " + string(e) }

// IsConflict implements the IsConflict interface.
func (e Conflict) IsConflict() {}

// Cancelled is the error to use when the request context was cancelled
// before the operation completed.
type Cancelled string

func (e Cancelled) Error() string { return "error: cancelled: " + string(e) }

// IsCancelled implements the IsCancelled interface.
func (e Cancelled) IsCancelled() {}

// InternalError is the error to use when the storage engine fails. It is
// the only kind that gets logged.
type InternalError string

func (e InternalError) Error() string { return "internal error: " + string(e) }

// IsInternalError implements the IsInternalError interface.
func (e InternalError) IsInternalError() {}

// IsNotFound is the interface to implement
// to specify that a resource is not found.
type IsNotFound interface {
	IsNotFound()
}

// IsAlreadyExists is the interface to implement
// to specify that a resource already exists.
type IsAlreadyExists interface {
	IsAlreadyExists()
}

// IsUserRequired is the interface to implement
// to specify that a user is required.
type IsUserRequired interface {
	IsUserRequired()
}

// IsPermissionDenied is the interface to implement
// to specify that an action is denied.
type IsPermissionDenied interface {
	IsPermissionDenied()
}

// IsBadRequest is the interface to implement
// to specify that the request is invalid.
type IsBadRequest interface {
	IsBadRequest()
}

// IsInvalidPatch is the interface to implement
// to specify that a patch is invalid.
type IsInvalidPatch interface {
	IsInvalidPatch()
}

// IsConflict is the interface to implement
// to specify that a request conflicts with resource state.
type IsConflict interface {
	IsConflict()
}

// IsCancelled is the interface to implement
// to specify that the request was cancelled.
type IsCancelled interface {
	IsCancelled()
}

// IsInternalError is the interface to implement
// to specify that the storage engine failed.
type IsInternalError interface {
	IsInternalError()
}

// StatusCode returns the HTTP status a given error maps to.
// Unknown errors map to 500.
func StatusCode(err error) int {
	var (
		notFound  IsNotFound
		exists    IsAlreadyExists
		userReq   IsUserRequired
		denied    IsPermissionDenied
		badReq    IsBadRequest
		invPatch  IsInvalidPatch
		conflict  IsConflict
		cancelled IsCancelled
	)
	switch {
	case errors.As(err, &userReq):
		return 401
	case errors.As(err, &denied):
		return 403
	case errors.As(err, &notFound):
		return 404
	case errors.As(err, &badReq), errors.As(err, &invPatch):
		return 400
	case errors.As(err, &exists), errors.As(err, &conflict):
		return 409
	case errors.As(err, &cancelled):
		return 499
	default:
		return 500
	}
}
