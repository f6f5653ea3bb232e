// Copyright 2025 PkgStore Authors
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

package database

import (
	"errors"
	"fmt"

	"pkgstore/internal/spec"
)

var (
	// ErrNoSuchSpec is returned when a query used to identify a single
	// record matches nothing.
	ErrNoSuchSpec = errors.New("no such spec in database")

	// ErrAmbiguousSpec is returned when such a query matches more than
	// one record.
	ErrAmbiguousSpec = errors.New("query matches multiple specs in database")
)

// CorruptIndexError reports an unparsable or structurally invalid index
// file. It is never surfaced through a transaction: reload converts it
// into a deferred reindex instead.
type CorruptIndexError struct {
	Path string
	Err  error
}

func (e *CorruptIndexError) Error() string {
	return fmt.Sprintf("corrupt install index %s: %v", e.Path, e.Err)
}

func (e *CorruptIndexError) Unwrap() error { return e.Err }

// NonConcreteSpecError reports an attempt to track a spec that still has
// open choices. This is a programmer error and always propagates.
type NonConcreteSpecError struct {
	Spec *spec.Spec
}

func (e *NonConcreteSpecError) Error() string {
	return fmt.Sprintf("spec %s is not concrete and cannot be added to the install database", e.Spec)
}

// IncompatibleVersionError reports an index written by a newer version of
// the software. It is fatal: the index is never auto-repaired, the
// software must be upgraded.
type IncompatibleVersionError struct {
	Supported string
	Found     string
}

func (e *IncompatibleVersionError) Error() string {
	return fmt.Sprintf("install index version %s is newer than supported version %s; upgrade to read it",
		e.Found, e.Supported)
}

// ConsistencyError reports a ref-count invariant violation found by the
// validator. It signals a bug in add/remove/reindex, not a user condition.
type ConsistencyError struct {
	Hash     string
	Found    int
	Expected int
}

func (e *ConsistencyError) Error() string {
	return fmt.Sprintf("invalid ref_count for %.7s: found %d, expected %d", e.Hash, e.Found, e.Expected)
}
