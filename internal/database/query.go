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
	"fmt"
	"time"

	"pkgstore/internal/spec"
)

// Filter selects install records. A nil Spec matches every record; the
// boolean filters are tri-state pointers where nil means "don't care";
// Start/End bound installation time as the half-open window [Start, End),
// with zero times unbounded.
type Filter struct {
	// Spec is the match pattern. A concrete spec takes the O(1) hash
	// lookup fast path; an abstract one is matched via Satisfies.
	Spec *spec.Spec

	Installed *bool
	Explicit  *bool

	// Known filters on whether the package-definition repository
	// recognizes the record's name. Records may outlive their package
	// definitions.
	Known *bool

	Start time.Time
	End   time.Time
}

// Bool returns a pointer for use in Filter's tri-state fields.
func Bool(v bool) *bool { return &v }

// Query returns the specs matching f, freshly reloaded from disk, in the
// canonical name-then-hash order. The ordering is independent of both
// storage order and insertion order, so results are deterministic across
// runs.
func (d *Database) Query(f Filter) ([]*spec.Spec, error) {
	var out []*spec.Spec
	err := d.ReadTransaction(func() error {
		out = d.search(f)
		return nil
	})
	return out, err
}

// QueryOne returns the single spec matching f, nil when nothing matches,
// and an error when the filter is ambiguous.
func (d *Database) QueryOne(f Filter) (*spec.Spec, error) {
	results, err := d.Query(f)
	if err != nil {
		return nil, err
	}
	switch len(results) {
	case 0:
		return nil, nil
	case 1:
		return results[0], nil
	default:
		return nil, fmt.Errorf("%w: %s matches %d records", ErrAmbiguousSpec, f.Spec, len(results))
	}
}

// search runs a query against the already-loaded table. Callers must hold
// the table lock.
func (d *Database) search(f Filter) []*spec.Spec {
	// Fully resolved patterns need no scan: the hash is the key. The other
	// filters still apply.
	if f.Spec != nil && f.Spec.Concrete() {
		if rec, ok := d.data[f.Spec.DagHash()]; ok && d.matches(rec, f) {
			return []*spec.Spec{rec.Spec}
		}
		return nil
	}

	var out []*spec.Spec
	for _, rec := range d.data {
		if d.matches(rec, f) && rec.Spec.Satisfies(f.Spec) {
			out = append(out, rec.Spec)
		}
	}
	spec.SortSpecs(out)
	return out
}

// matches applies every Filter field except the spec pattern itself.
func (d *Database) matches(rec *InstallRecord, f Filter) bool {
	if f.Installed != nil && rec.Installed != *f.Installed {
		return false
	}
	if f.Explicit != nil && rec.Explicit != *f.Explicit {
		return false
	}
	if f.Known != nil && d.known(rec.Spec.Name) != *f.Known {
		return false
	}
	if !f.Start.IsZero() && rec.InstallTime.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && !rec.InstallTime.Before(f.End) {
		return false
	}
	return true
}

func (d *Database) known(name string) bool {
	return d.repo != nil && d.repo.Exists(name)
}
