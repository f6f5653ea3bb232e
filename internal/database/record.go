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
	"time"

	"pkgstore/internal/spec"
)

// InstallRecord tracks one installation. A record stays in the table even
// after its directory is gone or the user force-uninstalled it, as long as
// other installed records still depend on it; Installed distinguishes the
// two states. A record with RefCount zero and Installed false is garbage
// and is deleted rather than persisted.
type InstallRecord struct {
	// Spec is the table's canonical node for this hash. All edges in the
	// table that reach this hash point at this same object.
	Spec *spec.Spec

	// Path is the install prefix; empty for external packages.
	Path string

	// Installed reports whether the prefix currently holds a valid
	// installation.
	Installed bool

	// RefCount is the number of other records whose tracked-kind
	// dependencies include this record's hash.
	RefCount int

	// Explicit marks installs the user asked for directly, as opposed to
	// ones pulled in as dependencies.
	Explicit bool

	InstallTime time.Time
}

// recordPayload is the serialized install record. InstallationTime is kept
// as float seconds since the epoch for on-disk compatibility.
type recordPayload struct {
	Spec             spec.NodePayload `json:"spec" yaml:"spec"`
	Path             string           `json:"path" yaml:"path"`
	Installed        bool             `json:"installed" yaml:"installed"`
	RefCount         int              `json:"ref_count" yaml:"ref_count"`
	Explicit         bool             `json:"explicit" yaml:"explicit"`
	InstallationTime float64          `json:"installation_time" yaml:"installation_time"`
}

func (r *InstallRecord) toPayload() recordPayload {
	return recordPayload{
		Spec:             r.Spec.ToNodePayload(),
		Path:             r.Path,
		Installed:        r.Installed,
		RefCount:         r.RefCount,
		Explicit:         r.Explicit,
		InstallationTime: epochSeconds(r.InstallTime),
	}
}

func epochSeconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

func timeFromEpochSeconds(s float64) time.Time {
	sec := int64(s)
	nsec := int64((s - float64(sec)) * float64(time.Second))
	return time.Unix(sec, nsec)
}
