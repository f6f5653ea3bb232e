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
	"encoding/json"
	"errors"
	"fmt"
	"os"

	log "github.com/sirupsen/logrus"
	"golang.org/x/mod/semver"
	"golang.org/x/sys/unix"
	"gopkg.in/yaml.v3"

	"pkgstore/internal/lock"
	"pkgstore/internal/spec"
)

// indexDocument is the on-disk index:
//
//	{"database": {"installs": {<hash>: <record>}, "version": "x.y.z"}}
//
// The legacy YAML index shares the same shape.
type indexDocument struct {
	Database *indexPayload `json:"database" yaml:"database"`
}

type indexPayload struct {
	Installs map[string]recordPayload `json:"installs" yaml:"installs"`
	Version  string                   `json:"version" yaml:"version"`
}

type indexFormat int

const (
	formatJSON indexFormat = iota
	formatYAML
)

// reload discards the in-memory table and rebuilds it from the last
// committed on-disk state. Corruption is deferred, never returned: the
// table resets to empty and the next write opportunity reindexes. A
// missing index and a stale schema version both trigger a reindex here.
func (d *Database) reload() error {
	switch {
	case fileExists(d.indexPath):
		outdated, err := d.readIndex(d.indexPath, formatJSON)
		if err != nil {
			return d.deferCorruption(err)
		}
		if outdated {
			return d.Reindex(d.layout)
		}
		d.pendingErr = nil
		return nil

	case fileExists(d.legacyIndexPath):
		outdated, err := d.readIndex(d.legacyIndexPath, formatYAML)
		if err != nil {
			return d.deferCorruption(err)
		}
		if outdated {
			return d.Reindex(d.layout)
		}
		d.pendingErr = nil
		if unix.Access(d.dbDir, unix.R_OK|unix.W_OK) == nil {
			// Migrate the deprecated format on first chance. Without
			// write access the YAML index is simply tolerated read-only.
			return lock.WithWriteLock(d.tableLock, d.writeIndexFile)
		}
		return nil

	default:
		// No index at all. The layout's manifests rebuild the table; the
		// index file itself appears at the next write opportunity.
		d.data = map[string]*InstallRecord{}
		return d.Reindex(d.layout)
	}
}

// deferCorruption converts a corrupt-index error into a pending reindex.
// Version incompatibility is not corruption and stays fatal.
func (d *Database) deferCorruption(err error) error {
	var corrupt *CorruptIndexError
	if !errors.As(err, &corrupt) {
		return err
	}
	d.data = map[string]*InstallRecord{}
	d.pendingErr = err
	log.Warnf("install index is unreadable and will be rebuilt at the next write: %v", err)
	return nil
}

// readIndex parses an index file into the in-memory table. It reports
// whether the file carries an older schema version; older indexes still
// load so a reindex can recover their explicit flags and install times.
func (d *Database) readIndex(path string, format indexFormat) (outdated bool, err error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return false, &CorruptIndexError{Path: path, Err: err}
	}

	var doc indexDocument
	switch format {
	case formatJSON:
		err = json.Unmarshal(buf, &doc)
	case formatYAML:
		err = yaml.Unmarshal(buf, &doc)
	}
	if err != nil {
		return false, &CorruptIndexError{Path: path, Err: err}
	}

	switch {
	case doc.Database == nil:
		return false, &CorruptIndexError{Path: path, Err: errors.New("no database section")}
	case doc.Database.Installs == nil:
		return false, &CorruptIndexError{Path: path, Err: errors.New("no installs in database section")}
	case doc.Database.Version == "":
		return false, &CorruptIndexError{Path: path, Err: errors.New("no version in database section")}
	}

	found := doc.Database.Version
	if !semver.IsValid("v" + found) {
		return false, &CorruptIndexError{Path: path, Err: fmt.Errorf("unparsable version %q", found)}
	}
	switch semver.Compare("v"+found, "v"+Version) {
	case +1:
		return false, &IncompatibleVersionError{Supported: Version, Found: found}
	case -1:
		outdated = true
	}

	data, err := recordsFromPayload(doc.Database.Installs)
	if err != nil {
		return false, &CorruptIndexError{Path: path, Err: err}
	}
	d.data = data
	return outdated, nil
}

// recordsFromPayload reconstructs the table so that all records share
// node objects: the result is a true Merkle DAG, not a forest of copies.
// A dependency hash missing from the document is logged and skipped, as
// the record may still be usable.
func recordsFromPayload(installs map[string]recordPayload) (map[string]*InstallRecord, error) {
	nodes := make(map[string]spec.NodePayload, len(installs))
	for hash, rec := range installs {
		if rec.Spec.Name == "" || rec.Spec.Version == "" {
			return nil, fmt.Errorf("invalid record %.7s: spec has no name or version", hash)
		}
		if rec.RefCount < 0 {
			return nil, fmt.Errorf("invalid record %.7s: negative ref_count", hash)
		}
		nodes[hash] = rec.Spec
	}

	specs, err := spec.ResolvePayloads(nodes, func(parent *spec.Spec, dep spec.DepPayload) error {
		log.Warnf("missing dependency not in database: %s needs %s-%.7s", parent.Name, dep.Name, dep.Hash)
		return nil
	})
	if err != nil {
		return nil, err
	}

	data := make(map[string]*InstallRecord, len(installs))
	for hash, rec := range installs {
		data[hash] = &InstallRecord{
			Spec:        specs[hash],
			Path:        rec.Path,
			Installed:   rec.Installed,
			RefCount:    rec.RefCount,
			Explicit:    rec.Explicit,
			InstallTime: timeFromEpochSeconds(rec.InstallationTime),
		}
	}
	return data, nil
}

// writeIndexFile serializes the whole table to a uniquely named temporary
// file next to the index and atomically renames it into place. Host and
// pid in the temp name keep writers on a shared filesystem from
// colliding. On any failure the temp file is removed and the canonical
// index is left untouched.
func (d *Database) writeIndexFile() error {
	installs := make(map[string]recordPayload, len(d.data))
	for hash, rec := range d.data {
		installs[hash] = rec.toPayload()
	}
	doc := indexDocument{Database: &indexPayload{Installs: installs, Version: Version}}

	buf, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("serialize install index: %w", err)
	}

	host, err := os.Hostname()
	if err != nil {
		host = "localhost"
	}
	temp := fmt.Sprintf("%s.%s.%d.temp", d.indexPath, host, os.Getpid())

	if err := os.WriteFile(temp, buf, 0o644); err != nil {
		os.Remove(temp)
		return fmt.Errorf("write install index: %w", err)
	}
	if err := os.Rename(temp, d.indexPath); err != nil {
		os.Remove(temp)
		return fmt.Errorf("replace install index: %w", err)
	}
	return nil
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
