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

// Package database is the authoritative record of which package
// configurations are installed under a store root, how they depend on one
// another, and how many installed records depend on each one.
//
// The table is persisted as a single JSON index and guarded by advisory
// byte-range file locks, so any number of processes sharing the
// filesystem may read concurrently while a single writer mutates. The
// table is reloaded from disk at the start of every transaction; nothing
// is cached across transactions. When the index is missing, stale, or
// corrupt, the table is rebuilt from the directory layout's own manifests.
package database

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	log "github.com/sirupsen/logrus"

	"pkgstore/internal/lock"
	"pkgstore/internal/spec"
)

const (
	// Version is the index schema version this code reads and writes.
	Version = "0.9.3"

	dbDirName       = ".pkgstore-db"
	indexName       = "index.json"
	legacyIndexName = "index.yaml"
	lockName        = "lock"
	prefixLockName  = "prefix_lock"

	// DefaultLockTimeout bounds whole-table lock acquisition.
	DefaultLockTimeout = 120 * time.Second
)

// Layout is the directory layout the database reindexes from and
// validates install prefixes against. The layout's per-prefix manifests,
// not the index, are the authoritative record of what is installed.
type Layout interface {
	// CheckInstalled returns nil when the spec's install prefix looks
	// complete and matches the spec.
	CheckInstalled(s *spec.Spec) error

	// PathFor returns the spec's install prefix. The prefix need not
	// exist.
	PathFor(s *spec.Spec) string

	// AllSpecs enumerates every spec with a readable manifest on disk.
	AllSpecs() ([]*spec.Spec, error)
}

// Repo answers whether the package-definition repository recognizes a
// package name. It backs the Known query filter.
type Repo interface {
	Exists(name string) bool
}

// Options tune a Database handle. The zero value gives defaults.
type Options struct {
	// DBDir overrides the database directory, normally <root>/.pkgstore-db.
	DBDir string

	// Repo backs the Known query filter; nil makes Known always false.
	Repo Repo

	// LockTimeout bounds whole-table lock waits; zero means
	// DefaultLockTimeout.
	LockTimeout time.Duration

	// PackageLockTimeout bounds per-package prefix lock waits; zero means
	// wait forever.
	PackageLockTimeout time.Duration
}

// Database is a handle on the install table. A handle is not safe for
// concurrent use by multiple goroutines: the lock manager coordinates
// processes, and transactions serialize within a process by convention.
type Database struct {
	Root string

	dbDir           string
	indexPath       string
	legacyIndexPath string
	prefixLockPath  string

	layout Layout
	repo   Repo

	tableLock      *lock.Lock
	pkgLockTimeout time.Duration

	// prefixLocks caches per-package locks for this handle's lifetime.
	// Instance-owned so no global state outlives the handle.
	prefixLocks map[string]*lock.Lock

	// data is the in-memory table, discarded and rebuilt from disk on
	// every transaction entry.
	data map[string]*InstallRecord

	// pendingErr records corruption found while reading the index. It is
	// deferred: reads proceed against an empty table and the next write
	// opportunity triggers a reindex.
	pendingErr error
}

// Open returns a database handle for installations under root. Database
// files live in <root>/.pkgstore-db, which is created if missing.
func Open(root string, layout Layout, opts Options) (*Database, error) {
	dbDir := opts.DBDir
	if dbDir == "" {
		dbDir = filepath.Join(root, dbDirName)
	}
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return nil, fmt.Errorf("create database directory: %w", err)
	}

	timeout := opts.LockTimeout
	if timeout == 0 {
		timeout = DefaultLockTimeout
	}

	return &Database{
		Root:            root,
		dbDir:           dbDir,
		indexPath:       filepath.Join(dbDir, indexName),
		legacyIndexPath: filepath.Join(dbDir, legacyIndexName),
		prefixLockPath:  filepath.Join(dbDir, prefixLockName),
		layout:          layout,
		repo:            opts.Repo,
		tableLock:       lock.New(filepath.Join(dbDir, lockName), timeout),
		pkgLockTimeout:  opts.PackageLockTimeout,
		prefixLocks:     map[string]*lock.Lock{},
		data:            map[string]*InstallRecord{},
	}, nil
}

// IndexPath returns the canonical index file path.
func (d *Database) IndexPath() string { return d.indexPath }

// ReadTransaction runs fn against a table freshly reloaded from disk,
// under the whole-table read lock. It reloads even when nested inside
// another transaction, so fn always observes the last committed state.
func (d *Database) ReadTransaction(fn func() error) error {
	if _, err := d.tableLock.AcquireRead(); err != nil {
		return err
	}
	defer d.tableLock.ReleaseRead()

	if err := d.reload(); err != nil {
		return err
	}
	return fn()
}

// WriteTransaction reloads the table, runs fn to mutate it in place, and
// persists the result only if fn succeeds. The lock is released on every
// exit path. If fn fails, the in-memory table may be left mutated; the
// next transaction's reload discards that drift, so nothing is lost but
// this operation's effect.
//
// Nested write transactions neither reload nor persist. A write
// transaction opened inside a read transaction upgrades the lock and
// reloads, but persisting still belongs to the outermost transaction:
// the table is flushed once, when the last hold is about to go.
func (d *Database) WriteTransaction(fn func() error) error {
	nested := d.tableLock.InUse()
	firstWrite, err := d.tableLock.AcquireWrite()
	if err != nil {
		return err
	}
	defer d.tableLock.ReleaseWrite()

	if firstWrite {
		if err := d.reload(); err != nil {
			return err
		}
		if d.pendingErr != nil {
			// Corruption deferred by an earlier reload; this is the
			// write opportunity that repairs it.
			if err := d.Reindex(d.layout); err != nil {
				return err
			}
		}
	}

	if err := fn(); err != nil {
		return err
	}

	if !nested {
		return d.writeIndexFile()
	}
	return nil
}

// PrefixLock returns the per-package lock for s: one byte of the shared
// prefix_lock file at an offset derived from s's content hash. Locks are
// cached on the handle so nested acquisitions share depth counters.
func (d *Database) PrefixLock(s *spec.Spec) *lock.Lock {
	key := s.DagHash()
	if l, ok := d.prefixLocks[key]; ok {
		return l
	}
	l := lock.NewRange(d.prefixLockPath, s.LockByteOffset(), 1, d.pkgLockTimeout)
	d.prefixLocks[key] = l
	return l
}

// WithPrefixReadLock runs fn holding s's package lock shared.
func (d *Database) WithPrefixReadLock(s *spec.Spec, fn func() error) error {
	return lock.WithReadLock(d.PrefixLock(s), fn)
}

// WithPrefixWriteLock runs fn holding s's package lock exclusively.
func (d *Database) WithPrefixWriteLock(s *spec.Spec, fn func() error) error {
	return lock.WithWriteLock(d.PrefixLock(s), fn)
}

// Add records s as installed, along with any of its tracked dependencies
// not already present. The whole add is one write transaction.
func (d *Database) Add(s *spec.Spec, layout Layout, explicit bool) error {
	return d.WriteTransaction(func() error {
		return d.add(s, layout, explicit, time.Time{})
	})
}

// add inserts s without locking. Tracked dependencies missing from the
// table are inserted first, implicitly, sharing s's installation time.
func (d *Database) add(s *spec.Spec, layout Layout, explicit bool, installTime time.Time) error {
	if !s.Concrete() {
		return &NonConcreteSpecError{Spec: s}
	}
	if installTime.IsZero() {
		installTime = time.Now()
	}

	for _, dep := range s.Dependencies(spec.TrackedDepTypes...) {
		if _, ok := d.data[dep.DagHash()]; !ok {
			if err := d.add(dep, layout, false, installTime); err != nil {
				return err
			}
		}
	}

	key := s.DagHash()
	rec, ok := d.data[key]
	if !ok {
		installed := s.External
		path := ""
		if !s.External && layout != nil {
			path = layout.PathFor(s)
			if err := layout.CheckInstalled(s); err != nil {
				// A broken prefix downgrades to "not installed"; it must
				// not abort tracking the record.
				log.Warnf("install prefix for %s is incomplete: %v", s, err)
			} else {
				installed = true
			}
		}

		// The stored record gets its own copy of the node, rewired to the
		// table's canonical shared children so that every edge to a hash
		// lands on one object.
		node := s.Copy(false)
		rec = &InstallRecord{
			Spec:        node,
			Path:        path,
			Installed:   installed,
			Explicit:    explicit,
			InstallTime: installTime,
		}
		d.data[key] = rec

		for _, edge := range s.DependencyEdges(spec.TrackedDepTypes...) {
			dkey := edge.Spec.DagHash()
			if err := node.AddDependency(d.data[dkey].Spec, edge.Types...); err != nil {
				return err
			}
			d.data[dkey].RefCount++
		}

		// Rewiring dropped untracked edges; keep the original hash.
		node.SetConcreteHash(key)
	} else {
		// Re-adding an existing record is an idempotent re-install.
		rec.Installed = true
	}

	// Explicit is sticky: a record the user asked for once stays explicit
	// even when something later pulls it in as a dependency.
	rec.Explicit = rec.Explicit || explicit
	return nil
}

// Remove marks the record matching q uninstalled, deleting it outright
// when nothing depends on it and cascading deletion through tracked
// dependencies that become garbage. It returns the resolved concrete
// spec, which matters when q was abstract.
func (d *Database) Remove(q *spec.Spec) (*spec.Spec, error) {
	var removed *spec.Spec
	err := d.WriteTransaction(func() error {
		var err error
		removed, err = d.remove(q)
		return err
	})
	return removed, err
}

func (d *Database) remove(q *spec.Spec) (*spec.Spec, error) {
	key, err := d.matchingKey(q)
	if err != nil {
		return nil, err
	}
	rec := d.data[key]

	if rec.RefCount > 0 {
		// Still depended upon: keep the record, just mark it gone.
		rec.Installed = false
		return rec.Spec, nil
	}

	delete(d.data, key)
	for _, dep := range rec.Spec.Dependencies(spec.TrackedDepTypes...) {
		d.decrementRefCount(dep)
	}
	return rec.Spec, nil
}

// decrementRefCount drops one reference to s's record and garbage
// collects it when nothing references it and it is not independently
// installed. Only tracked kinds cascade.
func (d *Database) decrementRefCount(s *spec.Spec) {
	key := s.DagHash()
	rec, ok := d.data[key]
	if !ok {
		// Table is inconsistent, but there is nothing useful to do here;
		// the validator catches this on reindex.
		log.Debugf("ref count decrement for %.7s which is not in the table", key)
		return
	}

	rec.RefCount--
	if rec.RefCount == 0 && !rec.Installed {
		delete(d.data, key)
		for _, dep := range rec.Spec.Dependencies(spec.TrackedDepTypes...) {
			d.decrementRefCount(dep)
		}
	}
}

// matchingKey resolves q to exactly one stored hash: directly when q is a
// concrete spec already present, otherwise through the query engine.
func (d *Database) matchingKey(q *spec.Spec) (string, error) {
	if q.Concrete() {
		if _, ok := d.data[q.DagHash()]; ok {
			return q.DagHash(), nil
		}
	}
	matches := d.search(Filter{Spec: q, Installed: Bool(true)})
	switch len(matches) {
	case 0:
		return "", fmt.Errorf("%w: %s", ErrNoSuchSpec, q)
	case 1:
		return matches[0].DagHash(), nil
	default:
		return "", fmt.Errorf("%w: %s matches %d records", ErrAmbiguousSpec, q, len(matches))
	}
}

// GetRecord returns the single record matching q.
func (d *Database) GetRecord(q *spec.Spec) (*InstallRecord, error) {
	var rec *InstallRecord
	err := d.ReadTransaction(func() error {
		key, err := d.matchingKey(q)
		if err != nil {
			return err
		}
		rec = d.data[key]
		return nil
	})
	return rec, err
}

// Missing reports whether s is tracked by the table but not currently
// installed: some installed record depends on it, but its own
// installation has gone away.
func (d *Database) Missing(s *spec.Spec) (bool, error) {
	var missing bool
	err := d.ReadTransaction(func() error {
		rec, ok := d.data[s.DagHash()]
		missing = ok && !rec.Installed
		return nil
	})
	return missing, err
}

// Direction selects which way InstalledRelatives walks the graph.
type Direction string

const (
	Children Direction = "children"
	Parents  Direction = "parents"
)

// InstalledRelatives returns the installed specs related to those
// matching q: dependencies for Children, dependents for Parents,
// optionally transitively. Dependent edges are found by scanning the
// table; the graph stores no back-references.
func (d *Database) InstalledRelatives(q *spec.Spec, direction Direction, transitive bool) ([]*spec.Spec, error) {
	if direction != Children && direction != Parents {
		return nil, fmt.Errorf("invalid direction: %s", direction)
	}

	seen := map[string]*spec.Spec{}
	err := d.ReadTransaction(func() error {
		for _, match := range d.search(Filter{Spec: q, Installed: Bool(true)}) {
			for _, rel := range d.relatives(match, direction, transitive) {
				key := rel.DagHash()
				rec, ok := d.data[key]
				if !ok {
					log.Warnf("inconsistent state: relative %.7s of %s not in table", key, match)
					continue
				}
				if rec.Installed {
					seen[key] = rec.Spec
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]*spec.Spec, 0, len(seen))
	for _, s := range seen {
		out = append(out, s)
	}
	spec.SortSpecs(out)
	return out, nil
}

func (d *Database) relatives(s *spec.Spec, direction Direction, transitive bool) []*spec.Spec {
	if direction == Children {
		if transitive {
			return s.Traverse()
		}
		return s.Dependencies()
	}

	dependents := d.dependentsOf(s.DagHash())
	if !transitive {
		return dependents
	}

	all := map[string]*spec.Spec{}
	queue := dependents
	for len(queue) > 0 {
		next := queue[0]
		queue = queue[1:]
		key := next.DagHash()
		if _, ok := all[key]; ok {
			continue
		}
		all[key] = next
		queue = append(queue, d.dependentsOf(key)...)
	}
	out := make([]*spec.Spec, 0, len(all))
	for _, dep := range all {
		out = append(out, dep)
	}
	return out
}

// dependentsOf scans the table for records with a tracked edge to hash.
func (d *Database) dependentsOf(hash string) []*spec.Spec {
	var out []*spec.Spec
	for _, rec := range d.data {
		for _, dep := range rec.Spec.Dependencies(spec.TrackedDepTypes...) {
			if dep.DagHash() == hash {
				out = append(out, rec.Spec)
				break
			}
		}
	}
	return out
}

// Verify reloads the table and runs the ref-count validator against it.
func (d *Database) Verify() error {
	return d.ReadTransaction(d.checkRefCounts)
}

// checkRefCounts validates that every record's RefCount equals the number
// of records with a tracked edge to it. A violation is a bug in
// add/remove/reindex, never silently tolerated.
func (d *Database) checkRefCounts() error {
	counts := map[string]int{}
	for key, rec := range d.data {
		if _, ok := counts[key]; !ok {
			counts[key] = 0
		}
		for _, dep := range rec.Spec.Dependencies(spec.TrackedDepTypes...) {
			counts[dep.DagHash()]++
		}
	}
	for key, rec := range d.data {
		if expected := counts[key]; rec.RefCount != expected {
			return &ConsistencyError{Hash: key, Found: rec.RefCount, Expected: expected}
		}
	}
	return nil
}
