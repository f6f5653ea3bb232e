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

// Package spec models fully-resolved package configurations as nodes of a
// content-addressed dependency DAG. A spec's hash commits to its name,
// version, build parameters, and the hashes of its tracked dependencies,
// so equal hashes denote interchangeable subgraphs.
package spec

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// DepType classifies a dependency edge.
type DepType string

const (
	DepBuild DepType = "build"
	DepLink  DepType = "link"
	DepRun   DepType = "run"
	DepTest  DepType = "test"
)

// TrackedDepTypes are the edge kinds persisted by the install database and
// counted for ref-counting. Build-only and test-only edges do not affect
// installed-state consistency and are not tracked.
var TrackedDepTypes = []DepType{DepLink, DepRun}

// Dependency is one outgoing edge of a spec, carrying the edge kinds that
// relate the parent to the child.
type Dependency struct {
	Spec  *Spec
	Types []DepType
}

// hasType reports whether the edge carries any of the given kinds.
// An empty filter matches every edge.
func (d *Dependency) hasType(types []DepType) bool {
	if len(types) == 0 {
		return true
	}
	for _, want := range types {
		for _, have := range d.Types {
			if have == want {
				return true
			}
		}
	}
	return false
}

// Spec is one package configuration. Abstract specs (unpinned version,
// partial parameters) act as query patterns; concrete specs are immutable
// DAG nodes with a memoized content hash.
type Spec struct {
	Name       string
	Version    string
	Parameters map[string]string

	// External marks packages provided outside the store's own install
	// tree (system compilers and the like). They have no install prefix.
	External bool

	deps     map[string]*Dependency // keyed by dependency name
	concrete bool
	hash     string
}

// New returns an abstract spec with the given name and version. An empty
// version leaves the spec abstract until pinned.
func New(name, version string) *Spec {
	return &Spec{
		Name:       name,
		Version:    version,
		Parameters: map[string]string{},
		deps:       map[string]*Dependency{},
	}
}

// AddDependency attaches child as a dependency with the given edge kinds.
// A spec may depend on a given package name only once.
func (s *Spec) AddDependency(child *Spec, types ...DepType) error {
	if s.deps == nil {
		s.deps = map[string]*Dependency{}
	}
	if _, ok := s.deps[child.Name]; ok {
		return fmt.Errorf("spec %s already depends on %s", s.Name, child.Name)
	}
	if len(types) == 0 {
		types = []DepType{DepLink, DepRun}
	}
	ts := make([]DepType, len(types))
	copy(ts, types)
	sort.Slice(ts, func(i, j int) bool { return ts[i] < ts[j] })
	s.deps[child.Name] = &Dependency{Spec: child, Types: ts}
	return nil
}

// DependencyEdges returns the outgoing edges carrying any of the given
// kinds, sorted by dependency name. No kinds means all edges.
func (s *Spec) DependencyEdges(types ...DepType) []*Dependency {
	edges := make([]*Dependency, 0, len(s.deps))
	for _, d := range s.deps {
		if d.hasType(types) {
			edges = append(edges, d)
		}
	}
	sort.Slice(edges, func(i, j int) bool {
		return edges[i].Spec.Name < edges[j].Spec.Name
	})
	return edges
}

// Dependencies returns the direct dependency specs reachable over edges of
// the given kinds, sorted by name.
func (s *Spec) Dependencies(types ...DepType) []*Spec {
	edges := s.DependencyEdges(types...)
	out := make([]*Spec, len(edges))
	for i, e := range edges {
		out[i] = e.Spec
	}
	return out
}

// Traverse returns every spec reachable from s over edges of the given
// kinds, excluding s itself, deduplicated by hash and sorted by name then
// hash. Two parents sharing a child yield that child once.
func (s *Spec) Traverse(types ...DepType) []*Spec {
	seen := map[string]*Spec{}
	var walk func(node *Spec)
	walk = func(node *Spec) {
		for _, edge := range node.DependencyEdges(types...) {
			key := edge.Spec.DagHash()
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = edge.Spec
			walk(edge.Spec)
		}
	}
	walk(s)
	out := make([]*Spec, 0, len(seen))
	for _, node := range seen {
		out = append(out, node)
	}
	SortSpecs(out)
	return out
}

// Concrete reports whether the spec is fully resolved.
func (s *Spec) Concrete() bool {
	return s.concrete
}

// MarkConcrete marks the spec and everything reachable from it as fully
// resolved. It fails if any node in the graph is missing a version:
// concreteness means every choice is pinned.
func (s *Spec) MarkConcrete() error {
	if s.Version == "" {
		return fmt.Errorf("spec %s has no version and cannot be concrete", s.Name)
	}
	for _, edge := range s.DependencyEdges() {
		if edge.Spec.concrete {
			continue
		}
		if err := edge.Spec.MarkConcrete(); err != nil {
			return err
		}
	}
	s.concrete = true
	return nil
}

// SetConcreteHash marks the spec concrete with a previously computed
// content hash. Deserialization uses this to preserve stored hashes even
// when untracked edges were dropped from the persisted form.
func (s *Spec) SetConcreteHash(hash string) {
	s.concrete = true
	s.hash = hash
}

// nodeIdentity is the canonical hashed document. Go's JSON encoder emits
// map keys in sorted order, which keeps Parameters deterministic.
type nodeIdentity struct {
	Name         string            `json:"name"`
	Version      string            `json:"version"`
	Parameters   map[string]string `json:"parameters,omitempty"`
	Dependencies []depIdentity     `json:"dependencies,omitempty"`
}

type depIdentity struct {
	Name  string    `json:"name"`
	Hash  string    `json:"hash"`
	Types []DepType `json:"types"`
}

// DagHash returns the spec's content hash: a SHA-256 digest over its
// identity and the (name, hash, types) triples of its tracked dependencies,
// recursively. The hash is memoized once the spec is concrete.
func (s *Spec) DagHash() string {
	if s.concrete && s.hash != "" {
		return s.hash
	}
	id := nodeIdentity{
		Name:       s.Name,
		Version:    s.Version,
		Parameters: s.Parameters,
	}
	for _, edge := range s.DependencyEdges(TrackedDepTypes...) {
		id.Dependencies = append(id.Dependencies, depIdentity{
			Name:  edge.Spec.Name,
			Hash:  edge.Spec.DagHash(),
			Types: trackedOnly(edge.Types),
		})
	}
	buf, err := json.Marshal(id)
	if err != nil {
		// Identity is plain strings and maps; this cannot fail.
		panic(err)
	}
	sum := sha256.Sum256(buf)
	h := hex.EncodeToString(sum[:])
	if s.concrete {
		s.hash = h
	}
	return h
}

// ShortHash returns the 7-character hash prefix used in install prefix
// names and log output.
func (s *Spec) ShortHash() string {
	return s.DagHash()[:7]
}

// LockByteOffset derives the byte offset of this spec's per-package lock
// from the leading 63 bits of its content hash. Collisions would only
// serialize two unrelated installs, so they are not specially handled.
func (s *Spec) LockByteOffset() int64 {
	v, err := strconv.ParseUint(s.DagHash()[:16], 16, 64)
	if err != nil {
		panic(err)
	}
	return int64(v >> 1)
}

func trackedOnly(types []DepType) []DepType {
	out := make([]DepType, 0, len(types))
	for _, t := range types {
		for _, tracked := range TrackedDepTypes {
			if t == tracked {
				out = append(out, t)
			}
		}
	}
	return out
}

// Copy duplicates the spec's own identity. With deps false the copy has no
// edges; with deps true the reachable graph is copied preserving shared
// children, so the copy is an isomorphic DAG, not an exploded tree.
func (s *Spec) Copy(deps bool) *Spec {
	if !deps {
		return s.copyNode()
	}
	memo := map[*Spec]*Spec{}
	return s.copyGraph(memo)
}

func (s *Spec) copyNode() *Spec {
	params := make(map[string]string, len(s.Parameters))
	for k, v := range s.Parameters {
		params[k] = v
	}
	return &Spec{
		Name:       s.Name,
		Version:    s.Version,
		Parameters: params,
		External:   s.External,
		deps:       map[string]*Dependency{},
		concrete:   s.concrete,
		hash:       s.hash,
	}
}

func (s *Spec) copyGraph(memo map[*Spec]*Spec) *Spec {
	if dup, ok := memo[s]; ok {
		return dup
	}
	dup := s.copyNode()
	memo[s] = dup
	for _, edge := range s.DependencyEdges() {
		child := edge.Spec.copyGraph(memo)
		types := make([]DepType, len(edge.Types))
		copy(types, edge.Types)
		dup.deps[child.Name] = &Dependency{Spec: child, Types: types}
	}
	return dup
}

// Satisfies reports whether s matches the given pattern. Empty pattern
// fields are wildcards: an empty version matches any version, pattern
// parameters must be a subset of s's, and pattern dependencies must each be
// satisfied by s's dependency of the same name.
func (s *Spec) Satisfies(pattern *Spec) bool {
	if pattern == nil {
		return true
	}
	if pattern.Name != "" && pattern.Name != s.Name {
		return false
	}
	if pattern.Version != "" && pattern.Version != s.Version {
		return false
	}
	for k, v := range pattern.Parameters {
		if have, ok := s.Parameters[k]; !ok || have != v {
			return false
		}
	}
	for name, want := range pattern.deps {
		edge, ok := s.deps[name]
		if !ok || !edge.Spec.Satisfies(want.Spec) {
			return false
		}
	}
	return true
}

// Less orders specs by name, then content hash. The database uses it for
// its canonical, storage-order-independent result ordering.
func (s *Spec) Less(other *Spec) bool {
	if s.Name != other.Name {
		return s.Name < other.Name
	}
	return s.DagHash() < other.DagHash()
}

// SortSpecs sorts in the canonical name-then-hash order.
func SortSpecs(specs []*Spec) {
	sort.Slice(specs, func(i, j int) bool { return specs[i].Less(specs[j]) })
}

func (s *Spec) String() string {
	if s.Version == "" {
		return s.Name
	}
	if !s.concrete {
		return fmt.Sprintf("%s@%s", s.Name, s.Version)
	}
	return fmt.Sprintf("%s@%s/%s", s.Name, s.Version, s.ShortHash())
}
