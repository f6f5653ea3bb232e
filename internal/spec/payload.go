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

package spec

import "fmt"

// NodePayload is the serialized form of one spec node. It appears inside
// the database index (JSON) and inside per-prefix manifests (YAML).
// Dependencies carry (name, hash, types) triples for tracked edge kinds
// only; the child nodes live elsewhere in the same document.
type NodePayload struct {
	Name         string            `json:"name" yaml:"name"`
	Version      string            `json:"version" yaml:"version"`
	Parameters   map[string]string `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	External     bool              `json:"external,omitempty" yaml:"external,omitempty"`
	Dependencies []DepPayload      `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`
}

// DepPayload is one serialized dependency edge.
type DepPayload struct {
	Name  string   `json:"name" yaml:"name"`
	Hash  string   `json:"hash" yaml:"hash"`
	Types []string `json:"types" yaml:"types"`
}

// ToNodePayload converts the spec's own identity and tracked edges to
// their serialized form.
func (s *Spec) ToNodePayload() NodePayload {
	p := NodePayload{
		Name:       s.Name,
		Version:    s.Version,
		Parameters: s.Parameters,
		External:   s.External,
	}
	for _, edge := range s.DependencyEdges(TrackedDepTypes...) {
		types := trackedOnly(edge.Types)
		names := make([]string, len(types))
		for i, t := range types {
			names[i] = string(t)
		}
		p.Dependencies = append(p.Dependencies, DepPayload{
			Name:  edge.Spec.Name,
			Hash:  edge.Spec.DagHash(),
			Types: names,
		})
	}
	return p
}

// FromNodePayload builds a spec from its serialized identity, without
// dependency edges. Wiring edges is a separate pass so that every parent in
// a document ends up pointing at the same child object.
func FromNodePayload(p NodePayload) *Spec {
	s := New(p.Name, p.Version)
	s.External = p.External
	for k, v := range p.Parameters {
		s.Parameters[k] = v
	}
	return s
}

// MissingDepFunc is called when a payload references a dependency hash
// absent from the document. Returning an error aborts resolution;
// returning nil skips the edge.
type MissingDepFunc func(parent *Spec, dep DepPayload) error

// ResolvePayloads reconstructs a hash-keyed set of payloads into wired,
// concrete specs. It runs in three passes: build all nodes, connect
// dependency edges to the shared node objects, then mark everything
// concrete preserving the stored hashes.
func ResolvePayloads(nodes map[string]NodePayload, onMissing MissingDepFunc) (map[string]*Spec, error) {
	specs := make(map[string]*Spec, len(nodes))
	for hash, payload := range nodes {
		specs[hash] = FromNodePayload(payload)
	}

	for hash, payload := range nodes {
		parent := specs[hash]
		for _, dep := range payload.Dependencies {
			child, ok := specs[dep.Hash]
			if !ok {
				if onMissing == nil {
					return nil, fmt.Errorf("spec %s depends on %s-%.7s which is not in the document",
						parent.Name, dep.Name, dep.Hash)
				}
				if err := onMissing(parent, dep); err != nil {
					return nil, err
				}
				continue
			}
			types := make([]DepType, len(dep.Types))
			for i, t := range dep.Types {
				types[i] = DepType(t)
			}
			if err := parent.AddDependency(child, types...); err != nil {
				return nil, err
			}
		}
	}

	// Mark concrete last: hashes must not be cached while edges are still
	// being attached.
	for hash, s := range specs {
		s.SetConcreteHash(hash)
	}
	return specs, nil
}

// Manifest is the document a directory layout stores inside each install
// prefix: the full dependency closure of one installed spec, keyed by
// content hash, with the root identified separately.
type Manifest struct {
	Spec map[string]NodePayload `yaml:"spec"`
	Root string                 `yaml:"root"`
}

// NewManifest captures the closure of a concrete spec.
func NewManifest(s *Spec) *Manifest {
	m := &Manifest{Spec: map[string]NodePayload{}, Root: s.DagHash()}
	m.Spec[s.DagHash()] = s.ToNodePayload()
	for _, dep := range s.Traverse(TrackedDepTypes...) {
		m.Spec[dep.DagHash()] = dep.ToNodePayload()
	}
	return m
}

// Resolve rebuilds the manifest into its root spec. A manifest with
// dangling dependency references is malformed.
func (m *Manifest) Resolve() (*Spec, error) {
	if m.Root == "" {
		return nil, fmt.Errorf("manifest has no root hash")
	}
	specs, err := ResolvePayloads(m.Spec, nil)
	if err != nil {
		return nil, err
	}
	root, ok := specs[m.Root]
	if !ok {
		return nil, fmt.Errorf("manifest root %.7s not present in spec table", m.Root)
	}
	return root, nil
}
