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

// Package layout maps concrete specs to install prefixes and keeps a
// manifest of each installed spec inside its prefix. The manifests, not
// the install database's index, are the authoritative record of what is
// on disk: the database rebuilds its index from them.
package layout

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/renameio"
	"gopkg.in/yaml.v3"

	"pkgstore/internal/spec"
)

const (
	metaDirName  = ".pkgstore"
	manifestName = "manifest.yaml"
)

// DirectoryLayout installs every spec at <root>/<name>-<version>-<hash7>
// with its manifest at <prefix>/.pkgstore/manifest.yaml.
type DirectoryLayout struct {
	Root string
}

// New returns a layout rooted at root.
func New(root string) *DirectoryLayout {
	return &DirectoryLayout{Root: root}
}

// PathFor returns the install prefix for s. External packages live
// outside the store and have no prefix.
func (l *DirectoryLayout) PathFor(s *spec.Spec) string {
	if s.External {
		return ""
	}
	return filepath.Join(l.Root, fmt.Sprintf("%s-%s-%s", s.Name, s.Version, s.ShortHash()))
}

// ManifestPath returns the manifest location inside s's prefix.
func (l *DirectoryLayout) ManifestPath(s *spec.Spec) string {
	return filepath.Join(l.PathFor(s), metaDirName, manifestName)
}

// CheckInstalled returns nil when s's prefix exists and holds a manifest
// describing exactly s.
func (l *DirectoryLayout) CheckInstalled(s *spec.Spec) error {
	if s.External {
		return fmt.Errorf("external package %s has no install prefix", s)
	}
	prefix := l.PathFor(s)
	info, err := os.Stat(prefix)
	if err != nil {
		return fmt.Errorf("install prefix %s: %w", prefix, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("install prefix %s is not a directory", prefix)
	}

	installed, err := l.readManifest(l.ManifestPath(s))
	if err != nil {
		return err
	}
	if installed.DagHash() != s.DagHash() {
		return fmt.Errorf("manifest in %s describes %s, not %s", prefix, installed, s)
	}
	return nil
}

// AllSpecs enumerates every spec with a manifest under the root. Install
// prefixes without a manifest are skipped: they are leftovers of
// interrupted installs, not installations. An unreadable manifest is an
// error, not a skip; manifests are written atomically and a bad one means
// something is genuinely wrong.
func (l *DirectoryLayout) AllSpecs() ([]*spec.Spec, error) {
	entries, err := os.ReadDir(l.Root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read layout root %s: %w", l.Root, err)
	}

	var specs []*spec.Spec
	for _, entry := range entries {
		if !entry.IsDir() || strings.HasPrefix(entry.Name(), ".") {
			continue
		}
		path := filepath.Join(l.Root, entry.Name(), metaDirName, manifestName)
		if _, err := os.Stat(path); err != nil {
			continue
		}
		s, err := l.readManifest(path)
		if err != nil {
			return nil, err
		}
		specs = append(specs, s)
	}
	spec.SortSpecs(specs)
	return specs, nil
}

// CreatePrefix creates s's install prefix and writes its manifest
// atomically, so a prefix never holds a half-written manifest.
func (l *DirectoryLayout) CreatePrefix(s *spec.Spec) error {
	if !s.Concrete() {
		return fmt.Errorf("cannot create a prefix for abstract spec %s", s)
	}
	prefix := l.PathFor(s)
	if err := os.MkdirAll(filepath.Join(prefix, metaDirName), 0o755); err != nil {
		return fmt.Errorf("create install prefix %s: %w", prefix, err)
	}

	buf, err := yaml.Marshal(spec.NewManifest(s))
	if err != nil {
		return fmt.Errorf("serialize manifest for %s: %w", s, err)
	}
	if err := renameio.WriteFile(l.ManifestPath(s), buf, 0o644); err != nil {
		return fmt.Errorf("write manifest for %s: %w", s, err)
	}
	return nil
}

// RemovePrefix deletes s's install prefix and everything in it.
func (l *DirectoryLayout) RemovePrefix(s *spec.Spec) error {
	prefix := l.PathFor(s)
	if prefix == "" {
		return fmt.Errorf("external package %s has no prefix to remove", s)
	}
	return os.RemoveAll(prefix)
}

func (l *DirectoryLayout) readManifest(path string) (*spec.Spec, error) {
	buf, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read manifest %s: %w", path, err)
	}
	var m spec.Manifest
	if err := yaml.Unmarshal(buf, &m); err != nil {
		return nil, fmt.Errorf("parse manifest %s: %w", path, err)
	}
	s, err := m.Resolve()
	if err != nil {
		return nil, fmt.Errorf("resolve manifest %s: %w", path, err)
	}
	return s, nil
}
