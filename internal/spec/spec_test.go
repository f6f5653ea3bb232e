package spec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// buildConcrete constructs a concrete spec with the given dependencies.
func buildConcrete(t *testing.T, name, version string, deps ...*Spec) *Spec {
	t.Helper()
	s := New(name, version)
	for _, dep := range deps {
		require.NoError(t, s.AddDependency(dep, DepLink, DepRun))
	}
	require.NoError(t, s.MarkConcrete())
	return s
}

func TestDagHashDeterministic(t *testing.T) {
	a := buildConcrete(t, "zlib", "1.2.13")
	b := buildConcrete(t, "zlib", "1.2.13")
	assert.Equal(t, a.DagHash(), b.DagHash())

	t.Run("parameters are part of the identity", func(t *testing.T) {
		c := New("zlib", "1.2.13")
		c.Parameters["optimize"] = "true"
		require.NoError(t, c.MarkConcrete())
		assert.NotEqual(t, a.DagHash(), c.DagHash())
	})

	t.Run("parameter order does not matter", func(t *testing.T) {
		x := New("curl", "8.4.0")
		x.Parameters["ssl"] = "openssl"
		x.Parameters["zstd"] = "false"
		y := New("curl", "8.4.0")
		y.Parameters["zstd"] = "false"
		y.Parameters["ssl"] = "openssl"
		require.NoError(t, x.MarkConcrete())
		require.NoError(t, y.MarkConcrete())
		assert.Equal(t, x.DagHash(), y.DagHash())
	})
}

func TestDagHashCommitsToDependencies(t *testing.T) {
	zlib := buildConcrete(t, "zlib", "1.2.13")
	curlOld := buildConcrete(t, "curl", "8.4.0", buildConcrete(t, "zlib", "1.2.12"))
	curlNew := buildConcrete(t, "curl", "8.4.0", zlib)

	// Same identity, different child: the Merkle property means the
	// parent hashes differ.
	assert.NotEqual(t, curlOld.DagHash(), curlNew.DagHash())

	t.Run("untracked edges do not affect the hash", func(t *testing.T) {
		cmake := buildConcrete(t, "cmake", "3.27.0")
		with := New("curl", "8.4.0")
		require.NoError(t, with.AddDependency(zlib, DepLink, DepRun))
		require.NoError(t, with.AddDependency(cmake, DepBuild))
		require.NoError(t, with.MarkConcrete())
		assert.Equal(t, curlNew.DagHash(), with.DagHash())
	})
}

func TestDependencyFiltering(t *testing.T) {
	zlib := buildConcrete(t, "zlib", "1.2.13")
	cmake := buildConcrete(t, "cmake", "3.27.0")

	curl := New("curl", "8.4.0")
	require.NoError(t, curl.AddDependency(zlib, DepLink, DepRun))
	require.NoError(t, curl.AddDependency(cmake, DepBuild))
	require.NoError(t, curl.MarkConcrete())

	assert.Len(t, curl.Dependencies(), 2)
	tracked := curl.Dependencies(TrackedDepTypes...)
	require.Len(t, tracked, 1)
	assert.Equal(t, "zlib", tracked[0].Name)
}

func TestTraverseSharesChildren(t *testing.T) {
	// Diamond: app -> {libfoo, libbar} -> zlib, with one shared zlib.
	zlib := buildConcrete(t, "zlib", "1.2.13")
	libfoo := buildConcrete(t, "libfoo", "1.0.0", zlib)
	libbar := buildConcrete(t, "libbar", "2.0.0", zlib)
	app := buildConcrete(t, "app", "0.1.0", libfoo, libbar)

	reachable := app.Traverse(TrackedDepTypes...)
	require.Len(t, reachable, 3)
	assert.Equal(t, "libbar", reachable[0].Name)
	assert.Equal(t, "libfoo", reachable[1].Name)
	assert.Equal(t, "zlib", reachable[2].Name)
}

func TestCopyPreservesSharing(t *testing.T) {
	zlib := buildConcrete(t, "zlib", "1.2.13")
	libfoo := buildConcrete(t, "libfoo", "1.0.0", zlib)
	libbar := buildConcrete(t, "libbar", "2.0.0", zlib)
	app := buildConcrete(t, "app", "0.1.0", libfoo, libbar)

	dup := app.Copy(true)
	assert.Equal(t, app.DagHash(), dup.DagHash())

	// Both copied parents must point at one copied zlib, and not at the
	// original's node.
	foo := dup.Dependencies()[1].Dependencies()[0]
	bar := dup.Dependencies()[0].Dependencies()[0]
	assert.Same(t, foo, bar)
	assert.NotSame(t, zlib, foo)

	t.Run("copy without deps has none", func(t *testing.T) {
		node := app.Copy(false)
		assert.Empty(t, node.Dependencies())
		assert.Equal(t, app.DagHash(), node.DagHash(), "stored hash survives the copy")
	})
}

func TestMarkConcreteRequiresVersion(t *testing.T) {
	s := New("zlib", "")
	assert.Error(t, s.MarkConcrete())
	assert.False(t, s.Concrete())
}

func TestSatisfies(t *testing.T) {
	curl := New("curl", "8.4.0")
	curl.Parameters["ssl"] = "openssl"
	require.NoError(t, curl.MarkConcrete())

	cases := []struct {
		name    string
		pattern *Spec
		want    bool
	}{
		{"nil pattern matches anything", nil, true},
		{"name only", New("curl", ""), true},
		{"wrong name", New("wget", ""), false},
		{"name and version", New("curl", "8.4.0"), true},
		{"wrong version", New("curl", "8.3.0"), false},
		{"parameter subset", func() *Spec {
			p := New("curl", "")
			p.Parameters["ssl"] = "openssl"
			return p
		}(), true},
		{"mismatched parameter", func() *Spec {
			p := New("curl", "")
			p.Parameters["ssl"] = "gnutls"
			return p
		}(), false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, curl.Satisfies(tc.pattern))
		})
	}
}

func TestSortSpecsCanonicalOrder(t *testing.T) {
	a := buildConcrete(t, "zlib", "1.2.13")
	b := buildConcrete(t, "zlib", "1.2.12")
	c := buildConcrete(t, "curl", "8.4.0")

	specs := []*Spec{a, b, c}
	SortSpecs(specs)
	assert.Equal(t, "curl", specs[0].Name)
	assert.Equal(t, "zlib", specs[1].Name)
	assert.Equal(t, "zlib", specs[2].Name)
	assert.True(t, specs[1].DagHash() < specs[2].DagHash())
}

func TestLockByteOffsetStable(t *testing.T) {
	s := buildConcrete(t, "zlib", "1.2.13")
	off := s.LockByteOffset()
	assert.GreaterOrEqual(t, off, int64(0))
	assert.Equal(t, off, buildConcrete(t, "zlib", "1.2.13").LockByteOffset())
	assert.NotEqual(t, off, buildConcrete(t, "curl", "8.4.0").LockByteOffset())
}

func TestPayloadRoundTrip(t *testing.T) {
	zlib := buildConcrete(t, "zlib", "1.2.13")
	curl := New("curl", "8.4.0")
	curl.Parameters["ssl"] = "openssl"
	require.NoError(t, curl.AddDependency(zlib, DepLink, DepRun))
	require.NoError(t, curl.MarkConcrete())

	nodes := map[string]NodePayload{
		curl.DagHash(): curl.ToNodePayload(),
		zlib.DagHash(): zlib.ToNodePayload(),
	}
	specs, err := ResolvePayloads(nodes, nil)
	require.NoError(t, err)
	require.Len(t, specs, 2)

	rebuilt := specs[curl.DagHash()]
	assert.Equal(t, "curl", rebuilt.Name)
	assert.Equal(t, "openssl", rebuilt.Parameters["ssl"])
	assert.True(t, rebuilt.Concrete())
	assert.Equal(t, curl.DagHash(), rebuilt.DagHash())
	require.Len(t, rebuilt.Dependencies(), 1)
	assert.Same(t, specs[zlib.DagHash()], rebuilt.Dependencies()[0])
}

func TestResolvePayloadsMissingDependency(t *testing.T) {
	zlib := buildConcrete(t, "zlib", "1.2.13")
	curl := buildConcrete(t, "curl", "8.4.0", zlib)

	nodes := map[string]NodePayload{curl.DagHash(): curl.ToNodePayload()}

	t.Run("strict resolution fails", func(t *testing.T) {
		_, err := ResolvePayloads(nodes, nil)
		assert.Error(t, err)
	})

	t.Run("callback can skip the edge", func(t *testing.T) {
		var missing []string
		specs, err := ResolvePayloads(nodes, func(parent *Spec, dep DepPayload) error {
			missing = append(missing, dep.Name)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"zlib"}, missing)
		assert.Empty(t, specs[curl.DagHash()].Dependencies())
	})
}

func TestManifestRoundTrip(t *testing.T) {
	zlib := buildConcrete(t, "zlib", "1.2.13")
	libfoo := buildConcrete(t, "libfoo", "1.0.0", zlib)
	app := buildConcrete(t, "app", "0.1.0", libfoo, zlib)

	m := NewManifest(app)
	assert.Len(t, m.Spec, 3)
	assert.Equal(t, app.DagHash(), m.Root)

	root, err := m.Resolve()
	require.NoError(t, err)
	assert.Equal(t, app.DagHash(), root.DagHash())

	// The shared zlib resolves to one object reachable both directly and
	// through libfoo.
	deps := root.Dependencies()
	require.Len(t, deps, 2)
	assert.Same(t, deps[1], deps[0].Dependencies()[0])
}
