package path_test

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ci-forge/engine/internal/path"
)

func TestParseRoundTrip(t *testing.T) {
	cases := []string{"a", "a/b", "a/b/c", "heads/main", "pr/7/head"}
	for _, c := range cases {
		p, err := path.Parse(c)
		require.NoError(t, err)
		assert.Equal(t, c, p.String())
	}
}

func TestParseEmpty(t *testing.T) {
	p, err := path.Parse("")
	require.NoError(t, err)
	assert.Empty(t, p)
}

func TestParseRejectsInvalidSegments(t *testing.T) {
	cases := []string{".", "..", "a/./b", "a//b", "a/../b"}
	for _, c := range cases {
		_, err := path.Parse(c)
		assert.Error(t, err, "expected error for %q", c)
	}
}

func TestNewRejectsSlash(t *testing.T) {
	_, err := path.New("a/b")
	assert.ErrorIs(t, err, path.ErrInvalidSegment)
}

func TestJoinAndAppend(t *testing.T) {
	a, err := path.New("user", "repo")
	require.NoError(t, err)
	b, err := path.New("pr", "7")
	require.NoError(t, err)

	joined := a.Join(b)
	assert.Equal(t, "user/repo/pr/7", joined.String())

	appended, err := a.Append("ref")
	require.NoError(t, err)
	assert.Equal(t, "user/repo/ref", appended.String())

	_, err = a.Append("a/b")
	assert.Error(t, err)
}

func TestCompareOrdering(t *testing.T) {
	paths := []path.Path{
		mustPath(t, "b"),
		mustPath(t, "a/z"),
		mustPath(t, "a"),
		mustPath(t, "a/b"),
	}
	sort.Slice(paths, func(i, j int) bool { return path.Less(paths[i], paths[j]) })

	var out []string
	for _, p := range paths {
		out = append(out, p.String())
	}
	assert.Equal(t, []string{"a", "a/b", "a/z", "b"}, out)
}

func TestEqual(t *testing.T) {
	a := mustPath(t, "x/y")
	b := mustPath(t, "x/y")
	c := mustPath(t, "x/z")
	assert.True(t, a.Equal(b))
	assert.False(t, a.Equal(c))
}

func mustPath(t *testing.T, s string) path.Path {
	t.Helper()
	p, err := path.Parse(s)
	require.NoError(t, err)
	return p
}
