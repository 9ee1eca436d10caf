package matchspec_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/prefixctl/pkg/matchspec"
	"github.com/datawire/prefixctl/pkg/pkgver"
)

func mustVer(t *testing.T, s string) pkgver.Version {
	t.Helper()
	v, err := pkgver.Parse(s)
	require.NoError(t, err)
	return *v
}

func TestParseAndMatchSimple(t *testing.T) {
	t.Parallel()
	m, err := matchspec.Parse("numpy>=1.20,<2")
	require.NoError(t, err)
	assert.Equal(t, "numpy", m.Name)
	assert.True(t, m.Match("numpy", mustVer(t, "1.21.0"), "py39h1234", 0))
	assert.False(t, m.Match("numpy", mustVer(t, "2.0.0"), "py39h1234", 0))
	assert.False(t, m.Match("scipy", mustVer(t, "1.21.0"), "py39h1234", 0))
}

func TestParseThreeFieldLegacy(t *testing.T) {
	t.Parallel()
	m, err := matchspec.Parse("python 3.9.* py39h*")
	require.NoError(t, err)
	assert.Equal(t, "python", m.Name)
	assert.True(t, m.Match("python", mustVer(t, "3.9.7"), "py39h1234", 0))
	assert.False(t, m.Match("python", mustVer(t, "3.10.0"), "py39h1234", 0))
}

func TestParseSelectorBrackets(t *testing.T) {
	t.Parallel()
	m, err := matchspec.Parse("numpy[version='>=1.20',build_number=2]")
	require.NoError(t, err)
	assert.True(t, m.Match("numpy", mustVer(t, "1.20.0"), "py39h1234", 2))
	assert.False(t, m.Match("numpy", mustVer(t, "1.20.0"), "py39h1234", 1))
}

func TestChannelPrefix(t *testing.T) {
	t.Parallel()
	m, err := matchspec.Parse("conda-forge::numpy>=1.20")
	require.NoError(t, err)
	assert.Equal(t, "conda-forge", m.Channel)
	assert.Equal(t, "numpy", m.Name)
}

func TestCompatibleRelease(t *testing.T) {
	t.Parallel()
	m, err := matchspec.Parse("numpy~=1.4.5")
	require.NoError(t, err)
	assert.True(t, m.Match("numpy", mustVer(t, "1.4.6"), "b", 0))
	assert.False(t, m.Match("numpy", mustVer(t, "1.5.0"), "b", 0))
}

func TestWildcardAny(t *testing.T) {
	t.Parallel()
	m, err := matchspec.Parse("*")
	require.NoError(t, err)
	assert.Equal(t, "*", m.Name)
	assert.True(t, m.Match("anything", mustVer(t, "0.0.1"), "b", 0))
}
