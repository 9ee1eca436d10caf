package pkgver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/prefixctl/pkg/pkgver"
)

func TestParseRoundTrip(t *testing.T) {
	t.Parallel()
	for _, str := range []string{
		"1.0",
		"1.0.1",
		"2013a",
		"1.0.1a",
		"1!1.0",
		"1.0a1",
		"1.0.post1",
		"1.0.dev1",
		"1.0+local.1",
	} {
		str := str
		t.Run(str, func(t *testing.T) {
			t.Parallel()
			v, err := pkgver.Parse(str)
			require.NoError(t, err)
			assert.Equal(t, str, v.String())
		})
	}
}

func TestOrdering(t *testing.T) {
	t.Parallel()
	ordered := []string{
		"1.0.dev1",
		"1.0a1",
		"1.0a2",
		"1.0b1",
		"1.0rc1",
		"1.0",
		"1.0.post1",
		"1.0.post2",
		"1.0.1",
		"2013a",
		"2013b",
		"2014",
		"1!0.1",
	}
	var parsed []*pkgver.Version
	for _, s := range ordered {
		v, err := pkgver.Parse(s)
		require.NoError(t, err)
		parsed = append(parsed, v)
	}
	for i := 1; i < len(parsed); i++ {
		assert.Truef(t, parsed[i-1].Less(*parsed[i]), "%s should sort before %s", ordered[i-1], ordered[i])
	}
}

func TestEpochDominates(t *testing.T) {
	t.Parallel()
	low, err := pkgver.Parse("1!0.0.1")
	require.NoError(t, err)
	high, err := pkgver.Parse("0!999.0")
	require.NoError(t, err)
	assert.True(t, high.Less(*low))
}
