package repodata_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/prefixctl/pkg/channel"
	"github.com/datawire/prefixctl/pkg/repodata"
)

const sample = `{
  "repodata_version": 1,
  "info": {"subdir": "linux-64"},
  "packages": {
    "numpy-1.20.0-py39h1234.tar.bz2": {
      "name": "numpy", "version": "1.20.0", "build": "py39h1234",
      "build_number": 0, "depends": ["python >=3.9,<3.10"], "size": 100
    }
  },
  "packages.conda": {
    "numpy-1.21.0-py39h1234.conda": {
      "name": "numpy", "version": "1.21.0", "build": "py39h1234",
      "build_number": 0, "depends": ["python >=3.9,<3.10"], "size": 110
    }
  }
}`

func TestLoadPrefersCondaFormat(t *testing.T) {
	t.Parallel()
	raw, err := repodata.ParseRaw("linux-64", []byte(sample))
	require.NoError(t, err)
	// the same package as the .conda entry, in the legacy format
	raw.Packages["numpy-1.21.0-py39h1234.tar.bz2"] = &repodata.Record{
		Name: "numpy", Version: "1.21.0", Build: "py39h1234", BuildNumber: 0,
		Subdir: "linux-64", Fn: "numpy-1.21.0-py39h1234.tar.bz2",
	}

	idx := repodata.NewIndex()
	ch, err := channel.Parse("conda-forge", nil)
	require.NoError(t, err)
	idx.Load(*ch, raw)

	recs := idx.ByName("numpy")
	require.Len(t, recs, 2)
	fns := map[string]bool{}
	for _, r := range recs {
		fns[r.Fn] = true
	}
	assert.True(t, fns["numpy-1.21.0-py39h1234.conda"])
	assert.False(t, fns["numpy-1.21.0-py39h1234.tar.bz2"])
}

func TestRemovedPackagesFiltered(t *testing.T) {
	t.Parallel()
	raw, err := repodata.ParseRaw("linux-64", []byte(sample))
	require.NoError(t, err)
	raw.RemovedPackages = []string{"numpy-1.20.0-py39h1234.tar.bz2"}

	idx := repodata.NewIndex()
	ch, err := channel.Parse("conda-forge", nil)
	require.NoError(t, err)
	idx.Load(*ch, raw)

	recs := idx.ByName("numpy")
	assert.Len(t, recs, 1)
}
