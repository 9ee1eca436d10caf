package solver_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/prefixctl/pkg/channel"
	"github.com/datawire/prefixctl/pkg/matchspec"
	"github.com/datawire/prefixctl/pkg/repodata"
	"github.com/datawire/prefixctl/pkg/solver"
)

const fixture = `{
  "repodata_version": 1,
  "info": {"subdir": "linux-64"},
  "packages": {
    "python-3.9.7-h123.tar.bz2": {"name": "python", "version": "3.9.7", "build": "h123", "build_number": 0},
    "numpy-1.21.0-py39h1.tar.bz2": {"name": "numpy", "version": "1.21.0", "build": "py39h1", "build_number": 0, "depends": ["python >=3.9,<3.10"]},
    "numpy-1.19.0-py38h1.tar.bz2": {"name": "numpy", "version": "1.19.0", "build": "py38h1", "build_number": 0, "depends": ["python >=3.8,<3.9"]},
    "python-3.8.10-h999.tar.bz2": {"name": "python", "version": "3.8.10", "build": "h999", "build_number": 0}
  }
}`

func buildIndex(t *testing.T) *repodata.Index {
	t.Helper()
	raw, err := repodata.ParseRaw("linux-64", []byte(fixture))
	require.NoError(t, err)
	idx := repodata.NewIndex()
	ch, err := channel.Parse("conda-forge", nil)
	require.NoError(t, err)
	idx.Load(*ch, raw)
	return idx
}

func TestSolveSimple(t *testing.T) {
	t.Parallel()
	idx := buildIndex(t)
	req, err := matchspec.Parse("numpy>=1.20")
	require.NoError(t, err)

	problem, err := solver.Generate(idx, []matchspec.MatchSpec{*req}, nil, solver.Config{})
	require.NoError(t, err)

	assignment, err := problem.Solve()
	require.NoError(t, err)

	selected := problem.SelectedRecords(assignment)
	names := map[string]bool{}
	for _, r := range selected {
		names[r.Name] = true
	}
	assert.True(t, names["numpy"])
	assert.True(t, names["python"], "numpy's python dependency should be pulled in transitively")
}

func TestUnsatisfiable(t *testing.T) {
	t.Parallel()
	idx := buildIndex(t)
	numpyNew, err := matchspec.Parse("numpy>=1.21")
	require.NoError(t, err)
	pythonOld, err := matchspec.Parse("python<3.9")
	require.NoError(t, err)

	problem, err := solver.Generate(idx, []matchspec.MatchSpec{*numpyNew, *pythonOld}, nil, solver.Config{})
	require.NoError(t, err)

	_, err = problem.Solve()
	require.Error(t, err)
	groups, ok := solver.MUSGroups(err)
	assert.True(t, ok)
	assert.NotEmpty(t, groups)
}
