package channel_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/datawire/prefixctl/pkg/channel"
)

func TestParseBareName(t *testing.T) {
	t.Parallel()
	c, err := channel.Parse("conda-forge", nil)
	require.NoError(t, err)
	assert.Equal(t, "https://conda.anaconda.org/conda-forge", c.BaseURL.String())
	assert.Equal(t, channel.DefaultSubdirs, c.Subdirs)
}

func TestParseWithSubdir(t *testing.T) {
	t.Parallel()
	c, err := channel.Parse("https://conda.anaconda.org/conda-forge/linux-64", nil)
	require.NoError(t, err)
	assert.Equal(t, []string{"linux-64"}, c.Subdirs)
	assert.Equal(t, "https://conda.anaconda.org/conda-forge", c.BaseURL.String())
}

func TestParseToken(t *testing.T) {
	t.Parallel()
	c, err := channel.Parse("https://conda.anaconda.org/t/abc123/conda-forge", nil)
	require.NoError(t, err)
	assert.Equal(t, "abc123", c.Token)
	u := c.RepodataURL("linux-64", "repodata.json")
	assert.Equal(t, "https://conda.anaconda.org/t/abc123/conda-forge/linux-64/repodata.json", u)
}
