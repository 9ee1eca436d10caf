// Package channel implements the package manager's channel and URL model:
// resolving a short channel name or full URL into the set of per-subdir
// repodata URLs to fetch, the same "join a base and a path" idiom the
// PyPA Simple Repository client uses, generalized to multiple platform
// subdirectories and to conda's anaconda.org token scheme.
package channel

import (
	"fmt"
	"net/url"
	"path"
	"strings"
)

// DefaultSubdirs are the platform subdirectories queried when a channel
// doesn't specify its own subdir list.
var DefaultSubdirs = []string{"linux-64", "osx-64", "osx-arm64", "win-64", "noarch"}

// Channel is a resolved channel: a base URL plus the subdirs to query.
type Channel struct {
	Name     string // e.g. "conda-forge", or a full URL
	BaseURL  *url.URL
	Token    string // anaconda.org access token, if any
	Subdirs  []string
	Priority int // lower sorts first, per CONDA_CHANNEL_PRIORITY
}

// defaultChannelAlias is used to expand a bare name like "conda-forge"
// into a full URL, mirroring anaconda.org's default channel alias.
const defaultChannelAlias = "https://conda.anaconda.org"

var tokenPattern = func() func(string) (token string, rest string) {
	return func(p string) (string, string) {
		const marker = "/t/"
		i := strings.Index(p, marker)
		if i < 0 {
			return "", p
		}
		rest := p[i+len(marker):]
		j := strings.Index(rest, "/")
		if j < 0 {
			return "", p
		}
		return rest[:j], p[:i] + rest[j:]
	}
}()

// Parse resolves a channel name or URL string into a Channel.
func Parse(raw string, subdirs []string) (*Channel, error) {
	if len(subdirs) == 0 {
		subdirs = DefaultSubdirs
	}
	raw = strings.TrimSuffix(raw, "/")

	var full string
	switch {
	case strings.Contains(raw, "://"):
		full = raw
	case strings.HasPrefix(raw, "/") || strings.HasPrefix(raw, "file:"):
		full = "file://" + strings.TrimPrefix(raw, "file://")
	default:
		full = defaultChannelAlias + "/" + raw
	}

	u, err := url.Parse(full)
	if err != nil {
		return nil, fmt.Errorf("channel: invalid channel %q: %w", raw, err)
	}

	token, strippedPath := tokenPattern(u.Path)
	u.Path = strippedPath

	// If the URL's last path component is already a known subdir, treat
	// the parent as the channel root and lock to that one subdir.
	base := *u
	explicitSubdirs := subdirs
	last := path.Base(u.Path)
	for _, sd := range DefaultSubdirs {
		if last == sd {
			base.Path = path.Dir(u.Path)
			explicitSubdirs = []string{sd}
			break
		}
	}

	return &Channel{
		Name:    raw,
		BaseURL: &base,
		Token:   token,
		Subdirs: explicitSubdirs,
	}, nil
}

// RepodataURL returns the URL of the repodata.json for a given subdir.
func (c Channel) RepodataURL(subdir, filename string) string {
	u := *c.BaseURL
	if c.Token != "" {
		u.Path = path.Join("/t", c.Token, u.Path)
	}
	u.Path = path.Join(u.Path, subdir, filename)
	return u.String()
}

// PackageURL returns the URL of a package tarball within a subdir.
func (c Channel) PackageURL(subdir, fname string) string {
	u := *c.BaseURL
	if c.Token != "" {
		u.Path = path.Join("/t", c.Token, u.Path)
	}
	u.Path = path.Join(u.Path, subdir, fname)
	return u.String()
}

// CanonicalName returns the channel identity used for priority ranking and
// MatchSpec channel-equality comparisons: the base URL with credentials
// and token stripped.
func (c Channel) CanonicalName() string {
	u := *c.BaseURL
	u.User = nil
	return strings.TrimSuffix(u.String(), "/")
}

// Rank orders a list of channels by configured priority (ascending,
// first-listed wins ties), per CONDA_CHANNEL_PRIORITY's "channels listed
// first take priority" default.
func Rank(channels []Channel) {
	for i := range channels {
		channels[i].Priority = i
	}
}
