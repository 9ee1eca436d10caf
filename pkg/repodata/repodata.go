// Package repodata models a channel subdir's repodata.json (the wire
// format described in §6) and the in-memory Index built by merging one or
// more subdirs across channels.
package repodata

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/datawire/prefixctl/pkg/channel"
	"github.com/datawire/prefixctl/pkg/pkgver"
)

// PathData describes one installed file's recorded metadata, the subset
// carried in info/paths.json / conda-meta records.
type PathData struct {
	Path       string `json:"_path"`
	PathType   string `json:"path_type"` // "hardlink", "softlink", "directory"
	SHA256     string `json:"sha256,omitempty"`
	SizeInByte int64  `json:"size_in_bytes,omitempty"`
	NoLink     bool   `json:"no_link,omitempty"`
	PrefixPlaceholder string `json:"prefix_placeholder,omitempty"`
	FileMode          string `json:"file_mode,omitempty"` // "text" or "binary"
}

// Record is a single package's repodata entry (§3 PackageRecord,
// repodata subset).
type Record struct {
	Name       string   `json:"name"`
	Version    string   `json:"version"`
	Build      string   `json:"build"`
	BuildNumber int     `json:"build_number"`
	Depends    []string `json:"depends,omitempty"`
	Constrains []string `json:"constrains,omitempty"`

	Channel string `json:"channel,omitempty"`
	Subdir  string `json:"subdir"`
	Fn      string `json:"fn"`

	MD5    string `json:"md5,omitempty"`
	SHA256 string `json:"sha256,omitempty"`
	Size   int64  `json:"size"`

	License        string   `json:"license,omitempty"`
	LicenseFamily   string   `json:"license_family,omitempty"`
	Timestamp       int64    `json:"timestamp,omitempty"`
	TrackFeatures   []string `json:"track_features,omitempty"`
	Features        []string `json:"features,omitempty"`
	NoArch          string   `json:"noarch,omitempty"` // "python" or "generic"

	// Priority carries the owning channel's rank (channel.Channel.Priority,
	// lower sorts first), so the solver can use it both as a hard
	// constraint under strict channel priority and as an objective tier.
	Priority int `json:"-"`
	// Synthetic marks a record Augment inserted to give a track_features/
	// features name a SAT variable of its own; it was never a real
	// tarball and must never be fetched, extracted, or linked.
	Synthetic bool `json:"-"`

	PathsData []PathData `json:"-"` // populated from info/paths.json at cache-extract time, not repodata.json

	// parsedVersion is computed lazily via ParsedVersion().
	parsedVersion *pkgver.Version
}

// ParsedVersion returns the package's parsed version, caching the result.
func (r *Record) ParsedVersion() (pkgver.Version, error) {
	if r.parsedVersion != nil {
		return *r.parsedVersion, nil
	}
	v, err := pkgver.Parse(r.Version)
	if err != nil {
		return pkgver.Version{}, fmt.Errorf("repodata: record %s: %w", r.Fn, err)
	}
	r.parsedVersion = v
	return *v, nil
}

// PathsManifest is the wire shape of a package's own info/paths.json,
// found inside its extracted directory rather than in the channel's
// repodata.json.
type PathsManifest struct {
	PathsVersion int        `json:"paths_version"`
	Paths        []PathData `json:"paths"`
}

// ParsePathsManifest parses a package's info/paths.json.
func ParsePathsManifest(data []byte) (*PathsManifest, error) {
	var m PathsManifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("repodata: paths.json: %w", err)
	}
	return &m, nil
}

// Key uniquely identifies a record within a single load of an Index.
type Key struct {
	Channel string
	Subdir  string
	Fn      string
}

func (r *Record) Key() Key { return Key{Channel: r.Channel, Subdir: r.Subdir, Fn: r.Fn} }

// Raw is the JSON shape of a channel subdir's repodata.json, per §6.
type Raw struct {
	RepodataVersion int                `json:"repodata_version"`
	Info            RawInfo            `json:"info"`
	Packages        map[string]*Record `json:"packages"`
	PackagesConda   map[string]*Record `json:"packages.conda"`
	RemovedPackages []string           `json:"removed,omitempty"`
}

// RawInfo is repodata.json's "info" block.
type RawInfo struct {
	Subdir        string `json:"subdir"`
	Arch          string `json:"arch,omitempty"`
	Platform      string `json:"platform,omitempty"`
	BaseURL       string `json:"base_url,omitempty"`
}

// ParseRaw decodes repodata.json bytes and fills in Fn/Subdir on each
// record from its map key and the info block, since repodata.json omits
// both from the per-record JSON object itself.
func ParseRaw(subdir string, data []byte) (*Raw, error) {
	var raw Raw
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("repodata: parse: %w", err)
	}
	for fn, rec := range raw.Packages {
		rec.Fn = fn
		rec.Subdir = subdir
	}
	for fn, rec := range raw.PackagesConda {
		rec.Fn = fn
		rec.Subdir = subdir
	}
	return &raw, nil
}

// Index is the merged, queryable view across one or more loaded repodata
// files (§4.B).
type Index struct {
	byName map[string][]*Record
	all    []*Record
}

// NewIndex builds an empty index.
func NewIndex() *Index {
	return &Index{byName: map[string][]*Record{}}
}

// Load merges a channel's raw repodata into the index. .conda-format
// entries take priority over legacy .tar.bz2 entries for the same
// (name, version, build, build_number) per §6's packages.conda precedence.
func (idx *Index) Load(ch channel.Channel, raw *Raw) {
	preferred := map[string]*Record{}
	for fn, rec := range raw.PackagesConda {
		rec.Channel = ch.CanonicalName()
		rec.Priority = ch.Priority
		key := dedupKey(rec)
		preferred[key] = rec
		_ = fn
	}
	for fn, rec := range raw.Packages {
		rec.Channel = ch.CanonicalName()
		rec.Priority = ch.Priority
		key := dedupKey(rec)
		if _, ok := preferred[key]; ok {
			continue
		}
		preferred[key] = rec
		_ = fn
	}
	removed := map[string]bool{}
	for _, fn := range raw.RemovedPackages {
		removed[fn] = true
	}
	for _, rec := range preferred {
		if removed[rec.Fn] {
			continue
		}
		idx.all = append(idx.all, rec)
		idx.byName[rec.Name] = append(idx.byName[rec.Name], rec)
	}
	idx.Augment()
}

// Augment inserts a synthetic "@<feature>" record for every distinct
// track_features/features name referenced by a real record already in the
// index, one per name, so the solver can allocate each feature its own
// ordinary package variable instead of needing a parallel variable space.
// Safe to call more than once: already-augmented names are left alone.
func (idx *Index) Augment() {
	seen := map[string]bool{}
	for _, rec := range idx.all {
		if rec.Synthetic {
			seen[rec.Name] = true
		}
	}
	var names []string
	for _, rec := range idx.all {
		if rec.Synthetic {
			continue
		}
		names = append(names, rec.TrackFeatures...)
		names = append(names, rec.Features...)
	}
	for _, f := range names {
		name := "@" + f
		if seen[name] {
			continue
		}
		seen[name] = true
		idx.Add(&Record{
			Name:      name,
			Version:   "0",
			Build:     "0",
			Channel:   "@features",
			Subdir:    "noarch",
			Fn:        name,
			Synthetic: true,
		})
	}
}

func dedupKey(r *Record) string {
	return fmt.Sprintf("%s|%s|%d", r.Name, r.Version, r.BuildNumber) + "|" + r.Build
}

// ByName returns every record for a given package name, across all loaded
// channels/subdirs.
func (idx *Index) ByName(name string) []*Record {
	return idx.byName[name]
}

// Names returns every distinct package name present in the index, sorted.
func (idx *Index) Names() []string {
	out := make([]string, 0, len(idx.byName))
	for name := range idx.byName {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// All returns every record in the index.
func (idx *Index) All() []*Record { return idx.all }

// Add inserts a single record directly. Augment uses it for synthetic
// feature records and reduce.Build for the records it copies into a
// reduced index. Records of packages already installed in a prefix are not
// added to an index; one that is no longer in the loaded repodata is
// therefore not a candidate for the solver.
func (idx *Index) Add(r *Record) {
	idx.all = append(idx.all, r)
	idx.byName[r.Name] = append(idx.byName[r.Name], r)
}
