// Package prefixdb implements prefix metadata persistence (§4.H):
// per-package PrefixRecord JSON files under conda-meta/, and an
// append-only History log of the environment's revisions.
//
// The on-disk record shape and its file-hash/size row bookkeeping are
// grounded on the PyPA Recording Installed Projects writer
// (pkg/python/pypa/recording_installs): conda-meta/<dist>.json plays the
// same "what did we put where, with what hash" role RECORD plays for
// pip, so the same hash-then-record-row idiom is reused here, just
// writing a single JSON document per package instead of a CSV.
package prefixdb

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/datawire/prefixctl/pkg/repodata"
)

const metaDir = "conda-meta"

// PrefixRecord is the persisted record of a single installed package
// within a prefix (§3).
type PrefixRecord struct {
	repodata.Record

	LinkType     string   `json:"link_type"` // "hard-link", "soft-link", "copy"
	RequestedSpec string  `json:"requested_spec,omitempty"`
	Paths        []repodata.PathData `json:"paths_data"`
	LeasedPaths  []string `json:"leased_paths,omitempty"`
	ExtractedDir string   `json:"extracted_package_dir"`
}

func metaPath(prefix string, r *repodata.Record) string {
	return filepath.Join(prefix, metaDir, distName(r)+".json")
}

func distName(r *repodata.Record) string {
	return fmt.Sprintf("%s-%s-%s", r.Name, r.Version, r.Build)
}

// IsEnvironment reports whether prefix has the conda-meta marker
// directory.
func IsEnvironment(prefix string) bool {
	info, err := os.Stat(filepath.Join(prefix, metaDir))
	return err == nil && info.IsDir()
}

// EnsureEnvironment creates the conda-meta directory and its initial
// history file if absent.
func EnsureEnvironment(prefix string) error {
	if err := os.MkdirAll(filepath.Join(prefix, metaDir), 0o755); err != nil {
		return fmt.Errorf("prefixdb: %w", err)
	}
	histPath := filepath.Join(prefix, metaDir, "history")
	if _, err := os.Stat(histPath); os.IsNotExist(err) {
		return os.WriteFile(histPath, nil, 0o644)
	}
	return nil
}

// WriteRecord persists a PrefixRecord to conda-meta/<dist>.json.
func WriteRecord(prefix string, rec *PrefixRecord) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return fmt.Errorf("prefixdb: marshal %s: %w", distName(&rec.Record), err)
	}
	path := metaPath(prefix, &rec.Record)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("prefixdb: write %s: %w", path, err)
	}
	return os.Rename(tmp, path)
}

// ReadRecord loads a single package's PrefixRecord.
func ReadRecord(prefix string, r *repodata.Record) (*PrefixRecord, error) {
	data, err := os.ReadFile(metaPath(prefix, r))
	if err != nil {
		return nil, err
	}
	var pr PrefixRecord
	if err := json.Unmarshal(data, &pr); err != nil {
		return nil, fmt.Errorf("prefixdb: parse %s: %w", metaPath(prefix, r), err)
	}
	return &pr, nil
}

// RemoveRecord deletes a package's conda-meta JSON file.
func RemoveRecord(prefix string, r *repodata.Record) error {
	if err := os.Remove(metaPath(prefix, r)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("prefixdb: remove %s: %w", metaPath(prefix, r), err)
	}
	return nil
}

// ListInstalled returns every PrefixRecord currently persisted in prefix.
func ListInstalled(prefix string) ([]*PrefixRecord, error) {
	entries, err := os.ReadDir(filepath.Join(prefix, metaDir))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("prefixdb: %w", err)
	}
	var out []*PrefixRecord
	for _, e := range entries {
		if e.IsDir() || filepath.Ext(e.Name()) != ".json" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(prefix, metaDir, e.Name()))
		if err != nil {
			return nil, err
		}
		var pr PrefixRecord
		if err := json.Unmarshal(data, &pr); err != nil {
			return nil, fmt.Errorf("prefixdb: parse %s: %w", e.Name(), err)
		}
		out = append(out, &pr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// HashFile hashes a single installed file for PathData.SHA256, skipping
// hashing of files the caller has already excluded (e.g. .pyc, which
// recording_installs likewise excludes from hashing since pyc content is
// non-reproducible across runs).
func HashFile(path string) (string, int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", 0, err
	}
	defer f.Close()
	h := sha256.New()
	n, err := io.Copy(h, f)
	if err != nil {
		return "", 0, err
	}
	return hex.EncodeToString(h.Sum(nil)), n, nil
}

// Revision is one entry in the append-only history log: a timestamp, the
// specs the user requested, and the dist names added and removed by this
// revision (a diff against the prior revision, not a full snapshot), so
// ReplayState can reconstruct the state as of any revision by folding
// diffs forward instead of only ever reading the last one written.
type Revision struct {
	Timestamp time.Time
	Command   string
	Specs     []string
	Added     []string // dist names newly installed in this revision
	Removed   []string // dist names newly removed in this revision
}

func historyPath(prefix string) string { return filepath.Join(prefix, metaDir, "history") }

// AppendHistory appends rev to conda-meta/history in the original
// system's plain-text "comment line, then one dist name per line" format,
// preserving backward-readability for tools that parse conda-meta/history
// directly rather than replaying conda-meta/*.json. Removed dist names are
// written with a "-" prefix and added ones with a "+" prefix, the same
// diff-line convention conda's own history.py writes.
func AppendHistory(prefix string, rev Revision) error {
	path := historyPath(prefix)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("prefixdb: history: %w", err)
	}
	defer f.Close()

	fmt.Fprintf(f, "==> %s <==\n", rev.Timestamp.UTC().Format("2006-01-02 15:04:05"))
	if rev.Command != "" {
		fmt.Fprintf(f, "# cmd: %s\n", rev.Command)
	}
	for _, s := range rev.Specs {
		fmt.Fprintf(f, "# update specs: %s\n", s)
	}
	for _, d := range rev.Removed {
		fmt.Fprintf(f, "-%s\n", d)
	}
	for _, d := range rev.Added {
		fmt.Fprintf(f, "+%s\n", d)
	}
	return nil
}

// HistorySize returns the current byte length of conda-meta/history, so
// UpdateHistoryAction can remember a rollback point before appending.
func HistorySize(prefix string) (int64, error) {
	info, err := os.Stat(historyPath(prefix))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	return info.Size(), nil
}

// TruncateHistory truncates conda-meta/history back to size, undoing a
// single AppendHistory call.
func TruncateHistory(prefix string, size int64) error {
	if err := os.Truncate(historyPath(prefix), size); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("prefixdb: truncate history: %w", err)
	}
	return nil
}

// LatestRevision returns the index of the most recently appended revision,
// or -1 if conda-meta/history has no revisions yet.
func LatestRevision(prefix string) (int, error) {
	revs, err := readHistory(prefix)
	if err != nil {
		return -1, err
	}
	return len(revs) - 1, nil
}

// ReplayState reads conda-meta/history and returns the dist names
// installed as of the given revision (0-indexed), by forward-replaying
// each revision's +/- diff from revision 0 up to and including it — the
// same model the original history.py's get_state uses.
func ReplayState(prefix string, revision int) ([]string, error) {
	revs, err := readHistory(prefix)
	if err != nil {
		return nil, err
	}
	if revision < 0 || revision >= len(revs) {
		return nil, fmt.Errorf("prefixdb: revision %d out of range (have %d revisions)", revision, len(revs))
	}
	state := map[string]bool{}
	for i := 0; i <= revision; i++ {
		for _, d := range revs[i].Removed {
			delete(state, d)
		}
		for _, d := range revs[i].Added {
			state[d] = true
		}
	}
	out := make([]string, 0, len(state))
	for d := range state {
		out = append(out, d)
	}
	sort.Strings(out)
	return out, nil
}

func readHistory(prefix string) ([]Revision, error) {
	data, err := os.ReadFile(historyPath(prefix))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var revs []Revision
	var cur *Revision
	lines := splitLines(string(data))
	for _, line := range lines {
		switch {
		case len(line) > 4 && line[:4] == "==> ":
			if cur != nil {
				revs = append(revs, *cur)
			}
			cur = &Revision{}
		case len(line) > 2 && line[:2] == "# ":
			if cur != nil {
				cur.Specs = append(cur.Specs, line[2:])
			}
		case len(line) > 1 && line[0] == '+':
			if cur != nil {
				cur.Added = append(cur.Added, line[1:])
			}
		case len(line) > 1 && line[0] == '-':
			if cur != nil {
				cur.Removed = append(cur.Removed, line[1:])
			}
		}
	}
	if cur != nil {
		revs = append(revs, *cur)
	}
	return revs, nil
}

func splitLines(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '\n' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	if start < len(s) {
		out = append(out, s[start:])
	}
	return out
}
