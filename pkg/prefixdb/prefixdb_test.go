package prefixdb

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/datawire/prefixctl/pkg/repodata"
)

func TestEnsureEnvironmentAndIsEnvironment(t *testing.T) {
	dir := t.TempDir()
	if IsEnvironment(dir) {
		t.Fatal("fresh temp dir should not look like an environment")
	}
	if err := EnsureEnvironment(dir); err != nil {
		t.Fatalf("EnsureEnvironment: %v", err)
	}
	if !IsEnvironment(dir) {
		t.Fatal("expected IsEnvironment true after EnsureEnvironment")
	}
}

func TestWriteReadRemoveRecord(t *testing.T) {
	dir := t.TempDir()
	if err := EnsureEnvironment(dir); err != nil {
		t.Fatal(err)
	}

	rec := &PrefixRecord{
		Record:       repodata.Record{Name: "numpy", Version: "1.26.0", Build: "py311h1", BuildNumber: 1},
		LinkType:     "hard-link",
		ExtractedDir: filepath.Join(dir, "pkgs", "numpy-1.26.0-py311h1"),
		Paths: []repodata.PathData{
			{Path: "lib/python3.11/site-packages/numpy/__init__.py", PathType: "hardlink"},
		},
	}
	if err := WriteRecord(dir, rec); err != nil {
		t.Fatalf("WriteRecord: %v", err)
	}

	got, err := ReadRecord(dir, &rec.Record)
	if err != nil {
		t.Fatalf("ReadRecord: %v", err)
	}
	if got.Name != "numpy" || got.Version != "1.26.0" || got.LinkType != "hard-link" {
		t.Fatalf("unexpected round-tripped record: %+v", got)
	}
	if len(got.Paths) != 1 || got.Paths[0].Path != rec.Paths[0].Path {
		t.Fatalf("paths did not round-trip: %+v", got.Paths)
	}

	list, err := ListInstalled(dir)
	if err != nil {
		t.Fatalf("ListInstalled: %v", err)
	}
	if len(list) != 1 || list[0].Name != "numpy" {
		t.Fatalf("unexpected install list: %+v", list)
	}

	if err := RemoveRecord(dir, &rec.Record); err != nil {
		t.Fatalf("RemoveRecord: %v", err)
	}
	if _, err := ReadRecord(dir, &rec.Record); err == nil {
		t.Fatal("expected error reading removed record")
	}

	// removing an already-absent record is not an error.
	if err := RemoveRecord(dir, &rec.Record); err != nil {
		t.Fatalf("RemoveRecord on missing record should be a no-op: %v", err)
	}
}

func TestListInstalledSortedByName(t *testing.T) {
	dir := t.TempDir()
	if err := EnsureEnvironment(dir); err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"zlib", "asgiref", "numpy"} {
		rec := &PrefixRecord{Record: repodata.Record{Name: name, Version: "1.0", Build: "0"}}
		if err := WriteRecord(dir, rec); err != nil {
			t.Fatal(err)
		}
	}
	list, err := ListInstalled(dir)
	if err != nil {
		t.Fatal(err)
	}
	if len(list) != 3 {
		t.Fatalf("expected 3 records, got %d", len(list))
	}
	for i := 1; i < len(list); i++ {
		if list[i-1].Name > list[i].Name {
			t.Fatalf("expected sorted output, got %v", names(list))
		}
	}
}

func names(recs []*PrefixRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.Name
	}
	return out
}

func TestHashFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "a.txt")
	if err := os.WriteFile(path, []byte("hello world"), 0o644); err != nil {
		t.Fatal(err)
	}
	sum, size, err := HashFile(path)
	if err != nil {
		t.Fatalf("HashFile: %v", err)
	}
	if size != int64(len("hello world")) {
		t.Fatalf("unexpected size %d", size)
	}
	if sum != "b94d27b9934d3e08a52e52d7da7dabfac484efe37a5380ee9088f7ace2efcde9" {
		t.Fatalf("unexpected sha256 %s", sum)
	}
}

func TestAppendHistoryAndReplayState(t *testing.T) {
	dir := t.TempDir()
	if err := EnsureEnvironment(dir); err != nil {
		t.Fatal(err)
	}

	rev0 := Revision{
		Timestamp: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC),
		Command:   "install numpy",
		Specs:     []string{"numpy"},
		Added:     []string{"numpy-1.26.0-py311h1"},
	}
	if err := AppendHistory(dir, rev0); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	rev1 := Revision{
		Timestamp: time.Date(2026, 1, 2, 9, 30, 0, 0, time.UTC),
		Command:   "install scipy",
		Specs:     []string{"scipy"},
		Added:     []string{"scipy-1.11.0-py311h2"},
	}
	if err := AppendHistory(dir, rev1); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	rev2 := Revision{
		Timestamp: time.Date(2026, 1, 3, 9, 30, 0, 0, time.UTC),
		Command:   "remove numpy",
		Removed:   []string{"numpy-1.26.0-py311h1"},
	}
	if err := AppendHistory(dir, rev2); err != nil {
		t.Fatalf("AppendHistory: %v", err)
	}

	latest, err := LatestRevision(dir)
	if err != nil {
		t.Fatalf("LatestRevision: %v", err)
	}
	if latest != 2 {
		t.Fatalf("expected latest revision 2, got %d", latest)
	}

	state, err := ReplayState(dir, 1)
	if err != nil {
		t.Fatalf("ReplayState: %v", err)
	}
	if len(state) != 2 {
		t.Fatalf("expected 2 installed dists as of revision 1, got %v", state)
	}

	final, err := ReplayState(dir, latest)
	if err != nil {
		t.Fatalf("ReplayState: %v", err)
	}
	if len(final) != 1 || final[0] != "scipy-1.11.0-py311h2" {
		t.Fatalf("expected only scipy left as of the latest revision, got %v", final)
	}

	if _, err := ReplayState(dir, 99); err == nil {
		t.Fatal("expected out-of-range revision to error")
	}

	raw, err := os.ReadFile(filepath.Join(dir, metaDir, "history"))
	if err != nil {
		t.Fatal(err)
	}
	if !contains(string(raw), "install scipy") {
		t.Fatalf("expected history to record the command, got:\n%s", raw)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
