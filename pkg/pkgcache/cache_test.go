package pkgcache

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/datawire/prefixctl/pkg/repodata"
)

// buildTarball writes a minimal package tarball (info/index.json plus one
// regular file) the same shape squash_test.go's TestLayer.ToLayer builds,
// just with real file content instead of empty entries, since Verify needs
// to hash real bytes.
func buildTarball(t *testing.T) ([]byte, string) {
	t.Helper()
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	files := []struct {
		name string
		body string
	}{
		{"info/index.json", `{"name":"foo"}`},
		{"bin/foo", "#!/bin/sh\necho hi\n"},
	}
	for _, f := range files {
		hdr := &tar.Header{Name: f.name, Typeflag: tar.TypeReg, Size: int64(len(f.body)), Mode: 0o755}
		if err := tw.WriteHeader(hdr); err != nil {
			t.Fatal(err)
		}
		if _, err := tw.Write([]byte(f.body)); err != nil {
			t.Fatal(err)
		}
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	data := buf.Bytes()
	sum := sha256.Sum256(data)
	return data, hex.EncodeToString(sum[:])
}

func TestEnsureExtractedAndIsExtracted(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}

	data, digest := buildTarball(t)
	rec := &repodata.Record{Name: "foo", Version: "1.0", Build: "0", Fn: "foo-1.0-0.tar", SHA256: digest}

	if err := os.WriteFile(filepath.Join(dir, rec.Fn), data, 0o644); err != nil {
		t.Fatal(err)
	}

	if c.IsExtracted(rec) {
		t.Fatal("should not be extracted yet")
	}
	if err := c.Verify(rec); err != nil {
		t.Fatalf("verify: %v", err)
	}

	dest, err := c.EnsureExtracted(context.Background(), rec)
	if err != nil {
		t.Fatalf("extract: %v", err)
	}
	if !c.IsExtracted(rec) {
		t.Fatal("should report extracted after EnsureExtracted")
	}

	body, err := os.ReadFile(filepath.Join(dest, "bin", "foo"))
	if err != nil {
		t.Fatalf("reading extracted file: %v", err)
	}
	if string(body) != "#!/bin/sh\necho hi\n" {
		t.Fatalf("unexpected extracted content: %q", body)
	}

	// a second call should short-circuit via IsExtracted rather than
	// re-extracting.
	dest2, err := c.EnsureExtracted(context.Background(), rec)
	if err != nil {
		t.Fatal(err)
	}
	if dest2 != dest {
		t.Fatalf("expected stable extracted dir, got %q then %q", dest, dest2)
	}
}

func TestVerifyMismatch(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	data, _ := buildTarball(t)
	rec := &repodata.Record{Name: "foo", Version: "1.0", Build: "0", Fn: "foo-1.0-0.tar", SHA256: "deadbeef"}
	if err := os.WriteFile(filepath.Join(dir, rec.Fn), data, 0o644); err != nil {
		t.Fatal(err)
	}

	err = c.Verify(rec)
	if err == nil {
		t.Fatal("expected mismatch error")
	}
	var mismatch *MismatchError
	if !asMismatch(err, &mismatch) {
		t.Fatalf("expected *MismatchError, got %T: %v", err, err)
	}
}

func asMismatch(err error, target **MismatchError) bool {
	if m, ok := err.(*MismatchError); ok {
		*target = m
		return true
	}
	return false
}

func TestMoveToTrash(t *testing.T) {
	dir := t.TempDir()
	c, err := New(dir)
	if err != nil {
		t.Fatal(err)
	}
	victim := filepath.Join(dir, "gone")
	if err := os.WriteFile(victim, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := c.MoveToTrash(victim); err != nil {
		t.Fatalf("MoveToTrash: %v", err)
	}
	if _, err := os.Stat(victim); !os.IsNotExist(err) {
		t.Fatalf("expected %s to be gone", victim)
	}
}
