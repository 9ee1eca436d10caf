// Package pkgcache implements the content-addressed package cache (§4.F):
// downloaded tarballs are represented as go-containerregistry v1.Layer
// values so sha256 addressing, lazy reads, and uncompressed-stream
// extraction all come from that library rather than being hand-rolled,
// the same way the teacher represents OCI layers. That library only
// recognizes gzip compression, so .tar.bz2 streams are decompressed with
// compress/bzip2 before extraction.
package pkgcache

import (
	"archive/tar"
	"compress/bzip2"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/datawire/dlib/dlog"
	ociv1 "github.com/google/go-containerregistry/pkg/v1"
	ociv1tarball "github.com/google/go-containerregistry/pkg/v1/tarball"
	"golang.org/x/sync/singleflight"

	"github.com/datawire/prefixctl/pkg/repodata"
)

// Cache manages a package cache directory (pkgs/ in conda terminology):
// one subdirectory per extracted package, keyed by "<name>-<version>-<build>",
// plus the downloaded tarballs themselves, stored under their repodata
// filename.
type Cache struct {
	Root string

	// extract collapses concurrent EnsureExtracted calls for the same
	// dist name into a single extraction, the in-process equivalent of a
	// per-entry cache lock: two goroutines racing to link the same
	// package must not both untar it into the same directory at once.
	extract singleflight.Group
}

// New returns a Cache rooted at dir, creating it if needed.
func New(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("pkgcache: %w", err)
	}
	return &Cache{Root: dir}, nil
}

// DistName is the "<name>-<version>-<build>" directory/package identity
// conda calls a "dist name".
func DistName(r *repodata.Record) string {
	return fmt.Sprintf("%s-%s-%s", r.Name, r.Version, r.Build)
}

func (c *Cache) tarballPath(r *repodata.Record) string {
	return filepath.Join(c.Root, r.Fn)
}

func (c *Cache) extractedDir(r *repodata.Record) string {
	return filepath.Join(c.Root, DistName(r))
}

// ExtractedDir returns the path r's extracted package directory occupies
// in the cache, whether or not it has actually been extracted yet.
func (c *Cache) ExtractedDir(r *repodata.Record) string {
	return c.extractedDir(r)
}

// OpenLayer opens the cached tarball for r as a content-addressed Layer,
// without reading it into memory.
func (c *Cache) OpenLayer(r *repodata.Record) (ociv1.Layer, error) {
	path := c.tarballPath(r)
	opener := func() (io.ReadCloser, error) { return os.Open(path) }
	var opts []ociv1tarball.LayerOption
	if strings.HasSuffix(r.Fn, ".tar.bz2") {
		opts = append(opts, ociv1tarball.WithCompressedCaching)
	}
	layer, err := ociv1tarball.LayerFromOpener(opener, opts...)
	if err != nil {
		return nil, &fs.PathError{Op: "open package tarball", Path: path, Err: err}
	}
	return layer, nil
}

// Verify checks a cached tarball's recorded digest against its repodata
// checksum. For a non-gzip file (every conda package format) the layer's
// DiffID is the sha256 of the file bytes as stored, which is what repodata
// records; its Digest would be of a gzip re-compression instead.
func (c *Cache) Verify(r *repodata.Record) error {
	if r.SHA256 == "" {
		return nil
	}
	layer, err := c.OpenLayer(r)
	if err != nil {
		return err
	}
	digest, err := layer.DiffID()
	if err != nil {
		return fmt.Errorf("pkgcache: digest of %s: %w", r.Fn, err)
	}
	if digest.Algorithm == "sha256" && digest.Hex != r.SHA256 {
		return &MismatchError{Path: c.tarballPath(r), Expected: r.SHA256, Actual: digest.Hex}
	}
	return nil
}

// MismatchError reports a checksum mismatch between a cached tarball and
// its repodata record.
type MismatchError struct {
	Path     string
	Expected string
	Actual   string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.Path, e.Expected, e.Actual)
}

// IsExtracted reports whether r's package directory already exists in the
// cache with an up-to-date marker.
func (c *Cache) IsExtracted(r *repodata.Record) bool {
	_, err := os.Stat(filepath.Join(c.extractedDir(r), "info", "index.json"))
	return err == nil
}

// EnsureExtracted extracts the cached layer into its package directory if
// not already present, walking its uncompressed tar stream the same way
// the teacher's pkg/dir and pkg/squash packages walk layers, just in the
// read (rather than write) direction.
func (c *Cache) EnsureExtracted(ctx context.Context, r *repodata.Record) (string, error) {
	dest := c.extractedDir(r)
	if c.IsExtracted(r) {
		return dest, nil
	}

	v, err, _ := c.extract.Do(DistName(r), func() (interface{}, error) {
		return c.doExtract(ctx, r, dest)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (c *Cache) doExtract(ctx context.Context, r *repodata.Record, dest string) (string, error) {
	if c.IsExtracted(r) {
		// another caller (possibly in a prior process) finished extracting
		// while we were waiting to acquire the singleflight slot.
		return dest, nil
	}
	dlog.Infof(ctx, "extracting %s", r.Fn)

	layer, err := c.OpenLayer(r)
	if err != nil {
		return "", err
	}
	rc, err := layer.Uncompressed()
	if err != nil {
		return "", fmt.Errorf("pkgcache: uncompress %s: %w", r.Fn, err)
	}
	defer rc.Close()

	tmp := dest + ".extracting"
	if err := os.RemoveAll(tmp); err != nil {
		return "", err
	}
	if err := os.MkdirAll(tmp, 0o755); err != nil {
		return "", err
	}

	var stream io.Reader = rc
	if strings.HasSuffix(r.Fn, ".tar.bz2") {
		stream = bzip2.NewReader(rc)
	}
	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("pkgcache: extract %s: %w", r.Fn, err)
		}
		if err := extractEntry(tmp, hdr, tr); err != nil {
			return "", fmt.Errorf("pkgcache: extract %s: %w", r.Fn, err)
		}
	}

	if err := os.Rename(tmp, dest); err != nil {
		return "", fmt.Errorf("pkgcache: finalize extraction of %s: %w", r.Fn, err)
	}
	return dest, nil
}

func extractEntry(root string, hdr *tar.Header, r io.Reader) error {
	target := filepath.Join(root, filepath.Clean(hdr.Name))
	switch hdr.Typeflag {
	case tar.TypeDir:
		return os.MkdirAll(target, 0o755)
	case tar.TypeSymlink:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		return os.Symlink(hdr.Linkname, target)
	case tar.TypeReg:
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return err
		}
		f, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(hdr.Mode)&0o777)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(f, r)
		return err
	default:
		return nil
	}
}

// VerifyFiles re-hashes every regular file recorded in r's extracted
// info/paths.json against its recorded sha256 and size, the per-file half
// of safety_checks that Verify's tarball-level digest check does not
// cover: a tarball can still hash correctly while a file inside the
// already-extracted directory has been altered since.
func (c *Cache) VerifyFiles(r *repodata.Record) error {
	dir := c.extractedDir(r)
	paths, err := LoadPathsData(dir)
	if err != nil {
		return err
	}
	for _, pd := range paths {
		if pd.PathType == "directory" || pd.SHA256 == "" {
			continue
		}
		path := filepath.Join(dir, pd.Path)
		sum, size, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("pkgcache: verify %s: %w", pd.Path, err)
		}
		if sum != pd.SHA256 {
			return &MismatchError{Path: path, Expected: pd.SHA256, Actual: sum}
		}
		if pd.SizeInByte != 0 && size != pd.SizeInByte {
			return &MismatchError{
				Path:     path,
				Expected: fmt.Sprintf("%d bytes", pd.SizeInByte),
				Actual:   fmt.Sprintf("%d bytes", size),
			}
		}
	}
	return nil
}

func hashFile(path string) (string, int64, error) {
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

// LoadPathsData reads the extracted package's info/paths.json, the
// per-file manifest a repodata.json record never carries itself.
func LoadPathsData(extractedDir string) ([]repodata.PathData, error) {
	data, err := os.ReadFile(filepath.Join(extractedDir, "info", "paths.json"))
	if err != nil {
		return nil, fmt.Errorf("pkgcache: %w", err)
	}
	manifest, err := repodata.ParsePathsManifest(data)
	if err != nil {
		return nil, err
	}
	return manifest.Paths, nil
}

// MoveToTrash attempts to delete path, and if that fails (as can happen on
// Windows when an antivirus or another process holds the file open),
// renames it into a "<root>/.trash/<unix-nanos>-<hex basename>" staging
// area and retries deletion with exponential backoff: 7 tries, waiting
// 100ms before the second and doubling each time, 6.3 seconds of waiting
// in all.
func (c *Cache) MoveToTrash(path string) error {
	err := os.RemoveAll(path)
	if err == nil {
		return nil
	}

	trashDir := filepath.Join(c.Root, ".trash")
	if mkErr := os.MkdirAll(trashDir, 0o755); mkErr != nil {
		return fmt.Errorf("pkgcache: trash: %w", mkErr)
	}
	trashPath := filepath.Join(trashDir, trashName(path))
	if renameErr := os.Rename(path, trashPath); renameErr != nil {
		return fmt.Errorf("pkgcache: could not move %s to trash: %w", path, renameErr)
	}

	delay := 100 * time.Millisecond
	for try := 1; try <= 7; try++ {
		if os.RemoveAll(trashPath) == nil {
			return nil
		}
		if try < 7 {
			time.Sleep(delay)
			delay *= 2
		}
	}
	// best-effort: leave it in .trash for a later cleanup pass rather than
	// failing the whole operation.
	return nil
}

func trashName(path string) string {
	h := hex.EncodeToString([]byte(filepath.Base(path)))
	return fmt.Sprintf("%d-%s", time.Now().UnixNano(), h)
}
