// Package fetch implements the fetch/extract pipeline (§4.G): downloading
// repodata.json and package tarballs over the Http collaborator, verifying
// checksums, and extracting into the package cache, with bounded
// concurrency across the batch of records a transaction needs.
//
// The default Http implementation and its context-aware-GET-with-
// checksum-verification shape are grounded on the PyPA Simple Repository
// client's Client.get, generalized from URL-fragment checksums to
// repodata sha256/md5 fields.
package fetch

import (
	"context"
	"crypto/md5" //nolint:gosec // repodata's legacy checksum field is md5; comparing it is not a security operation
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sync"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"
	"golang.org/x/sync/errgroup"

	"github.com/datawire/prefixctl/pkg/channel"
	"github.com/datawire/prefixctl/pkg/collab"
	"github.com/datawire/prefixctl/pkg/pkgcache"
	"github.com/datawire/prefixctl/pkg/pmerrors"
	"github.com/datawire/prefixctl/pkg/repodata"
)

// DefaultHTTP is a net/http-based Http collaborator for local testing and
// dev use; production deployments inject their own per §6.
type DefaultHTTP struct {
	Client    *http.Client
	UserAgent string
}

// HTTPError reports a non-200 response, mirroring the PyPA client's
// HTTPError shape.
type HTTPError struct {
	URL        string
	Status     string
	StatusCode int
}

func (e *HTTPError) Error() string { return fmt.Sprintf("GET %s: HTTP %s", e.URL, e.Status) }

// Get implements collab.Http.
func (h *DefaultHTTP) Get(ctx context.Context, url string) (io.ReadCloser, error) {
	client := h.Client
	if client == nil {
		client = &http.Client{CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 15 {
				return fmt.Errorf("stopped after 15 redirects")
			}
			return nil
		}}
	}
	ua := h.UserAgent
	if ua == "" {
		ua = "prefixctl"
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", ua)
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, &HTTPError{URL: url, Status: resp.Status, StatusCode: resp.StatusCode}
	}
	return resp.Body, nil
}

// Pipeline ties an Http collaborator and a package cache together.
type Pipeline struct {
	HTTP  collab.Http
	Cache *pkgcache.Cache
	// Concurrency bounds how many repodata files or tarballs are downloaded
	// at once (4 when unset).
	Concurrency int
}

// LoadRepodata fetches and parses a single channel/subdir's repodata.json.
func (p *Pipeline) LoadRepodata(ctx context.Context, ch channel.Channel, subdir string) (*repodata.Raw, error) {
	url := ch.RepodataURL(subdir, "repodata.json")
	rc, err := p.HTTP.Get(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("fetch: repodata %s: %w", url, err)
	}
	defer rc.Close()
	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("fetch: repodata %s: %w", url, err)
	}
	return repodata.ParseRaw(subdir, data)
}

// LoadIndex fetches every subdir of every channel and merges them into a
// single Index, fetching subdirs across channels with bounded
// parallelism via errgroup — the same I/O-bound worker-pool shape the
// surrounding Datawire ecosystem (the teacher's own dependency on
// golang.org/x/sync) uses for fan-out-then-join work.
func LoadIndex(ctx context.Context, p *Pipeline, channels []channel.Channel) (*repodata.Index, error) {
	idx := repodata.NewIndex()
	grp, ctx := errgroup.WithContext(ctx)
	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}
	sem := make(chan struct{}, concurrency)

	type result struct {
		ch     channel.Channel
		subdir string
		raw    *repodata.Raw
	}
	var mu sync.Mutex
	var results []result

	for _, ch := range channels {
		ch := ch
		for _, subdir := range ch.Subdirs {
			subdir := subdir
			grp.Go(func() error {
				sem <- struct{}{}
				defer func() { <-sem }()
				raw, err := p.LoadRepodata(ctx, ch, subdir)
				if err != nil {
					dlog.Warnf(ctx, "skipping %s/%s: %v", ch.Name, subdir, err)
					return nil
				}
				mu.Lock()
				results = append(results, result{ch: ch, subdir: subdir, raw: raw})
				mu.Unlock()
				return nil
			})
		}
	}

	if err := grp.Wait(); err != nil {
		return nil, fmt.Errorf("fetch: %w", err)
	}
	for _, r := range results {
		idx.Load(r.ch, r.raw)
	}
	return idx, nil
}

// FetchAndVerify downloads records' tarballs into the cache (skipping any
// already present) and verifies each against its repodata checksum,
// hashing in parallel via errgroup since verification is CPU-bound. One
// record's failure does not stop the others; every failure is returned
// together as a derror.MultiError.
func FetchAndVerify(ctx context.Context, p *Pipeline, ch channel.Channel, records []*repodata.Record) error {
	concurrency := p.Concurrency
	if concurrency <= 0 {
		concurrency = 4
	}

	grp, ctx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, concurrency)
	var mu sync.Mutex
	var errs derror.MultiError

	for _, rec := range records {
		rec := rec
		grp.Go(func() error {
			sem <- struct{}{}
			defer func() { <-sem }()
			if err := fetchOne(ctx, p, ch, rec); err != nil {
				mu.Lock()
				errs = append(errs, err)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = grp.Wait()
	if len(errs) > 0 {
		return errs
	}
	return nil
}

func fetchOne(ctx context.Context, p *Pipeline, ch channel.Channel, rec *repodata.Record) error {
	dest := filepath.Join(p.Cache.Root, rec.Fn)
	if _, err := os.Stat(dest); err == nil {
		return p.Cache.Verify(rec)
	}

	url := ch.PackageURL(rec.Subdir, rec.Fn)
	dlog.Infof(ctx, "fetching %s", url)
	rc, err := p.HTTP.Get(ctx, url)
	if err != nil {
		return fmt.Errorf("fetch: %s: %w", rec.Fn, err)
	}
	defer rc.Close()

	tmp := dest + ".part"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	sha := sha256.New()
	md5sum := md5.New() //nolint:gosec
	n, err := io.Copy(f, io.TeeReader(rc, io.MultiWriter(sha, md5sum)))
	if err != nil {
		_ = f.Close()
		_ = os.Remove(tmp)
		return fmt.Errorf("fetch: writing %s: %w", rec.Fn, err)
	}
	if err := f.Close(); err != nil {
		return err
	}

	if rec.Size != 0 && n != rec.Size {
		_ = os.Remove(tmp)
		return &pmerrors.MD5MismatchError{
			URL:      url,
			Expected: fmt.Sprintf("%d bytes", rec.Size),
			Actual:   fmt.Sprintf("%d bytes", n),
		}
	}
	if rec.SHA256 != "" {
		if actual := hex.EncodeToString(sha.Sum(nil)); actual != rec.SHA256 {
			_ = os.Remove(tmp)
			return &pmerrors.MD5MismatchError{URL: url, Expected: rec.SHA256, Actual: actual}
		}
	} else if rec.MD5 != "" {
		if actual := hex.EncodeToString(md5sum.Sum(nil)); actual != rec.MD5 {
			_ = os.Remove(tmp)
			return &pmerrors.MD5MismatchError{URL: url, Expected: rec.MD5, Actual: actual}
		}
	}

	return os.Rename(tmp, dest)
}
