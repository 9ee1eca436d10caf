// Package reduce builds the reduced index the solver actually searches:
// a breadth-first closure over the requested specs' transitive
// dependencies, so the solver never has to reason about packages that
// could not possibly be part of a solution (§4.D).
package reduce

import (
	"errors"
	"fmt"

	"github.com/datawire/prefixctl/pkg/matchspec"
	"github.com/datawire/prefixctl/pkg/repodata"
)

// Build returns the subset of idx reachable from specs by following
// dependency names transitively, deduplicated both by package name (to
// bound the frontier) and by record identity (to avoid re-enqueuing a
// record reachable via two paths).
func Build(idx *repodata.Index, specs []matchspec.MatchSpec) (*repodata.Index, error) {
	out := repodata.NewIndex()

	visitedNames := map[string]struct{}{}
	visitedRecords := map[repodata.Key]struct{}{}

	var frontier []string
	for _, s := range specs {
		if s.Name == "*" {
			continue
		}
		frontier = append(frontier, s.Name)
	}

	var missing []matchspec.MatchSpec
	for _, s := range specs {
		if s.Name == "*" {
			continue
		}
		if len(idx.ByName(s.Name)) == 0 {
			missing = append(missing, s)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("reduce: %w", &notFoundErr{specs: missing})
	}

	for len(frontier) > 0 {
		name := frontier[0]
		frontier = frontier[1:]
		if _, ok := visitedNames[name]; ok {
			continue
		}
		visitedNames[name] = struct{}{}

		for _, rec := range idx.ByName(name) {
			key := rec.Key()
			if _, ok := visitedRecords[key]; ok {
				continue
			}
			visitedRecords[key] = struct{}{}
			out.Add(rec)

			for _, depStr := range rec.Depends {
				dep, err := matchspec.Parse(depStr)
				if err != nil {
					continue // malformed depends strings are tolerated, not fatal, per upstream leniency
				}
				if dep.Name == "*" {
					continue
				}
				if _, ok := visitedNames[dep.Name]; !ok {
					frontier = append(frontier, dep.Name)
				}
			}
		}
	}

	// Real records keep their Features/TrackFeatures fields, but the BFS
	// above never follows them (no Depends string ever names a synthetic
	// "@feature" record), so the reduced index must regenerate its own
	// synthetic records rather than inherit them from idx.
	out.Augment()

	return out, nil
}

type notFoundErr struct {
	specs []matchspec.MatchSpec
}

func (e *notFoundErr) Error() string {
	return fmt.Sprintf("%d requested spec(s) matched no package in the index", len(e.specs))
}

// NotFoundSpecs extracts the offending specs from an error returned by
// Build, for constructing a pmerrors.PackagesNotFoundError.
func NotFoundSpecs(err error) ([]matchspec.MatchSpec, bool) {
	var nf *notFoundErr
	if errors.As(err, &nf) {
		return nf.specs, true
	}
	return nil, false
}
