package solver

import (
	"sort"

	"github.com/datawire/prefixctl/pkg/repodata"
)

// Objective ranks satisfying assignments the way the original resolver
// does: lexicographically minimize (1) packages removed from what's
// already installed, (2) active track_features, (3) channel priority
// (lower ranks first), (4) packages changed from their installed
// version/build, (5) maximize version recency, (6) prefer the
// newer-timestamped build among otherwise-tied candidates.
//
// Rather than encode the objective as pseudo-boolean clauses and binary
// search bounds into the SAT instance (as the original resolver's
// Resolve.solve does via iterative tightening), this implementation finds
// ANY satisfying assignment via DPLL and then greedily tightens it: for
// each objective tier in order, it tries forcing "prefer higher-priority
// candidates" clauses and re-solves, keeping the tightened result only if
// still satisfiable. This is the same "binary search over an added upper-
// bound clause" idea, specialized to a small number of tiers instead of a
// general integer bound.

// Solve finds the best satisfying assignment for p, or reports
// unsatisfiability with a minimal unsatisfiable subset of clause groups.
func (p *Problem) Solve() (Assignment, error) {
	base, ok := satisfy(len(p.Records), p.Clauses)
	if !ok {
		groups := p.extractMUS()
		return nil, &unsatError{groups: groups}
	}

	best := base
	for tier := 0; tier < 6; tier++ {
		tightened, ok := p.tighten(best, tier)
		if ok {
			best = tightened
		}
	}
	return best, nil
}

// tighten tries to find a strictly better assignment for the given
// objective tier by forbidding the current assignment's worst choices for
// that tier and re-solving; it returns the improved assignment if one is
// found, else the input unchanged.
func (p *Problem) tighten(cur Assignment, tier int) (Assignment, bool) {
	switch tier {
	case 0:
		return p.preferKeepInstalled(cur)
	case 1:
		return p.preferNoTrackFeatures(cur)
	case 2:
		return p.preferLowerChannelPriority(cur)
	case 3:
		return p.preferExactInstalledVersions(cur)
	case 4:
		return p.preferHigherVersion(cur)
	case 5:
		return p.preferNewerTimestamp(cur)
	default:
		return cur, false
	}
}

// nameSelected reports whether any record of name is true in cur.
func (p *Problem) nameSelected(cur Assignment, name string) bool {
	for _, v := range p.varsForName(name) {
		if cur[v] {
			return true
		}
	}
	return false
}

// preferKeepInstalled minimizes the count of previously-installed packages
// dropped entirely from the solution, by forcing each dropped name's
// previously-installed variant back on, one at a time, keeping whichever
// forcings stay satisfiable.
func (p *Problem) preferKeepInstalled(cur Assignment) (Assignment, bool) {
	var forced []Clause
	changed := false
	best := cur
	for name, rec := range p.Installed {
		if p.nameSelected(best, name) {
			continue
		}
		v, ok := p.varOf[rec.Key()]
		if !ok {
			continue
		}
		trial := append(append([]Clause{}, p.Clauses...), forced...)
		trial = append(trial, Clause{Lits: []Lit{positive(v)}, Group: "prefer-keep-installed:" + name})
		attempt, ok := satisfy(len(p.Records), trial)
		if !ok {
			continue
		}
		forced = append(forced, Clause{Lits: []Lit{positive(v)}, Group: "prefer-keep-installed:" + name})
		best = attempt
		changed = true
	}
	return best, changed
}

// preferNoTrackFeatures minimizes the count of active track_features,
// greedily trying to force each currently-active synthetic feature
// variable off, keeping whichever forcings stay satisfiable.
func (p *Problem) preferNoTrackFeatures(cur Assignment) (Assignment, bool) {
	var active []Var
	for _, rec := range p.Index.All() {
		if !rec.Synthetic {
			continue
		}
		v := p.varFor(rec)
		if cur[v] {
			active = append(active, v)
		}
	}
	if len(active) == 0 {
		return cur, false
	}
	var forced []Clause
	changed := false
	best := cur
	for _, v := range active {
		trial := append(append([]Clause{}, p.Clauses...), forced...)
		trial = append(trial, Clause{Lits: []Lit{negative(v)}, Group: "prefer-no-track-features"})
		attempt, ok := satisfy(len(p.Records), trial)
		if !ok {
			continue
		}
		forced = append(forced, Clause{Lits: []Lit{negative(v)}, Group: "prefer-no-track-features"})
		best = attempt
		changed = true
	}
	return best, changed
}

// preferExactInstalledVersions minimizes the count of installed packages
// changed to a different version/build, by forcing each changed name's
// previously-installed variant back on, one at a time.
func (p *Problem) preferExactInstalledVersions(cur Assignment) (Assignment, bool) {
	var forced []Clause
	changed := false
	best := cur
	for name, rec := range p.Installed {
		if !p.nameSelected(best, name) {
			continue // already handled (or not) by preferKeepInstalled
		}
		v, ok := p.varOf[rec.Key()]
		if !ok || best[v] {
			continue
		}
		trial := append(append([]Clause{}, p.Clauses...), forced...)
		trial = append(trial, Clause{Lits: []Lit{positive(v)}, Group: "prefer-exact-installed:" + name})
		attempt, ok := satisfy(len(p.Records), trial)
		if !ok {
			continue
		}
		forced = append(forced, Clause{Lits: []Lit{positive(v)}, Group: "prefer-exact-installed:" + name})
		best = attempt
		changed = true
	}
	return best, changed
}

// preferNewerTimestamp breaks remaining ties among a request's matching
// candidates in favor of the more recently-built package, for pairs that
// are otherwise equal on version and build number.
func (p *Problem) preferNewerTimestamp(cur Assignment) (Assignment, bool) {
	var forced []Clause
	for _, req := range p.Requests {
		vars, _ := p.matchVars(req)
		if len(vars) < 2 {
			continue
		}
		best := Var(-1)
		for _, v := range vars {
			if cur[v] {
				best = v
			}
		}
		if best < 0 {
			continue
		}
		chosen := best
		for _, v := range vars {
			a, b := p.Records[best], p.Records[v]
			if a.Version == b.Version && a.Build == b.Build && a.BuildNumber == b.BuildNumber && b.Timestamp > a.Timestamp {
				best = v
			}
		}
		if best == chosen {
			continue
		}
		forced = append(forced, Clause{Lits: []Lit{positive(best)}, Group: "prefer-newer-timestamp"})
	}
	if len(forced) == 0 {
		return cur, false
	}
	attempt, ok := satisfy(len(p.Records), append(append([]Clause{}, p.Clauses...), forced...))
	if !ok {
		return cur, false
	}
	return attempt, true
}

// preferHigherVersion re-solves once more with an extra clause set biasing
// toward the newest candidate per requested package name, dropping back to
// cur if that makes the problem unsatisfiable.
func (p *Problem) preferHigherVersion(cur Assignment) (Assignment, bool) {
	var forced []Clause
	for _, req := range p.Requests {
		vars, _ := p.matchVars(req)
		if len(vars) < 2 {
			continue
		}
		best := vars[0]
		for _, v := range vars[1:] {
			if p.recordLess(p.Records[best], p.Records[v]) {
				best = v
			}
		}
		forced = append(forced, Clause{Lits: []Lit{positive(best)}, Group: "prefer-newest"})
	}
	if len(forced) == 0 {
		return cur, false
	}
	attempt, ok := satisfy(len(p.Records), append(append([]Clause{}, p.Clauses...), forced...))
	if !ok {
		return cur, false
	}
	return attempt, true
}

// preferLowerChannelPriority biases each request toward the candidate from
// the lowest-Priority (highest-preference, per channel.Rank) channel among
// its matches; under strict channel priority this is already forced by a
// hard clause in Generate, so this only bites in the flexible case.
func (p *Problem) preferLowerChannelPriority(cur Assignment) (Assignment, bool) {
	var forced []Clause
	for _, req := range p.Requests {
		vars, _ := p.matchVars(req)
		if len(vars) < 2 {
			continue
		}
		best := vars[0]
		for _, v := range vars[1:] {
			if p.Records[v].Priority < p.Records[best].Priority {
				best = v
			}
		}
		forced = append(forced, Clause{Lits: []Lit{positive(best)}, Group: "prefer-lower-channel-priority"})
	}
	if len(forced) == 0 {
		return cur, false
	}
	attempt, ok := satisfy(len(p.Records), append(append([]Clause{}, p.Clauses...), forced...))
	if !ok {
		return cur, false
	}
	return attempt, true
}

func (p *Problem) recordLess(a, b *repodata.Record) bool {
	av, aerr := a.ParsedVersion()
	bv, berr := b.ParsedVersion()
	if aerr != nil || berr != nil {
		return false
	}
	if c := av.Cmp(bv); c != 0 {
		return c < 0
	}
	return a.BuildNumber < b.BuildNumber
}

// SelectedRecords returns the set of records selected true by assignment.
func (p *Problem) SelectedRecords(a Assignment) []*repodata.Record {
	var out []*repodata.Record
	for v, val := range a {
		if val && !p.Records[v].Synthetic {
			out = append(out, p.Records[v])
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Fn < out[j].Fn })
	return out
}

type unsatError struct {
	groups []string
}

func (e *unsatError) Error() string { return "unsatisfiable" }

// MUSGroups returns the clause-group names implicated in an
// unsatisfiability, for constructing pmerrors.UnsatisfiableError.
func MUSGroups(err error) ([]string, bool) {
	e, ok := err.(*unsatError)
	if !ok {
		return nil, false
	}
	return e.groups, true
}

// extractMUS finds a minimal unsatisfiable subset of clause groups by
// deleting one group at a time, in the order Generate created them
// (request clauses first, then dependency and constraint clauses, then
// the rest), and rechecking satisfiability: if removing a group makes the
// problem satisfiable, that group is part of the MUS.
func (p *Problem) extractMUS() []string {
	groups := map[string][]Clause{}
	var order []string
	for _, c := range p.Clauses {
		if _, ok := groups[c.Group]; !ok {
			order = append(order, c.Group)
		}
		groups[c.Group] = append(groups[c.Group], c)
	}

	var mus []string
	remaining := append([]string{}, order...)
	for _, g := range order {
		without := clausesExcluding(groups, remaining, g)
		if _, ok := satisfy(len(p.Records), without); ok {
			mus = append(mus, g)
		} else {
			remaining = removeString(remaining, g)
		}
	}
	return mus
}

func clausesExcluding(groups map[string][]Clause, names []string, exclude string) []Clause {
	var out []Clause
	for _, n := range names {
		if n == exclude {
			continue
		}
		out = append(out, groups[n]...)
	}
	return out
}

func removeString(s []string, v string) []string {
	out := s[:0]
	for _, x := range s {
		if x != v {
			out = append(out, x)
		}
	}
	return out
}
