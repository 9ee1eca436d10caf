// Package solver implements the SAT-based dependency resolver (§4.E): a
// clause generator that turns a reduced index and a set of requested
// specs into a boolean satisfiability problem over "package record X is
// installed" variables, a DPLL-style solver, pseudo-boolean lexicographic
// objective minimization over the satisfying assignments, and minimal
// unsatisfiable subset (MUS) extraction for error reporting.
//
// No SAT or pseudo-boolean library is available anywhere in this
// codebase's dependency corpus, so this package is implemented on the
// standard library alone.
package solver

import (
	"fmt"

	"github.com/datawire/prefixctl/pkg/matchspec"
	"github.com/datawire/prefixctl/pkg/repodata"
)

// Var is a boolean variable: "this specific record is installed".
type Var int

// Lit is a literal: a variable or its negation.
type Lit struct {
	Var Var
	Neg bool
}

func positive(v Var) Lit { return Lit{Var: v} }
func negative(v Var) Lit { return Lit{Var: v, Neg: true} }

// Clause is a disjunction of literals: at least one must be true.
type Clause struct {
	Lits []Lit
	// Group names the clause's provenance, used by MUS extraction to
	// downgrade one logical group (e.g. "dependency clauses for spec X")
	// at a time rather than one raw clause at a time.
	Group string
}

// Problem is a fully generated clause set plus the bookkeeping needed to
// map variables back to records and compute the solution objective.
type Problem struct {
	Index    *repodata.Index
	Records  []*repodata.Record // Records[v] is the record for Var(v)
	varOf    map[repodata.Key]Var
	Clauses  []Clause
	Requests []matchspec.MatchSpec
	// Installed maps a name already present in the prefix to the exact
	// record it resolves to there, so the objective can prefer keeping it
	// and prefer its exact version/build over any other tied candidate.
	Installed map[string]*repodata.Record
}

// Config toggles clause families that do not come from the requested specs
// themselves: packages disallowed by policy, and whether channel priority
// is a hard ordering constraint ("strict") rather than a soft objective
// tier.
type Config struct {
	Disallowed            []string
	ChannelPriorityStrict bool
}

// NewProblem allocates a Problem over every record in idx.
func NewProblem(idx *repodata.Index) *Problem {
	p := &Problem{
		Index:     idx,
		varOf:     map[repodata.Key]Var{},
		Installed: map[string]*repodata.Record{},
	}
	for _, rec := range idx.All() {
		v := Var(len(p.Records))
		p.Records = append(p.Records, rec)
		p.varOf[rec.Key()] = v
	}
	return p
}

func (p *Problem) varFor(rec *repodata.Record) Var { return p.varOf[rec.Key()] }

// matchVars returns the variables of every record in the index matching
// spec.
func (p *Problem) matchVars(spec matchspec.MatchSpec) ([]Var, error) {
	var out []Var
	for _, rec := range p.Index.ByName(spec.Name) {
		ver, err := rec.ParsedVersion()
		if err != nil {
			continue
		}
		if spec.Match(rec.Name, ver, rec.Build, rec.BuildNumber) {
			out = append(out, p.varFor(rec))
		}
	}
	return out, nil
}

// addAtLeastOne adds "at least one of these records is installed".
func (p *Problem) addAtLeastOne(vars []Var, group string) {
	lits := make([]Lit, len(vars))
	for i, v := range vars {
		lits[i] = positive(v)
	}
	p.Clauses = append(p.Clauses, Clause{Lits: lits, Group: group})
}

// addImpliesAny adds "if from is installed, at least one of to must be
// installed" — i.e. ¬from ∨ to[0] ∨ to[1] ∨ ...
func (p *Problem) addImpliesAny(from Var, to []Var, group string) {
	lits := []Lit{negative(from)}
	for _, v := range to {
		lits = append(lits, positive(v))
	}
	p.Clauses = append(p.Clauses, Clause{Lits: lits, Group: group})
}

// addMutualExclusion adds a pairwise "at most one of these may be
// installed" constraint, used for single-package-single-version slots
// implied by same-name conflicts being expressed as constrains, and for
// virtual "@feature" slot exclusivity.
func (p *Problem) addMutualExclusion(vars []Var, group string) {
	for i := 0; i < len(vars); i++ {
		for j := i + 1; j < len(vars); j++ {
			p.Clauses = append(p.Clauses, Clause{
				Lits:  []Lit{negative(vars[i]), negative(vars[j])},
				Group: group,
			})
		}
	}
}

// Generate builds clauses for: each requested spec must be satisfied by
// at least one matching record; each record's dependencies must be
// satisfied if the record is installed; each record's constrains forbid
// conflicting records from being installed alongside it; each record's
// track_features/features activate the corresponding synthetic "@feature"
// record; packages named in cfg.Disallowed are forced uninstalled; and,
// under strict channel priority, every candidate outranked by a
// lower-priority channel for the same name is forced uninstalled.
func Generate(idx *repodata.Index, requests []matchspec.MatchSpec, installed map[string]*repodata.Record, cfg Config) (*Problem, error) {
	p := NewProblem(idx)
	p.Requests = requests
	if installed != nil {
		p.Installed = installed
	}

	for _, req := range requests {
		vars, err := p.matchVars(req)
		if err != nil {
			return nil, err
		}
		if len(vars) == 0 {
			return nil, fmt.Errorf("solver: no candidates for requested spec %q", req.String())
		}
		p.addAtLeastOne(vars, "request:"+req.String())
	}

	for _, rec := range idx.All() {
		from := p.varFor(rec)
		for _, depStr := range rec.Depends {
			dep, err := matchspec.Parse(depStr)
			if err != nil {
				continue
			}
			to, err := p.matchVars(*dep)
			if err != nil {
				return nil, err
			}
			if len(to) == 0 {
				// depends on something entirely absent from the reduced
				// index: this record can never be installed.
				p.Clauses = append(p.Clauses, Clause{
					Lits:  []Lit{negative(from)},
					Group: "unreachable-dep:" + rec.Fn,
				})
				continue
			}
			p.addImpliesAny(from, to, "dep:"+rec.Fn+"->"+dep.Name)
		}
		for _, conStr := range rec.Constrains {
			con, err := matchspec.Parse(conStr)
			if err != nil {
				continue
			}
			conflicting, err := p.conflictingVars(*con)
			if err != nil {
				return nil, err
			}
			for _, cv := range conflicting {
				p.Clauses = append(p.Clauses, Clause{
					Lits:  []Lit{negative(from), negative(cv)},
					Group: "constrains:" + rec.Fn,
				})
			}
		}
	}

	// at most one build of each name may be installed at once
	for _, name := range idx.Names() {
		p.addMutualExclusion(p.varsForName(name), "unique-name:"+name)
	}

	// a record carrying track_features/features activates the matching
	// "@feature" synthetic record's variable; synthetic records themselves
	// carry no features of their own and are skipped as a "from" side.
	for _, rec := range idx.All() {
		if rec.Synthetic {
			continue
		}
		from := p.varFor(rec)
		for _, f := range rec.TrackFeatures {
			if fv, ok := p.featureVar(f); ok {
				p.Clauses = append(p.Clauses, Clause{
					Lits:  []Lit{negative(from), positive(fv)},
					Group: "track-feature:" + rec.Fn + "->" + f,
				})
			}
		}
		for _, f := range rec.Features {
			if fv, ok := p.featureVar(f); ok {
				p.Clauses = append(p.Clauses, Clause{
					Lits:  []Lit{negative(from), positive(fv)},
					Group: "feature:" + rec.Fn + "->" + f,
				})
			}
		}
	}

	// packages disallowed by policy are forced uninstalled, not merely
	// rejected when named directly in a request.
	for _, name := range cfg.Disallowed {
		for _, v := range p.varsForName(name) {
			p.Clauses = append(p.Clauses, Clause{
				Lits:  []Lit{negative(v)},
				Group: "disallowed:" + name,
			})
		}
	}

	// under strict channel priority, only the lowest-Priority channel's
	// candidates for a name may ever be installed.
	if cfg.ChannelPriorityStrict {
		for _, name := range idx.Names() {
			recs := idx.ByName(name)
			if len(recs) == 0 {
				continue
			}
			min := recs[0].Priority
			for _, r := range recs[1:] {
				if r.Priority < min {
					min = r.Priority
				}
			}
			for _, r := range recs {
				if r.Priority != min {
					p.Clauses = append(p.Clauses, Clause{
						Lits:  []Lit{negative(p.varFor(r))},
						Group: "channel-priority-strict:" + name,
					})
				}
			}
		}
	}

	return p, nil
}

// featureVar returns the variable of the synthetic "@<name>" record for a
// track_features/features name, if the index was augmented with one.
func (p *Problem) featureVar(name string) (Var, bool) {
	recs := p.Index.ByName("@" + name)
	if len(recs) == 0 {
		return 0, false
	}
	return p.varFor(recs[0]), true
}

func (p *Problem) varsForName(name string) []Var {
	var out []Var
	for _, rec := range p.Index.ByName(name) {
		out = append(out, p.varFor(rec))
	}
	return out
}

// conflictingVars returns the variables of every record of the same name
// as con that does NOT satisfy con — i.e. the records a "constrains"
// clause rules out.
func (p *Problem) conflictingVars(con matchspec.MatchSpec) ([]Var, error) {
	var out []Var
	for _, rec := range p.Index.ByName(con.Name) {
		ver, err := rec.ParsedVersion()
		if err != nil {
			continue
		}
		if !con.Match(rec.Name, ver, rec.Build, rec.BuildNumber) {
			out = append(out, p.varFor(rec))
		}
	}
	return out, nil
}
