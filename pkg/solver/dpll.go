package solver

// Assignment maps each Var to a boolean; a Var not present is unassigned.
type Assignment map[Var]bool

// satisfy runs a DPLL search (unit propagation + branching, no learning —
// the reduced index is small enough that this is plenty fast) over
// clauses on variables 0..numVars-1, returning a satisfying assignment if
// one exists.
func satisfy(numVars int, clauses []Clause) (Assignment, bool) {
	assign := make(Assignment, numVars)
	ok := dpll(clauses, assign, numVars)
	if !ok {
		return nil, false
	}
	return assign, true
}

func dpll(clauses []Clause, assign Assignment, numVars int) bool {
	clauses, assigned, ok := unitPropagate(clauses, assign)
	if !ok {
		unassignAll(assign, assigned)
		return false
	}
	if len(clauses) == 0 {
		return true
	}

	v := pickUnassigned(clauses, assign)
	if v < 0 {
		// every remaining clause is satisfied by literals over assigned
		// vars, or there are no more variables to branch on.
		return true
	}

	for _, val := range [2]bool{true, false} {
		assign[v] = val
		if dpll(clauses, assign, numVars) {
			return true
		}
		delete(assign, v)
	}
	unassignAll(assign, assigned)
	return false
}

func unassignAll(assign Assignment, vars []Var) {
	for _, v := range vars {
		delete(assign, v)
	}
}

// unitPropagate repeatedly finds clauses with exactly one unassigned
// literal and all others false, assigning that literal true, until no
// more unit clauses remain or a contradiction (empty clause) is found.
// It returns the vars it assigned so the caller can undo them on
// backtrack, since assign is shared mutable state across the recursion.
func unitPropagate(clauses []Clause, assign Assignment) ([]Clause, []Var, bool) {
	var assigned []Var
	changed := true
	for changed {
		changed = false
		for _, c := range clauses {
			status, unit := evalClause(c, assign)
			switch status {
			case clauseFalse:
				return nil, assigned, false
			case clauseUnit:
				assign[unit.Var] = !unit.Neg
				assigned = append(assigned, unit.Var)
				changed = true
			}
		}
	}
	return filterSatisfied(clauses, assign), assigned, true
}

type clauseStatus int

const (
	clauseUnknown clauseStatus = iota
	clauseTrue
	clauseFalse
	clauseUnit
)

func evalClause(c Clause, assign Assignment) (clauseStatus, Lit) {
	var unassigned []Lit
	for _, lit := range c.Lits {
		val, ok := assign[lit.Var]
		if !ok {
			unassigned = append(unassigned, lit)
			continue
		}
		if val != lit.Neg {
			return clauseTrue, Lit{}
		}
	}
	switch len(unassigned) {
	case 0:
		return clauseFalse, Lit{}
	case 1:
		return clauseUnit, unassigned[0]
	default:
		return clauseUnknown, Lit{}
	}
}

func filterSatisfied(clauses []Clause, assign Assignment) []Clause {
	out := clauses[:0:0]
	for _, c := range clauses {
		status, _ := evalClause(c, assign)
		if status == clauseTrue {
			continue
		}
		out = append(out, c)
	}
	return out
}

func pickUnassigned(clauses []Clause, assign Assignment) Var {
	for _, c := range clauses {
		for _, lit := range c.Lits {
			if _, ok := assign[lit.Var]; !ok {
				return lit.Var
			}
		}
	}
	return -1
}

// IsSatisfiable reports whether the problem has any satisfying assignment
// at all, without attempting objective minimization.
func (p *Problem) IsSatisfiable() bool {
	_, ok := satisfy(len(p.Records), p.Clauses)
	return ok
}
