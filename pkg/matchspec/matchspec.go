// Package matchspec implements the package manager's dependency and
// command-line package specification language: a name plus optional
// version/build constraints and key=value selectors, with PEP
// 440-specifier-style version comparison operators.
package matchspec

import (
	"fmt"
	"path/filepath"
	"reflect"
	"strings"

	"github.com/datawire/prefixctl/pkg/pkgver"
)

func globMatch(pattern, s string) bool {
	ok, err := filepath.Match(pattern, s)
	return err == nil && ok
}

// Op is a version comparison operator.
type Op string

const (
	OpEq       Op = "=="
	OpNe       Op = "!="
	OpLt       Op = "<"
	OpLe       Op = "<="
	OpGt       Op = ">"
	OpGe       Op = ">="
	OpCompat   Op = "~=" // compatible release
	OpStartsEq Op = "="  // bare or "="-prefixed version; "startswith" match when it ends in "*"
)

// VersionConstraint is a single operator/version pair.
type VersionConstraint struct {
	Op      Op
	Version pkgver.Version
	// Glob is set for a trailing ".*" wildcard, e.g. "==1.2.*".
	Glob bool
}

// MatchSpec is a parsed dependency/selector expression, e.g.
// "numpy[version='>=1.20,<2',build_number=0]" or "python 3.9.*" or
// "conda-forge::numpy>=1.20=py39h*".
type MatchSpec struct {
	Channel string // optional "channel::" prefix
	Subdir  string
	Name    string // "*" matches any name
	// Constraints is a disjunction ("|") of conjunctions (",") of range
	// atoms: a candidate version matches if it satisfies every atom in at
	// least one of the inner groups. A nil Constraints matches any version.
	Constraints [][]VersionConstraint
	BuildString string // may contain shell globs
	BuildNumber *int
	Selectors   map[string]string // arbitrary key=value selectors from [..] brackets

	raw string
}

// InvalidSpecError reports a version clause that could not be parsed as a
// range atom, so the spec is rejected up front rather than silently fed to
// pkgver.Parse and matching nothing (or garbage).
type InvalidSpecError struct {
	Spec   string
	Clause string
	Err    error
}

func (e *InvalidSpecError) Error() string {
	return fmt.Sprintf("matchspec %q: invalid version clause %q: %v", e.Spec, e.Clause, e.Err)
}

func (e *InvalidSpecError) Unwrap() error { return e.Err }

// String returns a normalized textual form of the spec, not necessarily
// byte-identical to the input it was parsed from.
func (m MatchSpec) String() string {
	if m.raw != "" {
		return m.raw
	}
	var b strings.Builder
	if m.Channel != "" {
		fmt.Fprintf(&b, "%s::", m.Channel)
	}
	b.WriteString(m.Name)
	for gi, group := range m.Constraints {
		if gi > 0 {
			b.WriteByte('|')
		}
		for ci, c := range group {
			if ci > 0 {
				b.WriteByte(',')
			}
			fmt.Fprintf(&b, "%s%s", c.Op, c.Version.String())
		}
	}
	if m.BuildString != "" {
		fmt.Fprintf(&b, "=%s", m.BuildString)
	}
	return b.String()
}

// Parse parses a match-spec string.
//
// Grammar (a practical subset): [channel::]name[ops-and-globs][[key=val,...]]
func Parse(raw string) (*MatchSpec, error) {
	s := strings.TrimSpace(raw)
	m := &MatchSpec{raw: raw, Selectors: map[string]string{}}

	if i := strings.Index(s, "["); i >= 0 && strings.HasSuffix(s, "]") {
		body := s[i+1 : len(s)-1]
		s = s[:i]
		if err := parseSelectors(raw, body, m); err != nil {
			return nil, fmt.Errorf("matchspec: %w", err)
		}
	}

	if i := strings.Index(s, "::"); i >= 0 {
		m.Channel = s[:i]
		s = s[i+2:]
	}

	// split "name version build" on whitespace (conda's space-separated
	// three-field legacy form), falling back to the compact
	// name<op>version=build form.
	fields := strings.Fields(s)
	switch len(fields) {
	case 0:
		return nil, fmt.Errorf("matchspec: empty spec")
	case 1:
		if err := parseNameAndConstraints(raw, fields[0], m); err != nil {
			return nil, fmt.Errorf("matchspec: %w", err)
		}
	case 2:
		m.Name = fields[0]
		if err := parseVersionField(raw, fields[1], m); err != nil {
			return nil, fmt.Errorf("matchspec: %w", err)
		}
	default:
		m.Name = fields[0]
		if err := parseVersionField(raw, fields[1], m); err != nil {
			return nil, fmt.Errorf("matchspec: %w", err)
		}
		m.BuildString = fields[2]
	}

	if m.Name == "" {
		m.Name = "*"
	}
	return m, nil
}

func parseSelectors(raw, body string, m *MatchSpec) error {
	if body == "" {
		return nil
	}
	for _, kv := range splitTopLevel(body, ',') {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) != 2 {
			return fmt.Errorf("invalid selector %q", kv)
		}
		key := strings.TrimSpace(parts[0])
		val := strings.Trim(strings.TrimSpace(parts[1]), `'"`)
		switch key {
		case "version":
			if err := parseVersionField(raw, val, m); err != nil {
				return err
			}
		case "build":
			m.BuildString = val
		case "build_number":
			n := 0
			if _, err := fmt.Sscanf(val, "%d", &n); err != nil {
				return fmt.Errorf("invalid build_number %q", val)
			}
			m.BuildNumber = &n
		case "subdir":
			m.Subdir = val
		case "channel":
			m.Channel = val
		default:
			m.Selectors[key] = val
		}
	}
	return nil
}

// splitTopLevel splits s on sep, ignoring separators inside single/double
// quotes.
func splitTopLevel(s string, sep byte) []string {
	var out []string
	var cur strings.Builder
	var quote byte
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case quote != 0:
			cur.WriteByte(c)
			if c == quote {
				quote = 0
			}
		case c == '\'' || c == '"':
			quote = c
			cur.WriteByte(c)
		case c == sep:
			out = append(out, cur.String())
			cur.Reset()
		default:
			cur.WriteByte(c)
		}
	}
	out = append(out, cur.String())
	return out
}

var ops = []Op{OpCompat, OpEq, OpNe, OpLe, OpGe, OpLt, OpGt}

func parseNameAndConstraints(raw, s string, m *MatchSpec) error {
	for i := range s {
		if isOpStart(s[i:]) {
			m.Name = s[:i]
			ver := s[i:]
			if j := strings.LastIndex(ver, "="); j > 0 && !strings.ContainsAny(ver[j-1:j], "=<>!~") {
				m.BuildString = ver[j+1:]
				ver = ver[:j]
			}
			return parseVersionField(raw, ver, m)
		}
	}
	// bare "name=build" legacy form, or plain name
	if i := strings.Index(s, "="); i >= 0 && !isOpStart(s[i:]) {
		m.Name = s[:i]
		m.BuildString = s[i+1:]
		return nil
	}
	m.Name = s
	return nil
}

func isOpStart(s string) bool {
	for _, op := range ops {
		if strings.HasPrefix(s, string(op)) {
			return true
		}
	}
	return false
}

// parseVersionField parses a version-spec: a disjunction ("|") of
// conjunctions (",") of range atoms, e.g. "0.10.1|0.10.2" or
// ">=1.20,<2|==1.0.*".
func parseVersionField(raw, s string, m *MatchSpec) error {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return nil
	}
	for _, orGroup := range strings.Split(s, "|") {
		orGroup = strings.TrimSpace(orGroup)
		if orGroup == "" {
			return &InvalidSpecError{Spec: raw, Clause: s, Err: fmt.Errorf("empty disjunction clause")}
		}
		var group []VersionConstraint
		for _, clause := range strings.Split(orGroup, ",") {
			clause = strings.TrimSpace(clause)
			if clause == "" {
				continue
			}
			op, rest := splitOp(clause)
			glob := false
			if strings.HasSuffix(rest, ".*") {
				glob = true
				rest = strings.TrimSuffix(rest, ".*")
			} else if strings.HasSuffix(rest, "*") && (op == OpEq || op == OpStartsEq) {
				glob = true
				rest = strings.TrimSuffix(rest, "*")
			}
			if rest == "" || strings.ContainsAny(rest, "|") {
				return &InvalidSpecError{Spec: raw, Clause: clause, Err: fmt.Errorf("malformed range atom")}
			}
			v, err := pkgver.Parse(rest)
			if err != nil {
				return &InvalidSpecError{Spec: raw, Clause: clause, Err: err}
			}
			group = append(group, VersionConstraint{Op: op, Version: *v, Glob: glob})
		}
		if len(group) == 0 {
			return &InvalidSpecError{Spec: raw, Clause: orGroup, Err: fmt.Errorf("empty conjunction clause")}
		}
		m.Constraints = append(m.Constraints, group)
	}
	return nil
}

func splitOp(clause string) (Op, string) {
	for _, op := range ops {
		if strings.HasPrefix(clause, string(op)) {
			return op, clause[len(op):]
		}
	}
	return OpStartsEq, clause
}

// Match reports whether a candidate (name, version, build string, build
// number) satisfies the spec.
func (m MatchSpec) Match(name string, version pkgver.Version, build string, buildNumber int) bool {
	if m.Name != "*" && m.Name != name {
		return false
	}
	if len(m.Constraints) > 0 && !matchAnyGroup(m.Constraints, version) {
		return false
	}
	if m.BuildString != "" && !globMatch(m.BuildString, build) {
		return false
	}
	if m.BuildNumber != nil && *m.BuildNumber != buildNumber {
		return false
	}
	return true
}

// matchAnyGroup reports whether v satisfies every atom in at least one of
// groups' conjunctions (disjunction of conjunctions).
func matchAnyGroup(groups [][]VersionConstraint, v pkgver.Version) bool {
	for _, group := range groups {
		ok := true
		for _, c := range group {
			if !matchConstraint(c, v) {
				ok = false
				break
			}
		}
		if ok {
			return true
		}
	}
	return false
}

func matchConstraint(c VersionConstraint, v pkgver.Version) bool {
	if c.Glob {
		// "==1.2.*" or "=1.2*" matches v whose release is prefixed by
		// c.Version's release segments (epoch and each leading component).
		return releasePrefixMatch(c.Version, v)
	}
	cmp := v.Cmp(c.Version)
	switch c.Op {
	case OpEq, OpStartsEq:
		return cmp == 0
	case OpNe:
		return cmp != 0
	case OpLt:
		return cmp < 0
	case OpLe:
		return cmp <= 0
	case OpGt:
		return cmp > 0
	case OpGe:
		return cmp >= 0
	case OpCompat:
		// ~=1.4.5 means >=1.4.5, ==1.4.* (compatible release clause)
		return cmp >= 0 && releasePrefixMatch(compatFloor(c.Version), v)
	default:
		return false
	}
}

// compatFloor drops the last release component, which is what "~=" treats
// as the free-to-vary trailing segment.
func compatFloor(v pkgver.Version) pkgver.Version {
	if len(v.Release) <= 1 {
		return v
	}
	v.Release = v.Release[:len(v.Release)-1]
	return v
}

func releasePrefixMatch(prefix, v pkgver.Version) bool {
	if prefix.Epoch != v.Epoch {
		return false
	}
	if len(prefix.Release) > len(v.Release) {
		return false
	}
	for i, seg := range prefix.Release {
		if !reflect.DeepEqual(seg, v.Release[i]) {
			return false
		}
	}
	return true
}
