// Package pkgver implements the package manager's version ordering scheme:
// an epoch, a dotted release segment whose dot-separated parts may each mix
// digit and letter runs, and optional pre/post/dev release markers.
//
// The segment model is the PEP 440 local-version model generalized to the
// release segment too: each dot-separated part is split into alternating
// numeric and alphabetic runs and compared with intstr.IntOrString, so that
// "2013a" sorts before "2013" (a missing run counts as 0, and a numeric run
// beats an alphabetic one) and "2013" before "2014".
package pkgver

import (
	"fmt"
	"strconv"
	"strings"

	"k8s.io/apimachinery/pkg/util/intstr"
)

// Version is a single parsed package version.
type Version struct {
	Epoch   int
	Release [][]intstr.IntOrString
	Pre     *preRelease
	Post    *int
	Dev     *int
	Local   []intstr.IntOrString

	raw string
}

type preRelease struct {
	L string // "a", "b", or "rc" (normalized from alpha/beta/c/pre/preview)
	N int
}

// String returns the normalized textual form of the version.
func (v Version) String() string {
	if v.raw != "" {
		return v.raw
	}
	var b strings.Builder
	if v.Epoch > 0 {
		fmt.Fprintf(&b, "%d!", v.Epoch)
	}
	for i, part := range v.Release {
		if i > 0 {
			b.WriteByte('.')
		}
		for _, seg := range part {
			writeSegment(&b, seg)
		}
	}
	if v.Pre != nil {
		fmt.Fprintf(&b, "%s%d", v.Pre.L, v.Pre.N)
	}
	if v.Post != nil {
		fmt.Fprintf(&b, ".post%d", *v.Post)
	}
	if v.Dev != nil {
		fmt.Fprintf(&b, ".dev%d", *v.Dev)
	}
	if len(v.Local) > 0 {
		b.WriteByte('+')
		for i, seg := range v.Local {
			if i > 0 {
				b.WriteByte('.')
			}
			writeSegment(&b, seg)
		}
	}
	return b.String()
}

func writeSegment(b *strings.Builder, seg intstr.IntOrString) {
	if seg.Type == intstr.Int {
		fmt.Fprintf(b, "%d", seg.IntValue())
	} else {
		b.WriteString(seg.StrVal)
	}
}

var preAliases = map[string]string{
	"alpha":   "a",
	"beta":    "b",
	"c":       "rc",
	"pre":     "rc",
	"preview": "rc",
}

// Parse parses a version string into its comparable segments.
//
// Grammar (superset of PEP 440's, per the release-segment alpha-run
// extension): [N!]N(.N|.Na)*[{a|b|c|rc|alpha|beta|pre|preview}N][.postN][.devN][+LOCAL]
func Parse(raw string) (*Version, error) {
	s := strings.TrimSpace(strings.ToLower(raw))
	if s == "" {
		return nil, fmt.Errorf("pkgver: empty version string")
	}
	orig := s

	v := &Version{raw: raw}

	if i := strings.Index(s, "!"); i >= 0 {
		n, err := strconv.Atoi(s[:i])
		if err != nil {
			return nil, fmt.Errorf("pkgver: invalid epoch in %q: %w", orig, err)
		}
		v.Epoch = n
		s = s[i+1:]
	}

	if i := strings.Index(s, "+"); i >= 0 {
		local := s[i+1:]
		s = s[:i]
		for _, part := range strings.FieldsFunc(local, func(r rune) bool { return r == '.' || r == '-' || r == '_' }) {
			v.Local = append(v.Local, splitSegments(part)...)
		}
	}

	relEnd := len(s)
	for i, r := range s {
		if isPreOrPostStart(s, i) {
			relEnd = i
			break
		}
		_ = r
	}
	release := s[:relEnd]
	rest := s[relEnd:]

	if release == "" {
		return nil, fmt.Errorf("pkgver: no release segment in %q", orig)
	}
	for _, part := range strings.Split(release, ".") {
		v.Release = append(v.Release, splitSegmentsWithinPart(part))
	}

	for rest != "" {
		switch {
		case strings.HasPrefix(rest, ".post"):
			rest = rest[len(".post"):]
			n, tail := leadingInt(rest)
			v.Post = &n
			rest = tail
		case strings.HasPrefix(rest, ".dev"):
			rest = rest[len(".dev"):]
			n, tail := leadingInt(rest)
			v.Dev = &n
			rest = tail
		case strings.HasPrefix(rest, "."):
			rest = rest[1:]
		default:
			label, tail := leadingLabel(rest)
			canon, ok := preAliases[label]
			if !ok {
				canon = label
			}
			n, tail2 := leadingInt(tail)
			v.Pre = &preRelease{L: canon, N: n}
			rest = tail2
		}
	}

	return v, nil
}

// isPreOrPostStart reports whether s[i:] begins a pre/post/dev release
// marker. A bare trailing letter run with no following digit (as in
// "2013a") is NOT a pre-release marker — it's a release-segment alpha run,
// per the "{a|b|rc}N" grammar requiring N.
func isPreOrPostStart(s string, i int) bool {
	if strings.HasPrefix(s[i:], ".post") || strings.HasPrefix(s[i:], ".dev") {
		return true
	}
	for _, kw := range []string{"rc", "alpha", "beta", "preview", "pre", "a", "b", "c"} {
		if strings.HasPrefix(s[i:], kw) {
			rest := s[i+len(kw):]
			if len(rest) > 0 && rest[0] >= '0' && rest[0] <= '9' {
				return true
			}
			return false
		}
	}
	return false
}

func leadingInt(s string) (int, string) {
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	if i == 0 {
		return 0, s
	}
	n, _ := strconv.Atoi(s[:i])
	return n, s[i:]
}

func leadingLabel(s string) (string, string) {
	i := 0
	for i < len(s) && (s[i] < '0' || s[i] > '9') {
		i++
	}
	return s[:i], s[i:]
}

// splitSegmentsWithinPart splits a single dot-part (e.g. "2013a", "1a2") into
// alternating numeric/alphabetic intstr.IntOrString runs.
func splitSegmentsWithinPart(part string) []intstr.IntOrString {
	return splitSegments(part)
}

func splitSegments(part string) []intstr.IntOrString {
	var out []intstr.IntOrString
	i := 0
	for i < len(part) {
		start := i
		isDigit := part[i] >= '0' && part[i] <= '9'
		for i < len(part) && (part[i] >= '0' && part[i] <= '9') == isDigit {
			i++
		}
		chunk := part[start:i]
		if isDigit {
			n, _ := strconv.Atoi(chunk)
			out = append(out, intstr.FromInt(n))
		} else {
			out = append(out, intstr.FromString(chunk))
		}
	}
	if len(out) == 0 {
		out = append(out, intstr.FromInt(0))
	}
	return out
}

// Cmp returns -1, 0, or 1 as a compares less than, equal to, or greater than b.
func (a Version) Cmp(b Version) int {
	if a.Epoch != b.Epoch {
		return cmpInt(a.Epoch, b.Epoch)
	}
	if c := cmpReleases(a.Release, b.Release); c != 0 {
		return c
	}
	if c := cmpPreKey(classifyPre(&a), classifyPre(&b)); c != 0 {
		return c
	}
	if c := cmpOptInt(a.Post, b.Post, -1); c != 0 {
		return c
	}
	if c := cmpOptInt(a.Dev, b.Dev, 1); c != 0 {
		// dev releases sort before the release they precede: absence (treated
		// as +inf) beats presence.
		return c
	}
	return cmpSegList(a.Local, b.Local)
}

func cmpInt(a, b int) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// cmpOptInt compares two optional ints, where a nil value compares as
// "missingIsHigh" relative to a present value (+1 if missingIsHigh>0, else -1).
func cmpOptInt(a, b *int, missingIsHigh int) int {
	switch {
	case a == nil && b == nil:
		return 0
	case a == nil:
		return missingIsHigh
	case b == nil:
		return -missingIsHigh
	default:
		return cmpInt(*a, *b)
	}
}

func cmpReleases(a, b [][]intstr.IntOrString) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var pa, pb []intstr.IntOrString
		if i < len(a) {
			pa = a[i]
		} else {
			pa = []intstr.IntOrString{intstr.FromInt(0)}
		}
		if i < len(b) {
			pb = b[i]
		} else {
			pb = []intstr.IntOrString{intstr.FromInt(0)}
		}
		if c := cmpSegList(pa, pb); c != 0 {
			return c
		}
	}
	return 0
}

func cmpSegList(a, b []intstr.IntOrString) int {
	n := len(a)
	if len(b) > n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		var sa, sb *intstr.IntOrString
		if i < len(a) {
			sa = &a[i]
		}
		if i < len(b) {
			sb = &b[i]
		}
		if c := cmpSegment(sa, sb); c != 0 {
			return c
		}
	}
	return 0
}

// cmpSegment compares two segments where a nil segment means "absent", which
// sorts lower than any present numeric segment and higher than any present
// alphabetic segment (an absent trailing segment is treated as the implicit
// zero that follows a numeric run, e.g. "1" == "1.0").
func cmpSegment(a, b *intstr.IntOrString) int {
	if a == nil && b == nil {
		return 0
	}
	if a == nil {
		return -cmpSegment(b, &intstr.IntOrString{Type: intstr.Int})
	}
	if b == nil {
		return cmpSegment(a, &intstr.IntOrString{Type: intstr.Int})
	}
	switch {
	case a.Type == intstr.Int && b.Type == intstr.Int:
		return cmpInt(a.IntValue(), b.IntValue())
	case a.Type == intstr.String && b.Type == intstr.String:
		return strings.Compare(a.StrVal, b.StrVal)
	case a.Type == intstr.Int:
		// numeric beats alphabetic at the same position
		return 1
	default:
		return -1
	}
}

// preRank classifies a version's position in the pre-release ordering,
// matching packaging's _cmpkey: a dev-only release (Pre and Post both
// absent, Dev present) sorts below every pre-release of the same release
// segment, and a release with neither Pre nor Dev is the final release,
// sorting above every pre-release. class 0 carries an explicit pre-release
// to compare against another explicit one.
type preRank struct {
	class int // -1 dev-only, 0 explicit pre-release, 1 final
	pre   *preRelease
}

func classifyPre(v *Version) preRank {
	switch {
	case v.Pre == nil && v.Post == nil && v.Dev != nil:
		return preRank{class: -1}
	case v.Pre == nil:
		return preRank{class: 1}
	default:
		return preRank{class: 0, pre: v.Pre}
	}
}

func cmpPreKey(a, b preRank) int {
	if a.class != b.class {
		return cmpInt(a.class, b.class)
	}
	if a.class == 0 {
		return cmpPre(a.pre, b.pre)
	}
	return 0
}

// cmpPre compares two explicit pre-release markers; both arguments are
// guaranteed non-nil by classifyPre's class-0 case.
func cmpPre(a, b *preRelease) int {
	if a.L != b.L {
		return strings.Compare(a.L, b.L)
	}
	return cmpInt(a.N, b.N)
}

// Equal reports whether a and b compare equal under Cmp.
func (a Version) Equal(b Version) bool { return a.Cmp(b) == 0 }

// Less reports whether a sorts strictly before b.
func (a Version) Less(b Version) bool { return a.Cmp(b) < 0 }

// IsFinal reports whether v has no dev or pre-release markers.
func (v Version) IsFinal() bool { return v.Pre == nil && v.Dev == nil }
