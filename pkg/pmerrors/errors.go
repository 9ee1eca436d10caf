// Package pmerrors is the closed enumeration of error kinds the package
// manager's core can return, per the taxonomy of exceptions the original
// system raises. Each kind is a distinct exported struct implementing
// error; callers type-switch or errors.As against them rather than
// matching on string content.
package pmerrors

import (
	"fmt"
	"strings"

	"github.com/datawire/prefixctl/pkg/matchspec"
)

// ResolvePackageNotFound indicates a requested spec matched nothing in the
// index at all (not even before narrowing by other constraints).
type ResolvePackageNotFound struct {
	Spec matchspec.MatchSpec
}

func (e *ResolvePackageNotFound) Error() string {
	return fmt.Sprintf("package not found: %s", e.Spec.String())
}

// PackagesNotFoundError reports every requested spec that resolved to no
// candidates, gathered so the user sees them all at once rather than
// one-by-one.
type PackagesNotFoundError struct {
	Specs []matchspec.MatchSpec
}

func (e *PackagesNotFoundError) Error() string {
	names := make([]string, len(e.Specs))
	for i, s := range e.Specs {
		names[i] = s.String()
	}
	return fmt.Sprintf("packages not found: %s", strings.Join(names, ", "))
}

// UnsatisfiableError reports that the solver's clause set has no
// satisfying assignment. Specs holds the requested specs; Chains names the
// clause groups of a minimal unsatisfiable subset, to help the user see
// why.
type UnsatisfiableError struct {
	Specs []matchspec.MatchSpec
	// Chains holds the names of the clause groups (requests, dependencies,
	// conflicts) that together make the request unsatisfiable.
	Chains []string
}

func (e *UnsatisfiableError) Error() string {
	var b strings.Builder
	b.WriteString("unsatisfiable environment specification:\n")
	for _, c := range e.Chains {
		fmt.Fprintf(&b, "  - %s\n", c)
	}
	return b.String()
}

// PackageNotInstalledError reports an attempt to remove/reference a
// package that isn't in the prefix.
type PackageNotInstalledError struct {
	Name   string
	Prefix string
}

func (e *PackageNotInstalledError) Error() string {
	return fmt.Sprintf("package %q is not installed in prefix %q", e.Name, e.Prefix)
}

// PaddingError reports that a binary prefix-placeholder replacement could
// not fit the new path into the placeholder's byte length.
type PaddingError struct {
	Path        string
	Placeholder string
	NewPrefix   string
}

func (e *PaddingError) Error() string {
	return fmt.Sprintf("new prefix %q (len %d) does not fit the placeholder %q (len %d) in %s",
		e.NewPrefix, len(e.NewPrefix), e.Placeholder, len(e.Placeholder), e.Path)
}

// BinaryPrefixReplacementError wraps a lower-level failure while patching
// a binary file's embedded prefix placeholder.
type BinaryPrefixReplacementError struct {
	Path string
	Err  error
}

func (e *BinaryPrefixReplacementError) Error() string {
	return fmt.Sprintf("binary prefix replacement failed for %s: %v", e.Path, e.Err)
}

func (e *BinaryPrefixReplacementError) Unwrap() error { return e.Err }

// ClobberKind distinguishes why a path collision between packages was
// flagged.
type ClobberKind int

const (
	ClobberUnknown ClobberKind = iota
	ClobberKnown
	ClobberSharedLinkPath
)

// ClobberError reports that two or more packages in a transaction want to
// place different content at the same path.
type ClobberError struct {
	Path     string
	Packages []string
	Kind     ClobberKind
}

func (e *ClobberError) Error() string {
	kind := "unknown"
	switch e.Kind {
	case ClobberKnown:
		kind = "known"
	case ClobberSharedLinkPath:
		kind = "shared-link-path"
	}
	return fmt.Sprintf("clobber (%s) at %s among packages: %s", kind, e.Path, strings.Join(e.Packages, ", "))
}

// RemoveError aggregates failures while removing files/directories during
// unlink.
type RemoveError struct {
	Path string
	Err  error
}

func (e *RemoveError) Error() string { return fmt.Sprintf("failed to remove %s: %v", e.Path, e.Err) }
func (e *RemoveError) Unwrap() error { return e.Err }

// DirectoryNotACondaEnvironmentError reports that a prefix path lacks the
// conda-meta marker directory.
type DirectoryNotACondaEnvironmentError struct {
	Prefix string
}

func (e *DirectoryNotACondaEnvironmentError) Error() string {
	return fmt.Sprintf("%s is not a conda environment (missing conda-meta)", e.Prefix)
}

// EnvironmentNotWritableError reports that the prefix cannot be modified
// by the current user.
type EnvironmentNotWritableError struct {
	Prefix string
	Err    error
}

func (e *EnvironmentNotWritableError) Error() string {
	return fmt.Sprintf("environment %s is not writable: %v", e.Prefix, e.Err)
}
func (e *EnvironmentNotWritableError) Unwrap() error { return e.Err }

// MD5MismatchError reports that a fetched artifact's checksum did not
// match the repodata record.
type MD5MismatchError struct {
	URL      string
	Expected string
	Actual   string
}

func (e *MD5MismatchError) Error() string {
	return fmt.Sprintf("checksum mismatch for %s: expected %s, got %s", e.URL, e.Expected, e.Actual)
}

// ChannelError reports a malformed or unreachable channel URL.
type ChannelError struct {
	Channel string
	Err     error
}

func (e *ChannelError) Error() string { return fmt.Sprintf("channel %q: %v", e.Channel, e.Err) }
func (e *ChannelError) Unwrap() error { return e.Err }

// LockError reports that a prefix-level lock could not be acquired.
type LockError struct {
	Path string
	Err  error
}

func (e *LockError) Error() string { return fmt.Sprintf("could not lock %s: %v", e.Path, e.Err) }
func (e *LockError) Unwrap() error { return e.Err }

// DisallowedPackageError reports that a package matched a configured
// disallow list.
type DisallowedPackageError struct {
	Name string
}

func (e *DisallowedPackageError) Error() string {
	return fmt.Sprintf("package %q is disallowed by configuration", e.Name)
}

// DryRunExit is a sentinel "error" used to unwind a dry-run without
// performing any transaction execution.
type DryRunExit struct {
	Summary string
}

func (e *DryRunExit) Error() string { return "dry run: " + e.Summary }

// SafetyError reports that a safety check failed before a transaction was
// allowed to proceed, such as a cached package's file no longer matching
// its recorded sha256 or size.
type SafetyError struct {
	Reason string
}

func (e *SafetyError) Error() string { return "safety check failed: " + e.Reason }
