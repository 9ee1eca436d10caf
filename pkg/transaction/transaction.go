// Package transaction implements the two-phase unlink/link transaction
// engine (§4.J): given a set of packages to unlink and a set to link, it
// builds an ordered action plan, detects clobbers by merging each
// package's path set onto a running prefix-wide path table (structurally
// the same "apply an ordered sequence of per-package file sets onto a
// base tree, and a later entry replaces an earlier one" merge squash.go's
// loadLayers performs for OCI layers, with unlink/link standing in for
// whiteouts/regular layers), verifies every action, executes them in
// order, and rolls back in reverse order on failure.
package transaction

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/datawire/dlib/derror"
	"github.com/datawire/dlib/dlog"

	"github.com/datawire/prefixctl/pkg/action"
	"github.com/datawire/prefixctl/pkg/pkgcache"
	"github.com/datawire/prefixctl/pkg/pmerrors"
	"github.com/datawire/prefixctl/pkg/prefixdb"
	"github.com/datawire/prefixctl/pkg/repodata"
)

// SafetyPolicy controls how strictly a transaction re-verifies cached
// packages' per-file hashes before linking them, mirroring conda's
// safety_checks setting.
type SafetyPolicy int

const (
	SafetyWarn SafetyPolicy = iota
	SafetyDisabled
	SafetyEnabled
)

// ParseSafetyPolicy maps a config string to a SafetyPolicy, defaulting to
// SafetyWarn for any unrecognized value, same as conda's own default.
func ParseSafetyPolicy(s string) SafetyPolicy {
	switch s {
	case "disabled":
		return SafetyDisabled
	case "enabled":
		return SafetyEnabled
	default:
		return SafetyWarn
	}
}

// selfProtected lists package names a transaction refuses to unlink from
// its own environment, mirroring conda's refusal to let a user remove its
// own install out from under itself.
var selfProtected = map[string]bool{"prefixctl": true}

// PackagePlan is one package's contribution to a transaction: either an
// unlink (Record set, Actions removing files) or a link (Record set,
// Actions creating files).
type PackagePlan struct {
	Record  *repodata.Record
	Actions []action.Action
	Unlink  bool
}

// Transaction is a planned, orderable sequence of per-package plans.
type Transaction struct {
	Prefix  string
	Unlinks []PackagePlan
	Links   []PackagePlan
	// History, if set, is executed last (and rolled back first) so a
	// revision is only recorded once every unlink/link in the
	// transaction has actually taken effect.
	History action.Action

	// Cache and SafetyChecks configure the per-file safety_checks pass
	// Verify runs over every package about to be linked; Cache may be
	// nil only when SafetyChecks is SafetyDisabled.
	Cache        *pkgcache.Cache
	SafetyChecks SafetyPolicy
}

// owner records, for clobber detection, which package claims a given
// prefix-relative path.
type owner struct {
	pkg  string
	kind claimKind
}

type claimKind int

const (
	claimLink claimKind = iota
	claimUnlink
)

// pathOwners merges unlink plans then link plans onto a single path
// table, in transaction order: an unlink clears a path's slot for a
// subsequent link to reclaim, the way loadLayers applies whiteouts before
// files, while a second link claiming an already-claimed path is reported
// as a ClobberError and the first claim is kept.
func (t *Transaction) pathOwners() (map[string]owner, []*pmerrors.ClobberError) {
	table := map[string]owner{}
	var clobbers []*pmerrors.ClobberError

	for _, plan := range t.Unlinks {
		for _, a := range plan.Actions {
			path := a.TargetPath()
			if path == "" {
				continue
			}
			delete(table, path)
		}
	}

	for _, plan := range t.Links {
		for _, a := range plan.Actions {
			path := a.TargetPath()
			if path == "" {
				continue
			}
			if existing, ok := table[path]; ok && existing.kind == claimLink {
				clobbers = append(clobbers, &pmerrors.ClobberError{
					Path:     path,
					Packages: []string{existing.pkg, plan.Record.Name},
					Kind:     pmerrors.ClobberUnknown,
				})
				continue
			}
			table[path] = owner{pkg: plan.Record.Name, kind: claimLink}
		}
	}

	return table, clobbers
}

// Verify checks for clobbers and runs each action's Verify, aggregating
// every failure via derror.MultiError so the caller sees the full set of
// problems at once rather than stopping at the first one.
func (t *Transaction) Verify(ctx context.Context) error {
	_, clobbers := t.pathOwners()
	var errs derror.MultiError
	for _, c := range clobbers {
		errs = append(errs, c)
	}

	for _, plan := range t.Unlinks {
		if selfProtected[plan.Record.Name] {
			errs = append(errs, &pmerrors.RemoveError{
				Path: plan.Record.Name,
				Err:  fmt.Errorf("refusing to unlink prefixctl's own package from its environment"),
			})
			continue
		}
		for _, a := range plan.Actions {
			if err := a.Verify(ctx); err != nil {
				errs = append(errs, fmt.Errorf("unlink %s: %w", plan.Record.Name, err))
			}
		}
	}
	for _, plan := range t.Links {
		for _, a := range plan.Actions {
			if err := a.Verify(ctx); err != nil {
				errs = append(errs, fmt.Errorf("link %s: %w", plan.Record.Name, err))
			}
		}
	}

	if t.SafetyChecks != SafetyDisabled && t.Cache != nil {
		for _, plan := range t.Links {
			if !t.Cache.IsExtracted(plan.Record) {
				continue // nothing on disk yet to re-verify
			}
			if err := t.Cache.VerifyFiles(plan.Record); err != nil {
				wrapped := &pmerrors.SafetyError{Reason: fmt.Sprintf("%s: %v", plan.Record.Name, err)}
				if t.SafetyChecks == SafetyEnabled {
					errs = append(errs, wrapped)
				} else {
					dlog.Warnf(ctx, "safety check (warn, not enforced): %v", wrapped)
				}
			}
		}
	}

	if t.History != nil {
		if err := t.History.Verify(ctx); err != nil {
			errs = append(errs, fmt.Errorf("history: %w", err))
		}
	}

	if len(errs) > 0 {
		return errs
	}
	return nil
}

// Execute runs Verify, then executes every action in order (unlinks
// before links, matching the original system's remove-before-add
// ordering so a link can reclaim a path an unlink just vacated), rolling
// back everything already executed if any action fails.
func (t *Transaction) Execute(ctx context.Context) error {
	if err := t.Verify(ctx); err != nil {
		return err
	}

	var executed []action.Action
	rollback := func(cause error) error {
		dlog.Errorf(ctx, "transaction failed, rolling back: %v", cause)
		var errs derror.MultiError
		for i := len(executed) - 1; i >= 0; i-- {
			if err := executed[i].Reverse(ctx); err != nil {
				errs = append(errs, err)
			}
		}
		if len(errs) > 0 {
			return fmt.Errorf("%w (rollback also encountered errors: %v)", cause, errs)
		}
		return cause
	}

	for _, plan := range t.Unlinks {
		for _, a := range plan.Actions {
			if err := a.Execute(ctx); err != nil {
				return rollback(fmt.Errorf("unlink %s: %w", plan.Record.Name, err))
			}
			executed = append(executed, a)
		}
	}

	for _, plan := range t.Links {
		for _, a := range plan.Actions {
			if err := a.Execute(ctx); err != nil {
				return rollback(fmt.Errorf("link %s: %w", plan.Record.Name, err))
			}
			executed = append(executed, a)
		}
	}

	if t.History != nil {
		if err := t.History.Execute(ctx); err != nil {
			return rollback(fmt.Errorf("history: %w", err))
		}
		executed = append(executed, t.History)
	}

	return nil
}

// LinkMeta carries the per-package metadata buildActions' caller knows but
// Plan itself does not: the spec string that caused this package to be
// selected, and where its tarball was extracted to.
type LinkMeta struct {
	RequestedSpec string
	ExtractedDir  string
}

// Plan builds a Transaction from the records to unlink and link, given
// each link's already-staged extracted package directory (produced by
// pkgcache.EnsureExtracted) and the resolved destination prefix. Every
// link plan gets a trailing CreateLinkedPackageRecordAction and every
// unlink plan a trailing RemoveLinkedPackageRecordAction, so conda-meta
// bookkeeping lives inside the same atomic verify/execute/rollback cycle
// as the files it describes.
func Plan(prefix string, toUnlink, toLink []*repodata.Record, buildActions func(rec *repodata.Record) ([]action.Action, LinkMeta, error)) (*Transaction, error) {
	t := &Transaction{Prefix: prefix}
	for _, rec := range toUnlink {
		existing, err := prefixdb.ReadRecord(prefix, rec)
		if err != nil {
			return nil, fmt.Errorf("transaction: %w", &pmerrors.PackageNotInstalledError{Name: rec.Name, Prefix: prefix})
		}
		var acts []action.Action
		for _, pd := range existing.Paths {
			acts = append(acts, &action.UnlinkPathAction{
				Target:    filepath.Join(prefix, pd.Path),
				ShortPath: pd.Path,
			})
		}
		acts = append(acts, &action.RemoveLinkedPackageRecordAction{Prefix: prefix, Record: existing})
		t.Unlinks = append(t.Unlinks, PackagePlan{Record: rec, Actions: acts, Unlink: true})
	}
	for _, rec := range toLink {
		acts, meta, err := buildActions(rec)
		if err != nil {
			return nil, fmt.Errorf("transaction: plan link %s: %w", rec.Name, err)
		}
		recordAction := &action.CreateLinkedPackageRecordAction{
			Prefix:        prefix,
			Record:        rec,
			RequestedSpec: meta.RequestedSpec,
			ExtractedDir:  meta.ExtractedDir,
			LinkActions:   acts,
		}
		t.Links = append(t.Links, PackagePlan{Record: rec, Actions: append(acts, recordAction)})
	}
	return t, nil
}
