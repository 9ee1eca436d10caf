// Package action implements the individual actions a transaction plans
// and executes (§4.I): linking/unlinking a package's files in a prefix,
// rewriting embedded prefix placeholders, compiling .pyc files, generating
// Python console-script entry points, recording/removing a package's
// conda-meta entry, appending a history revision, and registering menu
// entries, each as a verify/execute/reverse triple.
package action

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"text/template"

	"github.com/datawire/dlib/dexec"

	"github.com/datawire/prefixctl/pkg/collab"
	"github.com/datawire/prefixctl/pkg/pmerrors"
	"github.com/datawire/prefixctl/pkg/prefixdb"
	"github.com/datawire/prefixctl/pkg/repodata"
)

// Action is the common interface every path action implements: a
// verify/execute/reverse triple, per the transaction engine's two-phase
// model (§4.J).
type Action interface {
	// Verify checks preconditions without mutating the filesystem.
	Verify(ctx context.Context) error
	// Execute performs the action.
	Execute(ctx context.Context) error
	// Reverse undoes a previously executed action, best-effort.
	Reverse(ctx context.Context) error
	// TargetPath returns the short (prefix-relative) path this action
	// writes to, for clobber detection.
	TargetPath() string
}

// LinkPathAction links a single cached file into the prefix, trying
// hardlink, then softlink, then copy, per the cross-filesystem fallback
// chain create_hard_link_or_copy uses.
type LinkPathAction struct {
	Source      string // absolute path in the package cache's extracted dir
	Target      string // absolute path in the prefix
	ShortPath   string // prefix-relative path
	LinkType    string // set by Execute: "hard-link", "soft-link", or "copy"
}

func (a *LinkPathAction) TargetPath() string { return a.ShortPath }

func (a *LinkPathAction) Verify(ctx context.Context) error {
	if _, err := os.Stat(a.Source); err != nil {
		return fmt.Errorf("action: link source missing: %w", err)
	}
	if _, err := os.Stat(a.Target); err == nil {
		return &pmerrors.ClobberError{Path: a.ShortPath, Kind: pmerrors.ClobberUnknown}
	}
	return nil
}

func (a *LinkPathAction) Execute(ctx context.Context) error {
	if err := os.MkdirAll(filepath.Dir(a.Target), 0o755); err != nil {
		return err
	}

	if err := os.Link(a.Source, a.Target); err == nil {
		a.LinkType = "hard-link"
		return nil
	}
	// hardlink failed — could be EXDEV (cross-filesystem), or a
	// filesystem that simply doesn't support hardlinks; fall through to
	// softlink, then copy.

	if err := os.Symlink(a.Source, a.Target); err == nil {
		a.LinkType = "soft-link"
		return nil
	}

	if err := copyFile(a.Source, a.Target); err != nil {
		return fmt.Errorf("action: link %s: %w", a.ShortPath, err)
	}
	a.LinkType = "copy"
	return nil
}

func (a *LinkPathAction) Reverse(ctx context.Context) error {
	if err := os.Remove(a.Target); err != nil && !os.IsNotExist(err) {
		return &pmerrors.RemoveError{Path: a.Target, Err: err}
	}
	return nil
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode().Perm())
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// UnlinkPathAction removes a single file from the prefix during a
// package's removal. Unlike LinkPathAction it has no meaningful reverse:
// once content is gone the transaction's rollback relies on having kept
// the package cached so a subsequent re-install can relink it, not on
// restoring the exact removed inode.
type UnlinkPathAction struct {
	Target    string
	ShortPath string
}

func (a *UnlinkPathAction) TargetPath() string { return a.ShortPath }

func (a *UnlinkPathAction) Verify(ctx context.Context) error {
	if _, err := os.Lstat(a.Target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("action: unlink %s: %w", a.ShortPath, err)
	}
	return nil
}

func (a *UnlinkPathAction) Execute(ctx context.Context) error {
	if err := os.Remove(a.Target); err != nil && !os.IsNotExist(err) {
		return &pmerrors.RemoveError{Path: a.Target, Err: err}
	}
	return nil
}

func (a *UnlinkPathAction) Reverse(ctx context.Context) error {
	// not reversible: the file's content is gone. A failed transaction
	// that already unlinked a package leaves it unlinked; the caller must
	// re-run link to restore it from the package cache.
	return nil
}

// MkdirAction creates a directory in the prefix.
type MkdirAction struct {
	Target    string
	ShortPath string
}

func (a *MkdirAction) TargetPath() string { return a.ShortPath }
func (a *MkdirAction) Verify(ctx context.Context) error { return nil }
func (a *MkdirAction) Execute(ctx context.Context) error {
	return os.MkdirAll(a.Target, 0o755)
}
func (a *MkdirAction) Reverse(ctx context.Context) error {
	// only remove if empty; a directory shared by another package's files
	// must survive.
	_ = os.Remove(a.Target)
	return nil
}

// PrefixReplaceAction rewrites an embedded build-time prefix placeholder
// in a linked file with the real installation prefix, in either text mode
// (append/truncate freely) or binary mode (must fit in-place,
// NUL-padded), mirroring binary_replace/replace_long_shebang.
type PrefixReplaceAction struct {
	Path        string
	Placeholder string
	NewPrefix   string
	Mode        string // "text" or "binary"
}

func (a *PrefixReplaceAction) TargetPath() string { return a.Path }

func (a *PrefixReplaceAction) Verify(ctx context.Context) error {
	if a.Mode == "binary" && len(a.NewPrefix) > len(a.Placeholder) {
		return &pmerrors.PaddingError{Path: a.Path, Placeholder: a.Placeholder, NewPrefix: a.NewPrefix}
	}
	return nil
}

func (a *PrefixReplaceAction) Execute(ctx context.Context) error {
	data, err := os.ReadFile(a.Path)
	if err != nil {
		return &pmerrors.BinaryPrefixReplacementError{Path: a.Path, Err: err}
	}

	var replacement []byte
	switch a.Mode {
	case "binary":
		if len(a.NewPrefix) > len(a.Placeholder) {
			return &pmerrors.PaddingError{Path: a.Path, Placeholder: a.Placeholder, NewPrefix: a.NewPrefix}
		}
		padded := make([]byte, len(a.Placeholder))
		copy(padded, a.NewPrefix)
		replacement = padded
	case "text":
		replacement = []byte(a.NewPrefix)
	default:
		return fmt.Errorf("action: unknown prefix-replace mode %q", a.Mode)
	}

	updated := bytes.ReplaceAll(data, []byte(a.Placeholder), replacement)
	info, err := os.Stat(a.Path)
	if err != nil {
		return err
	}
	if err := os.WriteFile(a.Path, updated, info.Mode().Perm()); err != nil {
		return &pmerrors.BinaryPrefixReplacementError{Path: a.Path, Err: err}
	}
	return nil
}

func (a *PrefixReplaceAction) Reverse(ctx context.Context) error {
	// the file itself is removed by the LinkPathAction that placed it;
	// nothing further to undo here.
	return nil
}

// CompilePycAction invokes the prefix's own interpreter to compile a .py
// file to bytecode, the same ExternalCompiler/compileall subprocess
// mechanism pyinspect/pycompile use, generalized from "wheel install" to
// "conda link".
type CompilePycAction struct {
	Interpreter string // absolute path to python in the target prefix
	Prefix      string
	Paths       []string // .py files to compile, relative to Prefix
}

func (a *CompilePycAction) TargetPath() string { return "" }
func (a *CompilePycAction) Verify(ctx context.Context) error {
	if _, err := dexec.LookPath(a.Interpreter); err != nil {
		if _, statErr := os.Stat(a.Interpreter); statErr != nil {
			return fmt.Errorf("action: pyc compiler not found: %s", a.Interpreter)
		}
	}
	return nil
}

func (a *CompilePycAction) Execute(ctx context.Context) error {
	if len(a.Paths) == 0 {
		return nil
	}
	args := append([]string{"-m", "compileall", "-q"}, a.Paths...)
	cmd := dexec.CommandContext(ctx, a.Interpreter, args...)
	cmd.Dir = a.Prefix
	return cmd.Run()
}

func (a *CompilePycAction) Reverse(ctx context.Context) error {
	for _, p := range a.Paths {
		pyc := pycPath(p)
		_ = os.Remove(filepath.Join(a.Prefix, pyc))
	}
	return nil
}

func pycPath(pyPath string) string {
	dir := filepath.Dir(pyPath)
	base := strings.TrimSuffix(filepath.Base(pyPath), ".py")
	return filepath.Join(dir, "__pycache__", base+".pyc")
}

// CreatePythonEntryPointAction generates a console-script wrapper for a
// package's entry_points.txt console_scripts section, adapted from the
// PyPA entry_points wheel-install template to conda's link-time script
// generation.
type CreatePythonEntryPointAction struct {
	Prefix      string
	ScriptsDir  string // relative to Prefix, e.g. "bin" or "Scripts"
	Name        string
	Module      string
	Func        string
	Interpreter string
}

var scriptTmpl = template.Must(template.New("entry_point.py").Parse(`#!{{ .Shebang }}
# -*- coding: utf-8 -*-
import re
import sys
from {{ .Module }} import {{ .Func }}
if __name__ == '__main__':
    sys.argv[0] = re.sub(r'(-script\.pyw|\.exe)?$', '', sys.argv[0])
    sys.exit({{ .Func }}())
`))

func (a *CreatePythonEntryPointAction) TargetPath() string {
	return filepath.Join(a.ScriptsDir, a.Name)
}

func (a *CreatePythonEntryPointAction) Verify(ctx context.Context) error {
	if _, err := os.Stat(a.TargetAbsPath()); err == nil {
		return &pmerrors.ClobberError{Path: a.TargetPath(), Kind: pmerrors.ClobberUnknown}
	}
	return nil
}

// TargetAbsPath returns the absolute path of the generated script.
func (a *CreatePythonEntryPointAction) TargetAbsPath() string {
	return filepath.Join(a.Prefix, a.ScriptsDir, a.Name)
}

func (a *CreatePythonEntryPointAction) Execute(ctx context.Context) error {
	var buf bytes.Buffer
	if err := scriptTmpl.Execute(&buf, map[string]string{
		"Shebang": a.Interpreter,
		"Module":  a.Module,
		"Func":    a.Func,
	}); err != nil {
		return fmt.Errorf("action: entry point %s: %w", a.Name, err)
	}
	target := a.TargetAbsPath()
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	mode := os.FileMode(0o755)
	if runtime.GOOS == "windows" {
		mode = 0o644
	}
	return os.WriteFile(target, buf.Bytes(), mode)
}

func (a *CreatePythonEntryPointAction) Reverse(ctx context.Context) error {
	if err := os.Remove(a.TargetAbsPath()); err != nil && !os.IsNotExist(err) {
		return &pmerrors.RemoveError{Path: a.TargetAbsPath(), Err: err}
	}
	return nil
}

// RunScriptAction invokes a pre-link or post-link script with the
// standard conda environment variables set, grounded on
// UnlinkLinkTransaction._execute's script invocation.
type RunScriptAction struct {
	ScriptPath  string
	Prefix      string
	RootPrefix  string
	PkgName     string
	PkgVersion  string
	PkgBuildNum int
}

func (a *RunScriptAction) TargetPath() string { return "" }
func (a *RunScriptAction) Verify(ctx context.Context) error {
	_, err := os.Stat(a.ScriptPath)
	return err
}

func (a *RunScriptAction) Execute(ctx context.Context) error {
	cmd := dexec.CommandContext(ctx, a.ScriptPath)
	cmd.Dir = a.Prefix
	cmd.Env = append(os.Environ(),
		"PREFIX="+a.Prefix,
		"PKG_NAME="+a.PkgName,
		"PKG_VERSION="+a.PkgVersion,
		fmt.Sprintf("PKG_BUILDNUM=%d", a.PkgBuildNum),
		"ROOT_PREFIX="+a.RootPrefix,
	)
	return cmd.Run()
}

func (a *RunScriptAction) Reverse(ctx context.Context) error {
	// scripts are not reversible; the transaction's rollback relies on
	// the file-level unlink actions instead.
	return nil
}

// CreateLinkedPackageRecordAction writes a package's PrefixRecord to
// conda-meta/<dist>.json as part of a transaction's link phase, so a
// failure to record it rolls back the files that were just linked instead
// of leaving them on disk with no conda-meta entry to remove them by.
// LinkActions is inspected at Execute time (not Plan time) since the
// actual link type per file isn't known until those actions have run.
type CreateLinkedPackageRecordAction struct {
	Prefix        string
	Record        *repodata.Record
	RequestedSpec string
	ExtractedDir  string
	LinkActions   []Action
}

func (a *CreateLinkedPackageRecordAction) TargetPath() string { return "" }
func (a *CreateLinkedPackageRecordAction) Verify(ctx context.Context) error { return nil }

func (a *CreateLinkedPackageRecordAction) Execute(ctx context.Context) error {
	linkType := "hard-link"
	for _, act := range a.LinkActions {
		if lp, ok := act.(*LinkPathAction); ok && lp.LinkType != "" {
			linkType = lp.LinkType
		}
	}
	return prefixdb.WriteRecord(a.Prefix, &prefixdb.PrefixRecord{
		Record:        *a.Record,
		LinkType:      linkType,
		RequestedSpec: a.RequestedSpec,
		Paths:         a.Record.PathsData,
		ExtractedDir:  a.ExtractedDir,
	})
}

func (a *CreateLinkedPackageRecordAction) Reverse(ctx context.Context) error {
	return prefixdb.RemoveRecord(a.Prefix, a.Record)
}

// RemoveLinkedPackageRecordAction deletes a package's conda-meta JSON file
// as part of a transaction's unlink phase, keeping record removal inside
// the same verify/execute/reverse cycle as the files it describes instead
// of a bare post-hoc call the transaction has no way to roll back.
type RemoveLinkedPackageRecordAction struct {
	Prefix string
	Record *prefixdb.PrefixRecord
}

func (a *RemoveLinkedPackageRecordAction) TargetPath() string { return "" }
func (a *RemoveLinkedPackageRecordAction) Verify(ctx context.Context) error { return nil }

func (a *RemoveLinkedPackageRecordAction) Execute(ctx context.Context) error {
	return prefixdb.RemoveRecord(a.Prefix, &a.Record.Record)
}

func (a *RemoveLinkedPackageRecordAction) Reverse(ctx context.Context) error {
	return prefixdb.WriteRecord(a.Prefix, a.Record)
}

// UpdateHistoryAction appends one revision to conda-meta/history as part
// of a transaction, so the revision record only survives alongside the
// files it describes. Reverse truncates the file back to its pre-append
// length, since unlike a PrefixRecord the append-only history log has no
// natural "just delete the file" undo.
type UpdateHistoryAction struct {
	Prefix   string
	Revision prefixdb.Revision

	offset int64
}

func (a *UpdateHistoryAction) TargetPath() string { return "" }
func (a *UpdateHistoryAction) Verify(ctx context.Context) error { return nil }

func (a *UpdateHistoryAction) Execute(ctx context.Context) error {
	off, err := prefixdb.HistorySize(a.Prefix)
	if err != nil {
		return err
	}
	a.offset = off
	return prefixdb.AppendHistory(a.Prefix, a.Revision)
}

func (a *UpdateHistoryAction) Reverse(ctx context.Context) error {
	return prefixdb.TruncateHistory(a.Prefix, a.offset)
}

// MakeMenuAction registers or removes an OS menu/shortcut entry via the
// injected collab.Menu collaborator, participating in the transaction's
// verify/execute/rollback cycle the same as any path action even though
// the menu integration itself is platform-specific OS work the core never
// implements directly (§1 Non-goals) — Menu may be nil, in which case this
// action is a no-op.
type MakeMenuAction struct {
	Menu     collab.Menu
	Prefix   string
	SpecPath string
	Remove   bool
}

func (a *MakeMenuAction) TargetPath() string { return "" }
func (a *MakeMenuAction) Verify(ctx context.Context) error { return nil }

func (a *MakeMenuAction) Execute(ctx context.Context) error {
	if a.Menu == nil {
		return nil
	}
	if a.Remove {
		return a.Menu.Remove(ctx, a.Prefix, a.SpecPath)
	}
	return a.Menu.Install(ctx, a.Prefix, a.SpecPath)
}

func (a *MakeMenuAction) Reverse(ctx context.Context) error {
	if a.Menu == nil {
		return nil
	}
	if a.Remove {
		return a.Menu.Install(ctx, a.Prefix, a.SpecPath)
	}
	return a.Menu.Remove(ctx, a.Prefix, a.SpecPath)
}
