package action

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/datawire/prefixctl/pkg/pmerrors"
)

func TestLinkPathActionHardlinkFallback(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	if err := os.WriteFile(src, []byte("hello"), 0o644); err != nil {
		t.Fatal(err)
	}
	target := filepath.Join(dir, "nested", "dst.txt")

	a := &LinkPathAction{Source: src, Target: target, ShortPath: "nested/dst.txt"}
	if err := a.Verify(context.Background()); err != nil {
		t.Fatalf("verify: %v", err)
	}
	if err := a.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if a.LinkType != "hard-link" {
		t.Fatalf("expected hard-link on same filesystem, got %q", a.LinkType)
	}
	body, err := os.ReadFile(target)
	if err != nil {
		t.Fatal(err)
	}
	if string(body) != "hello" {
		t.Fatalf("unexpected content %q", body)
	}

	if err := a.Reverse(context.Background()); err != nil {
		t.Fatalf("reverse: %v", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatal("expected target removed after reverse")
	}
}

func TestLinkPathActionVerifyClobbers(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "src.txt")
	dst := filepath.Join(dir, "dst.txt")
	os.WriteFile(src, []byte("a"), 0o644)
	os.WriteFile(dst, []byte("b"), 0o644)

	a := &LinkPathAction{Source: src, Target: dst, ShortPath: "dst.txt"}
	err := a.Verify(context.Background())
	if err == nil {
		t.Fatal("expected clobber error")
	}
	if _, ok := err.(*pmerrors.ClobberError); !ok {
		t.Fatalf("expected *pmerrors.ClobberError, got %T", err)
	}
}

func TestUnlinkPathActionExecuteIdempotent(t *testing.T) {
	dir := t.TempDir()
	target := filepath.Join(dir, "f.txt")
	os.WriteFile(target, []byte("x"), 0o644)

	a := &UnlinkPathAction{Target: target, ShortPath: "f.txt"}
	if err := a.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	if _, err := os.Stat(target); !os.IsNotExist(err) {
		t.Fatal("expected file removed")
	}
	// removing an already-missing file is not an error.
	if err := a.Execute(context.Background()); err != nil {
		t.Fatalf("second execute should be a no-op, got %v", err)
	}
}

func TestPrefixReplaceActionBinaryPadding(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bin.so")
	placeholder := "/opt/build/placeholder_______________"
	content := bytes.Repeat([]byte{0}, 8)
	content = append(content, []byte(placeholder)...)
	content = append(content, bytes.Repeat([]byte{0}, 8)...)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		t.Fatal(err)
	}

	a := &PrefixReplaceAction{Path: path, Placeholder: placeholder, NewPrefix: "/short/prefix", Mode: "binary"}
	if err := a.Verify(context.Background()); err != nil {
		t.Fatalf("verify should pass, new prefix is shorter: %v", err)
	}
	if err := a.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}

	updated, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	if bytes.Contains(updated, []byte(placeholder)) {
		t.Fatal("placeholder should have been replaced")
	}
	if !bytes.Contains(updated, []byte("/short/prefix")) {
		t.Fatal("new prefix should be present")
	}
	if len(updated) != len(content) {
		t.Fatalf("binary replacement must not change file length: got %d want %d", len(updated), len(content))
	}
}

func TestPrefixReplaceActionBinaryOverflow(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bin.so")
	placeholder := "/short"
	os.WriteFile(path, []byte(placeholder), 0o644)

	a := &PrefixReplaceAction{Path: path, Placeholder: placeholder, NewPrefix: "/a/much/longer/replacement/prefix", Mode: "binary"}
	err := a.Verify(context.Background())
	if err == nil {
		t.Fatal("expected PaddingError")
	}
	if _, ok := err.(*pmerrors.PaddingError); !ok {
		t.Fatalf("expected *pmerrors.PaddingError, got %T", err)
	}
}

func TestCreatePythonEntryPointAction(t *testing.T) {
	dir := t.TempDir()
	a := &CreatePythonEntryPointAction{
		Prefix:      dir,
		ScriptsDir:  "bin",
		Name:        "mytool",
		Module:      "mypkg.cli",
		Func:        "main",
		Interpreter: "/opt/env/bin/python3",
	}
	if err := a.Execute(context.Background()); err != nil {
		t.Fatalf("execute: %v", err)
	}
	body, err := os.ReadFile(a.TargetAbsPath())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Contains(body, []byte("from mypkg.cli import main")) {
		t.Fatalf("generated script missing import: %s", body)
	}
	if !bytes.Contains(body, []byte("#!/opt/env/bin/python3")) {
		t.Fatalf("generated script missing shebang: %s", body)
	}

	if err := a.Verify(context.Background()); err == nil {
		t.Fatal("expected clobber on re-verify since the script now exists")
	}
}
