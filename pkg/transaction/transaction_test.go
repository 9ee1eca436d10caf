package transaction

import (
	"context"
	"errors"
	"testing"

	"github.com/datawire/prefixctl/pkg/action"
	"github.com/datawire/prefixctl/pkg/repodata"
)

type fakeAction struct {
	target       string
	verifyErr    error
	executeErr   error
	executed     *bool
	reverseCalls *int
}

func (f *fakeAction) TargetPath() string { return f.target }
func (f *fakeAction) Verify(ctx context.Context) error { return f.verifyErr }
func (f *fakeAction) Execute(ctx context.Context) error {
	if f.executeErr != nil {
		return f.executeErr
	}
	if f.executed != nil {
		*f.executed = true
	}
	return nil
}
func (f *fakeAction) Reverse(ctx context.Context) error {
	if f.reverseCalls != nil {
		*f.reverseCalls++
	}
	return nil
}

func TestPathOwnersDetectsClobber(t *testing.T) {
	tx := &Transaction{
		Links: []PackagePlan{
			{Record: &repodata.Record{Name: "foo"}, Actions: []action.Action{&fakeAction{target: "bin/tool"}}},
			{Record: &repodata.Record{Name: "bar"}, Actions: []action.Action{&fakeAction{target: "bin/tool"}}},
		},
	}
	_, clobbers := tx.pathOwners()
	if len(clobbers) != 1 {
		t.Fatalf("expected 1 clobber, got %d", len(clobbers))
	}
	if clobbers[0].Path != "bin/tool" {
		t.Fatalf("unexpected clobber path %q", clobbers[0].Path)
	}
}

func TestUnlinkThenLinkReclaimsPath(t *testing.T) {
	tx := &Transaction{
		Unlinks: []PackagePlan{
			{Record: &repodata.Record{Name: "old"}, Actions: []action.Action{&fakeAction{target: "bin/tool"}}},
		},
		Links: []PackagePlan{
			{Record: &repodata.Record{Name: "new"}, Actions: []action.Action{&fakeAction{target: "bin/tool"}}},
		},
	}
	_, clobbers := tx.pathOwners()
	if len(clobbers) != 0 {
		t.Fatalf("expected no clobber after unlink vacates the path, got %v", clobbers)
	}
}

func TestVerifyAggregatesErrors(t *testing.T) {
	tx := &Transaction{
		Links: []PackagePlan{
			{Record: &repodata.Record{Name: "foo"}, Actions: []action.Action{
				&fakeAction{target: "a", verifyErr: errors.New("boom1")},
				&fakeAction{target: "b", verifyErr: errors.New("boom2")},
			}},
		},
	}
	err := tx.Verify(context.Background())
	if err == nil {
		t.Fatal("expected aggregated verify error")
	}
	if !contains(err.Error(), "boom1") || !contains(err.Error(), "boom2") {
		t.Fatalf("expected both errors in message, got %q", err.Error())
	}
}

func TestExecuteRollsBackOnFailure(t *testing.T) {
	var firstExecuted bool
	var firstReversed int
	tx := &Transaction{
		Links: []PackagePlan{
			{Record: &repodata.Record{Name: "foo"}, Actions: []action.Action{
				&fakeAction{target: "a", executed: &firstExecuted, reverseCalls: &firstReversed},
				&fakeAction{target: "b", executeErr: errors.New("disk full")},
			}},
		},
	}
	err := tx.Execute(context.Background())
	if err == nil {
		t.Fatal("expected execute error")
	}
	if !firstExecuted {
		t.Fatal("first action should have executed before the second failed")
	}
	if firstReversed != 1 {
		t.Fatalf("expected the first action to be rolled back exactly once, got %d", firstReversed)
	}
}

func TestExecuteDetectsClobberBeforeMutating(t *testing.T) {
	var executed bool
	tx := &Transaction{
		Links: []PackagePlan{
			{Record: &repodata.Record{Name: "foo"}, Actions: []action.Action{&fakeAction{target: "bin/tool", executed: &executed}}},
			{Record: &repodata.Record{Name: "bar"}, Actions: []action.Action{&fakeAction{target: "bin/tool", executed: &executed}}},
		},
	}
	err := tx.Execute(context.Background())
	if err == nil {
		t.Fatal("expected clobber to block execution")
	}
	if !contains(err.Error(), "clobber") {
		t.Fatalf("expected clobber in error message, got %q", err.Error())
	}
	if executed {
		t.Fatal("no action should have executed once verify failed")
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && (func() bool {
		for i := 0; i+len(substr) <= len(s); i++ {
			if s[i:i+len(substr)] == substr {
				return true
			}
		}
		return false
	})()
}
