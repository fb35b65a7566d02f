package state

import (
	"errors"
	"testing"
)

func TestEnsureStateVersion(t *testing.T) {
	mgr, _ := newTestManager(t)

	if err := mgr.EnsureStateVersion(false); !errors.Is(err, ErrStateVersionMismatch) {
		t.Fatalf("expected mismatch for unversioned state, got %v", err)
	}
	if err := mgr.EnsureStateVersion(true); err != nil {
		t.Fatalf("allowMigrate must tolerate mismatch: %v", err)
	}
	if err := mgr.SetStateVersion(StateVersion); err != nil {
		t.Fatalf("set version: %v", err)
	}
	if err := mgr.Commit(); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if err := mgr.EnsureStateVersion(false); err != nil {
		t.Fatalf("expected matching version, got %v", err)
	}
	if err := mgr.SetStateVersion(StateVersion + 1); err != nil {
		t.Fatalf("set version: %v", err)
	}
	if err := mgr.EnsureStateVersion(false); !errors.Is(err, ErrStateVersionMismatch) {
		t.Fatalf("expected mismatch for newer schema, got %v", err)
	}
}
