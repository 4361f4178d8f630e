package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/roach88/pretest/internal/ir"
)

// createTestStore creates a new store in a temporary directory.
func createTestStore(t *testing.T) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// createTestState creates the "shop" project state.
func createTestState(t *testing.T, s *Store) ir.IntegrationState {
	t.Helper()
	st, err := s.EnsureState(context.Background(), "shop", "default", "ready/.*")
	if err != nil {
		t.Fatalf("EnsureState() failed: %v", err)
	}
	return st
}

// createTestCycle builds a cycle record with minimal required fields.
func createTestCycle(id, project string, outcome ir.OutcomeKind) ir.CycleRecord {
	return ir.CycleRecord{
		ID:      id,
		Project: project,
		Outcome: outcome,
	}
}
