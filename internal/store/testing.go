package store

import (
	"context"
	"testing"
)

// NewTestStore returns a store on a fresh in-memory SQLite database with the schema applied
func NewTestStore(t testing.TB) *Store {
	t.Helper()

	s, err := NewStore(DriverSQLite, ":memory:", Options{})
	if err != nil {
		t.Fatalf("failed to create test store: %v", err)
	}
	t.Cleanup(func() {
		s.Close()
	})

	if err := s.ApplySchema(context.Background()); err != nil {
		t.Fatalf("failed to apply schema: %v", err)
	}
	return s
}
