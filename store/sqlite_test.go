package store

import (
	"context"
	"path/filepath"
	"testing"
)

func TestSQLiteStore(t *testing.T) {
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "matterflow.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	runStoreSuite(t, st)
}

func TestSQLiteStoreClose(t *testing.T) {
	st, err := NewSQLiteStore(filepath.Join(t.TempDir(), "matterflow.db"))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := st.Ping(context.Background()); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := st.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if _, err := st.GetEntity(context.Background(), "any"); err == nil {
		t.Error("expected error after Close")
	}
	// Closing twice is harmless.
	if err := st.Close(); err != nil {
		t.Errorf("second close: %v", err)
	}
}
