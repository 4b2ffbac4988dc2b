// Package runtimetest holds the behaviour every runtime.Store must show.
package runtimetest

import (
	"context"
	"testing"

	"github.com/storyplayer/storyplayer/pkg/runtime"
)

// RunStoreContract checks store against the runtime.Store contract.
// The store must start empty.
func RunStoreContract(t *testing.T, store runtime.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("Load Empty", func(t *testing.T) {
		tables, err := store.Load(ctx)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if len(tables) != 0 {
			t.Errorf("expected no tables, got %v", tables)
		}
	})

	t.Run("Save and Load", func(t *testing.T) {
		in := runtime.Tables{
			"screen": {
				"web1-httpd": map[string]interface{}{"pid": float64(1234), "host": "web1"},
			},
			"users": {
				"alice": "secret",
				"bob":   true,
			},
		}
		if err := store.Save(ctx, in); err != nil {
			t.Fatalf("Save failed: %v", err)
		}

		out, err := store.Load(ctx)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if len(out) != 2 {
			t.Fatalf("expected 2 tables, got %v", out)
		}
		if out["users"]["alice"] != "secret" || out["users"]["bob"] != true {
			t.Errorf("unexpected users table: %v", out["users"])
		}
		session, ok := out["screen"]["web1-httpd"].(map[string]interface{})
		if !ok {
			t.Fatalf("expected a nested map, got %T", out["screen"]["web1-httpd"])
		}
		// numbers come back as float64 from JSON
		if session["pid"] != float64(1234) {
			t.Errorf("expected pid 1234, got %v", session["pid"])
		}
	})

	t.Run("Save Replaces", func(t *testing.T) {
		if err := store.Save(ctx, runtime.Tables{"users": {"carol": "x"}}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		out, err := store.Load(ctx)
		if err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if _, ok := out["screen"]; ok {
			t.Error("expected dropped table to be gone")
		}
		if len(out["users"]) != 1 || out["users"]["carol"] != "x" {
			t.Errorf("unexpected users table: %v", out["users"])
		}
	})

	t.Run("Table Round Trip", func(t *testing.T) {
		if err := store.Save(ctx, runtime.Tables{}); err != nil {
			t.Fatalf("Save failed: %v", err)
		}
		table, err := runtime.Open(ctx, store)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		if err := table.AddItem(ctx, "hosts", "web1", "10.0.0.1"); err != nil {
			t.Fatalf("AddItem failed: %v", err)
		}

		reopened, err := runtime.Open(ctx, store)
		if err != nil {
			t.Fatalf("Open failed: %v", err)
		}
		v, err := reopened.GetItem(ctx, "hosts", "web1")
		if err != nil {
			t.Fatalf("GetItem failed: %v", err)
		}
		if v != "10.0.0.1" {
			t.Errorf("expected persisted item, got %v", v)
		}
	})
}
