package mutations

import (
	"errors"
	"testing"
)

func TestMigrate_NoMigrationsIsNoOp(t *testing.T) {
	h := &Handlers{}
	doc := map[string]any{"title": "a"}

	out, err := h.migrate(1, doc)
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if out["title"] != "a" {
		t.Errorf("title = %v, want %q", out["title"], "a")
	}
}

func TestMigrate_RunsRegisteredSteps(t *testing.T) {
	h := &Handlers{
		Migrations: map[int]SchemaMigration{
			1: func(doc map[string]any) (map[string]any, error) {
				doc["title"] = doc["name"]
				delete(doc, "name")
				return doc, nil
			},
		},
	}

	out, err := h.migrate(1, map[string]any{"name": "legacy"})
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if out["title"] != "legacy" {
		t.Errorf("title = %v, want %q", out["title"], "legacy")
	}
	if _, ok := out["name"]; ok {
		t.Error("expected legacy field to be migrated away")
	}
}

func TestMigrate_MissingStepFails(t *testing.T) {
	h := &Handlers{Migrations: map[int]SchemaMigration{}}

	if _, err := h.migrate(0, map[string]any{}); err == nil {
		t.Fatal("expected an error for a missing migration step")
	}
}

func TestMigrate_PropagatesStepError(t *testing.T) {
	h := &Handlers{
		Migrations: map[int]SchemaMigration{
			1: func(map[string]any) (map[string]any, error) {
				return nil, errors.New("boom")
			},
		},
	}

	if _, err := h.migrate(1, map[string]any{}); err == nil {
		t.Fatal("expected migration step failure to propagate")
	}
}

func TestMigrate_AlreadyCurrentSkipsAllSteps(t *testing.T) {
	h := &Handlers{
		Migrations: map[int]SchemaMigration{
			1: func(map[string]any) (map[string]any, error) {
				t.Fatal("step should not run when schemaVersion is already current")
				return nil, nil
			},
		},
	}

	doc := map[string]any{"title": "a"}
	out, err := h.migrate(2, doc)
	if err != nil {
		t.Fatalf("migrate failed: %v", err)
	}
	if out["title"] != "a" {
		t.Errorf("title = %v, want %q", out["title"], "a")
	}
}
