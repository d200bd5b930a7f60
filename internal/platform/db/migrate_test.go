package db

import (
	"io/fs"
	"strings"
	"testing"
)

func TestMigrationNames_Ordered(t *testing.T) {
	names, err := MigrationNames()
	if err != nil {
		t.Fatalf("MigrationNames() error: %v", err)
	}
	if len(names) < 2 {
		t.Fatalf("expected at least 2 migrations, got %d", len(names))
	}
	if names[0] != "00001_directory.sql" {
		t.Errorf("expected directory migration first, got %s", names[0])
	}
	for i := 1; i < len(names); i++ {
		if names[i-1] >= names[i] {
			t.Errorf("migrations out of order: %s before %s", names[i-1], names[i])
		}
	}
}

func TestMigrations_HaveGooseSections(t *testing.T) {
	fsys, err := MigrationsFS()
	if err != nil {
		t.Fatalf("MigrationsFS() error: %v", err)
	}
	names, _ := MigrationNames()
	for _, name := range names {
		b, err := fs.ReadFile(fsys, name)
		if err != nil {
			t.Fatalf("read %s: %v", name, err)
		}
		sql := string(b)
		if !strings.Contains(sql, "-- +goose Up") {
			t.Errorf("%s: missing goose Up section", name)
		}
		if !strings.Contains(sql, "-- +goose Down") {
			t.Errorf("%s: missing goose Down section", name)
		}
		if strings.Count(sql, "-- +goose StatementBegin") != strings.Count(sql, "-- +goose StatementEnd") {
			t.Errorf("%s: unbalanced StatementBegin/StatementEnd", name)
		}
	}
}

func TestMigrations_CaseSchema(t *testing.T) {
	fsys, _ := MigrationsFS()
	b, err := fs.ReadFile(fsys, "00002_prosthetic_cases.sql")
	if err != nil {
		t.Fatalf("read case migration: %v", err)
	}
	sql := string(b)
	for _, want := range []string{
		"CONSTRAINT prosthetic_cases_code_key UNIQUE (code)",
		"prosthetic_case_history_append_only",
		"'adjustment_requested'",
		"is_read = (read_at IS NOT NULL)",
	} {
		if !strings.Contains(sql, want) {
			t.Errorf("case migration missing %q", want)
		}
	}
}

func TestMigrations_DirectoryDownKeepsTables(t *testing.T) {
	fsys, _ := MigrationsFS()
	b, err := fs.ReadFile(fsys, "00001_directory.sql")
	if err != nil {
		t.Fatalf("read directory migration: %v", err)
	}
	sql := string(b)
	idx := strings.Index(sql, "-- +goose Down")
	if idx < 0 {
		t.Fatal("directory migration missing goose Down section")
	}
	if down := strings.ToUpper(sql[idx:]); strings.Contains(down, "DROP") {
		t.Errorf("directory Down section must not drop shared tables:\n%s", sql[idx:])
	}
}
