package db

import (
	"strings"
	"testing"
	"testing/fstest"
)

func TestParseMigration(t *testing.T) {
	tests := []struct {
		name        string
		filename    string
		content     string
		wantVersion int
		wantNoTx    bool
		wantDeps    []int
		wantErr     string
	}{
		{
			name:        "plain",
			filename:    "001_initial.sql",
			content:     "-- +migrate Up\nCREATE TABLE a (id INTEGER);\n",
			wantVersion: 1,
		},
		{
			name:        "notransaction with dependencies",
			filename:    "004_index.sql",
			content:     "-- +migrate Up notransaction\n-- +migrate Depends: 1 3\n\nCREATE INDEX i ON a (id);",
			wantVersion: 4,
			wantNoTx:    true,
			wantDeps:    []int{1, 3},
		},
		{
			name:     "bad filename",
			filename: "initial.sql",
			content:  "-- +migrate Up\nSELECT 1;",
			wantErr:  "invalid migration filename",
		},
		{
			name:     "missing marker",
			filename: "001_initial.sql",
			content:  "CREATE TABLE a (id INTEGER);",
			wantErr:  "missing '-- +migrate Up' marker",
		},
		{
			name:     "empty body",
			filename: "001_initial.sql",
			content:  "-- +migrate Up\n-- nothing here\n",
			wantErr:  "contains no SQL",
		},
		{
			name:     "bad dependency",
			filename: "002_next.sql",
			content:  "-- +migrate Up\n-- +migrate Depends: one\nSELECT 1;",
			wantErr:  "invalid dependency version",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, err := ParseMigration(tt.filename, []byte(tt.content))
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Errorf("error = %v, want containing %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if m.Version != tt.wantVersion {
				t.Errorf("Version = %d, want %d", m.Version, tt.wantVersion)
			}
			if m.NoTransaction != tt.wantNoTx {
				t.Errorf("NoTransaction = %v, want %v", m.NoTransaction, tt.wantNoTx)
			}
			if len(m.Dependencies) != len(tt.wantDeps) {
				t.Fatalf("Dependencies = %v, want %v", m.Dependencies, tt.wantDeps)
			}
			for i := range tt.wantDeps {
				if m.Dependencies[i] != tt.wantDeps[i] {
					t.Errorf("Dependencies = %v, want %v", m.Dependencies, tt.wantDeps)
				}
			}
			if strings.Contains(m.UpSQL, "+migrate") {
				t.Errorf("UpSQL still contains directives: %q", m.UpSQL)
			}
		})
	}
}

func TestLoadMigrations_Embedded(t *testing.T) {
	migrations, err := LoadMigrations(migrationFiles, "migrations")
	if err != nil {
		t.Fatalf("LoadMigrations failed: %v", err)
	}
	if len(migrations) != 2 {
		t.Fatalf("got %d migrations, want 2", len(migrations))
	}
	if migrations[0].Name != "initial" || migrations[1].Name != "sync_stats" {
		t.Errorf("names = %q, %q", migrations[0].Name, migrations[1].Name)
	}
	if len(migrations[1].Dependencies) != 1 || migrations[1].Dependencies[0] != 1 {
		t.Errorf("sync_stats dependencies = %v, want [1]", migrations[1].Dependencies)
	}
}

func TestLoadMigrations_Invalid(t *testing.T) {
	up := func(sql string) *fstest.MapFile {
		return &fstest.MapFile{Data: []byte("-- +migrate Up\n" + sql)}
	}

	tests := []struct {
		name    string
		files   fstest.MapFS
		wantErr string
	}{
		{
			name: "gap",
			files: fstest.MapFS{
				"m/001_a.sql": up("SELECT 1;"),
				"m/003_c.sql": up("SELECT 1;"),
			},
			wantErr: "gap in migration versions",
		},
		{
			name: "duplicate",
			files: fstest.MapFS{
				"m/001_a.sql": up("SELECT 1;"),
				"m/001_b.sql": up("SELECT 1;"),
			},
			wantErr: "duplicate migration version",
		},
		{
			name: "forward dependency",
			files: fstest.MapFS{
				"m/001_a.sql": up("-- +migrate Depends: 2\nSELECT 1;"),
				"m/002_b.sql": up("SELECT 1;"),
			},
			wantErr: "depends on invalid version",
		},
		{
			name:    "missing directory",
			files:   fstest.MapFS{},
			wantErr: "failed to read migrations directory",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := LoadMigrations(tt.files, "m")
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadMigrations_IgnoresOtherFiles(t *testing.T) {
	files := fstest.MapFS{
		"m/001_a.sql":   {Data: []byte("-- +migrate Up\nSELECT 1;")},
		"m/README.md":   {Data: []byte("notes")},
		"m/sub/002.sql": {Data: []byte("ignored")},
	}

	migrations, err := LoadMigrations(files, "m")
	if err != nil {
		t.Fatalf("LoadMigrations failed: %v", err)
	}
	if len(migrations) != 1 {
		t.Errorf("got %d migrations, want 1", len(migrations))
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	db := NewTestDB(t)

	n, err := db.Migrate()
	if err != nil {
		t.Fatalf("second Migrate failed: %v", err)
	}
	if n != 0 {
		t.Errorf("second Migrate applied %d migrations, want 0", n)
	}

	applied, err := db.AppliedMigrations()
	if err != nil {
		t.Fatalf("AppliedMigrations failed: %v", err)
	}
	if len(applied) != 2 || applied[0] != 1 || applied[1] != 2 {
		t.Errorf("applied = %v, want [1 2]", applied)
	}
}

func TestApplyMigrations_OutOfOrder(t *testing.T) {
	db, err := Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	first := []Migration{
		{Version: 1, Name: "a", UpSQL: "CREATE TABLE a (id INTEGER);"},
		{Version: 3, Name: "c", UpSQL: "CREATE TABLE c (id INTEGER);"},
	}
	if _, err := db.applyMigrations(first); err != nil {
		t.Fatalf("applyMigrations failed: %v", err)
	}

	late := []Migration{{Version: 2, Name: "b", UpSQL: "CREATE TABLE b (id INTEGER);"}}
	if _, err := db.applyMigrations(late); err == nil || !strings.Contains(err.Error(), "must be applied in order") {
		t.Errorf("error = %v, want ordering error", err)
	}
}

func TestApplyMigrations_FailedMigrationRollsBack(t *testing.T) {
	db, err := Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(1)

	bad := []Migration{{Version: 1, Name: "bad", UpSQL: "CREATE TABLE a (id INTEGER); NOT SQL;"}}
	if _, err := db.applyMigrations(bad); err == nil {
		t.Fatal("expected error, got nil")
	}

	version, err := db.CurrentVersion()
	if err != nil {
		t.Fatalf("CurrentVersion failed: %v", err)
	}
	if version != 0 {
		t.Errorf("version = %d, want 0", version)
	}
}
