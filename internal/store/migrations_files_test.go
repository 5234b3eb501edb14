package store

import (
	"io/fs"
	"regexp"
	"strings"
	"testing"
)

func TestMigrationsHaveMatchingUpAndDownFiles(t *testing.T) {
	entries, err := fs.ReadDir(Migrations(), ".")
	if err != nil {
		t.Fatalf("read migrations: %v", err)
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.(up|down)\.sql$`)
	byVersion := map[string]map[string]bool{}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			t.Fatalf("unexpected file %s in migrations", name)
		}
		version := match[1]
		direction := match[2]
		if byVersion[version] == nil {
			byVersion[version] = map[string]bool{}
		}
		if byVersion[version][direction] {
			t.Fatalf("duplicate %s migration file for version %s", direction, version)
		}
		byVersion[version][direction] = true
	}

	if len(byVersion) == 0 {
		t.Fatal("no migrations discovered")
	}

	for version, dirs := range byVersion {
		if !dirs["up"] || !dirs["down"] {
			t.Fatalf("version %s must include both up and down files", version)
		}
	}
}

func TestMigrationNamesAreOrdered(t *testing.T) {
	ups, err := migrationNames(Migrations(), ".up.sql")
	if err != nil {
		t.Fatalf("list migrations: %v", err)
	}
	if len(ups) == 0 {
		t.Fatal("no up migrations")
	}
	for i := 1; i < len(ups); i++ {
		if ups[i-1] >= ups[i] {
			t.Fatalf("migrations out of order: %s before %s", ups[i-1], ups[i])
		}
	}
	for _, name := range ups {
		if strings.HasSuffix(name, ".down.sql") {
			t.Fatalf("down migration %s listed as up", name)
		}
	}
}

func TestInitialMigrationCreatesCollaborationTables(t *testing.T) {
	contents, err := fs.ReadFile(Migrations(), "0001_documents.up.sql")
	if err != nil {
		t.Fatalf("read initial migration: %v", err)
	}
	sql := string(contents)
	for _, table := range []string{"users", "documents", "document_collaborators", "document_versions"} {
		if !strings.Contains(sql, "CREATE TABLE "+table+" (") {
			t.Fatalf("initial migration must create %s", table)
		}
	}
	if !strings.Contains(sql, "fts TSVECTOR") {
		t.Fatal("documents must carry a full-text column")
	}
}
