package migrate_test

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"testing/fstest"

	"github.com/angelmondragon/eventbus/pkg/migrate"
)

func readMigration(t *testing.T, suffix string) string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join("migrations", "*_"+suffix+".sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	if len(matches) == 0 {
		t.Fatalf("no %s migration file found", suffix)
	}
	data, err := os.ReadFile(matches[0])
	if err != nil {
		t.Fatalf("read migration file: %v", err)
	}
	return string(data)
}

func assertContains(t *testing.T, content string, checks []string) {
	t.Helper()
	for _, sub := range checks {
		if !strings.Contains(content, sub) {
			t.Errorf("missing expected statement %q", sub)
		}
	}
}

func TestEventsMigrationContainsConstraints(t *testing.T) {
	assertContains(t, readMigration(t, "create_events"), []string{
		"CREATE TABLE IF NOT EXISTS events",
		"event_id TEXT PRIMARY KEY",
		"retry_count INTEGER NOT NULL DEFAULT 0",
		"'PENDING', 'SENT', 'CONSUMED', 'PARTIAL', 'FAILED', 'RETRYING', 'EXPIRED'",
		"DROP TABLE IF EXISTS events",
	})
}

func TestConsumptionsMigrationHasUniqueAttempt(t *testing.T) {
	assertContains(t, readMigration(t, "create_event_consumptions"), []string{
		"CREATE TABLE IF NOT EXISTS event_consumptions",
		"success BOOLEAN,",
		"CREATE UNIQUE INDEX IF NOT EXISTS ux_event_consumptions_attempt",
		"(event_id, consumer_id, attempt_no)",
		"REFERENCES events(event_id) ON DELETE CASCADE",
		"DROP TABLE IF EXISTS event_consumptions",
	})
}

func TestTopicConsumersMigration(t *testing.T) {
	assertContains(t, readMigration(t, "create_topic_consumers"), []string{
		"CREATE TABLE IF NOT EXISTS topic_consumers",
		"PRIMARY KEY (topic, consumer_id)",
		"DROP TABLE IF EXISTS topic_consumers",
	})
}

func TestMigrationsDirValidates(t *testing.T) {
	if err := migrate.ValidateDir("migrations"); err != nil {
		t.Fatalf("validate migrations: %v", err)
	}
}

func TestCreateSQLMigrationSanitizesName(t *testing.T) {
	dir := t.TempDir()
	path, err := migrate.CreateSQLMigration(dir, "Add Retry Index!")
	if err != nil {
		t.Fatalf("create migration: %v", err)
	}
	if !strings.HasSuffix(path, "_add_retry_index.sql") {
		t.Fatalf("unexpected migration path %q", path)
	}
	if err := migrate.ValidateDir(dir); err != nil {
		t.Fatalf("generated migration should validate: %v", err)
	}
}

func TestEmbeddedMigrationsMatchDisk(t *testing.T) {
	onDisk, err := filepath.Glob(filepath.Join("migrations", "*.sql"))
	if err != nil {
		t.Fatalf("glob migrations: %v", err)
	}
	embedded, err := fs.Glob(migrate.Embedded(), "migrations/*.sql")
	if err != nil {
		t.Fatalf("glob embedded: %v", err)
	}
	if len(onDisk) != len(embedded) || len(embedded) == 0 {
		t.Fatalf("expected embedded migrations to match disk: disk=%d embedded=%d", len(onDisk), len(embedded))
	}
}

func TestEmbeddedMigrationsValidate(t *testing.T) {
	if err := migrate.ValidateFS(migrate.Embedded(), "migrations"); err != nil {
		t.Fatalf("validate embedded: %v", err)
	}
}

func TestValidateFSRejectsBrokenMigrations(t *testing.T) {
	cases := map[string]fstest.MapFS{
		"bad name": {
			"d/create_things.sql": {Data: []byte("-- +goose Up\n-- +goose Down\n")},
		},
		"duplicate version": {
			"d/20260301090000_a.sql": {Data: []byte("-- +goose Up\n-- +goose Down\n")},
			"d/20260301090000_b.sql": {Data: []byte("-- +goose Up\n-- +goose Down\n")},
		},
		"missing down": {
			"d/20260301090000_a.sql": {Data: []byte("-- +goose Up\nSELECT 1;\n")},
		},
		"unbalanced statement": {
			"d/20260301090000_a.sql": {Data: []byte("-- +goose Up\n-- +goose StatementBegin\nSELECT 1;\n-- +goose Down\n")},
		},
	}
	for name, fsys := range cases {
		if err := migrate.ValidateFS(fsys, "d"); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}
