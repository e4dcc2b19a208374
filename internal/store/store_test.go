package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"draftsync/internal/action"
	"draftsync/internal/commit"
	"draftsync/internal/document"
)

func openSQLite(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()
	db, err := Open(ctx, "sqlite:"+filepath.Join(t.TempDir(), "draftsync.db"))
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}
	return db
}

func testArtifact(sessionID string, version int64, message string, at time.Time) commit.Artifact {
	doc := document.New(
		document.Node{ID: "title", Type: "heading", Props: map[string]any{"text": "Quarterly plan"}},
		document.Node{ID: "body", Type: "section", Children: []document.Node{{ID: "p1", Type: "paragraph"}}},
	)
	return commit.Artifact{
		ID:             commit.ArtifactID(sessionID, version),
		SessionID:      sessionID,
		TemplateID:     "tpl-plan",
		Owner:          "owner-1",
		Message:        message,
		Actor:          action.Actor{Kind: action.ActorUser, ID: "u1"},
		OperationCount: version,
		Version:        version,
		Checksum:       document.Checksum(doc),
		Document:       doc,
		CreatedAt:      at,
	}
}

func TestDialectFor(t *testing.T) {
	cases := map[string]Dialect{
		"postgres://u:p@localhost/db":     DialectPostgres,
		"postgresql://localhost/db":       DialectPostgres,
		"sqlite:/tmp/x.db":                DialectSQLite,
		"/var/lib/draftsync/draftsync.db": DialectSQLite,
	}
	for url, want := range cases {
		if got := DialectFor(url); got != want {
			t.Fatalf("DialectFor(%q) = %s, want %s", url, got, want)
		}
	}
}

func TestRebind(t *testing.T) {
	sqlite := &DB{Dialect: DialectSQLite}
	got := sqlite.Rebind(`SELECT * FROM t WHERE a = $1 AND b = $12 AND c = '$'`)
	want := `SELECT * FROM t WHERE a = ? AND b = ? AND c = '$'`
	if got != want {
		t.Fatalf("Rebind() = %q, want %q", got, want)
	}
	pg := &DB{Dialect: DialectPostgres}
	if pg.Rebind("x = $1") != "x = $1" {
		t.Fatal("postgres queries must not be rewritten")
	}
}

func TestMigrationFilesArePaired(t *testing.T) {
	for _, dialect := range []Dialect{DialectPostgres, DialectSQLite} {
		names, err := MigrationNames(dialect)
		if err != nil {
			t.Fatalf("MigrationNames(%s) error = %v", dialect, err)
		}
		if len(names) == 0 {
			t.Fatalf("no migrations for %s", dialect)
		}
		for _, name := range names {
			down := strings.TrimSuffix(name, ".up.sql") + ".down.sql"
			if _, err := migrationFiles.ReadFile("migrations/" + string(dialect) + "/" + down); err != nil {
				t.Fatalf("missing down migration %s for %s", down, dialect)
			}
		}
	}
}

func TestApplyMigrationsIsIdempotent(t *testing.T) {
	db := openSQLite(t)
	if err := ApplyMigrations(context.Background(), db); err != nil {
		t.Fatalf("second ApplyMigrations() error = %v", err)
	}
	var count int
	if err := db.QueryRow(`SELECT count(*) FROM schema_migrations`).Scan(&count); err != nil {
		t.Fatalf("count migrations: %v", err)
	}
	names, _ := MigrationNames(DialectSQLite)
	if count != len(names) {
		t.Fatalf("schema_migrations rows = %d, want %d", count, len(names))
	}
}

func TestArtifactStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	artifacts := NewArtifactStore(openSQLite(t))
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	want := testArtifact("ses_a", 3, "ship quarterly plan", at)

	if err := artifacts.SaveArtifact(ctx, want); err != nil {
		t.Fatalf("SaveArtifact() error = %v", err)
	}
	// same id again is a no-op
	if err := artifacts.SaveArtifact(ctx, want); err != nil {
		t.Fatalf("repeat SaveArtifact() error = %v", err)
	}

	got, err := artifacts.GetArtifact(ctx, want.ID)
	if err != nil {
		t.Fatalf("GetArtifact() error = %v", err)
	}
	if got.SessionID != want.SessionID || got.Version != 3 || got.Actor != want.Actor {
		t.Fatalf("unexpected artifact: %+v", got)
	}
	if !document.Equal(got.Document, want.Document) || got.Checksum != want.Checksum {
		t.Fatal("document did not survive the round trip")
	}
	if !got.CreatedAt.Equal(at) {
		t.Fatalf("CreatedAt = %s, want %s", got.CreatedAt, at)
	}

	found, ok, err := artifacts.FindBySessionVersion(ctx, "ses_a", 3)
	if err != nil || !ok || found.ID != want.ID {
		t.Fatalf("FindBySessionVersion() = %v, %v, %v", found.ID, ok, err)
	}
	if _, ok, err := artifacts.FindBySessionVersion(ctx, "ses_a", 4); err != nil || ok {
		t.Fatalf("missing version should report not found, got %v, %v", ok, err)
	}
	if _, err := artifacts.GetArtifact(ctx, "nope"); !errors.Is(err, commit.ErrArtifactNotFound) {
		t.Fatalf("expected ErrArtifactNotFound, got %v", err)
	}
}

func TestLatestForTemplateAndSearch(t *testing.T) {
	ctx := context.Background()
	artifacts := NewArtifactStore(openSQLite(t))
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	for i, msg := range []string{"first draft", "Quarterly numbers", "final quarterly review"} {
		a := testArtifact("ses_"+string(rune('a'+i)), int64(i+1), msg, base.Add(time.Duration(i)*time.Hour))
		if err := artifacts.SaveArtifact(ctx, a); err != nil {
			t.Fatalf("SaveArtifact(%d) error = %v", i, err)
		}
	}

	latest, err := artifacts.LatestForTemplate(ctx, "tpl-plan")
	if err != nil {
		t.Fatalf("LatestForTemplate() error = %v", err)
	}
	if latest.Message != "final quarterly review" {
		t.Fatalf("latest = %q", latest.Message)
	}
	if _, err := artifacts.LatestForTemplate(ctx, "other"); !errors.Is(err, commit.ErrArtifactNotFound) {
		t.Fatalf("expected ErrArtifactNotFound, got %v", err)
	}

	results, total, err := artifacts.SearchArtifacts(ctx, SearchQuery{Text: "QUARTERLY", TemplateID: "tpl-plan"})
	if err != nil {
		t.Fatalf("SearchArtifacts() error = %v", err)
	}
	if total != 2 || len(results) != 2 {
		t.Fatalf("search total = %d, results = %d", total, len(results))
	}
	if results[0].Message != "final quarterly review" {
		t.Fatalf("results not newest first: %+v", results)
	}

	list, err := artifacts.ListForTemplate(ctx, "tpl-plan", 2)
	if err != nil || len(list) != 2 {
		t.Fatalf("ListForTemplate() = %d, %v", len(list), err)
	}
}

func TestPostgresArtifactStore(t *testing.T) {
	databaseURL := os.Getenv("DRAFTSYNC_TEST_DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DRAFTSYNC_TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	db, err := Open(ctx, databaseURL)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	defer db.Close()
	if err := ApplyMigrations(ctx, db); err != nil {
		t.Fatalf("ApplyMigrations() error = %v", err)
	}

	artifacts := NewArtifactStore(db)
	sessionID := "ses_pg_" + time.Now().UTC().Format("20060102150405.000000000")
	a := testArtifact(sessionID, 1, "postgres quarterly artifact", time.Now().UTC().Truncate(time.Microsecond))
	if err := artifacts.SaveArtifact(ctx, a); err != nil {
		t.Fatalf("SaveArtifact() error = %v", err)
	}
	t.Cleanup(func() {
		_, _ = db.ExecContext(context.Background(), `DELETE FROM artifacts WHERE session_id = $1`, sessionID)
	})

	got, ok, err := artifacts.FindBySessionVersion(ctx, sessionID, 1)
	if err != nil || !ok {
		t.Fatalf("FindBySessionVersion() = %v, %v", ok, err)
	}
	if !document.Equal(got.Document, a.Document) {
		t.Fatal("document mismatch")
	}
	results, _, err := artifacts.SearchArtifacts(ctx, SearchQuery{Text: "quarterly", Owner: "owner-1"})
	if err != nil {
		t.Fatalf("SearchArtifacts() error = %v", err)
	}
	seen := false
	for _, r := range results {
		seen = seen || r.ID == a.ID
	}
	if !seen {
		t.Fatal("postgres search did not return the artifact")
	}
}
