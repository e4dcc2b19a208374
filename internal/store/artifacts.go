package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"draftsync/internal/commit"
	"draftsync/internal/document"
)

// ArtifactStore persists committed documents in SQL.
type ArtifactStore struct {
	db *DB
}

func NewArtifactStore(db *DB) *ArtifactStore {
	return &ArtifactStore{db: db}
}

func (s *ArtifactStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const artifactColumns = `id, session_id, template_id, owner, message, actor_kind, actor_id, operation_count, version, checksum, created_at`

func (s *ArtifactStore) SaveArtifact(ctx context.Context, artifact commit.Artifact) error {
	body, err := json.Marshal(artifact.Document)
	if err != nil {
		return fmt.Errorf("encode artifact document: %w", err)
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO artifacts (`+artifactColumns+`, document)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`),
		artifact.ID,
		artifact.SessionID,
		artifact.TemplateID,
		artifact.Owner,
		artifact.Message,
		artifact.Actor.Kind,
		artifact.Actor.ID,
		artifact.OperationCount,
		artifact.Version,
		artifact.Checksum,
		artifact.CreatedAt.UTC(),
		string(body),
	)
	if err != nil {
		return fmt.Errorf("insert artifact %s: %w", artifact.ID, err)
	}
	return nil
}

func (s *ArtifactStore) FindBySessionVersion(ctx context.Context, sessionID string, version int64) (commit.Artifact, bool, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT `+artifactColumns+`, document FROM artifacts
		WHERE session_id = $1 AND version = $2
	`), sessionID, version)
	artifact, err := scanArtifact(row)
	if errors.Is(err, commit.ErrArtifactNotFound) {
		return commit.Artifact{}, false, nil
	}
	if err != nil {
		return commit.Artifact{}, false, err
	}
	return artifact, true, nil
}

func (s *ArtifactStore) GetArtifact(ctx context.Context, id string) (commit.Artifact, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT `+artifactColumns+`, document FROM artifacts WHERE id = $1
	`), id)
	artifact, err := scanArtifact(row)
	if errors.Is(err, commit.ErrArtifactNotFound) {
		return commit.Artifact{}, fmt.Errorf("%w: %s", commit.ErrArtifactNotFound, id)
	}
	return artifact, err
}

func (s *ArtifactStore) LatestForTemplate(ctx context.Context, templateID string) (commit.Artifact, error) {
	row := s.db.QueryRowContext(ctx, s.db.Rebind(`
		SELECT `+artifactColumns+`, document FROM artifacts
		WHERE template_id = $1
		ORDER BY created_at DESC, version DESC
		LIMIT 1
	`), templateID)
	artifact, err := scanArtifact(row)
	if errors.Is(err, commit.ErrArtifactNotFound) {
		return commit.Artifact{}, fmt.Errorf("%w: template %s", commit.ErrArtifactNotFound, templateID)
	}
	return artifact, err
}

// ListForTemplate returns summaries newest first.
func (s *ArtifactStore) ListForTemplate(ctx context.Context, templateID string, limit int) ([]ArtifactSummary, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, s.db.Rebind(`
		SELECT `+artifactColumns+` FROM artifacts
		WHERE template_id = $1
		ORDER BY created_at DESC, version DESC
		LIMIT $2
	`), templateID, limit)
	if err != nil {
		return nil, fmt.Errorf("list artifacts: %w", err)
	}
	defer rows.Close()
	return scanSummaries(rows)
}

// SearchArtifacts matches commit messages, template ids and owners. Postgres
// uses the generated tsvector; SQLite falls back to a case-insensitive LIKE.
func (s *ArtifactStore) SearchArtifacts(ctx context.Context, q SearchQuery) ([]ArtifactSummary, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return []ArtifactSummary{}, 0, nil
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	var (
		where string
		order string
		args  = []any{text}
	)
	if s.db.Dialect == DialectPostgres {
		where = "search_vector @@ plainto_tsquery('simple', $1)"
		order = "ts_rank(search_vector, plainto_tsquery('simple', $1)) DESC, created_at DESC"
	} else {
		args[0] = "%" + strings.ToLower(text) + "%"
		where = "(LOWER(message) LIKE $1 OR LOWER(template_id) LIKE $1 OR LOWER(owner) LIKE $1)"
		order = "created_at DESC"
	}
	argN := 2
	if q.TemplateID != "" {
		where += fmt.Sprintf(" AND template_id = $%d", argN)
		args = append(args, q.TemplateID)
		argN++
	}
	if q.Owner != "" {
		where += fmt.Sprintf(" AND owner = $%d", argN)
		args = append(args, q.Owner)
		argN++
	}

	// SQLite binds ? positionally, so a repeated $1 needs its value repeated.
	countArgs, dataArgs := args, args
	if s.db.Dialect == DialectSQLite {
		countArgs = expandRepeated(where, args)
		dataArgs = countArgs
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.db.Rebind("SELECT count(*) FROM artifacts WHERE "+where), countArgs...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count artifacts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, s.db.Rebind(fmt.Sprintf(
		"SELECT %s FROM artifacts WHERE %s ORDER BY %s LIMIT %d OFFSET %d",
		artifactColumns, where, order, limit, offset,
	)), dataArgs...)
	if err != nil {
		return nil, 0, fmt.Errorf("search artifacts: %w", err)
	}
	defer rows.Close()
	summaries, err := scanSummaries(rows)
	if err != nil {
		return nil, 0, err
	}
	return summaries, total, nil
}

// expandRepeated orders args by placeholder occurrence in query.
func expandRepeated(query string, args []any) []any {
	var out []any
	for i := 0; i < len(query); i++ {
		if query[i] != '$' {
			continue
		}
		n := 0
		j := i + 1
		for j < len(query) && query[j] >= '0' && query[j] <= '9' {
			n = n*10 + int(query[j]-'0')
			j++
		}
		if n > 0 && n <= len(args) {
			out = append(out, args[n-1])
		}
		i = j - 1
	}
	return out
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanArtifact(row rowScanner) (commit.Artifact, error) {
	var (
		a    commit.Artifact
		body []byte
	)
	err := row.Scan(
		&a.ID,
		&a.SessionID,
		&a.TemplateID,
		&a.Owner,
		&a.Message,
		&a.Actor.Kind,
		&a.Actor.ID,
		&a.OperationCount,
		&a.Version,
		&a.Checksum,
		&a.CreatedAt,
		&body,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return commit.Artifact{}, commit.ErrArtifactNotFound
	}
	if err != nil {
		return commit.Artifact{}, fmt.Errorf("scan artifact: %w", err)
	}
	a.CreatedAt = a.CreatedAt.UTC()
	var doc document.Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return commit.Artifact{}, fmt.Errorf("decode artifact %s: %w", a.ID, err)
	}
	a.Document = doc
	return a, nil
}

func scanSummaries(rows *sql.Rows) ([]ArtifactSummary, error) {
	summaries := make([]ArtifactSummary, 0)
	for rows.Next() {
		var a ArtifactSummary
		if err := rows.Scan(
			&a.ID,
			&a.SessionID,
			&a.TemplateID,
			&a.Owner,
			&a.Message,
			&a.ActorKind,
			&a.ActorID,
			&a.OperationCount,
			&a.Version,
			&a.Checksum,
			&a.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan artifact summary: %w", err)
		}
		a.CreatedAt = a.CreatedAt.UTC()
		summaries = append(summaries, a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate artifacts: %w", err)
	}
	return summaries, nil
}
