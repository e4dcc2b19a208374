// Package store is the SQL artifact store. It runs on Postgres in
// production and on SQLite for single-node deployments and tests.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectSQLite   Dialect = "sqlite"
)

// DB is a connection pool tagged with the dialect its queries must use.
type DB struct {
	*sql.DB
	Dialect Dialect
}

// DialectFor reports which driver a database URL selects. postgres:// and
// postgresql:// go to pgx, everything else is treated as a SQLite path.
func DialectFor(databaseURL string) Dialect {
	lower := strings.ToLower(databaseURL)
	if strings.HasPrefix(lower, "postgres://") || strings.HasPrefix(lower, "postgresql://") {
		return DialectPostgres
	}
	return DialectSQLite
}

func Open(ctx context.Context, databaseURL string) (*DB, error) {
	dialect := DialectFor(databaseURL)

	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case DialectPostgres:
		db, err = sql.Open("pgx", databaseURL)
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		db.SetConnMaxIdleTime(5 * time.Minute)
		db.SetConnMaxLifetime(30 * time.Minute)
		db.SetMaxIdleConns(10)
		db.SetMaxOpenConns(20)
	default:
		db, err = sql.Open("sqlite", sqliteDSN(databaseURL))
		if err != nil {
			return nil, fmt.Errorf("open db: %w", err)
		}
		// one writer keeps SQLITE_BUSY out of the commit path
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, Dialect: dialect}, nil
}

func sqliteDSN(databaseURL string) string {
	path := strings.TrimPrefix(databaseURL, "sqlite://")
	path = strings.TrimPrefix(path, "sqlite:")
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
}

// Rebind rewrites $N placeholders to ? for SQLite.
func (db *DB) Rebind(query string) string {
	if db.Dialect != DialectSQLite {
		return query
	}
	var b strings.Builder
	b.Grow(len(query))
	for i := 0; i < len(query); i++ {
		if query[i] == '$' {
			j := i + 1
			for j < len(query) && query[j] >= '0' && query[j] <= '9' {
				j++
			}
			if j > i+1 {
				if _, err := strconv.Atoi(query[i+1 : j]); err == nil {
					b.WriteByte('?')
					i = j - 1
					continue
				}
			}
		}
		b.WriteByte(query[i])
	}
	return b.String()
}
