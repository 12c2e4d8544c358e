package db

import (
	"context"
	"embed"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema_postgres.sql schema_sqlite.sql
var schemaFS embed.FS

// Open connects with the given driver ("pgx" or "sqlite3").
func Open(driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case "pgx":
		db, err := sqlx.Open("pgx", dsn)
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(20)
		db.SetMaxIdleConns(5)
		db.SetConnMaxLifetime(30 * time.Minute)
		return db, nil
	case "sqlite3":
		db, err := sqlx.Open("sqlite3", sqliteDSN(dsn))
		if err != nil {
			return nil, err
		}
		// SQLite allows a single writer; one connection avoids SQLITE_BUSY
		// between our own transactions.
		db.SetMaxOpenConns(1)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
}

// OpenReader opens a read-only pool for viewer queries. SQLite in WAL mode
// lets these connections read while the single writer holds a transaction.
// Postgres readers share the main pool, so it returns nil for pgx.
func OpenReader(driver, dsn string) (*sqlx.DB, error) {
	switch driver {
	case "pgx":
		return nil, nil
	case "sqlite3":
		db, err := sqlx.Open("sqlite3", sqliteReaderDSN(dsn))
		if err != nil {
			return nil, err
		}
		db.SetMaxOpenConns(4)
		return db, nil
	default:
		return nil, fmt.Errorf("unsupported db driver %q", driver)
	}
}

func Ping(ctx context.Context, db *sqlx.DB) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return db.PingContext(ctx)
}

// Migrate applies the schema for the connection's dialect. Every statement is
// idempotent, so running it on an up-to-date database is a no-op.
func Migrate(ctx context.Context, db *sqlx.DB) error {
	name := "schema_postgres.sql"
	if db.DriverName() == "sqlite3" {
		name = "schema_sqlite.sql"
	}
	raw, err := schemaFS.ReadFile(name)
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	for _, stmt := range splitStatements(string(raw)) {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply %s: %w", name, err)
		}
	}
	return nil
}

// CreateDatabase creates the database named in dsn if it does not exist yet.
// It connects to the cluster's 'postgres' database to do so.
func CreateDatabase(ctx context.Context, dsn string) (created bool, err error) {
	name, err := DBName(dsn)
	if err != nil {
		return false, err
	}
	if name == "" || name == "postgres" {
		return false, nil
	}
	rootDSN, err := WithDBName(dsn, "postgres")
	if err != nil {
		return false, fmt.Errorf("invalid base DSN: %w", err)
	}
	meta, err := Open("pgx", rootDSN)
	if err != nil {
		return false, fmt.Errorf("db open (meta): %w", err)
	}
	defer meta.Close()
	if err := Ping(ctx, meta); err != nil {
		return false, fmt.Errorf("db ping (meta): %w", err)
	}

	var exists bool
	if err := meta.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM pg_database WHERE datname = $1)`, name); err != nil {
		return false, fmt.Errorf("lookup database %q: %w", name, err)
	}
	if exists {
		return false, nil
	}
	if _, err := meta.ExecContext(ctx, "CREATE DATABASE "+quoteIdent(name)); err != nil {
		return false, fmt.Errorf("create database %q: %w", name, err)
	}
	return true, nil
}

func splitStatements(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ";") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
