package db

import (
	"errors"
	"net/url"
	"strings"
)

// parsePostgresURL parses a postgres URL DSN; a bare "user@host/db" gets the
// postgres:// scheme.
func parsePostgresURL(dsn string) (*url.URL, error) {
	if dsn == "" {
		return nil, errors.New("empty DSN")
	}
	if !strings.Contains(dsn, "://") {
		dsn = "postgres://" + dsn
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "postgres" && u.Scheme != "postgresql" {
		return nil, errors.New("DSN scheme must be postgres or postgresql")
	}
	return u, nil
}

// WithDBName returns dsn pointing at database instead, keeping credentials,
// host and query parameters.
func WithDBName(dsn, database string) (string, error) {
	u, err := parsePostgresURL(dsn)
	if err != nil {
		return "", err
	}
	u.Path = "/" + strings.TrimPrefix(database, "/")
	return u.String(), nil
}

// DBName returns the database a postgres DSN names, or "" when it names none.
func DBName(dsn string) (string, error) {
	u, err := parsePostgresURL(dsn)
	if err != nil {
		return "", err
	}
	return strings.TrimPrefix(u.Path, "/"), nil
}

// sqliteDSN adds the connection pragmas the tracking store relies on.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path
	}
	return path + "?_foreign_keys=on&_busy_timeout=5000&_journal_mode=WAL"
}

// sqliteReaderDSN opens connections that refuse writes.
func sqliteReaderDSN(path string) string {
	if strings.Contains(path, "?") {
		return path + "&_query_only=on"
	}
	return path + "?_busy_timeout=5000&_journal_mode=WAL&_query_only=on"
}

func quoteIdent(s string) string {
	return `"` + strings.ReplaceAll(s, `"`, `""`) + `"`
}
