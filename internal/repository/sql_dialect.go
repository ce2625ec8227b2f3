package repository

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// Dialect captures the differences between the supported SQL databases.
// Bind variables are handled by sqlx.Rebind from the driver name.
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
	DialectSQLite   Dialect = "sqlite3"
)

func dialectForDriver(driverName string) Dialect {
	switch driverName {
	case "postgres", "pgx":
		return DialectPostgres
	case "mysql":
		return DialectMySQL
	default:
		return DialectSQLite
	}
}

func (d Dialect) supportsReturning() bool {
	return d == DialectPostgres
}

// forUpdate returns the row-lock suffix for a SELECT. SQLite runs on a single
// connection, so its transactions never interleave.
func (d Dialect) forUpdate() string {
	if d == DialectSQLite {
		return ""
	}
	return " FOR UPDATE"
}

// timeArg formats t for binding. SQLite stores DATETIME as text, so it gets a fixed
// width UTC string that julianday() and lexical ordering both understand.
func (d Dialect) timeArg(t time.Time) any {
	if d == DialectSQLite {
		return t.UTC().Format("2006-01-02 15:04:05.000000")
	}
	return t.UTC()
}

func (d Dialect) nullTimeArg(t sql.NullTime) any {
	if !t.Valid {
		return nil
	}
	return d.timeArg(t.Time)
}

// compareTime returns a predicate comparing column against one bind variable.
// SQLite coerces both sides through julianday() so TEXT timestamps compare as times.
func (d Dialect) compareTime(column, op string) string {
	if d == DialectSQLite {
		return fmt.Sprintf("julianday(%s) %s julianday(?)", column, op)
	}
	return fmt.Sprintf("%s %s ?", column, op)
}

// readTxOptions asks for a snapshot across the statements of a read transaction.
// The SQLite driver ignores isolation levels; its transactions are serialisable.
func (d Dialect) readTxOptions() *sql.TxOptions {
	if d == DialectSQLite {
		return &sql.TxOptions{ReadOnly: true}
	}
	return &sql.TxOptions{ReadOnly: true, Isolation: sql.LevelRepeatableRead}
}

func prefixColumns(columns, alias string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func nullInt64(v int64) sql.NullInt64 {
	return sql.NullInt64{Int64: v, Valid: v > 0}
}
