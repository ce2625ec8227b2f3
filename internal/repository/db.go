package repository

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"strings"

	migrate "github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/mysql"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"

	"github.com/RealZimboGuy/daemonflow/internal/config"
	"github.com/RealZimboGuy/daemonflow/internal/migrations"
)

// OpenDatabase migrates and opens the database selected by DFLOW_DATABASE_TYPE.
func OpenDatabase(databaseType string) (*sqlx.DB, error) {
	switch databaseType {
	case config.DATABASE_TYPE_POSTGRES:
		return setupPostgresDatabase(config.GetSystemSettingString(config.DATABASE_URL))
	case config.DATABASE_TYPE_MYSQL:
		return setupMysqlDatabase(config.GetSystemSettingString(config.DATABASE_URL))
	case config.DATABASE_TYPE_SQLLITE:
		return OpenSQLite(config.GetSystemSettingString(config.DATABASE_SQLLITE_FILE_NAME))
	}
	return nil, fmt.Errorf("%s must be one of POSTGRES, MYSQL, SQLLITE, MEMORY, got %q", config.DATABASE_TYPE, databaseType)
}

func setupPostgresDatabase(dbURL string) (*sqlx.DB, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("%s must be set when using the POSTGRES database type", config.DATABASE_URL)
	}
	slog.Info("Running migrations", "dialect", DialectPostgres)
	if err := runMigrationsFromEmbed(string(DialectPostgres), dbURL); err != nil {
		return nil, fmt.Errorf("postgres migration: %w", err)
	}
	slog.Info("Opening Postgres database")
	return sqlx.Connect("postgres", dbURL)
}

// OpenSQLite migrates and opens a SQLite file. The pool is limited to one connection:
// SQLite has a single writer and that keeps every transaction serialised.
func OpenSQLite(fileName string) (*sqlx.DB, error) {
	if fileName == "" {
		return nil, fmt.Errorf("%s must be set", config.DATABASE_SQLLITE_FILE_NAME)
	}
	slog.Info("Using SQLite database", "file", fileName)
	if err := runMigrationsFromEmbed(string(DialectSQLite), "sqlite3://"+fileName); err != nil {
		return nil, fmt.Errorf("sqlite migration: %w", err)
	}
	db, err := sqlx.Connect("sqlite3", fileName+"?_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

func setupMysqlDatabase(dbURL string) (*sqlx.DB, error) {
	if dbURL == "" {
		return nil, fmt.Errorf("%s must be set when using the MYSQL database type", config.DATABASE_URL)
	}
	if !strings.HasPrefix(dbURL, "mysql://") {
		return nil, fmt.Errorf("%s must start with 'mysql://' for MySQL", config.DATABASE_URL)
	}
	if !strings.Contains(dbURL, "parseTime=true") {
		return nil, fmt.Errorf("%s must contain 'parseTime=true' for MySQL", config.DATABASE_URL)
	}
	slog.Info("Running migrations", "dialect", DialectMySQL)
	if err := runMigrationsFromEmbed(string(DialectMySQL), dbURL); err != nil {
		return nil, fmt.Errorf("mysql migration: %w", err)
	}
	slog.Info("Opening MySQL database")
	return sqlx.Connect("mysql", strings.TrimPrefix(dbURL, "mysql://"))
}

func runMigrationsFromEmbed(migrationsPath string, dbURL string) error {
	sub, err := fs.Sub(migrations.FS, migrationsPath)
	if err != nil {
		return err
	}
	source, err := iofs.New(sub, ".")
	if err != nil {
		return err
	}
	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return err
	}
	defer m.Close()
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	return nil
}
