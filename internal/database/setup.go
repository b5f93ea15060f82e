package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"fedchat-backend/internal/config"

	"github.com/go-sql-driver/mysql"
	"github.com/sethvargo/go-retry"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"
)

// Store is the persistence layer shared by the local API and the federation endpoints.
type Store struct {
	db     *sql.DB
	driver string
	sugar  *zap.SugaredLogger
}

func setPragmaValues(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); err != nil {
		return err
	}

	// these next 2 extremely speed up performance of sqlite
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode = WAL"); err != nil {
		return err
	}

	if _, err := db.ExecContext(ctx, "PRAGMA synchronous = normal"); err != nil {
		return err
	}

	return nil
}

func logPragmaValues(ctx context.Context, db *sql.DB, sugar *zap.SugaredLogger) error {
	var foreignKeys bool
	if err := db.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&foreignKeys); err != nil {
		return err
	}

	var journalMode string
	if err := db.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return err
	}

	var synchronous int
	if err := db.QueryRowContext(ctx, "PRAGMA synchronous").Scan(&synchronous); err != nil {
		return err
	}

	sugar.Debugw("sqlite pragmas", "foreign_keys", foreignKeys, "journal_mode", journalMode, "synchronous", synchronous)
	return nil
}

// Open connects to the configured database, retrying while it comes up, and
// creates missing tables.
func Open(ctx context.Context, cfg *config.Config, sugar *zap.SugaredLogger) (*Store, error) {
	sugar.Infof("Connecting to database %s...", cfg.DatabaseDriver)

	var db *sql.DB
	var err error

	switch cfg.DatabaseDriver {
	case "sqlite":
		db, err = sql.Open("sqlite", cfg.DatabasePath)
		if err != nil {
			return nil, err
		}

		// there can be sqlite busy errors if this is not set to 1
		db.SetMaxOpenConns(1)
	case "mysql":
		db, err = sql.Open("mysql", cfg.MySQLDSN())
		if err != nil {
			return nil, err
		}

		db.SetMaxOpenConns(10)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.DatabaseDriver)
	}

	b := retry.WithMaxRetries(30, retry.NewConstant(1*time.Second))

	if err := retry.Do(ctx, b, func(ctx context.Context) error {
		if err := db.PingContext(ctx); err != nil {
			sugar.Warnf("Database is not reachable yet: %v", err)
			return retry.RetryableError(err)
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	store := &Store{db: db, driver: cfg.DatabaseDriver, sugar: sugar}
	if err := store.setup(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// OpenSQLite opens a sqlite database at path, ":memory:" included.
func OpenSQLite(ctx context.Context, path string, sugar *zap.SugaredLogger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)

	store := &Store{db: db, driver: "sqlite", sugar: sugar}
	if err := store.setup(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) setup(ctx context.Context) error {
	if s.driver == "sqlite" {
		if err := setPragmaValues(ctx, s.db); err != nil {
			return err
		}
		if err := logPragmaValues(ctx, s.db, s.sugar); err != nil {
			return err
		}
	}
	return setupTables(ctx, s.db)
}

func (s *Store) Close() error {
	return s.db.Close()
}

// insertIgnore is the dialect's spelling of an insert that skips conflicting rows.
func (s *Store) insertIgnore() string {
	if s.driver == "mysql" {
		return "INSERT IGNORE"
	}
	return "INSERT OR IGNORE"
}

func setupTables(ctx context.Context, db *sql.DB) error {
	tables := []string{
		`CREATE TABLE IF NOT EXISTS servers (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(255) NOT NULL UNIQUE,
			base_url TEXT NOT NULL,
			token VARCHAR(255) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS users (
			id VARCHAR(36) PRIMARY KEY,
			username VARCHAR(255) NOT NULL,
			token VARCHAR(255) NOT NULL UNIQUE,
			server_id VARCHAR(36) NOT NULL DEFAULT '',
			is_local BOOLEAN NOT NULL,
			display_name VARCHAR(255),
			password_hash VARCHAR(255),
			UNIQUE (username, server_id)
		)`,
		`CREATE TABLE IF NOT EXISTS channels (
			id VARCHAR(36) PRIMARY KEY,
			name VARCHAR(255) NOT NULL,
			origin_server VARCHAR(255) NOT NULL,
			UNIQUE (name, origin_server)
		)`,
		`CREATE TABLE IF NOT EXISTS channel_members (
			channel_id VARCHAR(36) NOT NULL,
			user_id VARCHAR(36) NOT NULL,
			PRIMARY KEY (channel_id, user_id),
			FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id VARCHAR(36) PRIMARY KEY,
			kind VARCHAR(16) NOT NULL,
			body TEXT NOT NULL,
			author_user_id VARCHAR(36) NOT NULL,
			recipient_user_id VARCHAR(36),
			channel_id VARCHAR(36),
			sent_at VARCHAR(64) NOT NULL,
			FOREIGN KEY (author_user_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY (recipient_user_id) REFERENCES users(id) ON DELETE CASCADE,
			FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS federation_tokens (
			id VARCHAR(36) PRIMARY KEY,
			token VARCHAR(255) NOT NULL UNIQUE,
			label TEXT NOT NULL,
			created_at VARCHAR(64) NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS server_hidden_users (
			server_id VARCHAR(36) NOT NULL,
			user_id VARCHAR(36) NOT NULL,
			PRIMARY KEY (server_id, user_id),
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE,
			FOREIGN KEY (user_id) REFERENCES users(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS server_hidden_channels (
			server_id VARCHAR(36) NOT NULL,
			channel_id VARCHAR(36) NOT NULL,
			PRIMARY KEY (server_id, channel_id),
			FOREIGN KEY (server_id) REFERENCES servers(id) ON DELETE CASCADE,
			FOREIGN KEY (channel_id) REFERENCES channels(id) ON DELETE CASCADE
		)`,
	}

	for _, table := range tables {
		if _, err := db.ExecContext(ctx, table); err != nil {
			return fmt.Errorf("creating tables: %w", err)
		}
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

// isUniqueViolation reports whether err came from a UNIQUE or PRIMARY KEY conflict.
func isUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() {
		case sqlite3.SQLITE_CONSTRAINT_UNIQUE, sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY:
			return true
		case sqlite3.SQLITE_CONSTRAINT:
			return strings.Contains(sqliteErr.Error(), "UNIQUE")
		}
		return false
	}

	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == 1062
	}
	return false
}

func rowsChanged(result sql.Result) (bool, error) {
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// withTx runs fn inside a transaction, rolling back when it fails.
func (s *Store) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}
