package kvstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/vigia-civic/vigia-api/internal/config"

	_ "github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/sirupsen/logrus"
)

// Dialect picks the upsert and DDL flavour of a SQL backend
type Dialect string

const (
	DialectPostgres Dialect = "postgres"
	DialectMySQL    Dialect = "mysql"
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// SQLStore keeps entries in a single kv table
type SQLStore struct {
	db      *sqlx.DB
	dialect Dialect
	table   string
}

// NewSQLStore wraps an open connection. Placeholders are rebound for the
// connection's driver.
func NewSQLStore(db *sqlx.DB, dialect Dialect, table string) (*SQLStore, error) {
	if !tableNamePattern.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	switch dialect {
	case DialectPostgres, DialectMySQL:
	default:
		return nil, fmt.Errorf("unsupported SQL dialect %q", dialect)
	}
	return &SQLStore{db: db, dialect: dialect, table: table}, nil
}

// OpenSQLStore connects with the driver matching dialect and optionally creates the table
func OpenSQLStore(ctx context.Context, cfg *config.SQLConfig, dialect Dialect, logger *logrus.Logger) (*SQLStore, error) {
	db, err := sqlx.ConnectContext(ctx, string(dialect), cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", dialect, err)
	}

	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)

	store, err := NewSQLStore(db, dialect, cfg.Table)
	if err != nil {
		db.Close()
		return nil, err
	}

	if cfg.AutoMigrate {
		if err := store.Migrate(ctx); err != nil {
			db.Close()
			return nil, err
		}
	}

	logger.WithFields(logrus.Fields{
		"dialect": dialect,
		"table":   cfg.Table,
	}).Info("Connected to SQL store")

	return store, nil
}

// Migrate creates the kv table when missing
func (s *SQLStore) Migrate(ctx context.Context) error {
	var ddl string
	switch s.dialect {
	case DialectMySQL:
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			entry_key VARCHAR(255) NOT NULL PRIMARY KEY,
			entry_value LONGTEXT NOT NULL,
			updated_at DATETIME(3) NOT NULL
		)`, s.table)
	default:
		ddl = fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
			entry_key VARCHAR(255) PRIMARY KEY,
			entry_value TEXT NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		)`, s.table)
	}

	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("failed to create table %s: %w", s.table, err)
	}
	return nil
}

func (s *SQLStore) Get(ctx context.Context, key string) (string, bool, error) {
	query := s.db.Rebind(fmt.Sprintf(`SELECT entry_value FROM %s WHERE entry_key = ?`, s.table))

	var value string
	err := s.db.GetContext(ctx, &value, query, key)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("sql get %s: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLStore) Set(ctx context.Context, key, value string) error {
	var query string
	switch s.dialect {
	case DialectMySQL:
		query = fmt.Sprintf(`INSERT INTO %s (entry_key, entry_value, updated_at) VALUES (?, ?, ?)
			ON DUPLICATE KEY UPDATE entry_value = VALUES(entry_value), updated_at = VALUES(updated_at)`, s.table)
	default:
		query = fmt.Sprintf(`INSERT INTO %s (entry_key, entry_value, updated_at) VALUES (?, ?, ?)
			ON CONFLICT (entry_key) DO UPDATE SET entry_value = EXCLUDED.entry_value, updated_at = EXCLUDED.updated_at`, s.table)
	}

	if _, err := s.db.ExecContext(ctx, s.db.Rebind(query), key, value, time.Now().UTC()); err != nil {
		return fmt.Errorf("sql set %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Remove(ctx context.Context, key string) error {
	query := s.db.Rebind(fmt.Sprintf(`DELETE FROM %s WHERE entry_key = ?`, s.table))
	if _, err := s.db.ExecContext(ctx, query, key); err != nil {
		return fmt.Errorf("sql delete %s: %w", key, err)
	}
	return nil
}

func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLStore) Close() error {
	return s.db.Close()
}
