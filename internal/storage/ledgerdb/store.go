// Package ledgerdb persists account balances in a local SQLite file.
// Every operation runs on the executor and uses its own connection.
package ledgerdb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/orbital/internal/executor"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const (
	driverName     = "sqlite"
	dirPermissions = 0o755
	dsnParams      = "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
)

var (
	ErrConfigMissing  = errors.New("required database configuration is missing")
	ErrIO             = errors.New("database file is not accessible")
	ErrConnection     = errors.New("database connection could not be opened")
	ErrStatement      = errors.New("database statement failed")
	ErrNotInitialized = errors.New("database is not initialized")
)

var tableNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Config locates the store file and names the balance table.
type Config struct {
	// Path full path of the database file, extension included.
	Path string
	// Table balance table name.
	Table string
}

// Binder produces positional arguments for a statement.
type Binder func() ([]any, error)

// Mapper projects a result set into a value.
type Mapper[T any] func(rows *sql.Rows) (T, error)

// NoArgs binds nothing.
func NoArgs() ([]any, error) {
	return nil, nil
}

// Args binds the given values as-is.
func Args(values ...any) Binder {
	return func() ([]any, error) {
		return values, nil
	}
}

// Store is the durable backing copy of the ledger.
type Store struct {
	cfg  Config
	exec *executor.Executor
	l    *zap.Logger

	mu          sync.RWMutex
	db          *sql.DB
	initialized bool
}

// New creates an uninitialized store. Call Initialize before use.
func New(cfg Config, exec *executor.Executor, l *zap.Logger) *Store {
	return &Store{
		cfg:  cfg,
		exec: exec,
		l:    l.Named("ledgerdb"),
	}
}

// Table returns the configured table name.
func (s *Store) Table() string {
	return s.cfg.Table
}

// Initialize ensures the database file and balance table exist. It is safe to
// call repeatedly. On failure the store stays uninitialized and every later
// operation fails with ErrNotInitialized.
func (s *Store) Initialize(ctx context.Context) error {
	table := strings.TrimSpace(s.cfg.Table)
	if table == "" {
		s.l.Error("database.table-name not found in configuration")
		return errors.Wrap(ErrConfigMissing, "database.table-name")
	}
	if !tableNamePattern.MatchString(table) {
		s.l.Error("database.table-name is not a plain identifier", zap.String("table", table))
		return errors.Wrapf(ErrConfigMissing, "invalid database.table-name %q", table)
	}
	if strings.TrimSpace(s.cfg.Path) == "" {
		s.l.Error("database.path not found in configuration")
		return errors.Wrap(ErrConfigMissing, "database.path")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		if err := os.MkdirAll(filepath.Dir(s.cfg.Path), dirPermissions); err != nil {
			s.l.Error("failed to create database directory", zap.String("path", s.cfg.Path), zap.Error(err))
			return errors.Wrapf(ErrIO, "create database directory: %v", err)
		}

		db, err := sql.Open(driverName, filepath.Clean(s.cfg.Path)+dsnParams)
		if err != nil {
			s.l.Error("failed to open database", zap.String("path", s.cfg.Path), zap.Error(err))
			return errors.Wrapf(ErrIO, "open database: %v", err)
		}
		// no idle pool: each operation opens and closes its own connection
		db.SetMaxIdleConns(0)
		s.db = db
	}

	_, statErr := os.Stat(s.cfg.Path)
	created := errors.Is(statErr, os.ErrNotExist)

	conn, err := s.db.Conn(ctx)
	if err != nil {
		s.l.Error("failed to create database file", zap.String("path", s.cfg.Path), zap.Error(err))
		return errors.Wrapf(ErrIO, "connect: %v", err)
	}
	defer conn.Close()

	statement := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (identity VARCHAR(36) PRIMARY KEY, balance DOUBLE)`,
		quoteIdent(table))
	if _, err := conn.ExecContext(ctx, statement); err != nil {
		s.l.Error("failed to create balance table", zap.String("statement", statement), zap.Error(err))
		return errors.Wrapf(ErrStatement, "create table: %v", err)
	}

	if created {
		s.l.Info("SQLite file created", zap.String("path", s.cfg.Path), zap.String("table", table))
	}
	s.initialized = true

	return nil
}

// Initialized reports whether Initialize has succeeded.
func (s *Store) Initialized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.initialized
}

// Close releases the database handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	s.initialized = false

	return err
}

func (s *Store) conn(ctx context.Context) (*sql.Conn, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.initialized || s.db == nil {
		return nil, ErrNotInitialized
	}
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return nil, errors.Wrapf(ErrConnection, "%v", err)
	}

	return conn, nil
}

// Query runs a read statement on the executor and maps its rows into T.
// Failures are logged with the statement text and fail the future.
func Query[T any](s *Store, statement string, bind Binder, mapper Mapper[T]) *executor.Future[T] {
	return executor.Submit(s.exec, func(ctx context.Context) (T, error) {
		var zero T

		conn, err := s.conn(ctx)
		if err != nil {
			s.logFailure(statement, err)
			return zero, err
		}
		defer conn.Close()

		args, err := bind()
		if err != nil {
			err = errors.Wrapf(ErrStatement, "bind: %v", err)
			s.logFailure(statement, err)
			return zero, err
		}

		rows, err := conn.QueryContext(ctx, statement, args...)
		if err != nil {
			err = errors.Wrapf(ErrStatement, "query: %v", err)
			s.logFailure(statement, err)
			return zero, err
		}
		defer rows.Close()

		value, err := mapper(rows)
		if err == nil {
			err = rows.Err()
		}
		if err != nil {
			s.logFailure(statement, err)
			return zero, errors.Wrap(err, "map rows")
		}

		return value, nil
	})
}

// Update runs a write statement (INSERT, UPDATE or DELETE) on the executor.
// The future yields the number of affected rows; callers may ignore it.
func (s *Store) Update(statement string, bind Binder) *executor.Future[int64] {
	return executor.Submit(s.exec, func(ctx context.Context) (int64, error) {
		conn, err := s.conn(ctx)
		if err != nil {
			s.logFailure(statement, err)
			return 0, err
		}
		defer conn.Close()

		args, err := bind()
		if err != nil {
			err = errors.Wrapf(ErrStatement, "bind: %v", err)
			s.logFailure(statement, err)
			return 0, err
		}

		res, err := conn.ExecContext(ctx, statement, args...)
		if err != nil {
			err = errors.Wrapf(ErrStatement, "exec: %v", err)
			s.logFailure(statement, err)
			return 0, err
		}

		affected, err := res.RowsAffected()
		if err != nil {
			err = errors.Wrapf(ErrStatement, "rows affected: %v", err)
			s.logFailure(statement, err)
			return 0, err
		}

		return affected, nil
	})
}

func (s *Store) logFailure(statement string, err error) {
	s.l.Error("Error when preparing statement for query", zap.String("statement", statement), zap.Error(err))
}

func quoteIdent(name string) string {
	return `"` + name + `"`
}
