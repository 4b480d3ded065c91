// Package store persists domain documents in an embedded badger database.
//
// Documents are JSON encoded and grouped by collection under keys of the
// form "<collection>:<id>".
package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

var (
	ErrNotFound    = errors.New("store: document not found")
	ErrDuplicate   = errors.New("store: document already exists")
	ErrInvalidPage = errors.New("store: page and limit must be positive")
	ErrEmptyID     = errors.New("store: document id must not be empty")
)

// DB is an open badger database shared by repositories
type DB struct {
	db *badger.DB
}

type dbConfig struct {
	inMemory bool
	logger   *slog.Logger
}

// Option configures Open
type Option func(*dbConfig)

// InMemory keeps the database in memory; the path is ignored
func InMemory() Option {
	return func(c *dbConfig) {
		c.inMemory = true
	}
}

// WithLogger routes badger's own logging to logger. Badger is silent
// otherwise.
func WithLogger(logger *slog.Logger) Option {
	return func(c *dbConfig) {
		c.logger = logger
	}
}

// Open opens or creates the database at path
func Open(path string, options ...Option) (*DB, error) {
	cfg := &dbConfig{}
	for _, opt := range options {
		opt(cfg)
	}

	opts := badger.DefaultOptions(path).WithLogger(nil)
	if cfg.inMemory {
		opts = badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	}
	if cfg.logger != nil {
		opts = opts.WithLogger(badgerLogger{cfg.logger.With("component", "badger")})
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open store at %q: %w", path, err)
	}
	return &DB{db: db}, nil
}

func (d *DB) Close() error {
	return d.db.Close()
}

// Ping reports whether the database still accepts reads
func (d *DB) Ping(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if d.db.IsClosed() {
		return badger.ErrDBClosed
	}
	return d.db.View(func(*badger.Txn) error { return nil })
}

// badgerLogger adapts slog to badger.Logger
type badgerLogger struct {
	logger *slog.Logger
}

func (l badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
