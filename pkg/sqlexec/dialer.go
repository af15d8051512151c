package sqlexec

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/feichai0017/table-dispatcher/pkg/logger"
)

type options struct {
	statementTimeout time.Duration
	maxOpenConns     int
	maxIdleConns     int
	connMaxLifetime  time.Duration
	closeUnderlying  bool
}

func defaultOptions() *options {
	return &options{
		statementTimeout: DefaultStatementTimeout,
		maxOpenConns:     10,
		maxIdleConns:     5,
		connMaxLifetime:  30 * time.Minute,
		closeUnderlying:  true,
	}
}

// Option configures executors and pools.
type Option func(*options)

// WithStatementTimeout bounds every statement. Zero disables the bound.
func WithStatementTimeout(d time.Duration) Option {
	return func(o *options) {
		o.statementTimeout = d
	}
}

// WithPool sets the per-DSN pool limits.
func WithPool(maxOpen, maxIdle int, lifetime time.Duration) Option {
	return func(o *options) {
		o.maxOpenConns = maxOpen
		o.maxIdleConns = maxIdle
		o.connMaxLifetime = lifetime
	}
}

// WithoutClose keeps Close from closing the wrapped handle. Used when the
// caller owns a shared *sql.DB.
func WithoutClose() Option {
	return func(o *options) {
		o.closeUnderlying = false
	}
}

// MySQLDialer keeps one pool per DSN and pins a connection per Dial.
type MySQLDialer struct {
	mu     sync.Mutex
	pools  map[string]*sql.DB
	opts   []Option
	cfg    *options
	logger logger.Logger
}

func NewDialer(log logger.Logger, opts ...Option) *MySQLDialer {
	cfg := defaultOptions()
	for _, opt := range opts {
		opt(cfg)
	}
	return &MySQLDialer{
		pools:  make(map[string]*sql.DB),
		opts:   opts,
		cfg:    cfg,
		logger: log,
	}
}

// Dial returns an executor pinned to one connection of the DSN's pool.
func (d *MySQLDialer) Dial(ctx context.Context, dsn string) (Executor, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	cfg.ParseTime = true

	db, err := d.pool(ctx, cfg)
	if err != nil {
		return nil, err
	}
	conn, err := db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection to %s: %w", cfg.DBName, err)
	}
	return New(conn, cfg.DBName, d.logger, d.opts...), nil
}

func (d *MySQLDialer) pool(ctx context.Context, cfg *mysql.Config) (*sql.DB, error) {
	key := cfg.FormatDSN()

	d.mu.Lock()
	defer d.mu.Unlock()

	if db, ok := d.pools[key]; ok {
		return db, nil
	}

	db, err := sql.Open("mysql", key)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", cfg.DBName, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database %s: %w", cfg.DBName, err)
	}
	db.SetMaxOpenConns(d.cfg.maxOpenConns)
	db.SetMaxIdleConns(d.cfg.maxIdleConns)
	db.SetConnMaxLifetime(d.cfg.connMaxLifetime)

	d.logger.Info("Connected to database",
		logger.String("database", cfg.DBName),
		logger.String("addr", cfg.Addr))
	d.pools[key] = db
	return db, nil
}

// Close closes every pool.
func (d *MySQLDialer) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var first error
	for key, db := range d.pools {
		if err := db.Close(); err != nil && first == nil {
			first = err
		}
		delete(d.pools, key)
	}
	return first
}
