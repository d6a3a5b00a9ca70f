package postgresql

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
)

const driverName = "postgres"

// defaultPoolCapacity is used to size the retry budget when MaxOpenConns is unlimited
const defaultPoolCapacity = 10

// Config holds PostgreSQL connection configuration
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration

	// JSONDumps and JSONLoads encode and decode jsonb values.
	// Both default to encoding/json, so JSON numbers decode as float64.
	// Use a JSONLoads built on json.Decoder.UseNumber to keep them exact.
	JSONDumps func(v any) ([]byte, error)
	JSONLoads func(data []byte, v any) error
}

// DSN builds a libpq connection string from the config
func (c *Config) DSN() string {
	u := url.URL{
		Scheme: "postgres",
		User:   url.UserPassword(c.User, c.Password),
		Host:   fmt.Sprintf("%s:%d", c.Host, c.Port),
		Path:   "/" + c.Database,
	}
	if c.SSLMode != "" {
		u.RawQuery = url.Values{"sslmode": []string{c.SSLMode}}.Encode()
	}
	return u.String()
}

// PoolCapacity returns the maximum number of open connections the pool allows
func (c *Config) PoolCapacity() int {
	if c.MaxOpenConns <= 0 {
		return defaultPoolCapacity
	}
	return c.MaxOpenConns
}

// Client executes named-parameter queries against PostgreSQL.
// The underlying pool is opened on first use and can be closed and
// reopened any number of times.
type Client struct {
	dsn    string
	config *Config
	logger *slog.Logger

	mu sync.Mutex
	db *sqlx.DB
}

// NewClient creates a new PostgreSQL client without connecting
func NewClient(config *Config, logger *slog.Logger) *Client {
	return NewClientFromDSN(config.DSN(), config, logger)
}

// NewClientFromDSN creates a client for an explicit connection string.
// Pool sizing and JSON hooks are still read from config.
func NewClientFromDSN(dsn string, config *Config, logger *slog.Logger) *Client {
	if config.JSONDumps == nil {
		config.JSONDumps = json.Marshal
	}
	if config.JSONLoads == nil {
		config.JSONLoads = json.Unmarshal
	}
	return &Client{
		dsn:    dsn,
		config: config,
		logger: logger,
	}
}

// DSN returns the connection string used by the pool
func (c *Client) DSN() string {
	return c.dsn
}

// GetDB returns the pool, opening it if needed
func (c *Client) GetDB() (*sqlx.DB, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db != nil {
		return c.db, nil
	}

	db, err := sqlx.Open(driverName, c.dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open PostgreSQL pool: %w", err)
	}

	db.SetMaxOpenConns(c.config.MaxOpenConns)
	db.SetMaxIdleConns(c.config.MaxIdleConns)
	db.SetConnMaxLifetime(c.config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(c.config.ConnMaxIdleTime)

	c.logger.Debug("PostgreSQL pool opened",
		slog.Int("max_open_conns", c.config.MaxOpenConns),
		slog.Int("max_idle_conns", c.config.MaxIdleConns),
		slog.Duration("conn_max_lifetime", c.config.ConnMaxLifetime),
	)

	c.db = db
	return db, nil
}

// Close closes the pool. Closing twice, or before any use, is a no-op.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.db == nil {
		return nil
	}

	db := c.db
	c.db = nil

	if err := db.Close(); err != nil {
		c.logger.Error("Failed to close PostgreSQL connection",
			slog.Any("error", err),
		)
		return err
	}

	c.logger.Info("PostgreSQL connection closed successfully")
	return nil
}

// Execute runs a query that returns no rows
func (c *Client) Execute(ctx context.Context, query string, args map[string]any) error {
	return c.run(ctx, query, func(db *sqlx.DB) error {
		q, params, err := bindNamed(query, args)
		if err != nil {
			return err
		}
		_, err = db.ExecContext(ctx, q, params...)
		return err
	})
}

// QueryOne scans at most one row into dest. It reports false when the query
// matched nothing.
func (c *Client) QueryOne(ctx context.Context, dest any, query string, args map[string]any) (bool, error) {
	found := true
	err := c.run(ctx, query, func(db *sqlx.DB) error {
		q, params, err := bindNamed(query, args)
		if err != nil {
			return err
		}
		err = db.GetContext(ctx, dest, q, params...)
		if errors.Is(err, sql.ErrNoRows) {
			found = false
			return nil
		}
		return err
	})
	if err != nil {
		return false, err
	}
	return found, nil
}

// QueryAll scans every matching row into dest, which must be a pointer to a slice
func (c *Client) QueryAll(ctx context.Context, dest any, query string, args map[string]any) error {
	return c.run(ctx, query, func(db *sqlx.DB) error {
		q, params, err := bindNamed(query, args)
		if err != nil {
			return err
		}
		return db.SelectContext(ctx, dest, q, params...)
	})
}

// EncodeJSON encodes a jsonb parameter with the configured encoder
func (c *Client) EncodeJSON(v any) ([]byte, error) {
	return c.config.JSONDumps(v)
}

// DecodeJSON decodes a jsonb column with the configured decoder
func (c *Client) DecodeJSON(data []byte, v any) error {
	return c.config.JSONLoads(data, v)
}

// HealthCheck performs a health check on the database
func (c *Client) HealthCheck(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	var result int
	if _, err := c.QueryOne(ctx, &result, "SELECT 1", nil); err != nil {
		return fmt.Errorf("database query health check failed: %w", err)
	}

	return nil
}

// Stats returns database statistics
func (c *Client) Stats() string {
	c.mu.Lock()
	db := c.db
	c.mu.Unlock()

	if db == nil {
		return "pool not opened"
	}

	stats := db.Stats()
	return fmt.Sprintf(
		"MaxOpenConns: %d, OpenConns: %d, InUse: %d, Idle: %d, WaitCount: %d, WaitDuration: %s",
		stats.MaxOpenConnections,
		stats.OpenConnections,
		stats.InUse,
		stats.Idle,
		stats.WaitCount,
		stats.WaitDuration,
	)
}

// run applies the connection retry policy around one query
func (c *Client) run(ctx context.Context, query string, op func(db *sqlx.DB) error) error {
	err := Retry(ctx, c.config.PoolCapacity()+1, func() error {
		db, err := c.GetDB()
		if err != nil {
			return err
		}
		return op(db)
	}, func(attempt int, err error) {
		c.logger.Warn("Connection lost during query, retrying",
			slog.Int("attempt", attempt),
			slog.Any("error", err),
		)
	})
	if err != nil {
		c.logger.Debug("Query failed",
			slog.Any("error", err),
			slog.String("query", query),
		)
	}
	return err
}

// bindNamed converts :name parameters to positional $n placeholders
func bindNamed(query string, args map[string]any) (string, []any, error) {
	if args == nil {
		args = map[string]any{}
	}
	q, params, err := sqlx.Named(query, args)
	if err != nil {
		return "", nil, fmt.Errorf("failed to bind named query: %w", err)
	}
	return sqlx.Rebind(sqlx.DOLLAR, q), params, nil
}
