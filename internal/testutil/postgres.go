// Package testutil starts a disposable PostgreSQL with the schema applied
// for integration tests.
package testutil

import (
	"context"
	"io"
	"log/slog"
	"testing"

	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"

	"github.com/cuongbtq/procrastinate-go/migrations"
	"github.com/cuongbtq/procrastinate-go/shared/postgresql"
)

// TestDB is a migrated database running in a container
type TestDB struct {
	DSN    string
	Client *postgresql.Client
	Logger *slog.Logger
}

// NewTestDB starts a Postgres testcontainer and applies all migrations.
// It skips the test under -short. The container and client are cleaned
// up via t.Cleanup.
func NewTestDB(t *testing.T) *TestDB {
	t.Helper()

	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}

	ctx := context.Background()

	pgCtr, err := tcpostgres.Run(ctx,
		"postgres:17-alpine",
		tcpostgres.WithDatabase("procrastinate_test"),
		tcpostgres.WithUsername("procrastinate"),
		tcpostgres.WithPassword("testpassword"),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := pgCtr.Terminate(ctx); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := pgCtr.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	migrator, err := postgresql.NewMigrator(dsn, migrations.FS, logger)
	if err != nil {
		t.Fatalf("migrator: %v", err)
	}
	defer migrator.Close() //nolint:errcheck

	if err := migrator.Up(); err != nil {
		t.Fatalf("migrate up: %v", err)
	}

	client := postgresql.NewClientFromDSN(dsn, &postgresql.Config{MaxOpenConns: 20, MaxIdleConns: 5}, logger)
	t.Cleanup(func() {
		_ = client.Close()
	})

	return &TestDB{
		DSN:    dsn,
		Client: client,
		Logger: logger,
	}
}

// NewListener returns a listener on the test database closed at cleanup
func (db *TestDB) NewListener(t *testing.T) *postgresql.Listener {
	t.Helper()

	listener := postgresql.NewListener(db.DSN, postgresql.ListenerConfig{}, db.Logger)
	t.Cleanup(func() {
		_ = listener.Close()
	})
	return listener
}

// Exec runs a raw statement, failing the test on error
func (db *TestDB) Exec(t *testing.T, query string, args map[string]any) {
	t.Helper()

	if err := db.Client.Execute(context.Background(), query, args); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// Reset empties the job tables between subtests
func (db *TestDB) Reset(t *testing.T) {
	t.Helper()

	db.Exec(t, `TRUNCATE procrastinate_events, procrastinate_jobs RESTART IDENTITY`, nil)
}
