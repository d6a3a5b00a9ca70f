package postgresql_test

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuongbtq/procrastinate-go/internal/testutil"
	"github.com/cuongbtq/procrastinate-go/shared/postgresql"
)

type notSerializable struct{}

func TestClient_Queries(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	require.NoError(t, db.Client.Execute(ctx, `COMMENT ON TABLE "procrastinate_jobs" IS 'foo'`, nil))

	var description string
	found, err := db.Client.QueryOne(ctx, &description,
		`SELECT obj_description(CAST('public.procrastinate_jobs' AS regclass))`, nil)
	require.NoError(t, err)
	assert.True(t, found)
	assert.Equal(t, "foo", description)

	var descriptions []string
	require.NoError(t, db.Client.QueryAll(ctx, &descriptions,
		`SELECT obj_description(CAST('public.procrastinate_jobs' AS regclass))`, nil))
	assert.Equal(t, []string{"foo"}, descriptions)

	var missing int64
	found, err = db.Client.QueryOne(ctx, &missing, `SELECT id FROM procrastinate_jobs WHERE id = -1`, nil)
	require.NoError(t, err)
	assert.False(t, found)

	assert.NoError(t, db.Client.HealthCheck(ctx))
}

func TestClient_CustomJSONDumps(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	client := postgresql.NewClientFromDSN(db.DSN, &postgresql.Config{
		JSONDumps: func(v any) ([]byte, error) {
			m := v.(map[string]any)
			for k, val := range m {
				if _, ok := val.(notSerializable); ok {
					m[k] = "foo"
				}
			}
			return json.Marshal(m)
		},
	}, db.Logger)
	t.Cleanup(func() { _ = client.Close() })

	arg, err := client.EncodeJSON(map[string]any{"a": "a", "b": notSerializable{}})
	require.NoError(t, err)

	var raw []byte
	_, err = client.QueryOne(ctx, &raw, `SELECT CAST(CAST(:arg AS text) AS jsonb) AS json`,
		map[string]any{"arg": string(arg)})
	require.NoError(t, err)

	var got map[string]any
	require.NoError(t, client.DecodeJSON(raw, &got))
	assert.Equal(t, map[string]any{"a": "a", "b": "foo"}, got)
}

func TestClient_Reconnect(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	client := postgresql.NewClientFromDSN(db.DSN, &postgresql.Config{MaxOpenConns: 2}, db.Logger)
	t.Cleanup(func() { _ = client.Close() })

	conn1, err := client.GetDB()
	require.NoError(t, err)
	require.NoError(t, conn1.PingContext(ctx))

	conn2, err := client.GetDB()
	require.NoError(t, err)
	assert.Same(t, conn1, conn2)

	require.NoError(t, client.Close())
	assert.Error(t, conn1.PingContext(ctx))

	conn3, err := client.GetDB()
	require.NoError(t, err)
	assert.NotSame(t, conn1, conn3)
	assert.NoError(t, client.HealthCheck(ctx))
}

func TestClient_SurvivesTerminatedConnections(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx := context.Background()

	client := postgresql.NewClientFromDSN(db.DSN, &postgresql.Config{MaxOpenConns: 2, MaxIdleConns: 2}, db.Logger)
	t.Cleanup(func() { _ = client.Close() })
	require.NoError(t, client.HealthCheck(ctx))

	db.Exec(t, `
		SELECT pg_terminate_backend(pid)
		FROM pg_stat_activity
		WHERE datname = current_database()
		  AND pid <> pg_backend_pid()
		  AND backend_type = 'client backend'
	`, nil)

	var one int
	_, err := client.QueryOne(ctx, &one, `SELECT 1`, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, one)
}

func TestListener_ReceivesNotifications(t *testing.T) {
	db := testutil.NewTestDB(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	listener := db.NewListener(t)
	require.NoError(t, listener.Listen(ctx, "procrastinate_queue#emails"))
	require.NoError(t, listener.Listen(ctx, "procrastinate_queue#emails"))

	db.Exec(t, `SELECT pg_notify(:channel, '')`, map[string]any{"channel": "procrastinate_queue#emails"})

	select {
	case n := <-listener.Notifications():
		assert.Equal(t, "procrastinate_queue#emails", n.Channel)
		assert.False(t, n.Reconnected)
	case <-ctx.Done():
		t.Fatal("no notification received")
	}

	require.NoError(t, listener.Close())
	require.NoError(t, listener.Close())
}
