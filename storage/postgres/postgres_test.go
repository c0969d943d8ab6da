package postgres

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/mqttadmin/mosquitto-auth/storage/storagetest"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dsn := os.Getenv("MOSQUITTO_AUTH_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("MOSQUITTO_AUTH_TEST_POSTGRES_DSN not set; skipping PostgreSQL tests")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)
	require.NoError(t, EnsureSchema(ctx, pool))

	pool.Exec(ctx, "DELETE FROM audit_entries") //nolint:errcheck
	t.Cleanup(func() {
		pool.Exec(ctx, "DELETE FROM audit_entries") //nolint:errcheck
		pool.Close()
	})
	return NewRepository(pool)
}

func TestPostgresRepository(t *testing.T) {
	storagetest.Run(t, newTestStore(t))
}
