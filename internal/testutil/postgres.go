// Package testutil holds helpers shared by repository tests.
package testutil

import (
	"context"
	"os"
	"testing"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/orgplay/backend/internal/auth"
	"github.com/orgplay/backend/internal/models"
	"github.com/orgplay/backend/pkg/database"
)

// DatabaseURLEnv names the database repository tests run against.
const DatabaseURLEnv = "ORGPLAY_TEST_DATABASE_URL"

// Postgres connects to the test database and applies migrations. Tests are skipped when
// DatabaseURLEnv is unset. Rows are never truncated: packages run in parallel, so every test
// works on users and organizations it created.
func Postgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv(DatabaseURLEnv)
	if dsn == "" {
		t.Skipf("%s not set", DatabaseURLEnv)
	}
	ctx := context.Background()
	pool, err := database.NewPostgresPool(ctx, dsn, database.PoolOptions{ApplicationName: "orgplay-test", MaxConns: 4}, nil)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	require.NoError(t, database.Migrate(ctx, pool))
	return pool
}

// User inserts an account with a unique email.
func User(t *testing.T, pool *pgxpool.Pool, name string) *models.User {
	t.Helper()
	email := name + "-" + uuid.NewString()[:8] + "@orgplay.test"
	u, err := auth.CreateUser(context.Background(), pool, email, "x", name)
	require.NoError(t, err)
	return u
}

// Organization inserts an organization owned by a fresh user and returns its id.
func Organization(t *testing.T, pool *pgxpool.Pool) uuid.UUID {
	t.Helper()
	owner := User(t, pool, "owner")
	var id uuid.UUID
	err := pool.QueryRow(context.Background(),
		`INSERT INTO organizations (name, owner_id) VALUES ($1, $2) RETURNING id`, "Guild", owner.ID).Scan(&id)
	require.NoError(t, err)
	return id
}
