//go:build integration

// Package dbtest starts a throwaway PostgreSQL for integration tests.
package dbtest

import (
	"context"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/hotspot/pkg/database"
)

// DB is a migrated database running in a container.
type DB struct {
	DSN  string
	Pool *pgxpool.Pool
}

// Start runs postgres:16-alpine, applies the embedded migrations and
// returns a connected pool. Everything is torn down with the test.
func Start(t *testing.T) *DB {
	t.Helper()
	ctx := context.Background()

	container, err := postgres.RunContainer(ctx,
		testcontainers.WithImage("postgres:16-alpine"),
		postgres.WithDatabase("hotspot"),
		postgres.WithUsername("postgres"),
		postgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second),
		),
	)
	require.NoError(t, err, "start postgres container")
	t.Cleanup(func() {
		if err := container.Terminate(context.Background()); err != nil {
			t.Logf("terminate postgres container: %v", err)
		}
	})

	dsn, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, database.Migrate(dsn, "up"), "migrate up")

	cfg := database.DefaultConfig()
	cfg.DSN = dsn
	pool, err := database.Connect(ctx, cfg, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	return &DB{DSN: dsn, Pool: pool}
}

// radacctSchema is the subset of the FreeRADIUS radacct table read by the
// accounting collector.
const radacctSchema = `
CREATE TABLE IF NOT EXISTS radacct (
	radacctid          BIGSERIAL PRIMARY KEY,
	acctsessionid      TEXT NOT NULL DEFAULT '',
	acctuniqueid       TEXT NOT NULL UNIQUE,
	username           TEXT,
	nasipaddress       INET NOT NULL,
	acctstarttime      TIMESTAMPTZ,
	acctstoptime       TIMESTAMPTZ,
	acctsessiontime    BIGINT,
	acctinputoctets    BIGINT,
	acctoutputoctets   BIGINT,
	calledstationid    TEXT,
	callingstationid   TEXT,
	acctterminatecause TEXT,
	framedipaddress    INET
)`

// CreateRadacct creates the RADIUS accounting table the collector reads.
func (db *DB) CreateRadacct(t *testing.T) {
	t.Helper()
	_, err := db.Pool.Exec(context.Background(), radacctSchema)
	require.NoError(t, err)
}
