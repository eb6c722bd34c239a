package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"testing"
	"time"

	"github.com/fyrsmithlabs/hookrelay/internal/store"
	"github.com/fyrsmithlabs/hookrelay/internal/store/storetest"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
)

// startPostgresContainer starts a PostgreSQL container and returns a pgx DSN.
// It skips the test if Docker is unavailable.
func startPostgresContainer(t *testing.T) string {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in short mode")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	container, err := postgres.Run(ctx, "postgres:16-alpine",
		postgres.WithDatabase("hookrelay"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
	)
	if err != nil {
		t.Skipf("Failed to start PostgreSQL container: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(context.Background()) })

	host, err := container.Host(ctx)
	if err != nil {
		t.Skipf("Failed to get host info: %v", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		t.Skipf("Failed to get mapped port: %v", err)
	}

	dsn := fmt.Sprintf("postgres://test:test@%s:%s/hookrelay?sslmode=disable", host, port.Port())
	waitForPostgres(t, dsn)
	return dsn
}

// waitForPostgres pings until the server accepts connections; the container
// can report ready slightly before that.
func waitForPostgres(t *testing.T, dsn string) {
	t.Helper()
	deadline := time.Now().Add(45 * time.Second)
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		db, err := sql.Open("pgx", dsn)
		if err == nil {
			err = db.PingContext(ctx)
			_ = db.Close()
		}
		cancel()
		if err == nil {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("postgres not ready in time: %v", err)
		}
		time.Sleep(500 * time.Millisecond)
	}
}

func TestPostgresContract(t *testing.T) {
	dsn := startPostgresContainer(t)

	storetest.Run(t, func(t *testing.T) store.Store {
		db, err := New(dsn)
		require.NoError(t, err)
		t.Cleanup(func() { _ = db.Close() })

		ctx := context.Background()
		require.NoError(t, db.EnsureSchema(ctx))
		_, err = db.SQL().ExecContext(ctx, `TRUNCATE webhook_destinations, activity_log`)
		require.NoError(t, err)
		return db
	})
}
