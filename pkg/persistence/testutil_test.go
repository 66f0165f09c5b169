package persistence

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

var (
	sharedConnStr string
	containerOnce sync.Once
	containerErr  error
)

// newTestStore spins up (or reuses) a shared Postgres testcontainer, creates
// a throwaway database for the calling test, runs migrations against it via
// Open, and registers cleanup to drop the database afterward.
func newTestStore(t *testing.T) *Store {
	t.Helper()
	ctx := context.Background()

	baseConnStr := sharedDatabaseConnString(t)
	dbName := randomDatabaseName(t)

	admin, err := sql.Open("pgx", baseConnStr)
	require.NoError(t, err)
	defer admin.Close()

	_, err = admin.ExecContext(ctx, fmt.Sprintf("CREATE DATABASE %s", dbName))
	require.NoError(t, err)

	t.Cleanup(func() {
		cleanupAdmin, err := sql.Open("pgx", baseConnStr)
		if err != nil {
			return
		}
		defer cleanupAdmin.Close()
		_, _ = cleanupAdmin.ExecContext(context.Background(), fmt.Sprintf("DROP DATABASE IF EXISTS %s", dbName))
	})

	dsn := replaceDatabaseName(baseConnStr, dbName)
	store, err := Open(ctx, Config{
		DSN:             dsn,
		MaxOpenConns:    5,
		MaxIdleConns:    2,
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: 15 * time.Minute,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	return store
}

func sharedDatabaseConnString(t *testing.T) string {
	if ci := os.Getenv("CI_DATABASE_URL"); ci != "" {
		return ci
	}

	containerOnce.Do(func() {
		ctx := context.Background()
		container, err := tcpostgres.Run(ctx,
			"postgres:17-alpine",
			tcpostgres.WithDatabase("frameflow_test"),
			tcpostgres.WithUsername("frameflow"),
			tcpostgres.WithPassword("frameflow"),
			testcontainers.WithWaitStrategy(
				wait.ForLog("database system is ready to accept connections").
					WithOccurrence(2).
					WithStartupTimeout(30*time.Second)),
		)
		if err != nil {
			containerErr = fmt.Errorf("start postgres testcontainer: %w", err)
			return
		}
		connStr, err := container.ConnectionString(ctx, "sslmode=disable")
		if err != nil {
			containerErr = fmt.Errorf("get connection string: %w", err)
			return
		}
		sharedConnStr = connStr
	})

	require.NoError(t, containerErr)
	return sharedConnStr
}

func randomDatabaseName(t *testing.T) string {
	buf := make([]byte, 4)
	_, err := rand.Read(buf)
	require.NoError(t, err)
	return "test_" + hex.EncodeToString(buf)
}

func replaceDatabaseName(connStr, dbName string) string {
	idx := strings.LastIndex(connStr, "/")
	base := connStr[:idx+1]
	rest := connStr[idx+1:]
	if q := strings.Index(rest, "?"); q >= 0 {
		return base + dbName + rest[q:]
	}
	return base + dbName
}
