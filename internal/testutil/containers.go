// Package testutil starts throwaway backing services for integration tests.
// Each container is started at most once per test binary and left for the
// testcontainers reaper to remove.
package testutil

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

const startupTimeout = 3 * time.Minute

var (
	pgOnce sync.Once
	pgDSN  string
	pgErr  error

	mongoOnce sync.Once
	mongoURI  string
	mongoErr  error

	redisOnce sync.Once
	redisAddr string
	redisErr  error
)

// requireDocker skips the test under -short or when no container runtime is
// reachable.
func requireDocker(t *testing.T) {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping container test in -short mode")
	}
	testcontainers.SkipIfProviderIsNotHealthy(t)
}

// PostgresDSN returns the DSN of a shared Postgres 16 container.
func PostgresDSN(t *testing.T) string {
	t.Helper()
	requireDocker(t)

	pgOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()

		c, err := testcontainers.Run(
			ctx, "postgres:16",
			testcontainers.WithExposedPorts("5432/tcp"),
			testcontainers.WithEnv(map[string]string{
				"POSTGRES_USER":     "hireflow",
				"POSTGRES_PASSWORD": "hireflow",
				"POSTGRES_DB":       "hireflow_test",
			}),
			testcontainers.WithWaitStrategy(
				wait.ForAll(
					wait.ForListeningPort("5432/tcp"),
					// The init script restarts the server, so the line shows twice.
					wait.ForLog("database system is ready to accept connections").WithOccurrence(2),
				).WithDeadline(2*time.Minute),
			),
		)
		if err != nil {
			pgErr = err
			return
		}

		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			pgErr = err
			return
		}
		pgDSN = fmt.Sprintf("postgres://hireflow:hireflow@%s/hireflow_test?sslmode=disable", endpoint)
	})

	if pgErr != nil {
		t.Fatalf("start postgres container: %v", pgErr)
	}
	return pgDSN
}

// MongoURI returns the URI of a shared single-node Mongo 7 replica set.
// Transactions need a replica set, so the node is initiated before use.
func MongoURI(t *testing.T) string {
	t.Helper()
	requireDocker(t)

	mongoOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()

		c, err := testcontainers.Run(
			ctx, "mongo:7",
			testcontainers.WithExposedPorts("27017/tcp"),
			testcontainers.WithCmd("--replSet", "rs0", "--bind_ip_all"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("27017/tcp"),
				wait.ForLog("Waiting for connections"),
			),
		)
		if err != nil {
			mongoErr = err
			return
		}

		if err := initiateReplicaSet(ctx, c); err != nil {
			_ = c.Terminate(context.Background())
			mongoErr = err
			return
		}

		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			mongoErr = err
			return
		}
		mongoURI = fmt.Sprintf("mongodb://%s/?directConnection=true", endpoint)
	})

	if mongoErr != nil {
		t.Fatalf("start mongo container: %v", mongoErr)
	}
	return mongoURI
}

func initiateReplicaSet(ctx context.Context, c testcontainers.Container) error {
	initiate := `rs.initiate({_id: "rs0", members: [{_id: 0, host: "localhost:27017"}]})`
	code, _, err := c.Exec(ctx, []string{"mongosh", "--quiet", "--eval", initiate})
	if err != nil {
		return fmt.Errorf("rs.initiate: %w", err)
	}
	if code != 0 {
		return fmt.Errorf("rs.initiate: exit code %d", code)
	}

	for {
		_, out, err := c.Exec(ctx, []string{"mongosh", "--quiet", "--eval", "db.hello().isWritablePrimary"})
		if err == nil {
			b, _ := io.ReadAll(out)
			if strings.Contains(string(b), "true") {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("waiting for primary: %w", ctx.Err())
		case <-time.After(500 * time.Millisecond):
		}
	}
}

// RedisAddr returns host:port of a shared Redis container.
func RedisAddr(t *testing.T) string {
	t.Helper()
	requireDocker(t)

	redisOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), startupTimeout)
		defer cancel()

		c, err := testcontainers.Run(
			ctx, "redis:7",
			testcontainers.WithExposedPorts("6379/tcp"),
			testcontainers.WithWaitStrategy(
				wait.ForListeningPort("6379/tcp"),
				wait.ForLog("Ready to accept connections"),
			),
		)
		if err != nil {
			redisErr = err
			return
		}

		endpoint, err := c.Endpoint(ctx, "")
		if err != nil {
			_ = c.Terminate(context.Background())
			redisErr = err
			return
		}
		redisAddr = endpoint
	})

	if redisErr != nil {
		t.Fatalf("start redis container: %v", redisErr)
	}
	return redisAddr
}
