// Package containers starts disposable PostgreSQL and Redis instances for
// integration tests using testcontainers-go.
//
// When TEST_DATABASE_URL (or TEST_REDIS_URL) is set, the running server it
// names is used instead of starting a container, which is how CI runs them
// against its service containers.
package containers

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/lib/pq"
	"github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	tcredis "github.com/testcontainers/testcontainers-go/modules/redis"
)

const (
	EnvDatabaseURL = "TEST_DATABASE_URL"
	EnvRedisURL    = "TEST_REDIS_URL"
)

// PostgresContainer is a reachable PostgreSQL server. Container is nil when
// an external server was used.
type PostgresContainer struct {
	Container *tcpostgres.PostgresContainer
	connStr   string
}

// PostgresOption configures a PostgreSQL container.
type PostgresOption func(*postgresConfig)

type postgresConfig struct {
	image    string
	database string
	user     string
	password string
}

// WithPostgresImage sets the PostgreSQL Docker image.
func WithPostgresImage(image string) PostgresOption {
	return func(c *postgresConfig) {
		c.image = image
	}
}

// WithPostgresDatabase sets the database name.
func WithPostgresDatabase(database string) PostgresOption {
	return func(c *postgresConfig) {
		c.database = database
	}
}

// WithPostgresUser sets the database user.
func WithPostgresUser(user string) PostgresOption {
	return func(c *postgresConfig) {
		c.user = user
	}
}

// WithPostgresPassword sets the database password.
func WithPostgresPassword(password string) PostgresOption {
	return func(c *postgresConfig) {
		c.password = password
	}
}

func getEnvOrDefault(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}

// defaultPostgresConfig reads POSTGRES_IMAGE, POSTGRES_DB, POSTGRES_USER and
// POSTGRES_PASSWORD, falling back to a postgres:17-alpine "clinops_test" database.
func defaultPostgresConfig() *postgresConfig {
	return &postgresConfig{
		image:    getEnvOrDefault("POSTGRES_IMAGE", "postgres:17-alpine"),
		database: getEnvOrDefault("POSTGRES_DB", "clinops_test"),
		user:     getEnvOrDefault("POSTGRES_USER", "postgres"),
		password: getEnvOrDefault("POSTGRES_PASSWORD", "postgres"),
	}
}

// StartPostgres returns a PostgreSQL server for the test, skipping the test
// when neither TEST_DATABASE_URL nor a Docker provider is available.
func StartPostgres(t *testing.T, opts ...PostgresOption) *PostgresContainer {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if url := os.Getenv(EnvDatabaseURL); url != "" {
		if err := waitForPostgres(ctx, url, 10*time.Second); err != nil {
			t.Skipf("PostgreSQL at %s not available: %v", EnvDatabaseURL, err)
		}
		return &PostgresContainer{connStr: url}
	}

	testcontainers.SkipIfProviderIsNotHealthy(t)

	cfg := defaultPostgresConfig()
	for _, opt := range opts {
		opt(cfg)
	}

	container, err := tcpostgres.Run(ctx, cfg.image,
		tcpostgres.WithDatabase(cfg.database),
		tcpostgres.WithUsername(cfg.user),
		tcpostgres.WithPassword(cfg.password),
		tcpostgres.BasicWaitStrategies(),
	)
	if err != nil {
		t.Fatalf("failed to start postgres container: %v", err)
	}
	t.Cleanup(func() {
		if err := testcontainers.TerminateContainer(container); err != nil {
			t.Logf("failed to terminate postgres container: %v", err)
		}
	})

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("failed to get postgres connection string: %v", err)
	}
	return &PostgresContainer{Container: container, connStr: connStr}
}

// ConnectionString returns the PostgreSQL connection string.
func (c *PostgresContainer) ConnectionString() string {
	return c.connStr
}

// DB opens and pings a pgx-backed pool.
func (c *PostgresContainer) DB(ctx context.Context) (*sql.DB, error) {
	db, err := sql.Open("pgx", c.connStr)
	if err != nil {
		return nil, fmt.Errorf("containers: failed to open connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("containers: failed to ping database: %w", err)
	}
	return db, nil
}

// MustDB returns a database connection or panics.
func (c *PostgresContainer) MustDB(ctx context.Context) *sql.DB {
	db, err := c.DB(ctx)
	if err != nil {
		panic(err)
	}
	return db
}

// CreateSchema creates a uniquely named schema.
func (c *PostgresContainer) CreateSchema(ctx context.Context, db *sql.DB, prefix string) (string, error) {
	schema := fmt.Sprintf("%s_%d", prefix, time.Now().UnixNano())
	if _, err := db.ExecContext(ctx, "CREATE SCHEMA IF NOT EXISTS "+pq.QuoteIdentifier(schema)); err != nil {
		return "", fmt.Errorf("containers: failed to create schema: %w", err)
	}
	return schema, nil
}

// DropSchema drops a schema and everything in it.
func (c *PostgresContainer) DropSchema(ctx context.Context, db *sql.DB, schema string) error {
	_, err := db.ExecContext(ctx, "DROP SCHEMA IF EXISTS "+pq.QuoteIdentifier(schema)+" CASCADE")
	return err
}

func waitForPostgres(ctx context.Context, connStr string, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		db, err := sql.Open("pgx", connStr)
		if err == nil {
			err = db.PingContext(ctx)
			db.Close()
			if err == nil {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// RedisContainer is a reachable Redis server with a connected client.
type RedisContainer struct {
	Container *tcredis.RedisContainer
	URL       string
	Client    *redis.Client
}

// StartRedis returns a Redis server for the test, skipping the test when
// neither TEST_REDIS_URL nor a Docker provider is available.
func StartRedis(t *testing.T) *RedisContainer {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	rc := &RedisContainer{URL: os.Getenv(EnvRedisURL)}
	if rc.URL == "" {
		testcontainers.SkipIfProviderIsNotHealthy(t)

		container, err := tcredis.Run(ctx, getEnvOrDefault("REDIS_IMAGE", "redis:7-alpine"))
		if err != nil {
			t.Fatalf("failed to start redis container: %v", err)
		}
		t.Cleanup(func() {
			if err := testcontainers.TerminateContainer(container); err != nil {
				t.Logf("failed to terminate redis container: %v", err)
			}
		})
		rc.Container = container

		if rc.URL, err = container.ConnectionString(ctx); err != nil {
			t.Fatalf("failed to get redis connection string: %v", err)
		}
	}

	opts, err := redis.ParseURL(rc.URL)
	if err != nil {
		t.Fatalf("failed to parse redis URL: %v", err)
	}
	rc.Client = redis.NewClient(opts)
	if err := rc.Client.Ping(ctx).Err(); err != nil {
		_ = rc.Client.Close()
		if rc.Container == nil {
			t.Skipf("Redis at %s not available: %v", EnvRedisURL, err)
		}
		t.Fatalf("failed to ping redis: %v", err)
	}
	t.Cleanup(func() { _ = rc.Client.Close() })
	return rc
}

// FlushAll removes all keys from the Redis database.
func (r *RedisContainer) FlushAll(ctx context.Context) error {
	return r.Client.FlushAll(ctx).Err()
}

// IntegrationTest is a PostgreSQL connection scoped to a throwaway schema.
type IntegrationTest struct {
	t         *testing.T
	ctx       context.Context
	container *PostgresContainer
	db        *sql.DB
	schema    string
}

// IntegrationTestOption configures an integration test.
type IntegrationTestOption func(*integrationTestConfig)

type integrationTestConfig struct {
	schemaPrefix string
	timeout      time.Duration
}

// WithSchemaPrefix sets the schema prefix.
func WithSchemaPrefix(prefix string) IntegrationTestOption {
	return func(c *integrationTestConfig) {
		c.schemaPrefix = prefix
	}
}

// WithTimeout sets the test timeout.
func WithTimeout(timeout time.Duration) IntegrationTestOption {
	return func(c *integrationTestConfig) {
		c.timeout = timeout
	}
}

// NewIntegrationTest creates the schema and drops it when the test ends.
func NewIntegrationTest(t *testing.T, opts ...IntegrationTestOption) *IntegrationTest {
	t.Helper()

	if testing.Short() {
		t.Skip("Skipping integration test in short mode")
	}

	cfg := &integrationTestConfig{
		schemaPrefix: "test",
		timeout:      60 * time.Second,
	}
	for _, opt := range opts {
		opt(cfg)
	}

	container := StartPostgres(t)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.timeout)
	t.Cleanup(cancel)

	db, err := container.DB(ctx)
	if err != nil {
		t.Fatalf("Failed to connect to database: %v", err)
	}

	schema, err := container.CreateSchema(ctx, db, cfg.schemaPrefix)
	if err != nil {
		db.Close()
		t.Fatalf("Failed to create schema: %v", err)
	}

	t.Cleanup(func() {
		if err := container.DropSchema(context.Background(), db, schema); err != nil {
			t.Logf("Warning: failed to drop schema %s: %v", schema, err)
		}
		db.Close()
	})

	return &IntegrationTest{
		t:         t,
		ctx:       ctx,
		container: container,
		db:        db,
		schema:    schema,
	}
}

// Context returns the test context.
func (it *IntegrationTest) Context() context.Context {
	return it.ctx
}

// DB returns the database connection.
func (it *IntegrationTest) DB() *sql.DB {
	return it.db
}

// Schema returns the test schema name.
func (it *IntegrationTest) Schema() string {
	return it.schema
}

// Container returns the PostgreSQL server.
func (it *IntegrationTest) Container() *PostgresContainer {
	return it.container
}

// Exec executes a SQL statement, failing the test on error.
func (it *IntegrationTest) Exec(query string, args ...interface{}) {
	it.t.Helper()
	if _, err := it.db.ExecContext(it.ctx, query, args...); err != nil {
		it.t.Fatalf("Failed to execute SQL: %v", err)
	}
}

// QueryInt runs a single-value integer query, failing the test on error.
func (it *IntegrationTest) QueryInt(query string, args ...interface{}) int64 {
	it.t.Helper()
	var n int64
	if err := it.db.QueryRowContext(it.ctx, query, args...).Scan(&n); err != nil {
		it.t.Fatalf("Failed to execute query: %v", err)
	}
	return n
}

// TableExists reports whether schema.table exists.
func (it *IntegrationTest) TableExists(table string) bool {
	it.t.Helper()
	return it.QueryInt(`SELECT COUNT(*) FROM information_schema.tables
		WHERE table_schema = $1 AND table_name = $2`, it.schema, table) > 0
}
