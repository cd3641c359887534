package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/clinprecision/clinops-core/adapters/postgres"
	"github.com/clinprecision/clinops-core/cli/config"
)

// configOverride is the --config flag.
var configOverride string

// errMemoryDriver is returned by commands that need a persistent store.
var errMemoryDriver = errors.New("the memory driver keeps nothing between runs; configure database.driver: postgres")

// loadConfig loads --config or searches upwards from the working directory.
// Returns (config, directory or file it came from, error).
func loadConfig() (*config.Config, string, error) {
	if configOverride != "" {
		cfg, err := config.LoadFile(configOverride)
		if err != nil {
			return nil, configOverride, err
		}
		return cfg, configOverride, nil
	}

	cwd, err := os.Getwd()
	if err != nil {
		return nil, "", err
	}
	dir, cfg, err := config.FindConfig(cwd)
	if err != nil {
		return nil, cwd, fmt.Errorf("no %s found: %w", config.ConfigFileName, err)
	}
	return cfg, dir, nil
}

// loadConfigOrDefault is like loadConfig but falls back to the defaults,
// with environment overrides applied, when no file is found.
func loadConfigOrDefault() (*config.Config, bool, error) {
	cfg, _, err := loadConfig()
	if err == nil {
		return cfg, true, nil
	}
	if configOverride != "" {
		return nil, false, err
	}
	cfg = config.DefaultConfig()
	cfg.ApplyEnv(os.LookupEnv)
	return cfg, false, nil
}

// openPostgres connects to database.url and pings it with a short timeout
// so bad URLs fail fast.
func openPostgres(ctx context.Context, cfg *config.Config) (*postgres.PostgresAdapter, error) {
	if cfg.Database.URL == "" {
		return nil, fmt.Errorf("database.url is empty; set %s", config.EnvDatabaseURL)
	}
	driver := postgres.DriverPGX
	if cfg.Database.Client == config.ClientPQ {
		driver = postgres.DriverPQ
	}
	adapter, err := postgres.NewAdapter(cfg.Database.URL,
		postgres.WithSchema(cfg.Database.Schema),
		postgres.WithDriver(driver),
		postgres.WithMaxConnections(cfg.Database.MaxConnections),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres adapter: %w", err)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := adapter.Ping(pingCtx); err != nil {
		_ = adapter.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return adapter, nil
}

// StoreEnv is an open event store for the migrate and projection commands.
type StoreEnv struct {
	Adapter *postgres.PostgresAdapter
	Config  *config.Config
}

// Close releases the connection pool.
func (e *StoreEnv) Close() {
	if e.Adapter != nil {
		_ = e.Adapter.Close()
	}
}

// SetupStoreEnv loads the configuration and connects to postgres. It
// returns errMemoryDriver when the memory driver is configured.
func SetupStoreEnv(ctx context.Context) (*StoreEnv, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.Database.Driver == config.DriverMemory {
		return nil, errMemoryDriver
	}
	adapter, err := openPostgres(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &StoreEnv{Adapter: adapter, Config: cfg}, nil
}

// DiagnosticSkipReason represents why a diagnostic check was skipped.
type DiagnosticSkipReason int

const (
	// DiagnosticNotSkipped means the diagnostic should proceed.
	DiagnosticNotSkipped DiagnosticSkipReason = iota
	// DiagnosticSkipNoConfig means no configuration was found.
	DiagnosticSkipNoConfig
	// DiagnosticSkipMemoryDriver means the memory driver is being used.
	DiagnosticSkipMemoryDriver
	// DiagnosticSkipNoDBURL means the database URL is not set.
	DiagnosticSkipNoDBURL
)

// SetupDiagnosticEnv is SetupStoreEnv for diagnose checks, which report
// a skipped check instead of failing.
func SetupDiagnosticEnv(ctx context.Context) (*StoreEnv, DiagnosticSkipReason, error) {
	cfg, _, err := loadConfig()
	if err != nil {
		return nil, DiagnosticSkipNoConfig, nil
	}
	if cfg.Database.Driver == config.DriverMemory {
		return nil, DiagnosticSkipMemoryDriver, nil
	}
	if cfg.Database.URL == "" {
		return nil, DiagnosticSkipNoDBURL, nil
	}
	adapter, err := openPostgres(ctx, cfg)
	if err != nil {
		return nil, DiagnosticNotSkipped, err
	}
	return &StoreEnv{Adapter: adapter, Config: cfg}, DiagnosticNotSkipped, nil
}
