package app

import (
	"context"
	"fmt"

	"github.com/clinprecision/clinops-core"
	"github.com/clinprecision/clinops-core/adapters"
	"github.com/clinprecision/clinops-core/adapters/memory"
	"github.com/clinprecision/clinops-core/adapters/postgres"
	"github.com/clinprecision/clinops-core/cli/config"
	"github.com/clinprecision/clinops-core/projection"
	"github.com/clinprecision/clinops-core/serializer/msgpack"
)

// backend is everything that persists: the event log, projection
// bookkeeping, read models and the supporting stores.
type backend struct {
	events      adapters.EventStoreAdapter
	checkpoints adapters.CheckpointAdapter
	diagnostics adapters.DiagnosticAdapter
	idempotency adapters.IdempotencyStore
	outbox      adapters.OutboxStore
	models      projection.ReadModels
	deps        projection.Deps
	postgres    *postgres.PostgresAdapter
	close       func() error
}

func openBackend(ctx context.Context, cfg *config.Config, o *options) (*backend, error) {
	switch cfg.Database.Driver {
	case config.DriverMemory:
		return memoryBackend(o), nil
	case config.DriverPostgres:
		return postgresBackend(ctx, cfg, o)
	default:
		return nil, fmt.Errorf("app: unknown database driver %q", cfg.Database.Driver)
	}
}

func memoryBackend(o *options) *backend {
	events := memory.NewAdapter(memory.WithClock(o.now))
	deps := projection.MemoryDeps()
	deps.Logger = o.logger
	return &backend{
		events:      events,
		checkpoints: memory.NewCheckpointStore(),
		diagnostics: events,
		idempotency: memory.NewIdempotencyStore(),
		outbox:      memory.NewOutboxStore(),
		models:      projection.NewMemoryReadModels(),
		deps:        deps,
		close:       events.Close,
	}
}

func postgresBackend(ctx context.Context, cfg *config.Config, o *options) (*backend, error) {
	var (
		pg    *postgres.PostgresAdapter
		closeFn func() error
	)
	if o.db != nil {
		pg = postgres.NewAdapterWithDB(o.db, postgres.WithSchema(cfg.Database.Schema))
		closeFn = func() error { return nil }
	} else {
		driver := postgres.DriverPGX
		if cfg.Database.Client == config.ClientPQ {
			driver = postgres.DriverPQ
		}
		var err error
		pg, err = postgres.NewAdapter(cfg.Database.URL,
			postgres.WithSchema(cfg.Database.Schema),
			postgres.WithDriver(driver),
			postgres.WithMaxConnections(cfg.Database.MaxConnections),
		)
		if err != nil {
			return nil, fmt.Errorf("app: %w", err)
		}
		closeFn = pg.Close
	}

	if err := pg.Migrate(ctx); err != nil {
		_ = closeFn()
		return nil, fmt.Errorf("app: %w", err)
	}
	models, err := projection.NewPostgresReadModels(pg)
	if err != nil {
		_ = closeFn()
		return nil, fmt.Errorf("app: creating read models: %w", err)
	}

	return &backend{
		events:      pg,
		checkpoints: pg,
		diagnostics: pg,
		idempotency: postgres.NewIdempotencyStoreFromAdapter(pg),
		outbox:      postgres.NewOutboxStoreFromAdapter(pg),
		models:      models,
		deps:        projection.PostgresDeps(pg, o.logger),
		postgres:    pg,
		close:       closeFn,
	}, nil
}

// codec returns the payload codec named by database.codec.
func codec(cfg *config.Config) (clinops.Codec, error) {
	var c clinops.Codec
	switch cfg.Database.Codec {
	case "", config.CodecJSON:
		c = clinops.NewJSONCodec()
	case config.CodecMsgpack:
		c = msgpack.NewCodec()
	default:
		return nil, fmt.Errorf("app: unknown codec %q", cfg.Database.Codec)
	}
	if cfg.Database.Compress {
		c = clinops.Compressed(c)
	}
	return c, nil
}
