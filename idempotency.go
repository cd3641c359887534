package clinops

import (
	"context"
	"time"

	"github.com/clinprecision/clinops-core/adapters"
)

type (
	// IdempotencyStore remembers the outcome of keyed commands.
	IdempotencyStore = adapters.IdempotencyStore

	// IdempotencyRecord is one remembered outcome.
	IdempotencyRecord = adapters.IdempotencyRecord
)

// NewIdempotencyRecord records a successful result under key.
func NewIdempotencyRecord(key, cmdType string, result CommandResult, ttl time.Duration) *IdempotencyRecord {
	now := time.Now()
	return &IdempotencyRecord{
		Key:         key,
		CommandType: cmdType,
		AggregateID: result.AggregateID,
		Version:     result.Version,
		Position:    result.Position,
		Success:     true,
		ProcessedAt: now,
		ExpiresAt:   now.Add(ttl),
	}
}

// IdempotencyRecordToResult rebuilds the first outcome.
func IdempotencyRecordToResult(r *IdempotencyRecord) CommandResult {
	return NewSuccessResult(r.AggregateID, r.Version, r.Position)
}

// IdempotencyKey returns the scoped key of cmd, or "" when it carries none.
func IdempotencyKey(cmd Command) string {
	ic, ok := cmd.(IdempotentCommand)
	if !ok || ic.IdempotencyKey() == "" {
		return ""
	}
	return cmd.CommandType() + ":" + ic.IdempotencyKey()
}

// IdempotencyConfig configures IdempotencyMiddleware.
type IdempotencyConfig struct {
	Store IdempotencyStore

	// TTL is how long outcomes are remembered. Default 24h.
	TTL time.Duration

	Logger Logger
}

// IdempotencyMiddleware replays the first successful outcome of a command
// whose idempotency key was already seen. Commands without a key pass
// through; rejections are not remembered so a corrected retry can succeed.
func IdempotencyMiddleware(config IdempotencyConfig) Middleware {
	if config.TTL <= 0 {
		config.TTL = 24 * time.Hour
	}
	if config.Logger == nil {
		config.Logger = noopLogger{}
	}

	return func(next MiddlewareFunc) MiddlewareFunc {
		return func(ctx context.Context, cmd Command) (CommandResult, error) {
			key := IdempotencyKey(cmd)
			if key == "" {
				return next(ctx, cmd)
			}

			record, err := config.Store.Get(ctx, key)
			if err != nil {
				config.Logger.Warn("idempotency lookup failed", "key", key, "error", err.Error())
				return next(ctx, cmd)
			}
			if record != nil && !record.IsExpired() && record.Success {
				config.Logger.Debug("idempotent replay", "key", key, "aggregateId", record.AggregateID)
				return IdempotencyRecordToResult(record), nil
			}

			result, cmdErr := next(ctx, cmd)
			if cmdErr == nil {
				if err := config.Store.Store(ctx, NewIdempotencyRecord(key, cmd.CommandType(), result, config.TTL)); err != nil {
					config.Logger.Warn("idempotency store failed", "key", key, "error", err.Error())
				}
			}
			return result, cmdErr
		}
	}
}
