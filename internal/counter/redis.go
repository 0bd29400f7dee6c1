package counter

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"

	goredis "github.com/redis/go-redis/v9"
	"github.com/tenantgate/tenantgate/internal/correlation"
	"github.com/tenantgate/tenantgate/internal/redis"
)

// decrementLua decrements a counter key atomically, flooring at zero.
//
// Returns {new_count, floored (0|1)}. The key is deleted when the count
// reaches zero so idle projects leave no state behind.
//
// Keys: KEYS[1] = counter key.
const decrementLua = `
local key = KEYS[1]
local n = tonumber(redis.call('get', key)) or 0

if n <= 0 then
  redis.call('del', key)
  return {0, 1}
end

n = n - 1
if n == 0 then
  redis.call('del', key)
else
  redis.call('set', key, n)
end
return {n, 0}
`

var decrementScript = goredis.NewScript(decrementLua)

// Redis is a Counter backed by a shared Redis instance, for gateway
// deployments running multiple replicas that must agree on per-project
// connection counts.
type Redis struct {
	client    redis.Client
	keyPrefix string
	logger    *slog.Logger
}

// NewRedis creates a Redis-backed connection counter.
func NewRedis(client redis.Client, keyPrefix string, logger *slog.Logger) *Redis {
	if logger == nil {
		logger = slog.Default()
	}
	return &Redis{
		client:    client,
		keyPrefix: keyPrefix,
		logger:    logger,
	}
}

func (r *Redis) key(projectID string) string {
	return r.keyPrefix + projectID
}

// Increment implements Counter via INCR.
func (r *Redis) Increment(ctx context.Context, projectID string) (int64, error) {
	n, err := r.client.Incr(ctx, r.key(projectID)).Result()
	if err != nil {
		return 0, fmt.Errorf("counter increment %s: %w", projectID, err)
	}
	return n, nil
}

// Decrement implements Counter with an atomic floored-at-zero Lua script.
// Uses EVALSHA, falling back to EVAL on NOSCRIPT to load the script.
func (r *Redis) Decrement(ctx context.Context, projectID string) (int64, error) {
	keys := []string{r.key(projectID)}

	cmd := r.client.EvalSha(ctx, decrementScript.Hash(), keys)
	if cmd.Err() != nil && redis.IsNoScriptErr(cmd.Err()) {
		cmd = r.client.Eval(ctx, decrementLua, keys)
	}

	arr, err := cmd.Slice()
	if err != nil {
		return 0, fmt.Errorf("counter decrement %s: %w", projectID, err)
	}
	if len(arr) != 2 {
		return 0, fmt.Errorf("counter decrement %s: script returned %d elements, want 2", projectID, len(arr))
	}

	n, err := toInt64(arr[0])
	if err != nil {
		return 0, fmt.Errorf("counter decrement %s: parsing count: %w", projectID, err)
	}
	floored, err := toInt64(arr[1])
	if err != nil {
		return 0, fmt.Errorf("counter decrement %s: parsing floor flag: %w", projectID, err)
	}

	if floored == 1 {
		r.logger.Warn("connection counter decremented below zero, flooring at zero",
			"project_id", projectID,
			correlation.Attr(ctx))
	}

	return n, nil
}

// Get implements Counter. A missing key reads as zero.
func (r *Redis) Get(ctx context.Context, projectID string) (int64, error) {
	n, err := r.client.Get(ctx, r.key(projectID)).Int64()
	if err == goredis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("counter get %s: %w", projectID, err)
	}
	return n, nil
}

// Reset implements Counter.
func (r *Redis) Reset(ctx context.Context, projectID string) error {
	if err := r.client.Del(ctx, r.key(projectID)).Err(); err != nil {
		return fmt.Errorf("counter reset %s: %w", projectID, err)
	}
	return nil
}

// ResetAll implements Counter by scanning the key prefix. SCAN batches keep
// the operation incremental on large keyspaces.
func (r *Redis) ResetAll(ctx context.Context) error {
	var cursor uint64
	for {
		keys, next, err := r.client.Scan(ctx, cursor, r.keyPrefix+"*", 100).Result()
		if err != nil {
			return fmt.Errorf("counter reset all: scan: %w", err)
		}
		if len(keys) > 0 {
			if err := r.client.Del(ctx, keys...).Err(); err != nil {
				return fmt.Errorf("counter reset all: del: %w", err)
			}
		}
		cursor = next
		if cursor == 0 {
			return nil
		}
	}
}

// toInt64 converts a Redis response value to int64.
func toInt64(v any) (int64, error) {
	switch x := v.(type) {
	case int64:
		return x, nil
	case int:
		return int64(x), nil
	case string:
		return strconv.ParseInt(x, 10, 64)
	default:
		return strconv.ParseInt(fmt.Sprint(v), 10, 64)
	}
}
