package ratelimit

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/ComUnity/insight-service/internal/client"
)

// KEYS[1] request counter, KEYS[2] byte counter.
// ARGV: request limit, byte limit (0 = off), weight, ttl ms.
var takeScript = client.NewScript(`
local reqs = tonumber(redis.call("GET", KEYS[1]) or "0")
local bytes = tonumber(redis.call("GET", KEYS[2]) or "0")
local reqLimit = tonumber(ARGV[1])
local byteLimit = tonumber(ARGV[2])
local weight = tonumber(ARGV[3])
local ttl = tonumber(ARGV[4])
if reqs + 1 > reqLimit then
  return {0, "requests"}
end
if byteLimit > 0 and bytes + weight > byteLimit then
  return {0, "bytes"}
end
if redis.call("INCR", KEYS[1]) == 1 then
  redis.call("PEXPIRE", KEYS[1], ttl)
end
if byteLimit > 0 then
  if redis.call("INCRBY", KEYS[2], weight) == weight then
    redis.call("PEXPIRE", KEYS[2], ttl)
  end
end
return {1, ""}
`)

// RedisBackend shares counters across replicas.
type RedisBackend struct {
	rc *client.RedisClient
}

func NewRedisBackend(rc *client.RedisClient) *RedisBackend {
	return &RedisBackend{rc: rc}
}

func (r *RedisBackend) Take(ctx context.Context, key string, plan Plan, weight int64, now time.Time) (Decision, error) {
	start := windowStart(now, plan.Window)
	reset := start.Add(plan.Window)
	bucket := strconv.FormatInt(start.Unix(), 10)
	// hash tag keeps both counters in one cluster slot
	tag := "{" + key + "}"
	keys := []string{
		r.rc.Key("rl", tag, bucket, "req"),
		r.rc.Key("rl", tag, bucket, "bytes"),
	}
	// expire a little after the window closes so late clocks still see it
	ttl := reset.Sub(now) + time.Second

	res, err := r.rc.RunScript(ctx, "ratelimit", takeScript, keys,
		plan.RequestsPerWindow, plan.BytesPerWindow, weight, ttl.Milliseconds())
	if err != nil {
		return Decision{}, fmt.Errorf("rate limit script: %w", err)
	}
	if len(res) != 2 {
		return Decision{}, fmt.Errorf("rate limit script: unexpected reply %v", res)
	}
	allowed, _ := res[0].(int64)
	dim, _ := res[1].(string)
	return Decision{Allowed: allowed == 1, Dimension: dim, ResetAt: reset}, nil
}
