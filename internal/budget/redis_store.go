package budget

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// windowScript rolls and optionally increments one hash per window.
// KEYS: one hash per window. ARGV[1]: amount to add (0 to only read), then
// a (window_start, ttl_seconds) pair per key.
const windowScript = `
local amount = tonumber(ARGV[1])
local out = {}
for i = 1, #KEYS do
    local key = KEYS[i]
    local start = tonumber(ARGV[i * 2])
    local ttl = tonumber(ARGV[i * 2 + 1])

    local current = redis.call('HGET', key, 'start')
    if not current or tonumber(current) < start then
        redis.call('HSET', key, 'start', start, 'consumed', 0)
        redis.call('EXPIRE', key, ttl)
        current = start
    end

    local consumed
    if amount > 0 then
        consumed = redis.call('HINCRBY', key, 'consumed', amount)
    else
        consumed = tonumber(redis.call('HGET', key, 'consumed') or '0')
    end

    table.insert(out, tostring(current))
    table.insert(out, consumed)
end
return out
`

// RedisStore shares counters across gateway instances. Each scope and window
// is a hash holding the window start and consumed amount; the roll and the
// read or increment run in one Lua script.
type RedisStore struct {
	client redis.UniversalClient
	script *redis.Script
	prefix string
}

func NewRedisStore(client redis.UniversalClient) *RedisStore {
	return &RedisStore{
		client: client,
		script: redis.NewScript(windowScript),
		prefix: "budget",
	}
}

func (s *RedisStore) Load(ctx context.Context, scope string, now time.Time) (map[Window]Usage, error) {
	return s.run(ctx, scope, 0, now)
}

func (s *RedisStore) Add(ctx context.Context, scope string, amount int64, now time.Time) error {
	if amount <= 0 {
		return nil
	}
	_, err := s.run(ctx, scope, amount, now)
	return err
}

func (s *RedisStore) run(ctx context.Context, scope string, amount int64, now time.Time) (map[Window]Usage, error) {
	keys := make([]string, 0, len(Windows))
	args := make([]interface{}, 0, 1+2*len(Windows))
	args = append(args, amount)
	for _, w := range Windows {
		// The hash tag keeps all windows of a scope on one cluster slot.
		keys = append(keys, fmt.Sprintf("%s:{%s}:%s", s.prefix, scope, w))
		start := w.Start(now)
		ttl := w.End(now).Sub(start) + time.Hour
		args = append(args, start.Unix(), int64(ttl.Seconds()))
	}

	val, err := s.script.Run(ctx, s.client, keys, args...).Result()
	if err != nil {
		return nil, fmt.Errorf("budget: redis script: %w", err)
	}

	results, ok := val.([]interface{})
	if !ok {
		return nil, fmt.Errorf("budget: unexpected result type from redis script: %T", val)
	}
	if len(results) != len(Windows)*2 {
		return nil, fmt.Errorf("budget: unexpected result length: got %d, want %d", len(results), len(Windows)*2)
	}

	out := make(map[Window]Usage, len(Windows))
	for i, w := range Windows {
		start, err := toInt64(results[i*2])
		if err != nil {
			return nil, fmt.Errorf("budget: window start: %w", err)
		}
		consumed, err := toInt64(results[i*2+1])
		if err != nil {
			return nil, fmt.Errorf("budget: consumed: %w", err)
		}
		out[w] = Usage{WindowStart: time.Unix(start, 0).UTC(), Consumed: consumed}
	}
	return out, nil
}

func toInt64(v interface{}) (int64, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case string:
		return strconv.ParseInt(n, 10, 64)
	case float64:
		return int64(n), nil
	default:
		return 0, fmt.Errorf("unexpected value type %T", v)
	}
}
