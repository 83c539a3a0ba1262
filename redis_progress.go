package recoverability

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// raiseProgress stores ARGV[1] in KEYS[1] only if it is higher than the
// current value, refreshes the TTL and returns the stored value.
var raiseProgress = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local v = tonumber(ARGV[1])
if v > cur then
  redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
  return ARGV[1]
end
redis.call('PEXPIRE', KEYS[1], ARGV[2])
return tostring(cur)
`)

// RedisProgressSink shares progress high-water marks between replicas.
type RedisProgressSink struct {
	rdb    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

// NewRedisProgressSink creates a sink. Keys expire ttl after the last update.
func NewRedisProgressSink(rdb redis.UniversalClient, prefix string, ttl time.Duration) *RedisProgressSink {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	if ttl <= 0 {
		ttl = 7 * 24 * time.Hour
	}
	return &RedisProgressSink{rdb: rdb, prefix: prefix, ttl: ttl}
}

func (s *RedisProgressSink) key(requestID string) string {
	return fmt.Sprintf("%s:progress:%s", s.prefix, requestID)
}

func (s *RedisProgressSink) Record(ctx context.Context, requestID string, percent float64) (float64, error) {
	res, err := raiseProgress.Run(ctx, s.rdb,
		[]string{s.key(requestID)},
		strconv.FormatFloat(percent, 'f', 2, 64),
		s.ttl.Milliseconds(),
	).Text()
	if err != nil {
		return 0, fmt.Errorf("record progress: %w", err)
	}
	stored, err := strconv.ParseFloat(res, 64)
	if err != nil {
		return 0, fmt.Errorf("parse stored progress %q: %w", res, err)
	}
	return stored, nil
}

func (s *RedisProgressSink) Forget(ctx context.Context, requestID string) error {
	if err := s.rdb.Del(ctx, s.key(requestID)).Err(); err != nil {
		return fmt.Errorf("forget progress: %w", err)
	}
	return nil
}

var _ ProgressSink = (*RedisProgressSink)(nil)
