package leader

import (
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/armadaproject/jobadmit/internal/common/logctx"
	"github.com/armadaproject/jobadmit/internal/common/schedulererrors"
)

const leaseKeyPrefix = "lease:"

// Takes the lease if it is free or already ours. Redis expires the key after the validity period.
var standForElectionScript = redis.NewScript(`
local current = redis.call('GET', KEYS[1])
if current == false or current == ARGV[1] then
	redis.call('SET', KEYS[1], ARGV[1], 'PX', ARGV[2])
	return 1
end
return 0
`)

var resignScript = redis.NewScript(`
if redis.call('GET', KEYS[1]) == ARGV[1] then
	return redis.call('DEL', KEYS[1])
end
return 0
`)

// RedisElector stores each lease as a key holding the holder's name, with a PX expiry.
type RedisElector struct {
	db redis.UniversalClient
}

func NewRedisElector(db redis.UniversalClient) *RedisElector {
	return &RedisElector{db: db}
}

func (e *RedisElector) StandForElection(ctx *logctx.Context, holder string, resource string, validity time.Duration) (bool, error) {
	if err := validateElection(holder, resource, validity); err != nil {
		return false, err
	}
	result, err := standForElectionScript.Run(ctx, e.db, []string{leaseKeyPrefix + resource}, holder, validity.Milliseconds()).Int()
	if err != nil {
		return false, schedulererrors.StoreUnavailable("redis", "standForElection", err)
	}
	return result == 1, nil
}

func (e *RedisElector) Resign(ctx *logctx.Context, holder string, resource string) error {
	err := resignScript.Run(ctx, e.db, []string{leaseKeyPrefix + resource}, holder).Err()
	return schedulererrors.StoreUnavailable("redis", "resign", err)
}
