package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// LeaseTTL bounds how long a crashed writer can keep a vehicle's write path
// unavailable: the lock key expires this long after acquisition.
const LeaseTTL = 30 * time.Second

// Delete the lock only if the caller still owns it. Keeps Release idempotent
// and a no-op on expired or foreign leases.
var releaseScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// LeaseLocker hands out per-vehicle exclusive leases backed by an atomic
// SET NX PX. The lock row's insertion time plus TTL live in the key expiry,
// so expiry needs no sweeper.
type LeaseLocker struct {
	rdb   *redis.Client
	owner string
}

func NewLeaseLocker(rdb *redis.Client) *LeaseLocker {
	return &LeaseLocker{rdb: rdb, owner: uuid.NewString()}
}

func lockKey(vehicleCode string) string { return "veh:" + vehicleCode + ":lock" }

// Acquire takes the vehicle's lease. held=false means someone else holds an
// unexpired lease; an error means the store itself failed, which callers must
// not read as contention.
func (l *LeaseLocker) Acquire(ctx context.Context, vehicleCode string) (bool, error) {
	held, err := l.rdb.SetNX(ctx, lockKey(vehicleCode), l.owner, LeaseTTL).Result()
	if err != nil {
		return false, transientErr("acquire lease "+vehicleCode, err)
	}
	return held, nil
}

// Release drops the lease if this locker still owns it. Releasing an expired,
// foreign or absent lease does nothing.
func (l *LeaseLocker) Release(ctx context.Context, vehicleCode string) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{lockKey(vehicleCode)}, l.owner).Err(); err != nil && err != redis.Nil {
		return transientErr("release lease "+vehicleCode, err)
	}
	return nil
}
