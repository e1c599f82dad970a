// Package distlock offers a small cross-process mutex with two
// backends. The autoscaler takes one so only a single control loop
// drives the fleet; the migrator takes one so concurrent deploys apply
// schema changes one at a time.
package distlock

import (
	"context"
	"database/sql"
	"hash/fnv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DistLock is a try-lock: Acquire never blocks waiting for the holder.
// A DistLock value belongs to one goroutine; run several instances for
// concurrent use.
type DistLock interface {
	// Acquire attempts to take the lock, reporting whether it succeeded.
	Acquire(ctx context.Context) (bool, error)
	// Release frees the lock when this instance still holds it.
	Release(ctx context.Context) error
}

// NewLock picks the backend: Redis when a client is available (locks
// carry a TTL, so a crashed holder frees itself), otherwise a Postgres
// advisory lock, which the server releases when the session dies.
func NewLock(redisClient *redis.Client, db *sql.DB, key string, ttl time.Duration) DistLock {
	if redisClient != nil {
		return NewRedisLock(redisClient, key, ttl)
	}
	return NewPGAdvisoryLock(db, key)
}

// PGAdvisoryLock maps a string key onto pg_try_advisory_lock's int64
// keyspace. Session-scoped: a dropped connection releases the lock,
// which is the crash-safety the migrator relies on.
type PGAdvisoryLock struct {
	db     *sql.DB
	lockID int64
}

// NewPGAdvisoryLock derives the advisory lock id from key via FNV-64a,
// so every process that names the same key contends on the same lock.
func NewPGAdvisoryLock(db *sql.DB, key string) *PGAdvisoryLock {
	h := fnv.New64a()
	h.Write([]byte(key))
	return &PGAdvisoryLock{db: db, lockID: int64(h.Sum64())}
}

// Acquire is non-blocking; a held lock yields (false, nil).
func (l *PGAdvisoryLock) Acquire(ctx context.Context) (bool, error) {
	var acquired bool
	err := l.db.QueryRowContext(ctx, "SELECT pg_try_advisory_lock($1)", l.lockID).Scan(&acquired)
	return acquired, err
}

// Release unlocks the advisory lock for this session.
func (l *PGAdvisoryLock) Release(ctx context.Context) error {
	_, err := l.db.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", l.lockID)
	return err
}
