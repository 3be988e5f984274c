package games

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrDrawInFlight means the member already has a draw running.
var ErrDrawInFlight = errors.New("a draw is already in progress")

// DefaultInFlightTTL bounds how long a crashed draw can block the member.
const DefaultInFlightTTL = 10 * time.Second

// Locker is satisfied by *redis.Client from pkg/redis.
type Locker interface {
	TryLock(ctx context.Context, key string, ttl time.Duration) (release func(), ok bool, err error)
}

// RedisGuard holds a short-lived Redis key per (organization, member) while a draw runs.
type RedisGuard struct {
	locker Locker
	ttl    time.Duration
}

// NewRedisGuard creates a guard. ttl <= 0 uses DefaultInFlightTTL.
func NewRedisGuard(locker Locker, ttl time.Duration) *RedisGuard {
	if ttl <= 0 {
		ttl = DefaultInFlightTTL
	}
	return &RedisGuard{locker: locker, ttl: ttl}
}

// InFlightKey is the Redis key held during a member's draw.
func InFlightKey(orgID, userID uuid.UUID) string {
	return "draw:inflight:" + orgID.String() + ":" + userID.String()
}

// Acquire takes the member's draw slot or returns ErrDrawInFlight.
func (g *RedisGuard) Acquire(ctx context.Context, orgID, userID uuid.UUID) (func(), error) {
	release, ok, err := g.locker.TryLock(ctx, InFlightKey(orgID, userID), g.ttl)
	if err != nil {
		return nil, fmt.Errorf("acquire draw guard: %w", err)
	}
	if !ok {
		return nil, ErrDrawInFlight
	}
	return release, nil
}
