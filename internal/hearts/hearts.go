// Package hearts manages the play-currency collaborator: every new game
// consumes one heart, and the external reward flow grants them back. Only
// the consume/grant seam lives here; the ads-reward UI is out of scope.
package hearts

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// ErrNoCredit is returned when the user has no heart left to consume.
var ErrNoCredit = errors.New("hearts: no play credit available")

// Source is the play-currency collaborator the game engine consumes.
type Source interface {
	// Consume takes one heart from the user, failing with ErrNoCredit
	// when the balance is empty.
	Consume(ctx context.Context, userID string) error

	// Grant returns one heart to the user (ad reward, refund).
	Grant(ctx context.Context, userID string) error

	// Balance reports the user's current heart count.
	Balance(ctx context.Context, userID string) (int64, error)
}

// RedisSource keeps heart balances as Redis counters. New users start at
// initialBalance on first touch.
type RedisSource struct {
	rdb            *redis.Client
	initialBalance int64
}

// NewRedisSource creates a Redis-backed heart source.
func NewRedisSource(rdb *redis.Client, initialBalance int64) *RedisSource {
	return &RedisSource{rdb: rdb, initialBalance: initialBalance}
}

// consumeScript decrements only when the balance is positive, seeding
// absent users first. Atomic so duplicate tabs can't spend one heart twice.
var consumeScript = redis.NewScript(`
	local key = KEYS[1]
	if redis.call("EXISTS", key) == 0 then
		redis.call("SET", key, ARGV[1])
	end
	local bal = tonumber(redis.call("GET", key))
	if bal <= 0 then
		return -1
	end
	return redis.call("DECR", key)
`)

func (s *RedisSource) Consume(ctx context.Context, userID string) error {
	n, err := consumeScript.Run(ctx, s.rdb, []string{heartKey(userID)}, s.initialBalance).Int64()
	if err != nil {
		return fmt.Errorf("consume heart: %w", err)
	}
	if n < 0 {
		return ErrNoCredit
	}
	return nil
}

func (s *RedisSource) Grant(ctx context.Context, userID string) error {
	return s.rdb.Incr(ctx, heartKey(userID)).Err()
}

func (s *RedisSource) Balance(ctx context.Context, userID string) (int64, error) {
	n, err := s.rdb.Get(ctx, heartKey(userID)).Int64()
	if errors.Is(err, redis.Nil) {
		return s.initialBalance, nil
	}
	return n, err
}

func heartKey(userID string) string { return fmt.Sprintf("hearts:%s", userID) }

// Unlimited never runs out. Used in development and tests.
type Unlimited struct{}

func (Unlimited) Consume(context.Context, string) error          { return nil }
func (Unlimited) Grant(context.Context, string) error            { return nil }
func (Unlimited) Balance(context.Context, string) (int64, error) { return 1, nil }

// Empty always denies. Used in tests for the NO_PLAY_CREDIT path.
type Empty struct{}

func (Empty) Consume(context.Context, string) error          { return ErrNoCredit }
func (Empty) Grant(context.Context, string) error            { return nil }
func (Empty) Balance(context.Context, string) (int64, error) { return 0, nil }
