package redisstore

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	blacklistPrefix = "auth:blacklist:"
	resetPrefix     = "auth:reset:"
	loginFailPrefix = "auth:loginfail:"
)

type Store struct {
	rdb *redis.Client
}

func New(addr, password string, db int) *Store {
	return &Store{rdb: redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// BlacklistToken revokes a token for the remainder of its lifetime.
func (s *Store) BlacklistToken(ctx context.Context, token string, ttl time.Duration) error {
	if ttl <= 0 {
		// already expired, nothing to revoke
		return nil
	}
	return s.rdb.Set(ctx, blacklistPrefix+token, "1", ttl).Err()
}

func (s *Store) IsBlacklisted(ctx context.Context, token string) (bool, error) {
	_, err := s.rdb.Get(ctx, blacklistPrefix+token).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// SaveResetToken stores a one-time password-reset token for a user.
func (s *Store) SaveResetToken(ctx context.Context, token string, userID uint64, ttl time.Duration) error {
	return s.rdb.Set(ctx, resetPrefix+token, strconv.FormatUint(userID, 10), ttl).Err()
}

// ConsumeResetToken atomically reads and deletes a reset token, returning the
// user it belongs to. Unknown or expired tokens surface redis.Nil.
func (s *Store) ConsumeResetToken(ctx context.Context, token string) (uint64, error) {
	v, err := s.rdb.GetDel(ctx, resetPrefix+token).Result()
	if err != nil {
		return 0, err
	}
	return strconv.ParseUint(v, 10, 64)
}

// RecordLoginFailure bumps the failure counter for an email and returns the
// new count. The counter expires after the window.
func (s *Store) RecordLoginFailure(ctx context.Context, email string, window time.Duration) (int64, error) {
	key := loginFailPrefix + email
	n, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	if n == 1 {
		_ = s.rdb.Expire(ctx, key, window).Err()
	}
	return n, nil
}

func (s *Store) LoginFailures(ctx context.Context, email string) (int64, error) {
	v, err := s.rdb.Get(ctx, loginFailPrefix+email).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	return strconv.ParseInt(v, 10, 64)
}

func (s *Store) ClearLoginFailures(ctx context.Context, email string) error {
	return s.rdb.Del(ctx, loginFailPrefix+email).Err()
}
