package config

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
)

// RedisStore bundles the redis client and its lock client. A nil *RedisStore
// is valid and behaves as an always-empty cache, so callers never need to
// branch on whether redis is configured.
type RedisStore struct {
	client *redis.Client
	locker *redislock.Client
}

func NewRedisStore(client *redis.Client) *RedisStore {
	return &RedisStore{client: client, locker: redislock.New(client)}
}

func (s *RedisStore) Client() *redis.Client {
	if s == nil {
		return nil
	}
	return s.client
}

func (s *RedisStore) GetObject(ctx context.Context, key string, dest interface{}) (bool, error) {
	if s == nil || s.client == nil {
		return false, nil
	}
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return false, nil
		}
		return false, err
	}
	if err := json.Unmarshal([]byte(val), dest); err != nil {
		return false, err
	}
	return true, nil
}

func (s *RedisStore) SetObject(ctx context.Context, key string, value interface{}, exp time.Duration) error {
	if s == nil || s.client == nil {
		return nil
	}
	data, err := json.Marshal(value)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, key, data, exp).Err()
}

func (s *RedisStore) GetValue(ctx context.Context, key string) (string, bool, error) {
	if s == nil || s.client == nil {
		return "", false, nil
	}
	val, err := s.client.Get(ctx, key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return val, true, nil
}

func (s *RedisStore) RemoveKey(ctx context.Context, keys ...string) error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Del(ctx, keys...).Err()
}

// ErrLockBusy is returned by Lock when another holder kept the key for the
// whole wait.
var ErrLockBusy = errors.New("lock is held by another process")

const lockRetryInterval = 100 * time.Millisecond

// Lock obtains key for ttl, retrying for up to wait while another holder has
// it. It returns (nil, nil) when redis is not configured.
func (s *RedisStore) Lock(ctx context.Context, key string, ttl, wait time.Duration) (*redislock.Lock, error) {
	if s == nil || s.locker == nil {
		return nil, nil
	}
	retries := int(wait / lockRetryInterval)
	lock, err := s.locker.Obtain(ctx, key, ttl, &redislock.Options{
		RetryStrategy: redislock.LimitRetry(redislock.LinearBackoff(lockRetryInterval), retries),
	})
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrLockBusy
	}
	if err != nil {
		return nil, err
	}
	return lock, nil
}

func (s *RedisStore) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

// ConnectRedisWithRetry connects to REDIS_ADDRESS, retrying with backoff
// until the server answers a PING.
func ConnectRedisWithRetry(ctx context.Context) *RedisStore {
	redisAddr := os.Getenv("REDIS_ADDRESS")
	if redisAddr == "" {
		redisAddr = "localhost:6379"
		log.Printf("REDIS_ADDRESS not set; defaulting to %s", redisAddr)
	}

	var attempt int
	for {
		attempt++
		rdb := redis.NewClient(&redis.Options{
			Addr:     redisAddr,
			Password: os.Getenv("REDIS_PASSWORD"),
			DB:       0,
			PoolSize: 100,
		})
		err := rdb.Ping(ctx).Err()
		if err == nil {
			log.Printf("connected to redis (attempt=%d addr=%s)", attempt, redisAddr)
			return NewRedisStore(rdb)
		}
		_ = rdb.Close()
		sleep := time.Second * time.Duration(1<<min(attempt, 5))
		if sleep > 30*time.Second {
			sleep = 30 * time.Second
		}
		log.Printf("failed to connect redis (attempt=%d addr=%s): %v; retrying in %s", attempt, redisAddr, err, sleep)
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}
