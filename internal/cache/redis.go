package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis implements Cache on a single Redis instance.
type Redis struct {
	config Config
	client *redis.Client
}

func NewRedis(config Config) *Redis {
	if config.Port == 0 {
		config.Port = 6379
	}
	return &Redis{config: config}
}

func (r *Redis) Connect() error {
	if r.client != nil {
		return nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%d", r.config.Host, r.config.Port),
		Password: r.config.Password,
		DB:       r.config.Database,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return fmt.Errorf("connecting to redis: %w", err)
	}
	r.client = client
	return nil
}

func (r *Redis) Close() error {
	if r.client == nil {
		return nil
	}
	err := r.client.Close()
	r.client = nil
	return err
}

func (r *Redis) Get(ctx context.Context, key string) (string, error) {
	if r.client == nil {
		return "", ErrNotConnected
	}
	val, err := r.client.Get(ctx, key).Result()
	if errors.Is(err, redis.Nil) {
		return "", ErrNotFound
	}
	return val, err
}

func (r *Redis) Set(ctx context.Context, key, value string, expiration time.Duration) error {
	if r.client == nil {
		return ErrNotConnected
	}
	return r.client.Set(ctx, key, value, expiration).Err()
}

func (r *Redis) SetNX(ctx context.Context, key, value string, expiration time.Duration) (bool, error) {
	if r.client == nil {
		return false, ErrNotConnected
	}
	return r.client.SetNX(ctx, key, value, expiration).Result()
}

func (r *Redis) Delete(ctx context.Context, key string) error {
	if r.client == nil {
		return ErrNotConnected
	}
	return r.client.Del(ctx, key).Err()
}
