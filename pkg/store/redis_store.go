package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "docflow:records:"

// RedisStore keeps a collection in one Redis hash with a sorted set that
// remembers first-insertion order.
type RedisStore[T any] struct {
	client    *redis.Client
	itemsKey  string
	orderKey  string
	opTimeout time.Duration
}

// NewRedisClient builds a client for the given address.
func NewRedisClient(addr, password string) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
	})
}

// NewRedisStore returns the collection on client.
func NewRedisStore[T any](client *redis.Client, collection string) *RedisStore[T] {
	return &RedisStore[T]{
		client:    client,
		itemsKey:  redisKeyPrefix + collection,
		orderKey:  redisKeyPrefix + collection + ":order",
		opTimeout: 3 * time.Second,
	}
}

func (s *RedisStore[T]) Get(ctx context.Context, id string) (T, bool, error) {
	var out T
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	raw, err := s.client.HGet(ctx, s.itemsKey, id).Bytes()
	if err == redis.Nil {
		return out, false, nil
	}
	if err != nil {
		return out, false, err
	}
	if err := json.Unmarshal(raw, &out); err != nil {
		return out, false, fmt.Errorf("decode record %s: %w", id, err)
	}
	return out, true, nil
}

func (s *RedisStore[T]) Put(ctx context.Context, id string, v T) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	seq, err := s.client.Incr(ctx, s.orderKey+":seq").Result()
	if err != nil {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, s.itemsKey, id, raw)
	pipe.ZAddNX(ctx, s.orderKey, redis.Z{Score: float64(seq), Member: id})
	_, err = pipe.Exec(ctx)
	return err
}

func (s *RedisStore[T]) Delete(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	pipe := s.client.TxPipeline()
	pipe.HDel(ctx, s.itemsKey, id)
	pipe.ZRem(ctx, s.orderKey, id)
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore[T]) List(ctx context.Context) ([]T, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opTimeout)
	defer cancel()
	ids, err := s.client.ZRange(ctx, s.orderKey, 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return []T{}, nil
	}
	values, err := s.client.HMGet(ctx, s.itemsKey, ids...).Result()
	if err != nil {
		return nil, err
	}
	res := make([]T, 0, len(values))
	for i, value := range values {
		str, ok := value.(string)
		if !ok {
			// deleted between ZRANGE and HMGET
			continue
		}
		var v T
		if err := json.Unmarshal([]byte(str), &v); err != nil {
			return nil, fmt.Errorf("decode record %s: %w", ids[i], err)
		}
		res = append(res, v)
	}
	return res, nil
}
