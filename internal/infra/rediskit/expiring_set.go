// Package rediskit содержит Redis-примитивы разделяемого состояния (C2
// спецификации): множество с TTL для проверок давности, хэш-словарь с
// опциональной суточной ротацией и одиночная ячейка с TTL. Всё поведение
// списано 1:1 с `cache.py` оригинала (RedisExpiringSet/RedisDict).
package rediskit

import (
	"context"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// ExpiringSet — TTL-индексированное множество поверх Redis ZSET (score =
// unix-время последнего добавления). Contains одновременно является
// "read-through touch": успешная проверка продлевает TTL элемента — это
// загруженное поведение сохранено намеренно (см. DESIGN.md, Open Question c
// спецификации: "recent_found_links.contains также обновляет временную
// метку, делая TTL скользящим").
type ExpiringSet struct {
	rdb    *redis.Client
	name   string
	expire time.Duration
}

// NewExpiringSet создаёт множество name с TTL expire.
func NewExpiringSet(rdb *redis.Client, name string, expire time.Duration) *ExpiringSet {
	return &ExpiringSet{rdb: rdb, name: name, expire: expire}
}

// Contains проверяет принадлежность item множеству. При наличии
// непросроченной записи обновляет её временную метку на текущую (rolling
// TTL) и возвращает true; при просрочке удаляет запись и возвращает false.
func (s *ExpiringSet) Contains(ctx context.Context, item string) (bool, error) {
	score, err := s.rdb.ZScore(ctx, s.name, item).Result()
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	now := time.Now()
	saved := time.Unix(int64(score), 0)
	if saved.Add(s.expire).After(now) {
		if err := s.rdb.ZAdd(ctx, s.name, redis.Z{Score: float64(now.Unix()), Member: item}).Err(); err != nil {
			return false, err
		}
		return true, nil
	}

	if err := s.rdb.ZRem(ctx, s.name, item).Err(); err != nil {
		return false, err
	}
	return false, nil
}

// Add вносит item в множество с временной меткой "сейчас".
func (s *ExpiringSet) Add(ctx context.Context, item string) error {
	return s.rdb.ZAdd(ctx, s.name, redis.Z{Score: float64(time.Now().Unix()), Member: item}).Err()
}

// Clear удаляет множество целиком.
func (s *ExpiringSet) Clear(ctx context.Context) error {
	return s.rdb.Del(ctx, s.name).Err()
}

// Items возвращает неистёкшие элементы множества (для диагностики/тестов).
func (s *ExpiringSet) Items(ctx context.Context) ([]string, error) {
	min := strconv.FormatInt(time.Now().Add(-s.expire).Unix(), 10)
	return s.rdb.ZRangeByScore(ctx, s.name, &redis.ZRangeBy{
		Min: min,
		Max: "+inf",
	}).Result()
}
