// Package queue реализует долговечную именованную очередь (durable queue) —
// субстрат воркер-фабрики. Очередь адресуется строковым именем и хранится в
// Redis-списке: put добавляет в хвост, insert — в голову (для повторов,
// которые должны "пройти без очереди"), get — неблокирующий pop головы.
// Значения — непрозрачные байтовые строки; формат (обычно JSON) согласуют
// между собой производитель и потребитель конкретной очереди.
package queue

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Queue — контракт долговечной очереди (C1 спецификации).
type Queue interface {
	// Put добавляет значение в хвост очереди.
	Put(ctx context.Context, value string) error
	// Insert добавляет значение в голову очереди (приоритетный повтор).
	Insert(ctx context.Context, value string) error
	// Get неблокирующе снимает голову очереди. ok=false означает, что
	// очередь пуста — вызывающий обязан сам организовать паузу перед
	// следующим опросом (см. internal/infra/worker).
	Get(ctx context.Context) (value string, ok bool)
	// QSize возвращает текущую длину очереди.
	QSize(ctx context.Context) (int64, error)
	// Delete удаляет очередь целиком.
	Delete(ctx context.Context) error
	// Name возвращает имя очереди (используется воркер-фабрикой для имени
	// сопутствующего status-словаря).
	Name() string
}

// RedisQueue — реализация Queue поверх списка Redis (LPUSH/RPUSH/LPOP).
type RedisQueue struct {
	rdb  *redis.Client
	name string
}

// New создаёт очередь с именем name+"_queue", как того требует деривация
// воркер-фабрики (C5): имя класса воркера однозначно определяет имя очереди.
func New(rdb *redis.Client, className string) *RedisQueue {
	return &RedisQueue{rdb: rdb, name: className + "_queue"}
}

// NewNamed создаёт очередь с произвольным именем без суффикса — используется
// для очередей без сопутствующего воркер-класса (например, ручных списков).
func NewNamed(rdb *redis.Client, name string) *RedisQueue {
	return &RedisQueue{rdb: rdb, name: name}
}

func (q *RedisQueue) Name() string { return q.name }

func (q *RedisQueue) Put(ctx context.Context, value string) error {
	return q.rdb.RPush(ctx, q.name, value).Err()
}

func (q *RedisQueue) Insert(ctx context.Context, value string) error {
	return q.rdb.LPush(ctx, q.name, value).Err()
}

func (q *RedisQueue) Get(ctx context.Context) (string, bool) {
	val, err := q.rdb.LPop(ctx, q.name).Result()
	if err != nil {
		return "", false
	}
	return val, true
}

func (q *RedisQueue) QSize(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.name).Result()
}

func (q *RedisQueue) Delete(ctx context.Context) error {
	return q.rdb.Del(ctx, q.name).Err()
}
