package rediskit

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Dict — строка→строка словарь поверх Redis HASH.
type Dict struct {
	rdb  *redis.Client
	name string
}

// NewDict создаёт словарь с именем name.
func NewDict(rdb *redis.Client, name string) *Dict {
	return &Dict{rdb: rdb, name: name}
}

// Name возвращает имя базового хэша.
func (d *Dict) Name() string { return d.name }

func (d *Dict) Get(ctx context.Context, key string) (string, error) {
	v, err := d.rdb.HGet(ctx, d.name, key).Result()
	if err == redis.Nil {
		return "", nil
	}
	return v, err
}

func (d *Dict) Set(ctx context.Context, key, value string) error {
	return d.rdb.HSet(ctx, d.name, key, value).Err()
}

func (d *Dict) Delete(ctx context.Context, key string) error {
	return d.rdb.HDel(ctx, d.name, key).Err()
}

func (d *Dict) IncrBy(ctx context.Context, key string, delta int64) (int64, error) {
	return d.rdb.HIncrBy(ctx, d.name, key, delta).Result()
}

func (d *Dict) Items(ctx context.Context) (map[string]string, error) {
	return d.rdb.HGetAll(ctx, d.name).Result()
}

// SetNX записывает key только если его ещё нет — используется OCR-координатором
// для однопролётной (single-flight) установки маркера PROCESSING.
func (d *Dict) SetNX(ctx context.Context, key, value string) (bool, error) {
	return d.rdb.HSetNX(ctx, d.name, key, value).Result()
}

// DailyDict оборачивает Dict именем с суточным префиксом вида
// "<name>/<YYYY-MM-DD>" и ротирует его: при первом обращении в новые сутки
// удаляет вчерашний хэш. Используется OCR-кэшем (C9) по правилу
// "предыдущий день удаляется в час 0 по местному времени".
type DailyDict struct {
	rdb  *redis.Client
	base string
	loc  *time.Location

	lastRotated string
}

// NewDailyDict создаёт суточный словарь base в часовом поясе loc.
func NewDailyDict(rdb *redis.Client, base string, loc *time.Location) *DailyDict {
	if loc == nil {
		loc = time.UTC
	}
	return &DailyDict{rdb: rdb, base: base, loc: loc}
}

func (d *DailyDict) todayKey() string {
	return fmt.Sprintf("%s/%s", d.base, time.Now().In(d.loc).Format("2006-01-02"))
}

func (d *DailyDict) yesterdayKey() string {
	return fmt.Sprintf("%s/%s", d.base, time.Now().In(d.loc).AddDate(0, 0, -1).Format("2006-01-02"))
}

// rotate удаляет вчерашний хэш один раз за смену дня текущего процесса.
// Гонка между несколькими процессами безвредна — лишний Del по уже
// удалённому ключу не ошибка.
func (d *DailyDict) rotate(ctx context.Context) {
	today := d.todayKey()
	if d.lastRotated == today {
		return
	}
	d.lastRotated = today
	_ = d.rdb.Del(ctx, d.yesterdayKey()).Err()
}

func (d *DailyDict) dict() *Dict {
	return &Dict{rdb: d.rdb, name: d.todayKey()}
}

func (d *DailyDict) Get(ctx context.Context, key string) (string, error) {
	d.rotate(ctx)
	return d.dict().Get(ctx, key)
}

func (d *DailyDict) Set(ctx context.Context, key, value string) error {
	d.rotate(ctx)
	return d.dict().Set(ctx, key, value)
}

func (d *DailyDict) SetNX(ctx context.Context, key, value string) (bool, error) {
	d.rotate(ctx)
	return d.dict().SetNX(ctx, key, value)
}

func (d *DailyDict) Delete(ctx context.Context, key string) error {
	d.rotate(ctx)
	return d.dict().Delete(ctx, key)
}

// ExpiringValue — одиночная строковая ячейка с TTL (Redis SETEX/GET).
type ExpiringValue struct {
	rdb  *redis.Client
	name string
}

func NewExpiringValue(rdb *redis.Client, name string) *ExpiringValue {
	return &ExpiringValue{rdb: rdb, name: name}
}

func (v *ExpiringValue) Get(ctx context.Context) (string, bool, error) {
	val, err := v.rdb.Get(ctx, v.name).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return val, true, nil
}

func (v *ExpiringValue) Set(ctx context.Context, value string, ttl time.Duration) error {
	return v.rdb.Set(ctx, v.name, value, ttl).Err()
}
