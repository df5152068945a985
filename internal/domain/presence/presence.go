// Package presence реализует политику "нужно ли выглядеть онлайн прямо
// сейчас", портированную из `utils.py`'s `need_to_be_online`: раз в сутки
// выбирается случайное окно
// online_time..offline_time вокруг конфигурационного часа, и внутри этого
// окна решение о read-ack принимается с вероятностью 1/11 на каждое
// сообщение — то же дрожание, что в оригинале (`randint(0, 10) == 5`).
package presence

import (
	"context"
	"fmt"
	"math/rand"
	"strconv"
	"time"

	"telegram-ingest-fabric/internal/infra/rediskit"
)

// Policy хранит дневное окно онлайн-присутствия в Redis (global_count) так,
// что все инстансы одного аккаунта (если их несколько) видят одно и то же
// окно в течение суток.
type Policy struct {
	dict       *rediskit.Dict
	onlineHour int
	offHour    int
	rng        *rand.Rand
}

// NewPolicy конструирует Policy поверх Redis-словаря `global_count`.
// onlineHour/offlineHour — центры случайного окна (config.ONLINE_HOUR /
// config.OFFLINE_HOUR в оригинале).
func NewPolicy(dict *rediskit.Dict, onlineHour, offlineHour int) *Policy {
	return &Policy{dict: dict, onlineHour: onlineHour, offHour: offlineHour, rng: rand.New(rand.NewSource(time.Now().UnixNano()))}
}

// ShouldAck решает, нужно ли сейчас слать read-ack: сначала гарантирует, что
// на сегодня выбрано окно online/offline (перевыбирая его при смене даты),
// затем проверяет now против окна и бросает монетку 1-из-11.
func (p *Policy) ShouldAck(now time.Time) bool {
	ctx := context.Background()
	today := now.Format("2006-01-02")

	storedDay, _ := p.dict.Get(ctx, "today")
	if storedDay != today {
		_ = p.dict.Set(ctx, "today", today)
		_ = p.dict.Set(ctx, "online_time", strconv.FormatInt(randomTimeAround(now, p.onlineHour, p.rng).Unix(), 10))
		_ = p.dict.Set(ctx, "offline_time", strconv.FormatInt(randomTimeAround(now, p.offHour, p.rng).Unix(), 10))
	}

	onlineStr, _ := p.dict.Get(ctx, "online_time")
	offlineStr, _ := p.dict.Get(ctx, "offline_time")
	online, err1 := strconv.ParseInt(onlineStr, 10, 64)
	offline, err2 := strconv.ParseInt(offlineStr, 10, 64)
	if err1 != nil || err2 != nil {
		return false
	}

	nowUnix := now.Unix()
	if online < nowUnix && nowUnix < offline {
		return p.rng.Intn(11) == 5
	}
	return false
}

// randomTimeAround mirrors `get_random_time(hour)`: a timestamp today with
// hour uniformly drawn from [hour-1, hour+1] and minute/second random.
func randomTimeAround(now time.Time, hour int, rng *rand.Rand) time.Time {
	h := hour - 1 + rng.Intn(3)
	return time.Date(now.Year(), now.Month(), now.Day(), h, rng.Intn(60), rng.Intn(60), 0, now.Location())
}

func (p *Policy) String() string {
	return fmt.Sprintf("presence.Policy{online=%d, offline=%d}", p.onlineHour, p.offHour)
}
