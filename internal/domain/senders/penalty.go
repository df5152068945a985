package senders

import (
	"context"
	"math/rand/v2"
	"strconv"
	"time"
)

// MinUsableBots is the floor below which a Chinese-group probe candidate is
// abandoned rather than risk hammering the few remaining healthy bots.
const MinUsableBots = 3

// PenaltyStore is the narrow key-value contract BotPenalty needs — the
// `bot_info` dict of the original, eventually consistent across processes
// sharing the same cache. *rediskit.Dict satisfies it.
type PenaltyStore interface {
	Get(ctx context.Context, key string) (string, error)
	Set(ctx context.Context, key, value string) error
}

// BotPenalty tracks, per bot token, the unix time at which it becomes
// usable again after a Bot API RetryAfter response.
type BotPenalty struct {
	store PenaltyStore
}

func NewBotPenalty(store PenaltyStore) *BotPenalty {
	return &BotPenalty{store: store}
}

// Penalize records that token must not be selected again until `until`.
func (p *BotPenalty) Penalize(ctx context.Context, token string, until time.Time) error {
	return p.store.Set(ctx, token, strconv.FormatInt(until.Unix(), 10))
}

// Available reports whether token's penalty, if any, has already expired as
// of now.
func (p *BotPenalty) Available(ctx context.Context, token string, now time.Time) (bool, error) {
	raw, err := p.store.Get(ctx, token)
	if err != nil {
		return false, err
	}
	if raw == "" {
		return true, nil
	}
	until, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// A corrupt/unparsable entry is treated as no penalty rather than
		// permanently locking the token out.
		return true, nil
	}
	return !now.Before(time.Unix(until, 0)), nil
}

// GetAvailableBot implements `getAvailableBot`: it picks uniformly at
// random among the tokens whose penalty (if any) has expired. If fewer than
// MinUsableBots tokens are eligible, ok is false and the caller must abandon
// the candidate (per the admission spec's Chinese-group probe step).
func GetAvailableBot(ctx context.Context, penalty *BotPenalty, tokens []string, now time.Time) (token string, ok bool, err error) {
	eligible := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		usable, aerr := penalty.Available(ctx, tok, now)
		if aerr != nil {
			return "", false, aerr
		}
		if usable {
			eligible = append(eligible, tok)
		}
	}
	if len(eligible) < MinUsableBots {
		return "", false, nil
	}
	return eligible[rand.IntN(len(eligible))], true, nil // #nosec G404 -- uniform pick among already-filtered candidates, not security sensitive
}
