// Package metrics implements the Metrics Fan-out (C11): counters coalesced
// into the shared `global_statistics` Redis hash are flushed every 30
// seconds into OpenTelemetry instruments, following zkoranges-go-claw's
// provider wiring (stdout exporter in dev, OTLP in production) instead of a
// bespoke time-series wire format — no pack repo imports an InfluxDB
// client, and OTel is the pack's actual observability stack.
package metrics

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"telegram-ingest-fabric/internal/infra/logger"
	"telegram-ingest-fabric/internal/infra/rediskit"
)

const flushInterval = 30 * time.Second

// Key encodes one coalesced counter's identity: measurement name plus a
// tag set, forming the `measurement|<tags-json>` hash key.
type Key struct {
	Measurement string
	Tags        map[string]string
}

// Encode produces the hash field `measurement|<tags-json>`.
func (k Key) Encode() string {
	tagsJSON, _ := json.Marshal(k.Tags)
	return k.Measurement + "|" + string(tagsJSON)
}

// decode is the inverse of Encode, used when flushing.
func decode(field string) (Key, bool) {
	i := strings.IndexByte(field, '|')
	if i < 0 {
		return Key{}, false
	}
	var tags map[string]string
	if err := json.Unmarshal([]byte(field[i+1:]), &tags); err != nil {
		return Key{}, false
	}
	return Key{Measurement: field[:i], Tags: tags}, true
}

// Counters is the producer-facing handle: any component increments a named,
// tagged counter without knowing anything about the flush loop.
type Counters struct {
	hash *rediskit.Dict
}

func NewCounters(hash *rediskit.Dict) *Counters {
	return &Counters{hash: hash}
}

func (c *Counters) Incr(ctx context.Context, measurement string, tags map[string]string, delta int64) error {
	_, err := c.hash.IncrBy(ctx, Key{Measurement: measurement, Tags: tags}.Encode(), delta)
	return err
}

// Fanout owns the 30-second flush loop: atomically read-and-reset each
// counter, emit it as an OTel data point.
type Fanout struct {
	hash  *rediskit.Dict
	meter metric.Meter

	counters map[string]metric.Int64Counter
}

func NewFanout(hash *rediskit.Dict, meter metric.Meter) *Fanout {
	return &Fanout{hash: hash, meter: meter, counters: make(map[string]metric.Int64Counter)}
}

// Run blocks, flushing every 30s until ctx is cancelled.
func (f *Fanout) Run(ctx context.Context) {
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f.flushOnce(ctx)
		}
	}
}

func (f *Fanout) flushOnce(ctx context.Context) {
	items, err := f.hash.Items(ctx)
	if err != nil {
		logger.Errorf("metrics: read global_statistics: %v", err)
		return
	}
	for field, raw := range items {
		key, ok := decode(field)
		if !ok {
			continue
		}
		val, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			continue
		}
		if val == 0 {
			continue
		}
		if err := f.hash.Set(ctx, field, "0"); err != nil {
			logger.Errorf("metrics: reset counter %q: %v", field, err)
			continue
		}
		counter, err := f.counterFor(key.Measurement)
		if err != nil {
			logger.Errorf("metrics: instrument for %q: %v", key.Measurement, err)
			continue
		}
		attrs := make([]attribute.KeyValue, 0, len(key.Tags))
		for k, v := range key.Tags {
			attrs = append(attrs, attribute.String(k, v))
		}
		counter.Add(ctx, val, metric.WithAttributes(attrs...))
	}
}

func (f *Fanout) counterFor(measurement string) (metric.Int64Counter, error) {
	if c, ok := f.counters[measurement]; ok {
		return c, nil
	}
	c, err := f.meter.Int64Counter(fmt.Sprintf("userbot.%s", measurement))
	if err != nil {
		return nil, err
	}
	f.counters[measurement] = c
	return c, nil
}
