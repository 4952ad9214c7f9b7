// Package redis provides a Redis implementation of the gosubs.UsageLedger
// interface and a Pub/Sub notifier.
// Counter updates run as Lua scripts so each reservation is one atomic step.
package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mihaimyh/gosubs/pkg/gosubs"
)

// Ledger implements gosubs.UsageLedger using one Redis hash per subscription.
// Each resource owns two fields: "<resource>:current" and "<resource>:limit".
type Ledger struct {
	client  redis.UniversalClient
	config  Config
	scripts map[string]*redis.Script
}

// Config holds Redis storage configuration
type Config struct {
	// KeyPrefix is prepended to all Redis keys (default: "gosubs:")
	KeyPrefix string

	// UsageTTL is the TTL for usage hashes, refreshed on every write (0 = no expiration)
	UsageTTL time.Duration

	// Channel is the Pub/Sub channel used by the Notifier (default: "gosubs:notifications")
	Channel string
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() Config {
	return Config{
		KeyPrefix: "gosubs:",
		UsageTTL:  0, // Usage lives as long as the subscription
		Channel:   "gosubs:notifications",
	}
}

func (c *Config) applyDefaults() {
	if c.KeyPrefix == "" {
		c.KeyPrefix = "gosubs:"
	}
	if c.Channel == "" {
		c.Channel = c.KeyPrefix + "notifications"
	}
}

// NewLedger creates a new Redis usage ledger.
// The client can be *redis.Client, *redis.ClusterClient, or *redis.Ring
func NewLedger(client redis.UniversalClient, config Config) (*Ledger, error) {
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	config.applyDefaults()

	l := &Ledger{
		client:  client,
		config:  config,
		scripts: make(map[string]*redis.Script),
	}
	l.loadScripts()
	return l, nil
}

// loadScripts compiles the Lua scripts for atomic counter updates.
// Numbers cross the Lua boundary as strings: integer replies would truncate
// fractional storage amounts.
func (l *Ledger) loadScripts() {
	l.scripts["init"] = redis.NewScript(`
		local key = KEYS[1]
		local ttl = tonumber(ARGV[1])
		for i = 2, #ARGV, 2 do
			local limitField = ARGV[i] .. ':limit'
			if redis.call('HEXISTS', key, limitField) == 0 then
				redis.call('HSET', key, ARGV[i] .. ':current', '0', limitField, ARGV[i + 1])
			end
		end
		if ttl > 0 then
			redis.call('EXPIRE', key, ttl)
		end
		return 'ok'
	`)

	l.scripts["seed"] = redis.NewScript(`
		local key = KEYS[1]
		local ttl = tonumber(ARGV[1])
		for i = 2, #ARGV, 3 do
			local limitField = ARGV[i] .. ':limit'
			if redis.call('HEXISTS', key, limitField) == 0 then
				redis.call('HSET', key, ARGV[i] .. ':current', ARGV[i + 1], limitField, ARGV[i + 2])
			end
		end
		if ttl > 0 then
			redis.call('EXPIRE', key, ttl)
		end
		return 'ok'
	`)

	// A missing counter behaves as limit 0.
	l.scripts["reserve"] = redis.NewScript(`
		local key = KEYS[1]
		local resource = ARGV[1]
		local amount = tonumber(ARGV[2])
		local ttl = tonumber(ARGV[3])

		local limit = redis.call('HGET', key, resource .. ':limit')
		if not limit then
			return {'denied', '0', '0'}
		end
		local current = tonumber(redis.call('HGET', key, resource .. ':current') or '0')
		local max = tonumber(limit)

		if max >= 0 and current + amount > max then
			return {'denied', tostring(current), limit}
		end

		local updated = current + amount
		redis.call('HSET', key, resource .. ':current', tostring(updated))
		if ttl > 0 then
			redis.call('EXPIRE', key, ttl)
		end
		return {'allowed', tostring(updated), limit}
	`)

	l.scripts["release"] = redis.NewScript(`
		local key = KEYS[1]
		local field = ARGV[1] .. ':current'
		local amount = tonumber(ARGV[2])

		local current = redis.call('HGET', key, field)
		if not current then
			return '0'
		end
		local updated = tonumber(current) - amount
		if updated < 0 then
			updated = 0
		end
		redis.call('HSET', key, field, tostring(updated))
		return tostring(updated)
	`)
}

func (l *Ledger) usageKey(subscriptionID string) string {
	return fmt.Sprintf("%susage:%s", l.config.KeyPrefix, subscriptionID)
}

func (l *Ledger) ttlSeconds() int64 {
	return int64(l.config.UsageTTL.Seconds())
}

func formatAmount(v float64) string {
	return strconv.FormatFloat(v, 'g', -1, 64)
}

// InitUsage implements gosubs.UsageLedger
func (l *Ledger) InitUsage(ctx context.Context, subscriptionID string, limits map[gosubs.ResourceType]float64) error {
	if len(limits) == 0 {
		return nil
	}
	args := make([]interface{}, 0, 1+2*len(limits))
	args = append(args, l.ttlSeconds())
	for resource, limit := range limits {
		args = append(args, string(resource), formatAmount(limit))
	}

	if err := l.scripts["init"].Run(ctx, l.client, []string{l.usageKey(subscriptionID)}, args...).Err(); err != nil {
		return gosubs.Transient(fmt.Errorf("failed to execute init script: %w", err))
	}
	return nil
}

// SeedUsage restores counters copied from a durable ledger, leaving
// existing counters untouched.
func (l *Ledger) SeedUsage(ctx context.Context, subscriptionID string, counters map[gosubs.ResourceType]gosubs.UsageCounter) error {
	if len(counters) == 0 {
		return nil
	}
	args := make([]interface{}, 0, 1+3*len(counters))
	args = append(args, l.ttlSeconds())
	for resource, counter := range counters {
		args = append(args, string(resource), formatAmount(counter.Current), formatAmount(counter.Limit))
	}

	if err := l.scripts["seed"].Run(ctx, l.client, []string{l.usageKey(subscriptionID)}, args...).Err(); err != nil {
		return gosubs.Transient(fmt.Errorf("failed to execute seed script: %w", err))
	}
	return nil
}

// Reserve implements gosubs.UsageLedger
func (l *Ledger) Reserve(ctx context.Context, subscriptionID string, resource gosubs.ResourceType, amount float64) (gosubs.Reservation, error) {
	result, err := l.scripts["reserve"].Run(
		ctx,
		l.client,
		[]string{l.usageKey(subscriptionID)},
		string(resource),
		formatAmount(amount),
		l.ttlSeconds(),
	).Result()
	if err != nil {
		return gosubs.Reservation{}, gosubs.Transient(fmt.Errorf("failed to execute reserve script: %w", err))
	}

	status, current, limit, err := parseReserveResult(result)
	if err != nil {
		return gosubs.Reservation{}, err
	}
	return gosubs.Reservation{
		Resource: resource,
		Allowed:  status == "allowed",
		Current:  current,
		Limit:    limit,
	}, nil
}

// parseReserveResult parses the {status, current, limit} reply of the reserve script
func parseReserveResult(result interface{}) (status string, current, limit float64, err error) {
	resultSlice, ok := result.([]interface{})
	if !ok || len(resultSlice) != 3 {
		err = fmt.Errorf("unexpected script result format")
		return
	}
	values := make([]string, 3)
	for i, v := range resultSlice {
		s, ok := v.(string)
		if !ok {
			err = fmt.Errorf("unexpected script result element %d: %T", i, v)
			return
		}
		values[i] = s
	}
	status = values[0]
	if current, err = strconv.ParseFloat(values[1], 64); err != nil {
		err = fmt.Errorf("failed to parse current usage: %w", err)
		return
	}
	if limit, err = strconv.ParseFloat(values[2], 64); err != nil {
		err = fmt.Errorf("failed to parse limit: %w", err)
	}
	return
}

// Release implements gosubs.UsageLedger
func (l *Ledger) Release(ctx context.Context, subscriptionID string, resource gosubs.ResourceType, amount float64) (float64, error) {
	result, err := l.scripts["release"].Run(
		ctx,
		l.client,
		[]string{l.usageKey(subscriptionID)},
		string(resource),
		formatAmount(amount),
	).Text()
	if err != nil {
		return 0, gosubs.Transient(fmt.Errorf("failed to execute release script: %w", err))
	}
	current, err := strconv.ParseFloat(result, 64)
	if err != nil {
		return 0, fmt.Errorf("failed to parse current usage: %w", err)
	}
	return current, nil
}

// Usage implements gosubs.UsageLedger
func (l *Ledger) Usage(ctx context.Context, subscriptionID string) (map[gosubs.ResourceType]gosubs.UsageCounter, error) {
	fields, err := l.client.HGetAll(ctx, l.usageKey(subscriptionID)).Result()
	if err != nil {
		return nil, gosubs.Transient(fmt.Errorf("failed to get usage: %w", err))
	}

	usage := make(map[gosubs.ResourceType]gosubs.UsageCounter)
	for field, raw := range fields {
		idx := strings.LastIndexByte(field, ':')
		if idx < 0 {
			continue
		}
		value, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse usage field %s: %w", field, err)
		}
		resource := gosubs.ResourceType(field[:idx])
		counter := usage[resource]
		switch field[idx+1:] {
		case "current":
			counter.Current = value
		case "limit":
			counter.Limit = value
		default:
			continue
		}
		usage[resource] = counter
	}
	return usage, nil
}

// Delete removes every counter of a subscription.
func (l *Ledger) Delete(ctx context.Context, subscriptionID string) error {
	if err := l.client.Del(ctx, l.usageKey(subscriptionID)).Err(); err != nil {
		return gosubs.Transient(fmt.Errorf("failed to delete usage: %w", err))
	}
	return nil
}

var _ gosubs.UsageLedger = (*Ledger)(nil)
