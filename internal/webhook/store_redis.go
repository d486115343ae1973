package webhook

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Registrations are JSON documents at <prefix>:webhook:<id>, indexed by a set
// of all ids and a set per owner. Each registration's attempt log is a sorted
// set scored by attempt time in ms, capped at maxDeliveriesPerHook entries.

const maxDeliveriesPerHook = 100

// KEYS: registration, all set, owner set, deliveries zset. ARGV: id, owner.
var deleteRegistrationScript = redis.NewScript(`
local raw = redis.call("GET", KEYS[1])
if not raw then
  return 0
end
local reg = cjson.decode(raw)
if reg["owner"] ~= ARGV[2] then
  return 0
end
redis.call("DEL", KEYS[1], KEYS[4])
redis.call("SREM", KEYS[2], ARGV[1])
redis.call("SREM", KEYS[3], ARGV[1])
return 1
`)

// KEYS: registration, deliveries zset. ARGV: score_ms, entry, cap.
var recordDeliveryScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return 0
end
redis.call("ZADD", KEYS[2], ARGV[1], ARGV[2])
redis.call("ZREMRANGEBYRANK", KEYS[2], 0, -(tonumber(ARGV[3]) + 1))
return 1
`)

// RedisStore shares registrations and delivery history between instances.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "ocrgate"
	}
	return &RedisStore{client: client, prefix: prefix}
}

// storedRegistration carries the fields Registration hides from JSON.
type storedRegistration struct {
	ID        string    `json:"id"`
	Owner     string    `json:"owner"`
	URL       string    `json:"url"`
	Secret    string    `json:"secret"`
	Events    []string  `json:"events"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *RedisStore) regKey(id string) string { return s.prefix + ":webhook:" + id }
func (s *RedisStore) deliveriesKey(id string) string {
	return s.prefix + ":webhook:" + id + ":deliveries"
}
func (s *RedisStore) allKey() string               { return s.prefix + ":webhooks:all" }
func (s *RedisStore) ownerKey(owner string) string { return s.prefix + ":webhooks:owner:" + owner }

func (s *RedisStore) CreateRegistration(ctx context.Context, reg *Registration) error {
	raw, err := json.Marshal(storedRegistration(*reg))
	if err != nil {
		return fmt.Errorf("marshal webhook registration: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.regKey(reg.ID), raw, 0).Result()
	if err != nil {
		return fmt.Errorf("insert webhook registration: %w", err)
	}
	if !ok {
		return fmt.Errorf("insert webhook registration: id %s already exists", reg.ID)
	}
	pipe := s.client.TxPipeline()
	pipe.SAdd(ctx, s.allKey(), reg.ID)
	pipe.SAdd(ctx, s.ownerKey(reg.Owner), reg.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index webhook registration: %w", err)
	}
	return nil
}

func (s *RedisStore) GetRegistration(ctx context.Context, id string) (*Registration, error) {
	raw, err := s.client.Get(ctx, s.regKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get webhook registration: %w", err)
	}
	var stored storedRegistration
	if err := json.Unmarshal(raw, &stored); err != nil {
		return nil, fmt.Errorf("decode webhook registration: %w", err)
	}
	reg := Registration(stored)
	return &reg, nil
}

// ListRegistrations returns every registration when owner is empty.
func (s *RedisStore) ListRegistrations(ctx context.Context, owner string) ([]Registration, error) {
	key := s.allKey()
	if owner != "" {
		key = s.ownerKey(owner)
	}
	ids, err := s.client.SMembers(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("list webhook registrations: %w", err)
	}
	out := make([]Registration, 0, len(ids))
	for _, id := range ids {
		reg, err := s.GetRegistration(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *reg)
	}
	sortRegistrations(out)
	return out, nil
}

func (s *RedisStore) DeleteRegistration(ctx context.Context, owner, id string) error {
	n, err := deleteRegistrationScript.Run(ctx, s.client,
		[]string{s.regKey(id), s.allKey(), s.ownerKey(owner), s.deliveriesKey(id)},
		id, owner,
	).Int()
	if err != nil {
		return fmt.Errorf("delete webhook registration: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// RecordDelivery drops the entry silently if the registration was deleted
// while the attempt was in flight.
func (s *RedisStore) RecordDelivery(ctx context.Context, d Delivery) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("marshal webhook delivery: %w", err)
	}
	err = recordDeliveryScript.Run(ctx, s.client,
		[]string{s.regKey(d.RegistrationID), s.deliveriesKey(d.RegistrationID)},
		d.AttemptedAt.UnixMilli(), string(raw), maxDeliveriesPerHook,
	).Err()
	if err != nil {
		return fmt.Errorf("insert webhook delivery: %w", err)
	}
	return nil
}

func (s *RedisStore) ListDeliveries(ctx context.Context, registrationID string, limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	raws, err := s.client.ZRevRange(ctx, s.deliveriesKey(registrationID), 0, int64(limit-1)).Result()
	if err != nil {
		return nil, fmt.Errorf("list webhook deliveries: %w", err)
	}
	out := make([]Delivery, 0, len(raws))
	for _, raw := range raws {
		var d Delivery
		if err := json.Unmarshal([]byte(raw), &d); err != nil {
			return nil, fmt.Errorf("decode webhook delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, nil
}

func (s *RedisStore) PurgeDeliveriesBefore(ctx context.Context, cutoff time.Time) (int, error) {
	ids, err := s.client.SMembers(ctx, s.allKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("purge webhook deliveries: %w", err)
	}
	total := 0
	bound := fmt.Sprintf("(%d", cutoff.UnixMilli())
	for _, id := range ids {
		n, err := s.client.ZRemRangeByScore(ctx, s.deliveriesKey(id), "-inf", bound).Result()
		if err != nil {
			return total, fmt.Errorf("purge webhook deliveries: %w", err)
		}
		total += int(n)
	}
	return total, nil
}
