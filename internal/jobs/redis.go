package jobs

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// Job hashes live at <prefix>:job:<id>. Pending ids are queued on a list in
// submission order; finished ids sit in a sorted set scored by completion ms.

var createJobScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 1 then
  return 0
end
local fields = {}
for i = 2, #ARGV do
  fields[#fields + 1] = ARGV[i]
end
redis.call("HSET", KEYS[1], unpack(fields))
redis.call("RPUSH", KEYS[2], ARGV[1])
return 1
`)

// KEYS: job, pending list, finished zset.
// ARGV: id, target, expected, at, at_ms, extra_field, extra_value.
var transitionJobScript = redis.NewScript(`
local current = redis.call("HGET", KEYS[1], "status")
if not current then
  return {"missing"}
end
if current == ARGV[2] then
  return {"noop", unpack(redis.call("HGETALL", KEYS[1]))}
end
if current ~= ARGV[3] then
  return {"invalid", current}
end
redis.call("HSET", KEYS[1], "status", ARGV[2], "updated_at", ARGV[4])
if ARGV[2] == "processing" then
  redis.call("HSET", KEYS[1], "started_at", ARGV[4])
  redis.call("LREM", KEYS[2], 0, ARGV[1])
else
  redis.call("HSET", KEYS[1], "completed_at", ARGV[4])
  redis.call("ZADD", KEYS[3], ARGV[5], ARGV[1])
end
if ARGV[6] ~= "" then
  redis.call("HSET", KEYS[1], ARGV[6], ARGV[7])
end
return {"applied", unpack(redis.call("HGETALL", KEYS[1]))}
`)

// KEYS: pending list. ARGV: job key prefix, at.
var claimJobScript = redis.NewScript(`
while true do
  local id = redis.call("LPOP", KEYS[1])
  if not id then
    return {}
  end
  local key = ARGV[1] .. id
  if redis.call("HGET", key, "status") == "pending" then
    redis.call("HSET", key, "status", "processing", "updated_at", ARGV[2], "started_at", ARGV[2])
    return redis.call("HGETALL", key)
  end
end
`)

// KEYS: finished zset. ARGV: job key prefix, cutoff_ms, batch.
var purgeJobsScript = redis.NewScript(`
local ids = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", "(" .. ARGV[2], "LIMIT", 0, tonumber(ARGV[3]))
for _, id in ipairs(ids) do
  redis.call("DEL", ARGV[1] .. id)
  redis.call("ZREM", KEYS[1], id)
end
return #ids
`)

const purgeBatch = 500

// RedisStore shares jobs between gateway instances.
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

func (s *RedisStore) jobKeyPrefix() string    { return s.prefix + ":job:" }
func (s *RedisStore) jobKey(id string) string { return s.jobKeyPrefix() + id }
func (s *RedisStore) pendingKey() string      { return s.prefix + ":jobs:pending" }
func (s *RedisStore) finishedKey() string     { return s.prefix + ":jobs:finished" }

func (s *RedisStore) Create(ctx context.Context, job *Job) error {
	args := []interface{}{
		job.ID,
		"id", job.ID,
		"owner", job.Owner,
		"status", string(job.Status),
		"created_at", formatTime(job.CreatedAt),
		"updated_at", formatTime(job.UpdatedAt),
	}
	if len(job.Payload) > 0 {
		args = append(args, "payload", string(job.Payload))
	}
	created, err := createJobScript.Run(ctx, s.client, []string{s.jobKey(job.ID), s.pendingKey()}, args...).Int()
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	if created == 0 {
		return ErrIDCollision
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*Job, error) {
	fields, err := s.client.HGetAll(ctx, s.jobKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	if len(fields) == 0 {
		return nil, ErrNotFound
	}
	return jobFromHash(fields)
}

func (s *RedisStore) Transition(ctx context.Context, id string, u Update) (*Job, bool, error) {
	from, ok := predecessor[u.Status]
	if !ok {
		// Nothing may enter this status; only the same-status no-op is possible.
		from = ""
	}
	extraField, extraValue := "", ""
	switch u.Status {
	case StatusCompleted:
		if len(u.Result) > 0 {
			extraField, extraValue = "result", string(u.Result)
		}
	case StatusFailed:
		extraField, extraValue = "error", u.Error
	}

	raw, err := transitionJobScript.Run(ctx, s.client,
		[]string{s.jobKey(id), s.pendingKey(), s.finishedKey()},
		id, string(u.Status), string(from), formatTime(u.At), u.At.UnixMilli(), extraField, extraValue,
	).StringSlice()
	if err != nil {
		return nil, false, fmt.Errorf("update job: %w", err)
	}
	if len(raw) == 0 {
		return nil, false, fmt.Errorf("update job: empty script reply")
	}

	switch raw[0] {
	case "missing":
		return nil, false, ErrNotFound
	case "invalid":
		current := ""
		if len(raw) > 1 {
			current = raw[1]
		}
		return nil, false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, u.Status)
	}

	job, err := jobFromHash(pairsToMap(raw[1:]))
	if err != nil {
		return nil, false, err
	}
	return job, raw[0] == "applied", nil
}

func (s *RedisStore) ClaimNext(ctx context.Context, at time.Time) (*Job, error) {
	raw, err := claimJobScript.Run(ctx, s.client, []string{s.pendingKey()}, s.jobKeyPrefix(), formatTime(at)).StringSlice()
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}
	if len(raw) == 0 {
		return nil, nil
	}
	return jobFromHash(pairsToMap(raw))
}

func (s *RedisStore) PurgeFinishedBefore(ctx context.Context, cutoff time.Time) (int, error) {
	total := 0
	for {
		n, err := purgeJobsScript.Run(ctx, s.client, []string{s.finishedKey()},
			s.jobKeyPrefix(), cutoff.UnixMilli(), purgeBatch).Int()
		if err != nil {
			return total, fmt.Errorf("purge jobs: %w", err)
		}
		total += n
		if n < purgeBatch {
			return total, nil
		}
	}
}

func (s *RedisStore) CountPending(ctx context.Context) (int, error) {
	n, err := s.client.LLen(ctx, s.pendingKey()).Result()
	if err != nil {
		return 0, fmt.Errorf("count pending jobs: %w", err)
	}
	return int(n), nil
}

func pairsToMap(pairs []string) map[string]string {
	out := make(map[string]string, len(pairs)/2)
	for i := 0; i+1 < len(pairs); i += 2 {
		out[pairs[i]] = pairs[i+1]
	}
	return out
}

func jobFromHash(h map[string]string) (*Job, error) {
	if h["id"] == "" {
		return nil, errors.New("job hash has no id")
	}
	j := &Job{
		ID:     h["id"],
		Owner:  h["owner"],
		Status: Status(h["status"]),
		Error:  h["error"],
	}
	if v := h["payload"]; v != "" {
		j.Payload = []byte(v)
	}
	if v := h["result"]; v != "" {
		j.Result = []byte(v)
	}

	var err error
	if j.CreatedAt, err = parseTime(h["created_at"]); err != nil {
		return nil, fmt.Errorf("parse created_at: %w", err)
	}
	if j.UpdatedAt, err = parseTime(h["updated_at"]); err != nil {
		return nil, fmt.Errorf("parse updated_at: %w", err)
	}
	for field, dst := range map[string]**time.Time{"started_at": &j.StartedAt, "completed_at": &j.CompletedAt} {
		v := strings.TrimSpace(h[field])
		if v == "" {
			continue
		}
		t, err := parseTime(v)
		if err != nil {
			return nil, fmt.Errorf("parse %s: %w", field, err)
		}
		*dst = &t
	}
	return j, nil
}
