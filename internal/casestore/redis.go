package casestore

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/petrijr/caseflow/pkg/api"
)

// RedisStore keeps each case in four hashes:
//
//	<prefix>case:<id>         => {subject_id, created_at, updated_at}
//	<prefix>case:<id>:fields  => field -> JSON value
//	<prefix>case:<id>:stages  => field -> owning stage
//	<prefix>case:<id>:times   => field -> last write (unix nanos)
//
// Writes run as Lua scripts so the provenance check and the write are
// atomic. With a positive TTL every write refreshes the expiry of all four
// keys; otherwise the keys never expire.
type RedisStore struct {
	client *redis.Client
	prefix string
	ttl    time.Duration
	now    func() time.Time
}

var _ api.CaseStore = (*RedisStore)(nil)

// NewRedisStore returns a Redis-backed case store. prefix defaults to
// "caseflow:". A ttl <= 0 keeps cases forever.
func NewRedisStore(client *redis.Client, prefix string, ttl time.Duration) *RedisStore {
	if prefix == "" {
		prefix = "caseflow:"
	}
	return &RedisStore{client: client, prefix: prefix, ttl: ttl, now: time.Now}
}

func (s *RedisStore) keys(caseID string) []string {
	base := s.prefix + "case:" + caseID
	return []string{base, base + ":fields", base + ":stages", base + ":times"}
}

var (
	// KEYS: meta, fields, stages, times.
	// ARGV: subject, now, ttl seconds (0 = none), stage, then name/value pairs.
	redisCreateCaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'subject_id', ARGV[1], 'created_at', ARGV[2], 'updated_at', ARGV[2])
for i = 5, #ARGV, 2 do
	redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
	redis.call('HSET', KEYS[3], ARGV[i], ARGV[4])
	redis.call('HSET', KEYS[4], ARGV[i], ARGV[2])
end
if tonumber(ARGV[3]) > 0 then
	for i = 1, 4 do
		redis.call('EXPIRE', KEYS[i], ARGV[3])
	end
end
return 1
`)

	// KEYS: meta, fields, stages, times.
	// ARGV: stage, now, ttl seconds (0 = none), then name/value pairs.
	// Returns {1} on success, {-1} for a missing case and {0, field, owner}
	// on a provenance conflict.
	redisUpdateCaseScript = redis.NewScript(`
if redis.call('EXISTS', KEYS[1]) == 0 then
	return {-1}
end
for i = 4, #ARGV, 2 do
	local owner = redis.call('HGET', KEYS[3], ARGV[i])
	if owner and owner ~= ARGV[1] then
		return {0, ARGV[i], owner}
	end
end
for i = 4, #ARGV, 2 do
	redis.call('HSET', KEYS[2], ARGV[i], ARGV[i + 1])
	redis.call('HSET', KEYS[3], ARGV[i], ARGV[1])
	redis.call('HSET', KEYS[4], ARGV[i], ARGV[2])
end
redis.call('HSET', KEYS[1], 'updated_at', ARGV[2])
if tonumber(ARGV[3]) > 0 then
	for i = 1, 4 do
		redis.call('EXPIRE', KEYS[i], ARGV[3])
	end
end
return {1}
`)
)

func (s *RedisStore) ttlSeconds() int64 {
	if s.ttl <= 0 {
		return 0
	}
	secs := int64(s.ttl / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}

func (s *RedisStore) CreateCase(ctx context.Context, caseID string, subjectID int, stage string, initial map[string]any) error {
	if err := validateCaseID(caseID); err != nil {
		return err
	}
	fields, err := encodeFields(initial)
	if err != nil {
		return err
	}
	args := []any{subjectID, s.now().UnixNano(), s.ttlSeconds(), stage}
	for _, name := range sortedNames(fields) {
		args = append(args, name, string(fields[name]))
	}
	created, err := redisCreateCaseScript.Run(ctx, s.client, s.keys(caseID), args...).Int()
	if err != nil {
		return fmt.Errorf("create case %s: %w", caseID, err)
	}
	if created == 0 {
		return api.ErrCaseExists
	}
	return nil
}

func (s *RedisStore) UpdateCase(ctx context.Context, caseID string, stage string, partial map[string]any) error {
	fields, err := encodeFields(partial)
	if err != nil {
		return err
	}
	args := []any{stage, s.now().UnixNano(), s.ttlSeconds()}
	for _, name := range sortedNames(fields) {
		args = append(args, name, string(fields[name]))
	}
	res, err := redisUpdateCaseScript.Run(ctx, s.client, s.keys(caseID), args...).Slice()
	if err != nil {
		return fmt.Errorf("update case %s: %w", caseID, err)
	}
	if len(res) == 0 {
		return fmt.Errorf("update case %s: empty script reply", caseID)
	}
	switch code, _ := res[0].(int64); code {
	case 1:
		return nil
	case -1:
		return api.ErrCaseNotFound
	default:
		conflict := &api.CaseConflictError{CaseID: caseID, Writer: stage}
		if len(res) == 3 {
			conflict.Field, _ = res[1].(string)
			conflict.Owner, _ = res[2].(string)
		}
		return conflict
	}
}

func (s *RedisStore) GetCase(ctx context.Context, caseID string) (*api.Case, error) {
	keys := s.keys(caseID)
	pipe := s.client.Pipeline()
	meta := pipe.HGetAll(ctx, keys[0])
	values := pipe.HGetAll(ctx, keys[1])
	stages := pipe.HGetAll(ctx, keys[2])
	times := pipe.HGetAll(ctx, keys[3])
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("get case %s: %w", caseID, err)
	}
	if len(meta.Val()) == 0 {
		return nil, api.ErrCaseNotFound
	}

	subject, err := strconv.Atoi(meta.Val()["subject_id"])
	if err != nil {
		return nil, fmt.Errorf("case %s: bad subject_id: %w", caseID, err)
	}
	c := &api.Case{
		ID:        caseID,
		SubjectID: subject,
		CreatedAt: unixNanos(meta.Val()["created_at"]),
		UpdatedAt: unixNanos(meta.Val()["updated_at"]),
		Fields:    make(map[string]api.CaseField, len(values.Val())),
	}
	for name, v := range values.Val() {
		c.Fields[name] = api.CaseField{
			Value:     []byte(v),
			Stage:     stages.Val()[name],
			UpdatedAt: unixNanos(times.Val()[name]),
		}
	}
	return c, nil
}

func (s *RedisStore) GetCaseSummary(ctx context.Context, caseID string) (*api.CaseSummary, error) {
	c, err := s.GetCase(ctx, caseID)
	if err != nil {
		return nil, err
	}
	return c.Summary(), nil
}

func unixNanos(s string) time.Time {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}
