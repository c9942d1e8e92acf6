package persistence

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/mkallio/flowstate/pkg/api"
)

// RedisStore implements RecordStore, LockStore, and HistoryStore on Redis.
// Key layout:
//
//	<prefix>rec:<machine>:<entity>   => HASH {state, context (gob), version, updated_at}
//	<prefix>idx:<machine>:<state>    => SET of entity IDs in the state
//	<prefix>hist:<machine>:<entity>  => LIST of gob-encoded records, newest first
//	<prefix>lock:<key>               => lease token, with PX expiry
//
// The state index is best-effort: it is always updated together with the
// record, and ListByState re-checks each record's actual state, so a stale
// index entry can never surface a wrong record.
type RedisStore struct {
	client *redis.Client
	prefix string
}

var (
	_ RecordStore  = (*RedisStore)(nil)
	_ LockStore    = (*RedisStore)(nil)
	_ HistoryStore = (*RedisStore)(nil)
)

// NewRedisStore creates a RedisStore. prefix is optional but recommended
// (e.g. "flowstate:").
func NewRedisStore(client *redis.Client, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "flowstate:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) keyRecord(machineID, entityID string) string {
	return s.prefix + "rec:" + machineID + ":" + entityID
}

func (s *RedisStore) keyStateIndex(machineID, state string) string {
	return s.prefix + "idx:" + machineID + ":" + state
}

func (s *RedisStore) keyHistory(machineID, entityID string) string {
	return s.prefix + "hist:" + machineID + ":" + entityID
}

func (s *RedisStore) keyLock(key string) string {
	return s.prefix + "lock:" + key
}

const (
	// Creates the record hash only if absent. Returns 1 on create.
	redisRecordCreateLua = `
if redis.call('EXISTS', KEYS[1]) == 1 then
	return 0
end
redis.call('HSET', KEYS[1], 'state', ARGV[1], 'context', ARGV[2], 'version', 1, 'updated_at', ARGV[3])
redis.call('SADD', KEYS[2], ARGV[4])
return 1
`

	// Compare-and-swap on the version field. Moves the state index entry
	// when the state changes. Returns the new version, or 0 on conflict.
	redisRecordUpdateLua = `
local ver = redis.call('HGET', KEYS[1], 'version')
if not ver or ver ~= ARGV[1] then
	return 0
end
local old = redis.call('HGET', KEYS[1], 'state')
redis.call('HSET', KEYS[1], 'state', ARGV[2], 'context', ARGV[3], 'version', ver + 1, 'updated_at', ARGV[4])
if old ~= ARGV[2] then
	redis.call('SREM', KEYS[2], ARGV[5])
	redis.call('SADD', KEYS[3], ARGV[5])
end
return ver + 1
`

	// Renews the lease only when the token still matches. Returns 1 on success.
	redisLockRenewLua = `
local cur = redis.call('GET', KEYS[1])
if not cur then
	return 0
end
if cur == ARGV[1] then
	redis.call('PEXPIRE', KEYS[1], ARGV[2])
	return 1
end
return 0
`

	// Deletes the lease only when the token still matches. Returns 1 if deleted.
	redisLockReleaseLua = `
local cur = redis.call('GET', KEYS[1])
if not cur then
	return 0
end
if cur == ARGV[1] then
	redis.call('DEL', KEYS[1])
	return 1
end
return 0
`
)

func (s *RedisStore) CreateRecord(ctx context.Context, rec *Record) error {
	blob, err := encodeContext(rec.Context)
	if err != nil {
		return err
	}

	now := time.Now()
	res, err := s.client.Eval(ctx, redisRecordCreateLua,
		[]string{s.keyRecord(rec.MachineID, rec.EntityID), s.keyStateIndex(rec.MachineID, rec.State)},
		rec.State, blob, now.UnixNano(), rec.EntityID,
	).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrRecordExists
	}

	rec.Version = 1
	rec.UpdatedAt = now
	return nil
}

func (s *RedisStore) GetRecord(ctx context.Context, machineID, entityID string) (*Record, error) {
	vals, err := s.client.HGetAll(ctx, s.keyRecord(machineID, entityID)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, ErrRecordNotFound
	}
	return s.recordFromHash(machineID, entityID, vals)
}

func (s *RedisStore) recordFromHash(machineID, entityID string, vals map[string]string) (*Record, error) {
	rec := &Record{
		MachineID: machineID,
		EntityID:  entityID,
		State:     vals["state"],
	}

	c, err := decodeContext([]byte(vals["context"]))
	if err != nil {
		return nil, err
	}
	rec.Context = c

	if v := vals["version"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		rec.Version = n
	}
	if v := vals["updated_at"]; v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, err
		}
		rec.UpdatedAt = time.Unix(0, n)
	}
	return rec, nil
}

func (s *RedisStore) UpdateRecord(ctx context.Context, rec *Record) error {
	blob, err := encodeContext(rec.Context)
	if err != nil {
		return err
	}

	// The update script needs the old index key; read the current state
	// first. The caller holds the entity lock, so the record cannot move
	// underneath us, and if it somehow did, the version CAS catches it.
	cur, err := s.client.HGet(ctx, s.keyRecord(rec.MachineID, rec.EntityID), "state").Result()
	if errors.Is(err, redis.Nil) {
		return ErrRecordNotFound
	}
	if err != nil {
		return err
	}

	now := time.Now()
	res, err := s.client.Eval(ctx, redisRecordUpdateLua,
		[]string{
			s.keyRecord(rec.MachineID, rec.EntityID),
			s.keyStateIndex(rec.MachineID, cur),
			s.keyStateIndex(rec.MachineID, rec.State),
		},
		strconv.FormatInt(rec.Version, 10), rec.State, blob, now.UnixNano(), rec.EntityID,
	).Int64()
	if err != nil {
		return err
	}
	if res == 0 {
		return ErrVersionConflict
	}

	rec.Version = res
	rec.UpdatedAt = now
	return nil
}

func (s *RedisStore) ListByState(ctx context.Context, machineID, state string, limit int) ([]*Record, error) {
	ids, err := s.client.SMembers(ctx, s.keyStateIndex(machineID, state)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, err
	}

	var out []*Record
	for _, id := range ids {
		vals, err := s.client.HGetAll(ctx, s.keyRecord(machineID, id)).Result()
		if err != nil {
			return nil, err
		}
		if len(vals) == 0 || vals["state"] != state {
			// Stale index entry; skip.
			continue
		}
		rec, err := s.recordFromHash(machineID, id, vals)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (s *RedisStore) CreateIfAbsent(ctx context.Context, key, token string, ttl time.Duration) (bool, error) {
	if ttl <= 0 {
		return false, errors.New("ttl must be > 0")
	}
	return s.client.SetNX(ctx, s.keyLock(key), token, ttl).Result()
}

func (s *RedisStore) DeleteKey(ctx context.Context, key, token string) error {
	// Idempotent: a missing or expired lease deletes to nothing.
	return s.client.Eval(ctx, redisLockReleaseLua, []string{s.keyLock(key)}, token).Err()
}

func (s *RedisStore) RenewKey(ctx context.Context, key, token string, ttl time.Duration) error {
	if ttl <= 0 {
		return errors.New("ttl must be > 0")
	}
	res, err := s.client.Eval(ctx, redisLockRenewLua, []string{s.keyLock(key)}, token, ttl.Milliseconds()).Int64()
	if err != nil {
		return err
	}
	if res != 1 {
		return ErrNotLockOwner
	}
	return nil
}

func (s *RedisStore) AppendTransition(ctx context.Context, rec api.TransitionRecord) error {
	blob, err := encodeTransitionRecord(rec)
	if err != nil {
		return err
	}
	return s.client.LPush(ctx, s.keyHistory(rec.MachineID, rec.EntityID), blob).Err()
}

func (s *RedisStore) ListTransitions(ctx context.Context, machineID, entityID string, q api.HistoryQuery) ([]api.TransitionRecord, error) {
	// LPUSH keeps the list newest first; read pages until the query is
	// satisfied so time-range filters don't starve the limit.
	const page = 128

	var out []api.TransitionRecord
	for start := int64(0); ; start += page {
		raw, err := s.client.LRange(ctx, s.keyHistory(machineID, entityID), start, start+page-1).Result()
		if err != nil {
			if errors.Is(err, redis.Nil) {
				break
			}
			return nil, err
		}
		if len(raw) == 0 {
			break
		}

		for _, item := range raw {
			rec, err := decodeTransitionRecord([]byte(item))
			if err != nil {
				return nil, err
			}
			if !matchesQuery(rec, q) {
				continue
			}
			out = append(out, rec)
			if q.Limit > 0 && len(out) >= q.Limit {
				return out, nil
			}
		}

		if len(raw) < page {
			break
		}
	}
	return out, nil
}
