package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"msgrelay/models"
)

// Every key carries the {relay} hash tag so scripts and MULTI blocks stay in
// one cluster slot.
const (
	sessionsIndexKey = "{relay}:sessions"
	messageSeqKey    = "{relay}:messages:seq"
)

// maxStaleRetries bounds the optimistic retries of Append and DeleteByID when
// a concurrent writer moves the message between the read and the script.
const maxStaleRetries = 5

var errStale = errors.New("redis: message changed concurrently")

// touchScript refreshes the session bound to ARGV[1] or creates a missing one.
// KEYS: session hash, sessions index. ARGV: conn ref, last seen (ms), address.
// Returns 1 when created, 0 when refreshed, -1 when bound elsewhere.
var touchScript = redis.NewScript(`
local ref = redis.call('HGET', KEYS[1], 'conn_ref')
if ref and ref ~= ARGV[1] then
	return -1
end
redis.call('HSET', KEYS[1], 'conn_ref', ARGV[1], 'last_seen', ARGV[2])
redis.call('ZADD', KEYS[2], ARGV[2], ARGV[3])
if ref then
	return 0
end
return 1
`)

// removeConnScript deletes the session while it is bound to ARGV[1].
// KEYS: session hash, sessions index. ARGV: conn ref, address.
var removeConnScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'conn_ref') ~= ARGV[1] then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

// removeIdleScript deletes the session while last_seen < ARGV[1].
// KEYS: session hash, sessions index. ARGV: cutoff (ms), address.
var removeIdleScript = redis.NewScript(`
local seen = redis.call('HGET', KEYS[1], 'last_seen')
if not seen or tonumber(seen) >= tonumber(ARGV[1]) then
	return 0
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return 1
`)

// appendScript replaces the message hash and moves its id to the back of the
// receiver's inbox.
// KEYS: message hash, sequence, new inbox, previous inbox.
// ARGV: expected previous receiver ('' when absent), id, then hash field/value pairs.
var appendScript = redis.NewScript(`
local prev = redis.call('HGET', KEYS[1], 'receiver')
if (prev or '') ~= ARGV[1] then
	return redis.error_reply('STALE')
end
if prev then
	redis.call('ZREM', KEYS[4], ARGV[2])
	redis.call('DEL', KEYS[1])
end
local seq = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], unpack(ARGV, 3))
redis.call('ZADD', KEYS[3], seq, ARGV[2])
return seq
`)

// deleteScript removes the message hash and its inbox entry, returning the
// hash contents (empty when absent).
// KEYS: message hash, inbox. ARGV: expected receiver, id.
var deleteScript = redis.NewScript(`
local fields = redis.call('HGETALL', KEYS[1])
if #fields == 0 then
	return fields
end
if redis.call('HGET', KEYS[1], 'receiver') ~= ARGV[1] then
	return redis.error_reply('STALE')
end
redis.call('DEL', KEYS[1])
redis.call('ZREM', KEYS[2], ARGV[2])
return fields
`)

// RedisStore keeps sessions as hashes indexed by a last-seen sorted set, and
// messages as hashes queued in per-receiver sorted sets scored by a global
// insertion sequence.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

func sessionKey(address string) string {
	return "{relay}:session:" + address
}

func messageKey(id string) string {
	return "{relay}:message:" + id
}

func inboxKey(address string) string {
	return "{relay}:inbox:" + address
}

func isStale(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "STALE")
}

func (s *RedisStore) Upsert(ctx context.Context, address, connRef string, now time.Time) error {
	ms := now.UnixMilli()
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, sessionKey(address), "conn_ref", connRef, "last_seen", ms)
		pipe.ZAdd(ctx, sessionsIndexKey, redis.Z{Score: float64(ms), Member: address})
		return nil
	})
	return err
}

func (s *RedisStore) Touch(ctx context.Context, address, connRef string, now time.Time) (bool, error) {
	res, err := touchScript.Run(ctx, s.client,
		[]string{sessionKey(address), sessionsIndexKey},
		connRef, now.UnixMilli(), address,
	).Int()
	if err != nil {
		return false, err
	}
	if res < 0 {
		return false, ErrSuperseded
	}
	return res == 1, nil
}

func (s *RedisStore) Lookup(ctx context.Context, address string) (models.Session, error) {
	fields, err := s.client.HGetAll(ctx, sessionKey(address)).Result()
	if err != nil {
		return models.Session{}, err
	}
	if len(fields) == 0 {
		return models.Session{}, ErrNotFound
	}
	return sessionFromHash(address, fields)
}

func (s *RedisStore) Remove(ctx context.Context, address string) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, sessionKey(address))
		pipe.ZRem(ctx, sessionsIndexKey, address)
		return nil
	})
	return err
}

func (s *RedisStore) RemoveConn(ctx context.Context, address, connRef string) (bool, error) {
	n, err := removeConnScript.Run(ctx, s.client,
		[]string{sessionKey(address), sessionsIndexKey},
		connRef, address,
	).Int()
	return n == 1, err
}

func (s *RedisStore) RemoveIdle(ctx context.Context, address string, cutoff time.Time) (bool, error) {
	n, err := removeIdleScript.Run(ctx, s.client,
		[]string{sessionKey(address), sessionsIndexKey},
		cutoff.UnixMilli(), address,
	).Int()
	return n == 1, err
}

func (s *RedisStore) ListIdleOlderThan(ctx context.Context, threshold time.Duration, now time.Time) ([]models.Session, error) {
	cutoff := IdleCutoff(threshold, now).UnixMilli()
	addresses, err := s.client.ZRangeByScore(ctx, sessionsIndexKey, &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("(%d", cutoff), // exclusive
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(addresses) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(addresses))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, address := range addresses {
			cmds[i] = pipe.HGetAll(ctx, sessionKey(address))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sessions := make([]models.Session, 0, len(addresses))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// removed after the index was read
			continue
		}
		sess, err := sessionFromHash(addresses[i], fields)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sess)
	}
	return sessions, nil
}

func sessionFromHash(address string, fields map[string]string) (models.Session, error) {
	ms, err := strconv.ParseInt(fields["last_seen"], 10, 64)
	if err != nil {
		return models.Session{}, fmt.Errorf("session %s: bad last_seen: %w", address, err)
	}
	return models.Session{
		Address:  address,
		ConnRef:  fields["conn_ref"],
		LastSeen: time.UnixMilli(ms),
	}, nil
}

// storedReceiver returns the receiver of the stored message id, or "" when
// there is none.
func (s *RedisStore) storedReceiver(ctx context.Context, id string) (string, error) {
	receiver, err := s.client.HGet(ctx, messageKey(id), "receiver").Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return receiver, err
}

func (s *RedisStore) Append(ctx context.Context, msg models.Message) error {
	fields := []interface{}{
		"id", msg.ID,
		"chat_id", msg.ChatID,
		"sender", msg.Sender,
		"receiver", msg.Receiver,
		"timestamp", msg.Timestamp,
	}
	// A null content is stored as an absent field.
	if msg.Content != nil {
		fields = append(fields, "content", *msg.Content)
	}

	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		prev, err := s.storedReceiver(ctx, msg.ID)
		if err != nil {
			return err
		}
		keys := []string{messageKey(msg.ID), messageSeqKey, inboxKey(msg.Receiver), inboxKey(prev)}
		args := append([]interface{}{prev, msg.ID}, fields...)

		err = appendScript.Run(ctx, s.client, keys, args...).Err()
		if !isStale(err) {
			return err
		}
	}
	return errStale
}

func (s *RedisStore) FindByReceiver(ctx context.Context, address string) ([]models.Message, error) {
	ids, err := s.client.ZRange(ctx, inboxKey(address), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	cmds := make([]*redis.MapStringStringCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HGetAll(ctx, messageKey(id))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	messages := make([]models.Message, 0, len(ids))
	for _, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// acknowledged after the inbox was read
			continue
		}
		messages = append(messages, messageFromHash(fields))
	}
	return messages, nil
}

func (s *RedisStore) DeleteByID(ctx context.Context, id string) (models.Message, error) {
	for attempt := 0; attempt < maxStaleRetries; attempt++ {
		receiver, err := s.storedReceiver(ctx, id)
		if err != nil {
			return models.Message{}, err
		}
		if receiver == "" {
			return models.Message{}, ErrNotFound
		}

		res, err := deleteScript.Run(ctx, s.client,
			[]string{messageKey(id), inboxKey(receiver)}, receiver, id,
		).Slice()
		if isStale(err) {
			continue
		}
		if err != nil && !errors.Is(err, redis.Nil) {
			return models.Message{}, err
		}
		if len(res) == 0 {
			return models.Message{}, ErrNotFound
		}

		fields := make(map[string]string, len(res)/2)
		for i := 0; i+1 < len(res); i += 2 {
			k, _ := res[i].(string)
			v, _ := res[i+1].(string)
			fields[k] = v
		}
		return messageFromHash(fields), nil
	}
	return models.Message{}, errStale
}

func messageFromHash(fields map[string]string) models.Message {
	m := models.Message{
		ID:        fields["id"],
		ChatID:    fields["chat_id"],
		Sender:    fields["sender"],
		Receiver:  fields["receiver"],
		Timestamp: fields["timestamp"],
	}
	if content, ok := fields["content"]; ok {
		m.Content = &content
	}
	return m
}
