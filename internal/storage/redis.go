package storage

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	defaultRedisPrefix  = "xobattle:"
	defaultRedisTimeout = 2 * time.Second
	defaultRedisTTL     = time.Hour
)

// RedisConfig configures the Redis mirror. An empty Addr disables it.
type RedisConfig struct {
	Addr     string
	Username string
	Password string
	DB       int
	Prefix   string
	Timeout  time.Duration
	TTL      time.Duration
}

// RedisMirror publishes queue membership and match snapshots to Redis so
// other instances and operators can inspect them. It is write-only from the
// engine's point of view.
type RedisMirror struct {
	client  *redis.Client
	prefix  string
	timeout time.Duration
	ttl     time.Duration
}

type redisQueueEntry struct {
	ParticipantID string    `json:"participant_id"`
	Pool          string    `json:"pool"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
}

// NewRedisMirror connects and pings the server.
func NewRedisMirror(ctx context.Context, cfg RedisConfig) (*RedisMirror, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Username: cfg.Username,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	m := newRedisMirror(client, cfg)
	pingCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, err
	}
	return m, nil
}

func newRedisMirror(client *redis.Client, cfg RedisConfig) *RedisMirror {
	m := &RedisMirror{client: client, prefix: cfg.Prefix, timeout: cfg.Timeout, ttl: cfg.TTL}
	if m.prefix == "" {
		m.prefix = defaultRedisPrefix
	}
	if m.timeout <= 0 {
		m.timeout = defaultRedisTimeout
	}
	if m.ttl <= 0 {
		m.ttl = defaultRedisTTL
	}
	return m
}

func (m *RedisMirror) queueKey(pool string) string { return m.prefix + "queue:" + pool }
func (m *RedisMirror) matchKey(id string) string   { return m.prefix + "match:" + id }

func (m *RedisMirror) QueueAdd(ctx context.Context, pool, participantID string, enqueuedAt time.Time) error {
	if participantID == "" {
		return nil
	}
	payload, err := json.Marshal(redisQueueEntry{ParticipantID: participantID, Pool: pool, EnqueuedAt: enqueuedAt})
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.client.HSet(ctx, m.queueKey(pool), participantID, payload).Err()
}

func (m *RedisMirror) QueueRemove(ctx context.Context, pool, participantID string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.client.HDel(ctx, m.queueKey(pool), participantID).Err()
}

// QueueMembers lists the participant ids mirrored for pool.
func (m *RedisMirror) QueueMembers(ctx context.Context, pool string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.client.HKeys(ctx, m.queueKey(pool)).Result()
}

func (m *RedisMirror) SaveMatch(ctx context.Context, id string, state []byte) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.client.Set(ctx, m.matchKey(id), state, m.ttl).Err()
}

func (m *RedisMirror) DeleteMatch(ctx context.Context, id string) error {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	return m.client.Del(ctx, m.matchKey(id)).Err()
}

// MatchState returns the mirrored snapshot of id, or ErrNotFound.
func (m *RedisMirror) MatchState(ctx context.Context, id string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	data, err := m.client.Get(ctx, m.matchKey(id)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	return data, err
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
