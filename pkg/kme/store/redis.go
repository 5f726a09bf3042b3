package store

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Redis key namespace, mirroring the teacher's "kms:" prefix convention
// adapted to the KME registry's two maps plus an index set for listing
// (Redis has no native prefix-iteration, same constraint the teacher's
// persistence/redis layer works around).
const (
	redisPrefixPending    = "kme:pending:"
	redisPrefixRegistered = "kme:registered:"
	redisSetPending       = "kme:pending:index"
	redisSetRegistered    = "kme:registered:index"
)

// RedisConfig configures the connection, the same shape as the teacher's
// persistence/redis.RedisConfig.
type RedisConfig struct {
	Address   string
	Password  string
	DB        int
	KeyPrefix string
}

// Redis is a shared, cross-process Store backend for KME deployments that
// run several stateless front-ends against one registry.
type Redis struct {
	client *redis.Client
	logger *zap.Logger
	prefix string
	mu     sync.RWMutex
	closed bool
}

// NewRedis connects to a Redis server as the KME registry's shared backend.
func NewRedis(cfg *RedisConfig, logger *zap.Logger) (*Redis, error) {
	if cfg == nil || cfg.Address == "" {
		return nil, fmt.Errorf("kme/store: redis address required")
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("kme/store: redis ping failed: %w", err)
	}
	logger.Info("kme registry redis store connected", zap.String("addr", cfg.Address))
	return &Redis{client: client, logger: logger, prefix: cfg.KeyPrefix}, nil
}

func (r *Redis) key(s string) string { return r.prefix + s }

// Signing-key payloads are stored as base64 values, which keeps this layer
// agnostic of whether the payload is PEM text or raw bytes.

func (r *Redis) SavePending(uidHex string, signingKey []byte) error {
	ctx := context.Background()
	pipe := r.client.TxPipeline()
	pipe.Set(ctx, r.key(redisPrefixPending+uidHex), base64.StdEncoding.EncodeToString(signingKey), 0)
	pipe.SAdd(ctx, r.key(redisSetPending), uidHex)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("kme/store: redis save pending: %w", err)
	}
	return nil
}

func (r *Redis) LoadPending(uidHex string) ([]byte, bool, error) {
	val, err := r.client.Get(context.Background(), r.key(redisPrefixPending+uidHex)).Result()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("kme/store: redis load pending: %w", err)
	}
	raw, err := base64.StdEncoding.DecodeString(val)
	if err != nil {
		return nil, false, fmt.Errorf("kme/store: decode pending value: %w", err)
	}
	return raw, true, nil
}

func (r *Redis) DeletePending(uidHex string) error {
	ctx := context.Background()
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(redisPrefixPending+uidHex))
	pipe.SRem(ctx, r.key(redisSetPending), uidHex)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("kme/store: redis delete pending: %w", err)
	}
	return nil
}

func (r *Redis) SaveRegistered(wpePubEncPEM string, info WPEInfo) error {
	ctx := context.Background()
	field := base64.StdEncoding.EncodeToString([]byte(wpePubEncPEM))
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, r.key(redisPrefixRegistered+field), map[string]interface{}{
		"signing_key": base64.StdEncoding.EncodeToString(info.SigningKey),
		"count":       info.WorkOrderCount,
	})
	pipe.SAdd(ctx, r.key(redisSetRegistered), field)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("kme/store: redis save registered: %w", err)
	}
	return nil
}

func (r *Redis) LoadRegistered(wpePubEncPEM string) (WPEInfo, bool, error) {
	ctx := context.Background()
	field := base64.StdEncoding.EncodeToString([]byte(wpePubEncPEM))
	vals, err := r.client.HGetAll(ctx, r.key(redisPrefixRegistered+field)).Result()
	if err != nil {
		return WPEInfo{}, false, fmt.Errorf("kme/store: redis load registered: %w", err)
	}
	if len(vals) == 0 {
		return WPEInfo{}, false, nil
	}
	return decodeRedisWPEInfo(vals)
}

func (r *Redis) DeleteRegistered(wpePubEncPEM string) error {
	ctx := context.Background()
	field := base64.StdEncoding.EncodeToString([]byte(wpePubEncPEM))
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, r.key(redisPrefixRegistered+field))
	pipe.SRem(ctx, r.key(redisSetRegistered), field)
	_, err := pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("kme/store: redis delete registered: %w", err)
	}
	return nil
}

func (r *Redis) ListRegistered() (map[string]WPEInfo, error) {
	ctx := context.Background()
	fields, err := r.client.SMembers(ctx, r.key(redisSetRegistered)).Result()
	if err != nil {
		return nil, fmt.Errorf("kme/store: redis list registered: %w", err)
	}
	out := make(map[string]WPEInfo, len(fields))
	for _, field := range fields {
		vals, err := r.client.HGetAll(ctx, r.key(redisPrefixRegistered+field)).Result()
		if err != nil {
			return nil, fmt.Errorf("kme/store: redis list registered hgetall: %w", err)
		}
		if len(vals) == 0 {
			continue
		}
		info, err := decodeRedisWPEInfo(vals)
		if err != nil {
			return nil, err
		}
		pemBytes, err := base64.StdEncoding.DecodeString(field)
		if err != nil {
			return nil, fmt.Errorf("kme/store: decode registered field: %w", err)
		}
		out[string(pemBytes)] = info
	}
	return out, nil
}

func (r *Redis) ListPending() (map[string][]byte, error) {
	ctx := context.Background()
	uids, err := r.client.SMembers(ctx, r.key(redisSetPending)).Result()
	if err != nil {
		return nil, fmt.Errorf("kme/store: redis list pending: %w", err)
	}
	out := make(map[string][]byte, len(uids))
	for _, uid := range uids {
		raw, ok, err := r.LoadPending(uid)
		if err != nil {
			return nil, err
		}
		if ok {
			out[uid] = raw
		}
	}
	return out, nil
}

func (r *Redis) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	return r.client.Close()
}

func (r *Redis) HealthCheck() error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return fmt.Errorf("kme/store: redis store closed")
	}
	return r.client.Ping(context.Background()).Err()
}

func decodeRedisWPEInfo(vals map[string]string) (WPEInfo, error) {
	signingKeyB64, ok := vals["signing_key"]
	if !ok {
		return WPEInfo{}, fmt.Errorf("kme/store: registered record missing signing_key")
	}
	signingKey, err := base64.StdEncoding.DecodeString(signingKeyB64)
	if err != nil {
		return WPEInfo{}, fmt.Errorf("kme/store: decode signing_key: %w", err)
	}
	var count uint64
	if _, err := fmt.Sscanf(vals["count"], "%d", &count); err != nil {
		return WPEInfo{}, fmt.Errorf("kme/store: parse count: %w", err)
	}
	return WPEInfo{SigningKey: signingKey, WorkOrderCount: count}, nil
}
