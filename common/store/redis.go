package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const DefaultRedisKeyPrefix = "kernel-manager"

// RedisStore keeps kernel records in Redis: one string per record plus a set of every kernel ID.
type RedisStore struct {
	redisClient *redis.Client
	prefix      string

	logger *zap.Logger
}

// NewRedisStore connects to Redis lazily. An empty prefix means DefaultRedisKeyPrefix.
func NewRedisStore(addr string, password string, db int, prefix string) (*RedisStore, error) {
	logger, err := zap.NewDevelopment()
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "[ERROR] Failed to create Zap Development logger because: %v\n", err)
		return nil, err
	}

	if prefix == "" {
		prefix = DefaultRedisKeyPrefix
	}

	return &RedisStore{
		redisClient: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
		prefix: prefix,
		logger: logger,
	}, nil
}

// RecordKey returns the Redis key holding the record of a kernel.
func (s *RedisStore) RecordKey(kernelId string) string {
	return fmt.Sprintf("%s:kernel:%s", s.prefix, kernelId)
}

// IndexKey returns the Redis key of the set of every kernel ID.
func (s *RedisStore) IndexKey() string {
	return s.prefix + ":kernels"
}

func (s *RedisStore) Save(ctx context.Context, r *KernelRecord) error {
	if err := r.validate(); err != nil {
		return err
	}

	content, err := json.Marshal(r)
	if err != nil {
		return err
	}

	_, err = s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, s.RecordKey(r.KernelId), content, 0)
		pipe.SAdd(ctx, s.IndexKey(), r.KernelId)
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to save kernel record to Redis.",
			zap.String("kernel_id", r.KernelId),
			zap.String("redis_key", s.RecordKey(r.KernelId)),
			zap.Error(err))
		return err
	}

	s.logger.Debug("Saved kernel record to Redis.",
		zap.String("kernel_id", r.KernelId),
		zap.Int("num_bytes", len(content)))
	return nil
}

func (s *RedisStore) Load(ctx context.Context, kernelId string) (*KernelRecord, error) {
	content, err := s.redisClient.Get(ctx, s.RecordKey(kernelId)).Bytes()
	if err == redis.Nil {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		s.logger.Error("Failed to read kernel record from Redis.",
			zap.String("kernel_id", kernelId),
			zap.Error(err))
		return nil, err
	}

	return decodeRecord(kernelId, content)
}

func decodeRecord(kernelId string, content []byte) (*KernelRecord, error) {
	var r KernelRecord
	if err := json.Unmarshal(content, &r); err != nil {
		return nil, fmt.Errorf("%w: kernel %s: %v", ErrInvalidRecord, kernelId, err)
	}
	return &r, nil
}

func (s *RedisStore) Delete(ctx context.Context, kernelId string) error {
	_, err := s.redisClient.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.RecordKey(kernelId))
		pipe.SRem(ctx, s.IndexKey(), kernelId)
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to delete kernel record from Redis.",
			zap.String("kernel_id", kernelId),
			zap.Error(err))
	}
	return err
}

func (s *RedisStore) List(ctx context.Context) ([]*KernelRecord, error) {
	kernelIds, err := s.redisClient.SMembers(ctx, s.IndexKey()).Result()
	if err != nil {
		return nil, err
	}
	if len(kernelIds) == 0 {
		return []*KernelRecord{}, nil
	}
	sort.Strings(kernelIds)

	keys := make([]string, 0, len(kernelIds))
	for _, kernelId := range kernelIds {
		keys = append(keys, s.RecordKey(kernelId))
	}

	values, err := s.redisClient.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	records := make([]*KernelRecord, 0, len(values))
	for i, value := range values {
		content, ok := value.(string)
		if !ok {
			// Listed in the index but the record is gone.
			continue
		}

		r, err := decodeRecord(kernelIds[i], []byte(content))
		if err != nil {
			s.logger.Warn("Skipping invalid kernel record.", zap.String("kernel_id", kernelIds[i]), zap.Error(err))
			continue
		}
		records = append(records, r)
	}

	return records, nil
}

func (s *RedisStore) Close() error {
	_ = s.logger.Sync()
	return s.redisClient.Close()
}
