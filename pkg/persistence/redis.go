package persistence

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/betbot/survivor/pkg/logger"
)

// RedisService 基于 Redis 的持久化服务（多实例共享状态时使用）
type RedisService struct {
	client  *redis.Client
	timeout time.Duration
}

// NewRedisService 创建 Redis 持久化服务并 PING 一次
func NewRedisService(ctx context.Context, opt *redis.Options) (*RedisService, error) {
	client := redis.NewClient(opt)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, errors.Wrapf(err, "连接 redis %s", opt.Addr)
	}
	return &RedisService{client: client, timeout: 5 * time.Second}, nil
}

// NewStore 创建新的存储
func (s *RedisService) NewStore(prefix, id, tag string) Store {
	return &redisStore{svc: s, key: storeKey(prefix, id, tag)}
}

// Close 关闭连接
func (s *RedisService) Close() error {
	if s == nil || s.client == nil {
		return nil
	}
	return s.client.Close()
}

type redisStore struct {
	svc *RedisService
	key string
}

func (s *redisStore) Save(data interface{}) error {
	logger.Debugf("[persistence] redis Save: key=%s", s.key)
	b, err := json.Marshal(data)
	if err != nil {
		return errors.Wrapf(err, "序列化 %s", s.key)
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.svc.timeout)
	defer cancel()
	return s.svc.client.Set(ctx, s.key, b, 0).Err()
}

func (s *redisStore) Load(data interface{}) error {
	logger.Debugf("[persistence] redis Load: key=%s", s.key)
	ctx, cancel := context.WithTimeout(context.Background(), s.svc.timeout)
	defer cancel()
	b, err := s.svc.client.Get(ctx, s.key).Bytes()
	if err == redis.Nil {
		return ErrNotExists
	}
	if err != nil {
		return errors.Wrapf(err, "读取 %s", s.key)
	}
	return errors.Wrapf(json.Unmarshal(b, data), "解析 %s", s.key)
}
