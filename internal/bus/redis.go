package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"signal-trigger/internal/service"
)

// NewRedisClient 初始化 Redis 客户端并检查连通性
func NewRedisClient(ctx context.Context, cfg service.RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		DB:              cfg.Db,
		Addr:            cfg.Addr,
		Password:        cfg.Password,
		PoolSize:        cfg.PoolSize,
		MinIdleConns:    cfg.MinIdleConns,
		ConnMaxIdleTime: cfg.IdleTimeout,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", cfg.Addr, err)
	}
	return client, nil
}

// RedisBus 基于 Redis PUBLISH/PSUBSCRIBE 的总线，同时提供轮询 key 的读取
type RedisBus struct {
	client  *redis.Client
	bufSize int
	logger  *zap.Logger
}

func NewRedisBus(client *redis.Client, bufSize int, logger *zap.Logger) *RedisBus {
	if bufSize <= 0 {
		bufSize = 1024
	}
	return &RedisBus{client: client, bufSize: bufSize, logger: logger}
}

func (b *RedisBus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	return b.client.Publish(ctx, topic, data).Err()
}

// Subscribe 使用 PSUBSCRIBE，订阅确认后才返回
// Redis 连接断开且无法恢复时返回的通道会被关闭
func (b *RedisBus) Subscribe(ctx context.Context, patterns ...string) (<-chan Message, error) {
	ps := b.client.PSubscribe(ctx, patterns...)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe %v: %w", patterns, err)
	}

	out := make(chan Message, b.bufSize)
	go func() {
		defer close(out)
		defer ps.Close()

		in := ps.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case m, ok := <-in:
				if !ok {
					b.logger.Warn("Redis subscription closed", zap.Strings("patterns", patterns))
					return
				}
				// 阻塞写入：下游处理慢时由订阅读取形成背压
				select {
				case out <- Message{Topic: m.Channel, Payload: []byte(m.Payload)}:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

func (b *RedisBus) Latest(ctx context.Context, key string) ([]byte, bool, error) {
	data, err := b.client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return data, true, nil
}

// SetLatest 写入轮询 key，行情采集端使用
func (b *RedisBus) SetLatest(ctx context.Context, key string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	return b.client.Set(ctx, key, data, 0).Err()
}

// Close 关闭底层客户端
func (b *RedisBus) Close() error {
	return b.client.Close()
}
