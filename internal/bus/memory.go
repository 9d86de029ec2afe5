package bus

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

type memorySub struct {
	patterns []string
	ch       chan Message
}

// MemoryBus 进程内总线，用于单机部署和测试
// 订阅者队列满时丢弃消息，发布方永远不会被阻塞
type MemoryBus struct {
	mu      sync.RWMutex
	subs    map[*memorySub]struct{}
	latest  map[string][]byte
	bufSize int
	closed  bool
	logger  *zap.Logger
}

func NewMemoryBus(bufSize int, logger *zap.Logger) *MemoryBus {
	if bufSize <= 0 {
		bufSize = 1024
	}
	return &MemoryBus{
		subs:    make(map[*memorySub]struct{}),
		latest:  make(map[string][]byte),
		bufSize: bufSize,
		logger:  logger,
	}
}

func (b *MemoryBus) Publish(ctx context.Context, topic string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}

	msg := Message{Topic: topic, Payload: data}
	for sub := range b.subs {
		if !matchAny(sub.patterns, topic) {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			b.logger.Warn("Memory bus subscriber queue full, message dropped", zap.String("topic", topic))
		}
	}
	return nil
}

func (b *MemoryBus) Subscribe(ctx context.Context, patterns ...string) (<-chan Message, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, ErrClosed
	}

	sub := &memorySub{patterns: patterns, ch: make(chan Message, b.bufSize)}
	b.subs[sub] = struct{}{}

	go func() {
		<-ctx.Done()
		b.unsubscribe(sub)
	}()
	return sub.ch, nil
}

func (b *MemoryBus) unsubscribe(sub *memorySub) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub]; ok {
		delete(b.subs, sub)
		close(sub.ch)
	}
}

// SetLatest 写入轮询 key，对应 Redis 的 SET
func (b *MemoryBus) SetLatest(ctx context.Context, key string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	b.mu.Lock()
	b.latest[key] = data
	b.mu.Unlock()
	return nil
}

func (b *MemoryBus) Latest(ctx context.Context, key string) ([]byte, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	data, ok := b.latest[key]
	return data, ok, nil
}

func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for sub := range b.subs {
		delete(b.subs, sub)
		close(sub.ch)
	}
	return nil
}

func matchAny(patterns []string, topic string) bool {
	for _, p := range patterns {
		if Match(p, topic) {
			return true
		}
	}
	return false
}
