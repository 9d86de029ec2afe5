package bus

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Multi 把同一条消息发布到多个 Publisher，错误合并返回
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, topic string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	var errs error
	for _, p := range m {
		errs = multierr.Append(errs, p.Publish(ctx, topic, data))
	}
	return errs
}

type pending struct {
	topic string
	data  []byte
}

// AsyncPublisher 非阻塞发布：消息先编码再进入有界队列，由单个协程按顺序发出
// 队列满时丢弃并告警，调用方永远不会等待网络
type AsyncPublisher struct {
	inner    Publisher
	queue    chan pending
	timeout  time.Duration
	failures *prometheus.CounterVec
	logger   *zap.Logger

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func NewAsyncPublisher(inner Publisher, size int, timeout time.Duration, failures *prometheus.CounterVec, logger *zap.Logger) *AsyncPublisher {
	if size <= 0 {
		size = 4096
	}
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	p := &AsyncPublisher{
		inner:    inner,
		queue:    make(chan pending, size),
		timeout:  timeout,
		failures: failures,
		logger:   logger,
		done:     make(chan struct{}),
	}
	go p.loop()
	return p
}

func (p *AsyncPublisher) Publish(ctx context.Context, topic string, payload any) error {
	data, err := Encode(payload)
	if err != nil {
		return err
	}
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrClosed
	}
	select {
	case p.queue <- pending{topic: topic, data: data}:
	default:
		p.fail(topic)
		p.logger.Warn("Publish queue full, message dropped", zap.String("topic", topic))
	}
	return nil
}

func (p *AsyncPublisher) loop() {
	defer close(p.done)
	for msg := range p.queue {
		ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
		if err := p.inner.Publish(ctx, msg.topic, msg.data); err != nil {
			p.fail(msg.topic)
			p.logger.Warn("Publish failed", zap.String("topic", msg.topic), zap.Error(err))
		}
		cancel()
	}
}

func (p *AsyncPublisher) fail(topic string) {
	if p.failures != nil {
		p.failures.WithLabelValues(TopicKind(topic)).Inc()
	}
}

// Close 停止接收并把队列中剩余的消息发完
func (p *AsyncPublisher) Close() error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	p.mu.Unlock()
	<-p.done
	return nil
}
