package api

import (
	"context"
	"time"

	"go.uber.org/zap"

	"signal-trigger/internal/bus"
)

const (
	DefaultPollInterval = time.Second
	DefaultResubscribe  = 5 * time.Second
)

// PubSubSource 优先使用推送订阅 ticks:* / candles:*
// 订阅失败或中断时降级为轮询 latest_tick:<instrument>，并定期尝试恢复推送
type PubSubSource struct {
	sub          bus.Subscriber
	latest       bus.LatestReader // 可以为 nil，此时降级期间不产生数据
	instruments  []string
	pollInterval time.Duration
	resubscribe  time.Duration
	logger       *zap.Logger

	lastSeen map[string]time.Time // 只在 Run 协程中访问
}

func NewPubSubSource(sub bus.Subscriber, latest bus.LatestReader, instruments []string, pollInterval, resubscribe time.Duration, logger *zap.Logger) *PubSubSource {
	if pollInterval <= 0 {
		pollInterval = DefaultPollInterval
	}
	if resubscribe <= 0 {
		resubscribe = DefaultResubscribe
	}
	return &PubSubSource{
		sub:          sub,
		latest:       latest,
		instruments:  instruments,
		pollInterval: pollInterval,
		resubscribe:  resubscribe,
		logger:       logger,
		lastSeen:     make(map[string]time.Time),
	}
}

func (s *PubSubSource) Run(ctx context.Context, emit func(Event)) error {
	for ctx.Err() == nil {
		var msgs <-chan bus.Message
		var err error
		if s.sub != nil {
			msgs, err = s.sub.Subscribe(ctx, bus.TicksPrefix+":*", bus.CandlesPrefix+":*")
		}

		switch {
		case s.sub == nil:
			s.logger.Info("No subscriber configured, polling latest ticks")
		case err != nil:
			s.logger.Warn("Push subscription unavailable, degrading to polling", zap.Error(err))
		default:
			s.logger.Info("Push subscription established")
			s.consume(ctx, msgs, emit)
			if ctx.Err() != nil {
				return nil
			}
			s.logger.Warn("Push subscription dropped, degrading to polling")
		}

		// 没有订阅端时一直轮询
		d := s.resubscribe
		if s.sub == nil {
			d = 0
		}
		s.poll(ctx, emit, d)
	}
	return nil
}

// consume 读取推送消息直到通道关闭
func (s *PubSubSource) consume(ctx context.Context, msgs <-chan bus.Message, emit func(Event)) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			ev, err := DecodeMessage(msg)
			if err != nil {
				s.logger.Warn("Dropping malformed market data", zap.String("topic", msg.Topic), zap.Error(err))
				continue
			}
			if ev.Kind == KindTick {
				if last, ok := s.lastSeen[ev.Instrument]; !ok || ev.Tick.Timestamp.After(last) {
					s.lastSeen[ev.Instrument] = ev.Tick.Timestamp
				}
			}
			emit(ev)
		}
	}
}

// poll 按固定间隔读取最新 tick，只在时间戳前进时发出
// d > 0 时运行 d 之后返回，以便重新尝试推送订阅
func (s *PubSubSource) poll(ctx context.Context, emit func(Event), d time.Duration) {
	var deadline <-chan time.Time
	if d > 0 {
		timer := time.NewTimer(d)
		defer timer.Stop()
		deadline = timer.C
	}

	ticker := time.NewTicker(s.pollInterval)
	defer ticker.Stop()

	s.pollOnce(ctx, emit)
	for {
		select {
		case <-ctx.Done():
			return
		case <-deadline:
			return
		case <-ticker.C:
			s.pollOnce(ctx, emit)
		}
	}
}

func (s *PubSubSource) pollOnce(ctx context.Context, emit func(Event)) {
	if s.latest == nil {
		return
	}
	for _, inst := range s.instruments {
		data, ok, err := s.latest.Latest(ctx, bus.LatestTickKey(inst))
		if err != nil {
			s.logger.Warn("Failed to poll latest tick", zap.String("instrument", inst), zap.Error(err))
			continue
		}
		if !ok {
			continue
		}
		tick, err := DecodeTick(data, inst)
		if err != nil {
			s.logger.Warn("Dropping malformed latest tick", zap.String("instrument", inst), zap.Error(err))
			continue
		}
		if last, seen := s.lastSeen[inst]; seen && !tick.Timestamp.After(last) {
			continue
		}
		s.lastSeen[inst] = tick.Timestamp
		emit(TickEvent(tick))
	}
}
