package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/moznion/go-optional"
	"github.com/sourcegraph/conc"
	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"signal-trigger/internal/api"
	"signal-trigger/internal/executor"
	"signal-trigger/internal/model"
	"signal-trigger/internal/service"
)

var (
	ErrBridgeStopped    = errors.New("bridge stopped")
	ErrBridgeNotStarted = errors.New("bridge not started")
)

const DefaultQueueSize = 1024

// IndicatorEngine 由 ta.Engine 实现
type IndicatorEngine interface {
	UpdateTick(tick model.Tick) optional.Option[model.Snapshot]
	UpdateCandle(candle model.Candle) optional.Option[model.Snapshot]
}

// ConditionEvaluator 由 strategy.Evaluator 实现
type ConditionEvaluator interface {
	Evaluate(ctx context.Context, instrument string, snap model.Snapshot) []model.TriggerEvent
}

// TriggerDispatcher 由 executor.Dispatcher 实现
type TriggerDispatcher interface {
	Dispatch(ctx context.Context, ev model.TriggerEvent) executor.Result
}

// Stats 计数器快照
type Stats struct {
	TicksProcessed   uint64 `json:"ticks_processed"`
	CandlesProcessed uint64 `json:"candles_processed"`
	TriggersFired    uint64 `json:"triggers_fired"`
	Workers          int    `json:"workers"`
}

func (s Stats) EventsProcessed() uint64 {
	return s.TicksProcessed + s.CandlesProcessed
}

// Bridge 把行情事件按品种顺序送入 指标 -> 评估 -> 分发
// 每个品种一个 worker 协程和一个有界队列，队列满时 OnTick/OnCandle 阻塞
type Bridge struct {
	indicators IndicatorEngine
	evaluator  ConditionEvaluator
	dispatcher TriggerDispatcher
	metrics    *service.Metrics
	queueSize  int
	observers  []func(model.Snapshot)
	logger     *zap.Logger

	mu      sync.RWMutex
	workers map[string]chan api.Event
	started bool
	stopped bool
	ctx     context.Context
	cancel  context.CancelFunc
	wg      conc.WaitGroup

	ticks    atomic.Uint64
	candles  atomic.Uint64
	triggers atomic.Uint64
}

func NewBridge(indicators IndicatorEngine, evaluator ConditionEvaluator, dispatcher TriggerDispatcher, metrics *service.Metrics, queueSize int, logger *zap.Logger) *Bridge {
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	return &Bridge{
		indicators: indicators,
		evaluator:  evaluator,
		dispatcher: dispatcher,
		metrics:    metrics,
		queueSize:  queueSize,
		logger:     logger,
		workers:    make(map[string]chan api.Event),
	}
}

// AddSnapshotObserver 每次产生新快照时回调，在 worker 协程中执行，必须很快返回
// 需要在 Start 之前调用
func (b *Bridge) AddSnapshotObserver(fn func(model.Snapshot)) {
	b.observers = append(b.observers, fn)
}

func (b *Bridge) Start(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return ErrBridgeStopped
	}
	if b.started {
		return nil
	}
	b.ctx, b.cancel = context.WithCancel(ctx)
	b.started = true
	b.logger.Info("Ingestion bridge started", zap.Int("queue_size", b.queueSize))
	return nil
}

// Stop 停止所有 worker，之后的 OnTick/OnCandle 返回 ErrBridgeStopped
// 队列中尚未处理的事件被丢弃
func (b *Bridge) Stop() {
	b.mu.Lock()
	if b.stopped {
		b.mu.Unlock()
		return
	}
	b.stopped = true
	cancel := b.cancel
	b.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	b.wg.Wait()
	b.logger.Info("Ingestion bridge stopped",
		zap.Uint64("ticks", b.ticks.Load()),
		zap.Uint64("candles", b.candles.Load()),
		zap.Uint64("triggers", b.triggers.Load()))
}

func (b *Bridge) OnTick(instrument string, tick model.Tick) error {
	tick.Instrument = instrument
	return b.enqueue(api.TickEvent(tick))
}

func (b *Bridge) OnCandle(instrument string, candle model.Candle) error {
	candle.Instrument = instrument
	return b.enqueue(api.CandleEvent(candle))
}

// Emit 作为 Source 的回调
func (b *Bridge) Emit(ev api.Event) {
	var err error
	switch ev.Kind {
	case api.KindTick:
		err = b.OnTick(ev.Instrument, ev.Tick)
	case api.KindCandle:
		err = b.OnCandle(ev.Instrument, ev.Candle)
	}
	if err != nil && !errors.Is(err, ErrBridgeStopped) {
		b.logger.Warn("Failed to enqueue market event", zap.String("instrument", ev.Instrument), zap.Error(err))
	}
}

func (b *Bridge) enqueue(ev api.Event) error {
	ch, ctx, err := b.worker(ev.Instrument)
	if err != nil {
		return err
	}
	// 不持锁发送，队列满时在这里形成背压
	select {
	case ch <- ev:
		return nil
	case <-ctx.Done():
		return ErrBridgeStopped
	}
}

// worker 返回品种的队列，第一次出现的品种会创建新的 worker
func (b *Bridge) worker(instrument string) (chan api.Event, context.Context, error) {
	b.mu.RLock()
	if b.stopped {
		b.mu.RUnlock()
		return nil, nil, ErrBridgeStopped
	}
	if !b.started {
		b.mu.RUnlock()
		return nil, nil, ErrBridgeNotStarted
	}
	ch, ok := b.workers[instrument]
	ctx := b.ctx
	b.mu.RUnlock()
	if ok {
		return ch, ctx, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.stopped {
		return nil, nil, ErrBridgeStopped
	}
	if ch, ok = b.workers[instrument]; !ok {
		ch = make(chan api.Event, b.queueSize)
		b.workers[instrument] = ch
		b.wg.Go(func() { b.run(ctx, instrument, ch) })
		b.logger.Debug("Started instrument worker", zap.String("instrument", instrument))
	}
	return ch, ctx, nil
}

func (b *Bridge) run(ctx context.Context, instrument string, ch <-chan api.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-ch:
			var pc panics.Catcher
			pc.Try(func() { b.process(ctx, ev) })
			if r := pc.Recovered(); r != nil {
				b.logger.Error("Market event processing panicked",
					zap.String("instrument", instrument),
					zap.Error(r.AsError()))
			}
		}
	}
}

// process 指标更新 -> 评估 -> 分发
func (b *Bridge) process(ctx context.Context, ev api.Event) {
	var snap optional.Option[model.Snapshot]
	switch ev.Kind {
	case api.KindTick:
		b.ticks.Add(1)
		snap = b.indicators.UpdateTick(ev.Tick)
	case api.KindCandle:
		b.candles.Add(1)
		snap = b.indicators.UpdateCandle(ev.Candle)
	default:
		return
	}
	if b.metrics != nil {
		b.metrics.EventsProcessed.WithLabelValues(ev.Instrument, string(ev.Kind)).Inc()
	}
	if snap.IsNone() {
		return
	}
	s := snap.Unwrap()

	for _, fn := range b.observers {
		fn(s)
	}

	for _, trig := range b.evaluator.Evaluate(ctx, ev.Instrument, s) {
		// 认领失败的触发不计数
		if res := b.dispatcher.Dispatch(ctx, trig); !res.Claimed {
			continue
		}
		b.triggers.Add(1)
		if b.metrics != nil {
			b.metrics.TriggersFired.WithLabelValues(trig.Instrument, string(trig.Action)).Inc()
		}
	}
}

func (b *Bridge) Stats() Stats {
	b.mu.RLock()
	workers := len(b.workers)
	b.mu.RUnlock()
	return Stats{
		TicksProcessed:   b.ticks.Load(),
		CandlesProcessed: b.candles.Load(),
		TriggersFired:    b.triggers.Load(),
		Workers:          workers,
	}
}
