package ta

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/moznion/go-optional"
	"go.uber.org/zap"

	"signal-trigger/internal/bus"
	"signal-trigger/internal/model"
)

const DefaultWindow = 200

// history 存储单个品种计算指标所需的 K 线窗口和最新快照
type history struct {
	mu       sync.Mutex
	bars     []model.Candle // 按 StartAt 升序
	snapshot optional.Option[model.Snapshot]
}

// Engine 负责管理所有品种的 K 线窗口和指标计算
type Engine struct {
	mu           sync.RWMutex
	histories    map[string]*history
	window       int
	tickInterval time.Duration
	publisher    bus.Publisher
	logger       *zap.Logger
}

// NewEngine 初始化指标引擎
// tickInterval 是 tick 合成 K 线的周期，publisher 可以为 nil
func NewEngine(window int, tickInterval time.Duration, publisher bus.Publisher, logger *zap.Logger) *Engine {
	if window < 2 {
		window = DefaultWindow
	}
	if tickInterval <= 0 {
		tickInterval = time.Minute
	}
	return &Engine{
		histories:    make(map[string]*history),
		window:       window,
		tickInterval: tickInterval,
		publisher:    publisher,
		logger:       logger,
	}
}

func (e *Engine) get(instrument string) *history {
	e.mu.RLock()
	h, ok := e.histories[instrument]
	e.mu.RUnlock()
	if ok {
		return h
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if h, ok = e.histories[instrument]; !ok {
		h = &history{bars: make([]model.Candle, 0, e.window)}
		e.histories[instrument] = h
		e.logger.Debug("Initialized TA history", zap.String("instrument", instrument))
	}
	return h
}

// UpdateCandle 更新 K 线并重新计算指标
// 相同 StartAt 视为 K 线更新，更晚的追加，更早的过期数据被忽略
func (e *Engine) UpdateCandle(candle model.Candle) optional.Option[model.Snapshot] {
	if candle.Instrument == "" || !validPrice(candle.Close) {
		e.logger.Debug("Rejected candle", zap.String("instrument", candle.Instrument), zap.Float64("close", candle.Close))
		return optional.None[model.Snapshot]()
	}

	h := e.get(candle.Instrument)
	h.mu.Lock()
	defer h.mu.Unlock()

	if n := len(h.bars); n > 0 {
		lastBar := h.bars[n-1]
		switch {
		case candle.StartAt.Equal(lastBar.StartAt):
			h.bars[n-1] = candle
		case candle.StartAt.After(lastBar.StartAt):
			h.bars = append(h.bars, candle)
		default:
			e.logger.Debug("Stale candle ignored",
				zap.String("instrument", candle.Instrument),
				zap.Time("start_at", candle.StartAt),
				zap.Time("last_start_at", lastBar.StartAt))
			return optional.None[model.Snapshot]()
		}
	} else {
		h.bars = append(h.bars, candle)
	}

	return e.refresh(candle.Instrument, h, candle.StartAt)
}

// UpdateTick 把 tick 当作一次合成的单根 K 线更新
// tick 落在最后一根 K 线周期内时聚合进去，否则按 tickInterval 开启新 K 线
func (e *Engine) UpdateTick(tick model.Tick) optional.Option[model.Snapshot] {
	if tick.Instrument == "" || !validPrice(tick.LastPrice) || tick.Timestamp.IsZero() {
		e.logger.Debug("Rejected tick", zap.String("instrument", tick.Instrument), zap.Float64("price", tick.LastPrice))
		return optional.None[model.Snapshot]()
	}
	if math.IsNaN(tick.Volume) || math.IsInf(tick.Volume, 0) || tick.Volume < 0 {
		tick.Volume = 0
	}

	h := e.get(tick.Instrument)
	h.mu.Lock()
	defer h.mu.Unlock()

	n := len(h.bars)
	if n == 0 {
		h.bars = append(h.bars, model.OpenCandle(tick, e.tickInterval, 0))
		return e.refresh(tick.Instrument, h, tick.Timestamp)
	}

	lastBar := h.bars[n-1]
	if tick.Timestamp.Before(lastBar.StartAt) {
		e.logger.Debug("Stale tick ignored",
			zap.String("instrument", tick.Instrument),
			zap.Time("timestamp", tick.Timestamp),
			zap.Time("last_start_at", lastBar.StartAt))
		return optional.None[model.Snapshot]()
	}

	next := model.OpenCandle(tick, e.tickInterval, lastBar.Close)
	if lastBar.Contains(tick.Timestamp) || !next.StartAt.After(lastBar.StartAt) {
		h.bars[n-1] = lastBar.Fold(tick)
	} else {
		h.bars = append(h.bars, next)
	}

	return e.refresh(tick.Instrument, h, tick.Timestamp)
}

// refresh 裁剪窗口、重新计算并发布快照，调用方持有 h.mu
func (e *Engine) refresh(instrument string, h *history, at time.Time) optional.Option[model.Snapshot] {
	if len(h.bars) > e.window {
		// FIFO：只保留最近 window 根
		h.bars = append(h.bars[:0], h.bars[len(h.bars)-e.window:]...)
	}

	snap := model.Snapshot{
		Instrument:   instrument,
		Timestamp:    at,
		CurrentPrice: h.bars[len(h.bars)-1].Close,
		Values:       calculate(h.bars),
	}
	h.snapshot = optional.Some(snap)

	if e.publisher != nil {
		if err := e.publisher.Publish(context.Background(), bus.IndicatorsTopic(instrument), snap); err != nil {
			e.logger.Warn("Failed to publish indicator snapshot", zap.String("instrument", instrument), zap.Error(err))
		}
	}
	return optional.Some(snap.Clone())
}

// GetSnapshot 返回品种最新的指标快照
func (e *Engine) GetSnapshot(instrument string) optional.Option[model.Snapshot] {
	e.mu.RLock()
	h, ok := e.histories[instrument]
	e.mu.RUnlock()
	if !ok {
		return optional.None[model.Snapshot]()
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.snapshot.IsNone() {
		return h.snapshot
	}
	return optional.Some(h.snapshot.Unwrap().Clone())
}

// Bars 返回品种当前窗口内 K 线数量
func (e *Engine) Bars(instrument string) int {
	e.mu.RLock()
	h, ok := e.histories[instrument]
	e.mu.RUnlock()
	if !ok {
		return 0
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.bars)
}

// Instruments 返回已有数据的品种，按名称排序
func (e *Engine) Instruments() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]string, 0, len(e.histories))
	for k := range e.histories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

func validPrice(p float64) bool {
	return p > 0 && !math.IsNaN(p) && !math.IsInf(p, 0)
}
