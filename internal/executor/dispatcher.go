package executor

import (
	"context"
	"sync"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"signal-trigger/internal/bus"
	"signal-trigger/internal/model"
)

const DefaultHistoryLimit = 500

// StatusMarker 写入生命周期状态
// Claim 同步执行，决定这次触发能否继续；MarkStatusAsync 不能阻塞调用方
type StatusMarker interface {
	Claim(ctx context.Context, conditionID string, extra map[string]any) (bool, error)
	MarkStatusAsync(conditionID string, status model.Status, extra map[string]any)
}

type nopMarker struct{}

func (nopMarker) Claim(context.Context, string, map[string]any) (bool, error) { return true, nil }
func (nopMarker) MarkStatusAsync(string, model.Status, map[string]any)        {}

// Result 单次分发的结果
type Result struct {
	Claimed  bool   // 是否拿到了条件的消费权
	Executed bool   // 是否调用了执行回调
	Success  bool   // 回调是否返回成功
	Message  string // 回调返回的说明
	Err      error  // 认领失败或回调 panic 时的错误
}

// Dispatcher 负责把触发事件发布出去、记录历史并调用执行回调
type Dispatcher struct {
	cbMu     sync.RWMutex
	callback ExecuteFunc

	publisher bus.Publisher
	marker    StatusMarker
	logger    *zap.Logger

	histMu  sync.Mutex
	history []model.TriggerEvent
	limit   int
}

func NewDispatcher(publisher bus.Publisher, marker StatusMarker, historyLimit int, logger *zap.Logger) *Dispatcher {
	if historyLimit <= 0 {
		historyLimit = DefaultHistoryLimit
	}
	if marker == nil {
		marker = nopMarker{}
	}
	return &Dispatcher{
		publisher: publisher,
		marker:    marker,
		limit:     historyLimit,
		logger:    logger,
	}
}

// SetExecutionCallback 注册执行回调，重复调用会覆盖
func (d *Dispatcher) SetExecutionCallback(fn ExecuteFunc) {
	d.cbMu.Lock()
	d.callback = fn
	d.cbMu.Unlock()
}

// Dispatch 在本进程内每个条件只会被调用一次（由评估时的原子失效保证）
// 跨进程和重启时由持久层的条件更新认领，认领失败的触发直接丢弃
// 顺序：认领 triggered -> 发布 -> 记录历史 -> 执行回调 -> 成功时标记 executed
func (d *Dispatcher) Dispatch(ctx context.Context, ev model.TriggerEvent) Result {
	log := d.logger.With(
		zap.String("condition_id", ev.ConditionID),
		zap.String("instrument", ev.Instrument),
		zap.String("action", string(ev.Action)))

	// 1. 认领，状态写不进去时宁可不执行
	claimed, err := d.marker.Claim(ctx, ev.ConditionID, map[string]any{
		"triggered_at":    ev.TriggeredAt,
		"indicator_value": ev.IndicatorValue,
		"current_price":   ev.CurrentPrice,
	})
	if err != nil {
		log.Error("Failed to claim condition, trigger dropped", zap.Error(err))
		return Result{Err: err}
	}
	if !claimed {
		log.Warn("Condition consumed elsewhere, trigger dropped")
		return Result{}
	}

	// 2. 发布失败只记录日志
	if d.publisher != nil {
		for _, topic := range []string{bus.SignalsAll, bus.SignalsTopic(ev.Instrument)} {
			if err := d.publisher.Publish(ctx, topic, ev); err != nil {
				log.Warn("Failed to publish trigger event", zap.String("topic", topic), zap.Error(err))
			}
		}
	}

	// 3. 触发历史
	d.record(ev)

	d.cbMu.RLock()
	cb := d.callback
	d.cbMu.RUnlock()
	if cb == nil {
		log.Warn("No execution callback registered, trigger recorded only")
		return Result{Claimed: true}
	}

	// 4. 回调异常被捕获，条件仍视为已消费，不会重试
	var (
		res = Result{Claimed: true}
		pc  panics.Catcher
	)
	res.Executed = true
	pc.Try(func() { res.Success, res.Message = cb(ctx, ev) })
	if r := pc.Recovered(); r != nil {
		res.Err = r.AsError()
		log.Error("Execution callback panicked", zap.Error(res.Err))
		return res
	}

	if !res.Success {
		log.Warn("Execution callback reported failure", zap.String("message", res.Message))
		return res
	}

	// 5. 执行成功
	d.marker.MarkStatusAsync(ev.ConditionID, model.StatusExecuted, map[string]any{
		"execution_message": res.Message,
	})
	log.Info("Trigger executed", zap.String("message", res.Message))
	return res
}

func (d *Dispatcher) record(ev model.TriggerEvent) {
	d.histMu.Lock()
	defer d.histMu.Unlock()
	d.history = append(d.history, ev)
	if len(d.history) > d.limit {
		d.history = append(d.history[:0], d.history[len(d.history)-d.limit:]...)
	}
}

// History 返回触发历史的副本，按时间先后排列
func (d *Dispatcher) History() []model.TriggerEvent {
	d.histMu.Lock()
	defer d.histMu.Unlock()
	out := make([]model.TriggerEvent, len(d.history))
	copy(out, d.history)
	return out
}
