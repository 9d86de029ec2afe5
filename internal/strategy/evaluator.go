package strategy

import (
	"context"
	"fmt"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.uber.org/zap"

	"signal-trigger/internal/model"
)

// LifecycleHook 评估过程中的持久化回调，实现必须是非阻塞的
type LifecycleHook interface {
	MarkStatusAsync(conditionID string, status model.Status, extra map[string]any)
	SavePreviousValueAsync(conditionID string, value float64)
}

type nopHook struct{}

func (nopHook) MarkStatusAsync(string, model.Status, map[string]any) {}
func (nopHook) SavePreviousValueAsync(string, float64)               {}

// Evaluator 用最新快照评估某个品种的全部活跃条件
type Evaluator struct {
	registry *Registry
	epsilon  float64
	hook     LifecycleHook
	now      func() time.Time
	logger   *zap.Logger
}

func NewEvaluator(registry *Registry, epsilon float64, hook LifecycleHook, logger *zap.Logger) *Evaluator {
	if epsilon <= 0 {
		epsilon = DefaultEqualEpsilon
	}
	if hook == nil {
		hook = nopHook{}
	}
	return &Evaluator{
		registry: registry,
		epsilon:  epsilon,
		hook:     hook,
		now:      time.Now,
		logger:   logger,
	}
}

// SetClock 替换时间来源，测试中使用
func (e *Evaluator) SetClock(now func() time.Time) {
	e.now = now
	e.registry.now = now
}

// Evaluate 评估 instrument 的所有活跃条件
// 过期检查先于评估；触发的条件在同一个临界区内失效并移出注册表，保证至多触发一次
func (e *Evaluator) Evaluate(ctx context.Context, instrument string, snap model.Snapshot) []model.TriggerEvent {
	b := e.registry.book(instrument)
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.conditions) == 0 {
		return nil
	}

	now := e.now()
	var (
		events  []model.TriggerEvent
		retired []string
	)
	kept := make([]*model.Condition, 0, len(b.conditions))

	for _, c := range b.conditions {
		if !c.IsActive {
			continue
		}

		// 1. 过期
		if c.IsExpired(now) {
			c.IsActive = false
			retired = append(retired, c.ConditionID)
			e.hook.MarkStatusAsync(c.ConditionID, model.StatusExpired, map[string]any{"expired_at": now})
			e.logger.Info("Condition expired",
				zap.String("condition_id", c.ConditionID),
				zap.String("instrument", instrument))
			continue
		}

		// 2-4. 单个条件的异常被隔离，不影响其他条件
		var (
			fired bool
			value float64
			pc    panics.Catcher
		)
		pc.Try(func() { fired, value = e.evaluateOne(c, snap) })
		if r := pc.Recovered(); r != nil {
			e.logger.Error("Condition evaluation panicked",
				zap.String("condition_id", c.ConditionID),
				zap.String("instrument", instrument),
				zap.Error(r.AsError()))
			kept = append(kept, c)
			continue
		}

		if !fired {
			kept = append(kept, c)
			continue
		}

		// 5. 触发
		c.IsActive = false
		at := now
		c.TriggeredAt = &at
		retired = append(retired, c.ConditionID)
		events = append(events, model.NewTriggerEvent(*c, snap, value, now))
		e.logger.Info("Condition triggered",
			zap.String("condition_id", c.ConditionID),
			zap.String("instrument", instrument),
			zap.String("indicator", c.IndicatorName),
			zap.Float64("value", value),
			zap.Float64("threshold", c.Threshold),
			zap.String("action", string(c.Action)))
	}

	b.conditions = kept
	if len(retired) > 0 {
		e.registry.mu.Lock()
		for _, id := range retired {
			e.registry.retireLocked(id)
		}
		e.registry.mu.Unlock()
	}
	return events
}

// evaluateOne 评估单个条件，调用方持有品种锁
func (e *Evaluator) evaluateOne(c *model.Condition, snap model.Snapshot) (bool, float64) {
	cur := snap.Get(c.IndicatorName)
	if cur.IsNone() {
		// 指标缺失本轮跳过，不是错误
		return false, 0
	}
	value := cur.Unwrap()

	var primary bool
	switch {
	case c.Operator.IsCross():
		primary = crossed(c.Operator, c.PreviousValue, value, c.Threshold)
		// 无论是否触发都覆盖上一次的值
		changed := c.PreviousValue == nil || *c.PreviousValue != value
		v := value
		c.PreviousValue = &v
		if changed {
			e.hook.SavePreviousValueAsync(c.ConditionID, value)
		}
	case c.Operator.Valid():
		primary = compare(c.Operator, value, c.Threshold, e.epsilon)
	default:
		panic(fmt.Sprintf("unknown operator %q", c.Operator))
	}
	if !primary {
		return false, value
	}

	// 附加条件 AND
	for _, term := range c.AdditionalConditions {
		v := snap.Get(term.IndicatorName)
		if v.IsNone() || !compare(term.Operator, v.Unwrap(), term.Threshold, e.epsilon) {
			return false, value
		}
	}
	return true, value
}
