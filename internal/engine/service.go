package engine

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"github.com/sourcegraph/conc"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"signal-trigger/internal/api"
	"signal-trigger/internal/bus"
	"signal-trigger/internal/executor"
	"signal-trigger/internal/model"
	"signal-trigger/internal/service"
	"signal-trigger/internal/store"
	"signal-trigger/internal/strategy"
	"signal-trigger/pkg/ta"
)

// Lifecycle 由 store.Lifecycle 实现；为 nil 时不做持久化
type Lifecycle interface {
	strategy.LifecycleHook
	Persist(ctx context.Context, c model.Condition) error
	MarkStatus(ctx context.Context, conditionID string, status model.Status, extra map[string]any) bool
	Claim(ctx context.Context, conditionID string, extra map[string]any) (bool, error)
	PurgePending(ctx context.Context, instrument string) (int, error)
	SyncToRegistry(ctx context.Context, instrument string, registry store.Registrar) (int, error)
	Close() error
}

// Options 构造 Service 需要的依赖
type Options struct {
	Engine    service.EngineConfig
	Publisher bus.Publisher // 一般是 AsyncPublisher，可以为 nil
	Lifecycle Lifecycle     // 可以为 nil
	Sources   []api.Source
	Metrics   *service.Metrics
	Closers   []io.Closer // Close 时按顺序关闭
	Logger    *zap.Logger
}

// Service 持有整条流水线，进程启动时构造一次并通过引用传递
type Service struct {
	Indicators *ta.Engine
	Registry   *strategy.Registry
	Evaluator  *strategy.Evaluator
	Dispatcher *executor.Dispatcher
	Bridge     *Bridge

	lifecycle    Lifecycle
	syncInterval time.Duration
	sources      []api.Source
	closers      []io.Closer
	logger       *zap.Logger

	mu        sync.Mutex
	cancel    context.CancelFunc
	sourcesWg conc.WaitGroup
	closed    bool
}

func NewService(opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Engine

	tickInterval, err := model.ParseIntervalDuration(cfg.TickTimeframe)
	if err != nil {
		return nil, fmt.Errorf("engine.tick-timeframe: %w", err)
	}

	// 接口里放 nil 指针会让 nil 判断失效，这里统一处理
	var hook strategy.LifecycleHook
	var marker executor.StatusMarker
	if opts.Lifecycle != nil {
		hook = opts.Lifecycle
		marker = opts.Lifecycle
	}

	indicators := ta.NewEngine(cfg.Window, tickInterval, opts.Publisher, logger.Named("ta"))
	registry := strategy.NewRegistry()
	evaluator := strategy.NewEvaluator(registry, cfg.EqualEpsilon, hook, logger.Named("evaluator"))
	dispatcher := executor.NewDispatcher(opts.Publisher, marker, cfg.HistoryLimit, logger.Named("dispatcher"))
	bridge := NewBridge(indicators, evaluator, dispatcher, opts.Metrics, cfg.QueueSize, logger.Named("bridge"))

	return &Service{
		Indicators:   indicators,
		Registry:     registry,
		Evaluator:    evaluator,
		Dispatcher:   dispatcher,
		Bridge:       bridge,
		lifecycle:    opts.Lifecycle,
		syncInterval: cfg.SyncInterval,
		sources:      opts.Sources,
		closers:      opts.Closers,
		logger:       logger,
	}, nil
}

// RegisterCondition 校验、持久化并注册条件，返回条件 ID
// 先落库再进入注册表，这样触发时的状态更新一定能找到文档
func (s *Service) RegisterCondition(ctx context.Context, c model.Condition) (string, error) {
	if c.ConditionID == "" {
		c.ConditionID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now()
	}
	c.IsActive = true
	if err := c.Validate(); err != nil {
		return "", err
	}
	if s.Registry.Contains(c.ConditionID) {
		return "", fmt.Errorf("%w: %s", strategy.ErrDuplicateCondition, c.ConditionID)
	}
	if s.Registry.Consumed(c.ConditionID) {
		return "", fmt.Errorf("%w: %s", strategy.ErrConsumedCondition, c.ConditionID)
	}

	if s.lifecycle != nil {
		if err := s.lifecycle.Persist(ctx, c); err != nil {
			// 持久化失败不影响评估
			s.logger.Warn("Failed to persist condition", zap.String("condition_id", c.ConditionID), zap.Error(err))
		}
	}

	id, err := s.Registry.AddCondition(c)
	if err != nil {
		return "", err
	}
	s.logger.Info("Condition registered",
		zap.String("condition_id", id),
		zap.String("instrument", c.Instrument),
		zap.String("indicator", c.IndicatorName),
		zap.String("operator", string(c.Operator)),
		zap.Float64("threshold", c.Threshold))
	return id, nil
}

// CancelCondition 取消条件，重复取消返回 false
func (s *Service) CancelCondition(ctx context.Context, conditionID string) bool {
	removed := s.Registry.RemoveCondition(conditionID)
	if removed && s.lifecycle != nil {
		s.lifecycle.MarkStatus(ctx, conditionID, model.StatusCancelled, nil)
	}
	return removed
}

// PurgePending 新一轮分析开始前调用：丢弃品种下未触发的条件（内存和持久层）
func (s *Service) PurgePending(ctx context.Context, instrument string) (int, error) {
	// 丢弃不算终结，被清理的条件 ID 之后还能重新注册
	dropped := 0
	if instrument != "" {
		dropped = s.Registry.RemoveInstrument(instrument)
	} else {
		seen := make(map[string]bool)
		for _, c := range s.Registry.ListActive("") {
			if !seen[c.Instrument] {
				seen[c.Instrument] = true
				dropped += s.Registry.RemoveInstrument(c.Instrument)
			}
		}
	}
	if dropped > 0 {
		s.logger.Info("Dropped in-memory conditions", zap.String("instrument", instrument), zap.Int("count", dropped))
	}

	if s.lifecycle == nil {
		return 0, nil
	}
	return s.lifecycle.PurgePending(ctx, instrument)
}

// SyncToRegistry 从持久层加载 pending 条件
func (s *Service) SyncToRegistry(ctx context.Context, instrument string) (int, error) {
	if s.lifecycle == nil {
		return 0, nil
	}
	return s.lifecycle.SyncToRegistry(ctx, instrument, s.Registry)
}

func (s *Service) SetExecutionCallback(fn executor.ExecuteFunc) {
	s.Dispatcher.SetExecutionCallback(fn)
}

func (s *Service) ListActive(instrument string) []model.Condition {
	return s.Registry.ListActive(instrument)
}

func (s *Service) GetSnapshot(instrument string) optional.Option[model.Snapshot] {
	return s.Indicators.GetSnapshot(instrument)
}

func (s *Service) History() []model.TriggerEvent {
	return s.Dispatcher.History()
}

func (s *Service) Stats() Stats {
	return s.Bridge.Stats()
}

// OnTick / OnCandle 直接投递行情，绕过 Source
func (s *Service) OnTick(instrument string, tick model.Tick) error {
	return s.Bridge.OnTick(instrument, tick)
}

func (s *Service) OnCandle(instrument string, candle model.Candle) error {
	return s.Bridge.OnCandle(instrument, candle)
}

// Start 启动 Bridge 和所有行情来源
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrBridgeStopped
	}
	if s.cancel != nil {
		return nil
	}

	if err := s.Bridge.Start(ctx); err != nil {
		return err
	}

	srcCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for _, src := range s.sources {
		src := src
		s.sourcesWg.Go(func() {
			if err := src.Run(srcCtx, s.Bridge.Emit); err != nil {
				s.logger.Error("Market data source stopped", zap.Error(err))
			}
		})
	}
	if s.lifecycle != nil && s.syncInterval > 0 {
		s.sourcesWg.Go(func() { s.syncLoop(srcCtx) })
	}
	s.logger.Info("Signal trigger service started", zap.Int("sources", len(s.sources)))
	return nil
}

// syncLoop 定期加载其他实例新写入的 pending 条件
// 已经消费过的条件会被注册表拒绝，不会重复触发
func (s *Service) syncLoop(ctx context.Context) {
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.SyncToRegistry(ctx, "")
			if err != nil {
				s.logger.Warn("Periodic sync failed", zap.Error(err))
				continue
			}
			if n > 0 {
				s.logger.Info("Periodic sync added conditions", zap.Int("conditions", n))
			}
		}
	}
}

// Stop 先停止行情来源，再停止 Bridge
func (s *Service) Stop() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()

	if cancel != nil {
		cancel()
		s.sourcesWg.Wait()
	}
	s.Bridge.Stop()
}

// Close 停止服务并释放所有资源，错误合并返回
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.Stop()

	var errs error
	if s.lifecycle != nil {
		errs = multierr.Append(errs, s.lifecycle.Close())
	}
	for _, c := range s.closers {
		errs = multierr.Append(errs, c.Close())
	}
	return errs
}
