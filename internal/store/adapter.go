package store

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"signal-trigger/internal/bus"
	"signal-trigger/internal/model"
	"signal-trigger/internal/strategy"
)

const (
	DefaultStoreTimeout = 3 * time.Second
	DefaultStoreQueue   = 4096
)

// Registrar 同步时接收条件的一方，一般是 strategy.Registry
type Registrar interface {
	AddCondition(c model.Condition) (string, error)
}

type opKind int

const (
	opStatus opKind = iota
	opPrevious
	opBarrier
)

type writeOp struct {
	kind   opKind
	id     string
	status model.Status
	extra  map[string]any
	value  float64
	done   chan struct{}
}

// Lifecycle 把条件的生命周期镜像到持久层
// 异步写入由单个协程按入队顺序执行，因此 triggered 一定先于 executed 落库
type Lifecycle struct {
	dao       SignalDao
	publisher bus.Publisher
	timeout   time.Duration
	logger    *zap.Logger
	now       func() time.Time

	mu     sync.RWMutex
	closed bool
	queue  chan writeOp
	done   chan struct{}
}

func NewLifecycle(dao SignalDao, publisher bus.Publisher, queueSize int, timeout time.Duration, logger *zap.Logger) *Lifecycle {
	if queueSize <= 0 {
		queueSize = DefaultStoreQueue
	}
	if timeout <= 0 {
		timeout = DefaultStoreTimeout
	}
	l := &Lifecycle{
		dao:       dao,
		publisher: publisher,
		timeout:   timeout,
		logger:    logger,
		now:       time.Now,
		queue:     make(chan writeOp, queueSize),
		done:      make(chan struct{}),
	}
	go l.writer()
	return l
}

// Persist 新条件第一次注册时写入 pending 文档
func (l *Lifecycle) Persist(ctx context.Context, c model.Condition) error {
	doc, err := NewDocument(c)
	if err != nil {
		return err
	}
	return l.dao.Create(ctx, doc)
}

// MarkStatus 同步更新状态，只有状态真正前进时返回 true 并发布通知
func (l *Lifecycle) MarkStatus(ctx context.Context, conditionID string, status model.Status, extra map[string]any) bool {
	at := l.now()
	doc, changed, err := l.dao.UpdateStatus(ctx, conditionID, status, extra, at)
	if err != nil {
		l.logger.Warn("Failed to mark status",
			zap.String("condition_id", conditionID),
			zap.String("status", status.String()),
			zap.Error(err))
		return false
	}
	if !changed {
		l.logger.Debug("Status unchanged",
			zap.String("condition_id", conditionID),
			zap.String("status", status.String()))
		return false
	}
	l.publishChange(ctx, doc.Instrument, conditionID, status, at, extra)
	return true
}

// Claim 同步把条件从 pending 推进到 triggered，拿到消费权才返回 true
// 文档已经不是 pending（被其他实例或上一次运行消费）时返回 false；
// 没有落库的条件只有内存里的保证，直接返回 true
func (l *Lifecycle) Claim(ctx context.Context, conditionID string, extra map[string]any) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, l.timeout)
	defer cancel()

	at := l.now()
	doc, changed, err := l.dao.UpdateStatus(ctx, conditionID, model.StatusTriggered, extra, at)
	if err != nil {
		return false, err
	}
	if changed {
		l.publishChange(ctx, doc.Instrument, conditionID, model.StatusTriggered, at, extra)
		return true, nil
	}

	existing, err := l.dao.FindByConditionID(ctx, conditionID)
	if err != nil {
		return false, err
	}
	if existing == nil {
		l.logger.Debug("Claiming unpersisted condition", zap.String("condition_id", conditionID))
		return true, nil
	}
	l.logger.Warn("Condition already consumed",
		zap.String("condition_id", conditionID),
		zap.String("status", existing.Status))
	return false, nil
}

func (l *Lifecycle) publishChange(ctx context.Context, instrument, conditionID string, status model.Status, at time.Time, extra map[string]any) {
	if l.publisher == nil {
		return
	}
	change := model.StatusChange{
		Type:        model.MessageTypeStatus,
		ConditionID: conditionID,
		Instrument:  instrument,
		Status:      status,
		At:          at,
		Extra:       extra,
	}
	for _, topic := range []string{bus.SignalsAll, bus.SignalsTopic(instrument)} {
		if err := l.publisher.Publish(ctx, topic, change); err != nil {
			l.logger.Warn("Failed to publish status change", zap.String("topic", topic), zap.Error(err))
		}
	}
}

// MarkStatusAsync 入队后立即返回，队列满时丢弃并告警
func (l *Lifecycle) MarkStatusAsync(conditionID string, status model.Status, extra map[string]any) {
	l.enqueue(writeOp{kind: opStatus, id: conditionID, status: status, extra: extra})
}

// SavePreviousValueAsync 持久化穿越检测的上一次值
func (l *Lifecycle) SavePreviousValueAsync(conditionID string, value float64) {
	l.enqueue(writeOp{kind: opPrevious, id: conditionID, value: value})
}

func (l *Lifecycle) enqueue(op writeOp) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		l.logger.Warn("Lifecycle closed, write dropped", zap.String("condition_id", op.id))
		return
	}
	select {
	case l.queue <- op:
	default:
		l.logger.Warn("Store queue full, write dropped",
			zap.String("condition_id", op.id),
			zap.String("status", op.status.String()))
	}
}

// Flush 等待此前入队的写入全部完成
func (l *Lifecycle) Flush(ctx context.Context) error {
	barrier := writeOp{kind: opBarrier, done: make(chan struct{})}

	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return nil
	}
	select {
	case l.queue <- barrier:
		l.mu.RUnlock()
	case <-ctx.Done():
		l.mu.RUnlock()
		return ctx.Err()
	}

	select {
	case <-barrier.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l *Lifecycle) writer() {
	defer close(l.done)
	for op := range l.queue {
		if op.kind == opBarrier {
			close(op.done)
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
		switch op.kind {
		case opStatus:
			l.MarkStatus(ctx, op.id, op.status, op.extra)
		case opPrevious:
			if err := l.dao.UpdatePreviousValue(ctx, op.id, op.value); err != nil {
				l.logger.Warn("Failed to save previous value", zap.String("condition_id", op.id), zap.Error(err))
			}
		}
		cancel()
	}
}

// PurgePending 删除品种下 pending/expired 的文档，instrument 为空时删除全部
func (l *Lifecycle) PurgePending(ctx context.Context, instrument string) (int, error) {
	n, err := l.dao.DeleteStale(ctx, instrument)
	if err != nil {
		return 0, err
	}
	l.logger.Info("Purged stale signal documents", zap.String("instrument", instrument), zap.Int64("count", n))
	return int(n), nil
}

// SyncToRegistry 把 pending 文档加载进注册表，返回新加入的数量
// 已经在注册表里或已经消费过的跳过；加载时已经过期的直接标记 expired
func (l *Lifecycle) SyncToRegistry(ctx context.Context, instrument string, registry Registrar) (int, error) {
	docs, err := l.dao.FindByStatus(ctx, model.StatusPending, instrument)
	if err != nil {
		return 0, err
	}

	now := l.now()
	added := 0
	for i := range docs {
		doc := &docs[i]
		cond, err := doc.Condition()
		if err != nil {
			l.logger.Warn("Skipping malformed signal document", zap.String("condition_id", doc.ConditionID), zap.Error(err))
			continue
		}
		if cond.IsExpired(now) {
			l.MarkStatus(ctx, cond.ConditionID, model.StatusExpired, map[string]any{"expired_at": now})
			continue
		}

		if _, err := registry.AddCondition(cond); err != nil {
			// 已经在注册表里，或者本进程已经消费过但状态还没落库
			if errors.Is(err, strategy.ErrDuplicateCondition) || errors.Is(err, strategy.ErrConsumedCondition) {
				continue
			}
			l.logger.Warn("Failed to register synced condition", zap.String("condition_id", cond.ConditionID), zap.Error(err))
			continue
		}
		added++
	}

	l.logger.Info("Synced pending conditions",
		zap.String("instrument", instrument),
		zap.Int("pending", len(docs)),
		zap.Int("added", added))
	return added, nil
}

// Document 查询单个条件的文档，不存在时返回 nil
func (l *Lifecycle) Document(ctx context.Context, conditionID string) (*SignalDocument, error) {
	doc, err := l.dao.FindByConditionID(ctx, conditionID)
	if err != nil {
		return nil, fmt.Errorf("find signal document %s: %w", conditionID, err)
	}
	return doc, nil
}

// Pending 列出 pending 文档
func (l *Lifecycle) Pending(ctx context.Context, instrument string) ([]SignalDocument, error) {
	return l.dao.FindByStatus(ctx, model.StatusPending, instrument)
}

// Close 停止接收新的写入，并等待队列中的写入完成
func (l *Lifecycle) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.queue)
	}
	l.mu.Unlock()
	<-l.done
	return nil
}
