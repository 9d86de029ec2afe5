package strategy

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"

	"signal-trigger/internal/model"
)

var (
	ErrDuplicateCondition = errors.New("duplicate condition")
	// ErrConsumedCondition 条件已经触发、过期或被取消，同一个 ID 不能再次注册
	ErrConsumedCondition = errors.New("condition already consumed")
)

// book 单个品种的活跃条件，按注册顺序评估
// 同一品种的增删和评估都在 mu 下串行执行，不同品种互不影响
type book struct {
	mu         sync.Mutex
	conditions []*model.Condition
}

// Registry 保存所有活跃条件
// 锁顺序固定为 book.mu -> Registry.mu
type Registry struct {
	mu    sync.RWMutex
	books map[string]*book
	index map[string]string // condition_id -> instrument
	// consumed 记录本进程内已经终结的条件 ID，防止同步时把它们重新加载回来
	consumed map[string]struct{}
	now      func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		books:    make(map[string]*book),
		index:    make(map[string]string),
		consumed: make(map[string]struct{}),
		now:      time.Now,
	}
}

func (r *Registry) book(instrument string) *book {
	r.mu.RLock()
	b, ok := r.books[instrument]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok = r.books[instrument]; !ok {
		b = &book{}
		r.books[instrument] = b
	}
	return b
}

// AddCondition 校验并注册条件，返回条件 ID
// ID 为空时自动生成 UUID；重复 ID 返回 ErrDuplicateCondition，已终结的 ID 返回 ErrConsumedCondition
func (r *Registry) AddCondition(c model.Condition) (string, error) {
	if c.ConditionID == "" {
		c.ConditionID = uuid.NewString()
	}
	if c.CreatedAt.IsZero() {
		c.CreatedAt = r.now()
	}
	c.IsActive = true
	c.TriggeredAt = nil
	if err := c.Validate(); err != nil {
		return "", err
	}

	cond := c.Clone()
	b := r.book(cond.Instrument)
	b.mu.Lock()
	defer b.mu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.index[cond.ConditionID]; exists {
		return "", fmt.Errorf("%w: %s", ErrDuplicateCondition, cond.ConditionID)
	}
	if _, done := r.consumed[cond.ConditionID]; done {
		return "", fmt.Errorf("%w: %s", ErrConsumedCondition, cond.ConditionID)
	}
	r.index[cond.ConditionID] = cond.Instrument
	b.conditions = append(b.conditions, &cond)
	return cond.ConditionID, nil
}

// RemoveCondition 取消条件，已经不存在时返回 false
// 取消是终结状态，之后同一个 ID 不能再注册
func (r *Registry) RemoveCondition(id string) bool {
	r.mu.RLock()
	instrument, ok := r.index[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	b := r.book(instrument)
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := false
	kept := b.conditions[:0]
	for _, c := range b.conditions {
		if c.ConditionID == id {
			c.IsActive = false
			removed = true
			continue
		}
		kept = append(kept, c)
	}
	clearTail(b.conditions, len(kept))
	b.conditions = kept

	if removed {
		r.mu.Lock()
		r.retireLocked(id)
		r.mu.Unlock()
	}
	return removed
}

// RemoveInstrument 移除某个品种的全部活跃条件，返回移除数量
// 这里是丢弃而不是终结，条件 ID 之后仍可以重新注册
func (r *Registry) RemoveInstrument(instrument string) int {
	b := r.book(instrument)
	b.mu.Lock()
	defer b.mu.Unlock()

	n := len(b.conditions)
	r.mu.Lock()
	for _, c := range b.conditions {
		c.IsActive = false
		delete(r.index, c.ConditionID)
	}
	r.mu.Unlock()
	clearTail(b.conditions, 0)
	b.conditions = b.conditions[:0]
	return n
}

// ListActive 返回活跃条件的副本，instrument 为空时返回全部品种
func (r *Registry) ListActive(instrument string) []model.Condition {
	var instruments []string
	if instrument != "" {
		instruments = []string{instrument}
	} else {
		r.mu.RLock()
		for k := range r.books {
			instruments = append(instruments, k)
		}
		r.mu.RUnlock()
		sort.Strings(instruments)
	}

	out := make([]model.Condition, 0)
	for _, inst := range instruments {
		r.mu.RLock()
		b, ok := r.books[inst]
		r.mu.RUnlock()
		if !ok {
			continue
		}
		b.mu.Lock()
		for _, c := range b.conditions {
			if c.IsActive {
				out = append(out, c.Clone())
			}
		}
		b.mu.Unlock()
	}
	return out
}

// Get 按 ID 查找活跃条件
func (r *Registry) Get(id string) optional.Option[model.Condition] {
	r.mu.RLock()
	instrument, ok := r.index[id]
	r.mu.RUnlock()
	if !ok {
		return optional.None[model.Condition]()
	}

	b := r.book(instrument)
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, c := range b.conditions {
		if c.ConditionID == id && c.IsActive {
			return optional.Some(c.Clone())
		}
	}
	return optional.None[model.Condition]()
}

// Contains 判断条件是否仍然活跃
func (r *Registry) Contains(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.index[id]
	return ok
}

// Consumed 判断条件是否已经在本进程内终结
func (r *Registry) Consumed(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.consumed[id]
	return ok
}

// retireLocked 调用方持有 r.mu 写锁
func (r *Registry) retireLocked(id string) {
	delete(r.index, id)
	r.consumed[id] = struct{}{}
}

// Len 活跃条件总数
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.index)
}

// clearTail 释放被移出切片的指针
func clearTail(s []*model.Condition, from int) {
	for i := from; i < len(s); i++ {
		s[i] = nil
	}
}
