package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"signal-trigger/internal/model"
)

// SignalDao 信号文档的持久化接口
type SignalDao interface {
	Create(ctx context.Context, doc *SignalDocument) error
	FindByConditionID(ctx context.Context, conditionID string) (*SignalDocument, error)
	FindByID(ctx context.Context, id uint) (*SignalDocument, error)
	FindByStatus(ctx context.Context, status model.Status, instrument string) ([]SignalDocument, error)
	DeleteStale(ctx context.Context, instrument string) (int64, error)
	UpdateStatus(ctx context.Context, conditionID string, to model.Status, extra map[string]any, at time.Time) (*SignalDocument, bool, error)
	UpdatePreviousValue(ctx context.Context, conditionID string, value float64) error
}

var errStaleTransition = errors.New("status transition not allowed")

type signalDao struct {
	db *gorm.DB
}

func NewSignalDao(db *gorm.DB) SignalDao {
	return &signalDao{db: db}
}

func (r *signalDao) Create(ctx context.Context, doc *SignalDocument) error {
	if err := r.db.WithContext(ctx).Create(doc).Error; err != nil {
		return fmt.Errorf("failed to create signal document %s: %w", doc.ConditionID, err)
	}
	return nil
}

// FindByConditionID 不存在时返回 nil, nil
func (r *signalDao) FindByConditionID(ctx context.Context, conditionID string) (*SignalDocument, error) {
	var doc SignalDocument
	err := r.db.WithContext(ctx).Where("condition_id = ?", conditionID).First(&doc).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *signalDao) FindByID(ctx context.Context, id uint) (*SignalDocument, error) {
	var doc SignalDocument
	err := r.db.WithContext(ctx).First(&doc, id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &doc, nil
}

// FindByStatus 按状态查询，instrument 为空时查询全部品种，按创建顺序返回
func (r *signalDao) FindByStatus(ctx context.Context, status model.Status, instrument string) ([]SignalDocument, error) {
	var docs []SignalDocument
	q := r.db.WithContext(ctx).Where("status = ?", string(status))
	if instrument != "" {
		q = q.Where("instrument = ?", instrument)
	}
	if err := q.Order("id ASC").Find(&docs).Error; err != nil {
		return nil, fmt.Errorf("failed to query %s signal documents: %w", status, err)
	}
	return docs, nil
}

// DeleteStale 硬删除 pending 和 expired 文档
func (r *signalDao) DeleteStale(ctx context.Context, instrument string) (int64, error) {
	q := r.db.WithContext(ctx).Where("status IN ?", []string{string(model.StatusPending), string(model.StatusExpired)})
	if instrument != "" {
		q = q.Where("instrument = ?", instrument)
	}
	res := q.Delete(&SignalDocument{})
	if res.Error != nil {
		return 0, fmt.Errorf("failed to purge signal documents: %w", res.Error)
	}
	return res.RowsAffected, nil
}

// UpdateStatus 条件更新：只有当前状态是合法前置状态时才写入
// WHERE 子句里带上前置状态，多进程并发时状态也只会前进
func (r *signalDao) UpdateStatus(ctx context.Context, conditionID string, to model.Status, extra map[string]any, at time.Time) (*SignalDocument, bool, error) {
	var doc SignalDocument
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("condition_id = ?", conditionID).First(&doc).Error; err != nil {
			return err
		}
		if !model.CanTransition(model.Status(doc.Status), to) {
			return errStaleTransition
		}

		merged := doc.ExtraMap()
		for k, v := range extra {
			merged[k] = v
		}
		raw, err := json.Marshal(merged)
		if err != nil {
			return fmt.Errorf("encode extra: %w", err)
		}

		updates := map[string]any{
			"status":     string(to),
			"extra":      datatypes.JSON(raw),
			"updated_at": at,
		}
		if to == model.StatusTriggered {
			triggeredAt := at
			if t, ok := extra["triggered_at"].(time.Time); ok {
				triggeredAt = t
			}
			updates["triggered_at"] = triggeredAt
			doc.TriggeredAt = &triggeredAt
		}

		res := tx.Model(&SignalDocument{}).
			Where("condition_id = ? AND status IN ?", conditionID, statusStrings(model.Predecessors(to))).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return errStaleTransition
		}
		doc.Status = string(to)
		doc.Extra = datatypes.JSON(raw)
		return nil
	})

	switch {
	case err == nil:
		return &doc, true, nil
	case errors.Is(err, gorm.ErrRecordNotFound), errors.Is(err, errStaleTransition):
		return nil, false, nil
	default:
		return nil, false, fmt.Errorf("failed to update status of %s to %s: %w", conditionID, to, err)
	}
}

// UpdatePreviousValue 只更新仍处于 pending 的文档
func (r *signalDao) UpdatePreviousValue(ctx context.Context, conditionID string, value float64) error {
	res := r.db.WithContext(ctx).Model(&SignalDocument{}).
		Where("condition_id = ? AND status = ?", conditionID, string(model.StatusPending)).
		Update("previous_value", value)
	if res.Error != nil {
		return fmt.Errorf("failed to save previous value of %s: %w", conditionID, res.Error)
	}
	return nil
}

func statusStrings(ss []model.Status) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = string(s)
	}
	return out
}
