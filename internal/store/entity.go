package store

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"gorm.io/datatypes"

	"signal-trigger/internal/model"
)

// SignalDocument 条件在持久层的镜像，多一个生命周期状态
type SignalDocument struct {
	ID                   uint           `gorm:"primaryKey" json:"id"`
	ConditionID          string         `gorm:"column:condition_id;type:varchar(64);uniqueIndex;not null" json:"condition_id"`
	Instrument           string         `gorm:"column:instrument;type:varchar(64);index:idx_instrument_status,priority:1;not null" json:"instrument"`
	IndicatorName        string         `gorm:"column:indicator_name;type:varchar(64);not null" json:"indicator_name"`
	Operator             string         `gorm:"column:operator;type:varchar(20);not null" json:"operator"`
	Threshold            float64        `gorm:"column:threshold" json:"threshold"`
	Action               string         `gorm:"column:action;type:varchar(8)" json:"action"`
	StrategyType         string         `gorm:"column:strategy_type;type:varchar(64)" json:"strategy_type"`
	PositionSize         float64        `gorm:"column:position_size" json:"position_size"`
	Confidence           float64        `gorm:"column:confidence" json:"confidence"`
	StopLoss             *float64       `gorm:"column:stop_loss" json:"stop_loss,omitempty"`
	TakeProfit           *float64       `gorm:"column:take_profit" json:"take_profit,omitempty"`
	AdditionalConditions datatypes.JSON `gorm:"column:additional_conditions;type:json" json:"additional_conditions"`
	ExpiresAt            *time.Time     `gorm:"column:expires_at" json:"expires_at,omitempty"`
	TriggeredAt          *time.Time     `gorm:"column:triggered_at" json:"triggered_at,omitempty"`
	PreviousValue        *float64       `gorm:"column:previous_value" json:"previous_value,omitempty"` // 穿越检测的上一次值，重启后恢复
	Status               string         `gorm:"column:status;type:varchar(16);index:idx_instrument_status,priority:2;not null" json:"status"`
	Extra                datatypes.JSON `gorm:"column:extra;type:json" json:"extra"`
	CreatedAt            time.Time      `gorm:"column:created_at" json:"created_at"`
	UpdatedAt            time.Time      `gorm:"column:updated_at" json:"updated_at"`
}

func (SignalDocument) TableName() string {
	return "signal_documents"
}

// NewDocument 由条件生成一条 pending 文档
func NewDocument(c model.Condition) (*SignalDocument, error) {
	terms := c.AdditionalConditions
	if terms == nil {
		terms = []model.Term{}
	}
	raw, err := json.Marshal(terms)
	if err != nil {
		return nil, fmt.Errorf("encode additional conditions: %w", err)
	}
	return &SignalDocument{
		ConditionID:          c.ConditionID,
		Instrument:           c.Instrument,
		IndicatorName:        c.IndicatorName,
		Operator:             string(c.Operator),
		Threshold:            c.Threshold,
		Action:               string(c.Action),
		StrategyType:         c.StrategyType,
		PositionSize:         c.PositionSize,
		Confidence:           c.Confidence,
		StopLoss:             c.StopLoss,
		TakeProfit:           c.TakeProfit,
		AdditionalConditions: datatypes.JSON(raw),
		ExpiresAt:            c.ExpiresAt,
		PreviousValue:        c.PreviousValue,
		Status:               string(model.StatusPending),
		Extra:                datatypes.JSON("{}"),
		CreatedAt:            c.CreatedAt,
	}, nil
}

// Condition 把文档还原成条件，包括持久化的 previous_value
func (d *SignalDocument) Condition() (model.Condition, error) {
	op, err := model.ParseOperator(d.Operator)
	if err != nil {
		return model.Condition{}, err
	}
	var terms []model.Term
	if len(d.AdditionalConditions) > 0 {
		if err := json.Unmarshal(d.AdditionalConditions, &terms); err != nil {
			return model.Condition{}, fmt.Errorf("decode additional conditions: %w", err)
		}
	}
	return model.Condition{
		ConditionID:          d.ConditionID,
		Instrument:           d.Instrument,
		IndicatorName:        d.IndicatorName,
		Operator:             op,
		Threshold:            d.Threshold,
		Action:               model.Action(d.Action),
		StrategyType:         d.StrategyType,
		PositionSize:         d.PositionSize,
		Confidence:           d.Confidence,
		StopLoss:             d.StopLoss,
		TakeProfit:           d.TakeProfit,
		AdditionalConditions: terms,
		CreatedAt:            d.CreatedAt,
		ExpiresAt:            d.ExpiresAt,
		IsActive:             d.Status == string(model.StatusPending),
		PreviousValue:        d.PreviousValue,
	}, nil
}

// ExtraMap 解析 extra 字段
func (d *SignalDocument) ExtraMap() map[string]any {
	out := map[string]any{}
	if len(d.Extra) > 0 {
		_ = json.Unmarshal(d.Extra, &out)
	}
	return out
}
