package model

import "time"

// 信号主题上的消息类型
const (
	MessageTypeTrigger = "trigger"
	MessageTypeStatus  = "status"
)

// TriggerEvent 条件满足时产生的触发事件
type TriggerEvent struct {
	Type           string    `json:"type"`
	ConditionID    string    `json:"condition_id"`
	Instrument     string    `json:"instrument"`
	Action         Action    `json:"action"`
	TriggeredAt    time.Time `json:"triggered_at"`
	IndicatorName  string    `json:"indicator_name"`
	IndicatorValue float64   `json:"indicator_value"`
	Threshold      float64   `json:"threshold"`
	CurrentPrice   float64   `json:"current_price"`
	PositionSize   float64   `json:"position_size"`
	Confidence     float64   `json:"confidence"`
	StopLoss       *float64  `json:"stop_loss,omitempty"`
	TakeProfit     *float64  `json:"take_profit,omitempty"`
	StrategyType   string    `json:"strategy_type"`
	Snapshot       Snapshot  `json:"snapshot"`
}

// NewTriggerEvent 根据条件和触发时的快照组装事件
func NewTriggerEvent(c Condition, snap Snapshot, value float64, at time.Time) TriggerEvent {
	return TriggerEvent{
		Type:           MessageTypeTrigger,
		ConditionID:    c.ConditionID,
		Instrument:     c.Instrument,
		Action:         c.Action,
		TriggeredAt:    at,
		IndicatorName:  c.IndicatorName,
		IndicatorValue: value,
		Threshold:      c.Threshold,
		CurrentPrice:   snap.CurrentPrice,
		PositionSize:   c.PositionSize,
		Confidence:     c.Confidence,
		StopLoss:       cloneFloat(c.StopLoss),
		TakeProfit:     cloneFloat(c.TakeProfit),
		StrategyType:   c.StrategyType,
		Snapshot:       snap.Clone(),
	}
}

// StatusChange 生命周期状态变化通知
type StatusChange struct {
	Type        string         `json:"type"`
	ConditionID string         `json:"condition_id"`
	Instrument  string         `json:"instrument"`
	Status      Status         `json:"status"`
	At          time.Time      `json:"at"`
	Extra       map[string]any `json:"extra,omitempty"`
}
